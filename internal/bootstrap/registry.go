// Package bootstrap is the startup/service registry (C12): priority-
// phased initialization of dependencies with health checks, generalized
// from the teacher's LoadConfig-then-explicit-wiring main.go style into a
// named Registry so cmd/receptionist can declare "what" without repeating
// "in what order" at every call site.
package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Phase is one of the four priority tiers spec §4.12 names.
type Phase string

const (
	// Critical components are eager and fatal: state store, gateway
	// adapter, config. A Critical failure aborts startup.
	Critical Phase = "critical"
	// High components are eager and fatal: LLM gateway, template
	// resolver, outbox worker.
	High Phase = "high"
	// Medium components are lazy or conditional: RAG retriever (if
	// configured), calendar adapter. A Medium failure is logged and
	// skipped rather than fatal.
	Medium Phase = "medium"
	// Deferred components start after the server is already serving
	// traffic: analytics, retention-pruning scheduler.
	Deferred Phase = "deferred"
)

var phaseOrder = []Phase{Critical, High, Medium, Deferred}

// Step is one named initializer. Condition, if non-nil, gates whether Run
// executes it at all (used by Medium's "if configured" components);
// Fn does the actual construction/connection work.
type Step struct {
	Name      string
	Phase     Phase
	Condition func() bool
	Fn        func(ctx context.Context) error
}

// HealthCheck is a named liveness probe a component registers so /readyz
// can report on it individually.
type HealthCheck struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Registry runs Steps phase by phase (Critical, High, Medium, Deferred, in
// that order) and tracks HealthChecks for the HTTP probe routes.
type Registry struct {
	logger *zap.Logger

	mu       sync.Mutex
	steps    []Step
	health   []HealthCheck
	deferred []Step
	ready    bool
}

// NewRegistry builds an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a Step. Deferred steps are not run by Run; call
// RunDeferred after the server starts serving traffic.
func (r *Registry) Register(step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

// RegisterHealthCheck adds a named probe consulted by Healthy.
func (r *Registry) RegisterHealthCheck(check HealthCheck) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = append(r.health, check)
}

// Run executes Critical, High, and Medium steps in phase order with an
// overall deadline. A Critical or High step returning an error aborts
// startup immediately; a Medium step's error is logged and skipped, since
// Medium components are explicitly optional/conditional capabilities.
func (r *Registry) Run(ctx context.Context, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for _, phase := range phaseOrder {
		if phase == Deferred {
			continue
		}
		for _, step := range r.stepsInPhase(phase) {
			if step.Condition != nil && !step.Condition() {
				r.logger.Info("bootstrap step skipped (condition false)", zap.String("step", step.Name))
				continue
			}
			r.logger.Info("bootstrap step starting", zap.String("phase", string(phase)), zap.String("step", step.Name))
			if err := step.Fn(ctx); err != nil {
				if phase == Medium {
					r.logger.Warn("bootstrap step failed, continuing (medium priority)",
						zap.String("step", step.Name), zap.Error(err))
					continue
				}
				return errors.Wrapf(err, "bootstrap step %q (phase %s) failed", step.Name, phase)
			}
		}
	}

	r.mu.Lock()
	r.ready = true
	r.mu.Unlock()
	return nil
}

// RunDeferred launches every Deferred step as a supervised goroutine. Call
// after Run has succeeded and the HTTP server is already accepting
// traffic; a Deferred step's error is logged, never fatal.
func (r *Registry) RunDeferred(ctx context.Context) {
	for _, step := range r.stepsInPhase(Deferred) {
		step := step
		if step.Condition != nil && !step.Condition() {
			continue
		}
		go func() {
			if err := step.Fn(ctx); err != nil {
				r.logger.Error("deferred bootstrap step failed", zap.String("step", step.Name), zap.Error(err))
			}
		}()
	}
}

// Ready reports whether Run has completed successfully.
func (r *Registry) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Healthy runs every registered HealthCheck and returns the names of the
// ones that failed, empty when all pass.
func (r *Registry) Healthy(ctx context.Context) []string {
	r.mu.Lock()
	checks := append([]HealthCheck(nil), r.health...)
	r.mu.Unlock()

	var failed []string
	for _, check := range checks {
		if err := check.Fn(ctx); err != nil {
			r.logger.Warn("health check failed", zap.String("check", check.Name), zap.Error(err))
			failed = append(failed, check.Name)
		}
	}
	return failed
}

func (r *Registry) stepsInPhase(phase Phase) []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Step
	for _, s := range r.steps {
		if s.Phase == phase {
			out = append(out, s)
		}
	}
	return out
}

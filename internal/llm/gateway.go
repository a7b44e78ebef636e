// Package llm is the unified LLM gateway (C5): a façade over one or more
// provider Adapters with budgeting, retries, per-adapter circuit breaking,
// and failover. Circuit breaking follows the teacher's
// internal/services/message_service.go and internal/queue/producer.go,
// both of which construct a github.com/sony/gobreaker.CircuitBreaker with a
// ReadyToTrip failure-ratio predicate — reused here per adapter instead of
// per outbound-API-call. Retries reuse the shared internal/retry policy,
// itself grounded on the teacher's calculateBackoff.
package llm

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kumon/receptionist/internal/config"
	"github.com/kumon/receptionist/internal/models"
	"github.com/kumon/receptionist/internal/retry"
	"github.com/kumon/receptionist/internal/telemetry"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_gateway_requests_total",
			Help: "Total number of LLM gateway requests, by adapter and outcome",
		},
		[]string{"adapter", "outcome"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_gateway_request_duration_seconds",
			Help:    "Duration of LLM gateway requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"adapter"},
	)

	budgetSpentGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_gateway_budget_spent_usd",
			Help: "Running total of today's estimated spend in USD",
		},
	)
)

// adapterSlot pairs an Adapter with its own circuit breaker.
type adapterSlot struct {
	adapter Adapter
	breaker *gobreaker.CircuitBreaker
}

// Gateway is the C5 façade.
type Gateway struct {
	slots       []adapterSlot
	budget      *budget
	retryPolicy retry.Policy
	logger      *zap.Logger
	tracer      trace.Tracer
}

// New builds a Gateway from a priority-ordered list of adapters (primary
// first, fallbacks after).
func New(cfg *config.Config, logger *zap.Logger, adapters ...Adapter) *Gateway {
	slots := make([]adapterSlot, 0, len(adapters))
	for _, a := range adapters {
		name := a.Name()
		settings := gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     cfg.LLM.CircuitOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.ConsecutiveFailures >= uint32(cfg.LLM.CircuitFailureThreshold) {
					return true
				}
				if counts.Requests == 0 {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= 0.5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Info("llm adapter circuit state changed",
					zap.String("adapter", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}
		slots = append(slots, adapterSlot{adapter: a, breaker: gobreaker.NewCircuitBreaker(settings)})
	}

	return &Gateway{
		slots:  slots,
		budget: newBudget(cfg.LLM.DailyBudgetUSD),
		retryPolicy: retry.Policy{
			BaseDelay:   250 * time.Millisecond,
			Factor:      2,
			MaxDelay:    2 * time.Second,
			MaxWall:     8 * time.Second,
			MaxAttempts: 3,
			Jitter:      0.2,
		},
		logger: logger,
		tracer: telemetry.Tracer("llm-gateway"),
	}
}

// Close stops the budget's daily reset goroutine.
func (g *Gateway) Close() {
	g.budget.Close()
}

// Generate runs req against the first available (non-open-circuit) adapter
// in priority order, retrying transient failures and failing over on a
// permanent or circuit-open failure.
func (g *Gateway) Generate(ctx context.Context, req models.LLMRequest) (models.LLMResponse, error) {
	if err := g.budget.Admit(req.BudgetHint); err != nil {
		requestsTotal.WithLabelValues("none", "budget_exceeded").Inc()
		return models.LLMResponse{}, err
	}

	var lastErr error
	tried := make([]string, 0, len(g.slots))

	for _, slot := range g.slots {
		tried = append(tried, slot.adapter.Name())
		timer := prometheus.NewTimer(requestDuration.WithLabelValues(slot.adapter.Name()))
		callCtx, span := telemetry.StartCall(ctx, g.tracer, "llm_generate", attribute.String("adapter", slot.adapter.Name()))

		var resp models.LLMResponse
		err := retry.Do(callCtx, g.retryPolicy, func(ctx context.Context) error {
			result, execErr := slot.breaker.Execute(func() (interface{}, error) {
				return slot.adapter.Generate(ctx, req)
			})
			if execErr != nil {
				return execErr
			}
			resp = result.(models.LLMResponse)
			return nil
		})
		timer.ObserveDuration()

		if err == nil {
			g.budget.Record(resp.Usage.CostUSD)
			budgetSpentGauge.Set(g.budget.Spent())
			requestsTotal.WithLabelValues(slot.adapter.Name(), "success").Inc()
			span.SetAttributes(
				attribute.Int("prompt_tokens", resp.Usage.PromptTokens),
				attribute.Int("completion_tokens", resp.Usage.CompletionTokens),
				attribute.Float64("cost_usd", resp.Usage.CostUSD),
			)
			telemetry.EndCall(span, nil)
			return resp, nil
		}

		lastErr = err
		requestsTotal.WithLabelValues(slot.adapter.Name(), "failure").Inc()
		g.logger.Warn("llm adapter failed, trying next", zap.String("adapter", slot.adapter.Name()), zap.Error(err))
		telemetry.EndCall(span, err)
	}

	if lastErr == nil {
		return models.LLMResponse{}, &NoAdapterAvailable{Adapters: tried}
	}
	if errors.Is(lastErr, gobreaker.ErrOpenState) || errors.Is(lastErr, gobreaker.ErrTooManyRequests) {
		return models.LLMResponse{}, &NoAdapterAvailable{Adapters: tried}
	}
	return models.LLMResponse{}, errors.Wrap(lastErr, "all llm adapters exhausted")
}

// Stream runs req against the first available adapter and returns its
// chunk channel. Unlike Generate, Stream does not retry once streaming has
// begun (partial output cannot be safely replayed); a transport error mid-
// stream surfaces as a StreamChunk.Err.
func (g *Gateway) Stream(ctx context.Context, req models.LLMRequest) (<-chan models.StreamChunk, error) {
	if err := g.budget.Admit(req.BudgetHint); err != nil {
		return nil, err
	}

	for _, slot := range g.slots {
		if slot.breaker.State() == gobreaker.StateOpen {
			continue
		}
		chunks := make(chan models.StreamChunk, 8)
		go slot.adapter.Stream(ctx, req, chunks)
		return chunks, nil
	}

	return nil, &NoAdapterAvailable{}
}

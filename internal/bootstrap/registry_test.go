package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistry_RunExecutesPhasesInOrder(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	var order []string

	r.Register(Step{Name: "medium-step", Phase: Medium, Fn: func(ctx context.Context) error {
		order = append(order, "medium-step")
		return nil
	}})
	r.Register(Step{Name: "critical-step", Phase: Critical, Fn: func(ctx context.Context) error {
		order = append(order, "critical-step")
		return nil
	}})
	r.Register(Step{Name: "high-step", Phase: High, Fn: func(ctx context.Context) error {
		order = append(order, "high-step")
		return nil
	}})

	require.NoError(t, r.Run(context.Background(), time.Second))
	assert.Equal(t, []string{"critical-step", "high-step", "medium-step"}, order)
	assert.True(t, r.Ready())
}

func TestRegistry_CriticalFailureAbortsStartup(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(Step{Name: "bad-critical", Phase: Critical, Fn: func(ctx context.Context) error {
		return errors.New("boom")
	}})

	err := r.Run(context.Background(), time.Second)
	require.Error(t, err)
	assert.False(t, r.Ready())
}

func TestRegistry_MediumFailureIsNonFatal(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(Step{Name: "bad-medium", Phase: Medium, Fn: func(ctx context.Context) error {
		return errors.New("rag endpoint unreachable")
	}})

	require.NoError(t, r.Run(context.Background(), time.Second))
	assert.True(t, r.Ready())
}

func TestRegistry_ConditionFalseSkipsStep(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	ran := false
	r.Register(Step{
		Name:      "conditional",
		Phase:     Medium,
		Condition: func() bool { return false },
		Fn: func(ctx context.Context) error {
			ran = true
			return nil
		},
	})

	require.NoError(t, r.Run(context.Background(), time.Second))
	assert.False(t, ran)
}

func TestRegistry_HealthyReportsFailedChecks(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.RegisterHealthCheck(HealthCheck{Name: "db", Fn: func(ctx context.Context) error { return nil }})
	r.RegisterHealthCheck(HealthCheck{Name: "gateway", Fn: func(ctx context.Context) error { return errors.New("down") }})

	failed := r.Healthy(context.Background())
	assert.Equal(t, []string{"gateway"}, failed)
}

func TestRegistry_RunDeferredLaunchesSteps(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	done := make(chan struct{})
	r.Register(Step{Name: "pruning", Phase: Deferred, Fn: func(ctx context.Context) error {
		close(done)
		return nil
	}})

	r.RunDeferred(context.Background())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deferred step did not run")
	}
}

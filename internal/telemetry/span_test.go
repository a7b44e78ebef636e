package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestStartTurn_SetsCoreAttributesAndEnds(t *testing.T) {
	tracer := trace.NewNoopTracerProvider().Tracer("test")

	ctx, turn := StartTurn(context.Background(), tracer, "conv-1", "turn-1")
	assert.NotNil(t, ctx)

	turn.SetStageTransition("greeting", "collecting")
	turn.SetIntent("schedule", 0.92)
	turn.SetValidatorVerdict(true, nil)
	turn.SetOutboxOutcome("enqueued")
	turn.End(nil)
}

func TestTurnSpan_EndWithError(t *testing.T) {
	tracer := trace.NewNoopTracerProvider().Tracer("test")
	_, turn := StartTurn(context.Background(), tracer, "conv-2", "turn-2")
	turn.End(errors.New("boom"))
}

func TestStartCall_ReturnsUsableSpan(t *testing.T) {
	tracer := trace.NewNoopTracerProvider().Tracer("test")
	_, span := StartCall(context.Background(), tracer, "llm_generate")
	var _ trace.Span = span
	EndCall(span, nil)
}

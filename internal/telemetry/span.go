package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TurnSpan accumulates the structured trace fields spec §4.11 requires for
// every turn: conversation_id, turn_id, stage_from/to, node timings,
// intent/confidence, LLM usage, validator verdict, outbox outcome. The
// orchestrator's processTurn calls the Set* methods as it goes and calls End
// once it finishes, the same way webhook_handler.go sets
// attributes incrementally on its span before the deferred span.End().
type TurnSpan struct {
	span trace.Span
}

// StartTurn opens the root span for one turn. Call in internal/orchestrator
// at the top of processTurn; defer the returned TurnSpan's End.
func StartTurn(ctx context.Context, tracer trace.Tracer, conversationID, turnID string) (context.Context, *TurnSpan) {
	ctx, span := tracer.Start(ctx, "process_turn",
		trace.WithAttributes(
			attribute.String("conversation_id", conversationID),
			attribute.String("turn_id", turnID),
		),
	)
	return ctx, &TurnSpan{span: span}
}

// SetStageTransition records the FSM edge taken this turn.
func (t *TurnSpan) SetStageTransition(from, to string) {
	t.span.SetAttributes(
		attribute.String("stage_from", from),
		attribute.String("stage_to", to),
	)
}

// SetIntent records the classified intent and its confidence.
func (t *TurnSpan) SetIntent(label string, confidence float64) {
	t.span.SetAttributes(
		attribute.String("intent", label),
		attribute.Float64("intent_confidence", confidence),
	)
}

// SetNodeTiming records how long a single workflow node took.
func (t *TurnSpan) SetNodeTiming(node string, d time.Duration) {
	t.span.SetAttributes(attribute.Int64("node_ms_"+node, d.Milliseconds()))
}

// SetLLMUsage records the cost/token footprint of a C5 call made during
// this turn.
func (t *TurnSpan) SetLLMUsage(adapter string, promptTokens, completionTokens int, costUSD float64) {
	t.span.SetAttributes(
		attribute.String("llm_adapter", adapter),
		attribute.Int("llm_prompt_tokens", promptTokens),
		attribute.Int("llm_completion_tokens", completionTokens),
		attribute.Float64("llm_cost_usd", costUSD),
	)
}

// SetValidatorVerdict records the C9 validator's outcome for this turn.
func (t *TurnSpan) SetValidatorVerdict(ok bool, issues []string) {
	t.span.SetAttributes(attribute.Bool("validator_ok", ok))
	if len(issues) > 0 {
		t.span.SetAttributes(attribute.StringSlice("validator_issues", issues))
	}
}

// SetOutboxOutcome records what C10 did with the turn's emissions:
// "enqueued", "enqueue_error", or "skipped".
func (t *TurnSpan) SetOutboxOutcome(outcome string) {
	t.span.SetAttributes(attribute.String("outbox_outcome", outcome))
}

// End closes the span, marking it as an error span when err is non-nil.
func (t *TurnSpan) End(err error) {
	if err != nil {
		t.span.SetStatus(codes.Error, err.Error())
		t.span.SetAttributes(attribute.String("error", err.Error()))
	}
	t.span.End()
}

// StartCall opens a child span around a single outbound call — a C5
// adapter generate call or a C10 delivery attempt. Mirrors
// webhook_handler.go's tracer.Start(ctx, name, trace.WithAttributes(...))
// idiom, narrowed to the single-call case rather than a whole turn.
func StartCall(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndCall closes a span opened with StartCall, marking it as an error
// span when err is non-nil.
func EndCall(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error", err.Error()))
	}
	span.End()
}

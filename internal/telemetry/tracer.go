// Package telemetry centralizes the tracing-span and logger-construction
// conventions shared by every component that emits a per-turn trace:
// internal/orchestrator (C8, one span per turn), internal/llm (C5, one span
// per generate call) and internal/outbox (C10, one span per delivery
// attempt). The tracer-field-on-struct plus tracer.Start/defer span.End()
// idiom is the same one internal/handlers/webhook_handler.go already uses
// for the inbound path; this package just gives the outbound/turn path a
// named constructor instead of each component calling otel.Tracer directly.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a named tracer, matching the
// tracer: otel.Tracer("webhook-handler") field-initialization idiom used
// throughout internal/handlers.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

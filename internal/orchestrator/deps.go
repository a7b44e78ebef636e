package orchestrator

import (
	"context"
	"time"

	"github.com/kumon/receptionist/internal/models"
)

// CalendarClient is the capability interface the Scheduling/Confirmation
// nodes depend on. Satisfied by pkg/calendar's HTTP adapter, or by
// NullCalendar when the calendar feature flag is off (same
// capability-interface-plus-null-object shape as internal/rag.Retriever).
type CalendarClient interface {
	ListFreeSlots(ctx context.Context, from, to time.Time) ([]models.TimeSlot, error)
	BookSlot(ctx context.Context, slot models.TimeSlot, contactEmail string) error
}

// NullCalendar is the disabled-feature implementation: no slots are ever
// available and booking always fails soft, which the Scheduling node turns
// into a degraded "unavailable, escalate" emission rather than a panic.
type NullCalendar struct{}

func (NullCalendar) ListFreeSlots(ctx context.Context, from, to time.Time) ([]models.TimeSlot, error) {
	return nil, nil
}

func (NullCalendar) BookSlot(ctx context.Context, slot models.TimeSlot, contactEmail string) error {
	return errCalendarDisabled
}

var errCalendarDisabled = calendarDisabledError{}

type calendarDisabledError struct{}

func (calendarDisabledError) Error() string { return "calendar adapter is disabled" }

// Sink is the C10 outbox's enqueue contract, depended on here rather than
// imported concretely so C8 and C10 can be built and tested independently;
// *internal/outbox.Outbox satisfies this interface.
type Sink interface {
	Enqueue(ctx context.Context, turn models.EnqueueTurn) error
}

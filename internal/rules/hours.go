// Package rules implements the stateless business-rules engine (C7): hours,
// pricing, scope, safety/PII, and LGPD checks invoked by the preprocessor
// (C2), the orchestrator (C8), and the response validator (C9). Pure
// functions over plain Go values; no third-party dependency fits a
// boolean/string rule evaluator better than the standard library (see
// DESIGN.md).
package rules

import (
	"time"

	"github.com/kumon/receptionist/internal/config"
)

// HoursRule evaluates the weekday 08:00-12:00 / 14:00-17:00 local business
// window from spec §4.7.
type HoursRule struct {
	loc            *time.Location
	morningStart   string
	morningEnd     string
	afternoonStart string
	afternoonEnd   string
}

// NewHoursRule builds an HoursRule from config, falling back to UTC if the
// configured timezone cannot be loaded.
func NewHoursRule(cfg config.HoursConfig) *HoursRule {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return &HoursRule{
		loc:            loc,
		morningStart:   cfg.MorningStart,
		morningEnd:     cfg.MorningEnd,
		afternoonStart: cfg.AfternoonStart,
		afternoonEnd:   cfg.AfternoonEnd,
	}
}

// IsOpen reports whether t falls within business hours: weekday, and
// within either the morning or afternoon window.
func (h *HoursRule) IsOpen(t time.Time) bool {
	local := t.In(h.loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}

	clock := local.Format("15:04")
	return inWindow(clock, h.morningStart, h.morningEnd) || inWindow(clock, h.afternoonStart, h.afternoonEnd)
}

func inWindow(clock, start, end string) bool {
	return clock >= start && clock < end
}

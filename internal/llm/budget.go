package llm

import (
	"sync/atomic"
	"time"
)

// budget is the global atomic spend counter described in spec §9's
// "global atomic budget counter" redesign note: a single process-wide
// int64 of micro-dollars, reset by a daily ticker rather than per-request
// locking.
type budget struct {
	spentMicroUSD int64 // atomic
	ceilingUSD    float64
	stop          chan struct{}
}

func newBudget(ceilingUSD float64) *budget {
	b := &budget{ceilingUSD: ceilingUSD, stop: make(chan struct{})}
	go b.resetDaily()
	return b
}

func (b *budget) resetDaily() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			atomic.StoreInt64(&b.spentMicroUSD, 0)
		}
	}
}

func (b *budget) Close() {
	close(b.stop)
}

// Admit checks whether projectedUSD would push spend past the ceiling. It
// does not itself record the spend; callers call Record once actual usage
// is known.
func (b *budget) Admit(projectedUSD float64) error {
	spent := float64(atomic.LoadInt64(&b.spentMicroUSD)) / 1e6
	if spent+projectedUSD > b.ceilingUSD {
		return &BudgetExceeded{DailyBudgetUSD: b.ceilingUSD, ProjectedUSD: spent + projectedUSD}
	}
	return nil
}

// Record adds actualUSD to the running total.
func (b *budget) Record(actualUSD float64) {
	atomic.AddInt64(&b.spentMicroUSD, int64(actualUSD*1e6))
}

// Spent returns the current day's running total in USD, for telemetry.
func (b *budget) Spent() float64 {
	return float64(atomic.LoadInt64(&b.spentMicroUSD)) / 1e6
}

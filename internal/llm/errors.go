package llm

import "fmt"

// BudgetExceeded is returned by Generate/Stream when admitting the request
// would push projected daily spend past the configured ceiling.
type BudgetExceeded struct {
	DailyBudgetUSD float64
	ProjectedUSD   float64
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("projected spend $%.4f exceeds daily budget $%.4f", e.ProjectedUSD, e.DailyBudgetUSD)
}

// NoAdapterAvailable is returned when every configured provider adapter's
// circuit breaker is open.
type NoAdapterAvailable struct {
	Adapters []string
}

func (e *NoAdapterAvailable) Error() string {
	return fmt.Sprintf("no adapter available, all circuits open: %v", e.Adapters)
}

package telemetry

import "go.uber.org/zap"

// NewLogger builds the process-wide zap.Logger internal/bootstrap wires
// into every other component. env selects between the pack's two
// zap construction idioms: "production" uses zap.NewProductionConfig()
// (JSON, sampled), anything else falls back to zap.NewDevelopment()
// (console-encoded, unsampled) for local/test runs.
func NewLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		cfg := zap.NewProductionConfig()
		cfg.DisableStacktrace = false
		return cfg.Build()
	}
	return zap.NewDevelopment()
}

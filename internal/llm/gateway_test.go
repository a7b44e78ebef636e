package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kumon/receptionist/internal/config"
	"github.com/kumon/receptionist/internal/models"
)

type fakeAdapter struct {
	name     string
	fail     int
	calls    int
	response models.LLMResponse
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Generate(ctx context.Context, req models.LLMRequest) (models.LLMResponse, error) {
	f.calls++
	if f.calls <= f.fail {
		return models.LLMResponse{}, errors.New("transient provider error")
	}
	return f.response, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, req models.LLMRequest, chunks chan<- models.StreamChunk) {
	defer close(chunks)
	chunks <- models.StreamChunk{Text: "hi", Done: true}
}

func testGatewayConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LLM.DailyBudgetUSD = 5.0
	cfg.LLM.CircuitFailureThreshold = 5
	cfg.LLM.CircuitOpenTimeout = 60 * time.Second
	return cfg
}

func TestGateway_Generate_Success(t *testing.T) {
	cfg := testGatewayConfig()
	primary := &fakeAdapter{name: "primary", response: models.LLMResponse{Text: "hello", Usage: models.Usage{CostUSD: 0.01}}}
	gw := New(cfg, zap.NewNop(), primary)
	defer gw.Close()

	resp, err := gw.Generate(context.Background(), models.LLMRequest{MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
}

func TestGateway_Generate_FailsOverToSecondary(t *testing.T) {
	cfg := testGatewayConfig()
	primary := &fakeAdapter{name: "primary", fail: 99}
	secondary := &fakeAdapter{name: "secondary", response: models.LLMResponse{Text: "fallback"}}
	gw := New(cfg, zap.NewNop(), primary, secondary)
	defer gw.Close()

	resp, err := gw.Generate(context.Background(), models.LLMRequest{MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Text)
}

func TestGateway_Generate_BudgetExceeded(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.LLM.DailyBudgetUSD = 0.001
	primary := &fakeAdapter{name: "primary", response: models.LLMResponse{Text: "hello"}}
	gw := New(cfg, zap.NewNop(), primary)
	defer gw.Close()

	_, err := gw.Generate(context.Background(), models.LLMRequest{MaxTokens: 100, BudgetHint: 1.0})
	var exceeded *BudgetExceeded
	assert.ErrorAs(t, err, &exceeded)
}

func TestGateway_Generate_NoAdapterAvailable(t *testing.T) {
	cfg := testGatewayConfig()
	gw := New(cfg, zap.NewNop())
	defer gw.Close()

	_, err := gw.Generate(context.Background(), models.LLMRequest{MaxTokens: 100})
	var noAdapter *NoAdapterAvailable
	assert.ErrorAs(t, err, &noAdapter)
}

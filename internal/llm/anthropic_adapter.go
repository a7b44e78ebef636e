// Grounded on jordigilh-kubernaut's go.mod, which lists
// github.com/anthropics/anthropic-sdk-go as a direct dependency for its
// multi-provider LLM abstraction (test/integration/ai/
// multi_provider_llm_production_test.go exercises an "anthropic" provider
// slot in the same failover scheme this package implements).
package llm

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kumon/receptionist/internal/models"
)

// AnthropicAdapter wraps the official Anthropic SDK client as an Adapter.
type AnthropicAdapter struct {
	client anthropic.Client
	model  string
}

// NewAnthropicAdapter builds an adapter around the given API key and model.
func NewAnthropicAdapter(apiKey, model string) *AnthropicAdapter {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicAdapter{client: client, model: model}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) Generate(ctx context.Context, req models.LLMRequest) (models.LLMResponse, error) {
	start := time.Now()

	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
		case models.RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Text)))
		}
	}

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(a.model),
		MaxTokens: anthropic.F(int64(req.MaxTokens)),
		System:    anthropic.F(req.SystemPrompt),
		Messages:  anthropic.F(msgs),
	})
	if err != nil {
		return models.LLMResponse{}, err
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			text += block.Text
		}
	}

	usage := models.Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		CostUSD:          estimateAnthropicCost(int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)),
	}

	return models.LLMResponse{
		Text:      text,
		Usage:     usage,
		Model:     a.model,
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}

func (a *AnthropicAdapter) Stream(ctx context.Context, req models.LLMRequest, chunks chan<- models.StreamChunk) {
	defer close(chunks)

	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
		case models.RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Text)))
		}
	}

	stream := a.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(a.model),
		MaxTokens: anthropic.F(int64(req.MaxTokens)),
		System:    anthropic.F(req.SystemPrompt),
		Messages:  anthropic.F(msgs),
	})

	for stream.Next() {
		event := stream.Current()
		if delta, ok := event.Delta.(anthropic.ContentBlockDeltaEventDelta); ok && delta.Text != "" {
			select {
			case <-ctx.Done():
				chunks <- models.StreamChunk{Err: ctx.Err(), Done: true}
				return
			case chunks <- models.StreamChunk{Text: delta.Text}:
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- models.StreamChunk{Err: err, Done: true}
		return
	}
	chunks <- models.StreamChunk{Done: true}
}

// estimateAnthropicCost is a coarse per-token cost model; exact pricing is
// refreshed out-of-band and is not this adapter's concern.
func estimateAnthropicCost(promptTokens, completionTokens int) float64 {
	const inputPerToken = 0.000003
	const outputPerToken = 0.000015
	return float64(promptTokens)*inputPerToken + float64(completionTokens)*outputPerToken
}

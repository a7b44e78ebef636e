// Grounded on jordigilh-kubernaut's go.mod, which lists
// github.com/tmc/langchaingo alongside anthropic-sdk-go as part of its
// multi-provider failover dependency set; used here as the fallback
// adapter over an OpenAI-compatible backend.
package llm

import (
	"context"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/kumon/receptionist/internal/models"
)

// LangchainAdapter wraps a langchaingo llms.Model as a fallback Adapter.
type LangchainAdapter struct {
	model llms.Model
	name  string
}

// NewLangchainAdapter builds an adapter over an OpenAI-compatible endpoint.
func NewLangchainAdapter(apiKey, baseURL, modelName string) (*LangchainAdapter, error) {
	model, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithBaseURL(baseURL),
		openai.WithModel(modelName),
	)
	if err != nil {
		return nil, err
	}
	return &LangchainAdapter{model: model, name: "langchain:" + modelName}, nil
}

func (a *LangchainAdapter) Name() string { return a.name }

func (a *LangchainAdapter) Generate(ctx context.Context, req models.LLMRequest) (models.LLMResponse, error) {
	start := time.Now()

	content := toLangchainMessages(req)

	resp, err := a.model.GenerateContent(ctx, content,
		llms.WithMaxTokens(req.MaxTokens),
		llms.WithTemperature(req.Temperature),
		llms.WithStopWords(req.Stop),
	)
	if err != nil {
		return models.LLMResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return models.LLMResponse{}, &NoAdapterAvailable{Adapters: []string{a.name}}
	}

	choice := resp.Choices[0]
	usage := models.Usage{}
	if info := choice.GenerationInfo; info != nil {
		if v, ok := info["PromptTokens"].(int); ok {
			usage.PromptTokens = v
		}
		if v, ok := info["CompletionTokens"].(int); ok {
			usage.CompletionTokens = v
		}
	}

	return models.LLMResponse{
		Text:      choice.Content,
		Usage:     usage,
		Model:     a.name,
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}

func (a *LangchainAdapter) Stream(ctx context.Context, req models.LLMRequest, chunks chan<- models.StreamChunk) {
	defer close(chunks)

	content := toLangchainMessages(req)

	_, err := a.model.GenerateContent(ctx, content,
		llms.WithMaxTokens(req.MaxTokens),
		llms.WithTemperature(req.Temperature),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case chunks <- models.StreamChunk{Text: string(chunk)}:
				return nil
			}
		}),
	)
	if err != nil {
		chunks <- models.StreamChunk{Err: err, Done: true}
		return
	}
	chunks <- models.StreamChunk{Done: true}
}

func toLangchainMessages(req models.LLMRequest) []llms.MessageContent {
	content := make([]llms.MessageContent, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt))
	}
	for _, m := range req.Messages {
		var role llms.ChatMessageType
		switch m.Role {
		case models.RoleAssistant:
			role = llms.ChatMessageTypeAI
		case models.RoleSystem:
			role = llms.ChatMessageTypeSystem
		default:
			role = llms.ChatMessageTypeHuman
		}
		content = append(content, llms.TextParts(role, m.Text))
	}
	return content
}

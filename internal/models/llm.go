package models

import "time"

// ChatMessage is one role/content pair in an LLMRequest's conversation.
type ChatMessage struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// LLMRequest is the unified request shape accepted by the LLM gateway (C5)
// regardless of backing provider.
type LLMRequest struct {
	Messages     []ChatMessage `json:"messages"`
	SystemPrompt string        `json:"system_prompt"`
	MaxTokens    int           `json:"max_tokens"`
	Temperature  float64       `json:"temperature"`
	Stop         []string      `json:"stop,omitempty"`
	BudgetHint   float64       `json:"budget_hint"`
	Deadline     time.Time     `json:"deadline"`
}

// Usage tracks token consumption and estimated cost for billing/telemetry.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// LLMResponse is the unified response shape returned by the LLM gateway.
type LLMResponse struct {
	Text             string        `json:"text"`
	Usage            Usage         `json:"usage"`
	Model            string        `json:"model"`
	LatencyMS        int64         `json:"latency_ms"`
	TruncationReason string        `json:"truncation_reason,omitempty"`
}

// StreamChunk is one lazily-produced fragment of a streaming LLM response.
type StreamChunk struct {
	Text     string
	Done     bool
	Err      error
}

// IntentBand discretizes classifier confidence into routing bands.
type IntentBand string

const (
	IntentHigh   IntentBand = "high"
	IntentMedium IntentBand = "medium"
	IntentLow    IntentBand = "low"
	IntentFloor  IntentBand = "floor"
)

// Intent is the classifier's verdict for a single utterance.
type Intent struct {
	Label      string         `json:"label"`
	Confidence float64        `json:"confidence"`
	Band       IntentBand     `json:"band"`
	Features   map[string]any `json:"features,omitempty"`
}

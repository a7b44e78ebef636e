// Package intent implements the intent/threshold classifier (C3): a thin
// wrapper over the LLM gateway (C5) using a structured-output prompt, with
// a keyword/regex fallback when the LLM budget is exhausted. The fallback
// follows the "graceful degradation" idiom demonstrated by
// m0rjc-goaitools's decodeState (return a zero-value/best-effort result
// plus a log line, never panic or propagate upward for a condition the
// caller can tolerate).
package intent

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/kumon/receptionist/internal/config"
	"github.com/kumon/receptionist/internal/llm"
	"github.com/kumon/receptionist/internal/models"
)

// defaultThresholds mirrors config's own intent.threshold_* defaults, so a
// Classifier built with a zero-value config.IntentConfig (as every
// pre-existing test that calls intent.New does) still bands confidence the
// way it always has.
var defaultThresholds = config.IntentConfig{
	ThresholdHigh:   0.85,
	ThresholdMedium: 0.55,
	ThresholdLow:    0.25,
}

// modelVersion is recorded in every Intent's Features for audit (spec
// §4.3: "features includes the model/version tag for audit").
const modelVersion = "intent-classifier-v1"

// Classifier is the C3 component.
type Classifier struct {
	gateway    *llm.Gateway
	logger     *zap.Logger
	thresholds config.IntentConfig
}

// New constructs a Classifier backed by the given LLM gateway. The
// confidence-band cutoffs are config-driven (cfg.Intent); a zero-value
// config.Config (as tests that only care about other components tend to
// pass) falls back to defaultThresholds rather than banding everything
// into FLOOR.
func New(gateway *llm.Gateway, logger *zap.Logger, cfg *config.Config) *Classifier {
	thresholds := defaultThresholds
	if cfg != nil && cfg.Intent.ThresholdHigh > 0 {
		thresholds = cfg.Intent
	}
	return &Classifier{gateway: gateway, logger: logger, thresholds: thresholds}
}

type classifierOutput struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classify returns exactly one Intent for text given recent conversation
// context. It is deterministic given identical inputs and model version.
func (c *Classifier) Classify(ctx context.Context, text string, history []models.Message) models.Intent {
	out, err := c.classifyWithLLM(ctx, text, history)
	if err != nil {
		c.logger.Warn("intent classification fell back to keyword matcher", zap.Error(err))
		out = classifyWithKeywords(text, c.thresholds.ThresholdMedium)
	}

	return models.Intent{
		Label:      out.Label,
		Confidence: out.Confidence,
		Band:       c.bandFor(out.Confidence),
		Features: map[string]any{
			"model_version": modelVersion,
		},
	}
}

func (c *Classifier) classifyWithLLM(ctx context.Context, text string, history []models.Message) (classifierOutput, error) {
	msgs := make([]models.ChatMessage, 0, len(history)+1)
	for _, h := range history {
		msgs = append(msgs, models.ChatMessage{Role: h.Role, Text: h.Text})
	}
	msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Text: text})

	resp, err := c.gateway.Generate(ctx, models.LLMRequest{
		Messages: msgs,
		SystemPrompt: "Classify the user's intent. Respond with a single JSON object: " +
			`{"label": "<short_snake_case_label>", "confidence": <0..1 float>}. No prose, no markdown.`,
		MaxTokens:   128,
		Temperature: 0,
		BudgetHint:  0.002,
	})
	if err != nil {
		return classifierOutput{}, err
	}

	var out classifierOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Text)), &out); err != nil {
		return classifierOutput{}, err
	}
	return out, nil
}

// keyword catalogue for the degraded-mode fallback classifier. Ordered;
// first match wins.
var keywordRules = []struct {
	label   string
	pattern *regexp.Regexp
}{
	{"greeting", regexp.MustCompile(`(?i)\b(oi|ola|bom dia|boa tarde|boa noite|hello|hi)\b`)},
	{"scheduling", regexp.MustCompile(`(?i)\b(agendar|horario|marcar|agenda|disponibilidade)\b`)},
	{"pricing", regexp.MustCompile(`(?i)\b(preco|valor|mensalidade|quanto custa)\b`)},
	{"confirmation", regexp.MustCompile(`(?i)\b(confirmo|confirmar|sim, confirmo|ok)\b`)},
	{"human_handoff", regexp.MustCompile(`(?i)\b(atendente|humano|pessoa real|falar com alguem)\b`)},
	{"method_explanation", regexp.MustCompile(`(?i)\b(metodo|kumon|como funciona)\b`)},
}

func classifyWithKeywords(text string, thresholdMedium float64) classifierOutput {
	for _, rule := range keywordRules {
		if rule.pattern.MatchString(text) {
			return classifierOutput{Label: rule.label, Confidence: thresholdMedium + 0.05}
		}
	}
	return classifierOutput{Label: "unknown", Confidence: 0.1}
}

func (c *Classifier) bandFor(confidence float64) models.IntentBand {
	switch {
	case confidence >= c.thresholds.ThresholdHigh:
		return models.IntentHigh
	case confidence >= c.thresholds.ThresholdMedium:
		return models.IntentMedium
	case confidence >= c.thresholds.ThresholdLow:
		return models.IntentLow
	default:
		return models.IntentFloor
	}
}

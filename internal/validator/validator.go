// Package validator implements the response validator (C9): it runs on
// every draft reply produced by an LLM-backed workflow node before the
// draft reaches the outbox. It combines a structured-JSON grading call to
// the LLM gateway (C5) with local heuristic checks (length, the pricing
// check from C7) and produces one Verdict the orchestrator (C8) acts on.
package validator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kumon/receptionist/internal/llm"
	"github.com/kumon/receptionist/internal/models"
	"github.com/kumon/receptionist/internal/retry"
	"github.com/kumon/receptionist/internal/rules"
)

// Action is the remediation the orchestrator should take for a draft.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionRetry    Action = "retry"
	ActionBlock    Action = "block"
	ActionEscalate Action = "escalate"
)

// Verdict is the validator's ruling on a single draft reply.
type Verdict struct {
	Approved   bool     `json:"approved"`
	Issues     []string `json:"issues"`
	Confidence float64  `json:"confidence"`
	Action     Action   `json:"action"`
}

// MaxDraftBytes bounds a reply's length (spec §4.9 default ~4 kB).
const MaxDraftBytes = 4096

// ApproveConfidence is the minimum grading confidence for an otherwise
// clean draft to be approved outright.
const ApproveConfidence = 0.8

// MaxRetries is how many times the orchestrator runs Validate on a draft
// before escalating, per spec §4.8 step 6 / §4.9. The draft is not
// regenerated between runs.
const MaxRetries = 3

// Validator is the C9 component.
type Validator struct {
	gateway     *llm.Gateway
	retryPolicy retry.Policy
	logger      *zap.Logger
}

// New constructs a Validator backed by the given LLM gateway.
func New(gateway *llm.Gateway, logger *zap.Logger) *Validator {
	return &Validator{
		gateway: gateway,
		logger:  logger,
		retryPolicy: retry.Policy{
			BaseDelay:   250 * time.Millisecond,
			Factor:      2,
			MaxAttempts: 2,
			Jitter:      0.2,
		},
	}
}

type gradeOutput struct {
	Coherent   bool    `json:"coherent"`
	OnTopic    bool    `json:"on_topic"`
	Confidence float64 `json:"confidence"`
	Issues     []string `json:"issues"`
}

// Validate checks draft against the active conversation and the topic it
// was drafted for (one of the sanctioned C7 scope topics, e.g.
// "pricing", "scheduling" — distinct from the workflow Stage, since a
// single stage can touch more than one topic). Factuality (pricing) and
// scope are enforced locally via C7; coherence/tone/safety-beyond-C7 go
// through a structured grading call to C5. A grading-call failure
// degrades to a local-only verdict rather than blocking the turn, since
// C9 must not itself become a hard dependency.
func (v *Validator) Validate(ctx context.Context, conv *models.Conversation, draft string, topic string) Verdict {
	var issues []string

	if len(draft) > MaxDraftBytes {
		issues = append(issues, "draft exceeds maximum length")
	}

	if verdict := rules.CheckPricing(draft); !verdict.Pass {
		issues = append(issues, verdict.Message)
	}
	if verdict := rules.CheckSafety(draft); !verdict.Pass {
		issues = append(issues, verdict.Message)
	}
	if verdict := rules.CheckScope(topic); !verdict.Pass {
		issues = append(issues, verdict.Message)
	}

	grade, err := v.grade(ctx, conv, draft)
	if err != nil {
		v.logger.Warn("validator grading call failed, falling back to local checks only", zap.Error(err))
		grade = gradeOutput{Coherent: true, OnTopic: true, Confidence: 0.6}
	} else {
		if !grade.Coherent {
			issues = append(issues, "draft does not coherently respond to the user's last message")
		}
		if !grade.OnTopic {
			issues = append(issues, "draft drifts from the active stage")
		}
		issues = append(issues, grade.Issues...)
	}

	return verdictFrom(grade.Confidence, issues)
}

func verdictFrom(confidence float64, issues []string) Verdict {
	if len(issues) == 0 && confidence >= ApproveConfidence {
		return Verdict{Approved: true, Confidence: confidence, Action: ActionApprove}
	}

	if hasBlockingIssue(issues) {
		return Verdict{Issues: issues, Confidence: confidence, Action: ActionBlock}
	}

	return Verdict{Issues: issues, Confidence: confidence, Action: ActionRetry}
}

// hasBlockingIssue reports whether any issue text matches a known
// hard-block rule family (pricing, safety) rather than a soft coherence
// nit that's worth a retry.
func hasBlockingIssue(issues []string) bool {
	for _, issue := range issues {
		lower := strings.ToLower(issue)
		if strings.Contains(lower, "sanctioned figures") || strings.Contains(lower, "restricted content") {
			return true
		}
	}
	return false
}

func (v *Validator) grade(ctx context.Context, conv *models.Conversation, draft string) (gradeOutput, error) {
	lastUser := ""
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == models.RoleUser {
			lastUser = conv.Messages[i].Text
			break
		}
	}

	var resp models.LLMResponse
	err := retry.Do(ctx, v.retryPolicy, func(ctx context.Context) error {
		var genErr error
		resp, genErr = v.gateway.Generate(ctx, models.LLMRequest{
			SystemPrompt: "You are a grading assistant. Given the user's last message and a draft reply, " +
				`respond with a single JSON object: {"coherent": bool, "on_topic": bool, "confidence": 0..1, "issues": [string]}. No prose.`,
			Messages: []models.ChatMessage{
				{Role: models.RoleUser, Text: "User said: " + lastUser + "\nDraft reply: " + draft},
			},
			MaxTokens:   200,
			Temperature: 0,
			BudgetHint:  0.002,
		})
		return genErr
	})
	if err != nil {
		return gradeOutput{}, err
	}

	var out gradeOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Text)), &out); err != nil {
		return gradeOutput{}, err
	}
	return out, nil
}

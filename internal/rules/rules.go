package rules

import (
	"regexp"
	"strings"

	"github.com/kumon/receptionist/internal/models"
)

// SuggestedAction is the remediation a failed rule check recommends to its
// caller.
type SuggestedAction string

const (
	ActionRetryWithHint SuggestedAction = "retry_with_hint"
	ActionBlock         SuggestedAction = "block"
	ActionEscalate      SuggestedAction = "escalate"
)

// Verdict is the result of a single rule check: either Pass, or Fail with a
// code, message, and suggested action.
type Verdict struct {
	Pass            bool
	Code            string
	Message         string
	SuggestedAction SuggestedAction
}

func pass() Verdict { return Verdict{Pass: true} }

func fail(code, message string, action SuggestedAction) Verdict {
	return Verdict{Pass: false, Code: code, Message: message, SuggestedAction: action}
}

// validMensalidade and validMaterial match the only sanctioned pricing
// language (spec §4.7): "mensalidade R$ 375" and, optionally, "material R$ 100".
var moneyMention = regexp.MustCompile(`R\$\s?\d+`)
var validMensalidade = regexp.MustCompile(`(?i)mensalidade\s+R\$\s?375(?:[,.]00)?`)
var validMaterial = regexp.MustCompile(`(?i)material\s+R\$\s?100(?:[,.]00)?`)

// CheckPricing verifies that any money-mentioning draft reply uses exactly
// the sanctioned figures.
func CheckPricing(draft string) Verdict {
	if !moneyMention.MatchString(draft) {
		return pass()
	}

	lower := strings.ToLower(draft)
	mensalidadeOK := validMensalidade.MatchString(lower)
	materialMentioned := strings.Contains(lower, "material")
	materialOK := !materialMentioned || validMaterial.MatchString(lower)

	if mensalidadeOK && materialOK {
		return pass()
	}
	return fail("pricing_mismatch", "draft reply mentions a price other than the sanctioned figures", ActionBlock)
}

// inScopeTopics enumerates the only topics the assistant may discuss
// (spec §4.7 Scope).
var inScopeTopics = map[string]bool{
	"greeting":           true,
	"qualification":      true,
	"method_explanation": true,
	"pricing":            true,
	"scheduling":         true,
	"confirmation":       true,
	"handoff":            true,
}

// CheckScope verifies a classified topic is within the assistant's
// sanctioned scope.
func CheckScope(topic string) Verdict {
	if inScopeTopics[topic] {
		return pass()
	}
	return fail("out_of_scope", "topic \""+topic+"\" is outside the assistant's sanctioned scope", ActionRetryWithHint)
}

var safetySignatures = []*regexp.Regexp{
	regexp.MustCompile(`(?i)system prompt`),
	regexp.MustCompile(`(?i)api[_\s-]?key`),
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)credential`),
	regexp.MustCompile(`(?i)internal[_\s-]?id`),
}

// CheckSafety rejects drafts that mention system prompts, credentials or
// internal identifiers, by keyword match against safetySignatures.
// Third-party personal data is not detected.
func CheckSafety(draft string) Verdict {
	for _, sig := range safetySignatures {
		if sig.MatchString(draft) {
			return fail("safety_violation", "draft reply discloses restricted content", ActionBlock)
		}
	}
	return pass()
}

// CheckLGPD refuses further interaction on a conversation pending a
// data-deletion request until it is resolved out-of-band.
func CheckLGPD(conv *models.Conversation) Verdict {
	if conv.PendingDeletion {
		return fail("pending_deletion", "conversation is pending a data-deletion request", ActionEscalate)
	}
	return pass()
}

package orchestrator

import (
	"github.com/kumon/receptionist/internal/models"
)

// Handoff thresholds (spec §4.8 conditional edges).
const (
	maxFailedAttempts      = 5
	maxConsecutiveConfusion = 3
)

// nextStage computes the post-node edge given the node's own hint, the
// conversation's post-node metrics, and the classified intent band. It
// implements the conditional-edge table verbatim: handoff thresholds take
// priority over everything else, then confidence-band routing, then the
// node's own stage-complete hint, then "stay put."
func nextStage(conv *models.Conversation, intent models.Intent, hint models.Stage, explicitHandoffRequest bool) (models.Stage, string) {
	if conv.Stage.IsTerminal() {
		return conv.Stage, "already terminal"
	}

	if explicitHandoffRequest {
		return models.StageHandoff, "explicit human handoff request"
	}
	if conv.Metrics.FailedAttempts >= maxFailedAttempts {
		return models.StageHandoff, "failed_attempts threshold reached"
	}
	if conv.Metrics.ConsecutiveConfusion >= maxConsecutiveConfusion {
		return models.StageHandoff, "consecutive_confusion threshold reached"
	}

	// MEDIUM-band routing ("Validation -> Fallback(level1) if validator
	// requests hint") is realized through C9's retry/escalate loop rather
	// than a separate stage edge here: C9 only runs against LLM-drafted
	// replies, and a validator retry/escalate outcome already routes the
	// turn (see Orchestrator.runValidation). A deterministic
	// collection-stage node asks its own clarifying question directly
	// instead of bouncing through Fallback.
	//
	// LOW and FLOOR are both unconditional band contracts (§4.3): LOW
	// drops straight to Fallback level1 (clarify), FLOOR to level2
	// (menu/reset) — see applyFallbackLevel, which picks the Step from
	// this same band.
	if intent.Band == models.IntentFloor {
		return models.StageFallback, "intent confidence below floor"
	}
	if intent.Band == models.IntentLow {
		return models.StageFallback, "intent confidence low"
	}

	if hint != "" {
		return hint, "stage-complete predicate satisfied"
	}

	return conv.Stage, "no edge condition matched, remaining in stage"
}

// applyFallbackLevel decides whether a Fallback-bound conversation enters
// level1 (clarify) or level2 (menu/reset): a FLOOR-band intent or two-plus
// consecutive confused turns escalate straight to level2, everything else
// (LOW-band, or a node/validator-driven fallback with no band attached)
// gets the lighter level1 clarification first.
func applyFallbackLevel(conv *models.Conversation, band models.IntentBand) models.Step {
	if band == models.IntentFloor || conv.Metrics.ConsecutiveConfusion >= 2 {
		return models.StepFallbackMenu
	}
	return models.StepFallbackClarify
}

// isExplicitHandoffRequest reports whether the classified intent is an
// explicit request for a human (label "human_handoff"). The raw utterance
// is not inspected.
func isExplicitHandoffRequest(intent models.Intent) bool {
	return intent.Label == "human_handoff"
}

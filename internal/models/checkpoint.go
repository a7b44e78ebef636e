package models

import "time"

// Checkpoint is a durable, versioned snapshot of a Conversation sufficient
// to resume it after a restart. Grounded on the phase/type/time checkpoint
// envelope pattern (kadirpekel/hector's pkg/checkpoint), adapted from
// agent-execution phases to conversation stages.
type Checkpoint struct {
	ConversationID string    `json:"conversation_id"`
	CheckpointID   string    `json:"checkpoint_id"`
	CreatedAt      time.Time `json:"created_at"`
	Stage          Stage     `json:"stage"`
	Payload        []byte    `json:"payload"`
	Reason         string    `json:"reason"`
}

// Common checkpoint reasons recorded by the orchestrator and state store.
const (
	ReasonTurnAdvance      = "turn_advance"
	ReasonDeferredHours    = "deferred_hours"
	ReasonInjectionRefusal = "injection_refusal"
	ReasonExpiry           = "turn_expired"
	ReasonRestore          = "restore"
)

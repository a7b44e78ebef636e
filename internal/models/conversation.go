// Package models defines the canonical data model for the conversation
// engine: conversations, checkpoints, outbox entries, templates and the
// LLM/intent value types shared across components.
package models

import (
	"time"

	"github.com/pkg/errors"
)

// Stage is the coarse position of a conversation in the workflow graph.
type Stage string

const (
	StageGreeting     Stage = "greeting"
	StageQualification Stage = "qualification"
	StageInformation  Stage = "information"
	StageScheduling   Stage = "scheduling"
	StageConfirmation Stage = "confirmation"
	StageValidation   Stage = "validation"
	StageCompleted    Stage = "completed"
	StageHandoff      Stage = "handoff"
	StageFallback     Stage = "fallback"
)

// IsTerminal reports whether no further workflow advancement happens from
// this stage.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageHandoff
}

// Step is a stage-specific sub-position (e.g. WELCOME, COLLECT_PARENT_NAME).
type Step string

const (
	StepWelcome            Step = "WELCOME"
	StepCollectParentName  Step = "COLLECT_PARENT_NAME"
	StepCollectChildName   Step = "COLLECT_CHILD_NAME"
	StepCollectChildAge    Step = "COLLECT_CHILD_AGE"
	StepCollectEducation   Step = "COLLECT_EDUCATION_LEVEL"
	StepAnswerInfo         Step = "ANSWER_INFO"
	StepOfferSlots         Step = "OFFER_SLOTS"
	StepCollectEmail       Step = "COLLECT_EMAIL"
	StepBookSlot           Step = "BOOK_SLOT"
	StepClosing            Step = "CLOSING"
	StepFallbackClarify    Step = "FALLBACK_CLARIFY"
	StepFallbackMenu       Step = "FALLBACK_MENU"
	StepHandoffClosing     Step = "HANDOFF_CLOSING"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single turn entry in a Conversation's transcript.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
	MessageID string    `json:"message_id"`
}

// Metrics tracks per-conversation counters used by routing and handoff logic.
type Metrics struct {
	MessageCount        int       `json:"message_count"`
	FailedAttempts      int       `json:"failed_attempts"`
	ConsecutiveConfusion int      `json:"consecutive_confusion"`
	SameQuestionCount   int       `json:"same_question_count"`
	CreatedAt           time.Time `json:"created_at"`
	LastActivity        time.Time `json:"last_activity"`
}

// CollectedData is the sparse business-domain key/value bag gathered over
// the life of a conversation.
type CollectedData struct {
	ParentName         string          `json:"parent_name,omitempty"`
	IsSelfEnrollment   bool            `json:"is_self_enrollment,omitempty"`
	ChildName          string          `json:"child_name,omitempty"`
	ChildAge           int             `json:"child_age,omitempty"`
	EducationLevel     string          `json:"education_level,omitempty"`
	ProgramsOfInterest map[string]bool `json:"programs_of_interest,omitempty"`
	ContactEmail       string          `json:"contact_email,omitempty"`
	DatePreferences    []string        `json:"date_preferences,omitempty"`
	SelectedSlot       *TimeSlot       `json:"selected_slot,omitempty"`
}

// TimeSlot is a candidate or confirmed scheduling interval.
type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ValidationRecord is the last validator verdict recorded against a
// conversation's most recent draft reply.
type ValidationRecord struct {
	Score  float64  `json:"score"`
	Issues []string `json:"issues,omitempty"`
}

// DecisionEntry is one entry in the bounded routing-decision audit trail.
type DecisionEntry struct {
	Timestamp time.Time `json:"ts"`
	FromStage Stage     `json:"from_stage"`
	ToStage   Stage     `json:"to_stage"`
	Reason    string    `json:"reason"`
}

// DecisionTrailLimit bounds the ring buffer in Conversation.DecisionTrail.
const DecisionTrailLimit = 20

// SchemaVersion is the current Conversation payload schema version.
const SchemaVersion = 1

// Conversation is the canonical per-conversation state owned exclusively by
// the state store (C1). All mutation must go through Store.Mutate.
type Conversation struct {
	ConversationID string           `json:"conversation_id"`
	PeerID         string           `json:"peer_id"`
	Instance       string           `json:"instance"`
	Stage          Stage            `json:"stage"`
	Step           Step             `json:"step"`
	Messages       []Message        `json:"messages"`
	CollectedData  CollectedData    `json:"collected_data"`
	Metrics        Metrics          `json:"metrics"`
	Validation     ValidationRecord `json:"validation"`
	DecisionTrail  []DecisionEntry  `json:"decision_trail"`
	PendingDeletion bool            `json:"pending_deletion"`
	Version        int64            `json:"version"`
	SchemaVersion  int              `json:"schema_version"`
}

// NewConversation creates a fresh conversation at rest in Greeting/WELCOME.
func NewConversation(conversationID, peerID, instance string) *Conversation {
	now := time.Now()
	return &Conversation{
		ConversationID: conversationID,
		PeerID:         peerID,
		Instance:       instance,
		Stage:          StageGreeting,
		Step:           StepWelcome,
		CollectedData:  CollectedData{ProgramsOfInterest: map[string]bool{}},
		Metrics:        Metrics{CreatedAt: now, LastActivity: now},
		SchemaVersion:  SchemaVersion,
		Version:        0,
	}
}

// InvariantViolation reports which §3 invariant a mutation would break.
type InvariantViolation struct {
	Which string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.Which
}

// CheckInvariants validates the §3 conversation invariants. It is called by
// Store.Mutate after every delta is applied, before the mutation commits.
func (c *Conversation) CheckInvariants() error {
	if c.Metrics.MessageCount != len(c.Messages) {
		return errors.WithStack(&InvariantViolation{Which: "message_count"})
	}
	for i := range c.Messages {
		for j := i + 1; j < len(c.Messages); j++ {
			if c.Messages[i].MessageID != "" && c.Messages[i].MessageID == c.Messages[j].MessageID {
				return errors.WithStack(&InvariantViolation{Which: "duplicate_message_id"})
			}
		}
	}
	if c.CollectedData.SelectedSlot != nil && c.CollectedData.ContactEmail == "" {
		return errors.WithStack(&InvariantViolation{Which: "slot_without_email"})
	}
	return nil
}

// AppendMessage appends msg to the transcript, rejecting duplicate message
// IDs per the §3 "duplicates forbidden" invariant.
func (c *Conversation) AppendMessage(msg Message) error {
	for _, existing := range c.Messages {
		if msg.MessageID != "" && existing.MessageID == msg.MessageID {
			return errors.WithStack(&InvariantViolation{Which: "duplicate_message_id"})
		}
	}
	c.Messages = append(c.Messages, msg)
	c.Metrics.MessageCount = len(c.Messages)
	c.Metrics.LastActivity = msg.Timestamp
	return nil
}

// RecordDecision appends a routing decision to the bounded audit trail,
// dropping the oldest entry once DecisionTrailLimit is exceeded.
func (c *Conversation) RecordDecision(d DecisionEntry) {
	c.DecisionTrail = append(c.DecisionTrail, d)
	if len(c.DecisionTrail) > DecisionTrailLimit {
		c.DecisionTrail = c.DecisionTrail[len(c.DecisionTrail)-DecisionTrailLimit:]
	}
}

// ResetConfusion clears the failure/confusion counters, called on successful
// user-data capture per invariant (v).
func (c *Conversation) ResetConfusion() {
	c.Metrics.FailedAttempts = 0
	c.Metrics.ConsecutiveConfusion = 0
}

// Clone returns a deep-enough copy of the conversation suitable for handing
// to stateless components as an immutable snapshot.
func (c *Conversation) Clone() *Conversation {
	clone := *c
	clone.Messages = append([]Message(nil), c.Messages...)
	clone.DecisionTrail = append([]DecisionEntry(nil), c.DecisionTrail...)
	clone.Validation.Issues = append([]string(nil), c.Validation.Issues...)
	clone.CollectedData.ProgramsOfInterest = make(map[string]bool, len(c.CollectedData.ProgramsOfInterest))
	for k, v := range c.CollectedData.ProgramsOfInterest {
		clone.CollectedData.ProgramsOfInterest[k] = v
	}
	clone.CollectedData.DatePreferences = append([]string(nil), c.CollectedData.DatePreferences...)
	if c.CollectedData.SelectedSlot != nil {
		slot := *c.CollectedData.SelectedSlot
		clone.CollectedData.SelectedSlot = &slot
	}
	return &clone
}

package models

import "time"

// OutboxEntryKind identifies the payload shape of an outbound message.
type OutboxEntryKind string

const (
	OutboxKindText    OutboxEntryKind = "text"
	OutboxKindMedia   OutboxEntryKind = "media"
	OutboxKindButtons OutboxEntryKind = "buttons"
	OutboxKindSystem  OutboxEntryKind = "system"
)

// OutboxEntryState is the lifecycle state of a single OutboxEntry. Exactly
// one Planned -> Ready transition is admitted per turn_id (the handoff
// gate); after Delivered, no further transitions occur.
type OutboxEntryState string

const (
	OutboxPlanned  OutboxEntryState = "planned"
	OutboxReady    OutboxEntryState = "ready"
	OutboxInFlight OutboxEntryState = "in_flight"
	OutboxDelivered OutboxEntryState = "delivered"
	OutboxFailed   OutboxEntryState = "failed"
	OutboxDropped  OutboxEntryState = "dropped"
)

// OutboxEntry is one outbound message awaiting delivery to the gateway,
// owned exclusively by the outbox coordinator (C10).
type OutboxEntry struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	TurnID         string           `json:"turn_id"`
	Seq            int              `json:"seq"`
	Kind           OutboxEntryKind  `json:"kind"`
	Payload        []byte           `json:"payload"`
	Instance       string           `json:"instance"`
	PeerID         string           `json:"peer_id"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	State          OutboxEntryState `json:"state"`
	Attempts       int              `json:"attempts"`
	LastError      string           `json:"last_error,omitempty"`
	GatewayMsgID   string           `json:"gateway_msg_id,omitempty"`
}

// Emission is a candidate outbound message produced by a workflow node,
// not yet sequenced or persisted into the outbox.
type Emission struct {
	Kind    OutboxEntryKind
	Payload []byte
}

// EnqueueTurn is the input contract to Outbox.Enqueue: pre-sequenced
// entries 1..N for a single (conversation_id, turn_id).
type EnqueueTurn struct {
	ConversationID string
	TurnID         string
	Instance       string
	PeerID         string
	Entries        []Emission
}

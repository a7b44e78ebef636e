package state

import "fmt"

// ConversationNotFound is returned when Load/Mutate targets a conversation_id
// with no row in the conversations table.
type ConversationNotFound struct {
	ConversationID string
}

func (e *ConversationNotFound) Error() string {
	return fmt.Sprintf("conversation %q not found", e.ConversationID)
}

// StaleVersion is returned by Mutate when the compare-and-swap UPDATE affects
// zero rows: another writer advanced the version between Load and Save.
type StaleVersion struct {
	ConversationID string
	ExpectedVersion int64
}

func (e *StaleVersion) Error() string {
	return fmt.Sprintf("conversation %q: stale version %d, retry", e.ConversationID, e.ExpectedVersion)
}

// StorageUnavailable wraps a lower-level database/sql or driver error that
// the caller should treat as transient infrastructure failure.
type StorageUnavailable struct {
	Op  string
	Err error
}

func (e *StorageUnavailable) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *StorageUnavailable) Unwrap() error {
	return e.Err
}

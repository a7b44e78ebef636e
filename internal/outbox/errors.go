package outbox

import "fmt"

// AlreadyHandedOff is returned when a second Planned->Ready admission is
// attempted for a turn that already passed through the handoff gate. Under
// normal operation Enqueue's own idempotency check makes this unreachable;
// it exists as the gate's own last line of defense against a concurrent
// double-enqueue race.
type AlreadyHandedOff struct {
	ConversationID string
	TurnID         string
}

func (e *AlreadyHandedOff) Error() string {
	return fmt.Sprintf("turn %s/%s already handed off", e.ConversationID, e.TurnID)
}

// InstanceViolation is returned when a delivery attempt targets a gateway
// instance outside the configured allow-list (spec §8 property 3: "always
// zero" instance_violations_total). It is a hard error: the entry and the
// rest of its turn are not retried.
type InstanceViolation struct {
	ConversationID string
	Instance       string
}

func (e *InstanceViolation) Error() string {
	return fmt.Sprintf("instance %q is not in the allowed-instance list (conversation %s)", e.Instance, e.ConversationID)
}

// DeliveryFailed describes a per-entry delivery whose retries are
// exhausted. deliverGroup does not return it: it records the failure on
// the entry row (state failed, last_error) and no conversation metric is
// updated.
type DeliveryFailed struct {
	ConversationID string
	TurnID         string
	Seq            int
	Err            error
}

func (e *DeliveryFailed) Error() string {
	return fmt.Sprintf("delivery failed for %s/%s#%d: %v", e.ConversationID, e.TurnID, e.Seq, e.Err)
}

func (e *DeliveryFailed) Unwrap() error { return e.Err }

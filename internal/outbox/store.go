package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kumon/receptionist/internal/models"
)

const (
	existingEntriesSQL = `
		SELECT 1 FROM outbox_entries
		WHERE conversation_id = $1 AND turn_id = $2
		LIMIT 1`

	insertEntrySQL = `
		INSERT INTO outbox_entries
			(id, conversation_id, turn_id, seq, kind, payload, instance, peer_id, state, attempts, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'planned', 0, now())`

	admitHandoffSQL = `
		INSERT INTO outbox_turn_admissions (conversation_id, turn_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	promoteToReadySQL = `
		UPDATE outbox_entries
		SET state = 'ready', updated_at = now()
		WHERE conversation_id = $1 AND turn_id = $2 AND state = 'planned'`

	claimBatchSQL = `
		SELECT id, conversation_id, turn_id, seq, kind, payload, instance, peer_id, attempts, created_at
		FROM outbox_entries
		WHERE state IN ('ready', 'in_flight') AND next_retry_at <= now()
		ORDER BY conversation_id, seq
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	leaseEntrySQL = `
		UPDATE outbox_entries
		SET state = 'in_flight', next_retry_at = $2, updated_at = now()
		WHERE id = $1`

	markDeliveredSQL = `
		UPDATE outbox_entries
		SET state = 'delivered', gateway_msg_id = $2, attempts = attempts + 1, updated_at = now()
		WHERE id = $1`

	markFailedSQL = `
		UPDATE outbox_entries
		SET state = 'failed', last_error = $2, attempts = attempts + 1, updated_at = now()
		WHERE id = $1`

	markDroppedSQL = `
		UPDATE outbox_entries
		SET state = 'dropped', updated_at = now()
		WHERE conversation_id = $1 AND turn_id = $2 AND seq > $3 AND state IN ('ready', 'in_flight')`
)

// leaseDuration bounds how long a claimed entry may sit in_flight before a
// different worker instance is allowed to reclaim it (crash recovery),
// grounded on the baechuer-real-time-ressys outbox worker's
// "push next_retry_at into the future to mark in-flight" trick.
const leaseDuration = 30 * time.Second

// claimedEntry is one row pulled off the ready/stale-in-flight queue.
type claimedEntry struct {
	entry     models.OutboxEntry
	createdAt time.Time
}

// enqueue performs the atomic batch-insert-plus-handoff described in spec
// §4.10: insert every entry as Planned, then immediately admit the single
// Planned->Ready transition for the turn within the same transaction. A
// prior existing row for (conversation_id, turn_id) makes the whole call a
// no-op, satisfying re-enqueue idempotency.
func (o *Outbox) enqueue(ctx context.Context, turn models.EnqueueTurn) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return &storageUnavailable{op: "enqueue_begin", err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, existingEntriesSQL, turn.ConversationID, turn.TurnID).Scan(&exists)
	if err == nil {
		// Already enqueued; re-delivery of the same turn_id is a no-op.
		return tx.Rollback()
	}
	if err != sql.ErrNoRows {
		return &storageUnavailable{op: "enqueue_check", err: err}
	}

	for seq, emission := range turn.Entries {
		payload, merr := json.Marshal(string(emission.Payload))
		if merr != nil {
			return errors.Wrap(merr, "failed to marshal emission payload")
		}
		_, err = tx.ExecContext(ctx, insertEntrySQL,
			uuid.NewString(), turn.ConversationID, turn.TurnID, seq+1, string(emission.Kind), payload, turn.Instance, turn.PeerID)
		if err != nil {
			return &storageUnavailable{op: "enqueue_insert", err: err}
		}
	}

	result, err := tx.ExecContext(ctx, admitHandoffSQL, turn.ConversationID, turn.TurnID)
	if err != nil {
		return &storageUnavailable{op: "enqueue_admit", err: err}
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return &storageUnavailable{op: "enqueue_admit", err: err}
	}
	if rows == 0 {
		handoffViolations.Inc()
		return &AlreadyHandedOff{ConversationID: turn.ConversationID, TurnID: turn.TurnID}
	}

	if _, err := tx.ExecContext(ctx, promoteToReadySQL, turn.ConversationID, turn.TurnID); err != nil {
		return &storageUnavailable{op: "enqueue_promote", err: err}
	}

	if err := tx.Commit(); err != nil {
		return &storageUnavailable{op: "enqueue_commit", err: err}
	}

	entriesEnqueued.Add(float64(len(turn.Entries)))
	return nil
}

// claimBatch leases up to n ready (or stale in_flight) entries for delivery.
func (o *Outbox) claimBatch(ctx context.Context, n int) ([]claimedEntry, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &storageUnavailable{op: "claim_begin", err: err}
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, claimBatchSQL, n)
	if err != nil {
		return nil, &storageUnavailable{op: "claim_query", err: err}
	}

	var claimed []claimedEntry
	for rows.Next() {
		var ce claimedEntry
		if err := rows.Scan(&ce.entry.ID, &ce.entry.ConversationID, &ce.entry.TurnID, &ce.entry.Seq,
			&ce.entry.Kind, &ce.entry.Payload, &ce.entry.Instance, &ce.entry.PeerID, &ce.entry.Attempts, &ce.createdAt); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan claimed outbox row")
		}
		claimed = append(claimed, ce)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "error iterating claimed outbox rows")
	}
	rows.Close()

	lease := time.Now().Add(leaseDuration)
	for _, ce := range claimed {
		if _, err := tx.ExecContext(ctx, leaseEntrySQL, ce.entry.ID, lease); err != nil {
			return nil, &storageUnavailable{op: "claim_lease", err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &storageUnavailable{op: "claim_commit", err: err}
	}
	return claimed, nil
}

func (o *Outbox) markDelivered(ctx context.Context, id, gatewayMsgID string) error {
	if _, err := o.db.ExecContext(ctx, markDeliveredSQL, id, gatewayMsgID); err != nil {
		return &storageUnavailable{op: "mark_delivered", err: err}
	}
	return nil
}

func (o *Outbox) markFailed(ctx context.Context, id, lastError string) error {
	if _, err := o.db.ExecContext(ctx, markFailedSQL, id, lastError); err != nil {
		return &storageUnavailable{op: "mark_failed", err: err}
	}
	return nil
}

// dropRemaining marks every not-yet-attempted entry after seq in the same
// turn as Dropped, implementing the "never a silent retry of partial
// emissions" failure semantics: the rest of the batch is abandoned, not
// retried on a later poll.
func (o *Outbox) dropRemaining(ctx context.Context, conversationID, turnID string, seq int) error {
	if _, err := o.db.ExecContext(ctx, markDroppedSQL, conversationID, turnID, seq); err != nil {
		return &storageUnavailable{op: "mark_dropped", err: err}
	}
	return nil
}

// storageUnavailable wraps a low-level *sql.DB error the same way
// state.StorageUnavailable does, kept local to this package since the
// outbox owns its own table exclusively (spec §3 ownership rule).
type storageUnavailable struct {
	op  string
	err error
}

func (e *storageUnavailable) Error() string {
	return "outbox storage unavailable during " + e.op + ": " + e.err.Error()
}

func (e *storageUnavailable) Unwrap() error { return e.err }

// Package state is the conversation state and checkpoint store (C1). It
// follows the teacher's MessageRepository shape (internal/repository):
// *sql.DB held by value, connection pool configured from config.Config,
// named SQL string constants for every query, prometheus operation counters/
// histograms, and github.com/pkg/errors wrapping throughout. Mutate is a
// compare-and-swap UPDATE guarded by version; a StaleVersion failure
// surfaces when RowsAffected() == 0, generalizing the teacher's simple
// insert-only repository into an optimistic-concurrency read-modify-write
// store. Checkpoint payload encoding follows the phase/type/time envelope
// shape of kadirpekel/hector's checkpoint package (see models.Checkpoint).
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kumon/receptionist/internal/config"
	"github.com/kumon/receptionist/internal/models"
)

var (
	storeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_store_operations_total",
			Help: "Total number of state store operations",
		},
		[]string{"operation", "status"},
	)

	storeOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "state_store_operation_duration_seconds",
			Help:    "Duration of state store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

const defaultQueryTimeout = 10 * time.Second

const (
	loadConversationSQL = `
		SELECT conversation_id, peer_id, instance, payload, version
		FROM conversations
		WHERE conversation_id = $1 AND pending_deletion = false`

	insertConversationSQL = `
		INSERT INTO conversations (conversation_id, peer_id, instance, payload, version, pending_deletion)
		VALUES ($1, $2, $3, $4, 1, false)
		ON CONFLICT (conversation_id) DO NOTHING`

	casUpdateConversationSQL = `
		UPDATE conversations
		SET payload = $1, version = version + 1, updated_at = now()
		WHERE conversation_id = $2 AND version = $3 AND pending_deletion = false`

	insertCheckpointSQL = `
		INSERT INTO checkpoints (checkpoint_id, conversation_id, created_at, stage, payload, reason)
		VALUES ($1, $2, $3, $4, $5, $6)`

	listCheckpointsSQL = `
		SELECT checkpoint_id, conversation_id, created_at, stage, payload, reason
		FROM checkpoints
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	getCheckpointSQL = `
		SELECT checkpoint_id, conversation_id, created_at, stage, payload, reason
		FROM checkpoints
		WHERE conversation_id = $1 AND checkpoint_id = $2`
)

// Store is the PostgreSQL-backed implementation of the conversation state
// and checkpoint store described in spec §4.1.
type Store struct {
	db  *sql.DB
	cfg *config.Config
}

// New wraps an open *sql.DB, configuring its pool from cfg.Database.
func New(db *sql.DB, cfg *config.Config) (*Store, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	return &Store{db: db, cfg: cfg}, nil
}

// Load fetches a conversation by ID, or ConversationNotFound if it does not
// exist or has been soft-deleted.
func (s *Store) Load(ctx context.Context, conversationID string) (*models.Conversation, error) {
	timer := prometheus.NewTimer(storeOpDuration.WithLabelValues("load"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	var (
		peerID, instance string
		payload          []byte
		version          int64
	)
	row := s.db.QueryRowContext(ctx, loadConversationSQL, conversationID)
	if err := row.Scan(&conversationID, &peerID, &instance, &payload, &version); err != nil {
		if err == sql.ErrNoRows {
			storeOps.WithLabelValues("load", "not_found").Inc()
			return nil, &ConversationNotFound{ConversationID: conversationID}
		}
		storeOps.WithLabelValues("load", "error").Inc()
		return nil, &StorageUnavailable{Op: "load", Err: err}
	}

	var conv models.Conversation
	if err := json.Unmarshal(payload, &conv); err != nil {
		storeOps.WithLabelValues("load", "error").Inc()
		return nil, errors.Wrap(err, "failed to unmarshal conversation payload")
	}
	conv.Version = version

	if err := conv.CheckInvariants(); err != nil {
		storeOps.WithLabelValues("load", "invariant_violation").Inc()
		return nil, errors.Wrap(err, "loaded conversation failed invariant check")
	}

	storeOps.WithLabelValues("load", "success").Inc()
	return &conv, nil
}

// Create inserts a brand-new conversation at version 1. It is idempotent:
// if a row already exists for conversationID, the insert is a no-op and the
// existing row's version wins on the next Load.
func (s *Store) Create(ctx context.Context, conv *models.Conversation) error {
	timer := prometheus.NewTimer(storeOpDuration.WithLabelValues("create"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	payload, err := json.Marshal(conv)
	if err != nil {
		return errors.Wrap(err, "failed to marshal conversation payload")
	}

	_, err = s.db.ExecContext(ctx, insertConversationSQL, conv.ConversationID, conv.PeerID, conv.Instance, payload)
	if err != nil {
		storeOps.WithLabelValues("create", "error").Inc()
		return &StorageUnavailable{Op: "create", Err: err}
	}

	storeOps.WithLabelValues("create", "success").Inc()
	return nil
}

// Mutate loads the conversation, applies fn, and writes it back with a
// compare-and-swap UPDATE guarded by the version read at Load time. Callers
// should retry on StaleVersion with fresh state (fn is re-invoked with the
// newly loaded conversation on each retry attempt by the caller, not here).
//
// The returned *models.Conversation is non-nil on every error path once
// Load has succeeded: fn failing (e.g. AppendMessage's duplicate-message_id
// InvariantViolation), a failed invariant check, or a failed save all
// return the loaded conversation as it stood before the rejected mutation,
// so a caller special-casing a particular error (a duplicate-delivery
// no-op, say) always has a real conversation to read stage/step from
// instead of risking a nil dereference.
func (s *Store) Mutate(ctx context.Context, conversationID string, fn func(*models.Conversation) error) (*models.Conversation, error) {
	conv, err := s.Load(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	expectedVersion := conv.Version
	if err := fn(conv); err != nil {
		return conv, err
	}

	if err := conv.CheckInvariants(); err != nil {
		return conv, errors.Wrap(err, "mutation produced invalid conversation state")
	}

	if err := s.save(ctx, conv, expectedVersion); err != nil {
		return conv, err
	}

	conv.Version = expectedVersion + 1
	return conv, nil
}

// save performs the compare-and-swap UPDATE.
func (s *Store) save(ctx context.Context, conv *models.Conversation, expectedVersion int64) error {
	timer := prometheus.NewTimer(storeOpDuration.WithLabelValues("save"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	payload, err := json.Marshal(conv)
	if err != nil {
		return errors.Wrap(err, "failed to marshal conversation payload")
	}

	result, err := s.db.ExecContext(ctx, casUpdateConversationSQL, payload, conv.ConversationID, expectedVersion)
	if err != nil {
		storeOps.WithLabelValues("save", "error").Inc()
		return &StorageUnavailable{Op: "save", Err: err}
	}

	rows, err := result.RowsAffected()
	if err != nil {
		storeOps.WithLabelValues("save", "error").Inc()
		return &StorageUnavailable{Op: "save", Err: err}
	}
	if rows == 0 {
		storeOps.WithLabelValues("save", "stale_version").Inc()
		return &StaleVersion{ConversationID: conv.ConversationID, ExpectedVersion: expectedVersion}
	}

	storeOps.WithLabelValues("save", "success").Inc()
	return nil
}

// AppendMessage is a thin convenience wrapper over Mutate for the common
// case of appending one inbound or outbound message to the transcript.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg models.Message) (*models.Conversation, error) {
	return s.Mutate(ctx, conversationID, func(c *models.Conversation) error {
		return c.AppendMessage(msg)
	})
}

// SaveCheckpoint durably persists a checkpoint row ahead of any side effect
// that depends on it (write-ahead checkpointing per spec §4.1 and §8
// invariant on checkpoint-before-effect ordering).
func (s *Store) SaveCheckpoint(ctx context.Context, conv *models.Conversation, reason string) (*models.Checkpoint, error) {
	timer := prometheus.NewTimer(storeOpDuration.WithLabelValues("save_checkpoint"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	payload, err := json.Marshal(conv)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal checkpoint payload")
	}

	cp := &models.Checkpoint{
		ConversationID: conv.ConversationID,
		CheckpointID:   uuid.NewString(),
		CreatedAt:      time.Now().UTC(),
		Stage:          conv.Stage,
		Payload:        payload,
		Reason:         reason,
	}

	_, err = s.db.ExecContext(ctx, insertCheckpointSQL,
		cp.CheckpointID, cp.ConversationID, cp.CreatedAt, cp.Stage, cp.Payload, cp.Reason)
	if err != nil {
		storeOps.WithLabelValues("save_checkpoint", "error").Inc()
		return nil, &StorageUnavailable{Op: "save_checkpoint", Err: err}
	}

	storeOps.WithLabelValues("save_checkpoint", "success").Inc()
	return cp, nil
}

// ListCheckpoints returns up to limit checkpoints for a conversation, most
// recent first.
func (s *Store) ListCheckpoints(ctx context.Context, conversationID string, limit int) ([]*models.Checkpoint, error) {
	timer := prometheus.NewTimer(storeOpDuration.WithLabelValues("list_checkpoints"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, listCheckpointsSQL, conversationID, limit)
	if err != nil {
		storeOps.WithLabelValues("list_checkpoints", "error").Inc()
		return nil, &StorageUnavailable{Op: "list_checkpoints", Err: err}
	}
	defer rows.Close()

	var checkpoints []*models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		if err := rows.Scan(&cp.CheckpointID, &cp.ConversationID, &cp.CreatedAt, &cp.Stage, &cp.Payload, &cp.Reason); err != nil {
			storeOps.WithLabelValues("list_checkpoints", "error").Inc()
			return nil, errors.Wrap(err, "failed to scan checkpoint row")
		}
		checkpoints = append(checkpoints, &cp)
	}
	if err := rows.Err(); err != nil {
		storeOps.WithLabelValues("list_checkpoints", "error").Inc()
		return nil, errors.Wrap(err, "error iterating checkpoint rows")
	}

	storeOps.WithLabelValues("list_checkpoints", "success").Inc()
	return checkpoints, nil
}

// Restore rehydrates a conversation from a specific checkpoint and writes it
// back as the current conversation state, bumping the version forward
// (spec §4.8 step 10, §8 durability invariant). Nothing in the orchestrator
// calls it.
func (s *Store) Restore(ctx context.Context, conversationID, checkpointID string) (*models.Conversation, error) {
	timer := prometheus.NewTimer(storeOpDuration.WithLabelValues("restore"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	var cp models.Checkpoint
	row := s.db.QueryRowContext(ctx, getCheckpointSQL, conversationID, checkpointID)
	if err := row.Scan(&cp.CheckpointID, &cp.ConversationID, &cp.CreatedAt, &cp.Stage, &cp.Payload, &cp.Reason); err != nil {
		if err == sql.ErrNoRows {
			storeOps.WithLabelValues("restore", "not_found").Inc()
			return nil, &ConversationNotFound{ConversationID: conversationID}
		}
		storeOps.WithLabelValues("restore", "error").Inc()
		return nil, &StorageUnavailable{Op: "restore", Err: err}
	}

	var restored models.Conversation
	if err := json.Unmarshal(cp.Payload, &restored); err != nil {
		storeOps.WithLabelValues("restore", "error").Inc()
		return nil, errors.Wrap(err, "failed to unmarshal checkpoint payload")
	}

	current, err := s.Load(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if err := s.save(ctx, &restored, current.Version); err != nil {
		return nil, err
	}
	restored.Version = current.Version + 1

	storeOps.WithLabelValues("restore", "success").Inc()
	return &restored, nil
}

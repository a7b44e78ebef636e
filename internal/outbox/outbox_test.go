package outbox

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kumon/receptionist/internal/config"
	"github.com/kumon/receptionist/internal/models"
)

func testOutboxConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Gateway.AllowedInstances = []string{"inst-a"}
	cfg.Gateway.ConcurrencyCap = 2
	cfg.Gateway.MinInterMessageDelay = 0
	cfg.Outbox.MaxDeliveryAttempts = 2
	cfg.Outbox.BaseDelay = 5 * time.Millisecond
	cfg.Outbox.MaxWall = time.Second
	return cfg
}

type stubSender struct {
	calls int
	err   error
	msgID string
}

func (s *stubSender) Send(ctx context.Context, instance string, entry *models.OutboxEntry) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.msgID, nil
}

func TestOutbox_Enqueue_InsertsAndAdmitsHandoff(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	o := New(db, &stubSender{}, testOutboxConfig(), zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM outbox_entries").
		WithArgs("conv-1", "turn-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO outbox_entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_turn_admissions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outbox_entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = o.Enqueue(context.Background(), models.EnqueueTurn{
		ConversationID: "conv-1",
		TurnID:         "turn-1",
		Instance:       "inst-a",
		Entries:        []models.Emission{{Kind: models.OutboxKindText, Payload: []byte("oi")}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_Enqueue_NoopWhenAlreadyEnqueued(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	o := New(db, &stubSender{}, testOutboxConfig(), zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM outbox_entries").
		WithArgs("conv-1", "turn-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	err = o.Enqueue(context.Background(), models.EnqueueTurn{
		ConversationID: "conv-1",
		TurnID:         "turn-1",
		Instance:       "inst-a",
		Entries:        []models.Emission{{Kind: models.OutboxKindText, Payload: []byte("oi")}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_Enqueue_EmptyEntriesIsNoop(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	o := New(db, &stubSender{}, testOutboxConfig(), zap.NewNop())
	err = o.Enqueue(context.Background(), models.EnqueueTurn{ConversationID: "conv-1", TurnID: "turn-1"})
	assert.NoError(t, err)
}

func TestOutbox_InstanceAllowed(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	o := New(db, &stubSender{}, testOutboxConfig(), zap.NewNop())
	assert.True(t, o.instanceAllowed("inst-a"))
	assert.False(t, o.instanceAllowed("inst-rogue"))
}

func TestOutbox_DeliverGroup_InstanceViolationDropsRemaining(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sender := &stubSender{}
	o := New(db, sender, testOutboxConfig(), zap.NewNop())

	mock.ExpectExec("UPDATE outbox_entries").WillReturnResult(sqlmock.NewResult(0, 1)) // markFailed
	mock.ExpectExec("UPDATE outbox_entries").WillReturnResult(sqlmock.NewResult(0, 1)) // dropRemaining

	group := []claimedEntry{{entry: models.OutboxEntry{
		ID: "e1", ConversationID: "conv-1", TurnID: "turn-1", Seq: 1, Instance: "inst-rogue",
	}}}
	o.deliverGroup(context.Background(), group)

	assert.Equal(t, 0, sender.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_DeliverGroup_SuccessMarksDelivered(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sender := &stubSender{msgID: "wamid-1"}
	o := New(db, sender, testOutboxConfig(), zap.NewNop())

	mock.ExpectExec("UPDATE outbox_entries").WillReturnResult(sqlmock.NewResult(0, 1)) // markDelivered

	group := []claimedEntry{{entry: models.OutboxEntry{
		ID: "e1", ConversationID: "conv-1", TurnID: "turn-1", Seq: 1, Instance: "inst-a",
	}}}
	o.deliverGroup(context.Background(), group)

	assert.Equal(t, 1, sender.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupByConversation_PreservesOrderAndGroups(t *testing.T) {
	claimed := []claimedEntry{
		{entry: models.OutboxEntry{ConversationID: "a", Seq: 1}},
		{entry: models.OutboxEntry{ConversationID: "b", Seq: 1}},
		{entry: models.OutboxEntry{ConversationID: "a", Seq: 2}},
	}
	groups := groupByConversation(claimed)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0], 2)
	assert.Equal(t, "a", groups[0][0].entry.ConversationID)
	assert.Len(t, groups[1], 1)
	assert.Equal(t, "b", groups[1][0].entry.ConversationID)
}

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumon/receptionist/internal/config"
	"github.com/kumon/receptionist/internal/models"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Database.MaxOpenConns = 5
	cfg.Database.MaxIdleConns = 5
	cfg.Database.ConnMaxLifetime = time.Minute
	return cfg
}

func TestStore_Load_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := New(db, testConfig())
	require.NoError(t, err)

	mock.ExpectQuery("SELECT conversation_id").
		WithArgs("conv-1").
		WillReturnError(sql.ErrNoRows)

	_, err = store.Load(context.Background(), "conv-1")
	var notFound *ConversationNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestStore_Load_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := New(db, testConfig())
	require.NoError(t, err)

	conv := models.NewConversation("conv-1", "peer-1", "instance-a")
	payload, err := json.Marshal(conv)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"conversation_id", "peer_id", "instance", "payload", "version"}).
		AddRow("conv-1", "peer-1", "instance-a", payload, int64(1))

	mock.ExpectQuery("SELECT conversation_id").
		WithArgs("conv-1").
		WillReturnRows(rows)

	got, err := store.Load(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, models.StageGreeting, got.Stage)
}

func TestStore_Mutate_StaleVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := New(db, testConfig())
	require.NoError(t, err)

	conv := models.NewConversation("conv-1", "peer-1", "instance-a")
	payload, err := json.Marshal(conv)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"conversation_id", "peer_id", "instance", "payload", "version"}).
		AddRow("conv-1", "peer-1", "instance-a", payload, int64(3))

	mock.ExpectQuery("SELECT conversation_id").
		WithArgs("conv-1").
		WillReturnRows(rows)

	mock.ExpectExec("UPDATE conversations").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = store.Mutate(context.Background(), "conv-1", func(c *models.Conversation) error {
		c.Stage = models.StageQualification
		return nil
	})

	var stale *StaleVersion
	assert.ErrorAs(t, err, &stale)
	assert.Equal(t, int64(3), stale.ExpectedVersion)
}

func TestStore_Mutate_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := New(db, testConfig())
	require.NoError(t, err)

	conv := models.NewConversation("conv-1", "peer-1", "instance-a")
	payload, err := json.Marshal(conv)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"conversation_id", "peer_id", "instance", "payload", "version"}).
		AddRow("conv-1", "peer-1", "instance-a", payload, int64(1))

	mock.ExpectQuery("SELECT conversation_id").
		WithArgs("conv-1").
		WillReturnRows(rows)

	mock.ExpectExec("UPDATE conversations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := store.Mutate(context.Background(), "conv-1", func(c *models.Conversation) error {
		c.Stage = models.StageQualification
		c.Step = models.StepCollectParentName
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StageQualification, got.Stage)
	assert.Equal(t, int64(2), got.Version)
}

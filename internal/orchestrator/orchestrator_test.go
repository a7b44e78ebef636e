package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kumon/receptionist/internal/config"
	"github.com/kumon/receptionist/internal/intent"
	"github.com/kumon/receptionist/internal/llm"
	"github.com/kumon/receptionist/internal/models"
	"github.com/kumon/receptionist/internal/preprocess"
	"github.com/kumon/receptionist/internal/rag"
	"github.com/kumon/receptionist/internal/rules"
	"github.com/kumon/receptionist/internal/state"
	"github.com/kumon/receptionist/internal/template"
	"github.com/kumon/receptionist/internal/validator"
)

func testOrchestratorConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Database.MaxOpenConns = 5
	cfg.Database.MaxIdleConns = 5
	cfg.Database.ConnMaxLifetime = time.Minute
	cfg.LLM.DailyBudgetUSD = 5.0
	cfg.LLM.CircuitFailureThreshold = 5
	cfg.Hours.Timezone = "America/Sao_Paulo"
	cfg.Hours.MorningStart = "00:00"
	cfg.Hours.MorningEnd = "23:59"
	cfg.Hours.AfternoonStart = "00:00"
	cfg.Hours.AfternoonEnd = "23:59"
	cfg.Deadlines.Turn = 5 * time.Second
	return cfg
}

func TestOrchestrator_GreetingWelcome_FirstTurn(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := testOrchestratorConfig()
	store, err := state.New(db, cfg)
	require.NoError(t, err)

	gw := llm.New(cfg, zap.NewNop())
	defer gw.Close()

	tmpl, err := template.New(nil)
	require.NoError(t, err)

	deps := &Deps{
		Templates: tmpl,
		Gateway:   gw,
		Retriever: rag.NullRetriever{},
		Calendar:  NullCalendar{},
		Hours:     rules.NewHoursRule(cfg.Hours),
		Logger:    zap.NewNop(),
		Cfg:       cfg,
	}

	o := New(store, intent.New(gw, zap.NewNop(), cfg), validator.New(gw, zap.NewNop()), nil, deps, cfg, zap.NewNop())

	fresh := models.NewConversation("conv-1", "peer-1", "inst-1")
	freshPayload, err := json.Marshal(fresh)
	require.NoError(t, err)

	afterAppend := models.NewConversation("conv-1", "peer-1", "inst-1")
	ts := time.Now()
	require.NoError(t, afterAppend.AppendMessage(models.Message{
		Role: models.RoleUser, Text: "oi", Timestamp: ts, MessageID: "msg-1",
	}))
	afterAppendPayload, err := json.Marshal(afterAppend)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT conversation_id").WithArgs("conv-1").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO conversations").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("SELECT conversation_id").WithArgs("conv-1").WillReturnRows(
		sqlmock.NewRows([]string{"conversation_id", "peer_id", "instance", "payload", "version"}).
			AddRow("conv-1", "peer-1", "inst-1", freshPayload, int64(1)),
	)
	mock.ExpectExec("UPDATE conversations").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("SELECT conversation_id").WithArgs("conv-1").WillReturnRows(
		sqlmock.NewRows([]string{"conversation_id", "peer_id", "instance", "payload", "version"}).
			AddRow("conv-1", "peer-1", "inst-1", afterAppendPayload, int64(2)),
	)
	mock.ExpectExec("UPDATE conversations").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("INSERT INTO checkpoints").WillReturnResult(sqlmock.NewResult(0, 1))

	turn := &preprocess.AcceptedTurn{
		ConversationID: "conv-1",
		PeerID:         "peer-1",
		Instance:       "inst-1",
		NormalizedText: "oi",
		MessageID:      "msg-1",
		Timestamp:      ts,
	}

	err = o.Dispatch(context.Background(), turn)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrchestrator_DuplicateMessage_IsSilentNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := testOrchestratorConfig()
	store, err := state.New(db, cfg)
	require.NoError(t, err)

	gw := llm.New(cfg, zap.NewNop())
	defer gw.Close()

	tmpl, err := template.New(nil)
	require.NoError(t, err)

	deps := &Deps{
		Templates: tmpl,
		Gateway:   gw,
		Retriever: rag.NullRetriever{},
		Calendar:  NullCalendar{},
		Hours:     rules.NewHoursRule(cfg.Hours),
		Logger:    zap.NewNop(),
		Cfg:       cfg,
	}

	o := New(store, intent.New(gw, zap.NewNop(), cfg), validator.New(gw, zap.NewNop()), nil, deps, cfg, zap.NewNop())

	existing := models.NewConversation("conv-1", "peer-1", "inst-1")
	ts := time.Now()
	require.NoError(t, existing.AppendMessage(models.Message{
		Role: models.RoleUser, Text: "oi", Timestamp: ts, MessageID: "msg-1",
	}))
	existingPayload, err := json.Marshal(existing)
	require.NoError(t, err)

	rows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"conversation_id", "peer_id", "instance", "payload", "version"}).
			AddRow("conv-1", "peer-1", "inst-1", existingPayload, int64(1))
	}

	// processTurn's step 1 load.
	mock.ExpectQuery("SELECT conversation_id").WithArgs("conv-1").WillReturnRows(rows())
	// AppendMessage's Mutate re-loads, then rejects the replay as a
	// duplicate message_id before ever issuing an UPDATE.
	mock.ExpectQuery("SELECT conversation_id").WithArgs("conv-1").WillReturnRows(rows())

	turn := &preprocess.AcceptedTurn{
		ConversationID: "conv-1",
		PeerID:         "peer-1",
		Instance:       "inst-1",
		NormalizedText: "oi",
		MessageID:      "msg-1",
		Timestamp:      ts,
	}

	err = o.Dispatch(context.Background(), turn)
	require.NoError(t, err, "a replayed webhook delivery must be a silent no-op, not an error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextStage_HandoffOnFailedAttempts(t *testing.T) {
	conv := models.NewConversation("c1", "p1", "i1")
	conv.Metrics.FailedAttempts = 5

	stage, reason := nextStage(conv, models.Intent{Band: models.IntentHigh}, "", false)
	assert.Equal(t, models.StageHandoff, stage)
	assert.Contains(t, reason, "failed_attempts")
}

func TestNextStage_FallbackOnFloorConfidence(t *testing.T) {
	conv := models.NewConversation("c1", "p1", "i1")

	stage, _ := nextStage(conv, models.Intent{Band: models.IntentFloor}, "", false)
	assert.Equal(t, models.StageFallback, stage)
}

func TestNextStage_FallbackOnLowConfidence(t *testing.T) {
	conv := models.NewConversation("c1", "p1", "i1")

	stage, reason := nextStage(conv, models.Intent{Band: models.IntentLow}, "", false)
	assert.Equal(t, models.StageFallback, stage)
	assert.Contains(t, reason, "confidence low")
}

func TestApplyFallbackLevel_LowBandGetsClarify(t *testing.T) {
	conv := models.NewConversation("c1", "p1", "i1")
	assert.Equal(t, models.StepFallbackClarify, applyFallbackLevel(conv, models.IntentLow))
}

func TestApplyFallbackLevel_FloorBandGetsMenu(t *testing.T) {
	conv := models.NewConversation("c1", "p1", "i1")
	assert.Equal(t, models.StepFallbackMenu, applyFallbackLevel(conv, models.IntentFloor))
}

func TestNextStage_UsesHintWhenNoOverride(t *testing.T) {
	conv := models.NewConversation("c1", "p1", "i1")

	stage, reason := nextStage(conv, models.Intent{Band: models.IntentHigh}, models.StageQualification, false)
	assert.Equal(t, models.StageQualification, stage)
	assert.Contains(t, reason, "stage-complete")
}

func TestNextStage_TerminalStaysTerminal(t *testing.T) {
	conv := models.NewConversation("c1", "p1", "i1")
	conv.Stage = models.StageCompleted

	stage, _ := nextStage(conv, models.Intent{Band: models.IntentHigh}, models.StageGreeting, false)
	assert.Equal(t, models.StageCompleted, stage)
}

func TestMailbox_OverflowDropsOldest(t *testing.T) {
	m := newMailbox()
	defer m.close()

	block := make(chan struct{})
	m.send(turnJob{run: func() { <-block }})

	executed := make([]int, 0, mailboxDepth)
	resultCh := make(chan int, mailboxDepth+2)
	for i := 0; i < mailboxDepth+2; i++ {
		i := i
		m.send(turnJob{run: func() { resultCh <- i }})
	}
	close(block)

	time.Sleep(50 * time.Millisecond)
	close(resultCh)
	for v := range resultCh {
		executed = append(executed, v)
	}
	assert.LessOrEqual(t, len(executed), mailboxDepth)
}

// Package orchestrator (continued): Orchestrator wires C1/C3/C4/C5/C6/C7/C9
// together and executes the ten-step turn pipeline from spec §4.8 behind a
// per-conversation mailbox.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"go.opentelemetry.io/otel/trace"

	"github.com/kumon/receptionist/internal/config"
	"github.com/kumon/receptionist/internal/intent"
	"github.com/kumon/receptionist/internal/models"
	"github.com/kumon/receptionist/internal/preprocess"
	"github.com/kumon/receptionist/internal/state"
	"github.com/kumon/receptionist/internal/telemetry"
	"github.com/kumon/receptionist/internal/validator"
)

var (
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_turns_total",
			Help: "Total number of turns processed, by resulting stage",
		},
		[]string{"stage", "status"},
	)

	turnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_turn_duration_seconds",
			Help:    "Duration of a full turn pipeline execution",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Orchestrator is the C8 component.
type Orchestrator struct {
	store      *state.Store
	classifier *intent.Classifier
	validator  *validator.Validator
	sink       Sink
	deps       *Deps
	cfg        *config.Config
	logger     *zap.Logger
	tracer     trace.Tracer
	registry   mailboxRegistry
}

// New builds an Orchestrator. sink is C10's enqueue contract, deps bundles
// C4/C5/C6/C7's hours rule and the calendar adapter.
func New(store *state.Store, classifier *intent.Classifier, v *validator.Validator, sink Sink, deps *Deps, cfg *config.Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		classifier: classifier,
		validator:  v,
		sink:       sink,
		deps:       deps,
		cfg:        cfg,
		logger:     logger,
		tracer:     telemetry.Tracer("orchestrator"),
	}
}

// Dispatch hands turn off to its conversation's mailbox and blocks until
// that turn's processing completes (or ctx is cancelled). Concurrent
// Dispatch calls for different conversations run fully in parallel;
// concurrent calls for the same conversation serialize through the
// mailbox.
func (o *Orchestrator) Dispatch(ctx context.Context, turn *preprocess.AcceptedTurn) error {
	box := o.registry.get(turn.ConversationID)

	resultCh := make(chan error, 1)
	box.send(turnJob{run: func() {
		resultCh <- o.processTurn(context.Background(), turn)
	}})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-resultCh:
		return err
	}
}

// processTurn runs the ten-step pipeline from spec §4.8.
func (o *Orchestrator) processTurn(ctx context.Context, turn *preprocess.AcceptedTurn) (err error) {
	start := time.Now()
	defer func() { turnDuration.Observe(time.Since(start).Seconds()) }()

	ctx, turnSpan := telemetry.StartTurn(ctx, o.tracer, turn.ConversationID, turn.MessageID)
	defer func() { turnSpan.End(err) }()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Deadlines.Turn)
	defer cancel()

	// 1. Load state, creating with stage=Greeting if absent.
	conv, err := o.store.Load(ctx, turn.ConversationID)
	if err != nil {
		if !isNotFound(err) {
			turnsTotal.WithLabelValues("unknown", "load_error").Inc()
			return err
		}
		conv = models.NewConversation(turn.ConversationID, turn.PeerID, turn.Instance)
		if err := o.store.Create(ctx, conv); err != nil {
			turnsTotal.WithLabelValues("unknown", "create_error").Inc()
			return err
		}
	}

	// 2. Append user message (invariant-checked, idempotent on message_id).
	conv, err = o.store.AppendMessage(ctx, turn.ConversationID, models.Message{
		Role:      models.RoleUser,
		Text:      turn.NormalizedText,
		Timestamp: turn.Timestamp,
		MessageID: turn.MessageID,
	})
	if err != nil {
		if isDuplicateMessage(err) {
			turnsTotal.WithLabelValues(string(conv.Stage), "duplicate_noop").Inc()
			return nil
		}
		turnsTotal.WithLabelValues("unknown", "append_error").Inc()
		return err
	}

	// 3. C2 gates already ran at the webhook boundary; nothing further here.

	// 4. Classify.
	classified := o.classifier.Classify(ctx, turn.NormalizedText, conv.Messages)
	turnSpan.SetIntent(classified.Label, classified.Confidence)

	// 5. Dispatch the current node.
	node, ok := nodeCatalogue[conv.Stage]
	if !ok {
		node = runFallback
	}
	outcome, err := node(ctx, conv, turn.NormalizedText, classified, o.deps)
	if err != nil {
		o.logger.Error("node execution failed", zap.String("stage", string(conv.Stage)), zap.Error(err))
		outcome = NodeOutcome{
			Delta:     func(c *models.Conversation) { c.Metrics.FailedAttempts++ },
			Emissions: textMessage("Desculpe, tive um problema para responder agora. Pode tentar novamente?"),
		}
	}

	// 6. If the node produced an LLM draft, run Validation; retry/block/escalate.
	finalEmissions := outcome.Emissions
	forceHandoff := false
	if outcome.DraftText != "" {
		approved, emissions, escalate := o.runValidation(ctx, conv, outcome.DraftText, outcome.DraftTopic)
		finalEmissions = emissions
		forceHandoff = escalate
		turnSpan.SetValidatorVerdict(approved, nil)
	}

	// 7. Select the next edge; update stage/step.
	explicitHandoff := forceHandoff || isExplicitHandoffRequest(classified)
	toStage, reason := nextStage(conv, classified, outcome.NextHint, explicitHandoff)
	fromStage := conv.Stage
	turnSpan.SetStageTransition(string(fromStage), string(toStage))

	conv, err = o.store.Mutate(ctx, turn.ConversationID, func(c *models.Conversation) error {
		if outcome.Delta != nil {
			outcome.Delta(c)
		}
		for _, emission := range finalEmissions {
			if err := c.AppendMessage(models.Message{
				Role:      models.RoleAssistant,
				Text:      string(emission.Payload),
				Timestamp: time.Now(),
				MessageID: fmt.Sprintf("%s-out-%d", turn.MessageID, len(c.Messages)),
			}); err != nil {
				return err
			}
		}
		if toStage != c.Stage {
			c.RecordDecision(models.DecisionEntry{
				Timestamp: time.Now(),
				FromStage: fromStage,
				ToStage:   toStage,
				Reason:    reason,
			})
			c.Stage = toStage
			if toStage == models.StageFallback {
				c.Step = applyFallbackLevel(c, classified.Band)
			}
		}
		return nil
	})
	if err != nil {
		turnsTotal.WithLabelValues(string(fromStage), "mutate_error").Inc()
		return err
	}

	// 8. Persist checkpoint. The checkpoint must be durable before any
	// side effect visible outside the process proceeds (spec's
	// checkpoint-before-send invariant), so a failure here aborts the
	// turn rather than merely logging: step 9/10's outbox enqueue never
	// runs against state nothing durable backs yet.
	if _, err := o.store.SaveCheckpoint(ctx, conv, models.ReasonTurnAdvance); err != nil {
		o.logger.Error("checkpoint persist failed, aborting turn before enqueue", zap.Error(err))
		turnsTotal.WithLabelValues(string(conv.Stage), "checkpoint_error").Inc()
		return errors.Join(errCheckpointPersistFailed, err)
	}

	// 9/10. Enqueue emissions atomically to the outbox and signal ready.
	if len(finalEmissions) > 0 && o.sink != nil {
		if err := o.sink.Enqueue(ctx, models.EnqueueTurn{
			ConversationID: turn.ConversationID,
			TurnID:         turn.MessageID,
			Instance:       conv.Instance,
			PeerID:         conv.PeerID,
			Entries:        finalEmissions,
		}); err != nil {
			o.logger.Error("outbox enqueue failed", zap.Error(err))
			turnsTotal.WithLabelValues(string(conv.Stage), "enqueue_error").Inc()
			turnSpan.SetOutboxOutcome("enqueue_error")
			return err
		}
		turnSpan.SetOutboxOutcome("enqueued")
	} else {
		turnSpan.SetOutboxOutcome("skipped")
	}

	turnsTotal.WithLabelValues(string(conv.Stage), "success").Inc()
	return nil
}

// SystemReply is a canned, non-LLM reply the webhook handler dispatches
// directly for inbound turns the preprocessor (C2) already decided not to
// hand to the workflow graph at all — deferred-hours and injection-
// detected drops — both of which spec §4.2 step 4 still requires exactly
// one real templated reply for, not silence.
type SystemReply struct {
	ConversationID   string
	PeerID           string
	Instance         string
	MessageID        string
	TemplateName     string
	CheckpointReason string
}

// DispatchSystemReply appends reply's template body as a single assistant
// message and enqueues it to the outbox, skipping classification, node
// dispatch, and validation entirely. It runs through the same
// per-conversation mailbox as Dispatch so it still serializes against
// concurrent turns for the conversation.
func (o *Orchestrator) DispatchSystemReply(ctx context.Context, reply SystemReply) error {
	box := o.registry.get(reply.ConversationID)

	resultCh := make(chan error, 1)
	box.send(turnJob{run: func() {
		resultCh <- o.processSystemReply(context.Background(), reply)
	}})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-resultCh:
		return err
	}
}

func (o *Orchestrator) processSystemReply(ctx context.Context, reply SystemReply) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Deadlines.Turn)
	defer cancel()

	conv, err := o.store.Load(ctx, reply.ConversationID)
	if err != nil {
		if !isNotFound(err) {
			return err
		}
		conv = models.NewConversation(reply.ConversationID, reply.PeerID, reply.Instance)
		if err := o.store.Create(ctx, conv); err != nil {
			return err
		}
	}

	body, err := o.deps.Templates.Resolve(ctx, reply.TemplateName, "prod", conv.Stage, nil)
	if err != nil {
		return err
	}

	conv, err = o.store.Mutate(ctx, reply.ConversationID, func(c *models.Conversation) error {
		return c.AppendMessage(models.Message{
			Role:      models.RoleAssistant,
			Text:      body,
			Timestamp: time.Now(),
			MessageID: fmt.Sprintf("%s-out-0", reply.MessageID),
		})
	})
	if err != nil {
		if isDuplicateMessage(err) {
			return nil
		}
		return err
	}

	if _, err := o.store.SaveCheckpoint(ctx, conv, reply.CheckpointReason); err != nil {
		return errors.Join(errCheckpointPersistFailed, err)
	}

	if o.sink == nil {
		return nil
	}
	return o.sink.Enqueue(ctx, models.EnqueueTurn{
		ConversationID: reply.ConversationID,
		TurnID:         reply.MessageID,
		Instance:       conv.Instance,
		PeerID:         conv.PeerID,
		Entries:        textMessage(body),
	})
}

// runValidation drives the retry/block/escalate loop from spec §4.8 step
// 6 / §4.9 against a single drafted reply, re-running the validator's
// grading call up to validator.MaxRetries times before escalating.
func (o *Orchestrator) runValidation(ctx context.Context, conv *models.Conversation, draft, topic string) (approved bool, emissions []models.Emission, escalate bool) {
	current := draft
	for attempt := 0; attempt < validator.MaxRetries; attempt++ {
		verdict := o.validator.Validate(ctx, conv, current, topic)
		switch verdict.Action {
		case validator.ActionApprove:
			return true, textMessage(current), false
		case validator.ActionBlock:
			body, err := o.deps.Templates.Resolve(ctx, "generic:fallback:default", "prod", models.StageFallback, nil)
			if err != nil {
				body = "Desculpe, nao posso responder isso. Posso te ajudar com outra duvida?"
			}
			return false, textMessage(body), false
		case validator.ActionEscalate:
			return false, nil, true
		case validator.ActionRetry:
			o.logger.Info("validator requested retry", zap.Strings("issues", verdict.Issues), zap.Int("attempt", attempt))
			continue
		}
	}
	return false, nil, true
}

// errCheckpointPersistFailed marks a turn aborted by a failed write-ahead
// checkpoint, distinguishing it from the underlying storage error it wraps.
var errCheckpointPersistFailed = errors.New("checkpoint persist failed")

func isNotFound(err error) bool {
	var notFound *state.ConversationNotFound
	return errors.As(err, &notFound)
}

func isDuplicateMessage(err error) bool {
	var inv *models.InvariantViolation
	if errors.As(err, &inv) {
		return inv.Which == "duplicate_message_id"
	}
	return false
}

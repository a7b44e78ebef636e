// Package outbox is the delivery coordinator (C10): the single place
// allowed to hand a conversation's outbound messages to the gateway.
// Modeled closely on the baechuer-real-time-ressys outbox worker found in
// the retrieved corpus: claim a batch with SELECT ... FOR UPDATE SKIP
// LOCKED, lease claimed rows by pushing a future timestamp rather than
// holding a long transaction, then deliver and record the outcome. The
// transport there is RabbitMQ; here it is an HTTP hand-off to the gateway
// adapter (pkg/gateway) per spec §6, so the claim/lease/retry shape is kept
// and the transport swapped.
package outbox

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kumon/receptionist/internal/config"
	"github.com/kumon/receptionist/internal/models"
	"github.com/kumon/receptionist/internal/retry"
	"github.com/kumon/receptionist/internal/telemetry"
)

var (
	entriesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_enqueued_total",
		Help: "Total number of outbox entries enqueued",
	})
	entriesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_delivered_total",
		Help: "Total number of outbox entries successfully delivered",
	})
	entriesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_failed_total",
		Help: "Total number of outbox entries that exhausted delivery retries",
	})
	handoffViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_handoff_violations_total",
		Help: "Total number of rejected duplicate Planned->Ready admissions; must stay zero",
	})
	instanceViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "instance_violations_total",
		Help: "Total number of delivery attempts rejected for targeting a non-allow-listed instance; must stay zero",
	})
	deliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_delivery_latency_ms",
		Help:    "Latency of a single outbox entry delivery attempt, in milliseconds",
		Buckets: prometheus.ExponentialBuckets(10, 2, 12),
	})
)

const defaultBatchSize = 20
const pollInterval = 250 * time.Millisecond

// Outbox is the C10 component. It satisfies internal/orchestrator.Sink.
type Outbox struct {
	db     *sql.DB
	sender Sender
	cfg    *config.Config
	logger *zap.Logger
	tracer trace.Tracer

	retryPolicy retry.Policy
	sem         chan struct{}
	lastSend    sync.Map // conversation_id -> time.Time of last delivered send

	stop chan struct{}
	done chan struct{}
}

// New builds an Outbox over an already-migrated *sql.DB (the same database
// handle C1's state.Store uses — C10 exclusively owns the outbox_entries
// and outbox_turn_admissions tables within it, per spec §3 ownership).
func New(db *sql.DB, sender Sender, cfg *config.Config, logger *zap.Logger) *Outbox {
	cap := cfg.Gateway.ConcurrencyCap
	if cap <= 0 {
		cap = 4
	}
	return &Outbox{
		db:     db,
		sender: sender,
		cfg:    cfg,
		logger: logger,
		retryPolicy: retry.Policy{
			BaseDelay:   firstNonZero(cfg.Outbox.BaseDelay, time.Second),
			Factor:      2,
			MaxWall:     firstNonZero(cfg.Outbox.MaxWall, 60*time.Second),
			MaxAttempts: firstNonZeroInt(cfg.Outbox.MaxDeliveryAttempts, 5),
			Jitter:      0.2,
		},
		sem:    make(chan struct{}, cap),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		tracer: telemetry.Tracer("outbox"),
	}
}

func firstNonZero(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func firstNonZeroInt(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}

// Enqueue implements internal/orchestrator.Sink. It writes turn's entries
// as Planned in one atomic batch and immediately admits the turn's single
// Planned->Ready handoff, per spec §4.10's contract.
func (o *Outbox) Enqueue(ctx context.Context, turn models.EnqueueTurn) error {
	if len(turn.Entries) == 0 {
		return nil
	}
	return o.enqueue(ctx, turn)
}

// StartWorker runs the delivery loop until ctx is cancelled or Stop is
// called. Intended to be launched as a supervised goroutine from
// cmd/receptionist's bootstrap sequence (C12, High-priority phase).
func (o *Outbox) StartWorker(ctx context.Context) {
	defer close(o.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			if err := o.pollOnce(ctx); err != nil {
				o.logger.Warn("outbox poll failed", zap.Error(err))
			}
		}
	}
}

// Stop signals StartWorker to return and blocks until it has.
func (o *Outbox) Stop() {
	close(o.stop)
	<-o.done
}

// pollOnce claims one batch of ready entries and delivers each
// conversation's share concurrently, serialized within a conversation.
func (o *Outbox) pollOnce(ctx context.Context) error {
	claimed, err := o.claimBatch(ctx, defaultBatchSize)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	groups := groupByConversation(claimed)

	var wg sync.WaitGroup
	for _, group := range groups {
		group := group
		select {
		case o.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-o.sem }()
			o.deliverGroup(ctx, group)
		}()
	}
	wg.Wait()
	return nil
}

func groupByConversation(claimed []claimedEntry) [][]claimedEntry {
	order := make([]string, 0)
	byConv := make(map[string][]claimedEntry)
	for _, ce := range claimed {
		if _, ok := byConv[ce.entry.ConversationID]; !ok {
			order = append(order, ce.entry.ConversationID)
		}
		byConv[ce.entry.ConversationID] = append(byConv[ce.entry.ConversationID], ce)
	}
	groups := make([][]claimedEntry, 0, len(order))
	for _, id := range order {
		groups = append(groups, byConv[id])
	}
	return groups
}

// deliverGroup delivers one conversation's claimed entries in seq order,
// enforcing the per-conversation minimum inter-message delay and the
// instance allow-list. On the first failure in the group, the failed
// entry's later-seq entries in the same turn are marked dropped, per spec
// §4.10's partial-failure semantics, and the rest of the group is left
// in_flight for a later poll to reclaim once its lease expires.
func (o *Outbox) deliverGroup(ctx context.Context, group []claimedEntry) {
	minDelay := o.cfg.Gateway.MinInterMessageDelay
	for _, ce := range group {
		entry := ce.entry

		if !o.instanceAllowed(entry.Instance) {
			instanceViolations.Inc()
			o.logger.Error("instance not allow-listed; dropping turn",
				zap.String("conversation_id", entry.ConversationID),
				zap.String("instance", entry.Instance))
			_ = o.markFailed(ctx, entry.ID, (&InstanceViolation{ConversationID: entry.ConversationID, Instance: entry.Instance}).Error())
			entriesFailed.Inc()
			_ = o.dropRemaining(ctx, entry.ConversationID, entry.TurnID, entry.Seq)
			return
		}

		o.waitMinDelay(entry.ConversationID, minDelay)

		callCtx, span := telemetry.StartCall(ctx, o.tracer, "outbox_deliver",
			attribute.String("conversation_id", entry.ConversationID),
			attribute.String("turn_id", entry.TurnID),
			attribute.Int("seq", entry.Seq),
		)
		start := time.Now()
		var gatewayMsgID string
		err := retry.Do(callCtx, o.retryPolicy, func(ctx context.Context) error {
			var sendErr error
			gatewayMsgID, sendErr = o.sender.Send(ctx, entry.Instance, &entry)
			return sendErr
		})
		deliveryLatency.Observe(float64(time.Since(start).Milliseconds()))

		if err != nil {
			o.logger.Error("outbox delivery failed, retries exhausted",
				zap.String("conversation_id", entry.ConversationID),
				zap.String("turn_id", entry.TurnID), zap.Int("seq", entry.Seq), zap.Error(err))
			_ = o.markFailed(ctx, entry.ID, err.Error())
			entriesFailed.Inc()
			_ = o.dropRemaining(ctx, entry.ConversationID, entry.TurnID, entry.Seq)
			telemetry.EndCall(span, err)
			return
		}

		_ = o.markDelivered(ctx, entry.ID, gatewayMsgID)
		entriesDelivered.Inc()
		o.lastSend.Store(entry.ConversationID, time.Now())
		telemetry.EndCall(span, nil)
	}
}

func (o *Outbox) instanceAllowed(instance string) bool {
	for _, allowed := range o.cfg.Gateway.AllowedInstances {
		if allowed == instance {
			return true
		}
	}
	return false
}

func (o *Outbox) waitMinDelay(conversationID string, minDelay time.Duration) {
	if minDelay <= 0 {
		return
	}
	v, ok := o.lastSend.Load(conversationID)
	if !ok {
		return
	}
	elapsed := time.Since(v.(time.Time))
	if elapsed < minDelay {
		time.Sleep(minDelay - elapsed)
	}
}

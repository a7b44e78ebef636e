// Package preprocess implements the inbound webhook preprocessor (C2):
// authenticity, dedup, rate-limit, business-hours gate, sanitization, and
// normalization, in that order, per spec §4.2. Grounded on the teacher's
// pkg/whatsapp.Client.validateWebhookSignature (HMAC verification) and
// internal/queue/producer.go's redis.Client + gobreaker-free direct-call
// style for Redis operations; rate limiting follows a Lua-scripted token
// bucket rather than the teacher's in-memory RateLimiter, since this spec
// requires the bucket to be shared across process instances.
package preprocess

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/kumon/receptionist/internal/config"
	"github.com/kumon/receptionist/internal/rules"
)

var (
	dropCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preprocess_drops_total",
			Help: "Total number of inbound turns dropped by the preprocessor, by reason",
		},
		[]string{"reason"},
	)

	acceptedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preprocess_accepted_total",
			Help: "Total number of inbound turns accepted by the preprocessor",
		},
	)

	injectionCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preprocess_injection_detected_total",
			Help: "Total number of inbound turns flagged as prompt-injection attempts",
		},
	)
)

const maxTextLength = 4096

// tokenBucketScript implements an atomic Lua token bucket: it refills based
// on elapsed time since the last observed timestamp and admits the call iff
// a token is available.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_sec = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])

if tokens == nil then
    tokens = capacity
    ts = now
end

local delta = math.max(0, now - ts)
tokens = math.min(capacity, tokens + delta * refill_per_sec)

local allowed = 0
if tokens >= 1 then
    allowed = 1
    tokens = tokens - 1
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("EXPIRE", key, 3600)

return allowed
`)

// RawPayload is the parsed inbound webhook body before preprocessing.
type RawPayload struct {
	ConversationID string
	PeerID         string
	Instance       string
	Text           string
	MessageID      string
	Timestamp      time.Time
	Signature      string
	Body           []byte
}

// AcceptedTurn is the preprocessor's successful output, handed to the
// orchestrator (C8).
type AcceptedTurn struct {
	ConversationID string
	PeerID         string
	Instance       string
	Text           string
	NormalizedText string
	MessageID      string
	Timestamp      time.Time
}

var injectionSignatures = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) instructions`),
	regexp.MustCompile(`(?i)you are now`),
	regexp.MustCompile(`(?i)system prompt`),
	regexp.MustCompile(`(?i)reveal your (instructions|prompt|rules)`),
	regexp.MustCompile(`(?i)disregard (the )?(system|developer) message`),
}

// Preprocessor is the C2 component.
type Preprocessor struct {
	redis  *redis.Client
	cfg    *config.Config
	logger *zap.Logger
	hours  *rules.HoursRule
}

// New constructs a Preprocessor.
func New(redisClient *redis.Client, cfg *config.Config, logger *zap.Logger) *Preprocessor {
	return &Preprocessor{
		redis:  redisClient,
		cfg:    cfg,
		logger: logger,
		hours:  rules.NewHoursRule(cfg.Hours),
	}
}

// Process runs the full ordered check chain described in spec §4.2 and
// returns an AcceptedTurn, or a *Dropped error naming why the turn did not
// advance. Dropped is never a fatal error: callers inspect it via errors.As
// and respond (or stay silent) accordingly; Process itself never panics or
// propagates an unexpected error upward for a malformed-but-parseable
// payload.
func (p *Preprocessor) Process(ctx context.Context, payload RawPayload, webhookSecret string) (*AcceptedTurn, error) {
	if err := p.checkAuthenticity(payload, webhookSecret); err != nil {
		dropCounter.WithLabelValues(string(DropInvalidSignature)).Inc()
		return nil, err
	}

	duplicate, err := p.checkDedup(ctx, payload)
	if err != nil {
		p.logger.Warn("dedup check failed, proceeding without dedup guarantee", zap.Error(err))
	} else if duplicate {
		dropCounter.WithLabelValues(string(DropDuplicate)).Inc()
		return nil, &Dropped{Reason: DropDuplicate, Detail: payload.MessageID}
	}

	allowed, err := p.checkRateLimit(ctx, payload.PeerID)
	if err != nil {
		p.logger.Warn("rate limit check failed, admitting by default", zap.Error(err))
	} else if !allowed {
		dropCounter.WithLabelValues(string(DropRateLimited)).Inc()
		return nil, &Dropped{Reason: DropRateLimited, Detail: payload.PeerID}
	}

	if !p.hours.IsOpen(payload.Timestamp) {
		dropCounter.WithLabelValues(string(DropDeferredHours)).Inc()
		return nil, &Dropped{Reason: DropDeferredHours, Detail: "outside business hours"}
	}

	sanitized, detected := sanitize(payload.Text)
	if detected {
		injectionCounter.Inc()
		dropCounter.WithLabelValues(string(DropInjectionDetected)).Inc()
		return nil, &Dropped{Reason: DropInjectionDetected, Detail: "matched injection signature catalog"}
	}

	acceptedCounter.Inc()
	return &AcceptedTurn{
		ConversationID: payload.ConversationID,
		PeerID:         payload.PeerID,
		Instance:       payload.Instance,
		Text:           sanitized,
		NormalizedText: strings.ToLower(sanitized),
		MessageID:      payload.MessageID,
		Timestamp:      payload.Timestamp,
	}, nil
}

func (p *Preprocessor) checkAuthenticity(payload RawPayload, webhookSecret string) error {
	if webhookSecret == "" {
		return &Dropped{Reason: DropInvalidSignature, Detail: "webhook secret not configured"}
	}
	if payload.Signature == "" {
		return &Dropped{Reason: DropInvalidSignature, Detail: "missing signature header"}
	}

	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(payload.Body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(payload.Signature), []byte(expected)) {
		return &Dropped{Reason: DropInvalidSignature, Detail: "signature mismatch"}
	}
	return nil
}

func (p *Preprocessor) checkDedup(ctx context.Context, payload RawPayload) (bool, error) {
	key := "dedupe:" + payload.ConversationID
	ok, err := p.redis.SetNX(ctx, key+":"+payload.MessageID, 1, 24*time.Hour).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (p *Preprocessor) checkRateLimit(ctx context.Context, peerID string) (bool, error) {
	key := "ratelimit:" + peerID
	capacity := p.cfg.RateLimit.PerPeerBurst
	refillPerSec := float64(p.cfg.RateLimit.PerPeerPerMinute) / 60.0
	now := time.Now().Unix()

	result, err := tokenBucketScript.Run(ctx, p.redis, []string{key}, capacity, refillPerSec, now).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// sanitize strips control characters, normalizes Unicode to NFC, caps
// length, and detects injection signatures. The second return value is true
// iff an injection signature matched, in which case the caller must not use
// the returned text.
func sanitize(text string) (string, bool) {
	normalized := norm.NFC.String(text)

	var b strings.Builder
	b.Grow(len(normalized))
	for _, r := range normalized {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	clean := b.String()

	if len(clean) > maxTextLength {
		clean = clean[:maxTextLength]
	}

	for _, sig := range injectionSignatures {
		if sig.MatchString(clean) {
			return "", true
		}
	}

	return clean, false
}

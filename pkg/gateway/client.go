// Package gateway is the outbound WhatsApp gateway adapter consumed by
// internal/outbox's delivery worker. Adapted from pkg/whatsapp.Client:
// same connection-pooled http.Transport, context-scoped request
// construction, and bearer-token header style, generalized from a single
// fixed endpoint to the instance-scoped send endpoints spec §6 requires
// (one pinned gateway instance per conversation) and narrowed to exactly
// the one call C10 needs — sending one already-sequenced OutboxEntry.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/kumon/receptionist/internal/models"
)

const defaultTimeout = 30 * time.Second

// Client implements internal/outbox.Sender over HTTP.
type Client struct {
	apiKey      string
	baseEndpoint string
	httpClient  *http.Client
}

// NewClient builds a Client with the same pooled-transport shape as the
// teacher's pkg/whatsapp.Client: persistent keep-alive connections sized
// for high outbound message volume.
func NewClient(apiKey, baseEndpoint string, timeout time.Duration) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gateway api key is required")
	}
	if baseEndpoint == "" {
		return nil, errors.New("gateway api endpoint is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		apiKey:       apiKey,
		baseEndpoint: baseEndpoint,
		httpClient:   &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

type sendRequest struct {
	Peer           string `json:"peer"`
	Text           string `json:"text,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

type sendResponse struct {
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	Error     *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func kindPath(kind models.OutboxEntryKind) string {
	switch kind {
	case models.OutboxKindMedia:
		return "media"
	case models.OutboxKindButtons:
		return "buttons"
	case models.OutboxKindSystem:
		return "system"
	default:
		return "text"
	}
}

// Send POSTs entry to the gateway's send endpoint under instance, with an
// idempotency key equal to (conversation_id, turn_id, seq) per spec §6.
func (c *Client) Send(ctx context.Context, instance string, entry *models.OutboxEntry) (string, error) {
	var text string
	if err := json.Unmarshal(entry.Payload, &text); err != nil {
		text = string(entry.Payload)
	}

	idempotencyKey := fmt.Sprintf("%s:%s:%d", entry.ConversationID, entry.TurnID, entry.Seq)
	payload, err := json.Marshal(sendRequest{
		Peer:           entry.PeerID,
		Text:           text,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal gateway request")
	}

	endpoint := fmt.Sprintf("%s/instances/%s/messages/%s", c.baseEndpoint, instance, kindPath(entry.Kind))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "failed to build gateway request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "gateway request failed")
	}
	defer resp.Body.Close()

	var apiResp sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", errors.Wrap(err, "failed to decode gateway response")
	}

	if apiResp.Error != nil {
		return "", errors.Errorf("gateway error %d: %s", apiResp.Error.Code, apiResp.Error.Message)
	}
	if resp.StatusCode >= 300 {
		return "", errors.Errorf("gateway returned status %d", resp.StatusCode)
	}

	return apiResp.MessageID, nil
}

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumon/receptionist/internal/models"
)

func textEntry(text string) *models.OutboxEntry {
	payload, _ := json.Marshal(text)
	return &models.OutboxEntry{
		ConversationID: "conv-1",
		TurnID:         "turn-1",
		Seq:            1,
		Kind:           models.OutboxKindText,
		Payload:        payload,
		PeerID:         "5511999999999",
	}
}

func TestClient_Send_Success(t *testing.T) {
	var gotPath, gotIdempotency, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotIdempotency = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(sendResponse{MessageID: "wamid-123", Status: "sent"})
	}))
	defer srv.Close()

	client, err := NewClient("secret-key", srv.URL, time.Second)
	require.NoError(t, err)

	msgID, err := client.Send(context.Background(), "inst-a", textEntry("oi"))
	require.NoError(t, err)
	assert.Equal(t, "wamid-123", msgID)
	assert.Equal(t, "/instances/inst-a/messages/text", gotPath)
	assert.Equal(t, "conv-1:turn-1:1", gotIdempotency)
	assert.Equal(t, "Bearer secret-key", gotAuth)
}

func TestClient_Send_GatewayErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sendResponse{Error: &apiError{Code: 429, Message: "rate limited"}})
	}))
	defer srv.Close()

	client, err := NewClient("secret-key", srv.URL, time.Second)
	require.NoError(t, err)

	_, err = client.Send(context.Background(), "inst-a", textEntry("oi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestClient_Send_NonTextKindUsesKindPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(sendResponse{MessageID: "wamid-456"})
	}))
	defer srv.Close()

	client, err := NewClient("secret-key", srv.URL, time.Second)
	require.NoError(t, err)

	entry := textEntry("oi")
	entry.Kind = models.OutboxKindButtons
	_, err = client.Send(context.Background(), "inst-a", entry)
	require.NoError(t, err)
	assert.Equal(t, "/instances/inst-a/messages/buttons", gotPath)
}

func TestNewClient_RequiresAPIKeyAndEndpoint(t *testing.T) {
	_, err := NewClient("", "http://example.com", time.Second)
	assert.Error(t, err)

	_, err = NewClient("key", "", time.Second)
	assert.Error(t, err)
}

package outbox

import (
	"context"

	"github.com/kumon/receptionist/internal/models"
)

// Sender delivers one OutboxEntry to its pinned gateway instance, returning
// the gateway's own message identifier on success. pkg/gateway.Client is
// the production implementation (an HTTP POST to the instance's send
// endpoint); tests substitute a stub. Mirrors the capability-interface
// shape already used for internal/rag.Retriever and
// internal/orchestrator.CalendarClient.
type Sender interface {
	Send(ctx context.Context, instance string, entry *models.OutboxEntry) (gatewayMsgID string, err error)
}

// Package calendar is the outbound calendar adapter consumed by the
// Scheduling/Confirmation workflow nodes (internal/orchestrator). Same
// family as pkg/gateway.Client: a connection-pooled HTTP client adapted
// from the teacher's pkg/whatsapp.Client transport setup, narrowed to the
// two calls internal/orchestrator.CalendarClient names.
package calendar

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

const defaultTimeout = 10 * time.Second

// Client implements internal/orchestrator.CalendarClient over HTTP.
type Client struct {
	baseEndpoint string
	apiKey       string
	httpClient   *http.Client
}

// NewClient builds a Client with the same pooled-transport shape as
// pkg/gateway.Client.
func NewClient(apiKey, baseEndpoint string, timeout time.Duration) (*Client, error) {
	if baseEndpoint == "" {
		return nil, errors.New("calendar api endpoint is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		apiKey:       apiKey,
		baseEndpoint: baseEndpoint,
		httpClient:   &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

type freeSlotsResponse struct {
	Slots []models.TimeSlot `json:"slots"`
}

type bookSlotRequest struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	ContactEmail string    `json:"contact_email"`
}

type apiErrorBody struct {
	Message string `json:"message"`
}

// ListFreeSlots fetches open scheduling intervals in [from, to].
func (c *Client) ListFreeSlots(ctx context.Context, from, to time.Time) ([]models.TimeSlot, error) {
	endpoint := fmt.Sprintf("%s/slots?from=%s&to=%s", c.baseEndpoint, from.Format(time.RFC3339), to.Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build calendar request")
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "calendar request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, errors.Errorf("calendar returned status %d", resp.StatusCode)
	}

	var decoded freeSlotsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.Wrap(err, "failed to decode calendar response")
	}
	return decoded.Slots, nil
}

// BookSlot reserves slot for contactEmail.
func (c *Client) BookSlot(ctx context.Context, slot models.TimeSlot, contactEmail string) error {
	payload, err := json.Marshal(bookSlotRequest{Start: slot.Start, End: slot.End, ContactEmail: contactEmail})
	if err != nil {
		return errors.Wrap(err, "failed to marshal booking request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseEndpoint+"/bookings", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build booking request")
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "booking request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body apiErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Message != "" {
			return errors.Errorf("calendar booking rejected: %s", body.Message)
		}
		return errors.Errorf("calendar returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

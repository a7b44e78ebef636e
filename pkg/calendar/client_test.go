package calendar

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

func TestClient_ListFreeSlots_Success(t *testing.T) {
	now := time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/slots", r.URL.Path)
		json.NewEncoder(w).Encode(freeSlotsResponse{Slots: []models.TimeSlot{
			{Start: now, End: now.Add(time.Hour)},
		}})
	}))
	defer srv.Close()

	client, err := NewClient("key", srv.URL, time.Second)
	require.NoError(t, err)

	slots, err := client.ListFreeSlots(context.Background(), now, now.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.True(t, slots[0].Start.Equal(now))
}

func TestClient_BookSlot_Success(t *testing.T) {
	var gotBody bookSlotRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bookings", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client, err := NewClient("key", srv.URL, time.Second)
	require.NoError(t, err)

	slot := models.TimeSlot{Start: time.Now(), End: time.Now().Add(time.Hour)}
	err = client.BookSlot(context.Background(), slot, "parent@example.com")
	require.NoError(t, err)
	assert.Equal(t, "parent@example.com", gotBody.ContactEmail)
}

func TestClient_BookSlot_RejectedSurfacesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(apiErrorBody{Message: "slot already taken"})
	}))
	defer srv.Close()

	client, err := NewClient("key", srv.URL, time.Second)
	require.NoError(t, err)

	err = client.BookSlot(context.Background(), models.TimeSlot{}, "parent@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slot already taken")
}

func TestNewClient_RequiresEndpoint(t *testing.T) {
	_, err := NewClient("key", "", time.Second)
	assert.Error(t, err)
}

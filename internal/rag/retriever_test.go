package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/kumon/receptionist/internal/models"
)

func TestNullRetriever_AlwaysEmptyNotDegraded(t *testing.T) {
	r := NullRetriever{}
	result := r.Query(context.Background(), "qualquer coisa", models.StageQualification, 3, 200)
	assert.Empty(t, result.Snippets)
	assert.False(t, result.Degraded)
}

func TestHTTPRetriever_Query_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(queryResponse{Snippets: []models.Snippet{
			{Text: "O metodo Kumon desenvolve autonomia.", Score: 0.9},
			{Text: "Aulas presenciais duas vezes por semana.", Score: 0.7},
		}})
	}))
	defer srv.Close()

	r := NewHTTPRetriever(srv.URL, time.Second, zap.NewNop())
	result := r.Query(context.Background(), "como funciona o metodo", models.StageInformation, 2, 1000)
	assert.False(t, result.Degraded)
	assert.Len(t, result.Snippets, 2)
}

func TestHTTPRetriever_Query_DegradesOnTransportError(t *testing.T) {
	r := NewHTTPRetriever("http://127.0.0.1:1", time.Millisecond*50, zap.NewNop())
	result := r.Query(context.Background(), "qualquer coisa", models.StageInformation, 2, 1000)
	assert.True(t, result.Degraded)
	assert.Empty(t, result.Snippets)
}

func TestHTTPRetriever_Query_DegradesOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewHTTPRetriever(srv.URL, time.Second, zap.NewNop())
	result := r.Query(context.Background(), "qualquer coisa", models.StageInformation, 2, 1000)
	assert.True(t, result.Degraded)
}

func TestBoundToTokens_TrimsByCumulativeLength(t *testing.T) {
	snippets := []models.Snippet{
		{Text: "12345"},
		{Text: "67890"},
		{Text: "abcde"},
	}
	out := boundToTokens(snippets, 10)
	assert.Len(t, out, 2)
}

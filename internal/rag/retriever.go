// Package rag implements the RAG retriever (C6): a thin, read-only HTTP
// client over a vector-store query API. It is purely a lookup — indexing,
// embedding choice, and store maintenance are out of scope, per spec. On
// any transport failure it fails soft: an empty snippet set plus
// Degraded: true, so the orchestrator (C8) can fall back to a generic
// template rather than stalling a turn on a downstream outage.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kumon/receptionist/internal/models"
)

// Retriever is the capability interface C8 depends on. Query returns up
// to K ranked snippets whose combined length (in runes, as a cheap proxy
// for tokens) stays within maxTokens.
type Retriever interface {
	Query(ctx context.Context, text string, stage models.Stage, k int, maxTokens int) models.RetrievalResult
}

// NullRetriever is the disabled-feature implementation: every call
// returns an empty, non-degraded result, selected at startup when the
// RAG feature flag is off.
type NullRetriever struct{}

func (NullRetriever) Query(ctx context.Context, text string, stage models.Stage, k int, maxTokens int) models.RetrievalResult {
	return models.RetrievalResult{}
}

// HTTPRetriever is the real implementation: a connection-pooled HTTP
// client against a vector-store query endpoint, following the transport
// setup the teacher's pkg/whatsapp.Client uses for its outbound calls
// (bounded idle connections, a request timeout, context-scoped requests).
type HTTPRetriever struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPRetriever builds a Retriever against baseURL with the given
// request timeout.
func NewHTTPRetriever(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPRetriever {
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
	}

	return &HTTPRetriever{
		baseURL: baseURL,
		client:  &http.Client{Transport: transport, Timeout: timeout},
		logger:  logger,
	}
}

type queryRequest struct {
	Query     string `json:"query"`
	Stage     string `json:"stage,omitempty"`
	K         int    `json:"k"`
	MaxTokens int    `json:"max_tokens"`
}

type queryResponse struct {
	Snippets []models.Snippet `json:"snippets"`
}

// Query issues a single POST /query call. Any transport, status, or
// decode error degrades to an empty result rather than propagating —
// callers must not treat a RAG outage as a turn-level failure.
func (r *HTTPRetriever) Query(ctx context.Context, text string, stage models.Stage, k int, maxTokens int) models.RetrievalResult {
	body, err := json.Marshal(queryRequest{Query: text, Stage: string(stage), K: k, MaxTokens: maxTokens})
	if err != nil {
		r.logger.Warn("rag query marshal failed", zap.Error(err))
		return models.RetrievalResult{Degraded: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		r.logger.Warn("rag query request build failed", zap.Error(err))
		return models.RetrievalResult{Degraded: true}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("rag backend unavailable", zap.Error(err))
		return models.RetrievalResult{Degraded: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.logger.Warn("rag backend returned non-200", zap.Int("status", resp.StatusCode))
		return models.RetrievalResult{Degraded: true}
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		r.logger.Warn("rag response decode failed", zap.Error(err))
		return models.RetrievalResult{Degraded: true}
	}

	return models.RetrievalResult{Snippets: boundToTokens(out.Snippets, maxTokens)}
}

// boundToTokens trims the snippet list so the cumulative rune count stays
// within maxTokens, treating a rune as a cheap token proxy (no tokenizer
// dependency in the pack fits this narrowly enough to justify adding one).
func boundToTokens(snippets []models.Snippet, maxTokens int) []models.Snippet {
	if maxTokens <= 0 {
		return snippets
	}

	out := make([]models.Snippet, 0, len(snippets))
	used := 0
	for _, s := range snippets {
		n := len([]rune(s.Text))
		if used+n > maxTokens {
			break
		}
		out = append(out, s)
		used += n
	}
	return out
}

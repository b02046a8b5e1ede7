package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflowhq/sync-core/internal/classify"
	"github.com/bizflowhq/sync-core/internal/session"
	"github.com/bizflowhq/sync-core/internal/syncer"
	"github.com/bizflowhq/sync-core/shared/logger"
)

func drainEvents() (chan syncer.ProgressEvent, func() []syncer.ProgressEvent) {
	events := make(chan syncer.ProgressEvent, 64)
	return events, func() []syncer.ProgressEvent {
		close(events)
		out := make([]syncer.ProgressEvent, 0, len(events))
		for ev := range events {
			out = append(out, ev)
		}
		return out
	}
}

func TestClient_SyncPaginates(t *testing.T) {
	var tokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/mail/import", r.URL.Path)
		assert.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))

		var req struct {
			UserID    string `json:"user_id"`
			PageSize  int    `json:"page_size"`
			PageToken string `json:"page_token"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		tokens = append(tokens, req.PageToken)

		w.Header().Set("Content-Type", "application/json")
		if req.PageToken == "" {
			w.Write([]byte(`{"items":[{"id":"a"},{"id":"b"}],"total_items":3,"next_page_token":"page2"}`))
			return
		}
		w.Write([]byte(`{"items":[{"id":"c"}],"total_items":3,"next_page_token":""}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, 2, logger.NewDefault().Logger)
	events, collect := drainEvents()

	result, err := c.Sync(context.Background(), "u1", "access-token", session.ServiceMail, events)
	require.NoError(t, err)

	assert.Equal(t, 3, result.ItemsSynced)
	assert.Len(t, result.Items, 3)
	assert.Equal(t, []string{"", "page2"}, tokens)

	got := collect()
	require.Len(t, got, 2)
	assert.InDelta(t, 100.0*2/3, got[0].Percentage, 0.001)
	assert.Equal(t, 100.0, got[1].Percentage)
	assert.Equal(t, 3, got[1].Total)
}

func TestClient_SyncAuthFailureKeepsShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_token"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, 10, logger.NewDefault().Logger)
	events, collect := drainEvents()

	_, err := c.Sync(context.Background(), "u1", "stale", session.ServiceMail, events)
	require.Error(t, err)
	collect()

	var httpErr *classify.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
	assert.Equal(t, "invalid_token", httpErr.Code)
	assert.Equal(t, classify.CategoryAuth, classify.Classify(err).Category)
}

func TestClient_SyncConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, time.Second, 10, logger.NewDefault().Logger)
	events, collect := drainEvents()

	_, err := c.Sync(context.Background(), "u1", "token", session.ServiceMail, events)
	require.Error(t, err)
	collect()

	assert.Equal(t, classify.CategoryNetwork, classify.Classify(err).Category)
}

func TestEmbedClient_Embed(t *testing.T) {
	var got json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req struct {
			Record json.RawMessage `json:"record"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		got = req.Record
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewEmbedClient(srv.URL, 5*time.Second, logger.NewDefault().Logger)

	err := c.Embed(context.Background(), json.RawMessage(`{"item_id":"m-1"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"item_id":"m-1"}`, string(got))
}

func TestEmbedClient_EmbedFailureKeepsShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"quota"}`))
	}))
	defer srv.Close()

	c := NewEmbedClient(srv.URL, 5*time.Second, logger.NewDefault().Logger)

	err := c.Embed(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, classify.CategoryRateLimit, classify.Classify(err).Category)
}

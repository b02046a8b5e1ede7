package token_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflowhq/sync-core/internal/classify"
	"github.com/bizflowhq/sync-core/internal/token"
	"github.com/bizflowhq/sync-core/shared/logger"
)

func newOAuthClient(tokenURL string) *token.OAuthClient {
	return token.NewOAuthClient(map[string]token.ProviderConfig{
		"google": {
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			TokenURL:     tokenURL,
		},
	}, logger.NewDefault().Logger)
}

func TestOAuthClient_RefreshSuccess(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"grant_type":    r.PostFormValue("grant_type"),
			"refresh_token": r.PostFormValue("refresh_token"),
			"client_id":     r.PostFormValue("client_id"),
			"client_secret": r.PostFormValue("client_secret"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer srv.Close()

	c := newOAuthClient(srv.URL)

	before := time.Now()
	resp, err := c.Refresh(context.Background(), "google", "old-refresh")
	require.NoError(t, err)

	assert.Equal(t, "new-access", resp.AccessToken)
	assert.Equal(t, "new-refresh", resp.RefreshToken)
	assert.WithinDuration(t, before.Add(time.Hour), resp.ExpiryDate, 5*time.Second)

	assert.Equal(t, "refresh_token", gotForm["grant_type"])
	assert.Equal(t, "old-refresh", gotForm["refresh_token"])
	assert.Equal(t, "client-id", gotForm["client_id"])
	assert.Equal(t, "client-secret", gotForm["client_secret"])
}

func TestOAuthClient_RefreshInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been revoked"}`))
	}))
	defer srv.Close()

	c := newOAuthClient(srv.URL)

	_, err := c.Refresh(context.Background(), "google", "revoked-refresh")
	require.Error(t, err)

	var httpErr *classify.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Status)
	assert.Equal(t, "invalid_grant", httpErr.Code)
}

func TestOAuthClient_RefreshErrorFieldOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	c := newOAuthClient(srv.URL)

	_, err := c.Refresh(context.Background(), "google", "refresh")
	require.Error(t, err)

	var httpErr *classify.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, "invalid_client", httpErr.Code)
}

func TestOAuthClient_RefreshUnconfiguredProvider(t *testing.T) {
	c := newOAuthClient("http://unused.test")

	_, err := c.Refresh(context.Background(), "salesforce", "refresh")
	assert.ErrorIs(t, err, token.ErrProviderNotConfigured)
}

func TestOAuthClient_RefreshConnectionFailureIsNetworkShaped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	c := newOAuthClient(srv.URL)

	_, err := c.Refresh(context.Background(), "google", "refresh")
	require.Error(t, err)
	assert.Equal(t, classify.CategoryNetwork, classify.Classify(err).Category)
}

package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bizflowhq/sync-core/internal/classify"
)

// ProviderConfig holds the OAuth client credentials for one provider.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// OAuthClient implements RefreshClient against standard OAuth2 token
// endpoints (refresh_token grant).
type OAuthClient struct {
	providers map[string]ProviderConfig
	client    *http.Client
	logger    *slog.Logger
}

// ErrProviderNotConfigured is returned when no OAuth credentials exist
// for the requested provider. Fatal and non-retryable: surfaced to the
// caller immediately.
var ErrProviderNotConfigured = fmt.Errorf("oauth provider not configured")

// NewOAuthClient creates an OAuthClient for the configured providers.
func NewOAuthClient(providers map[string]ProviderConfig, logger *slog.Logger) *OAuthClient {
	return &OAuthClient{
		providers: providers,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}
}

// tokenEndpointResponse mirrors the standard OAuth2 token response.
type tokenEndpointResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *OAuthClient) Refresh(ctx context.Context, provider, refreshToken string) (*TokenResponse, error) {
	cfg, ok := c.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport failures keep their shape so the classifier can
		// recognize them as network errors.
		return nil, fmt.Errorf("token endpoint connection failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	var parsed tokenEndpointResponse
	if err := json.Unmarshal(body, &parsed); err != nil && resp.StatusCode == http.StatusOK {
		return nil, fmt.Errorf("malformed token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || parsed.Error != "" {
		c.logger.Warn("token endpoint rejected refresh",
			slog.String("provider", provider),
			slog.Int("status", resp.StatusCode),
			slog.String("error", parsed.Error),
		)
		return nil, &classify.HTTPError{
			Status:  resp.StatusCode,
			Code:    parsed.Error,
			Message: parsed.ErrorDescription,
		}
	}

	return &TokenResponse{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiryDate:   time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}

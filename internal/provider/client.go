// Package provider implements the HTTP client for the provider sync
// gateway. The gateway hides the mail/calendar wire formats; this
// client only speaks its paged JSON import API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bizflowhq/sync-core/internal/classify"
	"github.com/bizflowhq/sync-core/internal/session"
	"github.com/bizflowhq/sync-core/internal/syncer"
)

// Client fetches raw items from the sync gateway page by page,
// reporting progress after each page.
type Client struct {
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	pageSize int
}

// NewClient creates a gateway client.
func NewClient(baseURL string, timeout time.Duration, pageSize int, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Client{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		pageSize: pageSize,
	}
}

type importRequest struct {
	UserID    string `json:"user_id"`
	PageSize  int    `json:"page_size"`
	PageToken string `json:"page_token,omitempty"`
}

type importResponse struct {
	Items         []json.RawMessage `json:"items"`
	TotalItems    int               `json:"total_items"`
	NextPageToken string            `json:"next_page_token"`
	Error         string            `json:"error"`
}

// Sync implements syncer.ProviderClient.
func (c *Client) Sync(ctx context.Context, userID, accessToken string, svc session.Service, events chan<- syncer.ProgressEvent) (*syncer.SyncResult, error) {
	result := &syncer.SyncResult{}
	pageToken := ""
	total := 0

	for {
		page, err := c.fetchPage(ctx, userID, accessToken, svc, pageToken)
		if err != nil {
			return result, err
		}

		result.Items = append(result.Items, page.Items...)
		result.ItemsSynced = len(result.Items)
		if page.TotalItems > total {
			total = page.TotalItems
		}

		pct := 100.0
		if total > 0 {
			pct = float64(result.ItemsSynced) / float64(total) * 100
			if pct > 100 {
				pct = 100
			}
		}

		select {
		case events <- syncer.ProgressEvent{
			Stage:      "importing",
			Percentage: pct,
			Imported:   result.ItemsSynced,
			Total:      total,
		}:
		case <-ctx.Done():
			return result, ctx.Err()
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	c.logger.Debug("provider import finished",
		slog.String("user_id", userID),
		slog.String("service", string(svc)),
		slog.Int("items", result.ItemsSynced),
	)

	return result, nil
}

func (c *Client) fetchPage(ctx context.Context, userID, accessToken string, svc session.Service, pageToken string) (*importResponse, error) {
	body, err := json.Marshal(importRequest{
		UserID:    userID,
		PageSize:  c.pageSize,
		PageToken: pageToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build import request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/%s/import", c.baseURL, svc)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build import request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider connection failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var parsed importResponse
		_ = json.Unmarshal(data, &parsed)
		return nil, &classify.HTTPError{
			Status:  resp.StatusCode,
			Code:    parsed.Error,
			Message: fmt.Sprintf("provider import returned status %d", resp.StatusCode),
		}
	}

	var parsed importResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("malformed provider response: %w", err)
	}

	return &parsed, nil
}

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
)

// EmbedClient forwards normalized records to the gateway's embedding
// endpoint. It implements syncer.Embedder.
type EmbedClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewEmbedClient creates an embedding client.
func NewEmbedClient(baseURL string, timeout time.Duration, logger *slog.Logger) *EmbedClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EmbedClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type embedRequest struct {
	Record json.RawMessage `json:"record"`
}

type embedResponse struct {
	Error string `json:"error"`
}

// Embed submits one normalized record for embedding.
func (c *EmbedClient) Embed(ctx context.Context, record json.RawMessage) error {
	body, err := json.Marshal(embedRequest{Record: record})
	if err != nil {
		return fmt.Errorf("failed to build embed request: %w", err)
	}

	url := c.baseURL + "/v1/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding connection failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read embedding response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var parsed embedResponse
		_ = json.Unmarshal(data, &parsed)
		return &classify.HTTPError{
			Status:  resp.StatusCode,
			Code:    parsed.Error,
			Message: fmt.Sprintf("embedding request returned status %d", resp.StatusCode),
		}
	}

	c.logger.Debug("record embedded")
	return nil
}

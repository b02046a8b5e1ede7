package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bizflowhq/sync-core/internal/classify"
	"github.com/bizflowhq/sync-core/internal/jobs"
	"github.com/bizflowhq/sync-core/internal/session"
)

// normalizePayload ties one raw imported item to its session.
type normalizePayload struct {
	SessionID string          `json:"session_id"`
	Service   session.Service `json:"service"`
	Item      json.RawMessage `json:"item"`
}

// embedPayload carries a normalized record to the embed handler.
type embedPayload struct {
	SessionID string          `json:"session_id"`
	Record    json.RawMessage `json:"record"`
}

// providerSyncPayload drives a re-import executed as a queued job
// (mail_sync / calendar_sync kinds).
type providerSyncPayload struct {
	SessionID string          `json:"session_id"`
	Service   session.Service `json:"service"`
}

// normalizedRecord is the canonical shape produced from a raw provider
// item. Downstream consumers only ever see this form.
type normalizedRecord struct {
	ItemID       string          `json:"item_id"`
	Service      session.Service `json:"service"`
	Title        string          `json:"title"`
	Participants []string        `json:"participants,omitempty"`
	OccurredAt   *time.Time      `json:"occurred_at,omitempty"`
	NormalizedAt time.Time       `json:"normalized_at"`
}

// rawItem is the minimal structure expected of any provider item.
type rawItem struct {
	ID           string   `json:"id"`
	Subject      string   `json:"subject"`
	Title        string   `json:"title"`
	Participants []string `json:"participants"`
	Timestamp    string   `json:"timestamp"`
}

// handleNormalize turns one raw item into a normalized record and
// bumps the session's processed counter. Malformed items fail with a
// validation shape so the runner never retries them.
func (s *Service) handleNormalize(ctx context.Context, job jobs.Job) (json.RawMessage, error) {
	var payload normalizePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, &classify.HTTPError{Status: 400, Message: fmt.Sprintf("malformed normalize payload: %v", err)}
	}

	record, err := normalizeItem(payload.Service, payload.Item)
	if err != nil {
		return nil, err
	}

	result, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal normalized record: %w", err)
	}

	if payload.SessionID != "" {
		if err := s.tracker.AddCounts(ctx, payload.SessionID, 1, 0, nil); err != nil {
			// Counter loss is visible but not worth failing the item over.
			s.logger.Warn("failed to bump processed counter",
				slog.String("session_id", payload.SessionID),
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.embedder != nil {
		embedRaw, err := json.Marshal(embedPayload{SessionID: payload.SessionID, Record: result})
		if err != nil {
			return nil, fmt.Errorf("failed to build embed payload: %w", err)
		}
		if _, err := s.jobs.Enqueue(ctx, job.UserID, jobs.KindEmbed, embedRaw, job.BatchID); err != nil {
			s.logger.Warn("failed to enqueue embed job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return result, nil
}

// handleEmbed forwards a normalized record to the embedding
// collaborator. Without one configured the job is a no-op.
func (s *Service) handleEmbed(ctx context.Context, job jobs.Job) (json.RawMessage, error) {
	if s.embedder == nil {
		return nil, nil
	}

	var payload embedPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, &classify.HTTPError{Status: 400, Message: fmt.Sprintf("malformed embed payload: %v", err)}
	}

	if err := s.embedder.Embed(ctx, payload.Record); err != nil {
		return nil, err
	}

	return json.RawMessage(`{"embedded":true}`), nil
}

// handleProviderSync re-runs an import as a queued job and enqueues
// the resulting normalization work under the job's own batch.
func (s *Service) handleProviderSync(ctx context.Context, job jobs.Job) (json.RawMessage, error) {
	var payload providerSyncPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, &classify.HTTPError{Status: 400, Message: fmt.Sprintf("malformed provider sync payload: %v", err)}
	}

	svc := payload.Service
	if svc == "" {
		if job.Kind == jobs.KindCalendarSync {
			svc = session.ServiceCalendar
		} else {
			svc = session.ServiceMail
		}
	}

	result, err := s.importPhase(ctx, payload.SessionID, job.UserID, svc)
	if err != nil {
		return nil, err
	}

	batchID, ids, err := s.enqueueNormalization(ctx, payload.SessionID, job.UserID, svc, result.Items)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(map[string]any{
		"items_synced": result.ItemsSynced,
		"batch_id":     batchID,
		"enqueued":     len(ids),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync result: %w", err)
	}
	return out, nil
}

// normalizeItem validates and canonicalizes one raw provider item.
func normalizeItem(svc session.Service, item json.RawMessage) (*normalizedRecord, error) {
	var raw rawItem
	if err := json.Unmarshal(item, &raw); err != nil {
		return nil, &classify.HTTPError{Status: 422, Message: fmt.Sprintf("malformed provider item: %v", err)}
	}
	if raw.ID == "" {
		return nil, &classify.HTTPError{Status: 422, Message: "provider item has no id"}
	}

	title := strings.TrimSpace(raw.Title)
	if title == "" {
		title = strings.TrimSpace(raw.Subject)
	}

	record := &normalizedRecord{
		ItemID:       raw.ID,
		Service:      svc,
		Title:        title,
		NormalizedAt: time.Now().UTC(),
	}

	for _, p := range raw.Participants {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			record.Participants = append(record.Participants, p)
		}
	}

	if raw.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, raw.Timestamp)
		if err != nil {
			return nil, &classify.HTTPError{Status: 422, Message: fmt.Sprintf("invalid item timestamp: %v", err)}
		}
		utc := ts.UTC()
		record.OccurredAt = &utc
	}

	return record, nil
}

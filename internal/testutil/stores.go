// Package testutil provides in-memory store and collaborator fakes for
// tests. The fakes mirror the concurrency semantics of the PostgreSQL
// stores: atomic claims and CAS-guarded terminal transitions.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bizflowhq/sync-core/internal/jobs"
	"github.com/bizflowhq/sync-core/internal/session"
	"github.com/bizflowhq/sync-core/internal/token"
)

// MemJobStore is an in-memory jobs.Store.
type MemJobStore struct {
	mu   sync.Mutex
	rows map[string]*jobs.Job
	seq  int
}

// NewMemJobStore creates an empty MemJobStore.
func NewMemJobStore() *MemJobStore {
	return &MemJobStore{rows: make(map[string]*jobs.Job)}
}

func (m *MemJobStore) Enqueue(_ context.Context, userID string, kind jobs.Kind, payload json.RawMessage, batchID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(userID, kind, payload, batchID), nil
}

func (m *MemJobStore) EnqueueBatch(_ context.Context, userID string, kind jobs.Kind, payloads []json.RawMessage) (string, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batchID := uuid.New().String()
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		ids = append(ids, m.insertLocked(userID, kind, p, batchID))
	}
	return batchID, ids, nil
}

func (m *MemJobStore) insertLocked(userID string, kind jobs.Kind, payload json.RawMessage, batchID string) string {
	m.seq++
	id := uuid.New().String()
	// Distinct creation times keep oldest-first ordering deterministic.
	created := time.Now().Add(time.Duration(m.seq) * time.Microsecond)
	m.rows[id] = &jobs.Job{
		ID:        id,
		UserID:    userID,
		Kind:      kind,
		Payload:   payload,
		Status:    jobs.StatusQueued,
		BatchID:   batchID,
		CreatedAt: created,
		UpdatedAt: created,
	}
	return id
}

func (m *MemJobStore) ClaimPending(_ context.Context, userID string, max int) ([]jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	eligible := make([]*jobs.Job, 0)
	for _, j := range m.rows {
		if j.UserID == userID && j.Status == jobs.StatusQueued {
			eligible = append(eligible, j)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if len(eligible) > max {
		eligible = eligible[:max]
	}

	claimed := make([]jobs.Job, 0, len(eligible))
	for _, j := range eligible {
		j.Status = jobs.StatusProcessing
		j.Attempts++
		j.UpdatedAt = time.Now()
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

func (m *MemJobStore) MarkDone(_ context.Context, jobID string, result json.RawMessage) error {
	return m.transition(jobID, jobs.StatusProcessing, jobs.StatusDone, result)
}

func (m *MemJobStore) Requeue(_ context.Context, jobID string) error {
	return m.transition(jobID, jobs.StatusProcessing, jobs.StatusQueued, nil)
}

func (m *MemJobStore) MarkError(_ context.Context, jobID string, detail json.RawMessage) error {
	return m.transition(jobID, jobs.StatusProcessing, jobs.StatusError, detail)
}

func (m *MemJobStore) transition(jobID string, from, to jobs.Status, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.rows[jobID]
	if !ok {
		return jobs.ErrJobNotFound
	}
	if j.Status != from {
		return fmt.Errorf("job %s to %s: %w", jobID, to, jobs.ErrInvalidTransition)
	}
	j.Status = to
	if result != nil {
		j.Result = result
	}
	j.UpdatedAt = time.Now()
	return nil
}

func (m *MemJobStore) BatchStatus(_ context.Context, batchID string) (map[jobs.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[jobs.Status]int)
	for _, j := range m.rows {
		if j.BatchID == batchID {
			counts[j.Status]++
		}
	}
	return counts, nil
}

func (m *MemJobStore) List(_ context.Context, filter jobs.ListFilter) ([]jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]jobs.Job, 0)
	for _, j := range m.rows {
		if filter.UserID != "" && j.UserID != filter.UserID {
			continue
		}
		if filter.Kind != "" && string(j.Kind) != filter.Kind {
			continue
		}
		if filter.Status != "" && string(j.Status) != filter.Status {
			continue
		}
		if filter.BatchID != "" && j.BatchID != filter.BatchID {
			continue
		}
		matched = append(matched, *j)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if filter.Cursor != nil {
		pos := 0
		for pos < len(matched) {
			j := matched[pos]
			if j.CreatedAt.Before(filter.Cursor.CreatedAt) ||
				(j.CreatedAt.Equal(filter.Cursor.CreatedAt) && j.ID < filter.Cursor.JobID) {
				break
			}
			pos++
		}
		matched = matched[pos:]
	}

	if filter.PageSize > 0 && len(matched) > filter.PageSize+1 {
		matched = matched[:filter.PageSize+1]
	}
	return matched, nil
}

// Job returns a copy of the stored job, for assertions.
func (m *MemJobStore) Job(id string) (jobs.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return jobs.Job{}, false
	}
	return *j, true
}

// CountByStatus returns how many stored jobs have the given status.
func (m *MemJobStore) CountByStatus(status jobs.Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.rows {
		if j.Status == status {
			n++
		}
	}
	return n
}

// MemSessionStore is an in-memory session.Store with the same CAS
// semantics as the PostgreSQL implementation.
type MemSessionStore struct {
	mu   sync.Mutex
	rows map[string]*session.Session
	now  func() time.Time
}

// NewMemSessionStore creates an empty MemSessionStore.
func NewMemSessionStore() *MemSessionStore {
	return &MemSessionStore{rows: make(map[string]*session.Session), now: time.Now}
}

// SetClock overrides the store's clock for completed_at stamps.
func (m *MemSessionStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemSessionStore) Create(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.rows[s.ID] = &cp
	return nil
}

func (m *MemSessionStore) Get(_ context.Context, id, userID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || s.UserID != userID {
		return nil, session.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemSessionStore) Apply(_ context.Context, id string, p session.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.rows[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	if session.Terminal(s.Status) {
		return session.ErrSessionTerminal
	}

	if p.Status != nil {
		s.Status = *p.Status
		if session.Terminal(*p.Status) && !s.CompletedAt.Valid {
			s.CompletedAt.Time = m.now()
			s.CompletedAt.Valid = true
		}
	}
	if p.ProgressPercentage != nil {
		s.ProgressPercentage = *p.ProgressPercentage
	}
	if p.CurrentStep != nil {
		s.CurrentStep = *p.CurrentStep
	}
	if p.TotalItems != nil {
		s.TotalItems = *p.TotalItems
	}
	if p.ImportedItems != nil {
		s.ImportedItems = *p.ImportedItems
	}
	if p.ProcessedItems != nil {
		s.ProcessedItems = *p.ProcessedItems
	}
	if p.FailedItems != nil {
		s.FailedItems = *p.FailedItems
	}
	if p.ErrorDetails != nil {
		raw, err := json.Marshal(p.ErrorDetails)
		if err != nil {
			return err
		}
		s.ErrorDetailsRaw = raw
	}
	return nil
}

func (m *MemSessionStore) AddCounts(_ context.Context, id string, processedDelta, failedDelta int, percentage *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.rows[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	if session.Terminal(s.Status) {
		return session.ErrSessionTerminal
	}

	s.ProcessedItems += processedDelta
	s.FailedItems += failedDelta
	if percentage != nil {
		s.ProgressPercentage = *percentage
	}
	return nil
}

func (m *MemSessionStore) Cancel(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.rows[id]
	if !ok || s.UserID != userID {
		return session.ErrSessionNotFound
	}
	if session.Terminal(s.Status) {
		return session.ErrSessionTerminal
	}

	s.Status = session.StatusCancelled
	s.CompletedAt.Time = m.now()
	s.CompletedAt.Valid = true
	return nil
}

func (m *MemSessionStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.rows {
		if s.StartedAt.Before(cutoff) {
			delete(m.rows, id)
			removed++
		}
	}
	return removed, nil
}

// CancelAll force-cancels every non-terminal session for the user,
// simulating a concurrent cancel request.
func (m *MemSessionStore) CancelAll(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.UserID == userID && !session.Terminal(s.Status) {
			s.Status = session.StatusCancelled
			s.CompletedAt.Time = m.now()
			s.CompletedAt.Valid = true
		}
	}
}

// Session returns a copy of the stored session, for assertions.
func (m *MemSessionStore) Session(id string) (session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return session.Session{}, false
	}
	return *s, true
}

// MemIntegrationStore is an in-memory token.Store.
type MemIntegrationStore struct {
	mu   sync.Mutex
	rows map[string]*token.Integration
}

// NewMemIntegrationStore creates an empty MemIntegrationStore.
func NewMemIntegrationStore() *MemIntegrationStore {
	return &MemIntegrationStore{rows: make(map[string]*token.Integration)}
}

func integrationKey(userID, provider, service string) string {
	return userID + "|" + provider + "|" + service
}

// Put stores an integration record.
func (m *MemIntegrationStore) Put(i token.Integration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[integrationKey(i.UserID, i.Provider, i.Service)] = &i
}

func (m *MemIntegrationStore) Get(_ context.Context, userID, provider, service string) (*token.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.rows[integrationKey(userID, provider, service)]
	if !ok {
		return nil, token.ErrIntegrationNotFound
	}
	cp := *i
	return &cp, nil
}

func (m *MemIntegrationStore) UpdateTokens(_ context.Context, userID, provider, service, accessToken, refreshToken string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.rows[integrationKey(userID, provider, service)]
	if !ok {
		return token.ErrIntegrationNotFound
	}
	i.AccessToken = accessToken
	i.RefreshToken = refreshToken
	i.ExpiryDate = expiry
	return nil
}

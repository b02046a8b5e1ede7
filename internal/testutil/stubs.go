package testutil

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bizflowhq/sync-core/internal/session"
	"github.com/bizflowhq/sync-core/internal/syncer"
	"github.com/bizflowhq/sync-core/internal/token"
)

// PlainCipher is a reversible stand-in for the AES cipher: it prefixes
// plaintext instead of encrypting it, so tests can assert on values.
type PlainCipher struct{}

func (PlainCipher) Encrypt(plaintext string) (string, error) {
	return "enc:" + plaintext, nil
}

func (PlainCipher) Decrypt(ciphertext string) (string, error) {
	return strings.TrimPrefix(ciphertext, "enc:"), nil
}

// StubRefreshClient returns canned refresh responses, or errors from
// the Errors queue first.
type StubRefreshClient struct {
	mu       sync.Mutex
	Response *token.TokenResponse
	Errors   []error
	Calls    int
}

func (s *StubRefreshClient) Refresh(_ context.Context, _, _ string) (*token.TokenResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if len(s.Errors) > 0 {
		err := s.Errors[0]
		s.Errors = s.Errors[1:]
		if err != nil {
			return nil, err
		}
	}
	resp := *s.Response
	return &resp, nil
}

// StubProvider returns canned items, failing with the queued errors
// first. Each call emits one progress event covering the whole import.
type StubProvider struct {
	mu     sync.Mutex
	Items  []json.RawMessage
	Errors []error
	Calls  int
}

func (s *StubProvider) Sync(ctx context.Context, _, _ string, _ session.Service, events chan<- syncer.ProgressEvent) (*syncer.SyncResult, error) {
	s.mu.Lock()
	s.Calls++
	var err error
	if len(s.Errors) > 0 {
		err = s.Errors[0]
		s.Errors = s.Errors[1:]
	}
	items := s.Items
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	select {
	case events <- syncer.ProgressEvent{
		Stage:      "importing",
		Percentage: 100,
		Imported:   len(items),
		Total:      len(items),
	}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &syncer.SyncResult{ItemsSynced: len(items), Items: items}, nil
}

// RecordingEmbedder remembers every record it was asked to embed.
type RecordingEmbedder struct {
	mu      sync.Mutex
	Records []json.RawMessage
	Err     error
}

func (r *RecordingEmbedder) Embed(_ context.Context, item json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Records = append(r.Records, item)
	return nil
}

// Count returns how many records were embedded.
func (r *RecordingEmbedder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Records)
}

// FixedClock returns a func that always reports the given time.
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// RawItems builds n provider items with sequential ids, for sync tests.
func RawItems(n int) []json.RawMessage {
	items := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, json.RawMessage(
			`{"id":"item-`+strconv.Itoa(i)+`","subject":"Subject `+strconv.Itoa(i)+`"}`,
		))
	}
	return items
}

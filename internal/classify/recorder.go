package classify

import (
	"sync"
	"time"
)

// Recorder keeps a bounded in-memory window of recent classified
// failures for urgency analysis. Process-local, like the cache: under a
// multi-instance deployment each instance only sees its own failures.
type Recorder struct {
	mu       sync.Mutex
	failures []Failure
	max      int
}

// NewRecorder creates a Recorder holding at most max failures. Older
// entries are discarded first.
func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = 500
	}
	return &Recorder{max: max}
}

// Record classifies err and appends it to the window.
func (r *Recorder) Record(err error, at time.Time) {
	if err == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures = append(r.failures, Failure{
		Classification: Classify(err),
		Message:        err.Error(),
		OccurredAt:     at,
	})
	if len(r.failures) > r.max {
		r.failures = r.failures[len(r.failures)-r.max:]
	}
}

// Recent returns failures that occurred within window of now.
func (r *Recorder) Recent(now time.Time, window time.Duration) []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Failure, 0, len(r.failures))
	for _, f := range r.failures {
		if now.Sub(f.OccurredAt) <= window {
			out = append(out, f)
		}
	}
	return out
}

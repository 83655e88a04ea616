// Package retry tracks per-item download attempts for the sync engine.
//
// The ledger is in-memory only: a process restart wipes it, which is
// acceptable because the manifest is re-fetched from the persisted watermark
// and completed items are skipped by the download-side idempotence check.
package retry

import "sync"

// Ledger counts failed attempts per item id and remembers which ids have
// been permanently abandoned. All methods are safe for concurrent use; a
// failure recorded concurrently with a retry decision for the same id is
// serialized by the internal mutex so an id can never be enqueued twice at
// once.
type Ledger struct {
	maxAttempts int

	mu        sync.Mutex
	attempts  map[string]int
	abandoned map[string]bool
}

// NewLedger creates a ledger that allows maxAttempts failures per item
// before abandonment.
func NewLedger(maxAttempts int) *Ledger {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Ledger{
		maxAttempts: maxAttempts,
		attempts:    make(map[string]int),
		abandoned:   make(map[string]bool),
	}
}

// RecordFailure increments the attempt count for id, creating the entry at
// 1 if absent, and returns the new count.
func (l *Ledger) RecordFailure(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[id]++
	return l.attempts[id]
}

// ShouldRetry reports whether another attempt for id is allowed: the id is
// not abandoned and its recorded attempts are below the budget.
func (l *Ledger) ShouldRetry(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.abandoned[id] {
		return false
	}
	return l.attempts[id] < l.maxAttempts
}

// Clear removes the attempt entry for id. Called on success.
func (l *Ledger) Clear(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, id)
}

// Abandon marks id as permanently dropped and clears its attempt entry.
// Abandoned ids are filtered out of every future enqueue.
func (l *Ledger) Abandon(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, id)
	l.abandoned[id] = true
}

// Abandoned reports whether id has exhausted its retry budget.
func (l *Ledger) Abandoned(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.abandoned[id]
}

// Attempts returns the recorded attempt count for id (0 if absent).
func (l *Ledger) Attempts(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[id]
}

// Len returns the number of ids with a live attempt entry.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}

// Package outbox implements the durable outbound delivery queue. Records are
// journaled before any delivery attempt, so a crash replays as at-least-once
// delivery; dedupe keys collapse duplicate enqueues.
package outbox

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/getmu/control-plane/internal/envelope"
	"github.com/getmu/control-plane/internal/journal"
	"github.com/getmu/control-plane/internal/pkg/ulid"
)

// State is an outbox record's delivery state.
type State string

// Outbox record states.
const (
	StatePending    State = "pending"
	StateDelivered  State = "delivered"
	StateRetried    State = "retried"
	StateDeadLetter State = "dead_letter"
)

// DedupeKind reports whether an enqueue created a record or found one.
type DedupeKind string

// Enqueue outcomes.
const (
	DedupeNew      DedupeKind = "new"
	DedupeExisting DedupeKind = "existing"
)

// Record is one outbound message and its delivery bookkeeping.
type Record struct {
	OutboxID        string            `json:"outbox_id"`
	DedupeKey       string            `json:"dedupe_key"`
	Envelope        envelope.Outbound `json:"envelope"`
	State           State             `json:"state"`
	Attempt         int               `json:"attempt"`
	NextAttemptAtMs int64             `json:"next_attempt_at_ms"`
	LastError       string            `json:"last_error,omitempty"`
	CreatedAtMs     int64             `json:"created_at_ms"`
	UpdatedAtMs     int64             `json:"updated_at_ms"`
}

// Terminal reports whether the record will see no further delivery attempts.
func (r Record) Terminal() bool {
	return r.State == StateDelivered || r.State == StateDeadLetter
}

// Outbox owns outbox.jsonl and the in-memory record index. Every state change
// appends the full record; replay keeps the last line per outbox id.
type Outbox struct {
	journal *journal.Journal

	mu       sync.Mutex
	byID     map[string]*Record
	byDedupe map[string]string // dedupe key -> outbox id

	now func() time.Time
}

// Load replays outbox.jsonl at path.
func Load(path string) (*Outbox, error) {
	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}

	ob := &Outbox{
		journal:  j,
		byID:     make(map[string]*Record),
		byDedupe: make(map[string]string),
		now:      time.Now,
	}

	err = journal.Stream(path, func(line int, raw json.RawMessage) error {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("outbox journal line %d: %w", line, err)
		}
		if rec.OutboxID == "" || rec.DedupeKey == "" {
			return fmt.Errorf("outbox journal line %d: missing outbox_id or dedupe_key", line)
		}
		r := rec
		ob.byID[rec.OutboxID] = &r
		ob.byDedupe[rec.DedupeKey] = rec.OutboxID
		return nil
	})
	if err != nil {
		j.Close()
		return nil, err
	}
	return ob, nil
}

// Close releases the journal handle.
func (ob *Outbox) Close() error {
	return ob.journal.Close()
}

// Enqueue adds a pending record for env, keyed by dedupeKey. A repeated
// dedupe key returns the existing record unchanged with DedupeExisting and
// writes nothing.
func (ob *Outbox) Enqueue(dedupeKey string, env envelope.Outbound) (Record, DedupeKind, error) {
	if dedupeKey == "" {
		return Record{}, "", fmt.Errorf("empty dedupe key")
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if id, ok := ob.byDedupe[dedupeKey]; ok {
		return *ob.byID[id], DedupeExisting, nil
	}

	now := ob.now().UnixMilli()
	rec := Record{
		OutboxID:        ulid.NewOutboxID(),
		DedupeKey:       dedupeKey,
		Envelope:        env,
		State:           StatePending,
		NextAttemptAtMs: now,
		CreatedAtMs:     now,
		UpdatedAtMs:     now,
	}
	if err := ob.journal.Append(rec); err != nil {
		return Record{}, "", err
	}
	stored := rec
	ob.byID[rec.OutboxID] = &stored
	ob.byDedupe[dedupeKey] = rec.OutboxID
	return rec, DedupeNew, nil
}

// NextRunnable pops the oldest pending or retried record due at nowMs. The
// record is returned by value; the caller reports the outcome through
// MarkDelivered or MarkFailed.
func (ob *Outbox) NextRunnable(nowMs int64) (Record, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	var best *Record
	for _, rec := range ob.byID {
		if rec.State != StatePending && rec.State != StateRetried {
			continue
		}
		if rec.NextAttemptAtMs > nowMs {
			continue
		}
		if best == nil ||
			rec.CreatedAtMs < best.CreatedAtMs ||
			(rec.CreatedAtMs == best.CreatedAtMs && rec.OutboxID < best.OutboxID) {
			best = rec
		}
	}
	if best == nil {
		return Record{}, false
	}
	return *best, true
}

// MarkDelivered transitions a record to delivered after the callback
// confirmed success.
func (ob *Outbox) MarkDelivered(outboxID string) (Record, error) {
	return ob.transition(outboxID, func(rec *Record) {
		rec.State = StateDelivered
		rec.LastError = ""
	})
}

// MarkFailed records a failed attempt. Retryable failures back off until
// maxAttempts; the rest dead-letter immediately.
func (ob *Outbox) MarkFailed(outboxID string, cause error, retryable bool, maxAttempts int, backoff func(attempt int) time.Duration) (Record, error) {
	return ob.transition(outboxID, func(rec *Record) {
		rec.Attempt++
		rec.LastError = cause.Error()
		if !retryable || rec.Attempt >= maxAttempts {
			rec.State = StateDeadLetter
			return
		}
		rec.State = StateRetried
		rec.NextAttemptAtMs = ob.now().Add(backoff(rec.Attempt)).UnixMilli()
	})
}

func (ob *Outbox) transition(outboxID string, mutate func(*Record)) (Record, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	rec, ok := ob.byID[outboxID]
	if !ok {
		return Record{}, fmt.Errorf("outbox record %s not found", outboxID)
	}
	if rec.Terminal() {
		return Record{}, fmt.Errorf("outbox record %s already %s", outboxID, rec.State)
	}

	next := *rec
	mutate(&next)
	next.UpdatedAtMs = ob.now().UnixMilli()

	if err := ob.journal.Append(next); err != nil {
		return Record{}, err
	}
	stored := next
	ob.byID[outboxID] = &stored
	return next, nil
}

// Get returns a record by id.
func (ob *Outbox) Get(outboxID string) (Record, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	rec, ok := ob.byID[outboxID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// QueueDepth returns the number of records awaiting delivery.
func (ob *Outbox) QueueDepth() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	n := 0
	for _, rec := range ob.byID {
		if rec.State == StatePending || rec.State == StateRetried {
			n++
		}
	}
	return n
}

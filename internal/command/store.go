package command

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/getmu/control-plane/internal/journal"
)

// lifecycleKind tags every line in commands.jsonl.
const lifecycleKind = "command.lifecycle"

// lifecycleEntry is one journal line: the full record as of a transition.
type lifecycleEntry struct {
	Kind      string `json:"kind"`
	TsMs      int64  `json:"ts_ms"`
	EventType string `json:"event_type"`
	Command   Record `json:"command"`
}

// Store owns the command journal and the in-memory record index. Every state
// change appends the full record, so replaying the journal (last entry per
// command wins) rebuilds the index.
type Store struct {
	journal *journal.Journal

	mu      sync.Mutex
	records map[string]*Record

	locks *keyedMutex
	now   func() time.Time
}

// LoadStore replays commands.jsonl at path.
func LoadStore(path string) (*Store, error) {
	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		journal: j,
		records: make(map[string]*Record),
		locks:   newKeyedMutex(),
		now:     time.Now,
	}

	err = journal.Stream(path, func(line int, raw json.RawMessage) error {
		var entry lifecycleEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("commands journal line %d: %w", line, err)
		}
		if entry.Kind != lifecycleKind {
			return fmt.Errorf("commands journal line %d: unknown kind %q", line, entry.Kind)
		}
		if entry.Command.CommandID == "" {
			return fmt.Errorf("commands journal line %d: missing command_id", line)
		}
		rec := entry.Command.clone()
		s.records[rec.CommandID] = &rec
		return nil
	})
	if err != nil {
		j.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the journal handle.
func (s *Store) Close() error {
	return s.journal.Close()
}

// LockCommand serializes FSM work for one command id; the returned func
// releases the lock.
func (s *Store) LockCommand(commandID string) func() {
	return s.locks.Lock(commandID)
}

// Create journals and indexes a new record in the accepted state.
func (s *Store) Create(rec Record) (Record, error) {
	if rec.CommandID == "" {
		return Record{}, fmt.Errorf("record missing command_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.CommandID]; exists {
		return Record{}, fmt.Errorf("command %s already exists", rec.CommandID)
	}

	now := s.now().UnixMilli()
	rec.State = StateAccepted
	rec.CreatedAtMs = now
	rec.UpdatedAtMs = now

	if err := s.append(rec, now); err != nil {
		return Record{}, err
	}
	stored := rec.clone()
	s.records[rec.CommandID] = &stored
	return rec, nil
}

// Get returns the current record by id.
func (s *Store) Get(commandID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[commandID]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Transition moves a record to a new state, applying mutate to the copy
// before it is journaled. Disallowed edges return *InvalidTransitionError and
// leave the record untouched in memory and on disk. The attempt counter
// increments on every queued → in_progress edge.
func (s *Store) Transition(commandID string, to State, mutate func(*Record)) (Record, error) {
	if !to.Valid() {
		return Record{}, fmt.Errorf("unknown state %q", to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[commandID]
	if !ok {
		return Record{}, fmt.Errorf("command %s not found", commandID)
	}
	if !CanTransition(cur.State, to) {
		return Record{}, &InvalidTransitionError{CommandID: commandID, From: cur.State, To: to}
	}

	next := cur.clone()
	from := next.State
	next.State = to
	if from == StateQueued && to == StateInProgress {
		next.Attempt++
	}
	if mutate != nil {
		mutate(&next)
		if next.State != to || next.CommandID != commandID {
			return Record{}, fmt.Errorf("command %s: mutate must not change identity or state", commandID)
		}
	}
	now := s.now().UnixMilli()
	next.UpdatedAtMs = now

	if err := s.append(next, now); err != nil {
		return Record{}, err
	}
	stored := next.clone()
	s.records[commandID] = &stored
	return next, nil
}

// append writes the lifecycle entry. Callers hold s.mu, which also serializes
// line order with the journal's own append mutex beneath it.
func (s *Store) append(rec Record, tsMs int64) error {
	return s.journal.Append(lifecycleEntry{
		Kind:      lifecycleKind,
		TsMs:      tsMs,
		EventType: rec.State.EventType(),
		Command:   rec,
	})
}

// PendingConfirmations returns awaiting_confirmation records whose window
// ended at or before nowMs, oldest first.
func (s *Store) PendingConfirmations(nowMs int64) []Record {
	return s.selectRecords(func(r *Record) bool {
		return r.State == StateAwaitingConfirmation &&
			r.ConfirmationExpiresAtMs > 0 && r.ConfirmationExpiresAtMs <= nowMs
	})
}

// DueDeferred returns deferred records whose retry time has arrived, oldest
// first.
func (s *Store) DueDeferred(nowMs int64) []Record {
	return s.selectRecords(func(r *Record) bool {
		return r.State == StateDeferred && r.RetryAtMs > 0 && r.RetryAtMs <= nowMs
	})
}

// ActiveCount returns the number of non-terminal records.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.records {
		if !rec.State.Terminal() {
			n++
		}
	}
	return n
}

func (s *Store) selectRecords(match func(*Record) bool) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, rec := range s.records {
		if match(rec) {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].CommandID < out[j].CommandID
	})
	return out
}

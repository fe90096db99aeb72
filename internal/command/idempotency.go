package command

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/getmu/control-plane/internal/journal"
)

// IdempotencyEntry maps a delivery's idempotency key to the command it
// reserved. Fingerprint equality distinguishes a replay from a conflict.
type IdempotencyEntry struct {
	Key         string `json:"key"`
	Fingerprint string `json:"fingerprint"`
	CommandID   string `json:"command_id"`
	CreatedAtMs int64  `json:"created_at_ms"`
	State       string `json:"state"`
}

// IdempotencyIndex owns idempotency.jsonl. State updates append a fresh line;
// replay keeps the last line per key.
type IdempotencyIndex struct {
	journal    *journal.Journal
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*IdempotencyEntry

	now func() time.Time
}

// LoadIdempotency replays idempotency.jsonl at path.
func LoadIdempotency(path string, ttl time.Duration, maxEntries int) (*IdempotencyIndex, error) {
	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}

	ix := &IdempotencyIndex{
		journal:    j,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*IdempotencyEntry),
		now:        time.Now,
	}

	err = journal.Stream(path, func(line int, raw json.RawMessage) error {
		var entry IdempotencyEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("idempotency journal line %d: %w", line, err)
		}
		if entry.Key == "" {
			return fmt.Errorf("idempotency journal line %d: missing key", line)
		}
		e := entry
		ix.entries[entry.Key] = &e
		return nil
	})
	if err != nil {
		j.Close()
		return nil, err
	}
	return ix, nil
}

// Close releases the journal handle.
func (ix *IdempotencyIndex) Close() error {
	return ix.journal.Close()
}

// Probe returns the entry for key, if any.
func (ix *IdempotencyIndex) Probe(key string) (IdempotencyEntry, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[key]
	if !ok {
		return IdempotencyEntry{}, false
	}
	return *e, true
}

// PutIfAbsent reserves key for commandID. When the key is already present the
// existing entry is returned with existing=true and nothing is written; the
// caller decides between replay and conflict by comparing fingerprints.
func (ix *IdempotencyIndex) PutIfAbsent(key, fingerprint, commandID string) (IdempotencyEntry, bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if e, ok := ix.entries[key]; ok {
		return *e, true, nil
	}

	entry := IdempotencyEntry{
		Key:         key,
		Fingerprint: fingerprint,
		CommandID:   commandID,
		CreatedAtMs: ix.now().UnixMilli(),
		State:       string(StateAccepted),
	}
	if err := ix.journal.Append(entry); err != nil {
		return IdempotencyEntry{}, false, err
	}
	e := entry
	ix.entries[key] = &e
	return entry, false, nil
}

// UpdateState records the command's latest state on the entry. Used when a
// command reaches a terminal state so replayed deliveries can re-emit it.
func (ix *IdempotencyIndex) UpdateState(key, state string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[key]
	if !ok {
		return fmt.Errorf("idempotency key %s not found", key)
	}
	updated := *e
	updated.State = state
	if err := ix.journal.Append(updated); err != nil {
		return err
	}
	ix.entries[key] = &updated
	return nil
}

// Len returns the number of live entries.
func (ix *IdempotencyIndex) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}

// Compact drops entries older than the TTL and enforces the entry cap,
// rewriting the journal atomically. Entries whose command is still
// non-terminal are never dropped; isTerminal decides that from the command
// store. Returns the number of dropped entries.
func (ix *IdempotencyIndex) Compact(nowMs int64, isTerminal func(commandID string) bool) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cutoff := nowMs - ix.ttl.Milliseconds()
	droppable := func(e *IdempotencyEntry) bool {
		return isTerminal == nil || isTerminal(e.CommandID)
	}

	keep := make([]*IdempotencyEntry, 0, len(ix.entries))
	dropped := 0
	for _, e := range ix.entries {
		if e.CreatedAtMs <= cutoff && droppable(e) {
			dropped++
			continue
		}
		keep = append(keep, e)
	}

	sort.Slice(keep, func(i, j int) bool {
		if keep[i].CreatedAtMs != keep[j].CreatedAtMs {
			return keep[i].CreatedAtMs < keep[j].CreatedAtMs
		}
		return keep[i].Key < keep[j].Key
	})

	// Oldest terminal entries go first when over the cap.
	if ix.maxEntries > 0 && len(keep) > ix.maxEntries {
		over := len(keep) - ix.maxEntries
		filtered := keep[:0]
		for _, e := range keep {
			if over > 0 && droppable(e) {
				over--
				dropped++
				continue
			}
			filtered = append(filtered, e)
		}
		keep = filtered
	}

	if dropped == 0 {
		return 0, nil
	}

	rows := make([]any, len(keep))
	entries := make(map[string]*IdempotencyEntry, len(keep))
	for i, e := range keep {
		rows[i] = *e
		entries[e.Key] = e
	}
	if err := ix.journal.Rewrite(rows); err != nil {
		return 0, err
	}
	ix.entries = entries
	return dropped, nil
}

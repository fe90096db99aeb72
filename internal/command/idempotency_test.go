package command

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, ttl time.Duration, maxEntries int) (*IdempotencyIndex, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idempotency.jsonl")
	ix, err := LoadIdempotency(path, ttl, maxEntries)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix, path
}

func TestPutIfAbsent(t *testing.T) {
	ix, _ := newTestIndex(t, time.Hour, 0)

	entry, existing, err := ix.PutIfAbsent("slack-idem-1", "slack-fp-a", "cmd-1")
	require.NoError(t, err)
	assert.False(t, existing)
	assert.Equal(t, "cmd-1", entry.CommandID)
	assert.Equal(t, string(StateAccepted), entry.State)
	assert.NotZero(t, entry.CreatedAtMs)

	// Second reservation returns the original untouched.
	dup, existing, err := ix.PutIfAbsent("slack-idem-1", "slack-fp-DIFFERENT", "cmd-2")
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, "cmd-1", dup.CommandID)
	assert.Equal(t, "slack-fp-a", dup.Fingerprint)
	assert.Equal(t, 1, ix.Len())
}

func TestUpdateStateSurvivesReplay(t *testing.T) {
	ix, path := newTestIndex(t, time.Hour, 0)

	_, _, err := ix.PutIfAbsent("slack-idem-1", "fp", "cmd-1")
	require.NoError(t, err)
	require.NoError(t, ix.UpdateState("slack-idem-1", string(StateCompleted)))
	require.NoError(t, ix.Close())

	reloaded, err := LoadIdempotency(path, time.Hour, 0)
	require.NoError(t, err)
	defer reloaded.Close()

	entry, ok := reloaded.Probe("slack-idem-1")
	require.True(t, ok)
	assert.Equal(t, string(StateCompleted), entry.State)
	assert.Equal(t, 1, reloaded.Len())
}

func TestUpdateStateUnknownKey(t *testing.T) {
	ix, _ := newTestIndex(t, time.Hour, 0)
	require.Error(t, ix.UpdateState("ghost", "completed"))
}

func TestCompactByTTL(t *testing.T) {
	ix, path := newTestIndex(t, time.Hour, 0)

	old := time.Now().Add(-2 * time.Hour)
	ix.now = func() time.Time { return old }
	_, _, err := ix.PutIfAbsent("k-old", "fp", "cmd-old")
	require.NoError(t, err)
	_, _, err = ix.PutIfAbsent("k-old-live", "fp", "cmd-live")
	require.NoError(t, err)

	ix.now = time.Now
	_, _, err = ix.PutIfAbsent("k-new", "fp", "cmd-new")
	require.NoError(t, err)

	dropped, err := ix.Compact(time.Now().UnixMilli(), func(commandID string) bool {
		return commandID != "cmd-live" // cmd-live is still running
	})
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	_, ok := ix.Probe("k-old")
	assert.False(t, ok)
	_, ok = ix.Probe("k-old-live")
	assert.True(t, ok, "entries with non-terminal commands survive the TTL")
	_, ok = ix.Probe("k-new")
	assert.True(t, ok)

	// The rewrite is the new journal truth.
	reloaded, err := LoadIdempotency(path, time.Hour, 0)
	require.NoError(t, err)
	defer reloaded.Close()
	assert.Equal(t, 2, reloaded.Len())
}

func TestCompactEnforcesCap(t *testing.T) {
	ix, _ := newTestIndex(t, time.Hour, 3)

	base := time.Now()
	for i := 0; i < 5; i++ {
		ix.now = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		_, _, err := ix.PutIfAbsent(fmt.Sprintf("k-%d", i), "fp", fmt.Sprintf("cmd-%d", i))
		require.NoError(t, err)
	}

	dropped, err := ix.Compact(base.UnixMilli(), func(string) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 3, ix.Len())

	// The oldest entries were evicted.
	_, ok := ix.Probe("k-0")
	assert.False(t, ok)
	_, ok = ix.Probe("k-4")
	assert.True(t, ok)
}

func TestCompactNoopWhenNothingToDrop(t *testing.T) {
	ix, _ := newTestIndex(t, time.Hour, 0)
	_, _, err := ix.PutIfAbsent("k", "fp", "cmd")
	require.NoError(t, err)

	dropped, err := ix.Compact(time.Now().UnixMilli(), func(string) bool { return true })
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Equal(t, 1, ix.Len())
}

package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cperrors "github.com/getmu/control-plane/internal/pkg/errors"
)

func newTestPaths(t *testing.T) Paths {
	t.Helper()
	p, err := New(t.TempDir())
	require.NoError(t, err)
	return p
}

func TestPathsLayout(t *testing.T) {
	p := newTestPaths(t)

	cp := p.ControlPlaneDir()
	assert.Equal(t, filepath.Join(p.RepoRoot, ".mu", "control-plane"), cp)
	assert.Equal(t, filepath.Join(cp, "commands.jsonl"), p.CommandsJournal())
	assert.Equal(t, filepath.Join(cp, "idempotency.jsonl"), p.IdempotencyJournal())
	assert.Equal(t, filepath.Join(cp, "identities.jsonl"), p.IdentitiesJournal())
	assert.Equal(t, filepath.Join(cp, "outbox.jsonl"), p.OutboxJournal())
	assert.Equal(t, filepath.Join(cp, "adapter_audit.jsonl"), p.AdapterAuditJournal())
	assert.Equal(t, filepath.Join(cp, "policy.json"), p.PolicyFile())
	assert.Equal(t, filepath.Join(cp, "server.json"), p.ServerInfoFile())
	assert.Equal(t, filepath.Join(cp, "writer.lock"), p.WriterLockFile())
	assert.Equal(t, filepath.Join(p.RepoRoot, ".mu", "issues.jsonl"), p.IssuesFile())
}

func TestAcquireWriterLock(t *testing.T) {
	p := newTestPaths(t)

	lock, err := AcquireWriterLock(p, "server-1")
	require.NoError(t, err)
	defer lock.Release()

	meta := lock.Metadata()
	assert.Equal(t, "server-1", meta.OwnerID)
	assert.Equal(t, os.Getpid(), meta.PID)
	assert.Equal(t, p.RepoRoot, meta.RepoRoot)
	assert.NotZero(t, meta.AcquiredAtMs)

	// Lock file should exist with JSON metadata.
	data, err := os.ReadFile(p.WriterLockFile())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"owner_id":"server-1"`)
}

func TestAcquireWriterLockBusy(t *testing.T) {
	p := newTestPaths(t)

	first, err := AcquireWriterLock(p, "first")
	require.NoError(t, err)
	defer first.Release()

	_, err = AcquireWriterLock(p, "second")
	require.Error(t, err)
	require.ErrorIs(t, err, cperrors.ErrWriterLockBusy)

	re := cperrors.AsReasonError(err)
	existing, ok := re.Details.(LockMetadata)
	require.True(t, ok, "busy error should carry existing owner metadata")
	assert.Equal(t, "first", existing.OwnerID)
	assert.Equal(t, os.Getpid(), existing.PID)
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := newTestPaths(t)

	lock, err := AcquireWriterLock(p, "owner")
	require.NoError(t, err)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())

	_, err = os.Stat(p.WriterLockFile())
	assert.True(t, os.IsNotExist(err))

	// A new acquisition succeeds after release.
	again, err := AcquireWriterLock(p, "owner")
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquireAfterCorruptLockStillBusy(t *testing.T) {
	p := newTestPaths(t)
	require.NoError(t, p.EnsureDirs())
	require.NoError(t, os.WriteFile(p.WriterLockFile(), []byte("not json"), 0o644))

	_, err := AcquireWriterLock(p, "owner")
	require.ErrorIs(t, err, cperrors.ErrWriterLockBusy)
}

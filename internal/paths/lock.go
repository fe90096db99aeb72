package paths

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	cperrors "github.com/getmu/control-plane/internal/pkg/errors"
)

// LockMetadata identifies the process holding the writer lock.
type LockMetadata struct {
	OwnerID      string `json:"owner_id"`
	PID          int    `json:"pid"`
	Hostname     string `json:"hostname"`
	RepoRoot     string `json:"repo_root"`
	AcquiredAtMs int64  `json:"acquired_at_ms"`
}

// WriterLock is an exclusive per-repo lock backed by an O_EXCL-created file.
// The handle is retained for the process lifetime; Release is idempotent.
type WriterLock struct {
	path string
	meta LockMetadata

	mu       sync.Mutex
	file     *os.File
	released bool
}

// AcquireWriterLock creates writer.lock exclusively and writes owner metadata.
// If another process holds the lock, it fails with writer_lock_busy carrying
// the existing owner's metadata.
func AcquireWriterLock(p Paths, ownerID string) (*WriterLock, error) {
	if err := p.EnsureDirs(); err != nil {
		return nil, err
	}

	path := p.WriterLockFile()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, cperrors.ErrWriterLockBusy.WithDetails(readLockMetadata(path))
		}
		return nil, fmt.Errorf("failed to create writer lock: %w", err)
	}

	hostname, _ := os.Hostname()
	meta := LockMetadata{
		OwnerID:      ownerID,
		PID:          os.Getpid(),
		Hostname:     hostname,
		RepoRoot:     p.RepoRoot,
		AcquiredAtMs: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(meta)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to encode lock metadata: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock metadata: %w", err)
	}

	return &WriterLock{path: path, meta: meta, file: f}, nil
}

// Metadata returns the owner metadata written at acquisition.
func (l *WriterLock) Metadata() LockMetadata {
	return l.meta
}

// Release closes the handle and removes the lock file. Calling Release more
// than once is a no-op.
func (l *WriterLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove writer lock: %w", err)
	}
	return nil
}

// readLockMetadata best-effort parses an existing lock file. A corrupt or
// unreadable file still counts as busy; the metadata is just empty.
func readLockMetadata(path string) LockMetadata {
	var meta LockMetadata
	data, err := os.ReadFile(path)
	if err != nil {
		return meta
	}
	_ = json.Unmarshal(data, &meta)
	return meta
}

// Package journal implements the append-only JSONL stores backing the
// control plane. Appends are serialized per journal and written in a single
// write call so concurrent lines never interleave on disk.
package journal

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Journal is an append-only JSONL file. The handle is opened once and reused
// for the process lifetime.
type Journal struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// Open creates the containing directory if needed and opens the journal for
// appending.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	return &Journal{path: path, file: f}, nil
}

// Path returns the journal's file path.
func (j *Journal) Path() string {
	return j.path
}

// Append marshals row and writes it as one line. The marshal happens outside
// the critical section; the write is a single call under the journal mutex.
func (j *Journal) Append(row any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode journal row: %w", err)
	}
	line := append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("journal %s is closed", j.path)
	}
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("failed to append to %s: %w", j.path, err)
	}
	return nil
}

// Rewrite atomically replaces the journal contents with rows. The new
// contents are written to a same-directory temp file and renamed into place,
// then the append handle is reopened.
func (j *Journal) Rewrite(rows []any) error {
	var buf bytes.Buffer
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to encode journal row: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := writeAtomicLocked(j.path, buf.Bytes()); err != nil {
		return err
	}

	// The rename unlinked the inode behind the old handle.
	if j.file != nil {
		j.file.Close()
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		j.file = nil
		return fmt.Errorf("failed to reopen journal %s: %w", j.path, err)
	}
	j.file = f
	return nil
}

// Size returns the current size of the journal in bytes.
func (j *Journal) Size() (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	info, err := os.Stat(j.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close releases the append handle. Further appends fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// WriteAtomic writes data to path via a same-directory temp file and rename.
// Used for snapshot files (policy.json, server.json, issues.jsonl).
func WriteAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create dir for %s: %w", path, err)
	}
	return writeAtomicLocked(path, data)
}

func writeAtomicLocked(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%d.%s", path, os.Getpid(), nonce())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func nonce() string {
	var b [4]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

package journal

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// RotateGzip archives the journal to <name>.<unix_ms>.jsonl.gz and truncates
// it when the current size exceeds maxBytes. Returns the archive path, or ""
// when no rotation happened. Appends queued behind the rotation land in the
// truncated file.
func (j *Journal) RotateGzip(maxBytes int64) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	info, err := os.Stat(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to stat journal %s: %w", j.path, err)
	}
	if info.Size() <= maxBytes {
		return "", nil
	}

	data, err := os.ReadFile(j.path)
	if err != nil {
		return "", fmt.Errorf("failed to read journal %s: %w", j.path, err)
	}

	archive := fmt.Sprintf("%s.%d.jsonl.gz", strings.TrimSuffix(j.path, ".jsonl"), time.Now().UnixMilli())
	tmp := archive + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to compress journal: %w", err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmp, archive); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to publish archive: %w", err)
	}

	// O_APPEND writes land at the new EOF after truncation.
	if err := os.Truncate(j.path, 0); err != nil {
		return "", fmt.Errorf("failed to truncate journal after rotation: %w", err)
	}
	return archive, nil
}

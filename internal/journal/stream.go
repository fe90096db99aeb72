package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// maxLineBytes bounds a single journal line; envelopes carry bounded metadata
// so anything above this is corruption.
const maxLineBytes = 4 << 20

// ParseError reports a malformed journal line.
type ParseError struct {
	Path string
	Line int
	Raw  string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: malformed journal line: %v", e.Path, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Stream reads a JSONL file line by line, invoking fn with the 1-based line
// number and the raw JSON. Empty lines are skipped; malformed lines yield a
// *ParseError. A missing file streams zero rows.
func Stream(path string, fn func(line int, raw json.RawMessage) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if !json.Valid(raw) {
			return &ParseError{
				Path: path,
				Line: line,
				Raw:  string(raw),
				Err:  fmt.Errorf("invalid JSON"),
			}
		}
		// Copy: scanner reuses its buffer across Scan calls.
		row := make(json.RawMessage, len(raw))
		copy(row, raw)
		if err := fn(line, row); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read journal %s: %w", path, err)
	}
	return nil
}

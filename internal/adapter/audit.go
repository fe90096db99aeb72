package adapter

import (
	"log/slog"
	"time"

	"github.com/getmu/control-plane/internal/envelope"
	"github.com/getmu/control-plane/internal/journal"
)

// Audit entry kinds.
const (
	AuditVerificationFailed = "verification_failed"
	AuditPayloadRejected    = "payload_rejected"
	AuditIgnoredEvent       = "ignored_event"
	AuditIngestPanic        = "ingest_panic"
)

// AuditEntry is one line of adapter_audit.jsonl.
type AuditEntry struct {
	TsMs       int64             `json:"ts_ms"`
	Channel    envelope.Channel  `json:"channel"`
	Kind       string            `json:"kind"`
	Reason     string            `json:"reason"`
	Route      string            `json:"route,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// Audit owns the adapter audit journal. Writes are best-effort: an audit
// failure is logged but never fails the request.
type Audit struct {
	journal  *journal.Journal
	maxBytes int64
	logger   *slog.Logger

	now func() time.Time
}

// OpenAudit opens adapter_audit.jsonl at path. maxBytes bounds the journal
// before gzip rotation; zero disables rotation.
func OpenAudit(path string, maxBytes int64, logger *slog.Logger) (*Audit, error) {
	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	return &Audit{journal: j, maxBytes: maxBytes, logger: logger, now: time.Now}, nil
}

// Close releases the journal handle.
func (a *Audit) Close() error {
	return a.journal.Close()
}

// Record appends one entry, stamping ts_ms when unset.
func (a *Audit) Record(entry AuditEntry) {
	if entry.TsMs == 0 {
		entry.TsMs = a.now().UnixMilli()
	}
	if err := a.journal.Append(entry); err != nil {
		a.logger.Error("adapter audit append failed",
			slog.String("channel", string(entry.Channel)),
			slog.String("error", err.Error()))
	}
}

// Rotate archives the journal when it has outgrown its bound. Called from
// the maintenance ticker.
func (a *Audit) Rotate() {
	if a.maxBytes <= 0 {
		return
	}
	archive, err := a.journal.RotateGzip(a.maxBytes)
	if err != nil {
		a.logger.Warn("adapter audit rotation failed", slog.String("error", err.Error()))
		return
	}
	if archive != "" {
		a.logger.Info("adapter audit rotated", slog.String("archive", archive))
	}
}

// Package paths resolves the repo-scoped control-plane file layout and owns
// the writer lock that guarantees a single mutating process per repo.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths derives every control-plane file location from a repo root.
// All journals live under <repo>/.mu/control-plane/.
type Paths struct {
	RepoRoot string
}

// New resolves repoRoot to an absolute path.
func New(repoRoot string) (Paths, error) {
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return Paths{}, fmt.Errorf("failed to resolve repo root %q: %w", repoRoot, err)
	}
	return Paths{RepoRoot: abs}, nil
}

// MuDir returns <repo>/.mu.
func (p Paths) MuDir() string {
	return filepath.Join(p.RepoRoot, ".mu")
}

// ControlPlaneDir returns <repo>/.mu/control-plane.
func (p Paths) ControlPlaneDir() string {
	return filepath.Join(p.MuDir(), "control-plane")
}

// CommandsJournal returns the command lifecycle journal path.
func (p Paths) CommandsJournal() string {
	return filepath.Join(p.ControlPlaneDir(), "commands.jsonl")
}

// IdempotencyJournal returns the idempotency entry journal path.
func (p Paths) IdempotencyJournal() string {
	return filepath.Join(p.ControlPlaneDir(), "idempotency.jsonl")
}

// IdentitiesJournal returns the identity binding journal path.
func (p Paths) IdentitiesJournal() string {
	return filepath.Join(p.ControlPlaneDir(), "identities.jsonl")
}

// OutboxJournal returns the outbox record journal path.
func (p Paths) OutboxJournal() string {
	return filepath.Join(p.ControlPlaneDir(), "outbox.jsonl")
}

// AdapterAuditJournal returns the adapter ingress audit journal path.
func (p Paths) AdapterAuditJournal() string {
	return filepath.Join(p.ControlPlaneDir(), "adapter_audit.jsonl")
}

// PolicyFile returns the command policy file path.
func (p Paths) PolicyFile() string {
	return filepath.Join(p.ControlPlaneDir(), "policy.json")
}

// ServerInfoFile returns the server discovery file path.
func (p Paths) ServerInfoFile() string {
	return filepath.Join(p.ControlPlaneDir(), "server.json")
}

// WriterLockFile returns the exclusive writer lock path.
func (p Paths) WriterLockFile() string {
	return filepath.Join(p.ControlPlaneDir(), "writer.lock")
}

// IssuesFile returns the issue graph snapshot path.
func (p Paths) IssuesFile() string {
	return filepath.Join(p.MuDir(), "issues.jsonl")
}

// EnsureDirs creates the .mu directory tree if missing.
func (p Paths) EnsureDirs() error {
	if err := os.MkdirAll(p.ControlPlaneDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create control-plane dir: %w", err)
	}
	return nil
}

// Package policy maps commands to required scopes and confirmation gating.
// Defaults are compiled in; <repo>/.mu/control-plane/policy.json overrides
// them. The pipeline reads immutable snapshots swapped atomically on reload.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync/atomic"
)

// Scope names used by the default policy.
const (
	ScopeIssuesRead     = "issues.read"
	ScopeIssuesWrite    = "issues.write"
	ScopeOperatorRun    = "operator.run"
	ScopeIdentityManage = "identity.manage"
	ScopeAdmin          = "admin"
)

// Policy is the on-disk shape of policy.json.
type Policy struct {
	Version              int               `json:"version"`
	CommandScopes        map[string]string `json:"command_scopes"`
	ConfirmationRequired []string          `json:"confirmation_required"`
	IdentityExempt       []string          `json:"identity_exempt"`
	AdminScope           string            `json:"admin_scope"`
}

// Default returns the compiled-in policy.
func Default() Policy {
	return Policy{
		Version: 1,
		CommandScopes: map[string]string{
			"status":   "",
			"help":     "",
			"link":     "",
			"confirm":  "",
			"cancel":   "",
			"unlink":   "",
			"ready":    ScopeIssuesRead,
			"get":      ScopeIssuesRead,
			"list":     ScopeIssuesRead,
			"validate": ScopeIssuesRead,
			"create":   ScopeIssuesWrite,
			"update":   ScopeIssuesWrite,
			"claim":    ScopeIssuesWrite,
			"close":    ScopeIssuesWrite,
			"dep":      ScopeIssuesWrite,
			"undep":    ScopeIssuesWrite,
			"run":      ScopeOperatorRun,
			"revoke":   ScopeAdmin,
			"reload":   ScopeAdmin,
		},
		ConfirmationRequired: []string{"close", "run", "reload", "revoke"},
		IdentityExempt:       []string{"status", "help", "link"},
		AdminScope:           ScopeAdmin,
	}
}

// Snapshot is an immutable view of the effective policy.
type Snapshot struct {
	version              int
	commandScopes        map[string]string
	confirmationRequired map[string]struct{}
	identityExempt       map[string]struct{}
	adminScope           string
}

func newSnapshot(p Policy) *Snapshot {
	s := &Snapshot{
		version:              p.Version,
		commandScopes:        make(map[string]string, len(p.CommandScopes)),
		confirmationRequired: make(map[string]struct{}, len(p.ConfirmationRequired)),
		identityExempt:       make(map[string]struct{}, len(p.IdentityExempt)),
		adminScope:           p.AdminScope,
	}
	for cmd, scope := range p.CommandScopes {
		s.commandScopes[cmd] = scope
	}
	for _, cmd := range p.ConfirmationRequired {
		s.confirmationRequired[cmd] = struct{}{}
	}
	for _, cmd := range p.IdentityExempt {
		s.identityExempt[cmd] = struct{}{}
	}
	return s
}

// Version returns the policy version.
func (s *Snapshot) Version() int {
	return s.version
}

// KnownCommand reports whether the command exists in the scope map.
func (s *Snapshot) KnownCommand(command string) bool {
	_, ok := s.commandScopes[command]
	return ok
}

// RequiredScope returns the scope a binding must carry for the command.
// An empty scope means none is required.
func (s *Snapshot) RequiredScope(command string) string {
	return s.commandScopes[command]
}

// IdentityExempt reports whether the command runs without a linked identity.
func (s *Snapshot) IdentityExempt(command string) bool {
	_, ok := s.identityExempt[command]
	return ok
}

// RequiresConfirmation reports whether the command is confirmation-gated.
func (s *Snapshot) RequiresConfirmation(command string) bool {
	_, ok := s.confirmationRequired[command]
	return ok
}

// Allows reports whether the given scopes satisfy the command's requirement.
// The admin scope satisfies every requirement.
func (s *Snapshot) Allows(scopes []string, command string) bool {
	required := s.commandScopes[command]
	if required == "" {
		return true
	}
	return slices.Contains(scopes, required) || slices.Contains(scopes, s.adminScope)
}

// Manager loads policy.json and publishes snapshots.
type Manager struct {
	path    string
	current atomic.Pointer[Snapshot]
}

// NewManager loads the policy at path, falling back to defaults when the file
// is absent.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load re-reads policy.json and swaps in a new snapshot. File entries merge
// over the defaults key by key; list fields replace the defaults wholesale.
func (m *Manager) Load() error {
	p := Default()

	data, err := os.ReadFile(m.path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return fmt.Errorf("failed to read policy file: %w", err)
	default:
		var override Policy
		if err := json.Unmarshal(data, &override); err != nil {
			return fmt.Errorf("failed to parse policy file: %w", err)
		}
		if override.Version != 0 {
			p.Version = override.Version
		}
		for cmd, scope := range override.CommandScopes {
			p.CommandScopes[cmd] = scope
		}
		if override.ConfirmationRequired != nil {
			p.ConfirmationRequired = override.ConfirmationRequired
		}
		if override.IdentityExempt != nil {
			p.IdentityExempt = override.IdentityExempt
		}
		if override.AdminScope != "" {
			p.AdminScope = override.AdminScope
		}
	}

	m.current.Store(newSnapshot(p))
	return nil
}

// Snapshot returns the current policy view. The returned value is immutable.
func (m *Manager) Snapshot() *Snapshot {
	return m.current.Load()
}

// Package identity persists channel-principal bindings in an append-only
// journal and serves the in-memory index the command pipeline resolves
// against.
package identity

import (
	"slices"

	"github.com/getmu/control-plane/internal/envelope"
)

// Status is the lifecycle state of a binding. It only moves forward:
// active bindings become unlinked or revoked and never return.
type Status string

// Binding statuses.
const (
	StatusActive   Status = "active"
	StatusUnlinked Status = "unlinked"
	StatusRevoked  Status = "revoked"
)

// Binding links a control-plane operator to one channel principal.
type Binding struct {
	BindingID       string                 `json:"binding_id"`
	OperatorID      string                 `json:"operator_id,omitempty"`
	Channel         envelope.Channel       `json:"channel"`
	ChannelTenantID string                 `json:"channel_tenant_id"`
	ChannelActorID  string                 `json:"channel_actor_id"`
	AssuranceTier   envelope.AssuranceTier `json:"assurance_tier"`
	Scopes          []string               `json:"scopes"`
	Status          Status                 `json:"status"`
	LinkedAtMs      int64                  `json:"linked_at_ms"`
	UpdatedAtMs     int64                  `json:"updated_at_ms,omitempty"`
	UnlinkedAtMs    int64                  `json:"unlinked_at_ms,omitempty"`
	RevokedAtMs     int64                  `json:"revoked_at_ms,omitempty"`
	RevokedBy       string                 `json:"revoked_by,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
}

// Active reports whether the binding may authorize commands.
func (b Binding) Active() bool {
	return b.Status == StatusActive
}

// HasScope reports whether the binding carries the given scope.
func (b Binding) HasScope(scope string) bool {
	return slices.Contains(b.Scopes, scope)
}

// clone returns a deep copy so callers never alias store-owned state.
func (b Binding) clone() Binding {
	c := b
	c.Scopes = slices.Clone(b.Scopes)
	return c
}

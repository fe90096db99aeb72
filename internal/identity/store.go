package identity

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/getmu/control-plane/internal/envelope"
	"github.com/getmu/control-plane/internal/journal"
	cperrors "github.com/getmu/control-plane/internal/pkg/errors"
	"github.com/getmu/control-plane/internal/pkg/ulid"
)

// Journal entry kinds. Anything else fails replay.
const (
	entryLink   = "link"
	entryUnlink = "unlink"
	entryRevoke = "revoke"
)

// storeEntry is one journal line. Link entries carry the full binding;
// unlink and revoke reference an existing binding id.
type storeEntry struct {
	Kind           string   `json:"kind"`
	TsMs           int64    `json:"ts_ms"`
	Binding        *Binding `json:"binding,omitempty"`
	BindingID      string   `json:"binding_id,omitempty"`
	ActorBindingID string   `json:"actor_binding_id,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}

type principalKey struct {
	channel envelope.Channel
	tenant  string
	actor   string
}

// Store owns the identities journal and the binding index rebuilt from it.
type Store struct {
	journal *journal.Journal

	mu                sync.Mutex
	byBindingID       map[string]*Binding
	activeByPrincipal map[principalKey]string

	now func() time.Time
}

// Load replays the identities journal at path and returns a ready store.
// Replay is strict: unknown entry kinds, references to unknown bindings, and
// tier or uniqueness violations all fail the load.
func Load(path string) (*Store, error) {
	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		journal:           j,
		byBindingID:       make(map[string]*Binding),
		activeByPrincipal: make(map[principalKey]string),
		now:               time.Now,
	}

	err = journal.Stream(path, func(line int, raw json.RawMessage) error {
		var entry storeEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("identities journal line %d: %w", line, err)
		}
		if err := s.replay(entry); err != nil {
			return fmt.Errorf("identities journal line %d: %w", line, err)
		}
		return nil
	})
	if err != nil {
		j.Close()
		return nil, err
	}
	return s, nil
}

// replay applies one journal entry to the index. Called without the lock
// during Load; the store is not yet shared.
func (s *Store) replay(entry storeEntry) error {
	switch entry.Kind {
	case entryLink:
		if entry.Binding == nil {
			return fmt.Errorf("link entry missing binding")
		}
		b := entry.Binding.clone()
		if want := envelope.TierForChannel(b.Channel); b.AssuranceTier != want {
			return fmt.Errorf("binding %s: tier %s does not match channel %s", b.BindingID, b.AssuranceTier, b.Channel)
		}
		if _, exists := s.byBindingID[b.BindingID]; exists {
			return fmt.Errorf("duplicate binding id %s", b.BindingID)
		}
		key := principalKey{b.Channel, b.ChannelTenantID, b.ChannelActorID}
		if other, linked := s.activeByPrincipal[key]; linked {
			return fmt.Errorf("principal already actively linked by %s", other)
		}
		b.Status = StatusActive
		s.byBindingID[b.BindingID] = &b
		s.activeByPrincipal[key] = b.BindingID

	case entryUnlink, entryRevoke:
		b, ok := s.byBindingID[entry.BindingID]
		if !ok {
			return fmt.Errorf("%s entry references unknown binding %s", entry.Kind, entry.BindingID)
		}
		if b.Status != StatusActive {
			return fmt.Errorf("%s entry on inactive binding %s", entry.Kind, entry.BindingID)
		}
		s.deactivate(b, entry)

	default:
		return fmt.Errorf("unknown entry kind %q", entry.Kind)
	}
	return nil
}

func (s *Store) deactivate(b *Binding, entry storeEntry) {
	b.UpdatedAtMs = entry.TsMs
	b.Reason = entry.Reason
	if entry.Kind == entryUnlink {
		b.Status = StatusUnlinked
		b.UnlinkedAtMs = entry.TsMs
	} else {
		b.Status = StatusRevoked
		b.RevokedAtMs = entry.TsMs
		b.RevokedBy = entry.ActorBindingID
	}
	delete(s.activeByPrincipal, principalKey{b.Channel, b.ChannelTenantID, b.ChannelActorID})
}

// Close releases the journal handle.
func (s *Store) Close() error {
	return s.journal.Close()
}

// LinkParams describes a new binding. BindingID is generated when empty.
type LinkParams struct {
	BindingID       string
	OperatorID      string
	Channel         envelope.Channel
	ChannelTenantID string
	ChannelActorID  string
	Scopes          []string
}

// Link creates an active binding for a channel principal.
func (s *Store) Link(params LinkParams) (Binding, error) {
	if !params.Channel.Valid() {
		return Binding{}, cperrors.NewValidationError("channel", fmt.Sprintf("unknown channel %q", params.Channel))
	}
	if params.ChannelTenantID == "" || params.ChannelActorID == "" {
		return Binding{}, cperrors.NewValidationError("channel_actor_id", "tenant and actor are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bindingID := params.BindingID
	if bindingID == "" {
		bindingID = ulid.NewBindingID()
	}
	if _, exists := s.byBindingID[bindingID]; exists {
		return Binding{}, cperrors.ErrBindingExists.WithMessagef("binding %s already exists", bindingID)
	}
	key := principalKey{params.Channel, params.ChannelTenantID, params.ChannelActorID}
	if existingID, linked := s.activeByPrincipal[key]; linked {
		existing := s.byBindingID[existingID].clone()
		return Binding{}, cperrors.ErrPrincipalAlreadyLinked.WithDetails(existing)
	}

	now := s.now().UnixMilli()
	b := Binding{
		BindingID:       bindingID,
		OperatorID:      params.OperatorID,
		Channel:         params.Channel,
		ChannelTenantID: params.ChannelTenantID,
		ChannelActorID:  params.ChannelActorID,
		AssuranceTier:   envelope.TierForChannel(params.Channel),
		Scopes:          append([]string(nil), params.Scopes...),
		Status:          StatusActive,
		LinkedAtMs:      now,
		UpdatedAtMs:     now,
	}

	entry := storeEntry{Kind: entryLink, TsMs: now, Binding: &b}
	if err := s.journal.Append(entry); err != nil {
		return Binding{}, err
	}

	stored := b.clone()
	s.byBindingID[bindingID] = &stored
	s.activeByPrincipal[key] = bindingID
	return b, nil
}

// UnlinkSelf deactivates a binding at the request of the binding itself.
func (s *Store) UnlinkSelf(bindingID, actorBindingID, reason string) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byBindingID[bindingID]
	if !ok {
		return Binding{}, cperrors.ErrNotFound.WithMessagef("binding %s not found", bindingID)
	}
	if actorBindingID != bindingID {
		return Binding{}, cperrors.ErrInvalidActor.WithMessage("only the binding itself may unlink")
	}
	if b.Status != StatusActive {
		return Binding{}, cperrors.ErrAlreadyInactive
	}

	entry := storeEntry{
		Kind:           entryUnlink,
		TsMs:           s.now().UnixMilli(),
		BindingID:      bindingID,
		ActorBindingID: actorBindingID,
		Reason:         reason,
	}
	if err := s.journal.Append(entry); err != nil {
		return Binding{}, err
	}
	s.deactivate(b, entry)
	return b.clone(), nil
}

// Revoke deactivates a binding on behalf of an admin actor.
func (s *Store) Revoke(bindingID, actorBindingID, reason string) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byBindingID[bindingID]
	if !ok {
		return Binding{}, cperrors.ErrNotFound.WithMessagef("binding %s not found", bindingID)
	}
	if b.Status != StatusActive {
		return Binding{}, cperrors.ErrAlreadyInactive
	}

	entry := storeEntry{
		Kind:           entryRevoke,
		TsMs:           s.now().UnixMilli(),
		BindingID:      bindingID,
		ActorBindingID: actorBindingID,
		Reason:         reason,
	}
	if err := s.journal.Append(entry); err != nil {
		return Binding{}, err
	}
	s.deactivate(b, entry)
	return b.clone(), nil
}

// ResolveActive looks up the active binding for a channel principal.
func (s *Store) ResolveActive(channel envelope.Channel, tenantID, actorID string) (Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.activeByPrincipal[principalKey{channel, tenantID, actorID}]
	if !ok {
		return Binding{}, false
	}
	return s.byBindingID[id].clone(), true
}

// Get returns a binding by id.
func (s *Store) Get(bindingID string) (Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byBindingID[bindingID]
	if !ok {
		return Binding{}, false
	}
	return b.clone(), true
}

// ListBindings returns bindings ordered by (linked_at_ms, binding_id).
// Inactive bindings are included only when requested.
func (s *Store) ListBindings(includeInactive bool) []Binding {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Binding, 0, len(s.byBindingID))
	for _, b := range s.byBindingID {
		if !includeInactive && b.Status != StatusActive {
			continue
		}
		out = append(out, b.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LinkedAtMs != out[j].LinkedAtMs {
			return out[i].LinkedAtMs < out[j].LinkedAtMs
		}
		return out[i].BindingID < out[j].BindingID
	})
	return out
}

// ActiveBindings returns every active binding, ordered like ListBindings.
func (s *Store) ActiveBindings() []Binding {
	return s.ListBindings(false)
}

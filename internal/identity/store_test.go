package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmu/control-plane/internal/envelope"
	cperrors "github.com/getmu/control-plane/internal/pkg/errors"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identities.jsonl")
	s, err := Load(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func slackLink(id, tenant, actor string) LinkParams {
	return LinkParams{
		BindingID:       id,
		OperatorID:      "op-1",
		Channel:         envelope.ChannelSlack,
		ChannelTenantID: tenant,
		ChannelActorID:  actor,
		Scopes:          []string{"issues.read", "issues.write"},
	}
}

func TestLinkAssignsTierFromChannel(t *testing.T) {
	s, _ := newTestStore(t)

	b, err := s.Link(slackLink("b1", "T", "U"))
	require.NoError(t, err)
	assert.Equal(t, envelope.TierA, b.AssuranceTier)
	assert.Equal(t, StatusActive, b.Status)
	assert.NotZero(t, b.LinkedAtMs)

	tg, err := s.Link(LinkParams{
		Channel:         envelope.ChannelTelegram,
		ChannelTenantID: "tg",
		ChannelActorID:  "999",
	})
	require.NoError(t, err)
	assert.Equal(t, envelope.TierB, tg.AssuranceTier)
	assert.NotEmpty(t, tg.BindingID, "binding id should be generated when omitted")
}

func TestLinkRejectsSecondActiveBindingForPrincipal(t *testing.T) {
	s, _ := newTestStore(t)

	first, err := s.Link(slackLink("b1", "T", "U"))
	require.NoError(t, err)

	_, err = s.Link(slackLink("b2", "T", "U"))
	require.ErrorIs(t, err, cperrors.ErrPrincipalAlreadyLinked)

	existing, ok := cperrors.AsReasonError(err).Details.(Binding)
	require.True(t, ok, "conflict should carry the existing binding")
	assert.Equal(t, first.BindingID, existing.BindingID)
}

func TestLinkRejectsDuplicateBindingID(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Link(slackLink("b1", "T", "U"))
	require.NoError(t, err)

	_, err = s.Link(slackLink("b1", "T", "other"))
	require.ErrorIs(t, err, cperrors.ErrBindingExists)
}

func TestLinkValidatesChannel(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Link(LinkParams{Channel: "fax", ChannelTenantID: "T", ChannelActorID: "U"})
	require.Error(t, err)
	assert.Equal(t, "validation_error", cperrors.Reason(err))
}

func TestUnlinkSelf(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Link(slackLink("b1", "T", "U"))
	require.NoError(t, err)

	t.Run("wrong actor", func(t *testing.T) {
		_, err := s.UnlinkSelf("b1", "b2", "")
		require.ErrorIs(t, err, cperrors.ErrInvalidActor)
	})

	t.Run("unknown binding", func(t *testing.T) {
		_, err := s.UnlinkSelf("nope", "nope", "")
		require.ErrorIs(t, err, cperrors.ErrNotFound)
	})

	t.Run("self unlink succeeds", func(t *testing.T) {
		b, err := s.UnlinkSelf("b1", "b1", "switching laptops")
		require.NoError(t, err)
		assert.Equal(t, StatusUnlinked, b.Status)
		assert.NotZero(t, b.UnlinkedAtMs)
		assert.Equal(t, "switching laptops", b.Reason)

		_, active := s.ResolveActive(envelope.ChannelSlack, "T", "U")
		assert.False(t, active)
	})

	t.Run("second unlink fails", func(t *testing.T) {
		_, err := s.UnlinkSelf("b1", "b1", "")
		require.ErrorIs(t, err, cperrors.ErrAlreadyInactive)
	})

	t.Run("principal can relink", func(t *testing.T) {
		b, err := s.Link(slackLink("b3", "T", "U"))
		require.NoError(t, err)
		assert.Equal(t, StatusActive, b.Status)
	})
}

func TestRevoke(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Link(slackLink("b1", "T", "U"))
	require.NoError(t, err)
	_, err = s.Link(slackLink("admin", "T", "root"))
	require.NoError(t, err)

	b, err := s.Revoke("b1", "admin", "compromised token")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, b.Status)
	assert.Equal(t, "admin", b.RevokedBy)
	assert.NotZero(t, b.RevokedAtMs)

	_, err = s.Revoke("b1", "admin", "")
	require.ErrorIs(t, err, cperrors.ErrAlreadyInactive)
}

func TestResolveActive(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Link(slackLink("b1", "T", "U"))
	require.NoError(t, err)

	b, ok := s.ResolveActive(envelope.ChannelSlack, "T", "U")
	require.True(t, ok)
	assert.Equal(t, "b1", b.BindingID)

	// Returned value must not alias store state.
	b.Scopes[0] = "tampered"
	fresh, _ := s.ResolveActive(envelope.ChannelSlack, "T", "U")
	assert.Equal(t, "issues.read", fresh.Scopes[0])

	_, ok = s.ResolveActive(envelope.ChannelSlack, "T", "stranger")
	assert.False(t, ok)
}

func TestListBindingsOrdering(t *testing.T) {
	s, _ := newTestStore(t)

	for _, id := range []string{"b2", "b1", "b3"} {
		_, err := s.Link(slackLink(id, "T", "actor-"+id))
		require.NoError(t, err)
	}
	_, err := s.UnlinkSelf("b1", "b1", "")
	require.NoError(t, err)

	active := s.ListBindings(false)
	require.Len(t, active, 2)

	all := s.ListBindings(true)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		ordered := prev.LinkedAtMs < cur.LinkedAtMs ||
			(prev.LinkedAtMs == cur.LinkedAtMs && prev.BindingID < cur.BindingID)
		assert.True(t, ordered, "bindings must sort by (linked_at_ms, binding_id)")
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	s, path := newTestStore(t)

	_, err := s.Link(slackLink("b1", "T", "U"))
	require.NoError(t, err)
	_, err = s.Link(slackLink("b2", "T", "V"))
	require.NoError(t, err)
	_, err = s.UnlinkSelf("b1", "b1", "moved")
	require.NoError(t, err)
	_, err = s.Link(slackLink("b3", "T", "U"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	first, err := Load(path)
	require.NoError(t, err)
	defer first.Close()
	second, err := Load(path)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, first.ListBindings(true), second.ListBindings(true))
	assert.Equal(t, s.ListBindings(true), first.ListBindings(true))
}

func TestReplayRejectsCorruptJournals(t *testing.T) {
	tests := []struct {
		name    string
		lines   string
		wantErr string
	}{
		{
			name:    "unknown kind",
			lines:   `{"kind":"promote","ts_ms":1,"binding_id":"b1"}` + "\n",
			wantErr: "unknown entry kind",
		},
		{
			name:    "unlink of unknown binding",
			lines:   `{"kind":"unlink","ts_ms":1,"binding_id":"ghost"}` + "\n",
			wantErr: "unknown binding",
		},
		{
			name: "tier does not match channel",
			lines: `{"kind":"link","ts_ms":1,"binding":{"binding_id":"b1","channel":"telegram",` +
				`"channel_tenant_id":"T","channel_actor_id":"U","assurance_tier":"tier_a","scopes":[],"status":"active","linked_at_ms":1}}` + "\n",
			wantErr: "tier",
		},
		{
			name: "duplicate active principal",
			lines: `{"kind":"link","ts_ms":1,"binding":{"binding_id":"b1","channel":"slack","channel_tenant_id":"T","channel_actor_id":"U","assurance_tier":"tier_a","scopes":[],"status":"active","linked_at_ms":1}}` + "\n" +
				`{"kind":"link","ts_ms":2,"binding":{"binding_id":"b2","channel":"slack","channel_tenant_id":"T","channel_actor_id":"U","assurance_tier":"tier_a","scopes":[],"status":"active","linked_at_ms":2}}` + "\n",
			wantErr: "already actively linked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "identities.jsonl")
			require.NoError(t, os.WriteFile(path, []byte(tt.lines), 0o644))

			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// Package envelope defines the normalized messages that flow between channel
// adapters, the command pipeline, and the outbox.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Version is the current inbound envelope schema version.
const Version = 1

// Channel identifies an ingress or delivery channel.
type Channel string

// Supported channels.
const (
	ChannelSlack    Channel = "slack"
	ChannelDiscord  Channel = "discord"
	ChannelTelegram Channel = "telegram"
	ChannelNeovim   Channel = "neovim"
	ChannelTerminal Channel = "terminal"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelSlack, ChannelDiscord, ChannelTelegram, ChannelNeovim, ChannelTerminal:
		return true
	}
	return false
}

// AssuranceTier is a coarse identity-strength label derived from the channel.
type AssuranceTier string

// Assurance tiers, strongest first.
const (
	TierA AssuranceTier = "tier_a"
	TierB AssuranceTier = "tier_b"
	TierC AssuranceTier = "tier_c"
)

// TierForChannel maps a channel to its assurance tier. Signed webhooks and
// local callers are tier_a; Telegram's shared token only reaches tier_b.
func TierForChannel(c Channel) AssuranceTier {
	switch c {
	case ChannelSlack, ChannelDiscord, ChannelNeovim, ChannelTerminal:
		return TierA
	case ChannelTelegram:
		return TierB
	default:
		return TierC
	}
}

// Attachment references a file carried alongside an inbound command.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// Inbound is the channel-agnostic form every adapter normalizes into.
type Inbound struct {
	Version               int           `json:"version"`
	ReceivedAtMs          int64         `json:"received_at_ms"`
	RequestID             string        `json:"request_id"`
	DeliveryID            string        `json:"delivery_id,omitempty"`
	Channel               Channel       `json:"channel"`
	ChannelTenantID       string        `json:"channel_tenant_id"`
	ChannelConversationID string        `json:"channel_conversation_id,omitempty"`
	ActorID               string        `json:"actor_id"`
	ActorBindingID        string        `json:"actor_binding_id,omitempty"`
	AssuranceTier         AssuranceTier `json:"assurance_tier"`
	RepoRoot              string        `json:"repo_root,omitempty"`
	CommandText           string        `json:"command_text"`
	RequiredScope         string        `json:"required_scope,omitempty"`
	EffectiveScope        string        `json:"effective_scope,omitempty"`
	TargetType            string        `json:"target_type,omitempty"`
	TargetID              string        `json:"target_id,omitempty"`
	IdempotencyKey        string        `json:"idempotency_key"`
	Fingerprint           string        `json:"fingerprint"`

	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Correlation ties an outbound message back to its origin.
type Correlation struct {
	CommandID string `json:"command_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	WakeID    string `json:"wake_id,omitempty"`
}

// Outbound is a message queued for delivery back to a channel.
type Outbound struct {
	Channel               Channel     `json:"channel"`
	ChannelTenantID       string      `json:"channel_tenant_id,omitempty"`
	ChannelConversationID string      `json:"channel_conversation_id,omitempty"`
	RecipientID           string      `json:"recipient_id,omitempty"`
	ResponseURL           string      `json:"response_url,omitempty"`
	Text                  string      `json:"text"`
	TsMs                  int64       `json:"ts_ms"`
	Correlation           Correlation `json:"correlation"`
}

// NormalizeCommandText collapses interior whitespace and trims the ends,
// giving fingerprints a stable basis.
func NormalizeCommandText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Fingerprint derives the dedupe fingerprint from the lowercased normalized
// command text: "<channel>-fp-<sha256 hex>".
func Fingerprint(channel Channel, commandText string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(NormalizeCommandText(commandText))))
	return fmt.Sprintf("%s-fp-%s", channel, hex.EncodeToString(sum[:]))
}

// IdempotencyKey derives "<channel>-idem-<32 hex>" from the stable parts of a
// delivery (event id, trigger id, or a composite of the payload identifiers).
func IdempotencyKey(channel Channel, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return fmt.Sprintf("%s-idem-%s", channel, hex.EncodeToString(sum[:])[:32])
}

// Metadata bounds: a map carried on an envelope never exceeds these.
const (
	MaxMetadataKeys     = 32
	MaxMetadataValueLen = 1024
)

// BoundMetadata enforces the metadata size limits, truncating oversized
// values and dropping keys beyond the cap in lexicographic order.
func BoundMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > MaxMetadataKeys {
		keys = keys[:MaxMetadataKeys]
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v := m[k]
		if len(v) > MaxMetadataValueLen {
			v = v[:MaxMetadataValueLen]
		}
		out[k] = v
	}
	return out
}

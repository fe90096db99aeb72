package adapter

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/getmu/control-plane/internal/envelope"
)

// DiscordRoute is the Discord webhook route.
const DiscordRoute = "/webhooks/discord"

// Discord interaction types and callback types.
const (
	discordInteractionPing      = 1
	discordInteractionCommand   = 2
	discordInteractionComponent = 3

	discordCallbackPong         = 1
	discordCallbackMessage      = 4
	discordMessageFlagEphemeral = 64
)

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	SigningSecret string
	MaxClockSkew  time.Duration
	RepoRoot      string
}

// DiscordAdapter ingests Discord interaction webhooks.
type DiscordAdapter struct {
	cfg      DiscordConfig
	pipeline Pipeline

	now func() time.Time
}

// NewDiscordAdapter builds the Discord adapter.
func NewDiscordAdapter(cfg DiscordConfig, p Pipeline) *DiscordAdapter {
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = 5 * time.Minute
	}
	return &DiscordAdapter{cfg: cfg, pipeline: p, now: time.Now}
}

// Spec implements Adapter.
func (a *DiscordAdapter) Spec() Spec {
	return Spec{
		Channel:        envelope.ChannelDiscord,
		Route:          DiscordRoute,
		IngressPayload: PayloadJSON,
		Verification: Verification{
			Method:          VerifyHMACSHA256,
			SignatureHeader: "x-discord-signature",
			TimestampHeader: "x-discord-request-timestamp",
			SignaturePrefix: "v1",
			MaxClockSkew:    a.cfg.MaxClockSkew,
			MaxClockSkewSec: int64(a.cfg.MaxClockSkew / time.Second),
		},
		AckFormat:         AckDiscordInteraction,
		DeliverySemantics: DeliveryAtLeastOnce,
		DeferredDelivery:  true,
	}
}

// discordInteraction is the subset of the interaction payload we consume.
type discordInteraction struct {
	ID        string `json:"id"`
	Type      int    `json:"type"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	Member    *struct {
		User discordUser `json:"user"`
	} `json:"member"`
	User *discordUser `json:"user"`
	Data struct {
		Name     string `json:"name"`
		CustomID string `json:"custom_id"`
		Options  []struct {
			Name  string `json:"name"`
			Value any    `json:"value"`
		} `json:"options"`
	} `json:"data"`
}

type discordUser struct {
	ID string `json:"id"`
}

// actorID resolves the acting user from guild or DM context.
func (i discordInteraction) actorID() string {
	if i.Member != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// discordAck is the interaction response body.
type discordAck struct {
	Type int             `json:"type"`
	Data *discordAckData `json:"data,omitempty"`
}

type discordAckData struct {
	Content string `json:"content"`
	Flags   int    `json:"flags"`
}

// Ingest implements Adapter.
func (a *DiscordAdapter) Ingest(r *http.Request) IngressResult {
	body, err := readBody(r)
	if err != nil {
		return a.rejectPayload("invalid_body", err.Error())
	}
	if verr := verify(a.Spec(), r, body, a.cfg.SigningSecret, a.now()); verr != nil {
		return rejectVerification(envelope.ChannelDiscord, verr)
	}

	var interaction discordInteraction
	if err := json.Unmarshal(body, &interaction); err != nil {
		return a.rejectPayload("invalid_json", err.Error())
	}

	switch interaction.Type {
	case discordInteractionPing:
		return IngressResult{
			Channel:  envelope.ChannelDiscord,
			Accepted: true,
			Status:   http.StatusOK,
			Body:     discordAck{Type: discordCallbackPong},
		}

	case discordInteractionCommand:
		if interaction.Data.Name != "mu" {
			return a.ignore("unsupported_discord_command", map[string]string{"name": interaction.Data.Name})
		}
		var parts []string
		for _, opt := range interaction.Data.Options {
			switch v := opt.Value.(type) {
			case string:
				parts = append(parts, v)
			}
		}
		text := envelope.NormalizeCommandText("/mu " + strings.Join(parts, " "))
		return a.dispatch(r, interaction, text)

	case discordInteractionComponent:
		text, ok := commandFromCallback(interaction.Data.CustomID)
		if !ok {
			return a.ignore("unsupported_discord_component", map[string]string{"custom_id": interaction.Data.CustomID})
		}
		return a.dispatch(r, interaction, text)

	default:
		return a.ignore("unsupported_discord_interaction", map[string]string{"type": strconv.Itoa(interaction.Type)})
	}
}

func (a *DiscordAdapter) dispatch(r *http.Request, interaction discordInteraction, text string) IngressResult {
	env := envelope.Inbound{
		Version:               envelope.Version,
		ReceivedAtMs:          a.now().UnixMilli(),
		RequestID:             uuid.NewString(),
		DeliveryID:            interaction.ID,
		Channel:               envelope.ChannelDiscord,
		ChannelTenantID:       interaction.GuildID,
		ChannelConversationID: interaction.ChannelID,
		ActorID:               interaction.actorID(),
		AssuranceTier:         envelope.TierForChannel(envelope.ChannelDiscord),
		RepoRoot:              a.cfg.RepoRoot,
		CommandText:           text,
		IdempotencyKey:        envelope.IdempotencyKey(envelope.ChannelDiscord, interaction.ID),
		Fingerprint:           envelope.Fingerprint(envelope.ChannelDiscord, text),
	}
	res := a.pipeline.HandleInbound(r.Context(), env)
	return IngressResult{
		Channel:  envelope.ChannelDiscord,
		Accepted: true,
		Status:   http.StatusOK,
		Body: discordAck{
			Type: discordCallbackMessage,
			Data: &discordAckData{Content: ackText(res, true), Flags: discordMessageFlagEphemeral},
		},
		Inbound:        &env,
		PipelineResult: &res,
	}
}

func (a *DiscordAdapter) rejectPayload(reason, detail string) IngressResult {
	entry := AuditEntry{
		Channel: envelope.ChannelDiscord,
		Kind:    AuditPayloadRejected,
		Reason:  reason,
		Detail:  map[string]string{"error": detail},
	}
	return IngressResult{
		Channel:  envelope.ChannelDiscord,
		Accepted: false,
		Reason:   reason,
		Status:   http.StatusBadRequest,
		Body:     errorBody(reason),
		Audit:    &entry,
	}
}

func (a *DiscordAdapter) ignore(reason string, detail map[string]string) IngressResult {
	entry := AuditEntry{
		Channel: envelope.ChannelDiscord,
		Kind:    AuditIgnoredEvent,
		Reason:  reason,
		Detail:  detail,
	}
	return IngressResult{
		Channel:  envelope.ChannelDiscord,
		Accepted: false,
		Reason:   reason,
		Status:   http.StatusOK,
		Body: discordAck{
			Type: discordCallbackMessage,
			Data: &discordAckData{Content: reason, Flags: discordMessageFlagEphemeral},
		},
		Audit: &entry,
	}
}

// commandFromCallback maps a confirm/cancel button custom_id to its command
// text: "confirm:cmd-X" becomes "/mu confirm cmd-X".
func commandFromCallback(customID string) (string, bool) {
	action, id, found := strings.Cut(customID, ":")
	if !found || id == "" {
		return "", false
	}
	switch action {
	case "confirm", "cancel":
		return "/mu " + action + " " + id, true
	}
	return "", false
}

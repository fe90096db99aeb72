package adapter

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/getmu/control-plane/internal/envelope"
)

// SlackRoute is the Slack webhook route.
const SlackRoute = "/webhooks/slack"

// SlackConfig configures the Slack adapter.
type SlackConfig struct {
	SigningSecret string
	MaxClockSkew  time.Duration
	RepoRoot      string
}

// SlackAdapter ingests Slack slash commands and Events API callbacks.
type SlackAdapter struct {
	cfg      SlackConfig
	pipeline Pipeline

	now func() time.Time
}

// NewSlackAdapter builds the Slack adapter.
func NewSlackAdapter(cfg SlackConfig, p Pipeline) *SlackAdapter {
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = 5 * time.Minute
	}
	return &SlackAdapter{cfg: cfg, pipeline: p, now: time.Now}
}

// Spec implements Adapter.
func (a *SlackAdapter) Spec() Spec {
	return Spec{
		Channel:        envelope.ChannelSlack,
		Route:          SlackRoute,
		IngressPayload: PayloadFormURLEncoded,
		Verification: Verification{
			Method:          VerifyHMACSHA256,
			SignatureHeader: "x-slack-signature",
			TimestampHeader: "x-slack-request-timestamp",
			SignaturePrefix: "v0",
			MaxClockSkew:    a.cfg.MaxClockSkew,
			MaxClockSkewSec: int64(a.cfg.MaxClockSkew / time.Second),
		},
		AckFormat:         AckSlackEphemeral,
		DeliverySemantics: DeliveryAtLeastOnce,
		DeferredDelivery:  true,
	}
}

// slackAck is the ephemeral ack body.
type slackAck struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

// Ingest implements Adapter.
func (a *SlackAdapter) Ingest(r *http.Request) IngressResult {
	body, err := readBody(r)
	if err != nil {
		return a.rejectPayload("invalid_body", err.Error())
	}
	if verr := verify(a.Spec(), r, body, a.cfg.SigningSecret, a.now()); verr != nil {
		return rejectVerification(envelope.ChannelSlack, verr)
	}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		return a.ingestEvent(r, body)
	}
	return a.ingestSlashCommand(r, body)
}

// ingestSlashCommand handles the form-urlencoded /mu slash command.
func (a *SlackAdapter) ingestSlashCommand(r *http.Request, body []byte) IngressResult {
	// SlashCommandParse consumes the body, which verification already drained.
	r.Body = io.NopCloser(bytes.NewReader(body))
	cmd, err := slack.SlashCommandParse(r)
	if err != nil {
		return a.rejectPayload("invalid_slack_payload", err.Error())
	}
	if cmd.Command != "/mu" {
		return a.ignore("unsupported_slack_command", map[string]string{"command": cmd.Command})
	}

	text := envelope.NormalizeCommandText("/mu " + cmd.Text)
	env := a.buildEnvelope(r, slackEnvelopeParams{
		tenantID:       cmd.TeamID,
		conversationID: cmd.ChannelID,
		actorID:        cmd.UserID,
		deliveryID:     cmd.TriggerID,
		commandText:    text,
		idemParts:      []string{cmd.TeamID, cmd.ChannelID, cmd.UserID, cmd.TriggerID, text},
		responseURL:    cmd.ResponseURL,
	})
	return a.dispatch(r, env)
}

// ingestEvent handles JSON Events API callbacks. Mentions and messages must
// carry an explicit /mu prefix; everything else is ignored chatter.
func (a *SlackAdapter) ingestEvent(r *http.Request, body []byte) IngressResult {
	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return a.rejectPayload("invalid_json", err.Error())
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			return a.rejectPayload("invalid_json", err.Error())
		}
		return IngressResult{
			Channel:  envelope.ChannelSlack,
			Accepted: true,
			Status:   http.StatusOK,
			Body:     map[string]string{"challenge": challenge.Challenge},
		}

	case slackevents.CallbackEvent:
		var (
			userID, channelID, text, eventTS string
		)
		switch inner := event.InnerEvent.Data.(type) {
		case *slackevents.AppMentionEvent:
			userID, channelID, text, eventTS = inner.User, inner.Channel, inner.Text, inner.EventTimeStamp
		case *slackevents.MessageEvent:
			if inner.BotID != "" {
				return a.ignore("ignored_bot_message", nil)
			}
			userID, channelID, text, eventTS = inner.User, inner.Channel, inner.Text, inner.EventTimeStamp
		default:
			return a.ignore("unsupported_slack_event", map[string]string{"event": event.InnerEvent.Type})
		}

		command, ok := extractMuCommand(text)
		if !ok {
			return a.ignore("unsupported_slack_event", map[string]string{"reason": "missing /mu prefix"})
		}

		env := a.buildEnvelope(r, slackEnvelopeParams{
			tenantID:       event.TeamID,
			conversationID: channelID,
			actorID:        userID,
			deliveryID:     eventTS,
			commandText:    command,
			idemParts:      []string{event.TeamID, channelID, userID, eventTS, command},
		})
		return a.dispatch(r, env)

	default:
		return a.ignore("unsupported_slack_event", map[string]string{"type": event.Type})
	}
}

type slackEnvelopeParams struct {
	tenantID       string
	conversationID string
	actorID        string
	deliveryID     string
	commandText    string
	idemParts      []string
	responseURL    string
}

func (a *SlackAdapter) buildEnvelope(r *http.Request, p slackEnvelopeParams) envelope.Inbound {
	// A Slack-assigned request id is the strongest dedupe basis; fall back to
	// the stable payload identifiers.
	idemBasis := p.idemParts
	if reqID := r.Header.Get("x-slack-request-id"); reqID != "" {
		idemBasis = []string{reqID}
	}

	metadata := map[string]string{}
	if p.responseURL != "" {
		metadata["response_url"] = p.responseURL
	}

	return envelope.Inbound{
		Version:               envelope.Version,
		ReceivedAtMs:          a.now().UnixMilli(),
		RequestID:             uuid.NewString(),
		DeliveryID:            p.deliveryID,
		Channel:               envelope.ChannelSlack,
		ChannelTenantID:       p.tenantID,
		ChannelConversationID: p.conversationID,
		ActorID:               p.actorID,
		AssuranceTier:         envelope.TierForChannel(envelope.ChannelSlack),
		RepoRoot:              a.cfg.RepoRoot,
		CommandText:           p.commandText,
		IdempotencyKey:        envelope.IdempotencyKey(envelope.ChannelSlack, idemBasis...),
		Fingerprint:           envelope.Fingerprint(envelope.ChannelSlack, p.commandText),
		Metadata:              envelope.BoundMetadata(metadata),
	}
}

func (a *SlackAdapter) dispatch(r *http.Request, env envelope.Inbound) IngressResult {
	res := a.pipeline.HandleInbound(r.Context(), env)
	return IngressResult{
		Channel:        envelope.ChannelSlack,
		Accepted:       true,
		Status:         http.StatusOK,
		Body:           slackAck{ResponseType: "ephemeral", Text: ackText(res, true)},
		Inbound:        &env,
		PipelineResult: &res,
	}
}

// rejectPayload acks a malformed payload with 200: Slack retries non-200
// responses, and a permanently bad payload should not be retried.
func (a *SlackAdapter) rejectPayload(reason, detail string) IngressResult {
	entry := AuditEntry{
		Channel: envelope.ChannelSlack,
		Kind:    AuditPayloadRejected,
		Reason:  reason,
		Detail:  map[string]string{"error": detail},
	}
	return IngressResult{
		Channel:  envelope.ChannelSlack,
		Accepted: false,
		Reason:   reason,
		Status:   http.StatusOK,
		Body:     slackAck{ResponseType: "ephemeral", Text: reason},
		Audit:    &entry,
	}
}

func (a *SlackAdapter) ignore(reason string, detail map[string]string) IngressResult {
	entry := AuditEntry{
		Channel: envelope.ChannelSlack,
		Kind:    AuditIgnoredEvent,
		Reason:  reason,
		Detail:  detail,
	}
	return IngressResult{
		Channel:  envelope.ChannelSlack,
		Accepted: false,
		Reason:   reason,
		Status:   http.StatusOK,
		Body:     slackAck{ResponseType: "ephemeral", Text: reason},
		Audit:    &entry,
	}
}

// extractMuCommand finds the /mu command in mention text, tolerating a
// leading <@bot> mention.
func extractMuCommand(text string) (string, bool) {
	text = strings.TrimSpace(text)
	// Strip one leading mention token like "<@U12345>".
	if strings.HasPrefix(text, "<@") {
		if end := strings.Index(text, ">"); end > 0 {
			text = strings.TrimSpace(text[end+1:])
		}
	}
	if !strings.HasPrefix(text, "/mu") {
		return "", false
	}
	return envelope.NormalizeCommandText(text), true
}

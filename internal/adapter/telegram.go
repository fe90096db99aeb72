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

// TelegramRoute is the Telegram webhook route.
const TelegramRoute = "/webhooks/telegram"

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	SecretToken string
	BotName     string
	RepoRoot    string
}

// TelegramAdapter ingests Telegram bot webhook updates. Plain chat text that
// is not a /mu command falls through to the operator backend, so Telegram is
// the conversational channel.
type TelegramAdapter struct {
	cfg      TelegramConfig
	pipeline Pipeline

	now func() time.Time
}

// NewTelegramAdapter builds the Telegram adapter.
func NewTelegramAdapter(cfg TelegramConfig, p Pipeline) *TelegramAdapter {
	return &TelegramAdapter{cfg: cfg, pipeline: p, now: time.Now}
}

// Spec implements Adapter.
func (a *TelegramAdapter) Spec() Spec {
	return Spec{
		Channel:        envelope.ChannelTelegram,
		Route:          TelegramRoute,
		IngressPayload: PayloadJSON,
		Verification: Verification{
			Method:       VerifySharedSecretHeader,
			SecretHeader: "x-telegram-bot-api-secret-token",
		},
		AckFormat:         AckTelegramOK,
		DeliverySemantics: DeliveryAtLeastOnce,
		DeferredDelivery:  true,
	}
}

// telegramUpdate is the subset of the Bot API update we consume.
type telegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  *telegramMessage `json:"message"`
	Callback *struct {
		ID      string           `json:"id"`
		From    telegramUser     `json:"from"`
		Message *telegramMessage `json:"message"`
		Data    string           `json:"data"`
	} `json:"callback_query"`
}

type telegramMessage struct {
	From telegramUser `json:"from"`
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text string `json:"text"`
}

type telegramUser struct {
	ID    int64 `json:"id"`
	IsBot bool  `json:"is_bot"`
}

// telegramAck mirrors the Bot API response envelope.
type telegramAck struct {
	OK     bool   `json:"ok"`
	Result string `json:"result"`
}

// Ingest implements Adapter.
func (a *TelegramAdapter) Ingest(r *http.Request) IngressResult {
	body, err := readBody(r)
	if err != nil {
		return a.rejectPayload("invalid_body", err.Error())
	}
	if verr := verify(a.Spec(), r, body, a.cfg.SecretToken, a.now()); verr != nil {
		return rejectVerification(envelope.ChannelTelegram, verr)
	}

	var update telegramUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return a.rejectPayload("invalid_json", err.Error())
	}

	switch {
	case update.Callback != nil:
		text, ok := commandFromCallback(update.Callback.Data)
		if !ok {
			return a.ignore("unsupported_telegram_callback", map[string]string{"data": update.Callback.Data})
		}
		var chatID int64
		if update.Callback.Message != nil {
			chatID = update.Callback.Message.Chat.ID
		}
		return a.dispatch(r, update.Callback.From, chatID, update.Callback.ID, text)

	case update.Message != nil:
		msg := update.Message
		if msg.From.IsBot {
			return a.ignore("ignored_bot_message", nil)
		}
		text, ok := a.normalizeText(msg.Text)
		if !ok {
			return a.ignore("foreign_bot_command", map[string]string{"text": msg.Text})
		}
		deliveryID := strconv.FormatInt(update.UpdateID, 10)
		return a.dispatch(r, msg.From, msg.Chat.ID, deliveryID, text)

	default:
		return a.ignore("unsupported_telegram_update", nil)
	}
}

// normalizeText resolves "/mu@botname …" addressing. A command addressed to a
// different bot is dropped; plain chat passes through untouched for the
// operator fallback.
func (a *TelegramAdapter) normalizeText(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "/mu@") {
		rest := trimmed[len("/mu@"):]
		name, args, _ := strings.Cut(rest, " ")
		if !strings.EqualFold(name, a.cfg.BotName) {
			return "", false
		}
		trimmed = strings.TrimSpace("/mu " + args)
	}
	return envelope.NormalizeCommandText(trimmed), true
}

func (a *TelegramAdapter) dispatch(r *http.Request, from telegramUser, chatID int64, deliveryID, text string) IngressResult {
	env := envelope.Inbound{
		Version:               envelope.Version,
		ReceivedAtMs:          a.now().UnixMilli(),
		RequestID:             uuid.NewString(),
		DeliveryID:            deliveryID,
		Channel:               envelope.ChannelTelegram,
		ChannelTenantID:       strconv.FormatInt(chatID, 10),
		ChannelConversationID: strconv.FormatInt(chatID, 10),
		ActorID:               strconv.FormatInt(from.ID, 10),
		AssuranceTier:         envelope.TierForChannel(envelope.ChannelTelegram),
		RepoRoot:              a.cfg.RepoRoot,
		CommandText:           text,
		IdempotencyKey:        envelope.IdempotencyKey(envelope.ChannelTelegram, deliveryID),
		Fingerprint:           envelope.Fingerprint(envelope.ChannelTelegram, text),
	}
	res := a.pipeline.HandleInbound(r.Context(), env)
	return IngressResult{
		Channel:        envelope.ChannelTelegram,
		Accepted:       true,
		Status:         http.StatusOK,
		Body:           telegramAck{OK: true, Result: ackText(res, true)},
		Inbound:        &env,
		PipelineResult: &res,
	}
}

// rejectPayload acks a malformed update with 200 so the Bot API does not
// redeliver it forever.
func (a *TelegramAdapter) rejectPayload(reason, detail string) IngressResult {
	entry := AuditEntry{
		Channel: envelope.ChannelTelegram,
		Kind:    AuditPayloadRejected,
		Reason:  reason,
		Detail:  map[string]string{"error": detail},
	}
	return IngressResult{
		Channel:  envelope.ChannelTelegram,
		Accepted: false,
		Reason:   reason,
		Status:   http.StatusOK,
		Body:     telegramAck{OK: true, Result: reason},
		Audit:    &entry,
	}
}

func (a *TelegramAdapter) ignore(reason string, detail map[string]string) IngressResult {
	entry := AuditEntry{
		Channel: envelope.ChannelTelegram,
		Kind:    AuditIgnoredEvent,
		Reason:  reason,
		Detail:  detail,
	}
	return IngressResult{
		Channel:  envelope.ChannelTelegram,
		Accepted: false,
		Reason:   reason,
		Status:   http.StatusOK,
		Body:     telegramAck{OK: true, Result: reason},
		Audit:    &entry,
	}
}

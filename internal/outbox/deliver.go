package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"

	"github.com/getmu/control-plane/internal/envelope"
)

// breakerFor wraps a channel's delivery path. An open breaker surfaces as a
// retryable failure, so the record backs off instead of hammering a dead
// endpoint.
func breakerFor(channel envelope.Channel) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-" + string(channel),
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// SlackDeliverer posts outbound messages via response_url when present,
// otherwise through the Slack Web API.
type SlackDeliverer struct {
	client  *slack.Client
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewSlackDeliverer builds a Slack deliverer from a bot token.
func NewSlackDeliverer(botToken string, timeout time.Duration) *SlackDeliverer {
	return &SlackDeliverer{
		client:  slack.New(botToken),
		http:    &http.Client{Timeout: timeout},
		breaker: breakerFor(envelope.ChannelSlack),
	}
}

// Deliver implements Deliverer.
func (d *SlackDeliverer) Deliver(ctx context.Context, env envelope.Outbound) error {
	_, err := d.breaker.Execute(func() (any, error) {
		if env.ResponseURL != "" {
			return nil, postJSON(ctx, d.http, env.ResponseURL, map[string]string{
				"response_type": "ephemeral",
				"text":          env.Text,
			})
		}
		if env.ChannelConversationID == "" {
			return nil, Permanent(fmt.Errorf("slack envelope missing conversation id"))
		}
		_, _, err := d.client.PostMessageContext(ctx, env.ChannelConversationID,
			slack.MsgOptionText(env.Text, false))
		return nil, err
	})
	return err
}

// DiscordDeliverer posts follow-up messages to a Discord webhook endpoint.
type DiscordDeliverer struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewDiscordDeliverer builds a Discord deliverer from the webhook base URL.
func NewDiscordDeliverer(baseURL string, timeout time.Duration) *DiscordDeliverer {
	return &DiscordDeliverer{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: breakerFor(envelope.ChannelDiscord),
	}
}

// Deliver implements Deliverer.
func (d *DiscordDeliverer) Deliver(ctx context.Context, env envelope.Outbound) error {
	_, err := d.breaker.Execute(func() (any, error) {
		url := env.ResponseURL
		if url == "" {
			if d.baseURL == "" {
				return nil, Permanent(fmt.Errorf("discord envelope missing response url"))
			}
			url = d.baseURL
		}
		return nil, postJSON(ctx, d.http, url, map[string]any{
			"content": env.Text,
			"flags":   64,
		})
	})
	return err
}

// TelegramDeliverer pushes messages through the Bot API sendMessage method.
type TelegramDeliverer struct {
	apiBaseURL string
	botToken   string
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewTelegramDeliverer builds a Telegram deliverer.
func NewTelegramDeliverer(apiBaseURL, botToken string, timeout time.Duration) *TelegramDeliverer {
	return &TelegramDeliverer{
		apiBaseURL: apiBaseURL,
		botToken:   botToken,
		http:       &http.Client{Timeout: timeout},
		breaker:    breakerFor(envelope.ChannelTelegram),
	}
}

// Deliver implements Deliverer.
func (d *TelegramDeliverer) Deliver(ctx context.Context, env envelope.Outbound) error {
	_, err := d.breaker.Execute(func() (any, error) {
		if env.ChannelConversationID == "" {
			return nil, Permanent(fmt.Errorf("telegram envelope missing chat id"))
		}
		url := fmt.Sprintf("%s/bot%s/sendMessage", d.apiBaseURL, d.botToken)
		return nil, postJSON(ctx, d.http, url, map[string]any{
			"chat_id": env.ChannelConversationID,
			"text":    env.Text,
		})
	})
	return err
}

// TerminalDeliverer accepts terminal and neovim envelopes as delivered:
// those callers received their result synchronously in the HTTP ack.
type TerminalDeliverer struct{}

// Deliver implements Deliverer.
func (TerminalDeliverer) Deliver(context.Context, envelope.Outbound) error {
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return Permanent(fmt.Errorf("failed to encode delivery body: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return Permanent(fmt.Errorf("delivery rejected with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("delivery failed with status %d", resp.StatusCode)
	}
}

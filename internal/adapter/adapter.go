// Package adapter implements channel ingress: request verification, payload
// normalization into inbound envelopes, and channel-shaped acks. Each channel
// declares a spec; a registry maps routes to adapters and is swapped
// atomically on reload.
package adapter

import (
	"context"
	"net/http"
	"time"

	"github.com/getmu/control-plane/internal/envelope"
	"github.com/getmu/control-plane/internal/pipeline"
)

// PayloadEncoding is the wire encoding a channel posts.
type PayloadEncoding string

// Ingress payload encodings.
const (
	PayloadFormURLEncoded PayloadEncoding = "form_urlencoded"
	PayloadJSON           PayloadEncoding = "json"
)

// VerificationMethod identifies how a channel authenticates requests.
type VerificationMethod string

// Verification methods.
const (
	VerifyHMACSHA256         VerificationMethod = "hmac_sha256"
	VerifySharedSecretHeader VerificationMethod = "shared_secret_header"
)

// Verification declares a channel's request authentication.
type Verification struct {
	Method          VerificationMethod `json:"method"`
	SignatureHeader string             `json:"signature_header,omitempty"`
	TimestampHeader string             `json:"timestamp_header,omitempty"`
	SignaturePrefix string             `json:"signature_prefix,omitempty"`
	MaxClockSkew    time.Duration      `json:"-"`
	MaxClockSkewSec int64              `json:"max_clock_skew_sec,omitempty"`
	SecretHeader    string             `json:"secret_header,omitempty"`
}

// AckFormat names the channel's expected ack body shape.
type AckFormat string

// Ack formats.
const (
	AckSlackEphemeral     AckFormat = "slack_ephemeral"
	AckDiscordInteraction AckFormat = "discord_interaction"
	AckTelegramOK         AckFormat = "telegram_ok"
	AckJSONEnvelope       AckFormat = "json_envelope"
)

// Spec is a channel adapter's declared contract.
type Spec struct {
	Channel           envelope.Channel `json:"channel"`
	Route             string           `json:"route"`
	IngressPayload    PayloadEncoding  `json:"ingress_payload"`
	Verification      Verification     `json:"verification"`
	AckFormat         AckFormat        `json:"ack_format"`
	DeliverySemantics string           `json:"delivery_semantics"`
	DeferredDelivery  bool             `json:"deferred_delivery"`
}

// DeliveryAtLeastOnce is the only delivery semantic the plane offers.
const DeliveryAtLeastOnce = "at_least_once"

// IngressResult is everything one ingest produced: the HTTP response to
// return, plus side observations for callers and tests.
type IngressResult struct {
	Channel  envelope.Channel
	Accepted bool
	Reason   string
	Status   int
	Body     any

	Inbound        *envelope.Inbound
	PipelineResult *pipeline.Result
	Audit          *AuditEntry
}

// Pipeline is the command pipeline as adapters see it.
type Pipeline interface {
	HandleInbound(ctx context.Context, env envelope.Inbound) pipeline.Result
}

// Adapter is one channel's ingress implementation.
type Adapter interface {
	Spec() Spec
	Ingest(r *http.Request) IngressResult
}

// ackText renders a pipeline result as the human line channels show. When
// deferred is true and the result journaled a command, lifecycle updates
// arrive later through the outbox and the ack says so.
func ackText(res pipeline.Result, deferred bool) string {
	var text string
	switch res.Kind {
	case pipeline.KindCompleted:
		text = "OK mu " + res.Command.CommandKind + " completed"
	case pipeline.KindAwaitingConfirmation:
		text = "mu " + res.Command.CommandKind + " needs confirmation: reply /mu confirm " +
			res.Command.CommandID + " or /mu cancel " + res.Command.CommandID
	case pipeline.KindCancelled:
		text = "mu " + res.Command.CommandKind + " cancelled"
	case pipeline.KindExpired:
		text = "mu " + res.Command.CommandKind + " confirmation expired"
	case pipeline.KindDeferred:
		text = "mu " + res.Command.CommandKind + " deferred"
	case pipeline.KindFailed:
		text = "mu " + res.Command.CommandKind + " failed: " + res.Reason
	case pipeline.KindOperatorResponse:
		text = res.Message
	case pipeline.KindDenied:
		text = "denied: " + res.Reason
	case pipeline.KindInvalid:
		text = "invalid: " + res.Reason
	default:
		text = "ignored: " + res.Reason
	}
	if deferred && res.Command != nil {
		text += " (update queued via outbox)"
	}
	return text
}

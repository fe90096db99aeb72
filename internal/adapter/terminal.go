package adapter

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/getmu/control-plane/internal/envelope"
	"github.com/getmu/control-plane/internal/pipeline"
)

// TerminalRoute is the local command submission route.
const TerminalRoute = "/api/commands/submit"

// TerminalSecretHeader carries the shared secret for local callers.
const TerminalSecretHeader = "X-Mu-Terminal-Secret"

// TerminalConfig configures the terminal adapter.
type TerminalConfig struct {
	Secret   string
	RepoRoot string
}

// TerminalAdapter ingests command submissions from local callers: the CLI
// and editor integrations. The ack is the pipeline result itself since the
// caller is synchronous.
type TerminalAdapter struct {
	cfg      TerminalConfig
	pipeline Pipeline
	validate *validator.Validate

	now func() time.Time
}

// NewTerminalAdapter builds the terminal adapter.
func NewTerminalAdapter(cfg TerminalConfig, p Pipeline) *TerminalAdapter {
	return &TerminalAdapter{
		cfg:      cfg,
		pipeline: p,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Spec implements Adapter.
func (a *TerminalAdapter) Spec() Spec {
	return Spec{
		Channel:        envelope.ChannelTerminal,
		Route:          TerminalRoute,
		IngressPayload: PayloadJSON,
		Verification: Verification{
			Method:       VerifySharedSecretHeader,
			SecretHeader: TerminalSecretHeader,
		},
		AckFormat:         AckJSONEnvelope,
		DeliverySemantics: DeliveryAtLeastOnce,
		DeferredDelivery:  false,
	}
}

// terminalSubmit is the local submission body.
type terminalSubmit struct {
	CommandText    string `json:"command_text" validate:"required,min=1,max=4096"`
	ActorID        string `json:"actor_id" validate:"required,max=256"`
	Channel        string `json:"channel" validate:"omitempty,oneof=terminal neovim"`
	ConversationID string `json:"conversation_id" validate:"omitempty,max=256"`
	RequestID      string `json:"request_id" validate:"omitempty,max=128"`
}

// terminalAck is the synchronous result envelope.
type terminalAck struct {
	OK      bool             `json:"ok"`
	Kind    pipeline.Kind    `json:"kind"`
	Reason  string           `json:"reason,omitempty"`
	Message string           `json:"message,omitempty"`
	Command *terminalCommand `json:"command,omitempty"`
}

type terminalCommand struct {
	CommandID string          `json:"command_id"`
	Kind      string          `json:"kind"`
	State     string          `json:"state"`
	Attempt   int             `json:"attempt"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Ingest implements Adapter.
func (a *TerminalAdapter) Ingest(r *http.Request) IngressResult {
	body, err := readBody(r)
	if err != nil {
		return a.rejectPayload("invalid_body", err.Error())
	}
	if verr := verify(a.Spec(), r, body, a.cfg.Secret, a.now()); verr != nil {
		return rejectVerification(envelope.ChannelTerminal, verr)
	}

	var submit terminalSubmit
	if err := json.Unmarshal(body, &submit); err != nil {
		return a.rejectPayload("invalid_json", err.Error())
	}
	if err := a.validate.Struct(submit); err != nil {
		return a.rejectPayload("invalid_submission", err.Error())
	}

	channel := envelope.ChannelTerminal
	if submit.Channel == string(envelope.ChannelNeovim) {
		channel = envelope.ChannelNeovim
	}
	requestID := submit.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	text := envelope.NormalizeCommandText(submit.CommandText)
	env := envelope.Inbound{
		Version:               envelope.Version,
		ReceivedAtMs:          a.now().UnixMilli(),
		RequestID:             requestID,
		DeliveryID:            requestID,
		Channel:               channel,
		ChannelTenantID:       localTenantID(),
		ChannelConversationID: submit.ConversationID,
		ActorID:               submit.ActorID,
		AssuranceTier:         envelope.TierForChannel(channel),
		RepoRoot:              a.cfg.RepoRoot,
		CommandText:           text,
		IdempotencyKey:        envelope.IdempotencyKey(channel, requestID),
		Fingerprint:           envelope.Fingerprint(channel, text),
	}

	res := a.pipeline.HandleInbound(r.Context(), env)
	ack := terminalAck{
		OK:      res.Kind != pipeline.KindDenied && res.Kind != pipeline.KindInvalid && res.Kind != pipeline.KindFailed,
		Kind:    res.Kind,
		Reason:  res.Reason,
		Message: ackText(res, false),
	}
	if res.Command != nil {
		ack.Command = &terminalCommand{
			CommandID: res.Command.CommandID,
			Kind:      res.Command.CommandKind,
			State:     string(res.Command.State),
			Attempt:   res.Command.Attempt,
			Result:    res.Command.Result,
		}
	}
	return IngressResult{
		Channel:        channel,
		Accepted:       true,
		Status:         http.StatusOK,
		Body:           ack,
		Inbound:        &env,
		PipelineResult: &res,
	}
}

func (a *TerminalAdapter) rejectPayload(reason, detail string) IngressResult {
	entry := AuditEntry{
		Channel: envelope.ChannelTerminal,
		Kind:    AuditPayloadRejected,
		Reason:  reason,
		Detail:  map[string]string{"error": detail},
	}
	return IngressResult{
		Channel:  envelope.ChannelTerminal,
		Accepted: false,
		Reason:   reason,
		Status:   http.StatusBadRequest,
		Body:     errorBody(reason),
		Audit:    &entry,
	}
}

// localTenantID scopes terminal bindings to the machine.
func localTenantID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "local"
	}
	return host
}

package command

import (
	"encoding/json"
	"slices"

	"github.com/getmu/control-plane/internal/envelope"
)

// Target types a command can act on.
const (
	TargetIssue        = "issue"
	TargetOperator     = "operator"
	TargetControlPlane = "control_plane"
	TargetIdentity     = "identity"
)

// CLIInvocation captures the subprocess metadata for /mu run commands.
type CLIInvocation struct {
	Path         string   `json:"path"`
	Args         []string `json:"args,omitempty"`
	PID          int      `json:"pid,omitempty"`
	ExitCode     *int     `json:"exit_code,omitempty"`
	StartedAtMs  int64    `json:"started_at_ms,omitempty"`
	FinishedAtMs int64    `json:"finished_at_ms,omitempty"`
}

// Record is the durable lifecycle entity for one command invocation.
type Record struct {
	CommandID string `json:"command_id"`
	State     State  `json:"state"`

	Channel               envelope.Channel `json:"channel"`
	ChannelTenantID       string           `json:"channel_tenant_id,omitempty"`
	ChannelConversationID string           `json:"channel_conversation_id,omitempty"`
	RequestID             string           `json:"request_id,omitempty"`
	ActorBindingID        string           `json:"actor_binding_id,omitempty"`

	CommandText string   `json:"command_text"`
	CommandKind string   `json:"command_kind"`
	Args        []string `json:"args,omitempty"`
	TargetType  string   `json:"target_type,omitempty"`
	TargetID    string   `json:"target_id,omitempty"`

	IdempotencyKey string `json:"idempotency_key"`
	Fingerprint    string `json:"fingerprint"`

	Attempt                 int   `json:"attempt"`
	CreatedAtMs             int64 `json:"created_at_ms"`
	UpdatedAtMs             int64 `json:"updated_at_ms"`
	ConfirmationExpiresAtMs int64 `json:"confirmation_expires_at_ms,omitempty"`
	RetryAtMs               int64 `json:"retry_at_ms,omitempty"`

	ErrorCode         string          `json:"error_code,omitempty"`
	OperatorSessionID string          `json:"operator_session_id,omitempty"`
	OperatorTurnID    string          `json:"operator_turn_id,omitempty"`
	CLI               *CLIInvocation  `json:"cli,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
}

// clone deep-copies the record so callers never alias store state.
func (r Record) clone() Record {
	c := r
	c.Args = slices.Clone(r.Args)
	if r.CLI != nil {
		cli := *r.CLI
		if r.CLI.ExitCode != nil {
			code := *r.CLI.ExitCode
			cli.ExitCode = &code
		}
		cli.Args = slices.Clone(r.CLI.Args)
		c.CLI = &cli
	}
	c.Result = slices.Clone(r.Result)
	return c
}

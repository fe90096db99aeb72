// Package executor runs dispatched commands: issue-graph operations
// synchronously, operator CLI invocations as supervised subprocesses, and
// identity self-service.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/getmu/control-plane/internal/command"
	"github.com/getmu/control-plane/internal/envelope"
	"github.com/getmu/control-plane/internal/identity"
	cperrors "github.com/getmu/control-plane/internal/pkg/errors"
)

// Outcome is the result of executing one command.
type Outcome struct {
	// Result is the structured payload stored on the command record.
	Result json.RawMessage
	// Message is the human-readable summary delivered back to the channel.
	Message string
	// ErrorCode, when set, fails the command.
	ErrorCode string
	// Deferred re-queues the command for RetryAtMs instead of finishing it.
	Deferred  bool
	RetryAtMs int64
}

// completed builds a successful outcome with a JSON payload.
func completed(message string, payload any) Outcome {
	data, err := json.Marshal(payload)
	if err != nil {
		return failed("result_encode_failed", err.Error())
	}
	return Outcome{Result: data, Message: message}
}

// failed builds a failure outcome.
func failed(code, message string) Outcome {
	data, _ := json.Marshal(map[string]string{"error": code, "message": message})
	return Outcome{Result: data, Message: message, ErrorCode: code}
}

// Router dispatches a command record to the executor owning its kind.
type Router struct {
	Issues   *IssueExecutor
	CLI      *CLIExecutor
	Identity *identity.Store

	// StatusFn reports plane status for /mu status.
	StatusFn func() any
	// ReloadFn triggers an adapter reload for /mu reload.
	ReloadFn func(ctx context.Context, reason string) (any, error)
	// SelfLinkScopes are granted on chat-initiated /mu link.
	SelfLinkScopes []string
}

// Execute runs rec and returns its outcome. The pipeline owns all state
// transitions; executors never touch the command store.
func (r *Router) Execute(ctx context.Context, env envelope.Inbound, rec command.Record) Outcome {
	switch rec.CommandKind {
	case "status":
		var status any = map[string]string{"status": "ok"}
		if r.StatusFn != nil {
			status = r.StatusFn()
		}
		return completed("OK mu control plane", status)

	case "help":
		return completed(helpText, map[string]string{"help": helpText})

	case "link":
		return r.link(env)

	case "unlink":
		return r.unlink(rec)

	case "revoke":
		return r.revoke(rec)

	case "reload":
		if r.ReloadFn == nil {
			return failed("reload_unavailable", "reload is not wired on this plane")
		}
		reason := "chat_command"
		if len(rec.Args) > 0 {
			reason = rec.Args[0]
		}
		result, err := r.ReloadFn(ctx, reason)
		if err != nil {
			return failed("reload_failed", err.Error())
		}
		return completed("reload finished", result)

	case "ready", "get", "list", "validate", "create", "update", "claim", "close", "dep", "undep":
		if r.Issues == nil {
			return failed("issues_unavailable", "issue execution is not wired on this plane")
		}
		return r.Issues.Execute(rec)

	case "run":
		if r.CLI == nil {
			return failed("cli_unavailable", "CLI execution is not wired on this plane")
		}
		return r.CLI.Execute(ctx, rec)

	default:
		return failed("unsupported_command", fmt.Sprintf("unknown command %q", rec.CommandKind))
	}
}

func (r *Router) link(env envelope.Inbound) Outcome {
	binding, err := r.Identity.Link(identity.LinkParams{
		Channel:         env.Channel,
		ChannelTenantID: env.ChannelTenantID,
		ChannelActorID:  env.ActorID,
		Scopes:          r.SelfLinkScopes,
	})
	if err != nil {
		re := cperrors.AsReasonError(err)
		return failed(re.Reason, re.Error())
	}
	return completed(fmt.Sprintf("linked as %s", binding.BindingID), binding)
}

func (r *Router) unlink(rec command.Record) Outcome {
	if rec.ActorBindingID == "" {
		return failed("identity_not_linked", "no binding to unlink")
	}
	binding, err := r.Identity.UnlinkSelf(rec.ActorBindingID, rec.ActorBindingID, "self unlink")
	if err != nil {
		re := cperrors.AsReasonError(err)
		return failed(re.Reason, re.Error())
	}
	return completed(fmt.Sprintf("unlinked %s", binding.BindingID), binding)
}

func (r *Router) revoke(rec command.Record) Outcome {
	if len(rec.Args) < 1 {
		return failed("invalid_arguments", "usage: /mu revoke <binding_id> [reason]")
	}
	reason := "revoked by admin"
	if len(rec.Args) > 1 {
		reason = rec.Args[1]
	}
	binding, err := r.Identity.Revoke(rec.Args[0], rec.ActorBindingID, reason)
	if err != nil {
		re := cperrors.AsReasonError(err)
		return failed(re.Reason, re.Error())
	}
	return completed(fmt.Sprintf("revoked %s", binding.BindingID), binding)
}

const helpText = "commands: status, ready, get, list, create, update, claim, close, dep, undep, validate, run, link, unlink, confirm, cancel"

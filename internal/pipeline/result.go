package pipeline

import "github.com/getmu/control-plane/internal/command"

// Kind discriminates the pipeline result variants.
type Kind string

// Pipeline result kinds.
const (
	KindNoop                 Kind = "noop"
	KindInvalid              Kind = "invalid"
	KindOperatorResponse     Kind = "operator_response"
	KindDenied               Kind = "denied"
	KindAwaitingConfirmation Kind = "awaiting_confirmation"
	KindCompleted            Kind = "completed"
	KindCancelled            Kind = "cancelled"
	KindExpired              Kind = "expired"
	KindDeferred             Kind = "deferred"
	KindFailed               Kind = "failed"
)

// Result is the tagged outcome of handling one inbound envelope. Command is
// set on every variant that journals a record; Reason on the rejections;
// Message on the conversational variant.
type Result struct {
	Kind    Kind            `json:"kind"`
	Reason  string          `json:"reason,omitempty"`
	Message string          `json:"message,omitempty"`
	Command *command.Record `json:"command,omitempty"`
}

// Noop reports an ignored delivery, e.g. empty input or a duplicate.
func Noop(reason string) Result {
	return Result{Kind: KindNoop, Reason: reason}
}

// Invalid reports an unparseable or unsupported command.
func Invalid(reason string) Result {
	return Result{Kind: KindInvalid, Reason: reason}
}

// OperatorResponse carries a conversational reply that bypassed the command
// lifecycle.
func OperatorResponse(message string) Result {
	return Result{Kind: KindOperatorResponse, Message: message}
}

// Denied reports an identity, scope, or idempotency rejection.
func Denied(reason string) Result {
	return Result{Kind: KindDenied, Reason: reason}
}

// AwaitingConfirmation reports a command held for explicit confirmation.
func AwaitingConfirmation(rec command.Record) Result {
	return Result{Kind: KindAwaitingConfirmation, Command: &rec}
}

// Completed reports a successfully executed command.
func Completed(rec command.Record) Result {
	return Result{Kind: KindCompleted, Command: &rec}
}

// Cancelled reports a command cancelled by its actor.
func Cancelled(rec command.Record) Result {
	return Result{Kind: KindCancelled, Command: &rec}
}

// Expired reports a confirmation window that lapsed.
func Expired(rec command.Record) Result {
	return Result{Kind: KindExpired, Command: &rec}
}

// Deferred reports a command re-queued for a later attempt.
func Deferred(rec command.Record) Result {
	return Result{Kind: KindDeferred, Command: &rec}
}

// Failed reports a command that reached the failed state.
func Failed(rec command.Record, reason string) Result {
	return Result{Kind: KindFailed, Reason: reason, Command: &rec}
}

// Terminal reports whether the result ends the command's lifecycle.
func (r Result) Terminal() bool {
	switch r.Kind {
	case KindCompleted, KindCancelled, KindExpired, KindFailed:
		return true
	}
	return false
}

// Package pipeline turns normalized inbound envelopes into command lifecycle
// transitions: identity resolution, scope check, idempotency, confirmation
// gating, and execution dispatch, journaled at every step.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/getmu/control-plane/internal/command"
	"github.com/getmu/control-plane/internal/envelope"
	"github.com/getmu/control-plane/internal/executor"
	"github.com/getmu/control-plane/internal/identity"
	"github.com/getmu/control-plane/internal/outbox"
	"github.com/getmu/control-plane/internal/pkg/ulid"
	"github.com/getmu/control-plane/internal/policy"
)

var (
	resultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mu_pipeline_results_total",
			Help: "Pipeline results by kind",
		},
		[]string{"kind"},
	)

	commandsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mu_commands_active",
			Help: "Commands in a non-terminal state",
		},
	)
)

// commandPrefix every command must start with.
const commandPrefix = "/mu"

// Executor runs a dispatched command. The pipeline owns all state
// transitions; the executor only reports an outcome.
type Executor interface {
	Execute(ctx context.Context, env envelope.Inbound, rec command.Record) executor.Outcome
}

// OperatorChat handles conversational text on channels that allow it.
type OperatorChat interface {
	Chat(ctx context.Context, sessionID, text string) (string, error)
}

// Config tunes the pipeline.
type Config struct {
	ConfirmTTL time.Duration
	DeferRetry time.Duration
	// ConversationalChannels fall through to the operator on non-command text.
	ConversationalChannels []envelope.Channel
}

// Pipeline is the single entry point between adapters and execution.
type Pipeline struct {
	identities *identity.Store
	commands   *command.Store
	idem       *command.IdempotencyIndex
	policies   *policy.Manager
	outbox     *outbox.Outbox
	exec       Executor
	operator   OperatorChat
	logger     *slog.Logger

	confirmTTL     time.Duration
	deferRetry     time.Duration
	conversational map[envelope.Channel]bool

	now func() time.Time
}

// New wires a pipeline over its collaborators. operator may be nil when no
// conversational channel is enabled.
func New(
	identities *identity.Store,
	commands *command.Store,
	idem *command.IdempotencyIndex,
	policies *policy.Manager,
	ob *outbox.Outbox,
	exec Executor,
	operator OperatorChat,
	cfg Config,
	logger *slog.Logger,
) *Pipeline {
	if cfg.ConfirmTTL <= 0 {
		cfg.ConfirmTTL = 15 * time.Minute
	}
	if cfg.DeferRetry <= 0 {
		cfg.DeferRetry = 30 * time.Second
	}
	conversational := make(map[envelope.Channel]bool, len(cfg.ConversationalChannels))
	for _, ch := range cfg.ConversationalChannels {
		conversational[ch] = true
	}
	return &Pipeline{
		identities:     identities,
		commands:       commands,
		idem:           idem,
		policies:       policies,
		outbox:         ob,
		exec:           exec,
		operator:       operator,
		logger:         logger,
		confirmTTL:     cfg.ConfirmTTL,
		deferRetry:     cfg.DeferRetry,
		conversational: conversational,
		now:            time.Now,
	}
}

// HandleInbound runs the full command pipeline for one envelope.
func (p *Pipeline) HandleInbound(ctx context.Context, env envelope.Inbound) Result {
	res := p.handle(ctx, env)
	resultsTotal.WithLabelValues(string(res.Kind)).Inc()
	commandsActive.Set(float64(p.commands.ActiveCount()))
	return res
}

func (p *Pipeline) handle(ctx context.Context, env envelope.Inbound) Result {
	text := envelope.NormalizeCommandText(env.CommandText)
	if text == "" {
		return Noop("empty_input")
	}

	// Non-command text only reaches the operator on conversational channels.
	if !strings.HasPrefix(text, commandPrefix) {
		if p.conversational[env.Channel] && p.operator != nil {
			return p.operatorChat(ctx, env, text)
		}
		return Noop("not_command")
	}

	kind, args := parseCommand(text)
	if kind == "" {
		return Invalid("missing_command")
	}

	pol := p.policies.Snapshot()
	if !pol.KnownCommand(kind) {
		return Invalid("unsupported_command")
	}

	// Identity: the envelope's actor_binding_id is a hint only; the store is
	// authoritative.
	binding, linked := p.identities.ResolveActive(env.Channel, env.ChannelTenantID, env.ActorID)
	if !linked && !pol.IdentityExempt(kind) {
		return Denied("identity_not_linked")
	}

	if !pol.Allows(binding.Scopes, kind) {
		return Denied("missing_scope")
	}

	switch kind {
	case "confirm", "cancel":
		return p.handleConfirmation(ctx, env, binding, kind, args)
	}

	// Idempotency: reserve the key for a fresh command id; an existing entry
	// is either a replay or a conflict.
	commandID := ulid.NewCommandID()
	entry, existing, err := p.idem.PutIfAbsent(env.IdempotencyKey, env.Fingerprint, commandID)
	if err != nil {
		p.logger.Error("idempotency reserve failed", slog.String("error", err.Error()))
		return Invalid("journal_write_failed")
	}
	if existing {
		return p.replayExisting(entry, env)
	}

	unlock := p.commands.LockCommand(commandID)
	defer unlock()

	rec, err := p.commands.Create(command.Record{
		CommandID:             commandID,
		Channel:               env.Channel,
		ChannelTenantID:       env.ChannelTenantID,
		ChannelConversationID: env.ChannelConversationID,
		RequestID:             env.RequestID,
		ActorBindingID:        binding.BindingID,
		CommandText:           text,
		CommandKind:           kind,
		Args:                  args,
		TargetType:            targetTypeFor(kind),
		TargetID:              targetIDFor(kind, args),
		IdempotencyKey:        env.IdempotencyKey,
		Fingerprint:           env.Fingerprint,
	})
	if err != nil {
		p.logger.Error("command create failed", slog.String("error", err.Error()))
		return Invalid("journal_write_failed")
	}

	if pol.RequiresConfirmation(kind) {
		rec, res := p.transition(env, rec.CommandID, command.StateAwaitingConfirmation, KindAwaitingConfirmation, func(r *command.Record) {
			r.ConfirmationExpiresAtMs = p.now().Add(p.confirmTTL).UnixMilli()
		})
		if res != nil {
			return *res
		}
		return AwaitingConfirmation(rec)
	}

	queued, res := p.transition(env, rec.CommandID, command.StateQueued, KindNoop, nil)
	if res != nil {
		return *res
	}
	return p.execute(ctx, env, queued)
}

// handleConfirmation resolves /mu confirm <id> and /mu cancel <id>.
func (p *Pipeline) handleConfirmation(ctx context.Context, env envelope.Inbound, binding identity.Binding, kind string, args []string) Result {
	if len(args) != 1 {
		return Invalid("missing_command_id")
	}
	targetID := args[0]

	// The callback delivery carries its own idempotency key; it maps to the
	// referenced command so replays re-emit that command's result.
	entry, existing, err := p.idem.PutIfAbsent(env.IdempotencyKey, env.Fingerprint, targetID)
	if err != nil {
		p.logger.Error("idempotency reserve failed", slog.String("error", err.Error()))
		return Invalid("journal_write_failed")
	}
	if existing {
		return p.replayExisting(entry, env)
	}

	unlock := p.commands.LockCommand(targetID)
	defer unlock()

	rec, ok := p.commands.Get(targetID)
	if !ok {
		return Invalid("unknown_command_id")
	}
	if rec.State != command.StateAwaitingConfirmation {
		return Invalid("not_awaiting_confirmation")
	}
	// Only the actor that issued the command may confirm or cancel it.
	if rec.ActorBindingID == "" || rec.ActorBindingID != binding.BindingID {
		return Denied("invalid_actor")
	}

	nowMs := p.now().UnixMilli()
	if rec.ConfirmationExpiresAtMs > 0 && nowMs > rec.ConfirmationExpiresAtMs {
		expired, res := p.transition(env, rec.CommandID, command.StateExpired, KindExpired, nil)
		if res != nil {
			return *res
		}
		p.markIdemTerminal(expired)
		return Expired(expired)
	}

	if kind == "cancel" {
		cancelled, res := p.transition(env, rec.CommandID, command.StateCancelled, KindCancelled, nil)
		if res != nil {
			return *res
		}
		p.markIdemTerminal(cancelled)
		return Cancelled(cancelled)
	}

	queued, res := p.transition(env, rec.CommandID, command.StateQueued, KindNoop, nil)
	if res != nil {
		return *res
	}
	return p.execute(ctx, env, queued)
}

// execute drives queued → in_progress → terminal/deferred for rec. The
// caller holds the per-command lock.
func (p *Pipeline) execute(ctx context.Context, env envelope.Inbound, rec command.Record) Result {
	rec, res := p.transition(env, rec.CommandID, command.StateInProgress, KindNoop, nil)
	if res != nil {
		return *res
	}

	out := p.exec.Execute(ctx, env, rec)

	switch {
	case out.Deferred:
		deferred, res := p.transition(env, rec.CommandID, command.StateDeferred, KindDeferred, func(r *command.Record) {
			r.RetryAtMs = out.RetryAtMs
			r.Result = out.Result
		})
		if res != nil {
			return *res
		}
		return Deferred(deferred)

	case out.ErrorCode != "":
		failed, res := p.transition(env, rec.CommandID, command.StateFailed, KindFailed, func(r *command.Record) {
			r.ErrorCode = out.ErrorCode
			r.Result = out.Result
		})
		if res != nil {
			return *res
		}
		p.markIdemTerminal(failed)
		return Failed(failed, out.ErrorCode)

	default:
		done, res := p.transition(env, rec.CommandID, command.StateCompleted, KindCompleted, func(r *command.Record) {
			r.Result = out.Result
		})
		if res != nil {
			return *res
		}
		p.markIdemTerminal(done)
		return Completed(done)
	}
}

// transition applies one FSM edge, journals it, and enqueues the lifecycle
// message. On failure it returns a non-nil Result describing the error; an
// invalid edge is a programmer error surfaced as failed{invalid_transition}.
func (p *Pipeline) transition(env envelope.Inbound, commandID string, to command.State, kind Kind, mutate func(*command.Record)) (command.Record, *Result) {
	rec, err := p.commands.Transition(commandID, to, mutate)
	if err != nil {
		var invalid *command.InvalidTransitionError
		if errors.As(err, &invalid) {
			p.logger.Error("invalid command transition",
				slog.String("command_id", commandID),
				slog.String("from", string(invalid.From)),
				slog.String("to", string(invalid.To)))
			cur, _ := p.commands.Get(commandID)
			res := Failed(cur, "invalid_transition")
			return command.Record{}, &res
		}
		p.logger.Error("command transition failed",
			slog.String("command_id", commandID),
			slog.String("error", err.Error()))
		res := Invalid("journal_write_failed")
		return command.Record{}, &res
	}

	p.enqueueLifecycle(env, rec, kind)
	return rec, nil
}

// enqueueLifecycle queues the outbound lifecycle message for a transition.
// The dedupe key is a deterministic function of (command, result kind,
// state), so replayed transitions collapse in the outbox.
func (p *Pipeline) enqueueLifecycle(env envelope.Inbound, rec command.Record, kind Kind) {
	resultKind := string(kind)
	if kind == KindNoop {
		resultKind = "lifecycle"
	}
	dedupeKey := fmt.Sprintf("%s:%s:%s", rec.CommandID, resultKind, rec.State)

	out := envelope.Outbound{
		Channel:               rec.Channel,
		ChannelTenantID:       rec.ChannelTenantID,
		ChannelConversationID: rec.ChannelConversationID,
		RecipientID:           env.ActorID,
		ResponseURL:           env.Metadata["response_url"],
		Text:                  lifecycleText(rec),
		TsMs:                  p.now().UnixMilli(),
		Correlation: envelope.Correlation{
			CommandID: rec.CommandID,
			RequestID: rec.RequestID,
		},
	}
	if _, _, err := p.outbox.Enqueue(dedupeKey, out); err != nil {
		p.logger.Error("outbox enqueue failed",
			slog.String("command_id", rec.CommandID),
			slog.String("error", err.Error()))
	}
}

func lifecycleText(rec command.Record) string {
	switch rec.State {
	case command.StateAwaitingConfirmation:
		return fmt.Sprintf("mu %s needs confirmation: reply /mu confirm %s or /mu cancel %s",
			rec.CommandKind, rec.CommandID, rec.CommandID)
	case command.StateFailed:
		return fmt.Sprintf("mu %s failed: %s", rec.CommandKind, rec.ErrorCode)
	default:
		return fmt.Sprintf("mu %s %s", rec.CommandKind, rec.State)
	}
}

// replayExisting resolves a duplicate delivery: a fingerprint mismatch is a
// conflict; a matching in-flight command is a silent duplicate; a matching
// terminal command re-emits its result so at-least-once stays idempotent.
func (p *Pipeline) replayExisting(entry command.IdempotencyEntry, env envelope.Inbound) Result {
	if entry.Fingerprint != env.Fingerprint {
		return Denied("idempotency_conflict")
	}
	rec, ok := p.commands.Get(entry.CommandID)
	if !ok {
		return Noop("duplicate_delivery")
	}
	if !rec.State.Terminal() {
		return Noop("duplicate_delivery")
	}
	return terminalResult(rec)
}

func terminalResult(rec command.Record) Result {
	switch rec.State {
	case command.StateCompleted:
		return Completed(rec)
	case command.StateCancelled:
		return Cancelled(rec)
	case command.StateExpired:
		return Expired(rec)
	case command.StateDeadLetter:
		return Failed(rec, "dead_letter")
	default:
		return Failed(rec, rec.ErrorCode)
	}
}

func (p *Pipeline) markIdemTerminal(rec command.Record) {
	if rec.IdempotencyKey == "" {
		return
	}
	if err := p.idem.UpdateState(rec.IdempotencyKey, string(rec.State)); err != nil {
		p.logger.Warn("idempotency state update failed",
			slog.String("command_id", rec.CommandID),
			slog.String("error", err.Error()))
	}
}

func (p *Pipeline) operatorChat(ctx context.Context, env envelope.Inbound, text string) Result {
	sessionID := fmt.Sprintf("%s:%s", env.Channel, env.ChannelConversationID)
	reply, err := p.operator.Chat(ctx, sessionID, text)
	if err != nil {
		p.logger.Warn("operator chat failed",
			slog.String("channel", string(env.Channel)),
			slog.String("error", err.Error()))
		return Invalid("operator_unavailable")
	}
	return OperatorResponse(reply)
}

// SweepExpired moves overdue confirmations to expired. Returns the number of
// commands expired.
func (p *Pipeline) SweepExpired(nowMs int64) int {
	expired := 0
	for _, rec := range p.commands.PendingConfirmations(nowMs) {
		unlock := p.commands.LockCommand(rec.CommandID)
		cur, ok := p.commands.Get(rec.CommandID)
		if !ok || cur.State != command.StateAwaitingConfirmation {
			unlock()
			continue
		}
		env := envelopeFromRecord(cur)
		done, res := p.transition(env, cur.CommandID, command.StateExpired, KindExpired, nil)
		if res == nil {
			p.markIdemTerminal(done)
			expired++
		}
		unlock()
	}
	return expired
}

// RequeueDeferred re-runs deferred commands whose retry time has arrived.
// Returns the number of commands re-dispatched.
func (p *Pipeline) RequeueDeferred(ctx context.Context, nowMs int64) int {
	requeued := 0
	for _, rec := range p.commands.DueDeferred(nowMs) {
		unlock := p.commands.LockCommand(rec.CommandID)
		cur, ok := p.commands.Get(rec.CommandID)
		if !ok || cur.State != command.StateDeferred {
			unlock()
			continue
		}
		env := envelopeFromRecord(cur)
		queued, res := p.transition(env, cur.CommandID, command.StateQueued, KindNoop, func(r *command.Record) {
			r.RetryAtMs = 0
		})
		if res == nil {
			result := p.execute(ctx, env, queued)
			if result.Terminal() || result.Kind == KindDeferred {
				requeued++
			}
		}
		unlock()
	}
	return requeued
}

// Wake fans one notification out to every active binding, deduped per
// (wake, binding).
func (p *Pipeline) Wake(reason string) (string, int) {
	wakeID := "wake-" + uuid.NewString()
	sent := 0
	for _, b := range p.identities.ActiveBindings() {
		out := envelope.Outbound{
			Channel:               b.Channel,
			ChannelTenantID:       b.ChannelTenantID,
			ChannelConversationID: b.ChannelActorID,
			RecipientID:           b.ChannelActorID,
			Text:                  "mu wake: " + reason,
			TsMs:                  p.now().UnixMilli(),
			Correlation:           envelope.Correlation{WakeID: wakeID},
		}
		dedupeKey := fmt.Sprintf("%s:%s", wakeID, b.BindingID)
		if _, _, err := p.outbox.Enqueue(dedupeKey, out); err != nil {
			p.logger.Error("wake enqueue failed",
				slog.String("binding_id", b.BindingID),
				slog.String("error", err.Error()))
			continue
		}
		sent++
	}
	return wakeID, sent
}

// envelopeFromRecord rebuilds the delivery context for transitions that run
// without an inbound request (sweeps and requeues).
func envelopeFromRecord(rec command.Record) envelope.Inbound {
	return envelope.Inbound{
		Version:               envelope.Version,
		Channel:               rec.Channel,
		ChannelTenantID:       rec.ChannelTenantID,
		ChannelConversationID: rec.ChannelConversationID,
		RequestID:             rec.RequestID,
		ActorBindingID:        rec.ActorBindingID,
		CommandText:           rec.CommandText,
		IdempotencyKey:        rec.IdempotencyKey,
		Fingerprint:           rec.Fingerprint,
	}
}

// parseCommand splits "/mu <kind> <args...>".
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return "", nil
	}
	return strings.ToLower(fields[1]), fields[2:]
}

func targetTypeFor(kind string) string {
	switch kind {
	case "ready", "get", "list", "validate", "create", "update", "claim", "close", "dep", "undep":
		return command.TargetIssue
	case "run":
		return command.TargetOperator
	case "reload", "status", "help":
		return command.TargetControlPlane
	case "link", "unlink", "revoke":
		return command.TargetIdentity
	default:
		return ""
	}
}

func targetIDFor(kind string, args []string) string {
	switch kind {
	case "get", "update", "claim", "close", "dep", "undep", "validate", "revoke":
		if len(args) > 0 {
			return args[0]
		}
	}
	return ""
}

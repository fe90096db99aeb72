package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmu/control-plane/internal/command"
	"github.com/getmu/control-plane/internal/envelope"
	"github.com/getmu/control-plane/internal/executor"
	"github.com/getmu/control-plane/internal/identity"
	"github.com/getmu/control-plane/internal/outbox"
	"github.com/getmu/control-plane/internal/policy"
)

type stubExecutor struct {
	outcome executor.Outcome
	calls   int
}

func (s *stubExecutor) Execute(ctx context.Context, env envelope.Inbound, rec command.Record) executor.Outcome {
	s.calls++
	return s.outcome
}

type stubOperator struct {
	reply string
	calls int
}

func (s *stubOperator) Chat(ctx context.Context, sessionID, text string) (string, error) {
	s.calls++
	return s.reply, nil
}

type testDeps struct {
	pipe       *Pipeline
	identities *identity.Store
	commands   *command.Store
	outbox     *outbox.Outbox
	exec       *stubExecutor
	operator   *stubOperator
}

func newTestPipeline(t *testing.T) *testDeps {
	t.Helper()
	dir := t.TempDir()

	identities, err := identity.Load(filepath.Join(dir, "identities.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { identities.Close() })

	commands, err := command.LoadStore(filepath.Join(dir, "commands.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { commands.Close() })

	idem, err := command.LoadIdempotency(filepath.Join(dir, "idempotency.jsonl"), time.Hour, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { idem.Close() })

	ob, err := outbox.Load(filepath.Join(dir, "outbox.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { ob.Close() })

	policies, err := policy.NewManager(filepath.Join(dir, "policy.json"))
	require.NoError(t, err)

	exec := &stubExecutor{outcome: executor.Outcome{
		Result:  json.RawMessage(`{"done":true}`),
		Message: "done",
	}}
	op := &stubOperator{reply: "operator says hi"}

	pipe := New(identities, commands, idem, policies, ob, exec, op, Config{
		ConfirmTTL:             time.Minute,
		DeferRetry:             time.Second,
		ConversationalChannels: []envelope.Channel{envelope.ChannelTelegram},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	return &testDeps{
		pipe:       pipe,
		identities: identities,
		commands:   commands,
		outbox:     ob,
		exec:       exec,
		operator:   op,
	}
}

func (d *testDeps) link(t *testing.T, actor string, scopes ...string) identity.Binding {
	t.Helper()
	b, err := d.identities.Link(identity.LinkParams{
		Channel:         envelope.ChannelSlack,
		ChannelTenantID: "T1",
		ChannelActorID:  actor,
		Scopes:          scopes,
	})
	require.NoError(t, err)
	return b
}

func inbound(channel envelope.Channel, actor, text, deliveryID string) envelope.Inbound {
	return envelope.Inbound{
		Version:               envelope.Version,
		ReceivedAtMs:          time.Now().UnixMilli(),
		RequestID:             "req-" + deliveryID,
		DeliveryID:            deliveryID,
		Channel:               channel,
		ChannelTenantID:       "T1",
		ChannelConversationID: "C1",
		ActorID:               actor,
		AssuranceTier:         envelope.TierForChannel(channel),
		CommandText:           text,
		IdempotencyKey:        envelope.IdempotencyKey(channel, deliveryID),
		Fingerprint:           envelope.Fingerprint(channel, text),
	}
}

func TestEmptyInputIsNoop(t *testing.T) {
	d := newTestPipeline(t)

	res := d.pipe.HandleInbound(context.Background(), inbound(envelope.ChannelSlack, "U1", "", "d1"))
	assert.Equal(t, KindNoop, res.Kind)
	assert.Equal(t, "empty_input", res.Reason)
}

func TestNonCommandTextIsNoopOutsideConversationalChannels(t *testing.T) {
	d := newTestPipeline(t)

	res := d.pipe.HandleInbound(context.Background(), inbound(envelope.ChannelSlack, "U1", "what is up", "d1"))
	assert.Equal(t, KindNoop, res.Kind)
	assert.Equal(t, "not_command", res.Reason)
	assert.Zero(t, d.operator.calls)
}

func TestConversationalChannelRoutesToOperator(t *testing.T) {
	d := newTestPipeline(t)

	res := d.pipe.HandleInbound(context.Background(), inbound(envelope.ChannelTelegram, "U1", "what is up", "d1"))
	assert.Equal(t, KindOperatorResponse, res.Kind)
	assert.Equal(t, "operator says hi", res.Message)
	assert.Equal(t, 1, d.operator.calls)
}

func TestUnsupportedCommandIsInvalid(t *testing.T) {
	d := newTestPipeline(t)

	res := d.pipe.HandleInbound(context.Background(), inbound(envelope.ChannelSlack, "U1", "/mu frobnicate", "d1"))
	assert.Equal(t, KindInvalid, res.Kind)
	assert.Equal(t, "unsupported_command", res.Reason)
}

func TestUnlinkedActorIsDenied(t *testing.T) {
	d := newTestPipeline(t)

	res := d.pipe.HandleInbound(context.Background(), inbound(envelope.ChannelSlack, "U1", "/mu ready", "d1"))
	assert.Equal(t, KindDenied, res.Kind)
	assert.Equal(t, "identity_not_linked", res.Reason)
}

func TestIdentityExemptCommandRunsUnlinked(t *testing.T) {
	d := newTestPipeline(t)

	res := d.pipe.HandleInbound(context.Background(), inbound(envelope.ChannelSlack, "U1", "/mu status", "d1"))
	require.Equal(t, KindCompleted, res.Kind)
	require.NotNil(t, res.Command)
	assert.Equal(t, command.StateCompleted, res.Command.State)
	assert.Equal(t, 1, res.Command.Attempt)
}

func TestMissingScopeIsDenied(t *testing.T) {
	d := newTestPipeline(t)
	d.link(t, "U1", policy.ScopeIssuesRead)

	res := d.pipe.HandleInbound(context.Background(), inbound(envelope.ChannelSlack, "U1", "/mu create fix the build", "d1"))
	assert.Equal(t, KindDenied, res.Kind)
	assert.Equal(t, "missing_scope", res.Reason)
}

func TestIdempotencyLaw(t *testing.T) {
	d := newTestPipeline(t)
	d.link(t, "U1", policy.ScopeIssuesRead)

	env := inbound(envelope.ChannelSlack, "U1", "/mu ready", "d1")

	first := d.pipe.HandleInbound(context.Background(), env)
	require.Equal(t, KindCompleted, first.Kind)

	second := d.pipe.HandleInbound(context.Background(), env)
	require.Equal(t, KindCompleted, second.Kind)
	assert.Equal(t, first.Command.CommandID, second.Command.CommandID)

	// The replay re-emits the stored terminal result without re-executing.
	assert.Equal(t, 1, d.exec.calls)
}

func TestFingerprintMismatchIsConflict(t *testing.T) {
	d := newTestPipeline(t)
	d.link(t, "U1", policy.ScopeIssuesRead)

	env := inbound(envelope.ChannelSlack, "U1", "/mu ready", "d1")
	require.Equal(t, KindCompleted, d.pipe.HandleInbound(context.Background(), env).Kind)

	// Same delivery id replayed with different command text.
	conflicting := inbound(envelope.ChannelSlack, "U1", "/mu list", "d1")
	res := d.pipe.HandleInbound(context.Background(), conflicting)
	assert.Equal(t, KindDenied, res.Kind)
	assert.Equal(t, "idempotency_conflict", res.Reason)
}

func TestDuplicateDeliveryOfPendingCommandIsNoop(t *testing.T) {
	d := newTestPipeline(t)
	d.link(t, "U1", policy.ScopeIssuesWrite)

	env := inbound(envelope.ChannelSlack, "U1", "/mu close iss-1 success", "d1")
	first := d.pipe.HandleInbound(context.Background(), env)
	require.Equal(t, KindAwaitingConfirmation, first.Kind)

	second := d.pipe.HandleInbound(context.Background(), env)
	assert.Equal(t, KindNoop, second.Kind)
	assert.Equal(t, "duplicate_delivery", second.Reason)
}

func TestConfirmationFlowCompletesCommand(t *testing.T) {
	d := newTestPipeline(t)
	d.link(t, "U1", policy.ScopeIssuesWrite)

	pending := d.pipe.HandleInbound(context.Background(),
		inbound(envelope.ChannelSlack, "U1", "/mu close iss-1 success", "d1"))
	require.Equal(t, KindAwaitingConfirmation, pending.Kind)
	id := pending.Command.CommandID

	confirmed := d.pipe.HandleInbound(context.Background(),
		inbound(envelope.ChannelSlack, "U1", "/mu confirm "+id, "d2"))
	require.Equal(t, KindCompleted, confirmed.Kind)
	assert.Equal(t, id, confirmed.Command.CommandID)
	assert.Equal(t, 1, confirmed.Command.Attempt)

	rec, ok := d.commands.Get(id)
	require.True(t, ok)
	assert.Equal(t, command.StateCompleted, rec.State)
	assert.Positive(t, d.outbox.QueueDepth())
}

func TestCancelTerminatesPendingCommand(t *testing.T) {
	d := newTestPipeline(t)
	d.link(t, "U1", policy.ScopeIssuesWrite)

	pending := d.pipe.HandleInbound(context.Background(),
		inbound(envelope.ChannelSlack, "U1", "/mu close iss-1 success", "d1"))
	require.Equal(t, KindAwaitingConfirmation, pending.Kind)
	id := pending.Command.CommandID

	cancelled := d.pipe.HandleInbound(context.Background(),
		inbound(envelope.ChannelSlack, "U1", "/mu cancel "+id, "d2"))
	require.Equal(t, KindCancelled, cancelled.Kind)
	assert.Zero(t, d.exec.calls)
}

func TestConfirmationFromDifferentActorIsDenied(t *testing.T) {
	d := newTestPipeline(t)
	d.link(t, "U1", policy.ScopeIssuesWrite)
	d.link(t, "U2", policy.ScopeIssuesWrite)

	pending := d.pipe.HandleInbound(context.Background(),
		inbound(envelope.ChannelSlack, "U1", "/mu close iss-1 success", "d1"))
	require.Equal(t, KindAwaitingConfirmation, pending.Kind)

	res := d.pipe.HandleInbound(context.Background(),
		inbound(envelope.ChannelSlack, "U2", "/mu confirm "+pending.Command.CommandID, "d2"))
	assert.Equal(t, KindDenied, res.Kind)
	assert.Equal(t, "invalid_actor", res.Reason)
}

func TestLateConfirmationExpires(t *testing.T) {
	d := newTestPipeline(t)
	d.link(t, "U1", policy.ScopeIssuesWrite)

	pending := d.pipe.HandleInbound(context.Background(),
		inbound(envelope.ChannelSlack, "U1", "/mu close iss-1 success", "d1"))
	require.Equal(t, KindAwaitingConfirmation, pending.Kind)

	d.pipe.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	res := d.pipe.HandleInbound(context.Background(),
		inbound(envelope.ChannelSlack, "U1", "/mu confirm "+pending.Command.CommandID, "d2"))
	require.Equal(t, KindExpired, res.Kind)
	assert.Equal(t, command.StateExpired, res.Command.State)
}

func TestSweepExpiredMarksOverdueConfirmations(t *testing.T) {
	d := newTestPipeline(t)
	d.link(t, "U1", policy.ScopeIssuesWrite)

	pending := d.pipe.HandleInbound(context.Background(),
		inbound(envelope.ChannelSlack, "U1", "/mu close iss-1 success", "d1"))
	require.Equal(t, KindAwaitingConfirmation, pending.Kind)

	swept := d.pipe.SweepExpired(time.Now().Add(2 * time.Minute).UnixMilli())
	assert.Equal(t, 1, swept)

	rec, ok := d.commands.Get(pending.Command.CommandID)
	require.True(t, ok)
	assert.Equal(t, command.StateExpired, rec.State)
}

func TestDeferredCommandRequeues(t *testing.T) {
	d := newTestPipeline(t)
	d.link(t, "U1", policy.ScopeOperatorRun, policy.ScopeIssuesWrite)
	d.exec.outcome = executor.Outcome{
		Deferred:  true,
		RetryAtMs: time.Now().Add(-time.Second).UnixMilli(),
	}

	pending := d.pipe.HandleInbound(context.Background(),
		inbound(envelope.ChannelSlack, "U1", "/mu run build", "d1"))
	require.Equal(t, KindAwaitingConfirmation, pending.Kind)

	deferred := d.pipe.HandleInbound(context.Background(),
		inbound(envelope.ChannelSlack, "U1", "/mu confirm "+pending.Command.CommandID, "d2"))
	require.Equal(t, KindDeferred, deferred.Kind)
	assert.Equal(t, 1, deferred.Command.Attempt)

	// The retry window has already passed; the sweep re-executes.
	d.exec.outcome = executor.Outcome{Result: json.RawMessage(`{}`), Message: "done"}
	requeued := d.pipe.RequeueDeferred(context.Background(), time.Now().UnixMilli())
	assert.Equal(t, 1, requeued)

	rec, ok := d.commands.Get(pending.Command.CommandID)
	require.True(t, ok)
	assert.Equal(t, command.StateCompleted, rec.State)
	// Attempt increments on each queued → in_progress pass.
	assert.Equal(t, 2, rec.Attempt)
}

func TestWakeNotifiesActiveBindings(t *testing.T) {
	d := newTestPipeline(t)
	d.link(t, "U1", policy.ScopeIssuesRead)
	d.link(t, "U2", policy.ScopeIssuesRead)

	wakeID, notified := d.pipe.Wake("deploy_finished")
	assert.NotEmpty(t, wakeID)
	assert.Equal(t, 2, notified)
	assert.Equal(t, 2, d.outbox.QueueDepth())
}

func TestExecutionFailureRecordsErrorCode(t *testing.T) {
	d := newTestPipeline(t)
	d.link(t, "U1", policy.ScopeIssuesRead)
	d.exec.outcome = executor.Outcome{ErrorCode: "cli_nonzero", Message: "exit status 2"}

	res := d.pipe.HandleInbound(context.Background(),
		inbound(envelope.ChannelSlack, "U1", "/mu ready", "d1"))
	require.Equal(t, KindFailed, res.Kind)
	assert.Equal(t, "cli_nonzero", res.Command.ErrorCode)
	assert.Equal(t, command.StateFailed, res.Command.State)
}

package reload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmu/control-plane/internal/adapter"
	"github.com/getmu/control-plane/internal/envelope"
	"github.com/getmu/control-plane/internal/generation"
)

type stubAdapter struct {
	stopErr error
	stops   int
}

func (a *stubAdapter) Spec() adapter.Spec {
	return adapter.Spec{Channel: envelope.ChannelTerminal, Route: "/api/commands/submit"}
}

func (a *stubAdapter) Ingest(*http.Request) adapter.IngressResult {
	return adapter.IngressResult{Accepted: true, Status: http.StatusOK}
}

func (a *stubAdapter) Stop(context.Context) error {
	a.stops++
	return a.stopErr
}

func newRegistry(t *testing.T, a adapter.Adapter) *adapter.Registry {
	t.Helper()
	reg, err := adapter.NewRegistry(a)
	require.NoError(t, err)
	return reg
}

func newTestManager(t *testing.T, build Builder, initial *adapter.Registry) (*Manager, *atomic.Pointer[adapter.Registry], *generation.Supervisor) {
	t.Helper()
	var current atomic.Pointer[adapter.Registry]
	current.Store(initial)
	sup := generation.NewSupervisor()
	m := NewManager(sup, build, &current, time.Second,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(m.Close)
	return m, &current, sup
}

func TestReloadSwapsRegistryAndAdvancesGeneration(t *testing.T) {
	old := &stubAdapter{}
	reg0 := newRegistry(t, old)
	reg1 := newRegistry(t, &stubAdapter{})

	build := func(context.Context) (*adapter.Registry, error) { return reg1, nil }
	m, current, sup := newTestManager(t, build, reg0)

	before := testutil.ToFloat64(reloadSuccess)
	res, err := m.Reload(context.Background(), "config_change")
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.False(t, res.Coalesced)
	assert.Equal(t, int64(1), res.Generation.Seq)
	assert.Same(t, reg1, current.Load())
	assert.Equal(t, int64(1), sup.Active().Seq)
	assert.Equal(t, 1, old.stops, "the previous registry drains after cutover")
	assert.Equal(t, before+1, testutil.ToFloat64(reloadSuccess))

	last, ok := sup.LastReload()
	require.True(t, ok)
	assert.Equal(t, generation.StateFinishedSuccess, last.State)
}

func TestWarmupFailureKeepsServingRegistry(t *testing.T) {
	reg0 := newRegistry(t, &stubAdapter{})
	build := func(context.Context) (*adapter.Registry, error) {
		return nil, errors.New("bad signing secret")
	}
	m, current, sup := newTestManager(t, build, reg0)

	before := testutil.ToFloat64(reloadFailure)
	res, err := m.Reload(context.Background(), "config_change")
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.Equal(t, StageWarmup, res.Stage)
	assert.Contains(t, res.Error, "bad signing secret")
	assert.False(t, res.RolledBack)
	assert.Same(t, reg0, current.Load(), "ingress keeps the old registry")
	assert.Equal(t, int64(0), sup.Active().Seq)
	assert.Equal(t, before+1, testutil.ToFloat64(reloadFailure))
}

func TestDrainFailureStillCountsAsSuccess(t *testing.T) {
	old := &stubAdapter{stopErr: errors.New("drain timeout")}
	reg0 := newRegistry(t, old)
	reg1 := newRegistry(t, &stubAdapter{})

	build := func(context.Context) (*adapter.Registry, error) { return reg1, nil }
	m, current, sup := newTestManager(t, build, reg0)

	before := testutil.ToFloat64(reloadSuccess)
	res, err := m.Reload(context.Background(), "config_change")
	require.NoError(t, err)

	// The new registry is already serving when drain runs, so a drain
	// failure is warned about but the attempt still finishes success.
	assert.True(t, res.OK)
	assert.Equal(t, int64(1), res.Generation.Seq)
	assert.Same(t, reg1, current.Load())
	assert.Equal(t, int64(1), sup.Active().Seq)
	assert.Equal(t, 1, old.stops)
	assert.Equal(t, before+1, testutil.ToFloat64(reloadSuccess))
}

func TestCheckFailureRollsBackInstalledSwap(t *testing.T) {
	reg0 := newRegistry(t, &stubAdapter{})
	fresh := &stubAdapter{}
	reg1 := newRegistry(t, fresh)

	build := func(context.Context) (*adapter.Registry, error) { return reg1, nil }
	m, current, sup := newTestManager(t, build, reg0)
	m.WithCheck(func(context.Context, *adapter.Registry) error {
		return errors.New("probe refused")
	})

	before := testutil.ToFloat64(reloadFailure)
	res, err := m.Reload(context.Background(), "config_change")
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.True(t, res.RolledBack)
	assert.Equal(t, StageCutover, res.Stage)
	assert.Same(t, reg0, current.Load(), "rollback restores the previous registry")
	assert.Equal(t, int64(0), sup.Active().Seq)
	assert.Equal(t, 1, fresh.stops, "the rejected registry is stopped")
	assert.Equal(t, before+1, testutil.ToFloat64(reloadFailure))

	last, ok := sup.LastReload()
	require.True(t, ok)
	assert.Equal(t, generation.StateFinishedFailure, last.State)
}

func TestConcurrentReloadsCoalesce(t *testing.T) {
	reg0 := newRegistry(t, &stubAdapter{})
	reg1 := newRegistry(t, &stubAdapter{})

	started := make(chan struct{})
	release := make(chan struct{})
	build := func(ctx context.Context) (*adapter.Registry, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return reg1, nil
	}
	m, _, _ := newTestManager(t, build, reg0)

	var first Result
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		first, _ = m.Reload(context.Background(), "first")
	}()
	<-started

	dupBefore := testutil.ToFloat64(reloadDuplicate)
	secondCh := make(chan Result, 1)
	go func() {
		res, err := m.Reload(context.Background(), "second")
		require.NoError(t, err)
		secondCh <- res
	}()

	// Wait until the second signal has joined the in-flight attempt before
	// letting the build finish.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reloadDuplicate) > dupBefore
	}, time.Second, time.Millisecond)
	close(release)

	<-firstDone
	second := <-secondCh

	assert.True(t, first.OK)
	assert.False(t, first.Coalesced)
	assert.True(t, second.OK)
	assert.True(t, second.Coalesced)
	assert.Equal(t, first.AttemptID, second.AttemptID)
	assert.Equal(t, first.Generation, second.Generation)
}

func TestCoalescedWaiterHonorsContext(t *testing.T) {
	reg0 := newRegistry(t, &stubAdapter{})

	started := make(chan struct{})
	release := make(chan struct{})
	build := func(ctx context.Context) (*adapter.Registry, error) {
		close(started)
		<-release
		return reg0, nil
	}
	m, _, _ := newTestManager(t, build, reg0)
	defer close(release)

	go func() { _, _ = m.Reload(context.Background(), "first") }()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Reload(ctx, "second")
	assert.ErrorIs(t, err, context.Canceled)
}

// hookHandler fires a callback the first time a record with the given
// message is logged. It lets a test act at an exact point inside Reload.
type hookHandler struct {
	slog.Handler
	msg  string
	fire func()
	once sync.Once
}

func (h *hookHandler) Handle(ctx context.Context, rec slog.Record) error {
	if rec.Message == h.msg {
		h.once.Do(h.fire)
	}
	return h.Handler.Handle(ctx, rec)
}

func TestFinishingAttemptDoesNotClobberSuccessor(t *testing.T) {
	reg0 := newRegistry(t, &stubAdapter{})
	regA := newRegistry(t, &stubAdapter{})
	regB := newRegistry(t, &stubAdapter{})

	bStarted := make(chan struct{})
	releaseB := make(chan struct{})
	var calls atomic.Int32
	var startedOnce sync.Once
	build := func(ctx context.Context) (*adapter.Registry, error) {
		if calls.Add(1) == 1 {
			return regA, nil
		}
		startedOnce.Do(func() { close(bStarted) })
		select {
		case <-releaseB:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return regB, nil
	}

	var current atomic.Pointer[adapter.Registry]
	current.Store(reg0)
	sup := generation.NewSupervisor()

	// The second attempt starts while the first is between finishing its
	// bookkeeping and clearing its in-flight record. The hook pauses the
	// first attempt at exactly that point until the second is in flight.
	bResult := make(chan Result, 1)
	var m *Manager
	hook := &hookHandler{
		Handler: slog.NewTextHandler(io.Discard, nil),
		msg:     "reload finished",
		fire: func() {
			go func() {
				res, err := m.Reload(context.Background(), "second")
				require.NoError(t, err)
				bResult <- res
			}()
			<-bStarted
		},
	}
	m = NewManager(sup, build, &current, time.Second, slog.New(hook))
	t.Cleanup(m.Close)

	first, err := m.Reload(context.Background(), "first")
	require.NoError(t, err)
	require.True(t, first.OK)
	assert.Equal(t, int64(1), first.Generation.Seq)

	// A third signal must coalesce onto the second attempt, not onto a
	// record the first attempt wiped on its way out.
	dupBefore := testutil.ToFloat64(reloadDuplicate)
	cResult := make(chan Result, 1)
	go func() {
		res, err := m.Reload(context.Background(), "third")
		require.NoError(t, err)
		cResult <- res
	}()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reloadDuplicate) > dupBefore
	}, time.Second, time.Millisecond)
	close(releaseB)

	second := <-bResult
	third := <-cResult

	assert.True(t, second.OK)
	assert.False(t, second.Coalesced)
	assert.Equal(t, int64(2), second.Generation.Seq)
	assert.True(t, third.Coalesced)
	assert.Equal(t, second.AttemptID, third.AttemptID)
	assert.Same(t, regB, current.Load())
}

func TestCloseDropsLaterSignals(t *testing.T) {
	reg0 := newRegistry(t, &stubAdapter{})
	build := func(context.Context) (*adapter.Registry, error) { return reg0, nil }
	m, _, _ := newTestManager(t, build, reg0)

	m.Close()

	dropBefore := testutil.ToFloat64(reloadDropped)
	_, err := m.Reload(context.Background(), "late")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, dropBefore+1, testutil.ToFloat64(reloadDropped))
}

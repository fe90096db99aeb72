// Package reload swaps the adapter registry under a live process. The
// manager walks warmup, cutover, and drain stages against the generation
// supervisor, rolling back installed swaps when a later stage fails.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/getmu/control-plane/internal/adapter"
	"github.com/getmu/control-plane/internal/generation"
)

var (
	reloadSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mu_reload_success_total",
		Help: "Completed adapter registry reloads",
	})
	reloadFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mu_reload_failure_total",
		Help: "Failed adapter registry reloads",
	})
	reloadDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mu_reload_duplicate_signal_total",
		Help: "Reload signals coalesced onto an in-flight attempt",
	})
	reloadDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mu_reload_drop_signal_total",
		Help: "Reload signals dropped because the manager was closed",
	})
)

// Reload stages, in execution order.
const (
	StageWarmup  = "warmup"
	StageCutover = "cutover"
	StageDrain   = "drain"
)

// Builder constructs the next adapter registry. It runs off the serving path
// so a slow or failing build never affects live ingress.
type Builder func(ctx context.Context) (*adapter.Registry, error)

// Check probes a freshly installed registry. A non-nil error after cutover
// triggers rollback to the previous generation.
type Check func(ctx context.Context, reg *adapter.Registry) error

// Result reports one reload outcome to its caller(s).
type Result struct {
	AttemptID       string                `json:"attempt_id"`
	Generation      generation.Generation `json:"generation"`
	OK              bool                  `json:"ok"`
	Coalesced       bool                  `json:"coalesced"`
	Stage           string                `json:"stage,omitempty"`
	Error           string                `json:"error,omitempty"`
	RolledBack      bool                  `json:"rolled_back,omitempty"`
	WarmupElapsedMs int64                 `json:"warmup_elapsed_ms"`
	DrainDurationMs int64                 `json:"drain_duration_ms"`
}

// ErrClosed is returned for signals arriving after Close.
var ErrClosed = fmt.Errorf("reload manager closed")

type inflight struct {
	done   chan struct{}
	result Result
}

// Manager coordinates registry swaps. Concurrent Reload calls coalesce onto
// the in-flight attempt and all receive its result.
type Manager struct {
	supervisor *generation.Supervisor
	build      Builder
	check      Check
	current    *atomic.Pointer[adapter.Registry]
	timeout    time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	inflight *inflight
	closed   bool
}

// NewManager wires the manager to the registry pointer the server serves
// from. current must already hold the initial registry.
func NewManager(sup *generation.Supervisor, build Builder, current *atomic.Pointer[adapter.Registry], timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		supervisor: sup,
		build:      build,
		current:    current,
		timeout:    timeout,
		logger:     logger,
	}
}

// WithCheck installs a post-cutover probe. Returns m for chaining.
func (m *Manager) WithCheck(check Check) *Manager {
	m.check = check
	return m
}

// Close drops subsequent reload signals. In-flight attempts finish.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Reload performs or joins one reload attempt and returns its result.
func (m *Manager) Reload(ctx context.Context, reason string) (Result, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			reloadDropped.Inc()
			m.logger.Warn("reload signal dropped", slog.String("reason", reason))
			return Result{}, ErrClosed
		}
		attempt, coalesced := m.supervisor.BeginReload(reason)
		if coalesced {
			waiter := m.inflight
			m.mu.Unlock()
			if waiter == nil {
				// The attempt we coalesced onto finished between its
				// FinishReload and its owner clearing the inflight record.
				// Treat the signal as fresh.
				continue
			}
			reloadDuplicate.Inc()
			m.logger.Info("reload signal coalesced",
				slog.String("attempt_id", attempt.AttemptID),
				slog.String("reason", reason))
			select {
			case <-waiter.done:
				res := waiter.result
				res.Coalesced = true
				return res, nil
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}
		fl := &inflight{done: make(chan struct{})}
		m.inflight = fl
		m.mu.Unlock()

		res := m.run(ctx, attempt)

		m.mu.Lock()
		fl.result = res
		close(fl.done)
		// A successor attempt may have begun after our FinishReload and
		// installed its own record; only clear our own.
		if m.inflight == fl {
			m.inflight = nil
		}
		m.mu.Unlock()
		return res, nil
	}
}

// run walks the stages for one non-coalesced attempt.
func (m *Manager) run(ctx context.Context, attempt generation.Attempt) Result {
	res := Result{AttemptID: attempt.AttemptID}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	// Warmup: build the next registry off the serving path.
	m.transition(StageWarmup, "started", attempt)
	warmupStart := time.Now()
	next, err := m.build(ctx)
	res.WarmupElapsedMs = time.Since(warmupStart).Milliseconds()
	if err != nil {
		m.transition(StageWarmup, "failed", attempt)
		return m.fail(attempt, res, StageWarmup, err)
	}
	m.transition(StageWarmup, "done", attempt)

	// Cutover: a single pointer store makes the new registry visible.
	// Ingress sees either the old or the new registry, never both.
	m.transition(StageCutover, "started", attempt)
	prev := m.current.Swap(next)
	if !m.supervisor.MarkSwapInstalled(attempt.AttemptID) {
		m.current.Store(prev)
		m.transition(StageCutover, "failed", attempt)
		m.stopQuietly(next, "new")
		return m.fail(attempt, res, StageCutover, fmt.Errorf("swap install rejected"))
	}
	if m.check != nil {
		if err := m.check(ctx, next); err != nil {
			m.transition(StageCutover, "failed", attempt)
			res.RolledBack = m.rollback(attempt, next, prev)
			return m.fail(attempt, res, StageCutover, err)
		}
	}
	m.transition(StageCutover, "done", attempt)

	// Drain: stop the previous registry. Failure here is warned, not fatal,
	// because the new registry is already serving.
	m.transition(StageDrain, "started", attempt)
	drainStart := time.Now()
	if prev != nil {
		if err := prev.Stop(ctx); err != nil {
			m.logger.Warn("reload drain failed",
				slog.String("attempt_id", attempt.AttemptID),
				slog.String("error", err.Error()))
		}
	}
	res.DrainDurationMs = time.Since(drainStart).Milliseconds()
	m.transition(StageDrain, "done", attempt)

	m.supervisor.FinishReload(attempt.AttemptID, generation.OutcomeSuccess)
	reloadSuccess.Inc()
	res.OK = true
	res.Generation = m.supervisor.Active()
	m.logger.Info("reload finished",
		slog.String("attempt_id", attempt.AttemptID),
		slog.Int64("generation_seq", res.Generation.Seq),
		slog.Int64("warmup_elapsed_ms", res.WarmupElapsedMs),
		slog.Int64("drain_duration_ms", res.DrainDurationMs))
	return res
}

// rollback reverts an installed swap: restore the old registry pointer, stop
// the new one, and revert the active generation.
func (m *Manager) rollback(attempt generation.Attempt, next, prev *adapter.Registry) bool {
	if !m.supervisor.RollbackSwapInstalled(attempt.AttemptID) {
		return false
	}
	m.current.Store(prev)
	m.stopQuietly(next, "new")
	m.logger.Warn("reload rolled back",
		slog.String("attempt_id", attempt.AttemptID),
		slog.Int64("restored_seq", attempt.FromGeneration.Seq))
	return true
}

func (m *Manager) fail(attempt generation.Attempt, res Result, stage string, err error) Result {
	m.supervisor.FinishReload(attempt.AttemptID, generation.OutcomeFailure)
	reloadFailure.Inc()
	res.OK = false
	res.Stage = stage
	res.Error = err.Error()
	res.Generation = m.supervisor.Active()
	m.logger.Error("reload failed",
		slog.String("attempt_id", attempt.AttemptID),
		slog.String("stage", stage),
		slog.String("error", err.Error()))
	return res
}

func (m *Manager) stopQuietly(reg *adapter.Registry, label string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := reg.Stop(ctx); err != nil {
		m.logger.Warn("registry stop failed",
			slog.String("registry", label),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) transition(stage, state string, attempt generation.Attempt) {
	m.logger.Info(fmt.Sprintf("reload transition %s:%s", stage, state),
		slog.String("attempt_id", attempt.AttemptID),
		slog.Int64("target_seq", attempt.ToGeneration.Seq))
}

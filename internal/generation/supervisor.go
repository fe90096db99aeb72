// Package generation tracks adapter-registry generations across reloads. The
// supervisor owns the monotonic generation counter and the lifecycle of the
// single in-flight reload attempt.
package generation

import (
	"sync"
	"time"

	"github.com/getmu/control-plane/internal/pkg/ulid"
)

// AttemptState is the lifecycle state of one reload attempt.
type AttemptState string

// Attempt states.
const (
	StatePlanned         AttemptState = "planned"
	StateSwapInstalled   AttemptState = "swap_installed"
	StateFinishedSuccess AttemptState = "finished_success"
	StateFinishedFailure AttemptState = "finished_failure"
)

// Outcomes accepted by FinishReload.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Generation identifies one instance of the adapter registry.
type Generation struct {
	GenerationID string `json:"generation_id"`
	Seq          int64  `json:"seq"`
}

// Attempt is one reload attempt. FromGeneration is the generation that was
// active when the attempt began; ToGeneration is the one it installs.
type Attempt struct {
	AttemptID      string       `json:"attempt_id"`
	Reason         string       `json:"reason"`
	State          AttemptState `json:"state"`
	FromGeneration Generation   `json:"from_generation"`
	ToGeneration   Generation   `json:"to_generation"`
	StartedAtMs    int64        `json:"started_at_ms"`
	FinishedAtMs   int64        `json:"finished_at_ms,omitempty"`
}

// Supervisor serializes reload attempts and tracks the active generation.
// At most one attempt is in flight; concurrent BeginReload calls coalesce
// onto it.
type Supervisor struct {
	mu       sync.Mutex
	active   Generation
	inFlight *Attempt
	last     *Attempt

	now func() time.Time
}

// NewSupervisor starts at generation seq 0.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		active: Generation{GenerationID: ulid.New(), Seq: 0},
		now:    time.Now,
	}
}

// Active returns the currently serving generation.
func (s *Supervisor) Active() Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LastReload returns the most recently finished attempt.
func (s *Supervisor) LastReload() (Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Attempt{}, false
	}
	return *s.last, true
}

// BeginReload allocates a new attempt, or returns the in-flight one with
// coalesced=true when a reload is already underway.
func (s *Supervisor) BeginReload(reason string) (Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight != nil {
		return *s.inFlight, true
	}
	attempt := &Attempt{
		AttemptID:      ulid.NewAttemptID(),
		Reason:         reason,
		State:          StatePlanned,
		FromGeneration: s.active,
		ToGeneration:   Generation{GenerationID: ulid.New(), Seq: s.active.Seq + 1},
		StartedAtMs:    s.now().UnixMilli(),
	}
	s.inFlight = attempt
	return *attempt, false
}

// MarkSwapInstalled transitions the attempt planned → swap_installed and
// promotes its target generation to active. The bool reports whether this
// call performed the install.
func (s *Supervisor) MarkSwapInstalled(attemptID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil || s.inFlight.AttemptID != attemptID || s.inFlight.State != StatePlanned {
		return false
	}
	s.inFlight.State = StateSwapInstalled
	s.active = s.inFlight.ToGeneration
	return true
}

// RollbackSwapInstalled reverts an installed swap, restoring the attempt's
// from-generation as active. Only valid from swap_installed.
func (s *Supervisor) RollbackSwapInstalled(attemptID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil || s.inFlight.AttemptID != attemptID || s.inFlight.State != StateSwapInstalled {
		return false
	}
	s.inFlight.State = StatePlanned
	s.active = s.inFlight.FromGeneration
	return true
}

// FinishReload terminates the attempt with "success" or "failure" and clears
// the in-flight slot. Unknown attempt ids are ignored.
func (s *Supervisor) FinishReload(attemptID, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil || s.inFlight.AttemptID != attemptID {
		return
	}
	if outcome == OutcomeSuccess {
		s.inFlight.State = StateFinishedSuccess
	} else {
		s.inFlight.State = StateFinishedFailure
	}
	s.inFlight.FinishedAtMs = s.now().UnixMilli()
	s.last = s.inFlight
	s.inFlight = nil
}

package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginReloadAllocatesNextGeneration(t *testing.T) {
	s := NewSupervisor()
	active := s.Active()
	assert.Equal(t, int64(0), active.Seq)

	attempt, coalesced := s.BeginReload("config_change")
	require.False(t, coalesced)
	assert.Regexp(t, `^rla-`, attempt.AttemptID)
	assert.Equal(t, StatePlanned, attempt.State)
	assert.Equal(t, active, attempt.FromGeneration)
	assert.Equal(t, int64(1), attempt.ToGeneration.Seq)
	assert.NotEqual(t, active.GenerationID, attempt.ToGeneration.GenerationID)

	// The target generation is not active until the swap installs.
	assert.Equal(t, active, s.Active())
}

func TestBeginReloadCoalescesOntoInFlightAttempt(t *testing.T) {
	s := NewSupervisor()

	first, coalesced := s.BeginReload("first")
	require.False(t, coalesced)

	second, coalesced := s.BeginReload("second")
	assert.True(t, coalesced)
	assert.Equal(t, first.AttemptID, second.AttemptID)
	assert.Equal(t, first.Reason, second.Reason, "the in-flight attempt keeps its original reason")
}

func TestMarkSwapInstalledPromotesTargetGeneration(t *testing.T) {
	s := NewSupervisor()
	attempt, _ := s.BeginReload("r")

	require.True(t, s.MarkSwapInstalled(attempt.AttemptID))
	assert.Equal(t, attempt.ToGeneration, s.Active())

	// Installing twice is rejected.
	assert.False(t, s.MarkSwapInstalled(attempt.AttemptID))
}

func TestMarkSwapInstalledRejectsUnknownAttempt(t *testing.T) {
	s := NewSupervisor()
	_, _ = s.BeginReload("r")

	assert.False(t, s.MarkSwapInstalled("rla-other"))
	assert.Equal(t, int64(0), s.Active().Seq)
}

func TestRollbackRestoresFromGeneration(t *testing.T) {
	s := NewSupervisor()
	attempt, _ := s.BeginReload("r")

	// Rollback is only valid once the swap is installed.
	assert.False(t, s.RollbackSwapInstalled(attempt.AttemptID))

	require.True(t, s.MarkSwapInstalled(attempt.AttemptID))
	require.True(t, s.RollbackSwapInstalled(attempt.AttemptID))
	assert.Equal(t, attempt.FromGeneration, s.Active())
}

func TestFinishReloadRecordsLastAttempt(t *testing.T) {
	s := NewSupervisor()

	_, ok := s.LastReload()
	assert.False(t, ok)

	attempt, _ := s.BeginReload("r")
	require.True(t, s.MarkSwapInstalled(attempt.AttemptID))
	s.FinishReload(attempt.AttemptID, OutcomeSuccess)

	last, ok := s.LastReload()
	require.True(t, ok)
	assert.Equal(t, attempt.AttemptID, last.AttemptID)
	assert.Equal(t, StateFinishedSuccess, last.State)
	assert.NotZero(t, last.FinishedAtMs)
}

func TestFinishReloadIgnoresUnknownAttempt(t *testing.T) {
	s := NewSupervisor()
	attempt, _ := s.BeginReload("r")

	s.FinishReload("rla-other", OutcomeSuccess)

	_, ok := s.LastReload()
	assert.False(t, ok, "foreign attempt ids must not finish the in-flight one")

	next, coalesced := s.BeginReload("again")
	assert.True(t, coalesced)
	assert.Equal(t, attempt.AttemptID, next.AttemptID)
}

func TestGenerationSeqIsMonotonicAcrossAttempts(t *testing.T) {
	s := NewSupervisor()

	// First attempt succeeds: seq 0 -> 1.
	a1, _ := s.BeginReload("first")
	require.True(t, s.MarkSwapInstalled(a1.AttemptID))
	s.FinishReload(a1.AttemptID, OutcomeSuccess)
	assert.Equal(t, int64(1), s.Active().Seq)

	// Second attempt fails before install: active stays at 1.
	a2, coalesced := s.BeginReload("second")
	require.False(t, coalesced)
	assert.Equal(t, int64(2), a2.ToGeneration.Seq)
	s.FinishReload(a2.AttemptID, OutcomeFailure)
	assert.Equal(t, int64(1), s.Active().Seq)

	last, ok := s.LastReload()
	require.True(t, ok)
	assert.Equal(t, StateFinishedFailure, last.State)

	// Third attempt targets seq 2 again.
	a3, _ := s.BeginReload("third")
	assert.Equal(t, int64(2), a3.ToGeneration.Seq)
}

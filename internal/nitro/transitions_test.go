package nitro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnWantUpFromDownCascadesThroughSetupToOneshot(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	idx, s, err := sv.table.Add("web", "")
	require.NoError(t, err)
	s.State = StateDown
	s.HasSetup = false
	s.HasRun = false

	sv.dispatch(idx, EventWantUp)
	assert.Equal(t, StateOneshot, s.State)
}

func TestOnWantDownFromUpEntersShutdown(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	idx, s, err := sv.table.Add("web", "")
	require.NoError(t, err)
	s.State = StateUp
	s.Pid = 0 // no live pid to signal in this unit test

	sv.dispatch(idx, EventWantDown)
	assert.Equal(t, StateShutdown, s.State)
}

func TestOnWantDownFromOneshotRunsFinish(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	idx, s, err := sv.table.Add("onceonly", "")
	require.NoError(t, err)
	s.State = StateOneshot
	s.HasFinish = false // no finish script: synthetic EventFinished fires immediately

	sv.dispatch(idx, EventWantDown)
	assert.Equal(t, StateDown, s.State)
}

func TestOnExitedFromUpCascadesThroughRespawnToOneshot(t *testing.T) {
	// With neither a finish nor a setup nor a run script on disk, an EXITED
	// event on a running service cascades synchronously all the way back
	// to ONESHOT: finish, setup, and run each synthesize their own
	// completion event immediately since there is nothing to launch.
	sv, _ := newTestSupervisor(t, t.TempDir())
	idx, s, err := sv.table.Add("web", "")
	require.NoError(t, err)
	s.State = StateUp

	sv.dispatch(idx, EventExited)
	assert.Equal(t, StateOneshot, s.State)
}

func TestOnFinishedFromStartingArmsRespawnDelay(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	idx, s, err := sv.table.Add("web", "")
	require.NoError(t, err)
	s.State = StateStarting
	sv.global = GlobalUp

	sv.dispatch(idx, EventFinished)
	assert.Equal(t, StateDelay, s.State)
	assert.Equal(t, int64(DelayRespawn), s.Timeout)
}

func TestOnFinishedWhileNotGlobalUpGoesDown(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	idx, s, err := sv.table.Add("web", "")
	require.NoError(t, err)
	s.State = StateUp
	sv.global = GlobalShutdown

	sv.dispatch(idx, EventFinished)
	assert.Equal(t, StateDown, s.State)
	assert.Zero(t, s.Timeout)
}

func TestOnTimeoutFromDelayRunsSetup(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	idx, s, err := sv.table.Add("web", "")
	require.NoError(t, err)
	s.State = StateDelay
	s.HasSetup = false

	sv.dispatch(idx, EventTimeout)
	assert.Equal(t, StateOneshot, s.State)
}

func TestOnTimeoutFromStartingPromotesToUp(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	idx, s, err := sv.table.Add("web", "")
	require.NoError(t, err)
	s.State = StateStarting

	sv.dispatch(idx, EventTimeout)
	assert.Equal(t, StateUp, s.State)
	assert.Zero(t, s.Timeout)
}

func TestShutdownTimerFiredEscalatesWaitTermToWaitKill(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	sv.global = GlobalWaitTerm
	idx, s, err := sv.table.Add(shutdownSlotName, "")
	require.NoError(t, err)
	s.State = StateDelay
	sv.shutdownSlot = idx

	sv.onShutdownTimerFired(idx, s)
	assert.Equal(t, GlobalWaitKill, sv.global)
	assert.Equal(t, int64(TimeoutSigkill), s.Timeout)
}

func TestShutdownTimerFiredFromWaitKillReachesFinal(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	sv.global = GlobalWaitKill
	idx, s, err := sv.table.Add(shutdownSlotName, "")
	require.NoError(t, err)
	s.State = StateDelay
	sv.shutdownSlot = idx

	sv.onShutdownTimerFired(idx, s)
	assert.Equal(t, GlobalFinal, sv.global)
	assert.Zero(t, s.Timeout)
}

func TestOnWantUpFromShutdownQueuesRestart(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	idx, s, err := sv.table.Add("web", "")
	require.NoError(t, err)
	s.State = StateShutdown

	sv.dispatch(idx, EventWantUp)
	assert.Equal(t, StateRestart, s.State)
}

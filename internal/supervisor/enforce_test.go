//go:build !windows

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/hostr/internal/store"
)

func TestEnforceFirstObservationOnlyStartsClock(t *testing.T) {
	s, st, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	inst := mkInstance(t, s, scriptSleep)
	// a row can be running with no accounting cursor after a daemon restart
	require.NoError(t, st.SetStatus(ctx, inst.ID, store.StatusRunning, 0))

	now := time.Now()
	s.SetClock(func() time.Time { return now })
	require.NoError(t, s.EnforceOnce(ctx))

	got := getInst(t, st, inst.ID)
	require.Equal(t, int64(86400), got.RemainingSeconds)
	require.WithinDuration(t, now, got.LastChecked, time.Second)
}

func TestEnforceDebitsElapsedTime(t *testing.T) {
	s, st, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	inst := mkInstance(t, s, scriptSleep)

	t0 := time.Now()
	require.NoError(t, st.SetStatus(ctx, inst.ID, store.StatusRunning, 0))
	require.NoError(t, st.TouchLastChecked(ctx, inst.ID, t0))

	s.SetClock(func() time.Time { return t0.Add(100 * time.Second) })
	require.NoError(t, s.EnforceOnce(ctx))

	got := getInst(t, st, inst.ID)
	require.Equal(t, int64(86300), got.RemainingSeconds)
	// no live process to measure, so power drains at the idle rate of zero
	// CPU, which is nothing
	require.InDelta(t, 30.0, got.PowerRemaining, 1e-9)
	require.False(t, got.SleepMode)
	require.False(t, got.WarnedLow)
}

func TestEnforceWarnsLowTimeOnce(t *testing.T) {
	s, st, rec := newTestSupervisor(t, nil)
	ctx := context.Background()
	inst := mkInstance(t, s, scriptSleep)

	t0 := time.Now()
	require.NoError(t, st.SetStatus(ctx, inst.ID, store.StatusRunning, 0))
	require.NoError(t, st.SetResources(ctx, inst.ID, 650, 30, t0))

	s.SetClock(func() time.Time { return t0.Add(100 * time.Second) })
	require.NoError(t, s.EnforceOnce(ctx))

	got := getInst(t, st, inst.ID)
	require.Equal(t, int64(550), got.RemainingSeconds)
	require.True(t, got.WarnedLow)
	require.Len(t, rec.all(), 1)

	// a later pass below the threshold does not warn again
	s.SetClock(func() time.Time { return t0.Add(130 * time.Second) })
	require.NoError(t, s.EnforceOnce(ctx))
	require.Len(t, rec.all(), 1)
}

func TestEnforceParksExpiredInstance(t *testing.T) {
	s, st, rec := newTestSupervisor(t, nil)
	ctx := context.Background()
	inst := mkInstance(t, s, scriptSleep)

	require.NoError(t, s.StartInstance(ctx, inst.ID))
	t0 := time.Now()
	require.NoError(t, st.SetResources(ctx, inst.ID, 50, 30, t0))

	s.SetClock(func() time.Time { return t0.Add(100 * time.Second) })
	require.NoError(t, s.EnforceOnce(ctx))

	got := getInst(t, st, inst.ID)
	require.True(t, got.SleepMode)
	require.Equal(t, store.SleepExpired, got.LastSleepReason)
	require.Equal(t, store.StatusStopped, got.Status)
	require.Zero(t, got.RemainingSeconds)
	require.Nil(t, s.currentRun(inst.ID))
	require.True(t, rec.contains("put to sleep"))
}

func TestEnforcePowerExhaustionParksToo(t *testing.T) {
	s, st, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	inst := mkInstance(t, s, scriptSleep)

	t0 := time.Now()
	require.NoError(t, st.SetStatus(ctx, inst.ID, store.StatusRunning, 0))
	require.NoError(t, st.SetResources(ctx, inst.ID, 86400, 0, t0))

	s.SetClock(func() time.Time { return t0.Add(30 * time.Second) })
	require.NoError(t, s.EnforceOnce(ctx))

	// time was still plentiful; the zero power budget parks it anyway
	got := getInst(t, st, inst.ID)
	require.True(t, got.SleepMode)
	require.Equal(t, int64(86370), got.RemainingSeconds)
}

func TestEnforcerLoopRunsAndStops(t *testing.T) {
	s, st, _ := newTestSupervisor(t, func(c *Config) {
		c.EnforceInterval = 20 * time.Millisecond
	})
	ctx := context.Background()
	inst := mkInstance(t, s, scriptSleep)
	require.NoError(t, st.SetStatus(ctx, inst.ID, store.StatusRunning, 0))
	require.NoError(t, st.TouchLastChecked(ctx, inst.ID, time.Now().Add(-10*time.Second)))

	s.StartEnforcer()
	// idempotent
	s.StartEnforcer()

	require.Eventually(t, func() bool {
		return getInst(t, st, inst.ID).RemainingSeconds < 86400
	}, 5*time.Second, 10*time.Millisecond)

	s.StopEnforcer()
	s.StopEnforcer()
}

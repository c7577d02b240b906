//go:build !windows

package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/hostr/internal/store"
	"github.com/loykin/hostr/internal/store/sqlite"
)

// msgRecorder captures owner notifications for assertions.
type msgRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *msgRecorder) Notify(_ context.Context, _ int64, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, message)
	return nil
}

func (r *msgRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *msgRecorder) contains(sub string) bool {
	for _, m := range r.all() {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

func newTestSupervisor(t *testing.T, mut func(*Config)) (*Supervisor, store.Store, *msgRecorder) {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(context.Background()))

	cfg := DefaultConfig()
	cfg.InstancesDir = t.TempDir()
	cfg.StopWait = time.Second
	cfg.RestartCooldown = 0
	cfg.ExitPolicyDelay = 0
	cfg.RestartSettleDelay = 0
	cfg.ExitPollInterval = 10 * time.Millisecond
	cfg.LogPollInterval = 20 * time.Millisecond
	if mut != nil {
		mut(&cfg)
	}
	s := New(cfg, st)
	rec := &msgRecorder{}
	s.SetNotifier(rec)
	s.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		_ = st.Close()
	})
	return s, st, rec
}

// mkInstance provisions an instance for owner 1 and drops the given script in
// as its entry file.
func mkInstance(t *testing.T, s *Supervisor, script string) store.Instance {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateOwner(ctx, 1, store.PlanFree))
	inst, err := s.CreateInstance(ctx, 1, "worker", "entry.sh")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(inst.WorkDir, "entry.sh"), []byte(script), 0o750))
	return inst
}

const (
	scriptSleep    = "#!/bin/sh\nsleep 30\n"
	scriptExitOK   = "#!/bin/sh\nexit 0\n"
	scriptCrash    = "#!/bin/sh\nexit 1\n"
	scriptCrashOne = "#!/bin/sh\nif [ -f ran ]; then sleep 30; else touch ran; exit 1; fi\n"
)

func getInst(t *testing.T, st store.Store, id int64) store.Instance {
	t.Helper()
	inst, err := st.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func TestCreateInstanceGrantsPlanBudget(t *testing.T) {
	s, _, _ := newTestSupervisor(t, nil)
	inst := mkInstance(t, s, scriptSleep)

	require.Equal(t, int64(86400), inst.TotalSeconds)
	require.Equal(t, int64(86400), inst.RemainingSeconds)
	require.Equal(t, 30.0, inst.PowerMax)
	require.NotEmpty(t, inst.Token)
	require.Equal(t, store.StatusStopped, inst.Status)
	require.DirExists(t, inst.WorkDir)
}

func TestStartAdmission(t *testing.T) {
	s, st, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	inst := mkInstance(t, s, scriptSleep)

	require.ErrorIs(t, s.StartInstance(ctx, inst.ID+100), store.ErrNotFound)

	require.NoError(t, st.SetSleep(ctx, inst.ID, true, store.SleepExpired))
	require.ErrorIs(t, s.StartInstance(ctx, inst.ID), ErrDormant)
	require.NoError(t, st.SetSleep(ctx, inst.ID, false, ""))

	require.NoError(t, st.SetResources(ctx, inst.ID, 0, 30, time.Now()))
	require.ErrorIs(t, s.StartInstance(ctx, inst.ID), ErrBudgetExhausted)
	require.NoError(t, st.SetResources(ctx, inst.ID, 86400, 30, time.Now()))

	require.NoError(t, s.StartInstance(ctx, inst.ID))
	got := getInst(t, st, inst.ID)
	require.Equal(t, store.StatusRunning, got.Status)
	require.NotZero(t, got.PID)
	require.False(t, got.StartedAt.IsZero())
	require.NotNil(t, s.currentRun(inst.ID))

	// starting a running instance succeeds without spawning a second process
	r := s.currentRun(inst.ID)
	require.NoError(t, s.StartInstance(ctx, inst.ID))
	require.Same(t, r, s.currentRun(inst.ID))

	require.NoError(t, s.StopInstance(ctx, inst.ID))
	got = getInst(t, st, inst.ID)
	require.Equal(t, store.StatusStopped, got.Status)
	require.Zero(t, got.PID)
	require.Nil(t, s.currentRun(inst.ID))

	// stopping a stopped instance is a no-op
	require.NoError(t, s.StopInstance(ctx, inst.ID))
}

func TestSpawnFailure(t *testing.T) {
	s, st, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	require.NoError(t, s.CreateOwner(ctx, 1, store.PlanFree))
	// extension-less entries are executed directly; pointing at a missing
	// binary fails at spawn time
	inst, err := s.CreateInstance(ctx, 1, "broken", "missing-binary")
	require.NoError(t, err)

	err = s.StartInstance(ctx, inst.ID)
	var spawn *SpawnError
	require.ErrorAs(t, err, &spawn)
	require.Equal(t, store.StatusStopped, getInst(t, st, inst.ID).Status)
}

func TestCleanExitStopsWithoutRestart(t *testing.T) {
	s, st, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	inst := mkInstance(t, s, scriptExitOK)

	require.NoError(t, s.StartInstance(ctx, inst.ID))
	require.Eventually(t, func() bool {
		got := getInst(t, st, inst.ID)
		return got.Status == store.StatusStopped && s.currentRun(inst.ID) == nil
	}, 5*time.Second, 20*time.Millisecond)

	got := getInst(t, st, inst.ID)
	require.Zero(t, got.RestartCount)
	require.False(t, got.SleepMode)

	logs, err := s.Logs(ctx, inst.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	require.Contains(t, logs[len(logs)-1].Text, "exited with code 0")
}

func TestPaidRestartDebitsBudget(t *testing.T) {
	s, st, rec := newTestSupervisor(t, nil)
	ctx := context.Background()
	inst := mkInstance(t, s, scriptCrashOne)

	require.NoError(t, s.StartInstance(ctx, inst.ID))

	// the first run crashes, the policy debits and restarts, the second run
	// stays up
	require.Eventually(t, func() bool {
		got := getInst(t, st, inst.ID)
		return got.RestartCount == 1 && got.Status == store.StatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	got := getInst(t, st, inst.ID)
	require.Equal(t, int64(86400-60), got.RemainingSeconds)
	require.InDelta(t, 28.0, got.PowerRemaining, 1e-9)
	require.False(t, got.LastRestartAt.IsZero())
	require.Eventually(t, func() bool {
		return rec.contains("restarted automatically")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAntiLoopParksInstance(t *testing.T) {
	s, st, rec := newTestSupervisor(t, func(c *Config) {
		c.AntiLoopLimit = 3
	})
	ctx := context.Background()
	inst := mkInstance(t, s, scriptCrash)

	require.NoError(t, s.StartInstance(ctx, inst.ID))
	require.Eventually(t, func() bool {
		got := getInst(t, st, inst.ID)
		return got.SleepMode
	}, 10*time.Second, 20*time.Millisecond)

	got := getInst(t, st, inst.ID)
	require.Equal(t, store.SleepAntiLoop, got.LastSleepReason)
	require.Equal(t, store.StatusStopped, got.Status)
	require.Equal(t, 3, got.RestartCount)
	require.True(t, rec.contains("put to sleep"))
	require.Nil(t, s.currentRun(inst.ID))

	// no further restarts happen once parked
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 3, getInst(t, st, inst.ID).RestartCount)
}

func TestCooldownSuppressesRestart(t *testing.T) {
	s, st, _ := newTestSupervisor(t, func(c *Config) {
		c.RestartCooldown = time.Hour
	})
	ctx := context.Background()
	inst := mkInstance(t, s, scriptCrash)

	require.NoError(t, s.StartInstance(ctx, inst.ID))

	// first crash pays for a restart; the second lands inside the cooldown
	// and leaves the instance stopped
	require.Eventually(t, func() bool {
		got := getInst(t, st, inst.ID)
		return got.RestartCount == 1 && got.Status == store.StatusStopped &&
			s.currentRun(inst.ID) == nil
	}, 5*time.Second, 20*time.Millisecond)

	got := getInst(t, st, inst.ID)
	require.False(t, got.SleepMode)
	require.Equal(t, 1, got.RestartCount)
}

func TestCrashFreeRecovery(t *testing.T) {
	s, st, rec := newTestSupervisor(t, func(c *Config) {
		// keep the crash-to-policy window open long enough for the test to
		// drain the budget first
		c.ExitPolicyDelay = 200 * time.Millisecond
	})
	ctx := context.Background()
	inst := mkInstance(t, s, scriptCrashOne)

	require.NoError(t, s.StartInstance(ctx, inst.ID))
	// drain the budget while the first run is still alive so the crash
	// lands on an exhausted instance
	require.NoError(t, st.SetResources(ctx, inst.ID, 0, 0, time.Now()))

	require.Eventually(t, func() bool {
		return getInst(t, st, inst.ID).AutoRecoveryUsed
	}, 5*time.Second, 20*time.Millisecond)

	got := getInst(t, st, inst.ID)
	require.Equal(t, int64(3600), got.TotalSeconds)
	require.Equal(t, 20.0, got.PowerMax)
	owner, err := st.GetOwner(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, store.RecoveryDate(time.Now()), owner.LastRecoveryDate)
	require.Eventually(t, func() bool {
		return rec.contains("free recovery")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestExpirySleepWhenRecoverySpent(t *testing.T) {
	s, st, rec := newTestSupervisor(t, func(c *Config) {
		c.ExitPolicyDelay = 200 * time.Millisecond
	})
	ctx := context.Background()
	inst := mkInstance(t, s, scriptCrash)

	// recovery already burned on both levels
	require.NoError(t, st.MarkAutoRecoveryUsed(ctx, inst.ID))
	require.NoError(t, st.SetOwnerRecoveryDate(ctx, 1, store.RecoveryDate(time.Now())))

	require.NoError(t, s.StartInstance(ctx, inst.ID))
	require.NoError(t, st.SetResources(ctx, inst.ID, 0, 0, time.Now()))

	require.Eventually(t, func() bool {
		return getInst(t, st, inst.ID).SleepMode
	}, 5*time.Second, 20*time.Millisecond)

	got := getInst(t, st, inst.ID)
	require.Equal(t, store.SleepExpiredOrNoPower, got.LastSleepReason)
	require.True(t, rec.contains("exhausted"))
}

func TestAddTime(t *testing.T) {
	s, st, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	inst := mkInstance(t, s, scriptSleep)

	// free plan is already at its ceiling
	_, err := s.AddTime(ctx, inst.ID, 3600)
	require.ErrorIs(t, err, ErrPlanLimitExceeded)

	// spend some budget, then a top-up inside the ceiling works
	require.NoError(t, st.SetBudget(ctx, inst.ID, 40000, 1000, 30, 10))
	got, err := s.AddTime(ctx, inst.ID, 3600)
	require.NoError(t, err)
	require.Equal(t, int64(43600), got.TotalSeconds)
	require.Equal(t, int64(4600), got.RemainingSeconds)
	// 3600/86400*100 ≈ 4.1667% of power comes back with the time
	require.InDelta(t, 14.1667, got.PowerRemaining, 0.01)
	require.False(t, got.WarnedLow)
}

func TestAddTimeWakesSleepingInstance(t *testing.T) {
	s, st, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	inst := mkInstance(t, s, scriptSleep)

	require.NoError(t, st.SetBudget(ctx, inst.ID, 40000, 0, 30, 0))
	require.NoError(t, st.SetSleep(ctx, inst.ID, true, store.SleepExpired))

	got, err := s.AddTime(ctx, inst.ID, 3600)
	require.NoError(t, err)
	require.False(t, got.SleepMode)
	require.Equal(t, store.StatusRunning, got.Status)
	require.NotNil(t, s.currentRun(inst.ID))
}

func TestManualRecover(t *testing.T) {
	s, st, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	inst := mkInstance(t, s, scriptSleep)

	// only dormant instances can be recovered
	_, err := s.Recover(ctx, inst.ID)
	require.ErrorIs(t, err, ErrRecoveryUnavailable)

	require.NoError(t, st.SetBudget(ctx, inst.ID, 86400, 0, 30, 0))
	require.NoError(t, st.SetSleep(ctx, inst.ID, true, store.SleepExpired))

	got, err := s.Recover(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3600), got.TotalSeconds)
	require.Equal(t, int64(3600), got.RemainingSeconds)
	require.Equal(t, 20.0, got.PowerMax)
	require.Equal(t, 20.0, got.PowerRemaining)
	require.False(t, got.SleepMode)
	require.Equal(t, store.StatusRunning, got.Status)
	require.True(t, got.AutoRecoveryUsed)

	owner, err := st.GetOwner(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, store.RecoveryDate(time.Now()), owner.LastRecoveryDate)
}

func TestManualRecoverOncePerDay(t *testing.T) {
	s, st, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	inst := mkInstance(t, s, scriptSleep)
	require.NoError(t, st.SetBudget(ctx, inst.ID, 86400, 0, 30, 0))
	require.NoError(t, st.SetSleep(ctx, inst.ID, true, store.SleepExpired))
	require.NoError(t, st.SetOwnerRecoveryDate(ctx, 1, store.RecoveryDate(time.Now())))

	_, err := s.Recover(ctx, inst.ID)
	require.ErrorIs(t, err, ErrRecoveryUnavailable)

	// the next UTC day the recovery is available again
	tomorrow := time.Now().Add(24 * time.Hour)
	s.SetClock(func() time.Time { return tomorrow })
	got, err := s.Recover(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, got.Status)
}

func TestDeleteInstancePurgesEverything(t *testing.T) {
	s, st, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	inst := mkInstance(t, s, scriptSleep)

	require.NoError(t, s.StartInstance(ctx, inst.ID))
	require.NoError(t, s.DeleteInstance(ctx, inst.ID))

	_, err := st.GetInstance(ctx, inst.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoDirExists(t, inst.WorkDir)
	require.Nil(t, s.currentRun(inst.ID))
}

func TestOutputWatcherCapturesErrors(t *testing.T) {
	s, st, rec := newTestSupervisor(t, nil)
	ctx := context.Background()
	script := "#!/bin/sh\n" +
		"echo 'INFO started fine' >&2\n" +
		"echo 'Traceback (most recent call last):' >&2\n" +
		"echo 'ValueError: <boom>' >&2\n" +
		"sleep 30\n"
	inst := mkInstance(t, s, script)

	require.NoError(t, s.StartInstance(ctx, inst.ID))
	require.Eventually(t, func() bool {
		logs, err := st.ErrorLogs(ctx, inst.ID, 10)
		return err == nil && len(logs) > 0
	}, 5*time.Second, 20*time.Millisecond)

	logs, err := st.ErrorLogs(ctx, inst.ID, 10)
	require.NoError(t, err)
	var all strings.Builder
	for _, l := range logs {
		all.WriteString(l.Text)
		all.WriteString("\n")
	}
	require.Contains(t, all.String(), "Traceback")
	require.Contains(t, all.String(), "ValueError")
	require.NotContains(t, all.String(), "INFO")

	// notification text is HTML-escaped
	require.Eventually(t, func() bool {
		return rec.contains("&lt;boom&gt;")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestUsageStoppedInstanceReadsZero(t *testing.T) {
	s, _, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	inst := mkInstance(t, s, scriptSleep)

	u, err := s.Usage(ctx, inst.ID)
	require.NoError(t, err)
	require.False(t, u.Running)
	require.Zero(t, u.CPUPercent)
	require.Zero(t, u.MemoryMB)

	_, err = s.Usage(ctx, inst.ID+5)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.StartInstance(ctx, inst.ID))
	u, err = s.Usage(ctx, inst.ID)
	require.NoError(t, err)
	require.True(t, u.Running)
}

func TestShutdownStopsEverything(t *testing.T) {
	s, st, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	require.NoError(t, s.CreateOwner(ctx, 1, store.PlanFree))
	var ids []int64
	for _, name := range []string{"a", "b"} {
		inst, err := s.CreateInstance(ctx, 1, name, "entry.sh")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(inst.WorkDir, "entry.sh"), []byte(scriptSleep), 0o750))
		require.NoError(t, s.StartInstance(ctx, inst.ID))
		ids = append(ids, inst.ID)
	}

	require.NoError(t, s.Shutdown(ctx))
	for _, id := range ids {
		require.Equal(t, store.StatusStopped, getInst(t, st, id).Status)
		require.Nil(t, s.currentRun(id))
	}
}

func TestSpawnErrorUnwraps(t *testing.T) {
	var spawn *SpawnError
	err := error(&SpawnError{Err: os.ErrNotExist})
	require.ErrorAs(t, err, &spawn)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// Package supervisor hosts tenant-owned worker processes and charges their
// prepaid time/power budgets. It owns the in-memory handle table (the single
// source of truth for liveness), the per-run exit and output watchers, the
// periodic budget enforcement loop, and the restart/sleep policy applied
// after unexpected exits.
package supervisor

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/hostr/internal/audit"
	"github.com/loykin/hostr/internal/metrics"
	"github.com/loykin/hostr/internal/notify"
	"github.com/loykin/hostr/internal/plan"
	"github.com/loykin/hostr/internal/process"
	"github.com/loykin/hostr/internal/store"
)

// Config carries the supervision policy knobs. DefaultConfig returns the
// values the service has always run with; tests shrink the delays.
type Config struct {
	// InstancesDir is the root under which per-instance work directories
	// are created.
	InstancesDir string

	// StopWait is the grace period between SIGTERM and SIGKILL.
	StopWait time.Duration

	// RestartCooldown suppresses automatic restarts that would occur too
	// soon after the previous one.
	RestartCooldown time.Duration
	// RestartTimeCost and RestartPowerCost are debited from the budget for
	// every paid automatic restart.
	RestartTimeCost  time.Duration
	RestartPowerCost float64
	// AntiLoopLimit is the restart count at which the instance is parked
	// in sleep mode instead of being restarted again.
	AntiLoopLimit int

	// ExitPolicyDelay is the pause between observing an unexpected exit
	// and applying the restart policy, letting in-flight writes settle.
	ExitPolicyDelay time.Duration
	// RestartSettleDelay is the pause between debiting a paid restart and
	// launching the process again.
	RestartSettleDelay time.Duration

	// ExitPollInterval and LogPollInterval pace the per-run watchers.
	ExitPollInterval time.Duration
	LogPollInterval  time.Duration

	// EnforceInterval paces the budget enforcement loop.
	EnforceInterval time.Duration
	// LowTimeWarn is the remaining-time threshold below which the owner is
	// warned once per budget cycle.
	LowTimeWarn time.Duration

	// Drain converts measured CPU into power decay.
	Drain plan.Drain
	// RecoveryGrant is the budget installed by a free recovery.
	RecoveryGrant plan.RecoveryGrant

	// NotifyClip caps the error excerpt embedded in owner notifications.
	NotifyClip int
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		InstancesDir:       "instances",
		StopWait:           3 * time.Second,
		RestartCooldown:    60 * time.Second,
		RestartTimeCost:    60 * time.Second,
		RestartPowerCost:   2.0,
		AntiLoopLimit:      5,
		ExitPolicyDelay:    2 * time.Second,
		RestartSettleDelay: 3 * time.Second,
		ExitPollInterval:   time.Second,
		LogPollInterval:    2 * time.Second,
		EnforceInterval:    30 * time.Second,
		LowTimeWarn:        600 * time.Second,
		Drain:              plan.DefaultDrain(),
		RecoveryGrant:      plan.DefaultRecoveryGrant(),
		NotifyClip:         500,
	}
}

// run is one live launch of an instance. The handle table maps instance id to
// its current run; watchers hold the run pointer they were started for and
// stand down when the table moves on.
type run struct {
	h *process.Handle
}

// Supervisor coordinates instance lifecycle, budget enforcement, and the
// restart policy over a Store.
type Supervisor struct {
	cfg      Config
	st       store.Store
	notifier notify.Notifier
	sinks    []audit.Sink
	log      *slog.Logger
	clock    func() time.Time

	mu      sync.Mutex
	runs    map[int64]*run
	stopEnf chan struct{}
	enfDone chan struct{}
}

// New creates a Supervisor over the given store.
func New(cfg Config, st store.Store) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		st:    st,
		log:   slog.Default(),
		clock: time.Now,
		runs:  make(map[int64]*run),
	}
}

// SetNotifier installs the owner-facing message transport.
func (s *Supervisor) SetNotifier(n notify.Notifier) { s.notifier = n }

// SetAuditSinks installs the lifecycle event sinks.
func (s *Supervisor) SetAuditSinks(sinks ...audit.Sink) { s.sinks = sinks }

// SetLogger installs the diagnostic logger.
func (s *Supervisor) SetLogger(l *slog.Logger) {
	if l != nil {
		s.log = l
	}
}

// SetClock overrides the time source. Tests use it to step through cooldown
// and calendar-day boundaries.
func (s *Supervisor) SetClock(now func() time.Time) {
	if now != nil {
		s.clock = now
	}
}

func (s *Supervisor) currentRun(id int64) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *Supervisor) setRun(id int64, r *run) {
	s.mu.Lock()
	s.runs[id] = r
	n := len(s.runs)
	s.mu.Unlock()
	metrics.SetRunningInstances(n)
}

// releaseRun removes r from the table if it is still the current run for id.
// A concurrent restart may have replaced it; the stale watcher must not evict
// the new run.
func (s *Supervisor) releaseRun(id int64, r *run) {
	s.mu.Lock()
	if s.runs[id] == r {
		delete(s.runs, id)
	}
	n := len(s.runs)
	s.mu.Unlock()
	metrics.SetRunningInstances(n)
}

// takeRun removes and returns the current run for id, if any.
func (s *Supervisor) takeRun(id int64) *run {
	s.mu.Lock()
	r := s.runs[id]
	delete(s.runs, id)
	n := len(s.runs)
	s.mu.Unlock()
	metrics.SetRunningInstances(n)
	return r
}

// RunningIDs returns the ids with a live handle, for status reporting.
func (s *Supervisor) RunningIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids
}

// StartInstance launches the instance's entry file after the admission
// checks: the instance must exist, must not be asleep, and must have budget
// left on both dimensions. On success the status row is updated, the restart
// counter is cleared, and the exit and output watchers are scheduled.
func (s *Supervisor) StartInstance(ctx context.Context, id int64) error {
	return s.start(ctx, id, true)
}

// start is the shared launch path. resetRestarts distinguishes operator
// starts, which clear the restart counter, from policy restarts, which must
// preserve it so the anti-loop guard can accumulate.
func (s *Supervisor) start(ctx context.Context, id int64, resetRestarts bool) error {
	inst, err := s.st.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.SleepMode {
		return ErrDormant
	}
	if plan.Exhausted(inst) {
		return ErrBudgetExhausted
	}
	if r := s.currentRun(id); r != nil && r.h.Alive() {
		// already running; treat as success
		return nil
	}

	h, err := process.Start(process.Spec{
		InstanceID: inst.ID,
		Name:       inst.Name,
		WorkDir:    inst.WorkDir,
		EntryFile:  inst.EntryFile,
		Token:      inst.Token,
	})
	if err != nil {
		return &SpawnError{Err: err}
	}
	now := s.clock()
	r := &run{h: h}
	s.setRun(id, r)
	if err := s.st.SetStatus(ctx, id, store.StatusRunning, h.PID()); err != nil {
		s.log.Warn("start: status update failed", "instance", id, "err", err)
	}
	if err := s.st.SetStartTime(ctx, id, now); err != nil {
		s.log.Warn("start: start time update failed", "instance", id, "err", err)
	}
	if resetRestarts {
		if err := s.st.ResetRestartCount(ctx, id); err != nil {
			s.log.Warn("start: restart count reset failed", "instance", id, "err", err)
		}
	}
	metrics.IncStart(inst.Name)
	s.event(ctx, audit.EventStart, inst, "pid "+strconv.Itoa(h.PID()))
	s.log.Info("instance started", "instance", id, "name", inst.Name, "pid", h.PID())

	go s.watchExit(inst.ID, inst.OwnerID, r)
	go s.watchLogs(inst.OwnerID, r)
	return nil
}

// StopInstance terminates the instance's process group if one is live and
// marks the row stopped. Stopping a stopped instance succeeds.
func (s *Supervisor) StopInstance(ctx context.Context, id int64) error {
	inst, err := s.st.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if r := s.takeRun(id); r != nil {
		r.h.Stop(s.cfg.StopWait)
	} else if inst.PID > 0 {
		// a previous supervisor may have left the process behind
		process.StopPID(inst.PID, s.cfg.StopWait)
	}
	if err := s.st.SetStatus(ctx, id, store.StatusStopped, 0); err != nil {
		return err
	}
	metrics.IncStop(inst.Name)
	s.event(ctx, audit.EventStop, inst, "")
	s.log.Info("instance stopped", "instance", id, "name", inst.Name)
	return nil
}

// Shutdown stops the enforcement loop and all live instances concurrently.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.StopEnforcer()
	var g errgroup.Group
	for _, id := range s.RunningIDs() {
		g.Go(func() error {
			return s.StopInstance(ctx, id)
		})
	}
	return g.Wait()
}

// event fans a lifecycle event out to the audit sinks. Best-effort.
func (s *Supervisor) event(ctx context.Context, t audit.EventType, inst store.Instance, detail string) {
	if len(s.sinks) == 0 {
		return
	}
	e := audit.Event{
		Type:       t,
		OccurredAt: s.clock(),
		InstanceID: inst.ID,
		OwnerID:    inst.OwnerID,
		Detail:     detail,
	}
	for _, sink := range s.sinks {
		_ = sink.Send(ctx, e)
	}
}

// notify delivers an owner-facing message. Best-effort: failures are logged
// and never abort the operation that produced the message.
func (s *Supervisor) notify(ctx context.Context, ownerID int64, msg string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, ownerID, msg); err != nil {
		s.log.Debug("notify failed", "owner", ownerID, "err", err)
	}
}

// logEvent records a restart-policy decision in the instance's error log,
// tagged so it is distinguishable from captured output.
func (s *Supervisor) logEvent(ctx context.Context, id int64, text string) {
	if err := s.st.AddErrorLog(ctx, id, store.EventPrefix+text); err != nil {
		s.log.Warn("event log write failed", "instance", id, "err", err)
	}
}

// logNote records an untagged note in the instance's error log.
func (s *Supervisor) logNote(ctx context.Context, id int64, text string) {
	if err := s.st.AddErrorLog(ctx, id, text); err != nil {
		s.log.Warn("event log write failed", "instance", id, "err", err)
	}
}

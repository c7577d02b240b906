package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/hostr/internal/metrics"
	"github.com/loykin/hostr/internal/plan"
	"github.com/loykin/hostr/internal/process"
	"github.com/loykin/hostr/internal/store"
)

// StartEnforcer launches the periodic budget enforcement loop. Each tick
// charges every running instance for the wall time and measured CPU since its
// last check, warns owners running low, and parks instances whose budget hit
// zero.
func (s *Supervisor) StartEnforcer() {
	s.mu.Lock()
	if s.stopEnf != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stopEnf = stop
	s.enfDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.EnforceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.enforceTick()
			}
		}
	}()
}

// StopEnforcer stops the enforcement loop and waits for the in-flight tick.
func (s *Supervisor) StopEnforcer() {
	s.mu.Lock()
	stop, done := s.stopEnf, s.enfDone
	s.stopEnf, s.enfDone = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Supervisor) enforceTick() {
	defer s.recoverPanic("budget enforcement", 0)
	if err := s.EnforceOnce(context.Background()); err != nil {
		s.log.Warn("budget enforcement pass failed", "err", err)
	}
}

// EnforceOnce runs a single enforcement pass over all running instances.
// Per-instance failures are logged and skipped so one bad row cannot starve
// the rest.
func (s *Supervisor) EnforceOnce(ctx context.Context) error {
	running, err := s.st.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running instances: %w", err)
	}
	now := s.clock()
	for _, inst := range running {
		s.enforceInstance(ctx, inst, now)
	}
	return nil
}

// enforceInstance charges one instance for the time since its last check.
// Time drains one-for-one with wall clock; power drains with measured CPU,
// discounted when the process is near idle.
func (s *Supervisor) enforceInstance(ctx context.Context, inst store.Instance, now time.Time) {
	if inst.LastChecked.IsZero() {
		// first observation; start the accounting clock without charging
		if err := s.st.TouchLastChecked(ctx, inst.ID, now); err != nil {
			s.log.Warn("enforce: cursor init failed", "instance", inst.ID, "err", err)
		}
		return
	}
	elapsed := now.Sub(inst.LastChecked)
	if elapsed <= 0 {
		return
	}

	cpu := s.measureCPU(inst)
	drain := s.cfg.Drain.PowerDrain(cpu, elapsed)
	newRemaining := plan.DebitTime(inst.RemainingSeconds, int64(elapsed.Seconds()))
	newPower := plan.DebitPower(inst.PowerRemaining, drain)

	if err := s.st.SetResources(ctx, inst.ID, newRemaining, newPower, now); err != nil {
		s.log.Warn("enforce: debit failed", "instance", inst.ID, "err", err)
		return
	}
	metrics.SetBudget(inst.Name, newRemaining, newPower)

	if newRemaining <= 0 || newPower <= 0 {
		s.sleepInstance(ctx, inst, store.SleepExpired)
		s.notify(ctx, inst.OwnerID, fmt.Sprintf(
			"Instance %s was put to sleep: its time or power budget ran out. Top up to wake it.", inst.Name))
		return
	}

	if !inst.WarnedLow && newRemaining <= int64(s.cfg.LowTimeWarn.Seconds()) {
		if err := s.st.SetWarnedLow(ctx, inst.ID, true); err != nil {
			s.log.Warn("enforce: warn flag update failed", "instance", inst.ID, "err", err)
		}
		s.notify(ctx, inst.OwnerID, fmt.Sprintf(
			"Instance %s has less than %d minutes of hosting time left. Top up to avoid a stop.",
			inst.Name, int64(s.cfg.LowTimeWarn.Minutes())))
	}
}

// measureCPU samples CPU for the instance, preferring the live handle and
// falling back to the stored pid. Best-effort; unobservable processes read
// as idle.
func (s *Supervisor) measureCPU(inst store.Instance) float64 {
	if r := s.currentRun(inst.ID); r != nil {
		cpu, _ := r.h.Usage()
		return cpu
	}
	cpu, _ := process.UsageByPID(inst.PID)
	return cpu
}

package supervisor

import (
	"context"
	"fmt"

	"github.com/loykin/hostr/internal/audit"
	"github.com/loykin/hostr/internal/metrics"
	"github.com/loykin/hostr/internal/plan"
	"github.com/loykin/hostr/internal/store"
)

// handleUnexpectedExit decides what happens after a non-zero exit. The checks
// run in a fixed order: anti-loop guard, restart cooldown, one-shot free
// recovery, budget expiry, and finally a paid automatic restart.
func (s *Supervisor) handleUnexpectedExit(ctx context.Context, id int64, exitCode int) {
	inst, err := s.st.GetInstance(ctx, id)
	if err != nil {
		s.log.Warn("restart policy: instance lookup failed", "instance", id, "err", err)
		return
	}
	now := s.clock()

	// 1. Anti-loop guard: too many automatic restarts means the process is
	// crash-looping and burning budget for nothing.
	if inst.RestartCount >= s.cfg.AntiLoopLimit {
		s.sleepInstance(ctx, inst, store.SleepAntiLoop)
		s.logEvent(ctx, id, fmt.Sprintf("automatic restart disabled after %d attempts", inst.RestartCount))
		s.notify(ctx, inst.OwnerID, fmt.Sprintf(
			"Instance %s crashed too many times in a row and was put to sleep. Fix the program, then wake it manually.", inst.Name))
		return
	}

	// 2. Cooldown: a restart too soon after the previous one is skipped
	// outright. The instance stays stopped; the owner can start it manually.
	if !inst.LastRestartAt.IsZero() && now.Sub(inst.LastRestartAt) < s.cfg.RestartCooldown {
		s.logEvent(ctx, id, "automatic restart skipped: cooldown in effect")
		s.log.Info("restart suppressed by cooldown", "instance", id)
		return
	}

	owner, err := s.st.GetOwner(ctx, inst.OwnerID)
	if err != nil {
		s.log.Warn("restart policy: owner lookup failed", "instance", id, "owner", inst.OwnerID, "err", err)
		return
	}

	// 3. One-shot free recovery: an exhausted instance whose owner still has
	// today's recovery gets a fresh small budget instead of going to sleep.
	if plan.Exhausted(inst) && !inst.AutoRecoveryUsed && plan.CanRecoverToday(owner, now) {
		s.applyRecovery(ctx, inst, owner, "auto")
		if err := s.start(ctx, id, true); err != nil {
			s.logEvent(ctx, id, fmt.Sprintf("free recovery restart failed: %v", err))
			s.log.Warn("free recovery restart failed", "instance", id, "err", err)
			return
		}
		s.logEvent(ctx, id, "free recovery applied after crash")
		s.notify(ctx, inst.OwnerID, fmt.Sprintf(
			"Instance %s ran out of resources and was revived with a free recovery. This happens once; top up before it runs out again.", inst.Name))
		return
	}

	// 4. Expiry: no budget and no recovery left. Park the instance.
	if plan.Exhausted(inst) || inst.SleepMode {
		s.sleepInstance(ctx, inst, store.SleepExpiredOrNoPower)
		s.notify(ctx, inst.OwnerID, fmt.Sprintf(
			"Instance %s stopped and cannot restart: time or power budget is exhausted. Top up to wake it.", inst.Name))
		return
	}

	// 5. Paid restart: debit the fixed restart cost, then relaunch.
	newRemaining := plan.DebitTime(inst.RemainingSeconds, int64(s.cfg.RestartTimeCost.Seconds()))
	newPower := plan.DebitPower(inst.PowerRemaining, s.cfg.RestartPowerCost)
	if err := s.st.SetResources(ctx, id, newRemaining, newPower, now); err != nil {
		s.log.Warn("restart policy: debit failed", "instance", id, "err", err)
		return
	}
	if err := s.st.IncrementRestart(ctx, id, now); err != nil {
		s.log.Warn("restart policy: restart count update failed", "instance", id, "err", err)
	}
	metrics.SetBudget(inst.Name, newRemaining, newPower)
	metrics.IncAutoRestart(inst.Name)
	s.logEvent(ctx, id, fmt.Sprintf("automatic restart after exit code %d", exitCode))
	s.event(ctx, audit.EventRestart, inst, fmt.Sprintf("exit code %d", exitCode))

	s.pause(s.cfg.RestartSettleDelay)
	if err := s.start(ctx, id, false); err != nil {
		s.logEvent(ctx, id, fmt.Sprintf("automatic restart failed: %v", err))
		s.notify(ctx, inst.OwnerID, fmt.Sprintf(
			"Instance %s crashed and could not be restarted automatically.", inst.Name))
		return
	}
	s.notify(ctx, inst.OwnerID, fmt.Sprintf(
		"Instance %s crashed (exit code %d) and was restarted automatically. The restart cost %d seconds and %.1f%% power.",
		inst.Name, exitCode, int64(s.cfg.RestartTimeCost.Seconds()), s.cfg.RestartPowerCost))
}

// sleepInstance parks the instance: the row flips to sleeping (and stopped)
// and any leftover process is torn down.
func (s *Supervisor) sleepInstance(ctx context.Context, inst store.Instance, reason store.SleepReason) {
	if err := s.st.SetSleep(ctx, inst.ID, true, reason); err != nil {
		s.log.Warn("sleep transition failed", "instance", inst.ID, "err", err)
		return
	}
	if r := s.takeRun(inst.ID); r != nil {
		r.h.Stop(s.cfg.StopWait)
	}
	metrics.IncSleep(inst.Name, string(reason))
	s.event(ctx, audit.EventSleep, inst, string(reason))
	s.log.Info("instance put to sleep", "instance", inst.ID, "reason", reason)
}

// applyRecovery installs the free recovery budget. The grant replaces the
// old budget and the instance is woken if it was asleep. kind is "auto" or
// "manual" for bookkeeping.
func (s *Supervisor) applyRecovery(ctx context.Context, inst store.Instance, owner store.Owner, kind string) {
	now := s.clock()
	if err := s.st.SetOwnerRecoveryDate(ctx, owner.ID, store.RecoveryDate(now)); err != nil {
		s.log.Warn("recovery: owner date update failed", "owner", owner.ID, "err", err)
	}
	if err := s.st.MarkAutoRecoveryUsed(ctx, inst.ID); err != nil {
		s.log.Warn("recovery: flag update failed", "instance", inst.ID, "err", err)
	}
	g := s.cfg.RecoveryGrant
	if err := s.st.SetBudget(ctx, inst.ID, g.Seconds, g.Seconds, g.Power, g.Power); err != nil {
		s.log.Warn("recovery: budget grant failed", "instance", inst.ID, "err", err)
		return
	}
	if inst.SleepMode {
		if err := s.st.SetSleep(ctx, inst.ID, false, inst.LastSleepReason); err != nil {
			s.log.Warn("recovery: wake failed", "instance", inst.ID, "err", err)
		}
	}
	metrics.IncRecovery(kind)
	metrics.SetBudget(inst.Name, g.Seconds, g.Power)
	s.event(ctx, audit.EventRecover, inst, kind)
}

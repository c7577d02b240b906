package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/loykin/hostr/internal/plan"
	"github.com/loykin/hostr/internal/process"
	"github.com/loykin/hostr/internal/store"
)

// CreateOwner registers a tenant. Creating an existing owner is a no-op.
func (s *Supervisor) CreateOwner(ctx context.Context, id int64, p store.Plan) error {
	return s.st.CreateOwner(ctx, store.Owner{ID: id, Plan: p})
}

// CreateInstance provisions a hosted instance for an owner: a fresh access
// token, a private working directory, and the full budget of the owner's
// plan. The returned instance is stopped; it runs when started explicitly.
func (s *Supervisor) CreateInstance(ctx context.Context, ownerID int64, name, entryFile string) (store.Instance, error) {
	owner, err := s.st.GetOwner(ctx, ownerID)
	if err != nil {
		return store.Instance{}, err
	}
	maxSeconds, maxPower := plan.Quota(owner.Plan)

	workDir, err := filepath.Abs(filepath.Join(s.cfg.InstancesDir, strconv.FormatInt(ownerID, 10), name))
	if err != nil {
		return store.Instance{}, err
	}
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return store.Instance{}, fmt.Errorf("create work dir: %w", err)
	}

	inst := store.Instance{
		OwnerID:          ownerID,
		Token:            uuid.NewString(),
		Name:             name,
		WorkDir:          workDir,
		EntryFile:        entryFile,
		Status:           store.StatusStopped,
		TotalSeconds:     maxSeconds,
		RemainingSeconds: maxSeconds,
		PowerMax:         maxPower,
		PowerRemaining:   maxPower,
	}
	id, err := s.st.CreateInstance(ctx, inst)
	if err != nil {
		return store.Instance{}, err
	}
	inst.ID = id
	s.log.Info("instance created", "instance", id, "owner", ownerID, "name", name, "plan", owner.Plan)
	return inst, nil
}

// DeleteInstance removes an instance completely: the process is stopped, the
// working directory (code and logs) is purged, and every database row
// referencing the instance is deleted.
func (s *Supervisor) DeleteInstance(ctx context.Context, id int64) error {
	inst, err := s.st.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if r := s.takeRun(id); r != nil {
		r.h.Stop(s.cfg.StopWait)
	} else if inst.PID > 0 {
		process.StopPID(inst.PID, s.cfg.StopWait)
	}
	if inst.WorkDir != "" {
		if err := os.RemoveAll(inst.WorkDir); err != nil {
			s.log.Warn("delete: work dir purge failed", "instance", id, "err", err)
		}
	}
	if err := s.st.DeleteInstance(ctx, id); err != nil {
		return err
	}
	s.log.Info("instance deleted", "instance", id, "name", inst.Name)
	return nil
}

// AddTime tops up the instance's budget by the given number of seconds, with
// a proportional power top-up. The plan's total-time ceiling is enforced. A
// sleeping instance is woken and started again.
func (s *Supervisor) AddTime(ctx context.Context, id int64, seconds int64) (store.Instance, error) {
	inst, err := s.st.GetInstance(ctx, id)
	if err != nil {
		return store.Instance{}, err
	}
	owner, err := s.st.GetOwner(ctx, inst.OwnerID)
	if err != nil {
		return store.Instance{}, err
	}
	newTotal, newRemaining, newPowerMax, newPower, ok := plan.TopUp(inst, seconds, owner.Plan)
	if !ok {
		return store.Instance{}, fmt.Errorf("%w: plan %s allows at most %d seconds",
			ErrPlanLimitExceeded, owner.Plan, firstQuota(owner.Plan))
	}
	// SetBudget also clears the low-time warning so the next cycle warns
	// again.
	if err := s.st.SetBudget(ctx, id, newTotal, newRemaining, newPowerMax, newPower); err != nil {
		return store.Instance{}, err
	}
	if inst.SleepMode {
		if err := s.st.SetSleep(ctx, id, false, inst.LastSleepReason); err != nil {
			return store.Instance{}, err
		}
		if err := s.start(ctx, id, true); err != nil {
			s.log.Warn("top-up: wake start failed", "instance", id, "err", err)
		}
	}
	s.log.Info("budget topped up", "instance", id, "seconds", seconds, "remaining", newRemaining)
	return s.st.GetInstance(ctx, id)
}

// Recover applies the owner's daily manual recovery to a dormant instance:
// a fixed small budget replaces the exhausted one and the instance is woken
// and started. At most one recovery per owner per UTC calendar day.
func (s *Supervisor) Recover(ctx context.Context, id int64) (store.Instance, error) {
	inst, err := s.st.GetInstance(ctx, id)
	if err != nil {
		return store.Instance{}, err
	}
	if !inst.SleepMode {
		return store.Instance{}, fmt.Errorf("%w: instance is not dormant", ErrRecoveryUnavailable)
	}
	owner, err := s.st.GetOwner(ctx, inst.OwnerID)
	if err != nil {
		return store.Instance{}, err
	}
	if !plan.CanRecoverToday(owner, s.clock()) {
		return store.Instance{}, fmt.Errorf("%w: daily recovery already used", ErrRecoveryUnavailable)
	}
	s.applyRecovery(ctx, inst, owner, "manual")
	s.logNote(ctx, id, "manual recovery applied")
	if err := s.start(ctx, id, true); err != nil {
		return store.Instance{}, fmt.Errorf("budget restored but start failed: %w", err)
	}
	s.notify(ctx, inst.OwnerID, fmt.Sprintf(
		"Instance %s was revived with today's free recovery and is running again.", inst.Name))
	return s.st.GetInstance(ctx, id)
}

// Logs returns the most recent error log entries for the instance, newest
// first.
func (s *Supervisor) Logs(ctx context.Context, id int64, limit int) ([]store.ErrorLogEntry, error) {
	if _, err := s.st.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	return s.st.ErrorLogs(ctx, id, limit)
}

// UsageInfo is a best-effort point-in-time resource sample.
type UsageInfo struct {
	Running    bool    `json:"running"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// Usage samples live CPU and memory for the instance. A stopped instance
// reads as all zeros; observation failures do too.
func (s *Supervisor) Usage(ctx context.Context, id int64) (UsageInfo, error) {
	inst, err := s.st.GetInstance(ctx, id)
	if err != nil {
		return UsageInfo{}, err
	}
	if r := s.currentRun(id); r != nil && r.h.Alive() {
		cpu, mem := r.h.Usage()
		return UsageInfo{Running: true, CPUPercent: cpu, MemoryMB: mem}, nil
	}
	if inst.Status == store.StatusRunning && inst.PID > 0 {
		cpu, mem := process.UsageByPID(inst.PID)
		return UsageInfo{Running: true, CPUPercent: cpu, MemoryMB: mem}, nil
	}
	return UsageInfo{}, nil
}

// Instance returns the stored record plus the authoritative liveness bit from
// the handle table.
func (s *Supervisor) Instance(ctx context.Context, id int64) (store.Instance, bool, error) {
	inst, err := s.st.GetInstance(ctx, id)
	if err != nil {
		return store.Instance{}, false, err
	}
	r := s.currentRun(id)
	return inst, r != nil && r.h.Alive(), nil
}

// Instances lists an owner's instances.
func (s *Supervisor) Instances(ctx context.Context, ownerID int64) ([]store.Instance, error) {
	return s.st.ListByOwner(ctx, ownerID)
}

func firstQuota(p store.Plan) int64 {
	maxSeconds, _ := plan.Quota(p)
	return maxSeconds
}

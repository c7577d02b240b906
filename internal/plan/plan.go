// Package plan holds the resource model: plan quotas, power-drain math, and
// budget transitions. Everything here is a pure function over store types so
// the supervisor and the enforcement loop share one set of rules.
package plan

import (
	"time"

	"github.com/loykin/hostr/internal/store"
)

// UltraMaxSeconds is effectively unbounded hosting time.
const UltraMaxSeconds = int64(1e12)

// Quota returns the maximum time budget (seconds) and power ceiling (percent)
// a plan grants. Unknown plans fall back to free.
func Quota(p store.Plan) (maxSeconds int64, maxPower float64) {
	switch p {
	case store.PlanPro:
		return 604800, 60.0
	case store.PlanUltra:
		return UltraMaxSeconds, 100.0
	default:
		return 86400, 30.0
	}
}

// Drain configures how measured CPU converts into power decay.
type Drain struct {
	// Factor multiplies cpu_fraction*elapsed_seconds into power percent.
	Factor float64
	// IdleCPUThreshold is the CPU percent below which the discount applies.
	IdleCPUThreshold float64
	// IdleDiscount multiplies Factor for near-idle processes.
	IdleDiscount float64
}

// DefaultDrain matches the policy the service has always run with.
func DefaultDrain() Drain {
	return Drain{Factor: 0.02, IdleCPUThreshold: 2.0, IdleDiscount: 0.2}
}

// Rate returns the effective drain factor for a measured CPU percentage.
// Idle processes cost less power than busy ones.
func (d Drain) Rate(cpuPercent float64) float64 {
	f := d.Factor
	if cpuPercent < d.IdleCPUThreshold {
		f *= d.IdleDiscount
	}
	return f
}

// PowerDrain computes the power percent consumed over elapsed wall time at
// the measured CPU percentage.
func (d Drain) PowerDrain(cpuPercent float64, elapsed time.Duration) float64 {
	return (cpuPercent / 100.0) * elapsed.Seconds() * d.Rate(cpuPercent)
}

// DebitTime subtracts elapsed seconds from the remaining time budget,
// flooring at zero.
func DebitTime(remaining, elapsed int64) int64 {
	r := remaining - elapsed
	if r < 0 {
		return 0
	}
	return r
}

// DebitPower subtracts drain from remaining power, flooring at zero.
func DebitPower(remaining, drain float64) float64 {
	r := remaining - drain
	if r < 0 {
		return 0
	}
	return r
}

// Exhausted reports whether either budget dimension is spent.
func Exhausted(inst store.Instance) bool {
	return inst.RemainingSeconds <= 0 || inst.PowerRemaining <= 0
}

// TopUp computes the budget after adding seconds of hosting time. Power
// (both ceiling and remaining) is topped up proportionally to the plan's
// time ceiling and capped at 100. ok is false when the new total would
// exceed the plan ceiling; the returned values are then undefined.
func TopUp(inst store.Instance, seconds int64, p store.Plan) (newTotal, newRemaining int64, newPowerMax, newPowerRemaining float64, ok bool) {
	maxSeconds, _ := Quota(p)
	if inst.TotalSeconds+seconds > maxSeconds {
		return 0, 0, 0, 0, false
	}
	addedPower := (float64(seconds) / float64(maxSeconds)) * 100.0
	if addedPower > 100.0 {
		addedPower = 100.0
	}
	newTotal = inst.TotalSeconds + seconds
	newRemaining = inst.RemainingSeconds + seconds
	newPowerMax = capPower(inst.PowerMax + addedPower)
	newPowerRemaining = capPower(inst.PowerRemaining + addedPower)
	return newTotal, newRemaining, newPowerMax, newPowerRemaining, true
}

func capPower(p float64) float64 {
	if p > 100.0 {
		return 100.0
	}
	return p
}

// RecoveryGrant is the fixed budget a free recovery (manual or crash-
// triggered) installs. It replaces the budget rather than adding to it.
type RecoveryGrant struct {
	Seconds int64
	Power   float64
}

// DefaultRecoveryGrant is one hour of time and 20% power.
func DefaultRecoveryGrant() RecoveryGrant { return RecoveryGrant{Seconds: 3600, Power: 20.0} }

// CanRecoverToday reports whether the owner's daily manual recovery is still
// available on the given day.
func CanRecoverToday(o store.Owner, now time.Time) bool {
	return o.LastRecoveryDate != store.RecoveryDate(now)
}

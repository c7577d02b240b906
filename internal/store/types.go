package store

import "time"

// Plan identifies an owner's subscription tier. The quota each tier grants
// lives in internal/plan; the store only persists the identifier.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanPro   Plan = "pro"
	PlanUltra Plan = "ultra"
)

// Instance status values. Status is a reported state: the supervisor's
// in-memory handle, not this column, is authoritative for liveness.
const (
	StatusStopped = "stopped"
	StatusRunning = "running"
)

// SleepReason records why an instance was forced into sleep mode.
type SleepReason string

const (
	SleepExpired          SleepReason = "expired"
	SleepExpiredOrNoPower SleepReason = "expired_or_no_power"
	SleepAntiLoop         SleepReason = "anti_loop"
)

// Owner is a tenant that owns hosted instances.
// LastRecoveryDate is a UTC calendar date ("2006-01-02"); empty means the
// owner has never used a manual recovery.
type Owner struct {
	ID               int64
	Plan             Plan
	LastRecoveryDate string
}

// Instance is the unit of supervision: one hosted worker process plus its
// prepaid time/power budget.
//
// Zero-value time fields mean "unset" (never started, never restarted).
// PID is advisory and cleared on stop.
type Instance struct {
	ID               int64
	OwnerID          int64
	Token            string
	Name             string
	WorkDir          string
	EntryFile        string
	Status           string
	PID              int
	StartedAt        time.Time
	TotalSeconds     int64
	RemainingSeconds int64
	PowerMax         float64
	PowerRemaining   float64
	LastChecked      time.Time
	SleepMode        bool
	LastSleepReason  SleepReason
	AutoRecoveryUsed bool
	RestartCount     int
	LastRestartAt    time.Time
	WarnedLow        bool
	CreatedAt        time.Time
}

// ErrorLogEntry is one captured error (or lifecycle event) for an instance.
// Lifecycle events carry an EventPrefix so a single table doubles as audit
// trail.
type ErrorLogEntry struct {
	ID         int64
	InstanceID int64
	Text       string
	CreatedAt  time.Time
}

// EventPrefix tags restart-policy decisions recorded in the error log.
const EventPrefix = "[restart] "

// RecoveryDate formats t as the calendar date used for the daily manual
// recovery bookkeeping.
func RecoveryDate(t time.Time) string { return t.UTC().Format("2006-01-02") }

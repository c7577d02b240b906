package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an owner or instance id is unknown.
var ErrNotFound = errors.New("not found")

// Config selects and configures a store backend.
type Config struct {
	Type string `toml:"type" mapstructure:"type"` // "sqlite" or "postgres"

	// SQLite specific
	Path string `toml:"path,omitempty" mapstructure:"path"`

	// PostgreSQL specific
	DSN string `toml:"dsn,omitempty" mapstructure:"dsn"`
}

// Store is the durable record of owners, hosted instances, and error/event
// log entries. Pure data access: every mutation is a single statement scoped
// to one row, so concurrent watchers and the enforcement loop never need a
// cross-instance transaction.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Close() error

	// Owners
	CreateOwner(ctx context.Context, o Owner) error
	GetOwner(ctx context.Context, id int64) (Owner, error)
	SetOwnerRecoveryDate(ctx context.Context, id int64, date string) error

	// Instances
	CreateInstance(ctx context.Context, inst Instance) (int64, error)
	GetInstance(ctx context.Context, id int64) (Instance, error)
	ListRunning(ctx context.Context) ([]Instance, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]Instance, error)
	DeleteInstance(ctx context.Context, id int64) error

	// SetStatus records the reported status; pid 0 clears the stored pid.
	SetStatus(ctx context.Context, id int64, status string, pid int) error
	// SetStartTime initializes start_time and last_checked on first launch.
	SetStartTime(ctx context.Context, id int64, t time.Time) error
	// TouchLastChecked advances the resource-accounting cursor without
	// changing the budget.
	TouchLastChecked(ctx context.Context, id int64, t time.Time) error
	// SetResources persists an enforcement pass or restart debit.
	SetResources(ctx context.Context, id int64, remainingSeconds int64, powerRemaining float64, lastChecked time.Time) error
	// SetBudget rewrites the whole budget (top-ups and recovery grants).
	SetBudget(ctx context.Context, id int64, totalSeconds, remainingSeconds int64, powerMax, powerRemaining float64) error
	// SetSleep sets sleep_mode and, when entering sleep, forces status to
	// stopped in the same statement so sleep⇒stopped can never be observed
	// violated.
	SetSleep(ctx context.Context, id int64, sleeping bool, reason SleepReason) error
	MarkAutoRecoveryUsed(ctx context.Context, id int64) error
	IncrementRestart(ctx context.Context, id int64, at time.Time) error
	ResetRestartCount(ctx context.Context, id int64) error
	SetWarnedLow(ctx context.Context, id int64, warned bool) error

	// Error log
	AddErrorLog(ctx context.Context, instanceID int64, text string) error
	ErrorLogs(ctx context.Context, instanceID int64, limit int) ([]ErrorLogEntry, error)
}

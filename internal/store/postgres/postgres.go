package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/hostr/internal/store"
)

// DB implements store.Store for PostgreSQL via the pgx stdlib driver.

type DB struct {
	db *sql.DB
}

// New opens a PostgreSQL database with the given DSN.
func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS owners(
			id BIGINT PRIMARY KEY,
			plan TEXT NOT NULL DEFAULT 'free',
			last_recovery_date TEXT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS instances(
			id BIGSERIAL PRIMARY KEY,
			owner_id BIGINT NOT NULL REFERENCES owners(id),
			token TEXT NOT NULL,
			name TEXT NOT NULL,
			work_dir TEXT NOT NULL,
			entry_file TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'stopped',
			pid INTEGER NULL,
			started_at TIMESTAMPTZ NULL,
			total_seconds BIGINT NOT NULL DEFAULT 0,
			remaining_seconds BIGINT NOT NULL DEFAULT 0,
			power_max DOUBLE PRECISION NOT NULL DEFAULT 0,
			power_remaining DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_checked TIMESTAMPTZ NULL,
			sleep_mode BOOLEAN NOT NULL DEFAULT FALSE,
			last_sleep_reason TEXT NULL,
			auto_recovery_used BOOLEAN NOT NULL DEFAULT FALSE,
			restart_count INTEGER NOT NULL DEFAULT 0,
			last_restart_at TIMESTAMPTZ NULL,
			warned_low BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_owner ON instances(owner_id);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);`,
		`CREATE TABLE IF NOT EXISTS error_logs(
			id BIGSERIAL PRIMARY KEY,
			instance_id BIGINT NOT NULL REFERENCES instances(id),
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_error_logs_instance ON error_logs(instance_id);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) CreateOwner(ctx context.Context, o store.Owner) error {
	plan := o.Plan
	if plan == "" {
		plan = store.PlanFree
	}
	var date any
	if o.LastRecoveryDate != "" {
		date = o.LastRecoveryDate
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO owners(id, plan, last_recovery_date) VALUES($1, $2, $3)
		ON CONFLICT(id) DO NOTHING;`, o.ID, string(plan), date)
	return err
}

func (p *DB) GetOwner(ctx context.Context, id int64) (store.Owner, error) {
	var o store.Owner
	var plan string
	var date sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT id, plan, last_recovery_date FROM owners WHERE id=$1;`, id).
		Scan(&o.ID, &plan, &date)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Owner{}, store.ErrNotFound
	}
	if err != nil {
		return store.Owner{}, err
	}
	o.Plan = store.Plan(plan)
	o.LastRecoveryDate = date.String
	return o, nil
}

func (p *DB) SetOwnerRecoveryDate(ctx context.Context, id int64, date string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE owners SET last_recovery_date=$1 WHERE id=$2;`, date, id)
	return err
}

func (p *DB) CreateInstance(ctx context.Context, inst store.Instance) (int64, error) {
	created := inst.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO instances(owner_id, token, name, work_dir, entry_file, status,
			total_seconds, remaining_seconds, power_max, power_remaining, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id;`,
		inst.OwnerID, inst.Token, inst.Name, inst.WorkDir, inst.EntryFile,
		store.StatusStopped, inst.TotalSeconds, inst.RemainingSeconds,
		inst.PowerMax, inst.PowerRemaining, created.UTC()).Scan(&id)
	return id, err
}

const instanceCols = `id, owner_id, token, name, work_dir, entry_file, status, pid,
	started_at, total_seconds, remaining_seconds, power_max, power_remaining,
	last_checked, sleep_mode, last_sleep_reason, auto_recovery_used,
	restart_count, last_restart_at, warned_low, created_at`

func scanInstance(row interface{ Scan(...any) error }) (store.Instance, error) {
	var inst store.Instance
	var pid sql.NullInt64
	var startedAt, lastChecked, lastRestartAt sql.NullTime
	var sleepReason sql.NullString
	err := row.Scan(&inst.ID, &inst.OwnerID, &inst.Token, &inst.Name,
		&inst.WorkDir, &inst.EntryFile, &inst.Status, &pid,
		&startedAt, &inst.TotalSeconds, &inst.RemainingSeconds,
		&inst.PowerMax, &inst.PowerRemaining, &lastChecked,
		&inst.SleepMode, &sleepReason, &inst.AutoRecoveryUsed,
		&inst.RestartCount, &lastRestartAt, &inst.WarnedLow, &inst.CreatedAt)
	if err != nil {
		return store.Instance{}, err
	}
	inst.PID = int(pid.Int64)
	inst.StartedAt = startedAt.Time
	inst.LastChecked = lastChecked.Time
	inst.LastRestartAt = lastRestartAt.Time
	inst.LastSleepReason = store.SleepReason(sleepReason.String)
	return inst, nil
}

func (p *DB) GetInstance(ctx context.Context, id int64) (store.Instance, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+instanceCols+` FROM instances WHERE id=$1;`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Instance{}, store.ErrNotFound
	}
	return inst, err
}

func (p *DB) listInstances(ctx context.Context, where string, args ...any) ([]store.Instance, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+instanceCols+` FROM instances `+where+`;`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (p *DB) ListRunning(ctx context.Context) ([]store.Instance, error) {
	return p.listInstances(ctx, `WHERE status=$1`, store.StatusRunning)
}

func (p *DB) ListByOwner(ctx context.Context, ownerID int64) ([]store.Instance, error) {
	return p.listInstances(ctx, `WHERE owner_id=$1 ORDER BY id`, ownerID)
}

func (p *DB) DeleteInstance(ctx context.Context, id int64) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM error_logs WHERE instance_id=$1;`, id); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM instances WHERE id=$1;`, id)
	return err
}

func (p *DB) SetStatus(ctx context.Context, id int64, status string, pid int) error {
	var pd any
	if pid != 0 {
		pd = pid
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE instances SET status=$1, pid=$2 WHERE id=$3;`, status, pd, id)
	return err
}

func (p *DB) SetStartTime(ctx context.Context, id int64, t time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE instances SET started_at=$1, last_checked=$1 WHERE id=$2;`,
		t.UTC(), id)
	return err
}

func (p *DB) TouchLastChecked(ctx context.Context, id int64, t time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE instances SET last_checked=$1 WHERE id=$2;`, t.UTC(), id)
	return err
}

func (p *DB) SetResources(ctx context.Context, id int64, remainingSeconds int64, powerRemaining float64, lastChecked time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE instances SET remaining_seconds=$1, power_remaining=$2, last_checked=$3
		WHERE id=$4;`, remainingSeconds, powerRemaining, lastChecked.UTC(), id)
	return err
}

func (p *DB) SetBudget(ctx context.Context, id int64, totalSeconds, remainingSeconds int64, powerMax, powerRemaining float64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE instances SET total_seconds=$1, remaining_seconds=$2, power_max=$3,
			power_remaining=$4, warned_low=FALSE
		WHERE id=$5;`, totalSeconds, remainingSeconds, powerMax, powerRemaining, id)
	return err
}

func (p *DB) SetSleep(ctx context.Context, id int64, sleeping bool, reason store.SleepReason) error {
	if sleeping {
		_, err := p.db.ExecContext(ctx, `
			UPDATE instances SET sleep_mode=TRUE, status=$1, pid=NULL, last_sleep_reason=$2
			WHERE id=$3;`, store.StatusStopped, string(reason), id)
		return err
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE instances SET sleep_mode=FALSE WHERE id=$1;`, id)
	return err
}

func (p *DB) MarkAutoRecoveryUsed(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE instances SET auto_recovery_used=TRUE WHERE id=$1;`, id)
	return err
}

func (p *DB) IncrementRestart(ctx context.Context, id int64, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE instances SET restart_count=restart_count+1, last_restart_at=$1
		WHERE id=$2;`, at.UTC(), id)
	return err
}

func (p *DB) ResetRestartCount(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE instances SET restart_count=0 WHERE id=$1;`, id)
	return err
}

func (p *DB) SetWarnedLow(ctx context.Context, id int64, warned bool) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE instances SET warned_low=$1 WHERE id=$2;`, warned, id)
	return err
}

func (p *DB) AddErrorLog(ctx context.Context, instanceID int64, text string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO error_logs(instance_id, text, created_at) VALUES($1, $2, $3);`,
		instanceID, text, time.Now().UTC())
	return err
}

func (p *DB) ErrorLogs(ctx context.Context, instanceID int64, limit int) ([]store.ErrorLogEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, instance_id, text, created_at FROM error_logs
		WHERE instance_id=$1 ORDER BY id DESC LIMIT $2;`, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.ErrorLogEntry
	for rows.Next() {
		var e store.ErrorLogEntry
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Text, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

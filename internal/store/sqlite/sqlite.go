package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/hostr/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// Path is a filesystem path to the database file. Use ":memory:" for tests.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// single connection avoids SQLITE_BUSY between watchers and the
	// enforcement loop; busy timeout covers the remaining short locks
	d.SetMaxOpenConns(1)
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	_, _ = d.Exec("PRAGMA journal_mode=WAL;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS owners(
			id INTEGER PRIMARY KEY,
			plan TEXT NOT NULL DEFAULT 'free',
			last_recovery_date TEXT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS instances(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id INTEGER NOT NULL,
			token TEXT NOT NULL,
			name TEXT NOT NULL,
			work_dir TEXT NOT NULL,
			entry_file TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'stopped',
			pid INTEGER NULL,
			started_at TIMESTAMP NULL,
			total_seconds INTEGER NOT NULL DEFAULT 0,
			remaining_seconds INTEGER NOT NULL DEFAULT 0,
			power_max REAL NOT NULL DEFAULT 0,
			power_remaining REAL NOT NULL DEFAULT 0,
			last_checked TIMESTAMP NULL,
			sleep_mode BOOLEAN NOT NULL DEFAULT 0,
			last_sleep_reason TEXT NULL,
			auto_recovery_used BOOLEAN NOT NULL DEFAULT 0,
			restart_count INTEGER NOT NULL DEFAULT 0,
			last_restart_at TIMESTAMP NULL,
			warned_low BOOLEAN NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY(owner_id) REFERENCES owners(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_owner ON instances(owner_id);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);`,
		`CREATE TABLE IF NOT EXISTS error_logs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id INTEGER NOT NULL,
			text TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY(instance_id) REFERENCES instances(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_error_logs_instance ON error_logs(instance_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) CreateOwner(ctx context.Context, o store.Owner) error {
	plan := o.Plan
	if plan == "" {
		plan = store.PlanFree
	}
	var date any
	if o.LastRecoveryDate != "" {
		date = o.LastRecoveryDate
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO owners(id, plan, last_recovery_date) VALUES(?, ?, ?)
		ON CONFLICT(id) DO NOTHING;`, o.ID, string(plan), date)
	return err
}

func (s *DB) GetOwner(ctx context.Context, id int64) (store.Owner, error) {
	var o store.Owner
	var plan string
	var date sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, plan, last_recovery_date FROM owners WHERE id=?;`, id).
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

func (s *DB) SetOwnerRecoveryDate(ctx context.Context, id int64, date string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE owners SET last_recovery_date=? WHERE id=?;`, date, id)
	return err
}

func (s *DB) CreateInstance(ctx context.Context, inst store.Instance) (int64, error) {
	created := inst.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO instances(owner_id, token, name, work_dir, entry_file, status,
			total_seconds, remaining_seconds, power_max, power_remaining, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		inst.OwnerID, inst.Token, inst.Name, inst.WorkDir, inst.EntryFile,
		store.StatusStopped, inst.TotalSeconds, inst.RemainingSeconds,
		inst.PowerMax, inst.PowerRemaining, created.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
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

func (s *DB) GetInstance(ctx context.Context, id int64) (store.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceCols+` FROM instances WHERE id=?;`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Instance{}, store.ErrNotFound
	}
	return inst, err
}

func (s *DB) listInstances(ctx context.Context, where string, args ...any) ([]store.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
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

func (s *DB) ListRunning(ctx context.Context) ([]store.Instance, error) {
	return s.listInstances(ctx, `WHERE status=?`, store.StatusRunning)
}

func (s *DB) ListByOwner(ctx context.Context, ownerID int64) ([]store.Instance, error) {
	return s.listInstances(ctx, `WHERE owner_id=? ORDER BY id`, ownerID)
}

func (s *DB) DeleteInstance(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM error_logs WHERE instance_id=?;`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id=?;`, id)
	return err
}

func (s *DB) SetStatus(ctx context.Context, id int64, status string, pid int) error {
	var p any
	if pid != 0 {
		p = pid
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status=?, pid=? WHERE id=?;`, status, p, id)
	return err
}

func (s *DB) SetStartTime(ctx context.Context, id int64, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET started_at=?, last_checked=? WHERE id=?;`,
		t.UTC(), t.UTC(), id)
	return err
}

func (s *DB) TouchLastChecked(ctx context.Context, id int64, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET last_checked=? WHERE id=?;`, t.UTC(), id)
	return err
}

func (s *DB) SetResources(ctx context.Context, id int64, remainingSeconds int64, powerRemaining float64, lastChecked time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances SET remaining_seconds=?, power_remaining=?, last_checked=?
		WHERE id=?;`, remainingSeconds, powerRemaining, lastChecked.UTC(), id)
	return err
}

func (s *DB) SetBudget(ctx context.Context, id int64, totalSeconds, remainingSeconds int64, powerMax, powerRemaining float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances SET total_seconds=?, remaining_seconds=?, power_max=?,
			power_remaining=?, warned_low=0
		WHERE id=?;`, totalSeconds, remainingSeconds, powerMax, powerRemaining, id)
	return err
}

func (s *DB) SetSleep(ctx context.Context, id int64, sleeping bool, reason store.SleepReason) error {
	if sleeping {
		// same statement forces status=stopped so sleep implies stopped
		_, err := s.db.ExecContext(ctx, `
			UPDATE instances SET sleep_mode=1, status=?, pid=NULL, last_sleep_reason=?
			WHERE id=?;`, store.StatusStopped, string(reason), id)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET sleep_mode=0 WHERE id=?;`, id)
	return err
}

func (s *DB) MarkAutoRecoveryUsed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET auto_recovery_used=1 WHERE id=?;`, id)
	return err
}

func (s *DB) IncrementRestart(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances SET restart_count=restart_count+1, last_restart_at=?
		WHERE id=?;`, at.UTC(), id)
	return err
}

func (s *DB) ResetRestartCount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET restart_count=0 WHERE id=?;`, id)
	return err
}

func (s *DB) SetWarnedLow(ctx context.Context, id int64, warned bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET warned_low=? WHERE id=?;`, warned, id)
	return err
}

func (s *DB) AddErrorLog(ctx context.Context, instanceID int64, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO error_logs(instance_id, text, created_at) VALUES(?, ?, ?);`,
		instanceID, text, time.Now().UTC())
	return err
}

func (s *DB) ErrorLogs(ctx context.Context, instanceID int64, limit int) ([]store.ErrorLogEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, text, created_at FROM error_logs
		WHERE instance_id=? ORDER BY id DESC LIMIT ?;`, instanceID, limit)
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

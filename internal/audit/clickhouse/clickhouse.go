package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/hostr/internal/audit"
)

// Sink sends audit events to ClickHouse using the official Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

var _ audit.Sink = (*Sink)(nil)

func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// EnsureSchema creates the events table if missing.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		type String,
		occurred_at DateTime64(3),
		instance_id Int64,
		owner_id Int64,
		detail String
	) ENGINE = MergeTree ORDER BY (instance_id, occurred_at)`, s.table)
	return s.conn.Exec(ctx, q)
}

func (s *Sink) Send(ctx context.Context, e audit.Event) error {
	q := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, instance_id, owner_id, detail) VALUES (?, ?, ?, ?, ?)`, s.table)
	if err := s.conn.Exec(ctx, q,
		string(e.Type), e.OccurredAt, e.InstanceID, e.OwnerID, e.Detail); err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/hostr/internal/audit"
)

// startClickHouseContainer starts a ClickHouse container for testing. It
// skips the test if Docker is unavailable.
func startClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start ClickHouse container: %v", err)
		return nil, ""
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to get mapped port: %v", err)
	}

	return container, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	container, dsn := startClickHouseContainer(ctx, t)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(dsn, "hostr_events")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	if err := sink.EnsureSchema(ctx); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	start := audit.Event{
		Type:       audit.EventStart,
		OccurredAt: time.Now().UTC(),
		InstanceID: 42,
		OwnerID:    7,
		Detail:     "pid 12345",
	}
	if err := sink.Send(ctx, start); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}

	sleep := audit.Event{
		Type:       audit.EventSleep,
		OccurredAt: time.Now().UTC(),
		InstanceID: 42,
		OwnerID:    7,
		Detail:     "expired",
	}
	if err := sink.Send(ctx, sleep); err != nil {
		t.Fatalf("Failed to send sleep event: %v", err)
	}

	// Wait a moment for data to be written
	time.Sleep(100 * time.Millisecond)

	row := sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM hostr_events WHERE instance_id = ?", int64(42))
	var count uint64
	if err := row.Scan(&count); err != nil {
		t.Fatalf("Failed to query count: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events, got %d", count)
	}
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if _, err := New("invalid-host:9000", "hostr_events"); err == nil {
		t.Error("Expected error with invalid connection, got nil")
	}
}

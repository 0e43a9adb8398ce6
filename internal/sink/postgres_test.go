//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/sink/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package sink_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tripwire/logwatch/internal/sink"
)

// setupPostgres starts a PostgreSQL container and returns its DSN and a raw
// pool for assertions.
func setupPostgres(t *testing.T) (string, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("logwatch_test"),
		tcpostgres.WithUsername("logwatch"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return dsn, pool
}

func countRows(t *testing.T, pool *pgxpool.Pool) int {
	t.Helper()
	var n int
	if err := pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM forwarded_lines`).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestPostgres_BatchFlushOnSize(t *testing.T) {
	dsn, pool := setupPostgres(t)
	ctx := context.Background()

	p, err := sink.OpenPostgres(ctx, dsn, sink.PostgresOptions{BatchSize: 5, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer p.Close()

	for i := 0; i < 5; i++ {
		if err := p.Write(ctx, makeRecord(uuid.NewString(), fmt.Sprintf("line %d", i))); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if n := countRows(t, pool); n != 5 {
		t.Errorf("rows = %d after full batch, want 5", n)
	}
	if n := p.Pending(); n != 0 {
		t.Errorf("Pending = %d, want 0", n)
	}
}

func TestPostgres_FlushOnInterval(t *testing.T) {
	dsn, pool := setupPostgres(t)
	ctx := context.Background()

	p, err := sink.OpenPostgres(ctx, dsn, sink.PostgresOptions{BatchSize: 100, FlushInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer p.Close()

	_ = p.Write(ctx, makeRecord(uuid.NewString(), "ticked"))

	deadline := time.Now().Add(5 * time.Second)
	for countRows(t, pool) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("record not flushed by interval")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPostgres_CloseFlushesAndDeduplicates(t *testing.T) {
	dsn, pool := setupPostgres(t)
	ctx := context.Background()

	p, err := sink.OpenPostgres(ctx, dsn, sink.PostgresOptions{BatchSize: 100, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}

	id := uuid.NewString()
	_ = p.Write(ctx, makeRecord(id, "once"))
	_ = p.Write(ctx, makeRecord(id, "twice"))
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if n := countRows(t, pool); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

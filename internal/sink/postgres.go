package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the number of records buffered before Write
	// flushes synchronously.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often buffered records are flushed when the
	// batch is not yet full.
	DefaultFlushInterval = time.Second

	// DefaultConnectTimeout bounds the connection retries in OpenPostgres.
	DefaultConnectTimeout = 30 * time.Second
)

const postgresDDL = `
CREATE TABLE IF NOT EXISTS forwarded_lines (
    record_id   UUID        PRIMARY KEY,
    path        TEXT        NOT NULL,
    line        TEXT        NOT NULL,
    received_at TIMESTAMPTZ NOT NULL
)`

// PostgresOptions tunes a Postgres sink. Zero values select the defaults.
type PostgresOptions struct {
	BatchSize      int
	FlushInterval  time.Duration
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Postgres writes records to PostgreSQL in batches. Records accumulate in
// memory and are flushed when the batch is full or the flush ticker fires,
// whichever comes first.
type Postgres struct {
	pool          *pgxpool.Pool
	logger        *slog.Logger
	mu            sync.Mutex
	batch         []Record
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
	closeOnce     sync.Once
}

// OpenPostgres connects to dsn, retrying with exponential backoff until
// ConnectTimeout elapses, creates the forwarded_lines table if needed and
// starts the background flush goroutine.
func OpenPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*Postgres, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: pgxpool.New: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = opts.ConnectTimeout
	ping := func() error { return pool.Ping(ctx) }
	notify := func(err error, wait time.Duration) {
		opts.Logger.Warn("sink: postgres not ready",
			slog.Any("error", err),
			slog.Duration("retry_in", wait))
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: postgres ping: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: apply postgres schema: %w", err)
	}

	p := &Postgres{
		pool:          pool,
		logger:        opts.Logger,
		batch:         make([]Record, 0, opts.BatchSize),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go p.flushLoop()
	return p, nil
}

// Write buffers rec. When the buffer reaches the batch size it is flushed
// before Write returns, so a slow database pushes back on the caller.
func (p *Postgres) Write(ctx context.Context, rec Record) error {
	p.mu.Lock()
	p.batch = append(p.batch, rec)
	full := len(p.batch) >= p.batchSize
	p.mu.Unlock()

	if full {
		return p.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered records in one round trip. Duplicate record IDs
// are ignored. On failure the records are put back at the front of the
// buffer.
func (p *Postgres) Flush(ctx context.Context) error {
	p.mu.Lock()
	if len(p.batch) == 0 {
		p.mu.Unlock()
		return nil
	}
	pending := p.batch
	p.batch = make([]Record, 0, p.batchSize)
	p.mu.Unlock()

	b := &pgx.Batch{}
	for _, r := range pending {
		b.Queue(
			`INSERT INTO forwarded_lines (record_id, path, line, received_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (record_id) DO NOTHING`,
			r.ID, r.Path, r.Text, r.ReceivedAt,
		)
	}

	br := p.pool.SendBatch(ctx, b)
	var execErr error
	for range pending {
		if _, err := br.Exec(); err != nil && execErr == nil {
			execErr = err
		}
	}
	if err := br.Close(); err != nil && execErr == nil {
		execErr = err
	}

	if execErr != nil {
		p.mu.Lock()
		p.batch = append(pending, p.batch...)
		p.mu.Unlock()
		return fmt.Errorf("sink: postgres flush %d records: %w", len(pending), execErr)
	}
	return nil
}

// Pending returns the number of buffered records.
func (p *Postgres) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batch)
}

// Close stops the flush goroutine, makes a final flush and closes the pool.
// Subsequent calls are no-ops.
func (p *Postgres) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stopCh)
		<-p.doneCh
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = p.Flush(ctx)
		p.pool.Close()
	})
	return err
}

func (p *Postgres) flushLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.Flush(context.Background()); err != nil {
				p.logger.Warn("sink: postgres flush failed", slog.Any("error", err))
			}
		}
	}
}

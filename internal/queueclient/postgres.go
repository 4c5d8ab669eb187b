package queueclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deliveryhero/asya/asya-leasequeue/internal/clock"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/config"
)

const pgForeignKeyViolation = "23503"

const schema = `
CREATE TABLE IF NOT EXISTS lease_queues (
	name       TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS lease_messages (
	id            BIGSERIAL PRIMARY KEY,
	queue         TEXT NOT NULL REFERENCES lease_queues(name) ON DELETE CASCADE,
	payload       BYTEA NOT NULL,
	attributes    JSONB NOT NULL DEFAULT '{}',
	visible_at    TIMESTAMPTZ NOT NULL,
	receipt       TEXT,
	dequeue_count INTEGER NOT NULL DEFAULT 0,
	enqueued_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS lease_messages_queue_visible_idx ON lease_messages (queue, visible_at);
CREATE INDEX IF NOT EXISTS lease_messages_receipt_idx ON lease_messages (receipt) WHERE receipt IS NOT NULL;
`

// PostgresClient implements Client on PostgreSQL tables.
// Leases are rows whose visible_at lies in the future; receipts rotate on every receive.
type PostgresClient struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// NewPostgresClient connects the pool and applies the schema
func NewPostgresClient(ctx context.Context, cfg config.PostgresConfig, c clock.Clock) (*PostgresClient, error) {
	poolConfig, err := newPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if c == nil {
		c = clock.System{}
	}
	client := &PostgresClient{pool: pool, clock: c}

	if err := client.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	slog.Info("PostgreSQL queue backend ready",
		"maxConns", poolConfig.MaxConns,
		"minConns", poolConfig.MinConns,
		"maxConnLifetime", poolConfig.MaxConnLifetime,
		"maxConnIdleTime", poolConfig.MaxConnIdleTime)

	return client, nil
}

func newPoolConfig(cfg config.PostgresConfig) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns >= 0 && cfg.MinConns <= int(poolConfig.MaxConns) {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	return poolConfig, nil
}

// Migrate creates the queue tables when absent
func (p *PostgresClient) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func pgKey(queue string) string {
	return strings.ToLower(queue)
}

func (p *PostgresClient) exists(ctx context.Context, queue string) error {
	var name string
	err := p.pool.QueryRow(ctx, `SELECT name FROM lease_queues WHERE name = $1`, pgKey(queue)).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("queue %s: %w", queue, ErrQueueNotFound)
	}
	if err != nil {
		return classifyPgError(fmt.Sprintf("resolve queue %s", queue), err)
	}
	return nil
}

// Resolve checks the queue row exists
func (p *PostgresClient) Resolve(ctx context.Context, queue string) (Handle, error) {
	if err := p.exists(ctx, queue); err != nil {
		return Handle{}, err
	}
	return Handle{Name: queue, URL: pgKey(queue)}, nil
}

// CreateIfMissing inserts the queue row
func (p *PostgresClient) CreateIfMissing(ctx context.Context, queue string) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO lease_queues (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, pgKey(queue))
	if err != nil {
		return classifyPgError(fmt.Sprintf("create queue %s", queue), err)
	}
	return nil
}

// DeleteQueue removes the queue row; messages cascade
func (p *PostgresClient) DeleteQueue(ctx context.Context, queue string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM lease_queues WHERE name = $1`, pgKey(queue))
	if err != nil {
		return classifyPgError(fmt.Sprintf("delete queue %s", queue), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue %s: %w", queue, ErrQueueNotFound)
	}
	return nil
}

// ListQueues returns queue names starting with prefix
func (p *PostgresClient) ListQueues(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT name FROM lease_queues WHERE starts_with(name, $1) ORDER BY name`, pgKey(prefix))
	if err != nil {
		return nil, classifyPgError("list queues", err)
	}

	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classifyPgError("list queues", err)
	}
	return names, nil
}

// Enqueue inserts a message row visible after delay
func (p *PostgresClient) Enqueue(ctx context.Context, queue string, payload []byte, attributes map[string]string, delay time.Duration) (string, error) {
	if attributes == nil {
		attributes = map[string]string{}
	}

	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO lease_messages (queue, payload, attributes, visible_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		pgKey(queue), payload, attributes, p.clock.Now().Add(max(delay, 0)),
	).Scan(&id)
	if err != nil {
		return "", classifyPgError(fmt.Sprintf("enqueue to %s", queue), err)
	}
	return fmt.Sprintf("%d", id), nil
}

// Receive leases the oldest visible row, skipping rows locked by concurrent receivers
func (p *PostgresClient) Receive(ctx context.Context, queue string, visibility time.Duration) (*Delivery, error) {
	now := p.clock.Now()
	expiresAt := now.Add(visibility)
	receipt := uuid.NewString()

	var (
		id           int64
		payload      []byte
		attributes   map[string]string
		dequeueCount int
	)
	err := p.pool.QueryRow(ctx, `
		UPDATE lease_messages
		SET visible_at = $3, receipt = $4, dequeue_count = dequeue_count + 1
		WHERE id = (
			SELECT id FROM lease_messages
			WHERE queue = $1 AND visible_at <= $2
			ORDER BY visible_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, payload, attributes, dequeue_count`,
		pgKey(queue), now, expiresAt, receipt,
	).Scan(&id, &payload, &attributes, &dequeueCount)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := p.exists(ctx, queue); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, classifyPgError(fmt.Sprintf("receive from %s", queue), err)
	}

	return &Delivery{
		Queue:        queue,
		MessageID:    fmt.Sprintf("%d", id),
		LockToken:    receipt,
		Payload:      payload,
		Attributes:   attributes,
		DequeueCount: dequeueCount,
		ExpiresAt:    expiresAt,
	}, nil
}

// Renew moves visible_at of a live lease; a non-positive timeout releases it
func (p *PostgresClient) Renew(ctx context.Context, queue, lockToken string, timeout time.Duration) (time.Time, error) {
	now := p.clock.Now()
	expiresAt := now.Add(max(timeout, 0))

	tag, err := p.pool.Exec(ctx, `
		UPDATE lease_messages
		SET visible_at = $4, receipt = CASE WHEN $5 THEN NULL ELSE receipt END
		WHERE queue = $1 AND receipt = $2 AND visible_at > $3`,
		pgKey(queue), lockToken, now, expiresAt, timeout <= 0,
	)
	if err != nil {
		return time.Time{}, classifyPgError(fmt.Sprintf("renew on %s", queue), err)
	}
	if tag.RowsAffected() == 0 {
		return time.Time{}, fmt.Errorf("renew on %s: %w", queue, ErrLeaseNotFound)
	}
	return expiresAt, nil
}

// Delete removes the row of a live lease
func (p *PostgresClient) Delete(ctx context.Context, queue, lockToken string) error {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM lease_messages
		WHERE queue = $1 AND receipt = $2 AND visible_at > $3`,
		pgKey(queue), lockToken, p.clock.Now(),
	)
	if err != nil {
		return classifyPgError(fmt.Sprintf("delete on %s", queue), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete on %s: %w", queue, ErrLeaseNotFound)
	}
	return nil
}

// Stats counts visible and invisible rows
func (p *PostgresClient) Stats(ctx context.Context, queue string) (Stats, error) {
	if err := p.exists(ctx, queue); err != nil {
		return Stats{}, err
	}

	var stats Stats
	err := p.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE visible_at <= $2),
			count(*) FILTER (WHERE visible_at > $2)
		FROM lease_messages
		WHERE queue = $1`,
		pgKey(queue), p.clock.Now(),
	).Scan(&stats.Queued, &stats.InFlight)
	if err != nil {
		return Stats{}, classifyPgError(fmt.Sprintf("stats for %s", queue), err)
	}
	return stats, nil
}

// Close closes the connection pool
func (p *PostgresClient) Close() error {
	p.pool.Close()
	return nil
}

func classifyPgError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("%s: %w", op, ErrQueueNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

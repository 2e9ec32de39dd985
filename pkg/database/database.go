package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"batch-pipeline/pkg/batch"
	"batch-pipeline/pkg/mq"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Client persists batches and their items in Postgres. It implements
// batch.Store.
type Client struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, url string, maxConns int32) (*Client, error) {
	// Parse connection string into pgxpool.Config to allow tweaking settings.
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

var enumTypes = []string{
	`CREATE TYPE batch_status AS ENUM ('HELD', 'RUNNING', 'COMPLETED', 'CANCELLED', 'FAILED')`,
	`CREATE TYPE batch_item_status AS ENUM ('QUEUED', 'RUNNING', 'POST_PROCESSING', 'COMPLETED', 'FAILED', 'CANCELLED')`,
}

const schema = `
    CREATE TABLE IF NOT EXISTS batches (
        id UUID PRIMARY KEY,
        kind TEXT NOT NULL,
        status batch_status NOT NULL DEFAULT 'HELD',
        concurrency_limit INTEGER NOT NULL CHECK (concurrency_limit >= 1),
        fault TEXT,
        summary JSONB,
        created_at TIMESTAMPTZ NOT NULL,
        started_at TIMESTAMPTZ,
        completed_at TIMESTAMPTZ,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_batches_status ON batches (status);

    CREATE TABLE IF NOT EXISTS batch_items (
        batch_id UUID NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
        item_id TEXT NOT NULL,
        position INTEGER NOT NULL,
        config JSONB,
        status batch_item_status NOT NULL DEFAULT 'QUEUED',
        progress_percent INTEGER NOT NULL DEFAULT 0 CHECK (progress_percent BETWEEN 0 AND 100),
        error TEXT,
        error_code TEXT,
        result JSONB,
        value DOUBLE PRECISION NOT NULL DEFAULT 0,
        started_at TIMESTAMPTZ,
        finished_at TIMESTAMPTZ,
        PRIMARY KEY (batch_id, item_id)
    );

    -- Outbox table for transactional outbox pattern
    CREATE TABLE IF NOT EXISTS batch_outbox (
        id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
        batch_id UUID NOT NULL,
        exchange TEXT NOT NULL,
        routing_key TEXT NOT NULL,
        payload JSONB NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
`

// InitSchema creates the necessary tables and types. Safe to run repeatedly.
func (c *Client) InitSchema(ctx context.Context) error {
	for _, stmt := range enumTypes {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.DuplicateObject {
				continue
			}
			return fmt.Errorf("create enum: %w", err)
		}
	}
	if _, err := c.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// CreateBatch inserts a batch and all of its items in a single transaction.
func (c *Client) CreateBatch(ctx context.Context, job *batch.Job) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	insertBatch := `INSERT INTO batches (id, kind, status, concurrency_limit, created_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, insertBatch, job.ID, job.Kind, job.Status, job.ConcurrencyLimit, job.CreatedAt); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	insertItem := `INSERT INTO batch_items (batch_id, item_id, position, config, status) VALUES ($1, $2, $3, $4, $5)`
	b := &pgx.Batch{}
	for i, it := range job.Items {
		b.Queue(insertItem, job.ID, it.ID, i, jsonOrNil(it.Config), it.Status)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("insert items: %w", err)
	}
	return tx.Commit(ctx)
}

func (c *Client) StartBatch(ctx context.Context, batchID string) error {
	query := `UPDATE batches SET status = 'RUNNING', started_at = NOW(), updated_at = NOW() WHERE id = $1`
	tag, err := c.pool.Exec(ctx, query, batchID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s does not exist", batchID)
	}
	return nil
}

// UpdateItem writes the full current state of one item.
func (c *Client) UpdateItem(ctx context.Context, batchID string, it batch.Item) error {
	query := `
        UPDATE batch_items
        SET status = $3, progress_percent = $4, error = NULLIF($5, ''), error_code = NULLIF($6, ''),
            result = $7, value = $8, started_at = $9, finished_at = $10
        WHERE batch_id = $1 AND item_id = $2
    `
	tag, err := c.pool.Exec(ctx, query,
		batchID, it.ID, it.Status, it.ProgressPercent, it.Error, string(it.ErrorCode),
		jsonOrNil(it.Result), it.Value, it.StartedAt, it.FinishedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s of batch %s does not exist", it.ID, batchID)
	}
	return nil
}

// CompleteBatch records the final state and summary of a batch and queues a
// completion event in the outbox, in one transaction.
func (c *Client) CompleteBatch(ctx context.Context, job *batch.Job) error {
	summary, err := json.Marshal(job.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	payload, err := json.Marshal(mq.NewBatchEvent(job))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	update := `
        UPDATE batches
        SET status = $2, fault = NULLIF($3, ''), summary = $4, completed_at = $5, updated_at = NOW()
        WHERE id = $1
    `
	tag, err := tx.Exec(ctx, update, job.ID, job.Status, job.Fault, summary, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s does not exist", job.ID)
	}

	insertOutbox := `INSERT INTO batch_outbox (batch_id, exchange, routing_key, payload) VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, insertOutbox, job.ID, mq.EventsExchange, mq.RoutingKey(job.Status), payload); err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return tx.Commit(ctx)
}

func (c *Client) DeleteBatch(ctx context.Context, batchID string) error {
	if _, err := uuid.Parse(batchID); err != nil {
		return nil
	}
	_, err := c.pool.Exec(ctx, `DELETE FROM batches WHERE id = $1`, batchID)
	return err
}

// GetBatch loads a persisted batch with its items in submission order.
// Ids that are not UUIDs cannot exist and report NotFound.
func (c *Client) GetBatch(ctx context.Context, batchID string) (*batch.Job, error) {
	if _, err := uuid.Parse(batchID); err != nil {
		return nil, batch.NotFoundError(batchID)
	}
	var (
		job     batch.Job
		fault   *string
		summary []byte
	)
	query := `SELECT id, kind, status, concurrency_limit, fault, summary, created_at, completed_at FROM batches WHERE id = $1`
	err := c.pool.QueryRow(ctx, query, batchID).Scan(
		&job.ID, &job.Kind, &job.Status, &job.ConcurrencyLimit, &fault, &summary, &job.CreatedAt, &job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, batch.NotFoundError(batchID)
		}
		return nil, err
	}
	if fault != nil {
		job.Fault = *fault
	}
	if len(summary) > 0 && string(summary) != "null" {
		job.Summary = &batch.Summary{}
		if err := json.Unmarshal(summary, job.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}

	rows, err := c.pool.Query(ctx, `
        SELECT item_id, config, status, progress_percent, COALESCE(error, ''), COALESCE(error_code, ''),
               result, value, started_at, finished_at
        FROM batch_items WHERE batch_id = $1 ORDER BY position`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it     batch.Item
			code   string
			config []byte
			result []byte
		)
		if err := rows.Scan(&it.ID, &config, &it.Status, &it.ProgressPercent, &it.Error, &code,
			&result, &it.Value, &it.StartedAt, &it.FinishedAt); err != nil {
			return nil, err
		}
		it.ErrorCode = batch.ErrorCode(code)
		it.Config = config
		it.Result = result
		job.Items = append(job.Items, it)
	}
	return &job, rows.Err()
}

// GetSummary returns the stored summary of a finished batch.
func (c *Client) GetSummary(ctx context.Context, batchID string) (*batch.Summary, error) {
	job, err := c.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if job.Summary == nil {
		return nil, batch.NotTerminalError(batchID)
	}
	return job.Summary, nil
}

// FailInterrupted closes out batches left unfinished by a previous process.
// Items that never started are cancelled, started ones fail, and the batch
// is marked FAILED. It returns the number of batches affected.
func (c *Client) FailInterrupted(ctx context.Context) (int64, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	const fault = "interrupted by service restart"
	if _, err := tx.Exec(ctx, `
        UPDATE batch_items i SET status = 'CANCELLED', finished_at = NOW()
        FROM batches b
        WHERE i.batch_id = b.id AND b.status IN ('HELD', 'RUNNING') AND i.status = 'QUEUED'`); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `
        UPDATE batch_items i
        SET status = 'FAILED', error = $1, error_code = $2, finished_at = NOW(),
            progress_percent = LEAST(i.progress_percent, 99)
        FROM batches b
        WHERE i.batch_id = b.id AND b.status IN ('HELD', 'RUNNING') AND i.status IN ('RUNNING', 'POST_PROCESSING')`,
		fault, string(batch.CodeInfrastructure)); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `
        UPDATE batches SET status = 'FAILED', fault = $1, completed_at = NOW(), updated_at = NOW()
        WHERE status IN ('HELD', 'RUNNING')`, fault)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// OutboxMessage represents a row in the batch_outbox table.
type OutboxMessage struct {
	ID         string
	BatchID    string
	Exchange   string
	RoutingKey string
	Payload    []byte
	CreatedAt  time.Time
}

// FetchOutboxMessages retrieves up to 'limit' outbox messages ordered by creation time.
func (c *Client) FetchOutboxMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	query := `SELECT id, batch_id, exchange, routing_key, payload, created_at FROM batch_outbox ORDER BY created_at LIMIT $1`
	rows, err := c.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []OutboxMessage{}
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.BatchID, &m.Exchange, &m.RoutingKey, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteOutboxMessage removes an outbox message after successful publish.
func (c *Client) DeleteOutboxMessage(ctx context.Context, id string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM batch_outbox WHERE id = $1`, id)
	return err
}

func jsonOrNil(raw json.RawMessage) any {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	return []byte(raw)
}

// Truncate empties every batch table. Intended for tests.
func (c *Client) Truncate(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, `TRUNCATE batch_outbox, batch_items, batches`)
	return err
}

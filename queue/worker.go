package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultBatchSize    = 25
	maxAttempts         = 10
)

// Worker drains the transactional outbox: rows committed alongside state
// changes are picked up here and pushed to the publisher. FOR UPDATE SKIP
// LOCKED keeps concurrent workers off each other's rows.
type Worker struct {
	pool      *pgxpool.Pool
	publisher Publisher
	logger    *zap.Logger

	PollInterval time.Duration
	BatchSize    int
}

func NewWorker(pool *pgxpool.Pool, publisher Publisher, logger *zap.Logger) *Worker {
	return &Worker{
		pool:         pool,
		publisher:    publisher,
		logger:       logger.Named("outbox"),
		PollInterval: defaultPollInterval,
		BatchSize:    defaultBatchSize,
	}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.DrainOnce(ctx); err != nil {
				w.logger.Error("outbox drain failed", zap.Error(err))
			} else if n > 0 {
				w.logger.Info("outbox drained", zap.Int("published", n))
			}
		}
	}
}

// DrainOnce claims one batch of pending rows, publishes them, and marks the
// outcome. Rows that keep failing park as 'failed' after maxAttempts.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: begin drain: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id, topic, payload, attempts
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, claimSQL, w.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("queue: claim outbox rows: %w", err)
	}

	type claimed struct {
		id       string
		topic    string
		payload  json.RawMessage
		attempts int
	}
	var batch []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.id, &c.topic, &c.payload, &c.attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("queue: scan outbox row: %w", err)
		}
		batch = append(batch, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("queue: iterate outbox rows: %w", err)
	}
	if len(batch) == 0 {
		return 0, tx.Commit(ctx)
	}

	published := 0
	for _, c := range batch {
		err := w.publisher.Publish(ctx, Message{
			ID:      c.id,
			Topic:   c.topic,
			Payload: c.payload,
			Version: 1,
		})
		if err != nil {
			if err := w.markFailure(ctx, tx, c.id, c.attempts); err != nil {
				return published, err
			}
			w.logger.Warn("outbox publish failed",
				zap.String("id", c.id),
				zap.String("topic", c.topic),
				zap.Int("attempts", c.attempts+1),
				zap.Error(err))
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed' WHERE id = $1`, c.id); err != nil {
			return published, fmt.Errorf("queue: mark processed: %w", err)
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("queue: commit drain: %w", err)
	}
	return published, nil
}

func (w *Worker) markFailure(ctx context.Context, tx pgx.Tx, id string, attempts int) error {
	status := "pending"
	if attempts+1 >= maxAttempts {
		status = "failed"
	}
	if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, status = $2 WHERE id = $1`, id, status); err != nil {
		return fmt.Errorf("queue: mark failure: %w", err)
	}
	return nil
}

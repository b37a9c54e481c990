package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type capturePublisher struct {
	messages []Message
	fail     bool
}

func (p *capturePublisher) Publish(ctx context.Context, msg Message) error {
	if p.fail {
		return errors.New("publisher down")
	}
	p.messages = append(p.messages, msg)
	return nil
}

// TestWorker_DrainOnce_Integration requires a live PostgreSQL via DATABASE_URL
// with migrations applied.
func TestWorker_DrainOnce_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	topic := "itest.topic." + time.Now().Format("150405.000000000")
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM outbox WHERE topic = $1`, topic)
	})

	for i := 0; i < 3; i++ {
		if _, err := pool.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, '{"n": 1}'::jsonb)`, topic); err != nil {
			t.Fatalf("seed outbox: %v", err)
		}
	}

	pub := &capturePublisher{}
	worker := NewWorker(pool, pub, zap.NewNop())
	worker.BatchSize = 100

	n, err := worker.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n < 3 {
		t.Fatalf("expected at least the 3 seeded rows published, got %d", n)
	}

	var pending int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND status = 'pending'`, topic).Scan(&pending); err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected all seeded rows processed, %d still pending", pending)
	}

	// A failing publisher leaves rows pending with attempts bumped.
	if _, err := pool.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, '{"n": 2}'::jsonb)`, topic); err != nil {
		t.Fatalf("seed failing row: %v", err)
	}
	pub.fail = true
	if _, err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("drain with failing publisher: %v", err)
	}

	var attempts int
	if err := pool.QueryRow(ctx, `SELECT attempts FROM outbox WHERE topic = $1 AND status = 'pending'`, topic).Scan(&attempts); err != nil {
		t.Fatalf("read attempts: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt recorded, got %d", attempts)
	}
}

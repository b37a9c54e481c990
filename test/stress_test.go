package test

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signflow/artifact"
	"signflow/queue"
	"signflow/request"
	"signflow/storage/object/local"
	"signflow/test/actors"
	"signflow/test/chaos"
	"signflow/test/infra"
	"signflow/test/oracles"
	"signflow/verification"
)

var (
	flDuration = flag.Duration("duration", 90*time.Second, "maximum stress run time")
	flSigners  = flag.Int("signers", 5, "number of required signers on the stressed request")
	flSeed     = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN      = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestSigningConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rng := rand.New(rand.NewSource(seed))

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	var (
		pgC *infra.PGContainer
		dsn string
		err error
	)
	switch {
	case *flDSN != "":
		dsn = *flDSN
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, err := infra.ApplyMigrations(ctx, dsn)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()

	logger := zap.NewNop()
	objects := local.New(t.TempDir())
	svc := request.NewService(pool, objects, artifact.NewAssembler(logger), logger)

	// One request, N participants racing to sign it in order.
	participants := make([]actors.Participant, *flSigners)
	identities := make([]string, *flSigners)
	for i := range participants {
		p, err := actors.NewParticipant()
		if err != nil {
			t.Fatalf("participant %d: %v", i, err)
		}
		participants[i] = p
		identities[i] = p.Identity
	}

	docBytes := []byte(fmt.Sprintf("stress agreement %d\n%d\n", seed, rng.Int63()))
	detail, err := svc.CreateRequest(ctx, request.CreateRequestParams{
		DocumentBytes:    docBytes,
		InitiatorID:      "stress-initiator",
		SignerIdentities: identities,
		Description:      "stress agreement",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	requestID := detail.Request.ID

	digest, err := detail.Document.OriginalHash.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for _, p := range participants {
		p := p
		g.Go(func() error { return p.HonestSigner(ctx2, svc, requestID, digest, stop) })
	}
	g.Go(func() error { return actors.Forger(ctx2, svc, requestID, digest, stop) })
	g.Go(func() error { return actors.Impersonator(ctx2, svc, requestID, stop) })
	g.Go(func() error { return actors.DuplicateUploader(ctx2, svc, docBytes, "stress-initiator", identities[:1], stop) })
	g.Go(func() error { return actors.StatusPoller(ctx2, svc, requestID, stop) })

	worker := queue.NewWorker(pool, &queue.LogPublisher{Logger: logger}, logger)
	g.Go(func() error { return actors.OutboxDrainer(ctx2, worker, stop) })

	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	completed := false
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}

			view, err := svc.GetStatus(ctx2, requestID)
			if err == nil && view.Completed {
				completed = true
				break loop
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			dumpRecent(t, ctx, pool)
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}

	if !completed {
		dumpRecent(t, ctx, pool)
		t.Fatalf("request never completed within %s (seed=%d)", *flDuration, seed)
	}

	// Final sweep once every actor has stopped.
	if name, row, err := oracles.Run(ctx, pool); err != nil {
		t.Fatalf("final oracle error: %v", err)
	} else if name != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("Final oracle %s failed. First row: %s (seed=%d)", name, row, seed)
	}

	artifactBytes, err := svc.GetArtifact(ctx, requestID)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if !bytes.HasPrefix(artifactBytes, []byte("%PDF")) {
		t.Fatalf("artifact is not a PDF (%d bytes)", len(artifactBytes))
	}

	verifier := verification.NewService(pool, logger)
	res, err := verifier.Verify(ctx, artifactBytes)
	if err != nil {
		t.Fatalf("verify artifact: %v", err)
	}
	if !res.Valid || res.Tampered || res.Match != verification.MatchSigned {
		t.Fatalf("artifact verification failed: %+v", res)
	}
	res, err = verifier.Verify(ctx, docBytes)
	if err != nil {
		t.Fatalf("verify original: %v", err)
	}
	if !res.Valid || res.Match != verification.MatchOriginal {
		t.Fatalf("original verification failed: %+v", res)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"signing_requests", `SELECT id, document_id, status, current_signer_index, completed_at FROM signing_requests ORDER BY created_at DESC LIMIT 20`},
		{"required_signers", `SELECT request_id, signing_order, status, signed_at FROM required_signers ORDER BY request_id, signing_order LIMIT 50`},
		{"documents", `SELECT id, status, original_hash, signed_hash, artifact_key FROM documents ORDER BY created_at DESC LIMIT 20`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}

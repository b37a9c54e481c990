package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"signflow/artifact"
	"signflow/auth"
	"signflow/config"
	"signflow/db"
	"signflow/httpapi"
	"signflow/logger"
	"signflow/queue"
	"signflow/request"
	"signflow/storage/object"
	"signflow/storage/object/local"
	"signflow/storage/object/s3"
	"signflow/verification"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	zlog, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("bootstrap logger: %v", err)
	}
	defer zlog.Sync()

	if err := db.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
		zlog.Fatal("run migrations", zap.Error(err))
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		zlog.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	var objects object.Store
	switch cfg.ObjectStoreType {
	case "s3":
		objects, err = s3.New(ctx, cfg.S3Region, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			zlog.Fatal("bootstrap s3 store", zap.Error(err))
		}
	default:
		objects = local.New(cfg.ObjectStoreDir)
	}

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	requestSvc := request.NewService(pool, objects, artifact.NewAssembler(zlog), zlog)
	verifySvc := verification.NewService(pool, zlog)

	var publisher queue.Publisher
	if cfg.SQSQueueURL != "" {
		publisher, err = queue.NewSQSPublisher(ctx, cfg.S3Region, cfg.SQSQueueURL)
		if err != nil {
			zlog.Fatal("bootstrap sqs publisher", zap.Error(err))
		}
	} else {
		publisher = &queue.LogPublisher{Logger: zlog}
	}
	go queue.NewWorker(pool, publisher, zlog).Run(ctx)

	engine := httpapi.NewEngine(cfg.Env, authSvc, requestSvc, verifySvc, zlog)

	srv := &http.Server{
		Addr:              httpapi.Addr(cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info("listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("shutdown", zap.Error(err))
	}
}

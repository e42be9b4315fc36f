package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/tapelog/tapelog/internal/admin"
	"github.com/tapelog/tapelog/internal/auth"
	"github.com/tapelog/tapelog/internal/config"
	"github.com/tapelog/tapelog/internal/observability"
	"github.com/tapelog/tapelog/internal/storage"
	s3store "github.com/tapelog/tapelog/internal/storage/s3"
	storepostgres "github.com/tapelog/tapelog/internal/store/postgres"
	"github.com/tapelog/tapelog/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv("tapelog-worker")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	db, err := storepostgres.Open(context.Background(), storepostgres.DBConfig{
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open store db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	st := storepostgres.New(db, storepostgres.Options{PollInterval: cfg.Store.PollInterval, Logger: logger})

	var objects storage.ObjectStore
	if cfg.Export.Enabled {
		objects, err = s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
	}

	deps := worker.Dependencies{
		Store:   st,
		Objects: objects,
		Logger:  logger,
		Readiness: admin.CombineReadinessChecks(
			func(ctx context.Context) error { return db.PingContext(ctx) },
			admin.CheckObjectStoreConfig(cfg),
		),
	}
	if cfg.Auth.Required {
		keys, err := auth.ParseStaticKeys(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.OperatorAuth = auth.RequireRole(logger, keys, auth.RoleOperator)
	}

	w, err := worker.New(cfg, deps)
	if err != nil {
		logger.Error("failed to initialize worker", slog.Any("error", err))
		os.Exit(1)
	}

	listener, err := net.Listen("tcp", cfg.HTTP.Address)
	if err != nil {
		logger.Error("failed to listen", slog.String("addr", cfg.HTTP.Address), slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx, listener); err != nil {
		logger.Error("worker failed", slog.Any("error", err))
		stop()
		_ = db.Close()
		os.Exit(1)
	}
}

// Command server starts the ClipForge media API.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"clipforge/internal/api"
	"clipforge/internal/auth"
	"clipforge/internal/chunkstore"
	"clipforge/internal/config"
	"clipforge/internal/media"
	"clipforge/internal/merge"
	"clipforge/internal/migration"
	"clipforge/internal/objectstore"
	"clipforge/internal/observability/logging"
	"clipforge/internal/observability/metrics"
	"clipforge/internal/server"
	"clipforge/internal/storage"
	"clipforge/internal/upload"
)

func main() {
	cfg := config.MustLoad()

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger = logger.With("env", cfg.Env)
	recorder := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Warn("datastore close failed", "error", err)
		}
	}()

	chunks, err := chunkstore.New(filepath.Join(cfg.Media.Root, "chunks"))
	if err != nil {
		logger.Error("failed to open chunk store", "error", err)
		os.Exit(1)
	}
	defer chunks.Close()

	mirror, err := objectstore.NewMirror(ctx, objectstore.MinioConfig{
		Endpoint:  cfg.Objects.Endpoint,
		AccessKey: cfg.Objects.AccessKey,
		SecretKey: cfg.Objects.SecretKey,
		Bucket:    cfg.Objects.Bucket,
		UseSSL:    cfg.Objects.UseSSL,
	})
	if err != nil {
		logger.Error("failed to configure object mirror", "error", err)
		os.Exit(1)
	}
	library, err := objectstore.NewLibrary(filepath.Join(cfg.Media.Root, "library"), mirror)
	if err != nil {
		logger.Error("failed to open asset library", "error", err)
		os.Exit(1)
	}

	prober := &media.FFprobe{Path: cfg.Media.FFprobePath, Logger: logging.WithComponent(logger, "ffprobe")}
	concatenator := &media.FFmpeg{Path: cfg.Media.FFmpegPath, Logger: logging.WithComponent(logger, "ffmpeg")}

	uploads, err := upload.NewManager(upload.ManagerOptions{
		Repository: store,
		Chunks:     chunks,
		Library:    library,
		Prober:     prober,
		Metrics:    recorder,
		Logger:     logger,
		SessionTTL: cfg.Upload.SessionTTL,
		Limits: upload.Limits{
			MaxChunkSize:     cfg.Upload.MaxChunkSize,
			MaxTotalSize:     cfg.Upload.MaxTotalSize,
			AllowedMimeTypes: cfg.Media.AllowedMimeTypes,
		},
	})
	if err != nil {
		logger.Error("failed to build upload manager", "error", err)
		os.Exit(1)
	}

	engine, err := merge.NewEngine(merge.EngineConfig{
		Repository:        store,
		Library:           library,
		Prober:            prober,
		Concatenator:      concatenator,
		Metrics:           recorder,
		Logger:            logger,
		Workers:           cfg.Merge.Workers,
		QueueDepth:        cfg.Merge.QueueDepth,
		Timeout:           cfg.Merge.Timeout,
		DurationTolerance: cfg.Merge.DurationTolerance,
	})
	if err != nil {
		logger.Error("failed to build merge engine", "error", err)
		os.Exit(1)
	}
	engine.Start()

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	if err != nil {
		logger.Error("failed to configure auth", "error", err)
		os.Exit(1)
	}
	signer, err := api.NewSigner(cfg.Streaming.SignedURLSecret, cfg.Streaming.PublicBaseURL, cfg.Streaming.SignedURLTTL)
	if err != nil {
		logger.Error("failed to configure url signer", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(store, uploads, engine, library, signer, verifier, recorder, logger)
	handler.MaxChunkBytes = cfg.Upload.MaxChunkSize
	if cfg.Migration.BlobRoot != "" {
		migrator, err := migration.NewMigrator(store, uploads, migration.DirSource{Root: cfg.Migration.BlobRoot}, cfg.Migration.ChunkSize, logger)
		if err != nil {
			logger.Error("failed to configure migration", "error", err)
			os.Exit(1)
		}
		handler.Migrator = migrator
	}

	sweepStop := startSweepWorker(ctx, logging.WithComponent(logger, "session-sweeper"), uploads, cfg.Upload.SweepInterval)
	defer sweepStop()

	srv, err := server.New(handler, server.Config{
		Addr: cfg.HTTPServer.Address,
		TLS: server.TLSConfig{
			CertFile: cfg.HTTPServer.TLSCertFile,
			KeyFile:  cfg.HTTPServer.TLSKeyFile,
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     cfg.RateLimit.GlobalRPS,
			GlobalBurst:   cfg.RateLimit.GlobalBurst,
			ChunkLimit:    cfg.RateLimit.ChunkLimit,
			ChunkWindow:   cfg.RateLimit.ChunkWindow,
			RedisAddr:     cfg.RateLimit.RedisAddr,
			RedisPassword: cfg.RateLimit.RedisPassword,
			RedisTimeout:  cfg.RateLimit.RedisTimeout,
		},
		CORS:    server.CORSConfig{AllowedOrigins: cfg.HTTPServer.AllowedOrigins},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("clipforge API listening", "addr", cfg.HTTPServer.Address)
	runErr := srv.Run(ctx, cfg.HTTPServer.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.ShutdownTimeout)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("merge engine shutdown incomplete", "error", err)
	}
	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Repository, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:             cfg.Storage.Postgres.DSN,
			MaxConns:        cfg.Storage.Postgres.MaxConns,
			MinConns:        cfg.Storage.Postgres.MinConns,
			MaxConnLifetime: cfg.Storage.Postgres.MaxConnLifetime,
			ConnectTimeout:  cfg.Storage.Postgres.ConnectTimeout,
			ApplicationName: cfg.Storage.Postgres.ApplicationName,
			Logger:          logging.WithComponent(logger, "postgres"),
		})
	default:
		return storage.NewJSONRepository(cfg.Storage.DataPath)
	}
}

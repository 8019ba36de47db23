package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docengine/api/internal/app"
	"docengine/api/internal/archive"
	"docengine/api/internal/config"
	"docengine/api/internal/docs"
	"docengine/api/internal/history"
	"docengine/api/internal/notify"
	"docengine/api/internal/relay"
	"docengine/api/internal/search"
	"docengine/api/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "docengine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	service := docs.NewService(backend.store, docs.Options{
		MaxRetries: cfg.UpsertMaxRetries,
		Logger:     logger,
	})
	defer service.Close()

	opts := app.Options{
		Docs:       service,
		JWTSecret:  []byte(cfg.JWTSecret),
		CORSOrigin: cfg.CORSOrigin,
		Logger:     logger,
	}
	var workers []*notify.Worker
	addWorker := func(name string, handle notify.HandleFunc) {
		workers = append(workers, notify.NewWorker(service.Hub(), name, handle, logger, 0))
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		rl, err := relay.New(cfg.RedisURL, relay.Options{Stream: cfg.RedisStream, MaxLen: cfg.RedisStreamMax})
		if err != nil {
			return fmt.Errorf("redis relay: %w", err)
		}
		defer rl.Close()
		opts.Relay = rl
		addWorker("relay", rl.Handle)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	var pgfts *search.PgFTS
	if backend.db != nil {
		pgfts = search.NewPgFTS(backend.db)
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	opts.Search = searchService
	if meiliClient != nil {
		addWorker("search", searchService.Handle)
		go func() {
			if err := searchService.ReindexAll(ctx, backend.store); err != nil {
				logger.Warn("search reindex failed", zap.Error(err))
			}
		}()
	}

	if strings.TrimSpace(cfg.HistoryDir) != "" {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
		journal := history.New(cfg.HistoryDir, logger)
		opts.History = journal
		addWorker("history", journal.Handle)
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		arch, err := archive.New(ctx, archive.Config{
			Endpoint:        cfg.MinioEndpoint,
			AccessKeyID:     cfg.MinioAccessKey,
			SecretAccessKey: cfg.MinioSecretKey,
			BucketName:      cfg.MinioBucket,
			UseSSL:          cfg.MinioUseSSL,
		}, logger)
		if err != nil {
			return fmt.Errorf("change archive: %w", err)
		}
		addWorker("archive", arch.Handle)
	}

	for _, worker := range workers {
		worker.Start()
	}
	defer func() {
		for _, worker := range workers {
			worker.Stop()
		}
	}()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("docengine API listening",
			zap.String("addr", cfg.Addr),
			zap.String("store", cfg.Store),
			zap.Int("consumers", len(workers)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func initLogger(cfg config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.LogFormat == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zapConfig.Level = level
	zapConfig.InitialFields = map[string]interface{}{
		"service": "docengine-api",
	}
	return zapConfig.Build()
}

// storeBackend is the opened document store plus what must be closed on
// exit. db is set only for the postgres backend.
type storeBackend struct {
	store store.Store
	db    *sql.DB
	close func()
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (storeBackend, error) {
	switch cfg.Store {
	case config.StorePostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
		if err != nil {
			return storeBackend{}, fmt.Errorf("database connection failed: %w", err)
		}
		migrations, err := store.Migrations(cfg.MigrationsDir)
		if err != nil {
			_ = db.Close()
			return storeBackend{}, err
		}
		if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
			_ = db.Close()
			return storeBackend{}, fmt.Errorf("migrations failed: %w", err)
		}
		logger.Info("using postgres document store")
		return storeBackend{
			store: store.NewPostgresStore(db),
			db:    db,
			close: func() { _ = db.Close() },
		}, nil

	case config.StoreMongo:
		client, err := store.OpenMongo(ctx, cfg.MongoURI)
		if err != nil {
			return storeBackend{}, err
		}
		mongoStore := store.NewMongoStore(client.Database(cfg.MongoDatabase))
		if err := mongoStore.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return storeBackend{}, err
		}
		logger.Info("using mongo document store", zap.String("database", cfg.MongoDatabase))
		return storeBackend{
			store: mongoStore,
			close: func() { _ = client.Disconnect(context.Background()) },
		}, nil

	default:
		logger.Warn("using in-memory document store; data is lost on exit")
		return storeBackend{store: store.NewMemoryStore(), close: func() {}}, nil
	}
}

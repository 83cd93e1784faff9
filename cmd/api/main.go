package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-intake/internal/access"
	"github.com/ovaphlow/pitchfork/service-intake/internal/config"
	"github.com/ovaphlow/pitchfork/service-intake/internal/intake"
	intakerepo "github.com/ovaphlow/pitchfork/service-intake/internal/intake/repo"
	"github.com/ovaphlow/pitchfork/service-intake/internal/message"
	messagerepo "github.com/ovaphlow/pitchfork/service-intake/internal/message/repo"
	"github.com/ovaphlow/pitchfork/service-intake/internal/migrations"
	"github.com/ovaphlow/pitchfork/service-intake/internal/router"
	"github.com/ovaphlow/pitchfork/service-intake/pkg/database"
	"github.com/ovaphlow/pitchfork/service-intake/pkg/utilities"
)

func main() {
	// config first so .env values reach the logger settings too
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Infow("starting service-intake", "env", cfg.Env, "driver", cfg.DBDriver, "addr", cfg.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, links, messages, err := openStores(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalf("storage: %v", err)
	}
	if db != nil {
		defer db.Close()
	}

	codec, err := intake.NewCodec(cfg.Secret, nil)
	if err != nil {
		sugar.Fatalf("intake codec: %v", err)
	}
	sessions, err := access.NewSessionCodec(cfg.Secret, nil)
	if err != nil {
		sugar.Fatalf("session codec: %v", err)
	}

	intakeSvc := intake.NewService(codec, links, sugar, intake.Options{
		BaseURL:        cfg.PublicBaseURL,
		MaxExpiryHours: cfg.MaxExpiryHours,
		Notifier:       intake.LogNotifier{Logger: sugar},
	})
	messageSvc := message.NewService(messages, sugar)
	if cfg.IngestKey == "" {
		sugar.Warn("INGEST_KEY is empty; message ingestion is disabled")
	}

	handler := router.RegisterRoutes(sugar, router.Deps{
		Sessions: sessions,
		Intake:   intake.NewHandler(intakeSvc, sugar),
		Messages: message.NewHandler(messageSvc, sugar, cfg.IngestKey),
		Limiter:  router.NewRateLimiter(cfg.IntakeRatePerMinute, cfg.IntakeRateBurst),
		Ready:    readiness(db),
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Info("service is running; press Ctrl+C to stop")

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}

// openStores picks the storage backend named by DB_DRIVER. db is nil for memory.
func openStores(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*sqlx.DB, intakerepo.LinkStore, messagerepo.Store, error) {
	if cfg.DBDriver == "memory" {
		logger.Warn("using in-memory storage; data is lost on restart")
		return nil, intakerepo.NewMemoryStore(), messagerepo.NewMemoryStore(), nil
	}

	if cfg.DBDriver == database.DriverPostgres && cfg.MigrationsOnBoot {
		from, to, err := migrations.Up(cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Infow("migrations applied", "from", from, "to", to)
	}

	db, err := database.Connect(cfg.Database())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("db connect: %w", err)
	}
	linkRepo := intakerepo.NewLinkRepo(db)
	messageRepo := messagerepo.NewMessageRepo(db)

	// sqlite has no migration driver wired, so its schema is created in place
	if cfg.DBDriver == database.DriverSQLite {
		if err := linkRepo.EnsureTable(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		if err := messageRepo.EnsureTable(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
	}
	return db, linkRepo, messageRepo, nil
}

func readiness(db *sqlx.DB) func() bool {
	if db == nil {
		return nil
	}
	return func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return db.PingContext(ctx) == nil
	}
}

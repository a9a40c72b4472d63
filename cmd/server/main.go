package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/shopbot/server/internal/backup"
	"github.com/shopbot/server/internal/catalog"
	"github.com/shopbot/server/internal/circuitbreaker"
	"github.com/shopbot/server/internal/config"
	"github.com/shopbot/server/internal/httpserver"
	"github.com/shopbot/server/internal/invoice"
	"github.com/shopbot/server/internal/lifecycle"
	"github.com/shopbot/server/internal/logger"
	"github.com/shopbot/server/internal/metrics"
	"github.com/shopbot/server/internal/notify"
	"github.com/shopbot/server/internal/orders"
	"github.com/shopbot/server/internal/payments"
	"github.com/shopbot/server/internal/processor"
	"github.com/shopbot/server/internal/ratelimit"
	"github.com/shopbot/server/internal/reservation"
	"github.com/shopbot/server/internal/scheduler"
	"github.com/shopbot/server/internal/storage"
)

func main() {
	configPath := flag.String("config", "configs/local.yaml", "path to config yaml")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("load config")
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "shopbot-server",
		Environment: cfg.Logging.Environment,
	})

	if err := run(cfg, appLogger); err != nil {
		appLogger.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg *config.Config, appLogger zerolog.Logger) error {
	resources := lifecycle.NewManager()
	defer func() {
		if err := resources.Close(); err != nil {
			appLogger.Error().Err(err).Msg("resource shutdown")
		}
	}()

	store, err := newStore(cfg, resources, appLogger)
	if err != nil {
		return err
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	clock := clockwork.NewRealClock()
	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	var notifier notify.Notifier
	if cfg.Notify.BotToken != "" {
		notifier = notify.NewChatNotifier(cfg.Notify, breakers, appLogger)
	} else {
		appLogger.Warn().Msg("no bot token configured, notifications disabled")
		notifier = notify.Nop{}
	}

	proc := processor.NewHTTPClient(cfg.Processor, breakers, appLogger)
	numbers := invoice.NewGenerator(store.InvoiceNumberExists, clock)

	catalogSvc := catalog.NewService(store, appLogger)
	ordersSvc := orders.NewService(store, reservation.NewManager(store, m, appLogger), notifier, m, clock, cfg, appLogger)
	paymentsSvc := payments.NewService(store, ordersSvc, proc, numbers, notifier, m, clock, cfg, appLogger)
	limiter := ratelimit.NewLimiter(cfg.RateLimit, m, clock, appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := scheduler.NewSweeper(store, ordersSvc, m, clock, cfg.Scheduler, appLogger)
	go sweeper.Run(ctx)

	if cfg.Backup.Enabled {
		worker, err := backup.NewWorker(store, notifier, m, clock, cfg.Backup, appLogger)
		if err != nil {
			return err
		}
		go worker.Run(ctx)
	} else {
		appLogger.Warn().Msg("encrypted backups disabled")
	}

	server := httpserver.New(cfg, store, catalogSvc, ordersSvc, paymentsSvc, limiter, notifier, m, appLogger)

	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info().Str("address", cfg.Server.Address).Msg("http server listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		appLogger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func newStore(cfg *config.Config, resources *lifecycle.Manager, appLogger zerolog.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		store, err := storage.NewPostgresStore(cfg.Storage.PostgresURL, cfg.Storage.PostgresPool)
		if err != nil {
			return nil, err
		}
		resources.Register("postgres", store)
		return store, nil
	default:
		appLogger.Warn().Msg("using in-memory store, state is lost on restart")
		return storage.NewMemoryStore(), nil
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/blackmichael/adgate/internal/config"
	"github.com/blackmichael/adgate/internal/domain"
	"github.com/blackmichael/adgate/internal/httpserver"
	"github.com/blackmichael/adgate/internal/ingest"
	"github.com/blackmichael/adgate/internal/logger"
	"github.com/blackmichael/adgate/internal/metrics"
	"github.com/blackmichael/adgate/internal/notify"
	"github.com/blackmichael/adgate/internal/postgres"
	"github.com/blackmichael/adgate/internal/rediscache"
	"github.com/blackmichael/adgate/internal/screener"
	"github.com/blackmichael/adgate/internal/sqlite"
)

const recheckBatch = 100

// store is implemented by both the postgres and sqlite repositories.
type store interface {
	domain.ListingRepository
	domain.AccountRepository
	domain.AttemptRepository
	ingest.Store
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Environment: cfg.Environment,
		LogLevel:    cfg.LogLevel,
		ServiceName: "adgate",
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()
	log.Info("connected to database", zap.String("driver", cfg.StoreDriver))

	checks := map[string]httpserver.HealthCheck{"database": repo.Ping}

	var cache domain.AttemptCounterCache
	if cfg.RedisAddr != "" {
		c, err := rediscache.New(ctx, rediscache.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, log)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer c.Close()
		cache = c
		checks["redis"] = c.Ping
		log.Info("attempt counter cache enabled", zap.String("addr", cfg.RedisAddr))
	}

	contentScreener, err := newScreener(cfg, log)
	if err != nil {
		return fmt.Errorf("create screener: %w", err)
	}

	recorder := metrics.New()

	dispatcher, closer, err := newDispatcher(cfg, log, checks)
	if err != nil {
		return fmt.Errorf("create notifier: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	notifier := notify.NewAsync(dispatcher, notify.AsyncConfig{}, recorder, log)
	notifier.Start()
	defer notifier.Stop()

	engine, err := domain.NewEngine(domain.EngineDeps{
		Listings: repo,
		Accounts: repo,
		Ledger:   domain.NewLedger(repo, cache, log),
		Screener: contentScreener,
		Notifier: notifier,
		Metrics:  recorder,
	}, domain.EngineConfig{
		Window:        cfg.ModerationWindow,
		ScreenTimeout: cfg.ScreenerTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if cfg.StreamURL != "" {
		subscriber := ingest.NewSubscriber(cfg.StreamURL, repo, engine, log)
		go func() {
			if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error("stream subscriber exited with error", zap.Error(err))
			}
		}()
	}

	if cfg.RecheckInterval > 0 {
		go engine.StartRecheckJob(ctx, cfg.RecheckInterval, cfg.RecheckInterval, recheckBatch)
	}

	server := httpserver.NewServer(cfg, httpserver.Deps{
		Engine:  engine,
		Metrics: recorder,
		Checks:  checks,
	}, log)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server exited with error", zap.Error(err))
		}
	}()

	log.Info("server started",
		zap.Int("port", cfg.Port),
		zap.String("screener", cfg.ScreenerMode),
		zap.String("notify", cfg.NotifyDriver),
	)

	sig := <-sigCh
	log.Info("received signal, shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("error shutting down http server", zap.Error(err))
	}

	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		return sqlite.NewRepository(ctx, cfg.SQLitePath)
	default:
		repo, err := postgres.NewRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := repo.Migrate(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	}
}

func newScreener(cfg *config.Config, log *zap.Logger) (domain.ContentScreener, error) {
	if cfg.ScreenerMode != config.ScreenerLLM {
		return screener.NewRules(screener.DefaultRules())
	}
	llm, err := screener.NewLLM(screener.LLMConfig{
		Endpoint: cfg.ScreenerURL,
		APIKey:   cfg.ScreenerAPIKey,
		Model:    cfg.ScreenerModel,
	})
	if err != nil {
		return nil, err
	}
	return screener.NewGuard(llm, screener.GuardConfig{Timeout: cfg.ScreenerTimeout}, log), nil
}

// newDispatcher builds the configured transport. Every transport is fanned
// out together with the log dispatcher so deliveries are always visible.
func newDispatcher(cfg *config.Config, log *zap.Logger, checks map[string]httpserver.HealthCheck) (domain.NotificationDispatcher, io.Closer, error) {
	logDispatcher := notify.NewLog(log)

	switch cfg.NotifyDriver {
	case config.NotifyAMQP:
		a, err := notify.NewAMQP(notify.AMQPConfig{
			URL:            cfg.AMQPURL,
			Exchange:       cfg.AMQPExchange,
			OwnerQueue:     cfg.AMQPOwnerQueue,
			ModeratorQueue: cfg.AMQPModeratorQueue,
		})
		if err != nil {
			return nil, nil, err
		}
		checks["amqp"] = func(context.Context) error {
			if !a.Healthy() {
				return errors.New("amqp connection closed")
			}
			return nil
		}
		return notify.Fanout{a, logDispatcher}, a, nil

	case config.NotifyKafka:
		k, err := notify.NewKafka(notify.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return nil, nil, err
		}
		return notify.Fanout{k, logDispatcher}, k, nil

	default:
		return logDispatcher, nil, nil
	}
}

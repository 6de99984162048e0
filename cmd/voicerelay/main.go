package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/auralis-ai/voicerelay/internal/dotenv"
	"github.com/auralis-ai/voicerelay/pkg/providers"
	"github.com/auralis-ai/voicerelay/pkg/quota"
	"github.com/auralis-ai/voicerelay/pkg/relay/config"
	"github.com/auralis-ai/voicerelay/pkg/relay/server"
)

// stores are the durable backends the relay talks to. Either may be absent
// in development: a nil ledger disables quota and metering, and hints fall
// back to process memory when Redis is not configured.
type stores struct {
	ledger quota.Ledger
	hints  providers.HintStore
	close  func()
}

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	openStores   func(context.Context, config.Config, *slog.Logger) (stores, error)
	newServer    func(config.Config, server.Dependencies) (*server.Server, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		openStores: openStores,
		newServer:  server.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, error) {
	s := stores{hints: providers.NewMemoryHintStore(), close: func() {}}
	var closers []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return stores{}, fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, pool.Close)

		migrateDB := stdlib.OpenDBFromPool(pool)
		if err := quota.Migrate(ctx, migrateDB); err != nil {
			pool.Close()
			return stores{}, err
		}
		if err := migrateDB.Close(); err != nil {
			logger.Warn("closing migration connection", "error", err)
		}

		s.ledger = quota.NewPostgresLedger(pool, cfg.PaidCentsPerMinute)
	} else {
		logger.Warn("RELAY_DATABASE_URL not set, quota and metering disabled")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return stores{}, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		closers = append(closers, func() { client.Close() })
		s.hints = providers.NewRedisHintStore(client, 0)
	}

	s.close = func() {
		for _, c := range closers {
			c()
		}
	}
	return s, nil
}

func runRelay(ctx context.Context, logger *slog.Logger, deps relayDeps) error {
	if deps.loadConfig == nil || deps.openStores == nil || deps.newServer == nil {
		return errors.New("missing dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := deps.openStores(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer st.close()

	srv, err := deps.newServer(cfg, server.Dependencies{
		Logger:   logger,
		Registry: providers.NewRegistry(cfg.Credentials()),
		Ledger:   st.ledger,
		Hints:    st.hints,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	listenErrCh := make(chan error, 1)
	go func() {
		listenErrCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("relay stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(); err != nil {
		fmt.Fprintf(stderr, "voicerelay: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, logger, deps); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "voicerelay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}

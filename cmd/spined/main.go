// Command spined runs the webhook ingestion spine.
//
// Subcommands:
//
//	serve    HTTP ingestion endpoint plus an embedded worker pool
//	work     worker pool only (for horizontally scaled deployments)
//	mock     unreliable mock downstream for local runs
//	migrate  create the schema and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spinehq/spine/pkg/api"
	"github.com/spinehq/spine/pkg/audit"
	"github.com/spinehq/spine/pkg/config"
	"github.com/spinehq/spine/pkg/downstream"
	"github.com/spinehq/spine/pkg/ingest"
	"github.com/spinehq/spine/pkg/observability"
	"github.com/spinehq/spine/pkg/queue"
	"github.com/spinehq/spine/pkg/retry"
	"github.com/spinehq/spine/pkg/store"
	"github.com/spinehq/spine/pkg/worker"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) >= 2 {
		cmd = args[1]
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	}

	logger := newLogger(cfg.LogLevel, stderr)

	switch cmd {
	case "serve":
		return runServe(cfg, logger, stderr, true)
	case "work":
		return runServe(cfg, logger, stderr, false)
	case "mock":
		return runMock(cfg, logger, stderr)
	case "migrate":
		return runMigrate(cfg, logger, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: spined [serve|work|mock|migrate|help]")
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// openStore picks the backend from the connection string scheme.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		s, err = store.OpenPostgres(cfg.DatabaseURL)
	} else {
		s, err = store.NewSQLiteStore(cfg.DatabaseURL)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// runServe starts the worker pool and, when withAPI is set, the HTTP
// ingestion endpoint in the same process.
func runServe(cfg *config.Config, logger *slog.Logger, stderr io.Writer, withAPI bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "store:", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	metrics, err := observability.New(nil)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "metrics:", err)
		return 1
	}

	auditor := audit.New(st, logger)

	handoff := newHandoff(ctx, cfg, logger)
	defer func() { _ = handoff.Close() }()

	deliverer := downstream.NewHTTPDeliverer(cfg.DownstreamURL, cfg.DownstreamTimeout)
	policy := retry.Policy{
		InitialDelay: cfg.InitialRetryDelay,
		MaxDelay:     cfg.MaxRetryDelay,
		MaxAttempts:  cfg.MaxRetryAttempts,
	}

	w := worker.New(st, auditor, deliverer, policy, logger,
		worker.WithPollInterval(cfg.WorkerPollInterval),
		worker.WithConcurrency(cfg.WorkerConcurrency),
		worker.WithStaleThreshold(cfg.StaleProcessingThreshold),
		worker.WithHandoff(handoff),
		worker.WithMetrics(metrics),
	)

	errCh := make(chan error, 2)
	routines := 1
	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("worker: %w", err)
			return
		}
		errCh <- nil
	}()

	var srv *http.Server
	if withAPI {
		routines++
		ingestor := ingest.New(st, auditor, logger,
			ingest.WithHandoff(handoff),
			ingest.WithMetrics(metrics),
		)
		server := api.NewServer(ingestor, st, logger,
			api.WithRateLimiter(api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)),
		)
		srv = &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("http listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http: %w", err)
				return
			}
			errCh <- nil
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
	}

	code := 0
	for i := 0; i < routines; i++ {
		select {
		case err := <-errCh:
			if err != nil {
				_, _ = fmt.Fprintln(stderr, err)
				code = 1
			}
		case <-time.After(15 * time.Second):
			return code
		}
	}
	return code
}

// newHandoff uses Redis pub/sub when REDIS_ADDR is set so separate serve
// and work processes share nudges; otherwise an in-process channel.
func newHandoff(ctx context.Context, cfg *config.Config, logger *slog.Logger) queue.Handoff {
	if cfg.RedisAddr == "" {
		return queue.NewChanHandoff(0)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	logger.Info("handoff via redis", "addr", cfg.RedisAddr)
	return queue.NewRedisHandoff(ctx, client, queue.DefaultChannel, logger)
}

func runMock(cfg *config.Config, logger *slog.Logger, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mock := downstream.NewMockServer(cfg.MockFailureRate, time.Now().UnixNano(), logger)
	srv := &http.Server{
		Addr:              ":" + cfg.MockPort,
		Handler:           mock.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mock downstream listening",
			"addr", srv.Addr, "failure_rate", cfg.MockFailureRate)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return 0
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}
}

func runMigrate(cfg *config.Config, logger *slog.Logger, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "migrate:", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	logger.Info("schema ready", "database_url", redactDSN(cfg.DatabaseURL))
	return 0
}

// redactDSN strips credentials from a connection string before logging.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	scheme := strings.Index(dsn, "://")
	if scheme < 0 {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

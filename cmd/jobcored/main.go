// Jobcored runs the job orchestration service: admission, queueing,
// per-repository serialization, rebase conflict resolution and the HTTP API.
//
// Configuration is read from ~/.config/jobcore/config.yaml (or -config) and
// JOBCORE_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the service
//	jobcored
//
//	# Override the listen address
//	JOBCORE_SERVER_ADDR=:9090 jobcored
//
//	jobcored version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/jobcore/internal/admission"
	"github.com/fyrsmithlabs/jobcore/internal/config"
	httpapi "github.com/fyrsmithlabs/jobcore/internal/http"
	"github.com/fyrsmithlabs/jobcore/internal/job"
	"github.com/fyrsmithlabs/jobcore/internal/logging"
	"github.com/fyrsmithlabs/jobcore/internal/metrics"
	"github.com/fyrsmithlabs/jobcore/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file (default ~/.config/jobcore/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  jobcored [-config path]   Start the service\n")
			fmt.Fprintf(os.Stderr, "  jobcored version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "jobcored: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("jobcored by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the service and blocks until ctx is cancelled, then shuts down
// in reverse dependency order:
//  1. the event broker, which ends open SSE streams
//  2. the HTTP server
//  3. the job manager, which waits for running jobs
//  4. infrastructure (audit file, PostgreSQL, NATS, telemetry)
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	lg, err := initLogger(cfg, tel)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("initializing logger: %w", err)
	}
	logger := lg.Underlying()
	defer func() {
		_ = lg.Sync()
	}()
	if degraded, terr := tel.Degraded(); degraded {
		logger.Warn("telemetry disabled after startup failure", zap.Error(terr))
	}

	logger.Info("starting jobcored",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.Int("workers", cfg.Queue.Workers),
		zap.String("strategy", cfg.Pipeline.Strategy))

	prom := metrics.New()

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info("dependencies initialized",
		zap.Bool("nats_connected", deps.natsConn != nil),
		zap.Bool("postgres_counter", deps.postgres != nil),
		zap.Bool("audit_file", deps.auditFile != nil))

	svc, err := initServices(ctx, cfg, deps, tel, prom, logger)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("initializing services: %w", err)
	}

	if err := svc.manager.Start(ctx, cfg.Queue.Workers); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}

	srv, err := newHTTPServer(cfg, deps, svc, tel, logger)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		cleanupUsage(gctx, svc.admission, deps.postgres, cfg.Admission.Window, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(cfg, deps, svc, srv, tel, logger)
	})

	err = g.Wait()
	logger.Info("jobcored stopped")
	return err
}

func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lcfg, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	lcfg.Fields["version"] = version
	var provider otellog.LoggerProvider
	if lcfg.OTEL {
		provider = tel.LoggerProvider()
	}
	return logging.NewLogger(lcfg, provider)
}

func newHTTPServer(cfg *config.Config, deps *dependencies, svc *services, tel *telemetry.Telemetry, logger *zap.Logger) (*httpapi.Server, error) {
	opts := []httpapi.Option{
		httpapi.WithBroker(deps.broker),
		httpapi.WithAuditReader(deps.auditReader),
		httpapi.WithMetrics(httpapi.NewMetrics(tel.Meter("github.com/fyrsmithlabs/jobcore/internal/http"), logger)),
		httpapi.WithLogger(logger),
		httpapi.WithHealthCheck("telemetry", func(context.Context) error {
			if degraded, err := tel.Degraded(); degraded {
				return err
			}
			return nil
		}),
	}
	if deps.natsConn != nil {
		opts = append(opts, httpapi.WithHealthCheck("nats", natsHealth(deps.natsConn)))
	}
	if deps.postgres != nil {
		opts = append(opts, httpapi.WithHealthCheck("postgres", deps.postgres.Ping))
	}
	return httpapi.NewServer(svc.manager, httpapi.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout.Duration(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
		BodyLimit:       cfg.Server.BodyLimit,
	}, opts...)
}

func shutdown(cfg *config.Config, deps *dependencies, svc *services, srv *httpapi.Server, tel *telemetry.Telemetry, logger *zap.Logger) error {
	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout.Duration()))
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	var errs []error
	deps.broker.Close()
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := svc.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("job manager: %w", err))
	}
	if svc.rulesWatcher != nil {
		svc.rulesWatcher.Stop()
	}
	if err := tel.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown", zap.Error(err))
	}
	return errors.Join(errs...)
}

// cleanupUsage runs once per window. It drops idle rate buckets and, with
// Postgres, usage windows older than two windows.
func cleanupUsage(ctx context.Context, ctrl *admission.Controller, pg *admission.PostgresCounter, window time.Duration, logger *zap.Logger) {
	if window <= 0 {
		window = admission.DefaultWindow
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := ctrl.PruneLimiters(); n > 0 {
				logger.Debug("idle rate limiters removed", zap.Int("count", n))
			}
			if pg == nil {
				continue
			}
			n, err := pg.Cleanup(ctx, now.Add(-2*window))
			if err != nil {
				logger.Warn("usage cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("usage windows removed", zap.Int64("rows", n))
			}
		}
	}
}

var _ httpapi.Jobs = (*job.Manager)(nil)

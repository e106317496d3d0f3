package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/jobcore/internal/admission"
	"github.com/fyrsmithlabs/jobcore/internal/candidate"
	"github.com/fyrsmithlabs/jobcore/internal/config"
	"github.com/fyrsmithlabs/jobcore/internal/events"
	"github.com/fyrsmithlabs/jobcore/internal/gitops"
	"github.com/fyrsmithlabs/jobcore/internal/job"
	"github.com/fyrsmithlabs/jobcore/internal/metrics"
	"github.com/fyrsmithlabs/jobcore/internal/repolock"
	"github.com/fyrsmithlabs/jobcore/internal/resolution"
	"github.com/fyrsmithlabs/jobcore/internal/telemetry"
	"github.com/fyrsmithlabs/jobcore/internal/validation"
	"github.com/fyrsmithlabs/jobcore/internal/worker"
)

// dependencies holds infrastructure shared by the services.
type dependencies struct {
	broker      *events.Broker
	natsConn    *nats.Conn
	natsPub     *events.NATSPublisher
	postgres    *admission.PostgresCounter
	auditFile   *resolution.FileAuditLog
	auditMemory *resolution.MemoryAuditLog
	auditReader resolution.AuditReader
	logger      *zap.Logger
}

// Close releases infrastructure resources.
func (d *dependencies) Close() {
	if d.auditFile != nil {
		if err := d.auditFile.Close(); err != nil {
			d.logger.Warn("closing audit file", zap.Error(err))
		}
	}
	if d.postgres != nil {
		_ = d.postgres.Close()
	}
	if d.natsConn != nil {
		if err := d.natsConn.Drain(); err != nil {
			d.natsConn.Close()
		}
	}
}

// initDependencies connects to NATS and PostgreSQL when configured and
// opens the attempt audit sinks.
func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	d := &dependencies{
		broker: events.NewBroker(events.WithBrokerLogger(logger)),
		logger: logger,
	}

	if cfg.NATS.Enabled() {
		nc, err := connectNATS(cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		d.natsConn = nc
		d.natsPub, err = events.NewNATSPublisher(nc,
			events.WithSubjectPrefix(cfg.NATS.SubjectPrefix),
			events.WithNATSLogger(logger))
		if err != nil {
			d.Close()
			return nil, err
		}
		logger.Info("connected to NATS", zap.String("url", nc.ConnectedUrlRedacted()))
	}

	if cfg.Postgres.Enabled() {
		pg, err := admission.OpenPostgresCounter(ctx, cfg.Postgres.DSN.Value(), cfg.Postgres.MaxOpenConns)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("opening usage counter: %w", err)
		}
		d.postgres = pg
	}

	if cfg.Pipeline.AuditFile != "" {
		f, err := resolution.OpenFileAuditLog(cfg.Pipeline.AuditFile)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("opening audit file: %w", err)
		}
		d.auditFile = f
		d.auditReader = f
	} else {
		d.auditMemory = resolution.NewMemoryAuditLog()
		d.auditReader = d.auditMemory
	}
	return d, nil
}

func connectNATS(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("jobcored"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
	}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return nc, nil
}

func natsHealth(nc *nats.Conn) func(context.Context) error {
	return func(context.Context) error {
		if s := nc.Status(); s != nats.CONNECTED {
			return fmt.Errorf("connection %s", s)
		}
		return nil
	}
}

// services holds the job pipeline.
type services struct {
	manager      *job.Manager
	admission    *admission.Controller
	rulesWatcher *validation.RulesWatcher
}

func initServices(ctx context.Context, cfg *config.Config, deps *dependencies, tel *telemetry.Telemetry, prom *metrics.Metrics, logger *zap.Logger) (*services, error) {
	svc := &services{}

	validator, watcher, err := initValidator(ctx, cfg.Security, logger)
	if err != nil {
		return nil, err
	}
	svc.rulesWatcher = watcher

	pipeline, err := initPipeline(cfg, deps, validator, tel, logger)
	if err != nil {
		return nil, err
	}

	gitOpts := []gitops.Option{
		gitops.WithBinary(cfg.Git.Binary),
		gitops.WithCommandTimeout(cfg.Git.CommandTimeout.Duration()),
		gitops.WithAuthor(cfg.Git.AuthorName, cfg.Git.AuthorEmail),
		gitops.WithLogger(logger),
	}
	if cfg.Git.Token.IsSet() {
		gitOpts = append(gitOpts, gitops.WithToken("x-access-token", cfg.Git.Token.Value()))
	}

	runnerOpts := []worker.Option{
		worker.WithWorkspace(cfg.Git.Workspace),
		worker.WithURLTemplate(cfg.Git.URLTemplate),
		worker.WithKeepWorkdirs(cfg.Git.KeepWorkdirs),
		worker.WithMaxRebaseSteps(cfg.Git.MaxRebaseSteps),
		worker.WithLogger(logger),
		worker.WithMetrics(prom),
	}
	if cfg.Pipeline.RunTests {
		runnerOpts = append(runnerOpts, worker.WithTests(nil, cfg.Pipeline.TestTimeout.Duration()))
	}
	runner := worker.NewRunner(gitops.New(gitOpts...), pipeline, runnerOpts...)

	ctrl := admission.NewController(cfg.Admission,
		admission.WithCounter(usageCounter(deps)),
		admission.WithEmitter(emitters(deps)),
		admission.WithLogger(logger),
		admission.WithMetrics(prom),
	)
	svc.admission = ctrl

	jobMetrics, err := job.NewMetrics(tel.Meter(job.InstrumentationName))
	if err != nil {
		return nil, fmt.Errorf("creating job metrics: %w", err)
	}

	svc.manager = job.NewManager(runner,
		job.WithAdmission(ctrl),
		job.WithLocker(repolock.NewMemoryLocker(
			repolock.WithTTL(cfg.Lock.TTL.Duration()),
			repolock.WithLogger(logger),
			repolock.WithMetrics(prom),
		)),
		job.WithPublisher(publishers(deps)),
		job.WithRetryConfig(cfg.Jobs.RetryConfig),
		job.WithLeaseRenewInterval(cfg.Jobs.LeaseRenewInterval.Duration()),
		job.WithRunTimeout(cfg.Jobs.RunTimeout.Duration()),
		job.WithLogger(logger),
		job.WithMetrics(jobMetrics),
		job.WithPrometheus(prom),
	)
	return svc, nil
}

// initValidator builds the check battery. The denylist comes from the rules
// file when set, and is hot reloaded when WatchRules is on.
func initValidator(ctx context.Context, cfg config.SecurityConfig, logger *zap.Logger) (*validation.Validator, *validation.RulesWatcher, error) {
	var (
		rules *validation.RuleSet
		err   error
	)
	if cfg.RulesFile != "" {
		rules, err = validation.LoadRules(cfg.RulesFile)
	} else {
		rules, err = validation.CompileRules(validation.DefaultRules())
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading denylist: %w", err)
	}

	var secrets validation.SecretDetector
	if cfg.ScanSecrets {
		det, err := validation.NewGitleaksDetector()
		if err != nil {
			return nil, nil, fmt.Errorf("creating secret detector: %w", err)
		}
		secrets = det
	}
	scanner := validation.NewSecurityScanner(rules, secrets)

	var watcher *validation.RulesWatcher
	if cfg.WatchRules && cfg.RulesFile != "" {
		watcher, err = validation.NewRulesWatcher(cfg.RulesFile, scanner, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("watching denylist: %w", err)
		}
		watcher.Start(ctx)
	}

	v, err := validation.New(
		validation.WithSecurityScanner(scanner),
		validation.WithLogger(logger),
	)
	if err != nil {
		if watcher != nil {
			watcher.Stop()
		}
		return nil, nil, err
	}
	logger.Info("validator ready",
		zap.Int("denylist_rules", rules.Len()),
		zap.Bool("secret_scan", secrets != nil),
		zap.Bool("watch_rules", watcher != nil))
	return v, watcher, nil
}

func initPipeline(cfg *config.Config, deps *dependencies, v *validation.Validator, tel *telemetry.Telemetry, logger *zap.Logger) (*resolution.Pipeline, error) {
	strategy, err := resolution.ParseStrategy(cfg.Pipeline.Strategy)
	if err != nil {
		return nil, err
	}
	pm, err := resolution.NewMetrics(tel.Meter(resolution.InstrumentationName))
	if err != nil {
		return nil, fmt.Errorf("creating resolution metrics: %w", err)
	}

	opts := []resolution.Option{
		resolution.WithStrategy(strategy),
		resolution.WithAuditLog(auditSinks(deps)),
		resolution.WithGenerateTimeout(cfg.Pipeline.GenerateTimeout.Duration()),
		resolution.WithMaxContextBytes(cfg.Pipeline.MaxContextBytes),
		resolution.WithConcurrency(cfg.Pipeline.Concurrency),
		resolution.WithLogger(logger),
		resolution.WithMetrics(pm),
	}
	if cfg.Generator.APIKey != "" {
		gen, err := candidate.NewHTTPGenerator(cfg.Generator, logger)
		if err != nil {
			return nil, fmt.Errorf("creating candidate generator: %w", err)
		}
		opts = append(opts, resolution.WithGenerator(gen))
	} else {
		logger.Warn("no generator API key configured, conflicts resolve through fallbacks only")
	}
	return resolution.NewPipeline(v, opts...), nil
}

func usageCounter(deps *dependencies) admission.UsageCounter {
	if deps.postgres != nil {
		return deps.postgres
	}
	return admission.NewMemoryCounter()
}

func emitters(deps *dependencies) admission.Emitter {
	out := admission.MultiEmitter{deps.broker}
	if deps.natsPub != nil {
		out = append(out, deps.natsPub)
	}
	return out
}

func publishers(deps *dependencies) job.Publisher {
	out := job.MultiPublisher{deps.broker}
	if deps.natsPub != nil {
		out = append(out, deps.natsPub)
	}
	return out
}

// auditSinks writes attempts to the durable log first, then the live
// streams. A NATS failure is logged and never fails the pipeline.
func auditSinks(deps *dependencies) resolution.AuditLog {
	var out resolution.MultiAuditLog
	if deps.auditFile != nil {
		out = append(out, deps.auditFile)
	} else {
		out = append(out, deps.auditMemory)
	}
	out = append(out, deps.broker)
	if deps.natsPub != nil {
		pub, logger := deps.natsPub, deps.logger
		out = append(out, resolution.AuditFunc(func(ctx context.Context, a resolution.Attempt) error {
			if err := pub.Append(ctx, a); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("publishing attempt", zap.String("job_id", a.JobID), zap.Error(err))
			}
			return nil
		}))
	}
	return out
}

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskflow/internal/config"
	"github.com/fyrsmithlabs/taskflow/internal/eventbus"
	"github.com/fyrsmithlabs/taskflow/internal/llm"
	"github.com/fyrsmithlabs/taskflow/internal/logging"
	"github.com/fyrsmithlabs/taskflow/internal/orchestrator"
	"github.com/fyrsmithlabs/taskflow/internal/performer"
	"github.com/fyrsmithlabs/taskflow/internal/run"
	"github.com/fyrsmithlabs/taskflow/internal/secrets"
	"github.com/fyrsmithlabs/taskflow/internal/session"
	"github.com/fyrsmithlabs/taskflow/internal/telemetry"
)

type appOptions struct {
	logToStderr bool
}

// app holds every long-lived component.
type app struct {
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	registry  *prometheus.Registry
	nc        *nats.Conn
	sessions  session.Store
	runs      *run.Service
}

// newApp builds the component graph from cfg.
//
// Order:
//  1. Logger and telemetry (the logger is rebuilt with the OTEL bridge when
//     logging.otel is set)
//  2. Language model client and performers
//  3. NATS connection, when the session store or event bus needs one
//  4. Session store, router and run service
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	a := &app{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if a.logger, err = newLogger(cfg.Logging, opts, nil); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if a.telemetry, err = telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry, version), a.logger); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if cfg.Logging.OTEL {
		if a.logger, err = newLogger(cfg.Logging, opts, a.telemetry); err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	a.logger.Info(ctx, "starting taskflow",
		zap.String("version", version),
		zap.String("session_backend", cfg.Sessions.Backend),
		zap.Int("max_retries", cfg.Orchestrator.MaxRetries),
		zap.Int("max_ticks", cfg.Orchestrator.MaxTicks),
	)

	client, err := llm.New(ctx, cfg.LLM, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize llm client: %w", err)
	}

	if cfg.UsesNATS() {
		if a.nc, err = connectNATS(ctx, cfg.NATS.URL, a.logger); err != nil {
			return nil, err
		}
	}

	if a.sessions, err = newSessionStore(ctx, cfg, a.nc, a.logger); err != nil {
		return nil, err
	}

	routerCfg := orchestrator.RouterConfig{
		Planner:  performer.NewPlanner(client, cfg.LLM.PlannerTemperature, a.logger),
		Executor: performer.NewExecutor(client, cfg.LLM.ExecutorTemperature, cfg.LLM.ExecutorFormat, a.logger),
		Critic:   performer.NewCritic(client, cfg.LLM.CriticTemperature, a.logger),
		Limits: orchestrator.Limits{
			MaxRetries: cfg.Orchestrator.MaxRetries,
			MaxTicks:   cfg.Orchestrator.MaxTicks,
		},
		Logger:         a.logger,
		Metrics:        orchestrator.NewMetrics(a.registry),
		TracerProvider: a.telemetry.TracerProvider(),
	}
	runCfg := run.Config{
		Sessions:      a.sessions,
		Logger:        a.logger,
		TitleLength:   cfg.Sessions.TitleLength,
		MaxGoalLength: cfg.Server.MaxGoalLength,
	}
	scrubCfg := secrets.DefaultConfig()
	scrubCfg.Enabled = cfg.Secrets.Enabled
	if runCfg.Scrubber, err = secrets.New(scrubCfg); err != nil {
		return nil, fmt.Errorf("failed to create scrubber: %w", err)
	}
	if cfg.NATS.PublishEvents {
		pub := eventbus.NewPublisher(a.nc, cfg.NATS.SubjectPrefix, runCfg.Scrubber, a.logger)
		routerCfg.Observer = pub
		runCfg.Lifecycle = pub
	}

	router, err := orchestrator.NewRouter(routerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	runCfg.Runner = router

	if a.runs, err = run.NewService(runCfg); err != nil {
		return nil, fmt.Errorf("failed to create run service: %w", err)
	}
	return a, nil
}

func newLogger(c config.LoggingConfig, opts appOptions, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lcfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	lcfg.Level = level
	lcfg.Format = c.Format
	lcfg.Output.Stderr = opts.logToStderr
	if tel == nil {
		return logging.NewLogger(lcfg, nil)
	}
	lcfg.Output.OTEL = true
	return logging.NewLogger(lcfg, tel.LoggerProvider())
}

func connectNATS(ctx context.Context, url string, logger *logging.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("taskflow"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info(ctx, "connected to NATS", zap.String("url", url))
	return nc, nil
}

func newSessionStore(ctx context.Context, cfg *config.Config, nc *nats.Conn, logger *logging.Logger) (session.Store, error) {
	if cfg.Sessions.Backend != config.BackendNATS {
		return session.NewMemoryStore(logger), nil
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	store, err := session.NewKVStore(ctx, js, cfg.Sessions.Bucket, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session bucket %s: %w", cfg.Sessions.Bucket, err)
	}
	return store, nil
}

// Close releases resources in reverse construction order.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("nats drain: %w", err))
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.logger != nil {
		if err := errors.Join(errs...); err != nil {
			a.logger.Warn(ctx, "shutdown incomplete", zap.Error(err))
		}
		_ = a.logger.Sync()
	}
}

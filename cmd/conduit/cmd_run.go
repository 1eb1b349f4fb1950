package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	natsconn "github.com/wehubfusion/conduit/internal/nats"
	"github.com/wehubfusion/conduit/pkg/concurrency"
	"github.com/wehubfusion/conduit/pkg/dispatch"
	"github.com/wehubfusion/conduit/pkg/faults"
	"github.com/wehubfusion/conduit/pkg/message"
	"github.com/wehubfusion/conduit/pkg/runner"
)

var runFlags struct {
	config   string
	natsURL  string
	stream   string
	consumer string
	workers  int
	simulate bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Consume run messages from JetStream and process them",
	Long: `Pulls message envelopes from a durable JetStream consumer, runs each through
the relay pipeline and publishes the final message with its exit to the
results subject. Interrupted runs are redelivered.`,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.config, "config", "c", "", "Path to a YAML settings file")
	f.StringVar(&runFlags.natsURL, "nats-url", "", "NATS server URL")
	f.StringVar(&runFlags.stream, "stream", "", "JetStream stream carrying run messages")
	f.StringVar(&runFlags.consumer, "consumer", "", "Durable consumer name")
	f.IntVar(&runFlags.workers, "workers", 0, "Concurrent runs (0 detects)")
	f.BoolVar(&runFlags.simulate, "simulate", false, "Enable simulation mode")
}

// applyFlags overrides s with the flags the user set explicitly
func applyFlags(cmd *cobra.Command, s *Settings) {
	f := cmd.Flags()
	if f.Changed("nats-url") {
		s.NATS.URL = runFlags.natsURL
	}
	if f.Changed("stream") {
		s.NATS.Stream = runFlags.stream
	}
	if f.Changed("consumer") {
		s.NATS.Consumer = runFlags.consumer
	}
	if f.Changed("workers") {
		s.Runner.Workers = runFlags.workers
	}
	if f.Changed("simulate") {
		s.Limits.Simulation = runFlags.simulate
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func runRun(cmd *cobra.Command, _ []string) error {
	settings, err := LoadSettings(runFlags.config)
	if err != nil {
		return err
	}
	applyFlags(cmd, &settings)
	if err := settings.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(settings.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	undo := concurrency.InitializeForKubernetes(logger)
	defer undo()
	cc := concurrency.LoadConfig()
	if settings.Runner.Workers <= 0 {
		settings.Runner.Workers = cc.RunnerWorkers
	}
	logger.Info("Starting conduit",
		zap.String("version", version),
		zap.String("concurrency", cc.String()),
		zap.Int("workers", settings.Runner.Workers),
		zap.String("target", settings.Relay.Target.Kind))

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var reporter faults.Reporter = faults.Nop{}
	if settings.Sentry.DSN != "" {
		sr, err := faults.NewSentryReporter(faults.SentryConfig{
			DSN:         settings.Sentry.DSN,
			Environment: settings.Sentry.Environment,
			Release:     version,
		})
		if err != nil {
			return err
		}
		defer sr.Flush(2 * time.Second)
		reporter = sr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := dispatch.NewMetrics(reg)
	metricsSrv := serveMetrics(settings.Metrics.Addr, reg, logger)
	defer shutdownServer(metricsSrv)

	conn, err := natsconn.Connect(ctx, natsConfig(settings.NATS, logger))
	if err != nil {
		return err
	}
	defer func() { _ = natsconn.Close(conn) }()

	msgLog, closeLog, err := buildMessageLog(ctx, settings.Audit, logger)
	if err != nil {
		return err
	}
	defer closeLog()

	outcomes, closeRegistry, err := buildRegistry(ctx, settings.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = closeRegistry() }()

	p, err := buildRelay(settings, relayDeps{
		Conn:       conn,
		MessageLog: msgLog,
		Registry:   outcomes,
		Metrics:    metrics,
		Reporter:   reporter,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := p.Stop(stopCtx); err != nil {
			logger.Warn("Error stopping pipeline", zap.Error(err))
		}
	}()

	js, err := conn.JetStream()
	if err != nil {
		return err
	}
	source, err := runner.NewJetStreamSource(js, runner.JetStreamConfig{
		Stream:     settings.NATS.Stream,
		Subject:    settings.NATS.Subject,
		Consumer:   settings.NATS.Consumer,
		MaxDeliver: settings.NATS.MaxDeliver,
		AckWait:    settings.Runner.ProcessTimeout + 30*time.Second,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()

	cfg := runner.Config{
		Source:         source,
		Processor:      p,
		BatchSize:      settings.Runner.BatchSize,
		Workers:        settings.Runner.Workers,
		ProcessTimeout: settings.Runner.ProcessTimeout,
		Middleware: []message.Middleware{
			message.RecoveryMiddleware(),
			message.LoggingMiddleware(logger),
			message.ValidationMiddleware(),
		},
		Reporter: reporter,
		Logger:   logger,
		Tracing:  tracingConfig(settings.Tracing),
	}
	if settings.NATS.Results != "" {
		cfg.Results = runner.NewNATSResults(conn, settings.NATS.Results)
	}
	r, err := runner.NewRunner(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", addr))
	return srv
}

func shutdownServer(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

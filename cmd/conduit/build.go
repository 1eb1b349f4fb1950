package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/conduit/internal/nats"
	"github.com/wehubfusion/conduit/pkg/dispatch"
	"github.com/wehubfusion/conduit/pkg/expr"
	"github.com/wehubfusion/conduit/pkg/faults"
	"github.com/wehubfusion/conduit/pkg/forward"
	"github.com/wehubfusion/conduit/pkg/iteration"
	"github.com/wehubfusion/conduit/pkg/messagelog"
	"github.com/wehubfusion/conduit/pkg/pipeline"
	"github.com/wehubfusion/conduit/pkg/registry"
	"github.com/wehubfusion/conduit/pkg/runner"
	"github.com/wehubfusion/conduit/pkg/sender/amqpsender"
	"github.com/wehubfusion/conduit/pkg/sender/cesender"
	"github.com/wehubfusion/conduit/pkg/sender/kafkasender"
	"github.com/wehubfusion/conduit/pkg/sender/natssender"
	"github.com/wehubfusion/conduit/pkg/storage"
)

// Names used by the hosted relay pipeline
const (
	relayPipeline = "conduit-relay"
	relayUnit     = "relay"
	exitFailed    = "FAILED"
)

// relayDeps are the shared collaborators of the relay pipeline
type relayDeps struct {
	Conn       *nats.Conn
	MessageLog dispatch.MessageLog
	Registry   dispatch.OutcomeRegistry
	Metrics    *dispatch.Metrics
	Reporter   faults.Reporter
	Logger     *zap.Logger
}

// buildRelay assembles the pipeline the worker hosts: a single unit that
// sends its input to the configured target, optionally splitting it into
// items first. Successful runs end in READY, every failure in FAILED.
func buildRelay(s Settings, deps relayDeps) (*pipeline.Pipeline, error) {
	sender, listener, err := buildSender(s.Relay.Target, deps.Conn, deps.Logger)
	if err != nil {
		return nil, err
	}

	dcfg := dispatch.Config{
		Name:                    relayUnit,
		Sender:                  sender,
		Listener:                listener,
		MessageLog:              deps.MessageLog,
		Retry:                   dispatch.RetryPolicy{MaxRetries: s.Relay.Retry.MaxRetries, MinInterval: s.Relay.Retry.MinInterval, MaxInterval: s.Relay.Retry.MaxInterval},
		PresumedTimeoutInterval: time.Duration(s.Limits.PresumedTimeoutSeconds) * time.Second,
		Registry:                deps.Registry,
		Simulation:              s.Limits.Simulation,
		Logger:                  deps.Logger,
		Metrics:                 deps.Metrics,
		Reporter:                deps.Reporter,
	}
	if s.Relay.Retry.When != "" {
		when, err := expr.Compile(s.Relay.Retry.When, 0)
		if err != nil {
			return nil, fmt.Errorf("relay.retry.when: %w", err)
		}
		dcfg.RetryWhen = when
	}

	var unit pipeline.Unit
	switch s.Relay.Split {
	case "", SplitNone:
		du, err := dispatch.New(dcfg)
		if err != nil {
			return nil, err
		}
		unit = du
	default:
		source := iteration.LineSource()
		if s.Relay.Split == SplitJSON {
			source = iteration.JSONArraySource(s.Relay.SplitPath)
		}
		strategy := iteration.StrategySequential
		if s.Relay.Parallel {
			strategy = iteration.StrategyParallel
		}
		iu, err := iteration.New(iteration.Config{
			Config:          dcfg,
			Source:          source,
			Strategy:        strategy,
			MaxChildThreads: s.Limits.MaxChildThreads,
			MaxItems:        s.Relay.MaxItems,
		})
		if err != nil {
			return nil, err
		}
		iu.AddForward(forward.MaxItemsReached, forward.ExitTarget(pipeline.DefaultExitName))
		iu.AddForward(forward.StopConditionMet, forward.ExitTarget(pipeline.DefaultExitName))
		unit = iu
	}

	p := pipeline.New(pipeline.Config{Name: relayPipeline, Logger: deps.Logger})
	if err := p.AddUnit(unit); err != nil {
		return nil, err
	}
	p.AddExit(pipeline.Exit{Name: pipeline.DefaultExitName, State: pipeline.ExitSuccess})
	p.AddExit(pipeline.Exit{Name: exitFailed, State: pipeline.ExitError, Code: 500})
	p.AddGlobalForward(forward.Success, forward.ExitTarget(pipeline.DefaultExitName))
	for _, name := range []string{forward.Exception, forward.Timeout, forward.IllegalResult, forward.PresumedTimeout, forward.Interrupt} {
		p.AddGlobalForward(name, forward.ExitTarget(exitFailed))
	}
	if err := p.Configure(); err != nil {
		return nil, err
	}
	return p, nil
}

// buildSender creates the target sender plus, for asynchronous NATS, the
// reply listener
func buildSender(t TargetSettings, conn *nats.Conn, logger *zap.Logger) (dispatch.Sender, dispatch.Listener, error) {
	switch t.Kind {
	case TargetNATS:
		s, err := natssender.New(natssender.Config{Subject: t.Subject, Conn: conn, Logger: logger})
		return s, nil, err
	case TargetNATSAsync:
		s, err := natssender.New(natssender.Config{Subject: t.Subject, Async: true, Conn: conn, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		prefix := t.ReplyTo
		if prefix == "" {
			prefix = t.Subject + ".replies"
		}
		l, err := natssender.NewListener(natssender.ListenerConfig{
			SubjectPrefix: prefix,
			Timeout:       t.Timeout,
			Conn:          conn,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, l, nil
	case TargetAMQP:
		s, err := amqpsender.New(amqpsender.Config{URL: t.URL, Exchange: t.Exchange, RoutingKey: t.RoutingKey, Logger: logger})
		return s, nil, err
	case TargetKafka:
		s, err := kafkasender.New(kafkasender.Config{Brokers: t.Brokers, Topic: t.Topic, Logger: logger})
		return s, nil, err
	case TargetCloudEvents:
		s, err := cesender.New(cesender.Config{TargetURL: t.URL, Timeout: t.Timeout, Logger: logger})
		return s, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown target kind %q", t.Kind)
	}
}

// buildMessageLog combines every configured audit store. The returned
// cleanup releases database pools.
func buildMessageLog(ctx context.Context, a AuditSettings, logger *zap.Logger) (dispatch.MessageLog, func(), error) {
	var logs []dispatch.MessageLog
	cleanup := func() {}

	if a.Memory {
		logs = append(logs, messagelog.NewMemoryLog())
	}
	if a.PostgresDSN != "" {
		pool, err := messagelog.NewPool(ctx, a.PostgresDSN, 10)
		if err != nil {
			return nil, cleanup, err
		}
		pg := messagelog.NewPostgresLog(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, cleanup, err
		}
		cleanup = pool.Close
		logs = append(logs, pg)
		logger.Info("PostgreSQL message log enabled")
	}
	if a.BlobConnectionString != "" {
		client, err := storage.NewAzureBlobClient(a.BlobConnectionString, a.BlobContainer, logger)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		logs = append(logs, messagelog.NewBlobLog(client))
		logger.Info("Blob message log enabled", zap.String("container", a.BlobContainer))
	}

	switch len(logs) {
	case 0:
		return nil, cleanup, nil
	case 1:
		return logs[0], cleanup, nil
	default:
		return messagelog.Tee(logs...), cleanup, nil
	}
}

// buildRegistry shares presumed-timeout state through Redis when an address
// is configured; otherwise the process-local registry is used.
func buildRegistry(ctx context.Context, r RedisSettings) (dispatch.OutcomeRegistry, func() error, error) {
	if r.Addr == "" {
		return dispatch.DefaultRegistry, func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{Addr: r.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", r.Addr, err)
	}
	var opts []registry.Option
	if r.TTL > 0 {
		opts = append(opts, registry.WithTTL(r.TTL))
	}
	return registry.NewRedis(client, opts...), client.Close, nil
}

// tracingConfig maps settings onto the runner's tracer provider, nil when
// tracing is off
func tracingConfig(t TracingSettings) *runner.TracingConfig {
	if !t.Enabled {
		return nil
	}
	tc := runner.DefaultTracingConfig("conduit")
	tc.ServiceVersion = version
	tc.Pipeline = relayPipeline
	tc.OTLPEndpoint = t.Endpoint
	tc.URLPath = t.URLPath
	tc.Insecure = t.Insecure
	tc.Headers = t.Headers
	tc.Environment = t.Environment
	tc.SampleRatio = t.SampleRatio
	return &tc
}

// natsConfig maps settings onto the connection config
func natsConfig(s NATSSettings, logger *zap.Logger) *natsconn.ConnectionConfig {
	cfg := natsconn.DefaultConnectionConfig(s.URL)
	if s.MaxDeliver > 0 {
		cfg.MaxDeliver = s.MaxDeliver
	}
	cfg.Logger = logger
	return cfg
}

package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrEthical07/portalguard"
	"github.com/MrEthical07/portalguard/directory"
	"github.com/MrEthical07/portalguard/internal/config"
	"github.com/MrEthical07/portalguard/internal/logging"
	otelexport "github.com/MrEthical07/portalguard/metrics/export/otel"
)

const meterName = "github.com/MrEthical07/portalguard"

// Runtime owns every long-lived dependency of the command.
type Runtime struct {
	Config    *config.File
	Log       *logrus.Logger
	Engine    *portalguard.Engine
	Directory *directory.SQLDirectory
	Redis     redis.UniversalClient
	// EphemeralKey is true when the signing key was generated at startup.
	EphemeralKey bool
	// Meters and MetricReader are set when metrics.otel is enabled.
	Meters       *sdkmetric.MeterProvider
	MetricReader sdkmetric.Reader

	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Bootstrap builds the runtime described by cfg. withRedis=false skips the
// session store; commands that only inspect tokens use that.
func Bootstrap(ctx context.Context, cfg *config.File, withRedis bool) (*Runtime, error) {
	rt := &Runtime{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	log, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	rt.Log = log
	rt.closers = append(rt.closers, logCloser)

	engineCfg, ephemeral, err := cfg.Engine()
	if err != nil {
		return nil, err
	}
	rt.EphemeralKey = ephemeral
	if ephemeral {
		log.Warn("no signing key configured; using an ephemeral ed25519 key (dev mode)")
	}

	dir, err := directory.Open(ctx, cfg.Database.Driver, cfg.Database.DSN,
		directory.WithLogger(log),
		directory.WithChangeHook(func(ctx context.Context, userID string) {
			if rt.Engine != nil {
				rt.Engine.InvalidatePermissions(ctx, userID, "directory_change")
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	rt.Directory = dir
	rt.closers = append(rt.closers, dir)
	if err := dir.Migrate(ctx); err != nil {
		return nil, err
	}

	evaluator, err := directory.NewEvaluator(dir, nil)
	if err != nil {
		return nil, err
	}
	evaluator.DefaultRole = engineCfg.Resolve.DefaultRole

	builder := portalguard.New().
		WithConfig(engineCfg).
		WithUserProvider(dir).
		WithEvaluator(evaluator).
		WithLogger(log)

	if engineCfg.Audit.Enabled {
		sink, err := rt.auditSink(cfg.Audit, log)
		if err != nil {
			return nil, err
		}
		builder = builder.WithAuditSink(sink)
	}

	if withRedis {
		client, err := rt.openRedis(ctx, cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		rt.Redis = client
		builder = builder.WithRedis(client)
	}

	engine, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	rt.Engine = engine
	rt.closers = append(rt.closers, closerFunc(func() error {
		engine.Close()
		return nil
	}))

	if cfg.Metrics.OTel {
		if err := rt.startOTel(engine); err != nil {
			return nil, err
		}
	}
	ok = true
	return rt, nil
}

func (rt *Runtime) openRedis(ctx context.Context, cfg config.RedisConfig, log logrus.FieldLogger) (redis.UniversalClient, error) {
	addr := cfg.Addr
	if cfg.Embedded {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("start embedded redis: %w", err)
		}
		rt.closers = append(rt.closers, closerFunc(func() error {
			mr.Close()
			return nil
		}))
		addr = mr.Addr()
		log.WithField("addr", addr).Warn("using embedded redis; sessions are lost on restart")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	rt.closers = append(rt.closers, client)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", portalguard.ErrRedisUnavailable, err)
	}
	return client, nil
}

func (rt *Runtime) startOTel(engine *portalguard.Engine) error {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rt.closers = append(rt.closers, closerFunc(func() error {
		return provider.Shutdown(context.Background())
	}))

	exp, err := otelexport.NewExporter(provider.Meter(meterName), engine)
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}
	rt.closers = append(rt.closers, exp)
	rt.Meters = provider
	rt.MetricReader = reader
	return nil
}

func (rt *Runtime) auditSink(cfg config.AuditConfig, log logrus.FieldLogger) (portalguard.AuditSink, error) {
	switch cfg.Sink {
	case "logrus":
		return portalguard.NewLogrusSink(logging.WithComponent(log, "audit")), nil
	case "json":
		w := &lumberjack.Logger{Filename: cfg.File, MaxSize: 100, MaxBackups: 5}
		rt.closers = append(rt.closers, w)
		return portalguard.NewJSONWriterSink(w), nil
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

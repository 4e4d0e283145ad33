package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/conductor/internal/callbacks"
	"github.com/cloud-shuttle/conductor/internal/config"
	"github.com/cloud-shuttle/conductor/internal/db"
	"github.com/cloud-shuttle/conductor/internal/engine"
	"github.com/cloud-shuttle/conductor/internal/events"
	"github.com/cloud-shuttle/conductor/internal/functions"
	"github.com/cloud-shuttle/conductor/internal/metrics"
	"github.com/cloud-shuttle/conductor/internal/webhooks"
	"github.com/cloud-shuttle/conductor/pkg/telemetry"
)

const webhookWorkers = 4

// runtime is everything one CLI invocation wires around the engine
type runtime struct {
	engine     *engine.Engine
	functions  *functions.Registry
	callbacks  *callbacks.Registry
	bus        *events.Bus
	aggregator *metrics.Aggregator
	prometheus *metrics.Prometheus
	store      *db.Store
	alerts     *webhooks.Manager
	provider   *sdktrace.TracerProvider
}

// newRuntime builds registries, sinks and the engine from cfg. The history
// store is opened only when cfg has a database URL.
func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	rt := &runtime{
		functions:  functions.NewRegistry(),
		callbacks:  callbacks.NewRegistry(),
		bus:        events.NewBus(),
		aggregator: metrics.NewAggregator(),
		prometheus: metrics.NewPrometheus(),
	}

	rt.functions.SetLogger(logger)
	functions.RegisterBuiltins(rt.functions)

	rt.callbacks.SetLogger(logger)
	rt.callbacks.SetTimeout(cfg.CallbackTimeout.Std())
	var alerter callbacks.Alerter
	if len(cfg.AlertWebhooks) > 0 {
		rt.alerts = webhooks.NewManager()
		rt.alerts.SetLogger(logger)
		if cfg.AlertTimeout > 0 {
			rt.alerts.SetTimeout(cfg.AlertTimeout.Std())
		}
		rt.alerts.SetRetry(cfg.AlertAttempts, time.Second)
		for i := range cfg.AlertWebhooks {
			hook := cfg.AlertWebhooks[i]
			if err := rt.alerts.Register(&hook); err != nil {
				return nil, fmt.Errorf("registering webhook: %w", err)
			}
		}
		rt.alerts.Start(webhookWorkers)
		if err := rt.alerts.Forward(context.WithoutCancel(ctx), rt.bus); err != nil {
			logger.Warn("workflow notifications disabled", zap.Error(err))
		}
		alerter = rt.alerts
	}
	callbacks.RegisterBuiltins(rt.callbacks, alerter)
	for _, name := range cfg.DisabledCallbacks {
		if err := rt.callbacks.Disable(name); err != nil {
			rt.close(ctx, logger)
			return nil, fmt.Errorf("disabled_callbacks: %w", err)
		}
	}

	sinks := []metrics.Sink{rt.aggregator, rt.prometheus}
	if cfg.DatabaseURL != "" {
		store, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			rt.close(ctx, logger)
			return nil, fmt.Errorf("opening history store: %w", err)
		}
		store.SetLogger(logger)
		if err := store.InitSchema(ctx); err != nil {
			store.Close()
			rt.close(ctx, logger)
			return nil, fmt.Errorf("initializing history schema: %w", err)
		}
		rt.store = store
		sinks = append(sinks, store)
	}

	tracer := telemetry.Tracer()
	if cfg.TracingEnabled {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			rt.close(ctx, logger)
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
		rt.provider = telemetry.NewProvider("conductor", exporter)
		otel.SetTracerProvider(rt.provider)
		tracer = rt.provider.Tracer(telemetry.InstrumentationName)
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithTracer(tracer),
		engine.WithSink(metrics.NewMulti(sinks...)),
		engine.WithBus(rt.bus),
		engine.WithMaxParallel(cfg.MaxParallel),
		engine.WithRetryUnit(cfg.RetryUnit.Std()),
		engine.WithRetention(cfg.Retention.Std()),
		engine.WithConditionFailClosed(cfg.ConditionFailClosed),
		engine.WithTaskDefaults(cfg.TaskDefaults()),
	}
	if cfg.IterationYield > 0 {
		opts = append(opts, engine.WithIterationYield(cfg.IterationYield.Std()))
	}
	rt.engine = engine.New(rt.functions, rt.callbacks, opts...)
	return rt, nil
}

// close releases everything in reverse order of construction. Running
// workflows must already be stopped.
func (rt *runtime) close(ctx context.Context, logger *zap.Logger) {
	var errs []error
	if rt.provider != nil {
		errs = append(errs, rt.provider.Shutdown(ctx))
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.alerts != nil {
		errs = append(errs, rt.alerts.Stop(ctx))
	}
	errs = append(errs, rt.bus.Close())

	if err := errors.Join(errs...); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}

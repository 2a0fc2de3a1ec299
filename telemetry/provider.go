package telemetry

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	defaultMeterName       = "github.com/bionicotaku/lingo-dbs"
)

// Component holds the installed providers. Disabled signals fall back to
// no-op providers so callers never branch on configuration.
type Component struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	shutdowns []func(context.Context) error
	helper    *log.Helper
}

// NewComponent installs tracing and metrics providers globally according to
// cfg. The cleanup flushes both with a bounded timeout.
func NewComponent(ctx context.Context, cfg Config, logger log.Logger) (*Component, func(), error) {
	if ctx == nil {
		return nil, nil, errors.New("telemetry: nil context")
	}
	if logger == nil {
		logger = log.NewStdLogger(io.Discard)
	}
	cfg = cfg.Normalize()
	helper := log.NewHelper(logger)
	exporterLog := newExporterLogger(logger)

	comp := &Component{
		TracerProvider: nooptrace.NewTracerProvider(),
		MeterProvider:  noopmetric.NewMeterProvider(),
		helper:         helper,
	}
	if !cfg.Tracing.Enabled && !cfg.Metrics.Enabled {
		return comp, func() {}, nil
	}

	res, err := BuildResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	otel.SetErrorHandler(&errorHandler{logger: exporterLog})

	if cfg.Tracing.Enabled {
		tp, err := newTracerProvider(ctx, cfg.Tracing, res, exporterLog)
		switch {
		case err != nil && cfg.Tracing.Required:
			return nil, nil, err
		case err != nil:
			helper.Warnf("telemetry: tracing disabled: %v", err)
		default:
			otel.SetTracerProvider(tp)
			otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
			comp.TracerProvider = tp
			comp.shutdowns = append(comp.shutdowns, tp.Shutdown)
			helper.Infof("tracing initialized exporter=%s endpoint=%s ratio=%.2f", cfg.Tracing.Exporter, cfg.Tracing.Endpoint, cfg.Tracing.SamplingRatio)
		}
	}

	if cfg.Metrics.Enabled {
		mp, err := newMeterProvider(ctx, cfg.Metrics, res, exporterLog)
		switch {
		case err != nil && cfg.Metrics.Required:
			_ = comp.Shutdown(ctx)
			return nil, nil, err
		case err != nil:
			helper.Warnf("telemetry: metrics disabled: %v", err)
		default:
			otel.SetMeterProvider(mp)
			comp.MeterProvider = mp
			comp.shutdowns = append(comp.shutdowns, mp.Shutdown)
			helper.Infof("metrics initialized exporter=%s endpoint=%s interval=%s", cfg.Metrics.Exporter, cfg.Metrics.Endpoint, cfg.Metrics.Interval)
		}
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := comp.Shutdown(shutdownCtx); err != nil {
			helper.Warnf("telemetry: shutdown: %v", err)
		}
	}
	return comp, cleanup, nil
}

// Shutdown flushes providers in reverse installation order and returns the
// first error.
func (c *Component) Shutdown(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var first error
	for i := len(c.shutdowns) - 1; i >= 0; i-- {
		if err := c.shutdowns[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	c.shutdowns = nil
	return first
}

// Meter returns a meter from the component's provider.
func (c *Component) Meter(name string) metric.Meter {
	if name == "" {
		name = defaultMeterName
	}
	return c.MeterProvider.Meter(name)
}

// ProvideMeter exposes the shared meter for Wire.
func ProvideMeter(c *Component) metric.Meter {
	return c.Meter(defaultMeterName)
}

// ProvideQueryTracer exposes a pgx tracer bound to the component's provider.
func ProvideQueryTracer(c *Component) pgx.QueryTracer {
	return NewQueryTracer(c.TracerProvider)
}

// ProviderSet wires telemetry for Wire-based injection.
var ProviderSet = wire.NewSet(NewComponent, ProvideMeter, ProvideQueryTracer)

package txmanager

import (
	"io"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type Option func(*managerOptions)

type managerOptions struct {
	logger                 log.Logger
	meter                  metric.Meter
	tracer                 trace.Tracer
	clock                  func() time.Time
	idGenerator            func() string
	metricsEnabledOverride *bool
}

func defaultManagerOptions() managerOptions {
	return managerOptions{
		logger:      log.NewStdLogger(io.Discard),
		clock:       time.Now,
		idGenerator: uuid.NewString,
	}
}

// WithLogger injects a structured logger used to report transaction lifecycle events.
func WithLogger(logger log.Logger) Option {
	return func(opts *managerOptions) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

// WithMeter injects a custom OpenTelemetry meter used for metrics emission.
func WithMeter(meter metric.Meter) Option {
	return func(opts *managerOptions) {
		if meter != nil {
			opts.meter = meter
		}
	}
}

// WithTracer injects the tracer used to create spans for WithinTx.
func WithTracer(tracer trace.Tracer) Option {
	return func(opts *managerOptions) {
		if tracer != nil {
			opts.tracer = tracer
		}
	}
}

// WithClock allows overriding the time source (useful for deterministic tests).
func WithClock(now func() time.Time) Option {
	return func(opts *managerOptions) {
		if now != nil {
			opts.clock = now
		}
	}
}

// WithIDGenerator overrides how transaction identifiers are minted.
func WithIDGenerator(gen func() string) Option {
	return func(opts *managerOptions) {
		if gen != nil {
			opts.idGenerator = gen
		}
	}
}

// WithMetricsEnabled overrides the metrics switch regardless of configuration defaults.
func WithMetricsEnabled(enabled bool) Option {
	return func(opts *managerOptions) {
		opts.metricsEnabledOverride = new(bool)
		*opts.metricsEnabledOverride = enabled
	}
}

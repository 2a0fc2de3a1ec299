package dbs

import (
	"io"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel/metric"
)

type Option func(*repositoryOptions)

type repositoryOptions struct {
	logger                 log.Logger
	meter                  metric.Meter
	metricsEnabledOverride *bool
}

func defaultRepositoryOptions() repositoryOptions {
	return repositoryOptions{logger: log.NewStdLogger(io.Discard)}
}

// WithLogger injects the logger used for session lifecycle and fallback reports.
func WithLogger(logger log.Logger) Option {
	return func(opts *repositoryOptions) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

// WithMeter injects the meter repository metrics are recorded on.
func WithMeter(meter metric.Meter) Option {
	return func(opts *repositoryOptions) {
		if meter != nil {
			opts.meter = meter
		}
	}
}

func WithMetricsEnabled(enabled bool) Option {
	return func(opts *repositoryOptions) {
		opts.metricsEnabledOverride = &enabled
	}
}

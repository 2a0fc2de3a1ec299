package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

func newMeterProvider(ctx context.Context, cfg MetricsConfig, res *resource.Resource, logger *exporterLogger) (*sdkmetric.MeterProvider, error) {
	exp, err := newMetricExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval))),
		sdkmetric.WithResource(res),
	)
	if !cfg.DisableRuntimeStats {
		if err := runtime.Start(
			runtime.WithMeterProvider(mp),
			runtime.WithMinimumReadMemStatsInterval(cfg.Interval),
		); err != nil {
			logger.helper.Warnf("telemetry: start runtime metrics: %v", err)
		}
	}
	return mp, nil
}

func newMetricExporter(ctx context.Context, cfg MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPgRPC:
		var opts []otlpmetricgrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case ExporterStdout:
		opts := []stdoutmetric.Option{stdoutmetric.WithPrettyPrint()}
		if cfg.Writer != nil {
			opts = append(opts, stdoutmetric.WithWriter(cfg.Writer))
		}
		return stdoutmetric.New(opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported metrics exporter %q", cfg.Exporter)
	}
}

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func newTracerProvider(ctx context.Context, cfg TracingConfig, res *resource.Resource, logger *exporterLogger) (*sdktrace.TracerProvider, error) {
	exporter, err := newSpanExporter(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	batcher := sdktrace.WithBatcher(exporter,
		sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
		sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
		sdktrace.WithBatchTimeout(cfg.BatchTimeout),
		sdktrace.WithExportTimeout(cfg.ExportTimeout),
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
		sdktrace.WithResource(res),
		batcher,
	), nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig, logger *exporterLogger) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPgRPC:
		var clientOpts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			clientOpts = append(clientOpts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			clientOpts = append(clientOpts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		clientOpts = append(clientOpts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
		return newRetryingExporter(ctx, defaultRetrySettings(), logger, clientOpts...)
	case ExporterStdout:
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if cfg.Writer != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
		}
		return stdouttrace.New(opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported tracing exporter %q", cfg.Exporter)
	}
}

// Package telemetry 安装 OpenTelemetry 的 TracerProvider 与 MeterProvider，
// 并提供 pgx 查询级别的 span 追踪。
package telemetry

import (
	"io"
	"time"
)

// Exporter identifiers.
const (
	ExporterOTLPgRPC = "otlp_grpc"
	ExporterStdout   = "stdout"
)

// Config aggregates tracing and metrics configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Attributes 追加到 resource，覆盖同名的自动探测属性。
	Attributes map[string]string

	Tracing TracingConfig
	Metrics MetricsConfig
}

// TracingConfig controls tracer provider initialization.
type TracingConfig struct {
	Enabled            bool
	Exporter           string
	Endpoint           string
	Headers            map[string]string
	Insecure           bool
	SamplingRatio      float64
	BatchTimeout       time.Duration
	ExportTimeout      time.Duration
	MaxQueueSize       int
	MaxExportBatchSize int
	// Required 为 true 时初始化失败直接返回错误，否则降级为 no-op 并告警。
	Required bool
	// Writer 仅用于 stdout exporter，默认 os.Stdout。
	Writer io.Writer
}

// MetricsConfig controls meter provider initialization.
type MetricsConfig struct {
	Enabled             bool
	Exporter            string
	Endpoint            string
	Headers             map[string]string
	Insecure            bool
	Interval            time.Duration
	DisableRuntimeStats bool
	Required            bool
	Writer              io.Writer
}

// Normalize returns a copy with defaults applied.
func (c Config) Normalize() Config {
	n := c
	tr := &n.Tracing
	if tr.Exporter == "" {
		tr.Exporter = ExporterOTLPgRPC
	}
	if tr.SamplingRatio <= 0 || tr.SamplingRatio > 1 {
		tr.SamplingRatio = 1.0
	}
	if tr.BatchTimeout <= 0 {
		tr.BatchTimeout = 5 * time.Second
	}
	if tr.ExportTimeout <= 0 {
		tr.ExportTimeout = 10 * time.Second
	}
	if tr.MaxQueueSize <= 0 {
		tr.MaxQueueSize = 2048
	}
	if tr.MaxExportBatchSize <= 0 || tr.MaxExportBatchSize > tr.MaxQueueSize {
		tr.MaxExportBatchSize = min(512, tr.MaxQueueSize)
	}

	mt := &n.Metrics
	if mt.Exporter == "" {
		mt.Exporter = ExporterOTLPgRPC
	}
	if mt.Interval <= 0 {
		mt.Interval = 60 * time.Second
	}
	return n
}

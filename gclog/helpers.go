package gclog

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel/trace"
)

// WithRepository labels entries with the repository they concern.
func WithRepository(logger log.Logger, name string) log.Logger {
	return withLabel(logger, KeyRepository, name)
}

// WithBackend labels entries with the storage backend name.
func WithBackend(logger log.Logger, name string) log.Logger {
	return withLabel(logger, KeyBackend, name)
}

// WithTransaction labels entries with an ambient transaction id.
func WithTransaction(logger log.Logger, txID string) log.Logger {
	return withLabel(logger, KeyTransaction, txID)
}

func withLabel(logger log.Logger, key, value string) log.Logger {
	if value == "" {
		return logger
	}
	return log.With(logger, key, value)
}

// traceValuer reads the active span of the log call's context.
func traceValuer(field func(trace.SpanContext) string) log.Valuer {
	return func(ctx context.Context) any {
		if ctx == nil {
			return ""
		}
		return field(trace.SpanContextFromContext(ctx))
	}
}

func traceIDOf(sc trace.SpanContext) string {
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func spanIDOf(sc trace.SpanContext) string {
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}

// NewTestLogger 返回写入内存缓冲区的 logger，供测试断言输出。
func NewTestLogger(opts ...Option) (log.Logger, *bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	logger, err := NewLogger(append(opts, WithWriter(buf))...)
	if err != nil {
		return nil, nil, err
	}
	return logger, buf, nil
}

// StubTraceContext returns ctx carrying fixed trace and span ids. Short hex
// strings are left-padded with zeros.
func StubTraceContext(ctx context.Context, traceID, spanID string) context.Context {
	var cfg trace.SpanContextConfig
	if b, err := hex.DecodeString(padHex(traceID, 32)); err == nil {
		copy(cfg.TraceID[:], b)
	}
	if b, err := hex.DecodeString(padHex(spanID, 16)); err == nil {
		copy(cfg.SpanID[:], b)
	}
	cfg.TraceFlags = trace.FlagsSampled
	return trace.ContextWithSpanContext(ctx, trace.NewSpanContext(cfg))
}

func padHex(value string, length int) string {
	value = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "0x")
	if len(value) >= length {
		return value[len(value)-length:]
	}
	return strings.Repeat("0", length-len(value)) + value
}

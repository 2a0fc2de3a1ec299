package telemetry

import (
	"errors"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// exporterLogger 把导出相关的诊断信息统一输出到 kratos logger。
type exporterLogger struct {
	helper *log.Helper

	mu       sync.Mutex
	failures int
	lastCode codes.Code
}

func newExporterLogger(logger log.Logger) *exporterLogger {
	return &exporterLogger{helper: log.NewHelper(logger)}
}

func (l *exporterLogger) remember(attempt int, code codes.Code) {
	l.mu.Lock()
	l.failures = attempt
	l.lastCode = code
	l.mu.Unlock()
}

func (l *exporterLogger) logRetry(err error, attempt int, next, throttle time.Duration, code codes.Code) {
	l.remember(attempt, code)
	fields := []any{
		"msg", "telemetry exporter retry scheduled",
		"attempt", attempt,
		"grpc_code", code.String(),
		"next_backoff", next,
		"error", err,
	}
	if throttle > 0 {
		fields = append(fields, "throttle_delay", throttle)
	}
	l.helper.Warnw(fields...)
}

func (l *exporterLogger) logPermanentFailure(err error, attempt int, code codes.Code) {
	l.remember(attempt, code)
	l.helper.Errorw(
		"msg", "telemetry exporter gave up",
		"attempt", attempt,
		"grpc_code", code.String(),
		"error", err,
	)
}

func (l *exporterLogger) logContextFailure(err error, attempt int) {
	l.remember(attempt, codes.Canceled)
	l.helper.Errorw(
		"msg", "telemetry exporter aborted by context",
		"attempt", attempt,
		"error", err,
	)
}

// logRecovery only speaks after earlier failures.
func (l *exporterLogger) logRecovery(spans, attempts int, elapsed time.Duration) {
	l.mu.Lock()
	hadFailures := l.failures > 0
	prev := l.lastCode
	l.failures = 0
	l.lastCode = codes.OK
	l.mu.Unlock()

	if !hadFailures {
		return
	}
	l.helper.Infow(
		"msg", "telemetry exporter recovered",
		"attempts", attempts,
		"duration", elapsed,
		"span_count", spans,
		"last_grpc_code", prev.String(),
	)
}

// loggedExporterError marks errors the retrying client has already logged.
type loggedExporterError struct {
	err error
}

func (e *loggedExporterError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *loggedExporterError) Unwrap() error { return e.err }

// errorHandler routes otel's global errors into the exporter logger.
type errorHandler struct {
	logger *exporterLogger
}

var _ otel.ErrorHandler = (*errorHandler)(nil)

func (h *errorHandler) Handle(err error) {
	if err == nil {
		return
	}
	var logged *loggedExporterError
	if errors.As(err, &logged) {
		return
	}
	fields := []any{"msg", "otel error", "error", err}
	if st, ok := status.FromError(err); ok {
		fields = append(fields, "grpc_code", st.Code().String())
	}
	h.logger.helper.Errorw(fields...)
}

package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	errdetails "google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// retryingClient wraps the OTLP gRPC client with its own backoff so every
// retry and recovery is logged through kratos.
type retryingClient struct {
	delegate otlptrace.Client
	logger   *exporterLogger
	settings retrySettings
}

type retrySettings struct {
	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsed      time.Duration
}

func defaultRetrySettings() retrySettings {
	return retrySettings{
		initialInterval: 5 * time.Second,
		maxInterval:     30 * time.Second,
		maxElapsed:      time.Minute,
	}
}

func newRetryingExporter(ctx context.Context, settings retrySettings, logger *exporterLogger, clientOpts ...otlptracegrpc.Option) (sdktrace.SpanExporter, error) {
	// 关闭 otlptracegrpc 自带的重试，由 retryingClient 统一回退
	clientOpts = append(clientOpts, otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{Enabled: false}))
	return otlptrace.New(ctx, &retryingClient{
		delegate: otlptracegrpc.NewClient(clientOpts...),
		logger:   logger,
		settings: settings,
	})
}

func (c *retryingClient) Start(ctx context.Context) error { return c.delegate.Start(ctx) }

func (c *retryingClient) Stop(ctx context.Context) error { return c.delegate.Stop(ctx) }

// UploadTraces retries retryable gRPC failures with exponential backoff,
// honouring server RetryInfo, until maxElapsed would be exceeded.
func (c *retryingClient) UploadTraces(ctx context.Context, spans []*tracepb.ResourceSpans) error {
	attempt := 0
	start := time.Now()

	seq := backoff.NewExponentialBackOff()
	seq.InitialInterval = c.settings.initialInterval
	seq.MaxInterval = c.settings.maxInterval
	seq.Reset()

	for {
		err := c.delegate.UploadTraces(ctx, spans)
		if err == nil {
			c.logger.logRecovery(spanCount(spans), attempt, time.Since(start))
			return nil
		}
		attempt++

		retryable, code, throttle := classifyExportError(err)
		if !retryable {
			c.logger.logPermanentFailure(err, attempt, code)
			return &loggedExporterError{err: err}
		}

		delay := nextDelay(seq, throttle)
		if c.settings.maxElapsed > 0 && time.Since(start)+delay > c.settings.maxElapsed {
			finalErr := fmt.Errorf("telemetry: span export retry budget exhausted: %w", err)
			c.logger.logPermanentFailure(finalErr, attempt, code)
			return &loggedExporterError{err: finalErr}
		}
		c.logger.logRetry(err, attempt, delay, throttle, code)

		if err := sleepCtx(ctx, delay); err != nil {
			finalErr := fmt.Errorf("telemetry: span export retry aborted: %w", err)
			c.logger.logContextFailure(finalErr, attempt)
			return &loggedExporterError{err: finalErr}
		}
	}
}

func classifyExportError(err error) (retryable bool, code codes.Code, throttle time.Duration) {
	if err == nil {
		return false, codes.OK, 0
	}
	s, ok := status.FromError(err)
	if !ok {
		return false, codes.Unknown, 0
	}
	switch s.Code() {
	case codes.Canceled, codes.DeadlineExceeded, codes.Aborted, codes.OutOfRange,
		codes.Unavailable, codes.DataLoss, codes.ResourceExhausted:
		return true, s.Code(), retryDelay(s)
	}
	return false, s.Code(), 0
}

func retryDelay(s *status.Status) time.Duration {
	for _, detail := range s.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok {
			return info.RetryDelay.AsDuration()
		}
	}
	return 0
}

func nextDelay(seq *backoff.ExponentialBackOff, throttle time.Duration) time.Duration {
	delay := seq.NextBackOff()
	if delay == backoff.Stop {
		delay = seq.MaxInterval
	}
	return max(delay, throttle)
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return context.Cause(ctx)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

func spanCount(spans []*tracepb.ResourceSpans) int {
	total := 0
	for _, rs := range spans {
		if rs == nil {
			continue
		}
		for _, ss := range rs.ScopeSpans {
			if ss != nil {
				total += len(ss.Spans)
			}
		}
	}
	return total
}

// TestingClassifyExportError exposes the retry classification to tests.
func TestingClassifyExportError(err error) (bool, codes.Code, time.Duration) {
	return classifyExportError(err)
}

// TestingSpanCount exposes span counting to tests.
func TestingSpanCount(spans []*tracepb.ResourceSpans) int {
	return spanCount(spans)
}

package telemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bionicotaku/lingo-dbs/telemetry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer() (*telemetry.QueryTracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return telemetry.NewQueryTracer(tp), recorder
}

func TestQueryTracerRecordsStatement(t *testing.T) {
	tracer, recorder := newRecordingTracer()
	sql := "insert into dbs_documents (id, state) values ($1, $2)"

	ctx := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: sql, Args: []any{"doc-1", "{}"}})
	assert.True(t, trace.SpanContextFromContext(ctx).IsValid())
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("INSERT 0 1")})

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "pg.insert", span.Name())
	assert.Equal(t, trace.SpanKindClient, span.SpanKind())

	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "postgresql", attrs["db.system"])
	assert.Equal(t, sql, attrs["db.query.text"])
	assert.Equal(t, "1", attrs["db.rows_affected"])
	for _, v := range attrs {
		assert.NotContains(t, v, "doc-1", "arguments stay out of spans")
	}
}

func TestQueryTracerMarksErrors(t *testing.T) {
	tracer, recorder := newRecordingTracer()
	boom := errors.New("duplicate key")

	ctx := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "  "})
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: boom})

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "pg.query", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

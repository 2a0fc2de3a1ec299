package telemetry

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const pgxInstrumentation = "github.com/bionicotaku/lingo-dbs/telemetry/pgx"

// QueryTracer opens a client span per pgx statement. SQL text is recorded,
// arguments are not.
type QueryTracer struct {
	tracer trace.Tracer
}

var _ pgx.QueryTracer = (*QueryTracer)(nil)

// NewQueryTracer builds a tracer on tp, or on the global provider when tp is nil.
func NewQueryTracer(tp trace.TracerProvider) *QueryTracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &QueryTracer{tracer: tp.Tracer(pgxInstrumentation)}
}

func (t *QueryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	op := operationName(data.SQL)
	attrs := []attribute.KeyValue{
		semconv.DBSystemPostgreSQL,
		semconv.DBOperationName(op),
		semconv.DBQueryText(data.SQL),
	}
	if conn != nil {
		if cfg := conn.Config(); cfg != nil {
			attrs = append(attrs, semconv.DBNamespace(cfg.Database))
		}
	}
	ctx, _ = t.tracer.Start(ctx, "pg."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx
}

func (t *QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span := trace.SpanFromContext(ctx)
	if data.Err != nil {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, data.Err.Error())
	} else {
		span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
	}
	span.End()
}

// operationName is the statement's leading keyword, lower-cased.
func operationName(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "query"
	}
	return strings.ToLower(fields[0])
}

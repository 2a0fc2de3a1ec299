package pgstore

import (
	"context"
	"io"
	"time"

	"github.com/bionicotaku/lingo-dbs/dbs"
	"github.com/bionicotaku/lingo-dbs/gclog"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Dependencies lists collaborators required during component construction.
// Callers may omit optional fields to fall back onto sensible defaults.
type Dependencies struct {
	Logger log.Logger
	Meter  metric.Meter
	// Tracer runs ahead of the built-in query logger on every statement.
	Tracer pgx.QueryTracer
	Clock  func() time.Time

	// ApplyHooks run inside every batch transaction after the document
	// writes, in order. A hook error rolls the whole batch back.
	ApplyHooks []ApplyHook
}

// ApplyHook observes a batch within its database transaction.
type ApplyHook func(ctx context.Context, tx pgx.Tx, batch dbs.Batch) error

type componentDeps struct {
	logger log.Logger
	meter  metric.Meter
	tracer pgx.QueryTracer
	clock  func() time.Time
	hooks  []ApplyHook
}

func sanitizeDependencies(deps Dependencies) componentDeps {
	logger := deps.Logger
	if logger == nil {
		logger = log.NewStdLogger(io.Discard)
	}
	logger = gclog.WithBackend(logger, backendName)

	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("lingo-dbs/pgstore")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	var tracer pgx.QueryTracer = newQueryLogger(log.NewHelper(logger), clock)
	if deps.Tracer != nil {
		tracer = queryTracers{deps.Tracer, tracer}
	}

	return componentDeps{
		logger: logger,
		meter:  meter,
		tracer: tracer,
		clock:  clock,
		hooks:  append([]ApplyHook(nil), deps.ApplyHooks...),
	}
}

package pgstore

import (
	"context"
	"io"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jackc/pgx/v5"
)

type queryStartKey struct{}

type queryLogger struct {
	helper *log.Helper
	clock  func() time.Time
}

func newQueryLogger(helper *log.Helper, clock func() time.Time) pgx.QueryTracer {
	if helper == nil {
		helper = log.NewHelper(log.NewStdLogger(io.Discard))
	}
	if clock == nil {
		clock = time.Now
	}
	return &queryLogger{helper: helper, clock: clock}
}

// TraceQueryStart stamps the start time so the end event can report latency.
func (l *queryLogger) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, l.clock())
}

// TraceQueryEnd logs failures without including SQL text or arguments, which
// carry document state.
func (l *queryLogger) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	var elapsed time.Duration
	if start, ok := ctx.Value(queryStartKey{}).(time.Time); ok {
		elapsed = l.clock().Sub(start)
	}
	if data.Err != nil {
		l.helper.Errorf("pgstore: query failed: command_tag=%s elapsed=%s err=%v", data.CommandTag.String(), elapsed, data.Err)
		return
	}
	l.helper.Debugf("pgstore: query done: command_tag=%s elapsed=%s", data.CommandTag.String(), elapsed)
}

// queryTracers fans one query out to several tracers, in order.
type queryTracers []pgx.QueryTracer

func (ts queryTracers) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	for _, t := range ts {
		ctx = t.TraceQueryStart(ctx, conn, data)
	}
	return ctx
}

func (ts queryTracers) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	for i := len(ts) - 1; i >= 0; i-- {
		ts[i].TraceQueryEnd(ctx, conn, data)
	}
}

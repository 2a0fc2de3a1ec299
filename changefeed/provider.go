package changefeed

import (
	"context"
	"errors"
	"io"

	"github.com/bionicotaku/lingo-dbs/gcpubsub"
	"github.com/bionicotaku/lingo-dbs/pgstore"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"
)

// Component bundles the outbox store, the relay draining it and the inbox
// used by listeners.
type Component struct {
	Store *OutboxStore
	Inbox *InboxStore
	Relay *Relay
}

// NewComponent creates the outbox and inbox tables when AutoMigrate is on and
// builds a relay over pool. The caller runs Relay.Run.
func NewComponent(ctx context.Context, cfg Config, pool *pgxpool.Pool, pub gcpubsub.Publisher, logger log.Logger, meter metric.Meter) (*Component, error) {
	if pool == nil {
		return nil, errors.New("changefeed: pgx pool is required")
	}
	if logger == nil {
		logger = log.NewStdLogger(io.Discard)
	}
	n := cfg.Normalize()
	if n.AutoMigrateEnabled() {
		if err := EnsureSchema(ctx, pool, n); err != nil {
			return nil, err
		}
		if err := EnsureInboxSchema(ctx, pool, n); err != nil {
			return nil, err
		}
	}
	store := NewOutboxStore(pool, n)
	relay, err := NewRelay(store, pub, n, logger, meter)
	if err != nil {
		return nil, err
	}
	log.NewHelper(logger).Infof("changefeed ready: table=%s.%s source=%s workers=%d", n.Schema, n.Table, n.Source, n.Workers)
	return &Component{Store: store, Inbox: NewInboxStore(pool, n), Relay: relay}, nil
}

// ProvideComponent adapts NewComponent to a pgstore component.
func ProvideComponent(ctx context.Context, cfg Config, pg *pgstore.Component, pub gcpubsub.Publisher, logger log.Logger) (*Component, error) {
	if pg == nil {
		return nil, errors.New("changefeed: pgstore component is required")
	}
	return NewComponent(ctx, cfg, pg.Pool, pub, logger, nil)
}

// ProvideApplyHook exposes a recorder as a pgstore apply hook.
func ProvideApplyHook(cfg Config) pgstore.ApplyHook {
	return NewRecorder(cfg).Record
}

// ProviderSet wires the change feed for Wire-based injection.
var ProviderSet = wire.NewSet(ProvideComponent, ProvideApplyHook)

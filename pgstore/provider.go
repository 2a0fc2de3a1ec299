package pgstore

import (
	"context"

	"github.com/bionicotaku/lingo-dbs/dbs"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// ProvideComponent builds a Component using the shared logger and default
// dependency set.
func ProvideComponent(ctx context.Context, cfg Config, logger log.Logger) (*Component, func(), error) {
	deps := Dependencies{Logger: logger}
	return NewComponent(ctx, cfg, deps)
}

// ProvideStore exposes the document store for downstream injection.
func ProvideStore(component *Component) *Store {
	if component == nil {
		return nil
	}
	return component.Store
}

// ProviderSet wires the pgstore component and binds it as the repository backend.
var ProviderSet = wire.NewSet(ProvideComponent, ProvideStore, wire.Bind(new(dbs.Backend), new(*Store)))

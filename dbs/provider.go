package dbs

import (
	"context"

	"github.com/bionicotaku/lingo-dbs/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// Component wraps a constructed Repository together with the registry it
// shares sessions through.
type Component struct {
	Repository *Repository
	Registry   *Registry
}

// NewComponent builds a repository over backend, creating its root document
// when missing. The cleanup closes the repository; the backend belongs to its
// own component.
func NewComponent(ctx context.Context, cfg Config, backend Backend, lookup TransactionLookup, registry *Registry, logger log.Logger, opts ...Option) (*Component, func(), error) {
	repo, err := NewRepository(cfg, backend, lookup, registry, append([]Option{WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, nil, err
	}
	if err := repo.InitRoot(ctx); err != nil {
		_ = repo.Close(ctx)
		return nil, nil, err
	}
	cleanup := func() {
		_ = repo.Close(context.Background())
	}
	return &Component{Repository: repo, Registry: registry}, cleanup, nil
}

// ProvideRepository exposes the Repository for Wire injection.
func ProvideRepository(comp *Component) *Repository {
	if comp == nil {
		return nil
	}
	return comp.Repository
}

// ProvideComponent builds the component with the default option set.
func ProvideComponent(ctx context.Context, cfg Config, backend Backend, lookup TransactionLookup, registry *Registry, logger log.Logger) (*Component, func(), error) {
	return NewComponent(ctx, cfg, backend, lookup, registry, logger)
}

// ProviderSet wires a repository over the process transaction manager.
var ProviderSet = wire.NewSet(
	NewRegistry,
	ProvideComponent,
	ProvideRepository,
	wire.Bind(new(TransactionLookup), new(txmanager.Manager)),
)

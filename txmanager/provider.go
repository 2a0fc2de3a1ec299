package txmanager

import (
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"go.opentelemetry.io/otel"
)

// Component wraps the constructed Manager and aligns with the shared component
// pattern used by the other packages (gclog, pgstore, dbs).
type Component struct {
	Manager Manager
}

// NewComponent builds a transaction manager using the provided configuration
// and structured logger. Global meter/tracer providers are used unless opts
// override them.
func NewComponent(cfg Config, logger log.Logger, opts ...Option) (*Component, func(), error) {
	sanitized := cfg.sanitized()
	defaultOpts := []Option{
		WithMeter(otel.GetMeterProvider().Meter(sanitized.MeterName)),
		WithTracer(otel.Tracer(sanitized.MeterName)),
		WithLogger(logger),
	}
	manager := NewManager(cfg, append(defaultOpts, opts...)...)
	comp := &Component{Manager: manager}
	cleanup := func() {}
	return comp, cleanup, nil
}

// ProvideManager exposes the Manager interface for Wire injection.
func ProvideManager(comp *Component) Manager {
	return comp.Manager
}

// ProviderSet collects constructors for Wire integration.
var ProviderSet = wire.NewSet(NewComponent, ProvideManager)

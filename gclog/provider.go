package gclog

import (
	"context"
	"maps"
	"os"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

const flushTimeout = 5 * time.Second

// Config describes the process the entries come from.
type Config struct {
	Service     string
	Version     string
	Environment string
	// ProjectID qualifies trace ids so Cloud Logging links entries to traces.
	ProjectID string
	// InstanceID is emitted as the instance_id label; it defaults to the host
	// name.
	InstanceID           string
	StaticLabels         map[string]string
	EnableSourceLocation bool
}

// Component bundles the logger handed to every other component.
type Component struct {
	Logger log.Logger
	base   *Logger
}

// NewComponent builds the logger. Entries logged with a context carry the
// active span's trace and span ids. The cleanup syncs the output.
func NewComponent(cfg Config) (*Component, func(), error) {
	labels := maps.Clone(cfg.StaticLabels)
	if labels == nil {
		labels = make(map[string]string, 1)
	}
	instance := cfg.InstanceID
	if instance == "" {
		instance, _ = os.Hostname()
	}
	if instance != "" {
		labels["instance_id"] = instance
	}

	opts := []Option{
		WithService(cfg.Service),
		WithVersion(cfg.Version),
		WithEnvironment(cfg.Environment),
		WithProjectID(cfg.ProjectID),
		WithStaticLabels(labels),
	}
	if cfg.EnableSourceLocation {
		opts = append(opts, EnableSourceLocation())
	}
	base, err := NewLogger(opts...)
	if err != nil {
		return nil, nil, err
	}

	comp := &Component{
		Logger: log.With(base, traceKey, traceValuer(traceIDOf), spanKey, traceValuer(spanIDOf)),
		base:   base,
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		_ = comp.base.Flush(ctx)
	}
	return comp, cleanup, nil
}

func ProvideLogger(comp *Component) log.Logger {
	return comp.Logger
}

func ProvideHelper(comp *Component) *log.Helper {
	return log.NewHelper(comp.Logger)
}

// ProviderSet wires the logging component for Wire-based injection.
var ProviderSet = wire.NewSet(NewComponent, ProvideLogger, ProvideHelper)

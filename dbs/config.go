package dbs

import "strings"

const (
	defaultRepositoryName = "default"
	defaultMeterName      = "lingo-dbs.repository"
	// DefaultRootID is the id of the repository root document.
	DefaultRootID = "00000000-0000-0000-0000-000000000000"
	// RootType is the primary type of the root document.
	RootType = "Root"
)

// Config describes one repository.
type Config struct {
	// Name identifies the repository in registry keys, logs and metrics. Default "default".
	Name string
	// RootID overrides the id InitRoot uses.
	RootID string
	// MeterName is the OpenTelemetry meter name. Default "lingo-dbs.repository".
	MeterName string
	// MetricsEnabled toggles repository metrics; nil means enabled.
	MetricsEnabled *bool
}

func (c Config) sanitized() Config {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = defaultRepositoryName
	}
	c.RootID = strings.TrimSpace(c.RootID)
	if c.RootID == "" {
		c.RootID = DefaultRootID
	}
	c.MeterName = strings.TrimSpace(c.MeterName)
	if c.MeterName == "" {
		c.MeterName = defaultMeterName
	}
	return c
}

// MetricsEnabledValue resolves the metrics switch.
func (c Config) MetricsEnabledValue() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

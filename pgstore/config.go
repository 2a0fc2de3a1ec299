package pgstore

import (
	"errors"
	"strings"
	"time"
)

const (
	defaultHealthCheckTimeout = 5 * time.Second
	defaultSchema             = "public"
	defaultTable              = "dbs_documents"
	defaultConnectInterval    = 500 * time.Millisecond
)

// Config captures the PostgreSQL pool and document table settings. All fields
// are optional except DSN.
type Config struct {
	DSN                string
	MaxConns           int32
	MinConns           int32
	MaxConnLifetime    time.Duration
	MaxConnIdleTime    time.Duration
	HealthCheckPeriod  time.Duration
	HealthCheckTimeout time.Duration
	// ConnectRetries is how many extra health checks run before giving up at startup.
	ConnectRetries int
	// ConnectRetryInterval is the initial backoff between startup health checks.
	ConnectRetryInterval time.Duration
	Schema               string
	Table                string
	// AutoMigrate creates the document table when missing; nil means true.
	AutoMigrate        *bool
	EnablePreparedStmt *bool
	MetricsEnabled     *bool
}

// Sanitize validates mandatory fields and applies default values. It returns a
// new Config instance, leaving the original untouched.
func (c Config) Sanitize() (Config, error) {
	if strings.TrimSpace(c.DSN) == "" {
		return Config{}, errors.New("pgstore: dsn is required")
	}

	s := c
	s.DSN = strings.TrimSpace(c.DSN)

	if s.HealthCheckTimeout <= 0 {
		s.HealthCheckTimeout = defaultHealthCheckTimeout
	}
	if s.ConnectRetries < 0 {
		s.ConnectRetries = 0
	}
	if s.ConnectRetryInterval <= 0 {
		s.ConnectRetryInterval = defaultConnectInterval
	}

	s.Schema = strings.TrimSpace(s.Schema)
	if s.Schema == "" {
		s.Schema = defaultSchema
	}
	s.Table = strings.TrimSpace(s.Table)
	if s.Table == "" {
		s.Table = defaultTable
	}

	if s.AutoMigrate == nil {
		s.AutoMigrate = boolPtr(true)
	}
	if s.EnablePreparedStmt == nil {
		s.EnablePreparedStmt = boolPtr(false)
	}
	if s.MetricsEnabled == nil {
		s.MetricsEnabled = boolPtr(false)
	}

	return s, nil
}

func (c Config) AutoMigrateEnabled() bool {
	if c.AutoMigrate == nil {
		return true
	}
	return *c.AutoMigrate
}

func (c Config) PreparedStatementsEnabled() bool {
	if c.EnablePreparedStmt == nil {
		return false
	}
	return *c.EnablePreparedStmt
}

func (c Config) MetricsEnabledValue() bool {
	if c.MetricsEnabled == nil {
		return false
	}
	return *c.MetricsEnabled
}

func boolPtr(v bool) *bool {
	b := v
	return &b
}

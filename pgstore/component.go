// Package pgstore is a PostgreSQL dbs.Backend built on a pgx connection pool.
package pgstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Component aggregates the document store and the pool it runs on.
type Component struct {
	Store  *Store
	Pool   *pgxpool.Pool
	helper *log.Helper
}

// NewComponent builds and validates a PostgreSQL connection pool, creates the
// document table when AutoMigrate is on, and returns the store over it.
func NewComponent(ctx context.Context, cfg Config, deps Dependencies) (*Component, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}

	sanitized, err := cfg.Sanitize()
	if err != nil {
		return nil, nil, err
	}

	dep := sanitizeDependencies(deps)
	helper := log.NewHelper(dep.logger)

	poolConfig, err := pgxpool.ParseConfig(sanitized.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}

	if sanitized.MaxConns > 0 {
		poolConfig.MaxConns = sanitized.MaxConns
	}
	if sanitized.MinConns > 0 {
		poolConfig.MinConns = sanitized.MinConns
	}
	if sanitized.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = sanitized.MaxConnLifetime
	}
	if sanitized.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = sanitized.MaxConnIdleTime
	}
	if sanitized.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = sanitized.HealthCheckPeriod
	}

	poolConfig.ConnConfig.Tracer = dep.tracer
	if !sanitized.PreparedStatementsEnabled() {
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("pgstore: create pool: %w", err)
	}

	telemetry := &storeTelemetry{}
	if sanitized.MetricsEnabledValue() {
		telemetry = newStoreTelemetry(dep.meter, helper, pool)
	}

	version, err := connectWithRetry(ctx, pool, sanitized, telemetry, dep.clock, helper)
	if err != nil {
		telemetry.shutdown()
		pool.Close()
		return nil, nil, err
	}

	if sanitized.AutoMigrateEnabled() {
		if err := ensureSchema(ctx, pool, sanitized.Schema, sanitized.Table); err != nil {
			telemetry.shutdown()
			pool.Close()
			return nil, nil, err
		}
	}

	helper.Infof("pgstore ready: dsn=%s table=%s.%s max_conns=%d min_conns=%d prepared_statements=%t version=%s",
		sanitizeDSN(sanitized.DSN),
		sanitized.Schema,
		sanitized.Table,
		poolConfig.MaxConns,
		poolConfig.MinConns,
		sanitized.PreparedStatementsEnabled(),
		version,
	)

	store := &Store{
		pool:    pool,
		table:   pgx.Identifier{sanitized.Schema, sanitized.Table}.Sanitize(),
		helper:  helper,
		metrics: telemetry,
		clock:   dep.clock,
		hooks:   dep.hooks,
	}
	component := &Component{Store: store, Pool: pool, helper: helper}

	cleanup := func() {
		_ = store.Close(context.Background())
	}

	return component, cleanup, nil
}

// connectWithRetry pings the database, backing off between attempts until
// ConnectRetries is exhausted.
func connectWithRetry(ctx context.Context, pool *pgxpool.Pool, cfg Config, telemetry *storeTelemetry, clock func() time.Time, helper *log.Helper) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ConnectRetryInterval
	bo.Reset()

	for attempt := 0; ; attempt++ {
		start := clock()
		version, err := pingDatabase(ctx, pool, cfg.HealthCheckTimeout)
		telemetry.recordHealthCheck(ctx, clock().Sub(start), err)
		if err == nil {
			return version, nil
		}
		if attempt >= cfg.ConnectRetries {
			return "", err
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return "", err
		}
		helper.Warnf("pgstore: health check attempt %d failed, retrying in %s: %v", attempt+1, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func pingDatabase(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) (string, error) {
	healthCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := pool.Ping(healthCtx); err != nil {
		return "", fmt.Errorf("pgstore: ping: %w", err)
	}

	var version string
	if err := pool.QueryRow(healthCtx, "select version()").Scan(&version); err != nil {
		return "", fmt.Errorf("pgstore: version query: %w", err)
	}

	return truncateVersion(version), nil
}

func sanitizeDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(username, "***")
		}
	}

	return parsed.String()
}

func truncateVersion(version string) string {
	if idx := strings.Index(version, "("); idx >= 0 {
		return strings.TrimSpace(version[:idx])
	}
	if len(version) > 100 {
		return version[:100] + "..."
	}
	return version
}

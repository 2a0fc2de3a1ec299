package changefeed

import (
	"errors"
	"time"
)

const (
	defaultSchema         = "public"
	defaultTable          = "dbs_outbox"
	defaultInboxTable     = "dbs_inbox"
	defaultSource         = "lingo-dbs"
	defaultBatchSize      = 100
	defaultTickInterval   = time.Second
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultMaxAttempts    = 20
	defaultPublishTimeout = 10 * time.Second
	defaultWorkers        = 4
	defaultLockTTL        = 2 * time.Minute
	defaultMeterName      = "lingo-dbs.changefeed"
)

// Config 控制变更事件的落库与发布。
type Config struct {
	// Schema/Table 指定 outbox 表，默认 public.dbs_outbox。
	Schema string
	Table  string
	// InboxTable 记录监听端已处理的事件，默认 dbs_inbox，与 outbox 同 schema。
	InboxTable string
	// Source 写入每条事件，同时作为 Pub/Sub ordering key。
	Source string
	// AutoMigrate 为 nil 时默认建表。
	AutoMigrate *bool

	BatchSize      int
	TickInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts 之后事件仍会重试，但每次失败都会告警。
	MaxAttempts    int
	PublishTimeout time.Duration
	Workers        int
	// LockTTL 之后其他 relay 实例可以重新认领未完成的事件。
	LockTTL        time.Duration
	MeterName      string
	MetricsEnabled *bool
}

// Normalize 返回填充默认值后的副本。
func (c Config) Normalize() Config {
	n := c
	if n.Schema == "" {
		n.Schema = defaultSchema
	}
	if n.Table == "" {
		n.Table = defaultTable
	}
	if n.InboxTable == "" {
		n.InboxTable = defaultInboxTable
	}
	if n.Source == "" {
		n.Source = defaultSource
	}
	if n.AutoMigrate == nil {
		n.AutoMigrate = boolPtr(true)
	}
	if n.BatchSize <= 0 {
		n.BatchSize = defaultBatchSize
	}
	if n.TickInterval <= 0 {
		n.TickInterval = defaultTickInterval
	}
	if n.InitialBackoff <= 0 {
		n.InitialBackoff = defaultInitialBackoff
	}
	if n.MaxBackoff <= 0 {
		n.MaxBackoff = defaultMaxBackoff
	}
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = defaultMaxAttempts
	}
	if n.PublishTimeout <= 0 {
		n.PublishTimeout = defaultPublishTimeout
	}
	if n.Workers <= 0 {
		n.Workers = defaultWorkers
	}
	if n.Workers > n.BatchSize {
		n.Workers = n.BatchSize
	}
	if n.LockTTL <= 0 {
		n.LockTTL = defaultLockTTL
	}
	if n.MeterName == "" {
		n.MeterName = defaultMeterName
	}
	if n.MetricsEnabled == nil {
		n.MetricsEnabled = boolPtr(true)
	}
	return n
}

// Validate checks a normalized config.
func (c Config) Validate() error {
	if c.MaxBackoff < c.InitialBackoff {
		return errors.New("changefeed: max backoff must not be below initial backoff")
	}
	if c.LockTTL <= c.PublishTimeout {
		return errors.New("changefeed: lock ttl must exceed publish timeout")
	}
	return nil
}

// AutoMigrateEnabled reports whether the outbox table is created on start.
func (c Config) AutoMigrateEnabled() bool {
	return c.AutoMigrate == nil || *c.AutoMigrate
}

// MetricsEnabledValue reports whether relay metrics are recorded.
func (c Config) MetricsEnabledValue() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

func boolPtr(v bool) *bool {
	return &v
}

// Package gcpubsub 封装 Google Cloud Pub/Sub 的发布与 StreamingPull 消费，
// 用于投递文档变更事件。
package gcpubsub

import "time"

const (
	defaultPublishTimeout         = 10 * time.Second
	defaultMeterName              = "lingo-dbs.gcpubsub"
	defaultReceiveNumGoroutines   = 1
	defaultMaxOutstandingMessages = 1000
	defaultMaxOutstandingBytes    = 64 << 20
	defaultMaxExtension           = time.Minute
	defaultMaxExtensionPeriod     = 10 * time.Minute
	defaultGRPCConnPoolSize       = 4
)

// Config 定义 Pub/Sub 组件的运行参数。
type Config struct {
	ProjectID        string        `json:"projectID"`
	TopicID          string        `json:"topicID"`
	SubscriptionID   string        `json:"subscriptionID"`
	PublishTimeout   time.Duration `json:"publishTimeout"`
	EmulatorEndpoint string        `json:"emulatorEndpoint"`
	MeterName        string        `json:"meterName"`

	// OrderingKeyEnabled 为 nil 时默认开启有序投递。
	OrderingKeyEnabled *bool `json:"orderingKeyEnabled"`
	EnableLogging      *bool `json:"enableLogging"`
	EnableMetrics      *bool `json:"enableMetrics"`

	Receive ReceiveConfig `json:"receive"`
}

// ReceiveConfig 定义 StreamingPull 的并发与流控设置。
type ReceiveConfig struct {
	NumGoroutines          int           `json:"numGoroutines"`
	MaxOutstandingMessages int           `json:"maxOutstandingMessages"`
	MaxOutstandingBytes    int           `json:"maxOutstandingBytes"`
	MaxExtension           time.Duration `json:"maxExtension"`
	MaxExtensionPeriod     time.Duration `json:"maxExtensionPeriod"`
}

// Normalize 返回填充默认值后的配置副本。
func (c Config) Normalize() Config {
	s := c
	if s.PublishTimeout <= 0 {
		s.PublishTimeout = defaultPublishTimeout
	}
	if s.MeterName == "" {
		s.MeterName = defaultMeterName
	}
	if s.OrderingKeyEnabled == nil {
		s.OrderingKeyEnabled = boolPtr(true)
	}
	if s.EnableLogging == nil {
		s.EnableLogging = boolPtr(true)
	}
	if s.EnableMetrics == nil {
		s.EnableMetrics = boolPtr(true)
	}

	r := &s.Receive
	if r.NumGoroutines <= 0 {
		r.NumGoroutines = defaultReceiveNumGoroutines
	}
	if r.MaxOutstandingMessages <= 0 {
		r.MaxOutstandingMessages = defaultMaxOutstandingMessages
	}
	if r.MaxOutstandingBytes <= 0 {
		r.MaxOutstandingBytes = defaultMaxOutstandingBytes
	}
	if r.MaxExtension <= 0 {
		r.MaxExtension = defaultMaxExtension
	}
	if r.MaxExtensionPeriod <= 0 {
		r.MaxExtensionPeriod = defaultMaxExtensionPeriod
	}
	return s
}

// LoggingEnabled reports whether publish/receive results are logged.
func (c Config) LoggingEnabled() bool {
	return c.EnableLogging == nil || *c.EnableLogging
}

// MetricsEnabled reports whether publish/receive metrics are recorded.
func (c Config) MetricsEnabled() bool {
	return c.EnableMetrics == nil || *c.EnableMetrics
}

// OrderingKeyEnabledValue reports whether ordering keys are forwarded.
func (c Config) OrderingKeyEnabledValue() bool {
	return c.OrderingKeyEnabled == nil || *c.OrderingKeyEnabled
}

func boolPtr(v bool) *bool {
	return &v
}

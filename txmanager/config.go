package txmanager

import "time"

const (
	defaultMeterName            = "lingo-dbs.txmanager"
	defaultTimeout              = 30 * time.Second
	defaultRetryInitialInterval = 50 * time.Millisecond
	defaultRetryMaxInterval     = time.Second
)

// Config controls default behaviour of the transaction manager component.
type Config struct {
	DefaultTimeout       time.Duration `json:"defaultTimeout" yaml:"defaultTimeout"`
	MaxRetries           int           `json:"maxRetries" yaml:"maxRetries"`
	RetryInitialInterval time.Duration `json:"retryInitialInterval" yaml:"retryInitialInterval"`
	RetryMaxInterval     time.Duration `json:"retryMaxInterval" yaml:"retryMaxInterval"`
	MeterName            string        `json:"meterName" yaml:"meterName"`
	MetricsEnabled       *bool         `json:"metricsEnabled" yaml:"metricsEnabled"`
}

func (c Config) sanitized() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = defaultRetryInitialInterval
	}
	if c.RetryMaxInterval < c.RetryInitialInterval {
		c.RetryMaxInterval = defaultRetryMaxInterval
		if c.RetryMaxInterval < c.RetryInitialInterval {
			c.RetryMaxInterval = c.RetryInitialInterval
		}
	}
	if c.MeterName == "" {
		c.MeterName = defaultMeterName
	}
	return c
}

// MetricsEnabledValue reports the metrics switch; nil means enabled.
func (c Config) MetricsEnabledValue() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

// DefaultTxOptions builds the options applied when callers pass a zero
// TxOptions value.
func (c Config) DefaultTxOptions() TxOptions {
	cfg := c.sanitized()
	return TxOptions{
		Timeout:    cfg.DefaultTimeout,
		MaxRetries: cfg.MaxRetries,
	}
}

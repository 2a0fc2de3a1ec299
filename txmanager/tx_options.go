package txmanager

import "time"

// TxOptions captures per-call overrides controlling transaction behaviour.
type TxOptions struct {
	// Timeout bounds the transaction; a commit attempted after it elapsed
	// rolls back with ErrTxTimeout.
	Timeout time.Duration
	// TraceName overrides the span name and the tx.method metric attribute.
	TraceName string
	// MaxRetries bounds how many times WithinTx reruns fn after a retryable
	// failure.
	MaxRetries int
}

func mergeTxOptions(base, override TxOptions) TxOptions {
	result := base
	if override.Timeout > 0 {
		result.Timeout = override.Timeout
	}
	if override.TraceName != "" {
		result.TraceName = override.TraceName
	}
	if override.MaxRetries > 0 {
		result.MaxRetries = override.MaxRetries
	}
	return result
}

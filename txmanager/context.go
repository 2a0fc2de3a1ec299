package txmanager

import "context"

type transactionKey struct{}

// WithTransaction returns a copy of ctx carrying tx as the ambient transaction.
func WithTransaction(ctx context.Context, tx Transaction) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, transactionKey{}, tx)
}

// FromContext extracts the ambient transaction, or nil when ctx carries none.
func FromContext(ctx context.Context) Transaction {
	if ctx == nil {
		return nil
	}
	if tx, ok := ctx.Value(transactionKey{}).(Transaction); ok {
		return tx
	}
	return nil
}

package dbs

import "errors"

var (
	// ErrClosedHandle is returned by every non-identity operation on a handle
	// that was closed, either by its caller or by transaction completion.
	ErrClosedHandle = errors.New("dbs: cannot use closed connection handle")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("dbs: session is closed")
	// ErrManagedTransaction is returned when a caller tries to drive the
	// transaction boundary of a session bound to an ambient transaction.
	ErrManagedTransaction = errors.New("dbs: session transaction is managed by the ambient transaction")
	// ErrRegistration wraps failures to subscribe a transaction context for
	// completion notification.
	ErrRegistration = errors.New("dbs: cannot register transaction synchronization")
	// ErrTransactionCompleted is returned when a handle is requested from a
	// context whose transaction already completed.
	ErrTransactionCompleted = errors.New("dbs: transaction already completed")
	// ErrTransactionInProgress is returned by Begin on a session that already began.
	ErrTransactionInProgress = errors.New("dbs: session transaction already in progress")
	ErrRepositoryClosed      = errors.New("dbs: repository is closed")
	ErrNotFound              = errors.New("dbs: document not found")
	ErrDuplicateID           = errors.New("dbs: document id already exists")
)

// IsNotFound reports whether err signals a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

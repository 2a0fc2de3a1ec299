package txmanager

import "strconv"

// Status reports where a transaction is in its lifecycle. Values follow the
// usual OTS/JTA ordering so diagnostics line up with other transaction
// services.
type Status int

const (
	StatusActive Status = iota
	StatusMarkedRollback
	StatusPrepared
	StatusCommitted
	StatusRolledBack
	StatusUnknown
	StatusNoTransaction
	StatusPreparing
	StatusCommitting
	StatusRollingBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusMarkedRollback:
		return "marked_rollback"
	case StatusPrepared:
		return "prepared"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	case StatusUnknown:
		return "unknown"
	case StatusNoTransaction:
		return "no_transaction"
	case StatusPreparing:
		return "preparing"
	case StatusCommitting:
		return "committing"
	case StatusRollingBack:
		return "rolling_back"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Finished reports whether the status is terminal.
func (s Status) Finished() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

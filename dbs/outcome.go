package dbs

import "github.com/bionicotaku/lingo-dbs/txmanager"

// Outcome is how an ambient transaction ended, as far as the shared session
// is concerned.
type Outcome int

const (
	OutcomeCommitted Outcome = iota + 1
	OutcomeRolledBack
	// OutcomeOther covers every status that is neither committed nor rolled
	// back; the session is closed without being committed or rolled back.
	OutcomeOther
)

// OutcomeOf maps a completion status onto an Outcome.
func OutcomeOf(status txmanager.Status) Outcome {
	switch status {
	case txmanager.StatusCommitted:
		return OutcomeCommitted
	case txmanager.StatusRolledBack:
		return OutcomeRolledBack
	default:
		return OutcomeOther
	}
}

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeRolledBack:
		return "rolled_back"
	default:
		return "other"
	}
}

package domain

import "time"

// TargetItem is one goal the burst pursues, e.g. a course code.
type TargetItem struct {
	ID     string
	Label  string
	Params map[string]string
}

type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeRejected
	OutcomeOverloaded
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRejected:
		return "rejected"
	case OutcomeOverloaded:
		return "overloaded"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// AttemptRecord describes one dispatched request. Immutable once returned.
type AttemptRecord struct {
	RunID      string
	Item       TargetItem
	Seq        uint64
	DispatchAt time.Time
	Latency    time.Duration
	Outcome    Outcome
	Status     int
	Fragment   string // bounded response excerpt, diagnostics only
	Err        error
}

// BatchResult is one concurrent wave over a single item, in dispatch order.
type BatchResult struct {
	Item     TargetItem
	Attempts []AttemptRecord
}

// Count returns how many attempts in the batch ended with o.
func (b BatchResult) Count(o Outcome) int {
	n := 0
	for _, a := range b.Attempts {
		if a.Outcome == o {
			n++
		}
	}
	return n
}

type ArmState string

const (
	StateIdle    ArmState = "idle"
	StateWaiting ArmState = "waiting"
	StateArmed   ArmState = "armed"
	StateFiring  ArmState = "firing"
	StateStopped ArmState = "stopped"
)

// Goal selects what a success means for the rest of the run.
type Goal string

const (
	GoalFirstSuccess Goal = "first_success"
	GoalAllItems     Goal = "all_items"
)

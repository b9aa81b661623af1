package policy

import "salvo/internal/domain"

type Action int

const (
	Continue Action = iota
	RemoveItem
	StopAll
)

func (a Action) String() string {
	switch a {
	case RemoveItem:
		return "remove_item"
	case StopAll:
		return "stop_all"
	default:
		return "continue"
	}
}

// Decision is the verdict on one batch. ItemID is set for RemoveItem and for
// StopAll when it was triggered by a success.
type Decision struct {
	Action Action
	ItemID string
}

// Decide inspects a batch and says whether the loop goes on. It has no side
// effects.
func Decide(batch domain.BatchResult, goal domain.Goal) Decision {
	if batch.Count(domain.OutcomeSuccess) == 0 {
		return Decision{Action: Continue}
	}
	if goal == domain.GoalFirstSuccess {
		return Decision{Action: StopAll, ItemID: batch.Item.ID}
	}
	return Decision{Action: RemoveItem, ItemID: batch.Item.ID}
}

// Apply returns the working set after d and whether the run is over, either
// because d says so or because no items remain.
func Apply(items []domain.TargetItem, d Decision) ([]domain.TargetItem, bool) {
	switch d.Action {
	case StopAll:
		return without(items, d.ItemID), true
	case RemoveItem:
		rest := without(items, d.ItemID)
		return rest, len(rest) == 0
	default:
		return items, len(items) == 0
	}
}

func without(items []domain.TargetItem, id string) []domain.TargetItem {
	out := make([]domain.TargetItem, 0, len(items))
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}

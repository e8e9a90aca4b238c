package domain

// ActionKind is the effect an envelope maps to on the index store.
type ActionKind string

const (
	ActionUpsert ActionKind = "upsert"
	ActionDelete ActionKind = "delete"
	ActionIgnore ActionKind = "ignore"
)

// IndexAction is the mapped, idempotent index-store effect of one envelope.
// Op and Source are carried along so the coordinator can account for the
// action and track the contributing offset after the write completes.
type IndexAction struct {
	Kind   ActionKind
	Index  string
	DocID  string
	Body   map[string]interface{} // present iff Kind is ActionUpsert
	Op     Operation
	Source Position
}

// Batch is an ordered sequence of actions. Ownership transfers to the
// writer on hand-off; a drained batch is never mutated afterwards.
type Batch struct {
	Actions []IndexAction
}

// Len returns the number of actions in the batch.
func (b Batch) Len() int { return len(b.Actions) }

// ItemFailure records one permanently failed item within a batch.
// Pos is the item's position in Batch.Actions.
type ItemFailure struct {
	Pos    int
	DocID  string
	Index  string
	Status int
	Reason string
}

// BatchResult is the per-item outcome of applying a batch. Transient
// whole-batch failures are reported as an error instead, after the
// writer's retry budget is exhausted.
type BatchResult struct {
	Succeeded int
	Failed    []ItemFailure
}

// FailedAt reports whether the item at position pos failed permanently.
func (r BatchResult) FailedAt(pos int) bool {
	for _, f := range r.Failed {
		if f.Pos == pos {
			return true
		}
	}
	return false
}

package ledger

// Status tracks a reward record or batch through settlement. Records move
// pending -> batched -> distributed -> confirmed; a failing batch sends its
// records back to pending. Batches move pending -> distributed -> confirmed,
// or to failed at any point before confirmation.
type Status string

const (
	StatusPending     Status = "pending"
	StatusBatched     Status = "batched"
	StatusDistributed Status = "distributed"
	StatusConfirmed   Status = "confirmed"
	StatusFailed      Status = "failed"
)

var statusTransitions = map[Status][]Status{
	StatusPending:     {StatusBatched, StatusDistributed, StatusFailed},
	StatusBatched:     {StatusDistributed, StatusPending, StatusFailed},
	StatusDistributed: {StatusConfirmed, StatusPending, StatusFailed},
	StatusConfirmed:   {},
	StatusFailed:      {StatusPending},
}

// CanTransition reports whether moving from s to next is a legal step in the
// settlement lifecycle.
func (s Status) CanTransition(next Status) bool {
	for _, t := range statusTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

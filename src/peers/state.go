package peers

// State classifies a peer by heartbeat recency: Announced, Active, Stale or
// Offline.
type State uint32

const (
	// Announced is the initial state, after the first message from a peer.
	Announced State = iota
	// Active means a heartbeat arrived within 2x the heartbeat interval.
	Active
	// Stale means no heartbeat for more than 2x but less than 10x the
	// heartbeat interval.
	Stale
	// Offline means no heartbeat for at least 10x the heartbeat interval.
	// It is not terminal; a new heartbeat moves the peer back to Active.
	Offline
)

// String ...
func (s State) String() string {
	switch s {
	case Announced:
		return "Announced"
	case Active:
		return "Active"
	case Stale:
		return "Stale"
	case Offline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// Staleness thresholds, expressed as multiples of the heartbeat interval.
const (
	StaleAfterIntervals   = 2
	OfflineAfterIntervals = 10
)

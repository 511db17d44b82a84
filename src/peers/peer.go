package peers

import (
	"time"

	"github.com/alpha-protocol/apn-node/src/resources"
)

// Record is everything the registry knows about one peer. Records are
// created on the first observed announce or heartbeat and never deleted;
// peers that go quiet are transitioned to Offline by the sweep.
type Record struct {
	NodeID       string             `json:"node_id"`
	Wallet       string             `json:"wallet_address"`
	PubKey       string             `json:"public_key"`
	Capabilities []string           `json:"capabilities,omitempty"`
	Resources    resources.Snapshot `json:"resources"`

	// LastTimestamp is the wire timestamp (unix ms) of the most recent
	// accepted message. Heartbeats must carry a strictly greater value.
	LastTimestamp int64 `json:"last_timestamp"`

	LastHeartbeat time.Time `json:"last_heartbeat_at"`
	FirstSeen     time.Time `json:"first_seen_at"`
	State         State     `json:"state"`
}

// copyRecord returns a value copy so that readers never alias registry
// internals.
func copyRecord(r *Record) Record {
	cp := *r
	if r.Capabilities != nil {
		cp.Capabilities = append([]string(nil), r.Capabilities...)
	}
	return cp
}

package peers

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrStaleHeartbeat is returned when a heartbeat's timestamp is not strictly
// greater than the last one accepted from the same sender. The relay can
// deliver duplicates; they are dropped without penalizing the sender.
var ErrStaleHeartbeat = errors.New("stale heartbeat")

// ErrWalletNotFound is returned by wallet lookups when no registered peer
// carries the address.
var ErrWalletNotFound = errors.New("wallet not found")

// Registry tracks every known peer, keyed by node ID. It is safe for
// concurrent use: writers are serialized behind the mutex and readers always
// get value copies, never partial updates.
//
// The registry is an injectable service, passed explicitly to the tasks that
// need it; there is no package-level instance.
type Registry struct {
	sync.RWMutex

	byNodeID map[string]*Record
	byWallet map[string]string

	// heartbeatInterval drives the staleness thresholds used by Sweep.
	heartbeatInterval time.Duration

	store  Store
	logger *logrus.Entry
}

// NewRegistry instantiates a Registry. The store may be nil, in which case
// records live in memory only.
func NewRegistry(heartbeatInterval time.Duration, store Store, logger *logrus.Entry) (*Registry, error) {
	reg := &Registry{
		byNodeID:          make(map[string]*Record),
		byWallet:          make(map[string]string),
		heartbeatInterval: heartbeatInterval,
		store:             store,
		logger:            logger,
	}

	if store != nil {
		records, err := store.All()
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			r := rec
			reg.byNodeID[r.NodeID] = &r
			reg.byWallet[r.Wallet] = r.NodeID
		}
	}

	return reg, nil
}

// Announce records a peer announce. The boolean result is true when the peer
// was not previously known. A first-seen peer enters in the Announced state;
// a known peer just has its resources and capabilities refreshed.
func (r *Registry) Announce(rec Record, now time.Time) bool {
	r.Lock()
	defer r.Unlock()

	existing, ok := r.byNodeID[rec.NodeID]
	if !ok {
		rec.FirstSeen = now
		rec.State = Announced
		if rec.LastHeartbeat.IsZero() {
			rec.LastHeartbeat = now
		}
		r.byNodeID[rec.NodeID] = &rec
		r.byWallet[rec.Wallet] = rec.NodeID
		r.persist(&rec)
		return true
	}

	existing.Wallet = rec.Wallet
	existing.PubKey = rec.PubKey
	existing.Resources = rec.Resources
	if rec.Capabilities != nil {
		existing.Capabilities = rec.Capabilities
	}
	r.byWallet[existing.Wallet] = existing.NodeID
	r.persist(existing)
	return false
}

// ApplyHeartbeat updates a peer from an accepted heartbeat and resets its
// state to Active. An unknown sender is registered on the fly (heartbeats
// double as announces). Heartbeats whose wire timestamp is not strictly
// greater than the previous one are rejected with ErrStaleHeartbeat and the
// record is left untouched.
func (r *Registry) ApplyHeartbeat(rec Record, timestamp int64, now time.Time) error {
	r.Lock()
	defer r.Unlock()

	existing, ok := r.byNodeID[rec.NodeID]
	if !ok {
		rec.FirstSeen = now
		rec.State = Active
		rec.LastTimestamp = timestamp
		rec.LastHeartbeat = now
		r.byNodeID[rec.NodeID] = &rec
		r.byWallet[rec.Wallet] = rec.NodeID
		r.persist(&rec)
		return nil
	}

	if timestamp <= existing.LastTimestamp {
		return ErrStaleHeartbeat
	}

	existing.LastTimestamp = timestamp
	existing.LastHeartbeat = now
	existing.Resources = rec.Resources
	existing.State = Active
	r.persist(existing)

	return nil
}

// Sweep transitions peers through Stale and Offline based on how long ago
// their last heartbeat arrived. It is called periodically by the node.
func (r *Registry) Sweep(now time.Time) {
	r.Lock()
	defer r.Unlock()

	staleAfter := time.Duration(StaleAfterIntervals) * r.heartbeatInterval
	offlineAfter := time.Duration(OfflineAfterIntervals) * r.heartbeatInterval

	for _, rec := range r.byNodeID {
		silence := now.Sub(rec.LastHeartbeat)

		var next State
		switch {
		case silence >= offlineAfter:
			next = Offline
		case silence >= staleAfter:
			next = Stale
		default:
			continue
		}

		if rec.State != next {
			if r.logger != nil {
				r.logger.WithFields(logrus.Fields{
					"node_id": rec.NodeID,
					"from":    rec.State.String(),
					"to":      next.String(),
				}).Debug("Peer liveness transition")
			}
			rec.State = next
			r.persist(rec)
		}
	}
}

// Get returns a copy of the record for nodeID.
func (r *Registry) Get(nodeID string) (Record, bool) {
	r.RLock()
	defer r.RUnlock()

	rec, ok := r.byNodeID[nodeID]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// GetByWallet returns a copy of the record associated with a wallet address.
func (r *Registry) GetByWallet(wallet string) (Record, bool) {
	r.RLock()
	defer r.RUnlock()

	nodeID, ok := r.byWallet[wallet]
	if !ok {
		return Record{}, false
	}
	rec, ok := r.byNodeID[nodeID]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// Snapshot returns a consistent copy of every record, sorted by node ID.
func (r *Registry) Snapshot() []Record {
	r.RLock()
	defer r.RUnlock()

	res := make([]Record, 0, len(r.byNodeID))
	for _, rec := range r.byNodeID {
		res = append(res, copyRecord(rec))
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].NodeID < res[j].NodeID
	})

	return res
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.byNodeID)
}

// ActiveCount returns the number of peers currently in the Active state.
func (r *Registry) ActiveCount() int {
	r.RLock()
	defer r.RUnlock()

	count := 0
	for _, rec := range r.byNodeID {
		if rec.State == Active {
			count++
		}
	}
	return count
}

// persist writes through to the store. Store errors are logged, not
// propagated; losing registry persistence must not stop the protocol.
func (r *Registry) persist(rec *Record) {
	if r.store == nil {
		return
	}
	if err := r.store.Set(copyRecord(rec)); err != nil && r.logger != nil {
		r.logger.WithError(err).WithField("node_id", rec.NodeID).Warn("Cannot persist peer record")
	}
}

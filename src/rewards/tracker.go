package rewards

import (
	"github.com/alpha-protocol/apn-node/src/ledger"
	"github.com/alpha-protocol/apn-node/src/resources"
	"github.com/sirupsen/logrus"
)

// DefaultQueueSize bounds the number of heartbeats waiting for a tracker
// sweep.
const DefaultQueueSize = 1024

// Heartbeat is an accepted, signature-verified heartbeat handed to the
// tracker by the node listener. Timestamp is the sender's wire timestamp in
// unix milliseconds; together with the node id it is the dedup key.
type Heartbeat struct {
	NodeID    string
	Wallet    string
	Timestamp int64
	Resources resources.Snapshot
}

// Tracker accumulates heartbeats in a bounded queue and, on each sweep,
// converts them into pending reward records. It never blocks the listener: a
// full queue drops the heartbeat with a warning, and the reward is simply
// not earned.
type Tracker struct {
	ledger *ledger.Ledger
	rates  Rates
	queue  chan Heartbeat
	logger *logrus.Entry
}

// NewTracker creates a tracker over the given ledger. queueSize <= 0 selects
// DefaultQueueSize.
func NewTracker(l *ledger.Ledger, rates Rates, queueSize int, logger *logrus.Entry) *Tracker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Tracker{
		ledger: l,
		rates:  rates,
		queue:  make(chan Heartbeat, queueSize),
		logger: logger,
	}
}

// Observe queues a heartbeat for the next sweep. Heartbeats without a wallet
// are ignored; there is nowhere to credit them.
func (t *Tracker) Observe(hb Heartbeat) {
	if hb.Wallet == "" {
		t.logger.WithField("node", hb.NodeID).Debug("Heartbeat without wallet, no reward")
		return
	}
	select {
	case t.queue <- hb:
	default:
		t.logger.WithField("node", hb.NodeID).Warn("Tracker queue full, dropping heartbeat")
	}
}

// Sweep drains the queue and records one reward per heartbeat. Duplicates
// (same node and heartbeat timestamp) are skipped silently; other ledger
// errors are logged and the heartbeat is dropped. It returns the number of
// rewards recorded.
func (t *Tracker) Sweep() int {
	recorded := 0
	for {
		select {
		case hb := <-t.queue:
			if t.record(hb) {
				recorded++
			}
		default:
			return recorded
		}
	}
}

func (t *Tracker) record(hb Heartbeat) bool {
	base, multBP, final := t.rates.HeartbeatReward(hb.Resources)

	rec := &ledger.RewardRecord{
		NodeID:       hb.NodeID,
		Wallet:       hb.Wallet,
		RewardType:   ledger.RewardHeartbeat,
		BaseAmount:   base,
		MultiplierBP: multBP,
		FinalAmount:  final,
		HeartbeatTS:  hb.Timestamp,
	}

	err := t.ledger.InsertReward(rec)
	switch err {
	case nil:
		t.logger.WithFields(logrus.Fields{
			"node":   hb.NodeID,
			"amount": final.String(),
		}).Debug("Reward recorded")
		return true
	case ledger.ErrDuplicateReward:
		return false
	default:
		t.logger.WithField("node", hb.NodeID).WithError(err).
			Warn("Recording reward")
		return false
	}
}

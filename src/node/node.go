package node

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alpha-protocol/apn-node/src/bus"
	"github.com/alpha-protocol/apn-node/src/config"
	"github.com/alpha-protocol/apn-node/src/identity"
	"github.com/alpha-protocol/apn-node/src/peers"
	"github.com/alpha-protocol/apn-node/src/resources"
	"github.com/alpha-protocol/apn-node/src/rewards"
	"github.com/alpha-protocol/apn-node/src/wire"
	"github.com/sirupsen/logrus"
)

// maxPeersGossip caps the number of entries in a peers gossip message.
const maxPeersGossip = 64

// Node ties the identity, registry, buses and reward pipeline together and
// runs the background loops: heartbeat broadcaster, listener, liveness
// sweeper, tracker sweep, distributor and confirmation watcher.
type Node struct {
	state

	conf   *config.Config
	logger *logrus.Entry

	id        *identity.Identity
	registry  *peers.Registry
	collector resources.Collector

	buses         []bus.Bus
	subscriptions []<-chan bus.Envelope

	tracker     *rewards.Tracker
	distributor *rewards.Distributor
	watcher     *rewards.ConfirmationWatcher

	controlTimer *ControlTimer

	ctx    context.Context
	cancel context.CancelFunc

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	start          time.Time
	heartbeatsSent int64
}

// NewNode is a factory method that returns a Node instance.
func NewNode(
	conf *config.Config,
	id *identity.Identity,
	registry *peers.Registry,
	collector resources.Collector,
	buses []bus.Bus,
	tracker *rewards.Tracker,
	distributor *rewards.Distributor,
	watcher *rewards.ConfirmationWatcher,
) *Node {
	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		conf:         conf,
		logger:       conf.Logger().WithField("this_id", id.NodeID()),
		id:           id,
		registry:     registry,
		collector:    collector,
		buses:        buses,
		tracker:      tracker,
		distributor:  distributor,
		watcher:      watcher,
		controlTimer: NewIntervalControlTimer(),
		ctx:          ctx,
		cancel:       cancel,
		shutdownCh:   make(chan struct{}),
	}
}

// Init subscribes to the wire topics on every bus. It must be called before
// Run.
func (n *Node) Init() error {
	topics := []string{wire.TopicDiscovery, wire.TopicHeartbeat, wire.TopicPeers}
	for _, b := range n.buses {
		for _, topic := range topics {
			ch, err := b.Subscribe(topic)
			if err != nil {
				return err
			}
			n.subscriptions = append(n.subscriptions, ch)
		}
	}

	n.logger.WithFields(logrus.Fields{
		"wallet": n.id.Wallet(),
		"buses":  len(n.buses),
	}).Debug("Node initialised")

	return nil
}

// Run starts the background loops and blocks until Shutdown. The node
// announces itself once on start; with NoHeartbeat set it stays Suspended
// and only listens.
func (n *Node) Run() {
	n.start = time.Now()

	if n.conf.NoHeartbeat {
		n.setState(Suspended)
	} else {
		n.setState(Running)
	}

	n.logger.WithField("state", n.getState().String()).Info("Node running")

	n.announce()

	for _, ch := range n.subscriptions {
		sub := ch
		n.goFunc(func() { n.listenLoop(sub) })
	}

	n.goFunc(n.sweepLoop)
	n.goFunc(n.trackerLoop)
	n.goFunc(n.distributeLoop)
	n.goFunc(n.confirmLoop)

	if !n.conf.NoHeartbeat {
		n.goFunc(func() { n.controlTimer.Run(n.conf.HeartbeatInterval) })
		n.goFunc(n.heartbeatLoop)
	}

	<-n.shutdownCh

	n.waitRoutines()
}

// Shutdown stops the loops, closes the buses and drains the tracker queue
// into the ledger. It blocks until every background routine has finished its
// current unit of work, so a settlement pass in flight records its outcome
// before the caller tears anything down. It is idempotent.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.logger.Info("Shutdown")

		n.setState(Shutdown)
		if !n.conf.NoHeartbeat {
			n.controlTimer.Shutdown()
		}
		close(n.shutdownCh)

		// The loops' context stays live until they have exited: cancelling
		// first would abort a submission mid-flight and strand its batch.
		n.waitRoutines()
		n.cancel()

		for _, b := range n.buses {
			if err := b.Close(); err != nil {
				n.logger.WithError(err).Warn("Closing bus")
			}
		}

		// Heartbeats still queued are worth recording before the process
		// exits.
		n.tracker.Sweep()
	})
}

// GetState returns the node's current lifecycle state.
func (n *Node) GetState() State {
	return n.getState()
}

// ID returns the local node id.
func (n *Node) ID() string {
	return n.id.NodeID()
}

// Wallet returns the local wallet address.
func (n *Node) Wallet() string {
	return n.id.Wallet()
}

// Registry exposes the peer registry for the query service.
func (n *Node) Registry() *peers.Registry {
	return n.registry
}

// HeartbeatsSent returns the number of heartbeats broadcast since start.
func (n *Node) HeartbeatsSent() int64 {
	return atomic.LoadInt64(&n.heartbeatsSent)
}

// Uptime returns the time elapsed since Run.
func (n *Node) Uptime() time.Duration {
	if n.start.IsZero() {
		return 0
	}
	return time.Since(n.start)
}

// Moniker returns the node's friendly name.
func (n *Node) Moniker() string {
	return n.conf.Moniker
}

/*******************************************************************************
Broadcasting
*******************************************************************************/

func (n *Node) heartbeatLoop() {
	for {
		select {
		case <-n.controlTimer.tickCh:
			n.broadcastHeartbeat()
			select {
			case n.controlTimer.resetCh <- n.conf.HeartbeatInterval:
			case <-n.shutdownCh:
				return
			}
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) announce() {
	snap, err := n.collector.Collect()
	if err != nil {
		n.logger.WithError(err).Warn("Collecting resources")
	}

	payload := wire.AnnouncePayload{
		NodeID:       n.id.NodeID(),
		Wallet:       n.id.Wallet(),
		PubKey:       n.id.PublicKeyHex(),
		Capabilities: capabilities(snap),
		Resources:    snap,
	}

	n.publish(wire.TopicDiscovery, wire.TypeAnnounce, payload)
}

func (n *Node) broadcastHeartbeat() {
	snap, err := n.collector.Collect()
	if err != nil {
		n.logger.WithError(err).Warn("Collecting resources")
	}

	hostname, _ := os.Hostname()

	payload := wire.HeartbeatPayload{
		NodeID:    n.id.NodeID(),
		Wallet:    n.id.Wallet(),
		Hostname:  hostname,
		Resources: snap,
	}

	msg := n.publish(wire.TopicHeartbeat, wire.TypeHeartbeat, payload)
	if msg == nil {
		return
	}

	atomic.AddInt64(&n.heartbeatsSent, 1)

	// The local ledger accounts for every heartbeat it observes, our own
	// included.
	n.tracker.Observe(rewards.Heartbeat{
		NodeID:    n.id.NodeID(),
		Wallet:    n.id.Wallet(),
		Timestamp: msg.Timestamp,
		Resources: snap,
	})
}

// gossipPeers shares a snapshot of the registry, capped to the most recent
// peers, on the peers topic. It is triggered by first-seen announces so that
// newcomers converge quickly.
func (n *Node) gossipPeers() {
	records := n.registry.Snapshot()
	if len(records) > maxPeersGossip {
		records = records[:maxPeersGossip]
	}

	payload := wire.PeersPayload{}
	for _, rec := range records {
		payload.Peers = append(payload.Peers, wire.PeerSummary{
			NodeID:        rec.NodeID,
			Wallet:        rec.Wallet,
			PubKey:        rec.PubKey,
			LastHeartbeat: rec.LastTimestamp,
			State:         rec.State.String(),
		})
	}

	n.publish(wire.TopicPeers, wire.TypePeers, payload)
}

// publish signs and sends a message on every bus. Individual bus errors are
// logged and ignored; the message is not retried.
func (n *Node) publish(topic string, typ wire.Type, payload interface{}) *wire.Message {
	msg, err := wire.NewMessage(n.id, typ, payload)
	if err != nil {
		n.logger.WithError(err).Error("Building message")
		return nil
	}

	data, err := msg.Encode()
	if err != nil {
		n.logger.WithError(err).Error("Encoding message")
		return nil
	}

	for _, b := range n.buses {
		if err := b.Publish(topic, data); err != nil {
			n.logger.WithField("topic", topic).WithError(err).
				Warn("Publishing message")
		}
	}

	return msg
}

/*******************************************************************************
Listening
*******************************************************************************/

func (n *Node) listenLoop(ch <-chan bus.Envelope) {
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			n.handle(env)
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) handle(env bus.Envelope) {
	msg, err := wire.Decode(env.Data)
	if err != nil {
		n.logger.WithField("topic", env.Topic).WithError(err).
			Debug("Dropping undecodable message")
		return
	}

	// Our own messages echo back through the relay.
	if msg.From == n.id.NodeID() {
		return
	}

	if err := msg.Verify(); err != nil {
		n.logger.WithFields(logrus.Fields{
			"topic": env.Topic,
			"from":  msg.From,
		}).Warn("Dropping message with invalid signature")
		return
	}

	now := time.Now()

	switch msg.Type {
	case wire.TypeAnnounce:
		n.handleAnnounce(msg, now)
	case wire.TypeHeartbeat:
		n.handleHeartbeat(msg, now)
	case wire.TypePeers:
		n.handlePeers(msg, now)
	default:
		n.logger.WithField("type", string(msg.Type)).Debug("Unknown message type")
	}
}

func (n *Node) handleAnnounce(msg *wire.Message, now time.Time) {
	payload, err := msg.DecodeAnnounce()
	if err != nil {
		n.logger.WithError(err).Debug("Dropping malformed announce")
		return
	}

	rec := peers.Record{
		NodeID:        msg.From,
		Wallet:        msg.Wallet,
		PubKey:        msg.PubKey,
		Capabilities:  payload.Capabilities,
		Resources:     payload.Resources,
		LastTimestamp: msg.Timestamp,
	}

	if first := n.registry.Announce(rec, now); first {
		n.logger.WithField("peer", msg.From).Info("Peer announced")
		n.gossipPeers()
	}
}

func (n *Node) handleHeartbeat(msg *wire.Message, now time.Time) {
	payload, err := msg.DecodeHeartbeat()
	if err != nil {
		n.logger.WithError(err).Debug("Dropping malformed heartbeat")
		return
	}

	rec := peers.Record{
		NodeID:    msg.From,
		Wallet:    msg.Wallet,
		PubKey:    msg.PubKey,
		Resources: payload.Resources,
	}

	if err := n.registry.ApplyHeartbeat(rec, msg.Timestamp, now); err != nil {
		// Stale or replayed heartbeats earn nothing.
		return
	}

	n.tracker.Observe(rewards.Heartbeat{
		NodeID:    msg.From,
		Wallet:    msg.Wallet,
		Timestamp: msg.Timestamp,
		Resources: payload.Resources,
	})
}

// handlePeers merges gossiped registry entries. Gossip is hearsay: unknown
// peers are recorded as Announced only, and nothing gossiped ever earns a
// reward or refreshes liveness.
func (n *Node) handlePeers(msg *wire.Message, now time.Time) {
	payload, err := msg.DecodePeers()
	if err != nil {
		n.logger.WithError(err).Debug("Dropping malformed peers gossip")
		return
	}

	for _, summary := range payload.Peers {
		if summary.NodeID == n.id.NodeID() {
			continue
		}
		if _, known := n.registry.Get(summary.NodeID); known {
			continue
		}
		n.registry.Announce(peers.Record{
			NodeID: summary.NodeID,
			Wallet: summary.Wallet,
			PubKey: summary.PubKey,
		}, now)
	}
}

/*******************************************************************************
Background loops
*******************************************************************************/

func (n *Node) sweepLoop() {
	ticker := time.NewTicker(n.conf.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.registry.Sweep(time.Now())
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) trackerLoop() {
	ticker := time.NewTicker(n.conf.TrackerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.tracker.Sweep()
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) distributeLoop() {
	ticker := time.NewTicker(n.conf.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.distributor.Distribute(n.ctx)
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) confirmLoop() {
	ticker := time.NewTicker(n.conf.ConfirmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.watcher.Check(n.ctx)
		case <-n.shutdownCh:
			return
		}
	}
}

// capabilities derives the advertised capability tags from a hardware
// snapshot.
func capabilities(snap resources.Snapshot) []string {
	caps := []string{"compute"}
	if snap.GPUPresent {
		caps = append(caps, "gpu")
	}
	if snap.StorageGB > 0 {
		caps = append(caps, "storage")
	}
	return caps
}

package node

import (
	"testing"
	"time"

	"github.com/alpha-protocol/apn-node/src/bus"
	"github.com/alpha-protocol/apn-node/src/bus/inmembus"
	"github.com/alpha-protocol/apn-node/src/config"
	"github.com/alpha-protocol/apn-node/src/identity"
	"github.com/alpha-protocol/apn-node/src/ledger"
	"github.com/alpha-protocol/apn-node/src/peers"
	"github.com/alpha-protocol/apn-node/src/resources"
	"github.com/alpha-protocol/apn-node/src/rewards"
)

type testNode struct {
	node    *Node
	id      *identity.Identity
	tracker *rewards.Tracker
	ledger  *ledger.Ledger
	fake    *rewards.FakeSettlement
}

func newTestNode(t *testing.T, hub *inmembus.Hub, snap resources.Snapshot) *testNode {
	t.Helper()

	conf := config.NewTestConfig(t)
	conf.HeartbeatInterval = 50 * time.Millisecond

	return newTestNodeWithConfig(t, hub, snap, conf)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestTwoNodesDiscoverAndReward(t *testing.T) {
	hub := inmembus.NewHub()

	snap := resources.Snapshot{CPUCores: 8, RAMMB: 16384}

	alice := newTestNode(t, hub, snap)
	bob := newTestNode(t, hub, snap)

	go alice.node.Run()
	go bob.node.Run()

	defer alice.node.Shutdown()
	defer bob.node.Shutdown()

	// Bob hears Alice's heartbeats and marks her Active
	waitFor(t, 3*time.Second, func() bool {
		rec, ok := bob.node.Registry().Get(alice.id.NodeID())
		return ok && rec.State == peers.Active
	}, "bob never saw alice's heartbeat")

	waitFor(t, 3*time.Second, func() bool {
		rec, ok := alice.node.Registry().Get(bob.id.NodeID())
		return ok && rec.State == peers.Active
	}, "alice never saw bob's heartbeat")

	// Bob's ledger credits Alice for her heartbeats
	waitFor(t, 3*time.Second, func() bool {
		bob.tracker.Sweep()
		bal, err := bob.ledger.BalanceSummary(alice.id.Wallet())
		return err == nil && bal.RewardCount >= 2
	}, "bob never recorded rewards for alice")

	bal, err := bob.ledger.BalanceSummary(alice.id.Wallet())
	if err != nil {
		t.Fatal(err)
	}
	// 8 cores, 16 GB, no GPU: base rate only
	if got := bal.Pending / ledger.Vibe(bal.RewardCount); got != 10_000_000 {
		t.Fatalf("expected 0.1 VIBE per heartbeat, got %d", got)
	}
}

func TestSuspendedNodeListens(t *testing.T) {
	hub := inmembus.NewHub()

	snap := resources.Snapshot{CPUCores: 8, RAMMB: 16384}

	talker := newTestNode(t, hub, snap)

	conf := config.NewTestConfig(t)
	conf.HeartbeatInterval = 50 * time.Millisecond
	conf.NoHeartbeat = true

	listener := newTestNodeWithConfig(t, hub, snap, conf)

	go talker.node.Run()
	go listener.node.Run()

	defer talker.node.Shutdown()
	defer listener.node.Shutdown()

	waitFor(t, time.Second, func() bool {
		return listener.node.GetState() == Suspended
	}, "listener never entered Suspended")

	// The listener still tracks the network
	waitFor(t, 3*time.Second, func() bool {
		rec, ok := listener.node.Registry().Get(talker.id.NodeID())
		return ok && rec.State == peers.Active
	}, "listener never saw the talker")

	// But it broadcasts nothing
	if n := listener.node.HeartbeatsSent(); n != 0 {
		t.Fatalf("suspended node sent %d heartbeats", n)
	}
	if _, ok := talker.node.Registry().Get(listener.id.NodeID()); ok {
		t.Fatal("talker should not have heard from the suspended node")
	}
}

func TestShutdownDrainsTracker(t *testing.T) {
	hub := inmembus.NewHub()

	snap := resources.Snapshot{CPUCores: 8, RAMMB: 16384}

	n := newTestNode(t, hub, snap)

	go n.node.Run()

	waitFor(t, 3*time.Second, func() bool {
		return n.node.HeartbeatsSent() >= 1
	}, "node never sent a heartbeat")

	n.node.Shutdown()

	// Shutdown swept the queue: our own heartbeats are on the ledger
	bal, err := n.ledger.BalanceSummary(n.id.Wallet())
	if err != nil {
		t.Fatal(err)
	}
	if bal.RewardCount < 1 {
		t.Fatal("own heartbeats were not recorded on shutdown")
	}

	if n.node.GetState() != Shutdown {
		t.Fatalf("expected Shutdown, got %v", n.node.GetState())
	}

	// Idempotent
	n.node.Shutdown()
}

// Shutting down while a settlement submission is in flight must wait for the
// pass to record its outcome; tearing the ledger down underneath it would
// strand the batch.
func TestShutdownWaitsForSettlement(t *testing.T) {
	hub := inmembus.NewHub()

	conf := config.NewTestConfig(t)
	conf.HeartbeatInterval = 50 * time.Millisecond
	conf.BatchInterval = 50 * time.Millisecond

	n := newTestNodeWithConfig(t, hub, resources.Snapshot{CPUCores: 8}, conf)

	if err := n.ledger.InsertReward(&ledger.RewardRecord{
		NodeID: "apn_01", Wallet: "0xaa", RewardType: ledger.RewardHeartbeat,
		BaseAmount: 10_000_000, MultiplierBP: 100, FinalAmount: 150_000_000,
		HeartbeatTS: 1,
	}); err != nil {
		t.Fatal(err)
	}

	n.fake.Hold()

	go n.node.Run()

	waitFor(t, 3*time.Second, func() bool {
		return n.fake.Waiting() == 1
	}, "distributor never submitted the batch")

	done := make(chan struct{})
	go func() {
		n.node.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Shutdown returned while a settlement was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	n.fake.Release()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not return after the settlement completed")
	}

	// The in-flight pass finished cleanly: the batch is distributed, not
	// stranded mid-settlement
	bal, err := n.ledger.BalanceSummary("0xaa")
	if err != nil {
		t.Fatal(err)
	}
	if bal.Distributed != 150_000_000 {
		t.Fatalf("expected 1.5 VIBE distributed, got %s", bal.Distributed.String())
	}
	if n.fake.Submissions() != 1 {
		t.Fatalf("expected 1 submission, got %d", n.fake.Submissions())
	}
}

func newTestNodeWithConfig(t *testing.T, hub *inmembus.Hub, snap resources.Snapshot, conf *config.Config) *testNode {
	t.Helper()

	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	logger := conf.Logger()

	registry, err := peers.NewRegistry(conf.HeartbeatInterval, nil, logger)
	if err != nil {
		t.Fatal(err)
	}

	l, err := ledger.Open(":memory:", logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	fake := rewards.NewFakeSettlement()
	rates := rewards.DefaultRates()
	tracker := rewards.NewTracker(l, rates, 0, logger)
	distributor := rewards.NewDistributor(l, fake, 0, time.Second, logger)
	watcher := rewards.NewConfirmationWatcher(l, fake, 0, logger)

	n := NewNode(
		conf,
		id,
		registry,
		&resources.StaticCollector{Snapshot: snap},
		[]bus.Bus{inmembus.NewInmemBus(hub)},
		tracker,
		distributor,
		watcher,
	)

	if err := n.Init(); err != nil {
		t.Fatal(err)
	}

	return &testNode{node: n, id: id, tracker: tracker, ledger: l, fake: fake}
}

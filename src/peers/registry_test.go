package peers

import (
	"sync"
	"testing"
	"time"

	"github.com/alpha-protocol/apn-node/src/common"
	"github.com/alpha-protocol/apn-node/src/resources"
)

const testInterval = 30 * time.Second

func newTestRegistry(t *testing.T) *Registry {
	reg, err := NewRegistry(testInterval, nil, common.NewTestEntry(t, "peers"))
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func testRecord(nodeID string) Record {
	return Record{
		NodeID: nodeID,
		Wallet: "0x" + nodeID,
		PubKey: "04" + nodeID,
		Resources: resources.Snapshot{
			CPUCores: 8,
			RAMMB:    16384,
		},
	}
}

func TestAnnounceFirstSeen(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()

	if first := reg.Announce(testRecord("aaaa0001"), now); !first {
		t.Fatalf("First announce should report first-seen")
	}
	if first := reg.Announce(testRecord("aaaa0001"), now); first {
		t.Fatalf("Second announce should not report first-seen")
	}

	rec, ok := reg.Get("aaaa0001")
	if !ok {
		t.Fatalf("Peer should be registered")
	}
	if rec.State != Announced {
		t.Fatalf("New peer should be Announced, got %s", rec.State)
	}
}

func TestLivenessRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)

	t0 := time.Now()
	rec := testRecord("aaaa0002")

	reg.Announce(rec, t0)

	// Heartbeat moves the peer to Active
	if err := reg.ApplyHeartbeat(rec, t0.UnixMilli(), t0); err != nil {
		t.Fatal(err)
	}
	got, _ := reg.Get("aaaa0002")
	if got.State != Active {
		t.Fatalf("Expected Active, got %s", got.State)
	}

	// 2 missed intervals: Stale
	reg.Sweep(t0.Add(2 * testInterval))
	got, _ = reg.Get("aaaa0002")
	if got.State != Stale {
		t.Fatalf("Expected Stale, got %s", got.State)
	}

	// 10 missed intervals: Offline
	reg.Sweep(t0.Add(10 * testInterval))
	got, _ = reg.Get("aaaa0002")
	if got.State != Offline {
		t.Fatalf("Expected Offline, got %s", got.State)
	}

	// Offline is not terminal: a fresh heartbeat recovers the peer, the
	// record is never deleted.
	t1 := t0.Add(11 * testInterval)
	if err := reg.ApplyHeartbeat(rec, t1.UnixMilli(), t1); err != nil {
		t.Fatal(err)
	}
	got, _ = reg.Get("aaaa0002")
	if got.State != Active {
		t.Fatalf("Expected Active after recovery, got %s", got.State)
	}

	if reg.Len() != 1 {
		t.Fatalf("Registry should still hold 1 record, got %d", reg.Len())
	}
}

func TestMonotonicTimestamps(t *testing.T) {
	reg := newTestRegistry(t)

	now := time.Now()
	rec := testRecord("aaaa0003")

	if err := reg.ApplyHeartbeat(rec, 1000, now); err != nil {
		t.Fatal(err)
	}

	// Same timestamp: duplicate via the second transport channel
	if err := reg.ApplyHeartbeat(rec, 1000, now); err != ErrStaleHeartbeat {
		t.Fatalf("Expected ErrStaleHeartbeat, got %v", err)
	}

	// Older timestamp: replay
	if err := reg.ApplyHeartbeat(rec, 999, now); err != ErrStaleHeartbeat {
		t.Fatalf("Expected ErrStaleHeartbeat, got %v", err)
	}

	// Strictly greater: accepted
	if err := reg.ApplyHeartbeat(rec, 1001, now); err != nil {
		t.Fatal(err)
	}
}

func TestHeartbeatRegistersUnknownPeer(t *testing.T) {
	reg := newTestRegistry(t)

	now := time.Now()
	if err := reg.ApplyHeartbeat(testRecord("aaaa0004"), now.UnixMilli(), now); err != nil {
		t.Fatal(err)
	}

	rec, ok := reg.Get("aaaa0004")
	if !ok {
		t.Fatalf("Heartbeat should register unknown peers")
	}
	if rec.State != Active {
		t.Fatalf("Expected Active, got %s", rec.State)
	}
}

func TestConcurrentSnapshot(t *testing.T) {
	reg := newTestRegistry(t)

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := testRecord(string(rune('a'+i)) + "bcd000" + string(rune('0'+i)))
			for ts := int64(1); ts <= 50; ts++ {
				reg.ApplyHeartbeat(rec, ts, start)
			}
		}(i)
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				reg.Snapshot()
				reg.ActiveCount()
			}
		}()
	}

	wg.Wait()

	if reg.Len() != 10 {
		t.Fatalf("Expected 10 peers, got %d", reg.Len())
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewInmemStore()

	reg, err := NewRegistry(testInterval, store, common.NewTestEntry(t, "peers"))
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	reg.Announce(testRecord("aaaa0005"), now)
	reg.ApplyHeartbeat(testRecord("aaaa0006"), now.UnixMilli(), now)

	// A new registry over the same store sees the records
	reloaded, err := NewRegistry(testInterval, store, common.NewTestEntry(t, "peers"))
	if err != nil {
		t.Fatal(err)
	}

	if reloaded.Len() != 2 {
		t.Fatalf("Expected 2 records after reload, got %d", reloaded.Len())
	}

	rec, ok := reloaded.Get("aaaa0006")
	if !ok {
		t.Fatalf("Record should survive the reload")
	}
	if rec.State != Active {
		t.Fatalf("State should survive the reload, got %s", rec.State)
	}
}

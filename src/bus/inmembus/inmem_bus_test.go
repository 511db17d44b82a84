package inmembus

import (
	"testing"
	"time"

	"github.com/alpha-protocol/apn-node/src/bus"
)

func receive(t *testing.T, ch <-chan bus.Envelope) bus.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatalf("Timed out waiting for envelope")
		return bus.Envelope{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewHub()

	alice := NewInmemBus(hub)
	bob := NewInmemBus(hub)

	chAlice, err := alice.Subscribe("apn.heartbeat")
	if err != nil {
		t.Fatal(err)
	}
	chBob, err := bob.Subscribe("apn.heartbeat")
	if err != nil {
		t.Fatal(err)
	}

	if err := alice.Publish("apn.heartbeat", []byte("hb")); err != nil {
		t.Fatal(err)
	}

	// Both subscribers get the message, the publisher included: the hub
	// echoes like the relay does.
	for _, ch := range []<-chan bus.Envelope{chAlice, chBob} {
		env := receive(t, ch)
		if env.Topic != "apn.heartbeat" || string(env.Data) != "hb" {
			t.Fatalf("Unexpected envelope %+v", env)
		}
	}
}

func TestTopicIsolation(t *testing.T) {
	hub := NewHub()
	b := NewInmemBus(hub)

	discovery, _ := b.Subscribe("apn.discovery")
	b.Publish("apn.heartbeat", []byte("hb"))

	select {
	case env := <-discovery:
		t.Fatalf("Discovery subscriber should not see heartbeats, got %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClose(t *testing.T) {
	hub := NewHub()
	b := NewInmemBus(hub)

	ch, _ := b.Subscribe("apn.peers")

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	if _, ok := <-ch; ok {
		t.Fatalf("Subscriber channel should be closed")
	}

	if err := b.Publish("apn.peers", []byte("x")); err != bus.ErrBusClosed {
		t.Fatalf("Expected ErrBusClosed, got %v", err)
	}
	if _, err := b.Subscribe("apn.peers"); err != bus.ErrBusClosed {
		t.Fatalf("Expected ErrBusClosed, got %v", err)
	}

	// Idempotent
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}

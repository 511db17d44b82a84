// Package inmembus implements bus.Bus in memory, to allow the protocol stack
// to be tested without going over a network.
package inmembus

import (
	"sync"

	"github.com/alpha-protocol/apn-node/src/bus"
)

const subscriberBuffer = 64

// Hub is a shared in-process message exchange. Buses created from the same
// hub see each other's publishes, including their own; this mirrors the
// relay, which echoes a node's messages back to it.
type Hub struct {
	sync.RWMutex
	subscribers map[string][]chan bus.Envelope
}

// NewHub ...
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string][]chan bus.Envelope),
	}
}

func (h *Hub) publish(topic string, data []byte) {
	h.RLock()
	defer h.RUnlock()

	for _, ch := range h.subscribers[topic] {
		select {
		case ch <- bus.Envelope{Topic: topic, Data: data}:
		default:
			// drop rather than block the publisher
		}
	}
}

func (h *Hub) subscribe(topic string) chan bus.Envelope {
	h.Lock()
	defer h.Unlock()

	ch := make(chan bus.Envelope, subscriberBuffer)
	h.subscribers[topic] = append(h.subscribers[topic], ch)
	return ch
}

func (h *Hub) unsubscribe(chans []chan bus.Envelope) {
	h.Lock()
	defer h.Unlock()

	for topic, subs := range h.subscribers {
		kept := subs[:0]
		for _, ch := range subs {
			remove := false
			for _, mine := range chans {
				if ch == mine {
					remove = true
					break
				}
			}
			if !remove {
				kept = append(kept, ch)
			}
		}
		h.subscribers[topic] = kept
	}

	for _, ch := range chans {
		close(ch)
	}
}

// InmemBus implements bus.Bus on top of a Hub.
type InmemBus struct {
	sync.Mutex
	hub      *Hub
	channels []chan bus.Envelope
	closed   bool
}

// NewInmemBus attaches a new bus to the hub.
func NewInmemBus(hub *Hub) *InmemBus {
	return &InmemBus{hub: hub}
}

// Publish implements the bus.Bus interface.
func (b *InmemBus) Publish(topic string, data []byte) error {
	b.Lock()
	if b.closed {
		b.Unlock()
		return bus.ErrBusClosed
	}
	b.Unlock()

	b.hub.publish(topic, data)
	return nil
}

// Subscribe implements the bus.Bus interface.
func (b *InmemBus) Subscribe(topic string) (<-chan bus.Envelope, error) {
	b.Lock()
	defer b.Unlock()

	if b.closed {
		return nil, bus.ErrBusClosed
	}

	ch := b.hub.subscribe(topic)
	b.channels = append(b.channels, ch)
	return ch, nil
}

// Close implements the bus.Bus interface.
func (b *InmemBus) Close() error {
	b.Lock()
	defer b.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.hub.unsubscribe(b.channels)
	b.channels = nil
	return nil
}

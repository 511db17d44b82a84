// Package bus abstracts the publish/subscribe channels that carry APN wire
// messages. Two production implementations exist: wampbus, which talks to
// the shared relay router and works through NAT, and tcpbus, the direct
// encrypted transport between mutually-reachable nodes. inmembus backs
// tests. Protocol logic only ever sees the Bus interface.
package bus

import "errors"

// ErrBusClosed is returned when operations are invoked on a closed bus.
var ErrBusClosed = errors.New("bus closed")

// Envelope is a raw message received from a topic. The payload is an encoded
// wire.Message; the bus does not look inside.
type Envelope struct {
	Topic string
	Data  []byte
}

// Bus is a publish/subscribe capability. Publish must not block beyond the
// implementation's configured timeout. Channels returned by Subscribe are
// closed when the bus closes; slow consumers may drop messages rather than
// stall the bus.
type Bus interface {
	Publish(topic string, data []byte) error
	Subscribe(topic string) (<-chan Envelope, error)
	Close() error
}

package tcpbus

import (
	"crypto/ecdsa"
	"sync"
	"time"

	"github.com/alpha-protocol/apn-node/src/bus"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDialTimeout bounds outgoing connection attempts.
	DefaultDialTimeout = 5 * time.Second

	subscriberBuffer = 64
)

// Transport is the direct-channel bus. It keeps one encrypted session per
// connected peer, accepts inbound connections on its stream layer, and fans
// every published frame out to all sessions. Inbound frames are delivered to
// the local subscribers of the frame's topic; the transport never re-forwards
// a received frame, mesh propagation is the node's job.
type Transport struct {
	sync.Mutex

	key     *ecdsa.PrivateKey
	stream  StreamLayer
	timeout time.Duration

	sessions    map[string]*session
	subscribers map[string][]chan bus.Envelope

	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup

	logger *logrus.Entry
}

// NewTransport starts a transport on the given stream layer and begins
// accepting inbound connections. key is the node's identity key, used in the
// session handshakes.
func NewTransport(
	stream StreamLayer,
	key *ecdsa.PrivateKey,
	timeout time.Duration,
	logger *logrus.Entry,
) *Transport {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	t := &Transport{
		key:         key,
		stream:      stream,
		timeout:     timeout,
		sessions:    map[string]*session{},
		subscribers: map[string][]chan bus.Envelope{},
		shutdownCh:  make(chan struct{}),
		logger:      logger,
	}

	t.wg.Add(1)
	go t.listen()

	return t
}

// AdvertiseAddr returns the address other peers should dial.
func (t *Transport) AdvertiseAddr() string {
	return t.stream.AdvertiseAddr()
}

// AddPeer dials address and adds the resulting session to the pool. It is a
// no-op when a session to that address already exists.
func (t *Transport) AddPeer(address string) error {
	t.Lock()
	if t.shutdown {
		t.Unlock()
		return bus.ErrBusClosed
	}
	if _, ok := t.sessions[address]; ok {
		t.Unlock()
		return nil
	}
	t.Unlock()

	conn, err := t.stream.Dial(address, t.timeout)
	if err != nil {
		return err
	}

	sess, err := newSession(conn, t.key)
	if err != nil {
		conn.Close()
		return err
	}

	t.addSession(address, sess)

	return nil
}

// Publish implements the bus.Bus interface. The frame is sent to every
// connected peer; peers whose session errors are dropped from the pool.
func (t *Transport) Publish(topic string, data []byte) error {
	t.Lock()
	if t.shutdown {
		t.Unlock()
		return bus.ErrBusClosed
	}
	targets := make(map[string]*session, len(t.sessions))
	for addr, sess := range t.sessions {
		targets[addr] = sess
	}
	t.Unlock()

	f := frame{Topic: topic, Data: data}

	for addr, sess := range targets {
		if err := sess.send(f); err != nil {
			t.logger.WithField("peer", addr).WithError(err).
				Warn("Dropping peer session")
			t.removeSession(addr)
		}
	}

	return nil
}

// Subscribe implements the bus.Bus interface.
func (t *Transport) Subscribe(topic string) (<-chan bus.Envelope, error) {
	t.Lock()
	defer t.Unlock()

	if t.shutdown {
		return nil, bus.ErrBusClosed
	}

	ch := make(chan bus.Envelope, subscriberBuffer)
	t.subscribers[topic] = append(t.subscribers[topic], ch)

	return ch, nil
}

// Close implements the bus.Bus interface. It stops the accept loop, closes
// every session, and closes all subscriber channels.
func (t *Transport) Close() error {
	t.Lock()
	if t.shutdown {
		t.Unlock()
		return nil
	}
	t.shutdown = true
	close(t.shutdownCh)

	for addr, sess := range t.sessions {
		sess.close()
		delete(t.sessions, addr)
	}
	t.Unlock()

	err := t.stream.Close()

	t.wg.Wait()

	t.Lock()
	for _, chans := range t.subscribers {
		for _, ch := range chans {
			close(ch)
		}
	}
	t.subscribers = map[string][]chan bus.Envelope{}
	t.Unlock()

	return err
}

// listen accepts inbound connections until the stream layer is closed.
func (t *Transport) listen() {
	defer t.wg.Done()

	for {
		conn, err := t.stream.Accept()
		if err != nil {
			select {
			case <-t.shutdownCh:
				return
			default:
				t.logger.WithError(err).Error("Accepting connection")
				return
			}
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()

			sess, err := newSession(conn, t.key)
			if err != nil {
				t.logger.WithError(err).Warn("Inbound handshake failed")
				conn.Close()
				return
			}

			t.addSession(conn.RemoteAddr().String(), sess)
		}()
	}
}

// addSession registers a session and starts its read loop. If the transport
// shut down in the meantime the session is closed instead.
func (t *Transport) addSession(addr string, sess *session) {
	t.Lock()
	if t.shutdown {
		t.Unlock()
		sess.close()
		return
	}
	if old, ok := t.sessions[addr]; ok {
		old.close()
	}
	t.sessions[addr] = sess
	t.Unlock()

	t.logger.WithField("peer", addr).Debug("Session established")

	t.wg.Add(1)
	go t.readLoop(addr, sess)
}

func (t *Transport) removeSession(addr string) {
	t.Lock()
	defer t.Unlock()
	if sess, ok := t.sessions[addr]; ok {
		sess.close()
		delete(t.sessions, addr)
	}
}

// readLoop surfaces the session's frames to local subscribers until the
// session errors or the transport closes.
func (t *Transport) readLoop(addr string, sess *session) {
	defer t.wg.Done()
	defer t.removeSession(addr)

	for {
		f, err := sess.receive()
		if err != nil {
			select {
			case <-t.shutdownCh:
			default:
				t.logger.WithField("peer", addr).WithError(err).
					Debug("Session read ended")
			}
			return
		}

		t.deliver(f)
	}
}

func (t *Transport) deliver(f frame) {
	t.Lock()
	chans := t.subscribers[f.Topic]
	t.Unlock()

	env := bus.Envelope{Topic: f.Topic, Data: f.Data}

	for _, ch := range chans {
		select {
		case ch <- env:
		default:
			t.logger.WithField("topic", f.Topic).
				Warn("Subscriber buffer full, dropping frame")
		}
	}
}

// Package wampbus implements bus.Bus over a WAMP router reached through
// WebSockets. The router is the network's relay: it is reachable by every
// node regardless of NAT, carries the discovery and heartbeat topics, and
// forwards between nodes that cannot connect directly.
package wampbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/sirupsen/logrus"

	"github.com/alpha-protocol/apn-node/src/bus"
)

const subscriberBuffer = 64

// Client implements bus.Bus through a WAMP router.
type Client struct {
	sync.Mutex

	routerURL string
	config    client.Config
	client    *client.Client
	timeout   time.Duration
	channels  map[string]chan bus.Envelope
	closed    bool
	logger    *logrus.Entry
}

// NewClient connects to the WAMP relay at server (host:port) within the
// given realm. The timeout bounds every publish and the initial connection.
func NewClient(server, realm string, timeout time.Duration, logger *logrus.Entry) (*Client, error) {
	cfg := client.Config{
		Realm:           realm,
		ResponseTimeout: timeout,
		Logger:          logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cli, err := client.ConnectNet(ctx, fmt.Sprintf("ws://%s", server), cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		routerURL: server,
		config:    cfg,
		client:    cli,
		timeout:   timeout,
		channels:  make(map[string]chan bus.Envelope),
		logger:    logger,
	}, nil
}

// Publish implements the bus.Bus interface. The payload travels as a single
// string argument; WAMP topics map one-to-one onto wire topics. exclude_me
// is passed explicitly so the router never echoes our own publishes back,
// whatever its defaults.
func (c *Client) Publish(topic string, data []byte) error {
	c.Lock()
	if c.closed {
		c.Unlock()
		return bus.ErrBusClosed
	}
	cli := c.client
	c.Unlock()

	return cli.Publish(topic, wamp.Dict{"exclude_me": true}, wamp.List{string(data)}, nil)
}

// Subscribe implements the bus.Bus interface. Self-echo suppression is a
// publisher-side option (see Publish); subscriptions receive everything else
// on the topic.
func (c *Client) Subscribe(topic string) (<-chan bus.Envelope, error) {
	c.Lock()
	defer c.Unlock()

	if c.closed {
		return nil, bus.ErrBusClosed
	}

	if ch, ok := c.channels[topic]; ok {
		return ch, nil
	}

	ch := make(chan bus.Envelope, subscriberBuffer)

	handler := func(event *wamp.Event) {
		if len(event.Arguments) == 0 {
			return
		}
		data, ok := wamp.AsString(event.Arguments[0])
		if !ok {
			return
		}
		select {
		case ch <- bus.Envelope{Topic: topic, Data: []byte(data)}:
		default:
			if c.logger != nil {
				c.logger.WithField("topic", topic).Warn("Relay subscriber overrun, dropping message")
			}
		}
	}

	if err := c.client.Subscribe(topic, handler, nil); err != nil {
		return nil, err
	}

	c.channels[topic] = ch
	return ch, nil
}

// Close implements the bus.Bus interface.
func (c *Client) Close() error {
	c.Lock()
	defer c.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	for topic, ch := range c.channels {
		if err := c.client.Unsubscribe(topic); err != nil && c.logger != nil {
			c.logger.WithError(err).WithField("topic", topic).Debug("Unsubscribe failed")
		}
		close(ch)
	}
	c.channels = nil

	return c.client.Close()
}

// Connected reports whether the underlying WAMP session is alive.
func (c *Client) Connected() bool {
	c.Lock()
	defer c.Unlock()

	return !c.closed && c.client.Connected()
}

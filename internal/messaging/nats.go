// Package messaging provides a NATS client wrapper bridging the provider
// session to local consumers. Inbound chat events are republished on NATS
// subjects, and send requests published by other local processes are relayed
// to the provider.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used by the chatlink daemon.
const (
	SubjectMessageIn  = "chatlink.msg.in"     // inbound chat messages from the provider
	SubjectTypingIn   = "chatlink.typing.in"  // inbound typing indicators
	SubjectState      = "chatlink.state"      // connection state transitions
	SubjectEvents     = "chatlink.events"     // per-message failures
	SubjectMessageOut = "chatlink.msg.out"    // send requests from local consumers
	SubjectTypingOut  = "chatlink.typing.out" // typing requests from local consumers
)

// SendRequest is the payload local consumers publish on SubjectMessageOut.
// ID is optional; the daemon mints a client id when it is absent.
type SendRequest struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
}

// TypingRequest is the payload local consumers publish on SubjectTypingOut.
type TypingRequest struct {
	Active bool `json:"active"`
}

// StateEvent is the payload published on SubjectState.
type StateEvent struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chatlink",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishInboundMessage republishes an inbound chat message from the provider.
func (c *NATSClient) PublishInboundMessage(data []byte) error {
	return c.Publish(SubjectMessageIn, data)
}

// PublishTyping republishes an inbound typing indicator.
func (c *NATSClient) PublishTyping(data []byte) error {
	return c.Publish(SubjectTypingIn, data)
}

// PublishState publishes a connection-state transition.
func (c *NATSClient) PublishState(data []byte) error {
	return c.Publish(SubjectState, data)
}

// PublishEvent publishes a per-message failure event.
func (c *NATSClient) PublishEvent(data []byte) error {
	return c.Publish(SubjectEvents, data)
}

// SubscribeSendRequests subscribes to chat send requests from local consumers.
func (c *NATSClient) SubscribeSendRequests(handler func(data []byte)) error {
	return c.Subscribe(SubjectMessageOut, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeTypingRequests subscribes to typing requests from local consumers.
func (c *NATSClient) SubscribeTypingRequests(handler func(data []byte)) error {
	return c.Subscribe(SubjectTypingOut, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

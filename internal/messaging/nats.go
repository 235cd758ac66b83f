// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the Mehfil socket service and its collaborators. It handles
// connection lifecycle, subject-based subscriptions, and convenience methods
// for the report intake and ban notice channels.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects used across Mehfil services.
const (
	// SubjectReports carries post reports filed through the REST API.
	SubjectReports = "mehfil.reports"
	// SubjectBans carries posting-ban escalation notices for other services.
	SubjectBans = "mehfil.bans"
)

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
		Name:          "mehfil-socket",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
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

// SubscribeReports subscribes to the report intake subject. Reports are
// filed by the REST API and fan out to every socket instance; the queue
// group ensures each report is handled once.
func (c *NATSClient) SubscribeReports(handler func(data []byte)) error {
	sub, err := c.conn.QueueSubscribe(SubjectReports, "mehfil-socket", func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectReports, err)
	}

	c.mu.Lock()
	c.subs[SubjectReports] = sub
	c.mu.Unlock()
	return nil
}

// PublishBanNotice publishes a posting-ban escalation notice.
func (c *NATSClient) PublishBanNotice(data []byte) error {
	return c.Publish(SubjectBans, data)
}

// SubscribeBanNotices subscribes to ban escalation notices published by
// other instances, so each instance can push postingBanStatus to its own
// live connections.
func (c *NATSClient) SubscribeBanNotices(handler func(data []byte)) error {
	return c.Subscribe(SubjectBans, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// unsubscribe drains and removes a stored subscription by key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

// Close drains all subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	for key, sub := range c.subs {
		_ = sub.Unsubscribe()
		delete(c.subs, key)
	}
	c.mu.Unlock()

	c.conn.Close()
	log.Printf("[nats] client closed")
}

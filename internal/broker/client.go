package broker

import (
	"context"

	"github.com/renjiyun06/mosaic-sub001/internal/event"
)

// Client is a node's handle over the broker: one egress send path and one
// subscription on the node's own topic. The client owns no queues itself.
type Client struct {
	broker *Broker
	topic  string
	sub    *Subscription
}

// NewClient creates a disconnected client for the node addressed by
// (meshID, nodeID).
func NewClient(b *Broker, meshID, nodeID int64) *Client {
	return &Client{broker: b, topic: event.Topic(meshID, nodeID)}
}

// Topic returns the client's own subscription topic.
func (c *Client) Topic() string { return c.topic }

// Connect subscribes the client on its node topic. handler is invoked on the
// broker's forwarding goroutine and must hand off onto the node's worker
// before touching node state.
func (c *Client) Connect(handler Handler) error {
	sub, err := c.broker.Subscribe(c.topic, handler)
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

// Connected reports whether the client currently holds its subscription.
func (c *Client) Connected() bool { return c.sub != nil }

// Disconnect removes the subscription. Safe to call when not connected.
func (c *Client) Disconnect() {
	if c.sub != nil {
		c.broker.Unsubscribe(c.sub)
		c.sub = nil
	}
}

// Send publishes env to targetTopic.
func (c *Client) Send(ctx context.Context, targetTopic string, env *event.Envelope) error {
	return c.broker.Publish(ctx, targetTopic, env)
}

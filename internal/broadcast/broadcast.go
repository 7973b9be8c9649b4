// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

// Package broadcast carries session lifecycle messages between instances.
// Delivery is advisory: each instance already holds authoritative local
// state, and a missed message only delays reconciliation.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/pitwall/internal/logging"
	"github.com/tomtom215/pitwall/internal/metrics"
)

// Topic is the watermill topic session messages travel on.
const Topic = "pitwall.sessions"

// MessageType names a session lifecycle event.
type MessageType string

const (
	TypeSessionCreated   MessageType = "SESSION_CREATED"
	TypeSessionRefreshed MessageType = "SESSION_REFRESHED"
	TypeSessionDestroyed MessageType = "SESSION_DESTROYED"
	TypeLogout           MessageType = "LOGOUT"
	TypeSessionSync      MessageType = "SESSION_SYNC"
)

// Message is one cross-instance session notification.
type Message struct {
	// Type of lifecycle event.
	Type MessageType `json:"type"`

	// SessionID the event concerns, empty for LOGOUT sweeps.
	SessionID string `json:"session_id,omitempty"`

	// UserID owning the session.
	UserID string `json:"user_id,omitempty"`

	// InstanceID of the sender, used to drop our own messages.
	InstanceID string `json:"instance_id"`

	// At is when the sender emitted the message.
	At time.Time `json:"at"`
}

// Handler receives messages posted by other instances.
type Handler func(Message)

// Channel posts and receives session messages.
type Channel interface {
	// Post sends a message to the other instances. The instance ID and
	// timestamp are stamped on the way out.
	Post(ctx context.Context, msg Message) error

	// Subscribe registers a handler for messages from other instances.
	// Messages this instance posted are filtered out.
	Subscribe(handler Handler)

	// Run delivers messages to handlers until the context is canceled.
	Run(ctx context.Context) error

	// Close releases the underlying transport.
	Close() error
}

// GoChannel is the in-process Channel used for single-node deployments.
// It rides watermill's gochannel pub/sub so swapping in the NATS transport
// changes nothing for callers.
type GoChannel struct {
	instanceID string
	pubsub     *gochannel.GoChannel

	mu       sync.RWMutex
	handlers []Handler
	closed   bool

	// now is injectable for tests.
	now func() time.Time
}

// NewGoChannel creates an in-process channel. The instance ID must be
// unique per process; pass empty to generate one.
func NewGoChannel(instanceID string) *GoChannel {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return &GoChannel{
		instanceID: instanceID,
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, watermill.NopLogger{}),
		now: time.Now,
	}
}

// InstanceID returns this channel's sender identity.
func (c *GoChannel) InstanceID() string {
	return c.instanceID
}

// Post publishes a message, stamping sender identity and time.
func (c *GoChannel) Post(ctx context.Context, msg Message) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return fmt.Errorf("broadcast channel is closed")
	}
	c.mu.RUnlock()

	msg.InstanceID = c.instanceID
	if msg.At.IsZero() {
		msg.At = c.now().UTC()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal broadcast message: %w", err)
	}

	wmMsg := message.NewMessage(watermill.NewUUID(), payload)
	if err := c.pubsub.Publish(Topic, wmMsg); err != nil {
		return fmt.Errorf("publish broadcast message: %w", err)
	}

	metrics.BroadcastMessages.WithLabelValues("sent", string(msg.Type)).Inc()
	return nil
}

// Subscribe registers a handler. Handlers registered after Run started
// still receive subsequent messages.
func (c *GoChannel) Subscribe(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Run consumes the topic and fans messages out to handlers. Messages this
// instance posted are dropped. Designed for suture supervision.
func (c *GoChannel) Run(ctx context.Context) error {
	messages, err := c.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return fmt.Errorf("subscribe broadcast topic: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case wmMsg, ok := <-messages:
			if !ok {
				return nil
			}
			c.deliver(wmMsg)
		}
	}
}

// deliver decodes one transport message and hands it to every handler.
func (c *GoChannel) deliver(wmMsg *message.Message) {
	defer wmMsg.Ack()

	var msg Message
	if err := json.Unmarshal(wmMsg.Payload, &msg); err != nil {
		logging.Err(err).Str("message_uuid", wmMsg.UUID).
			Msg("dropping undecodable broadcast message")
		return
	}

	// Every instance hears its own posts on the shared topic; local state
	// is already current, so they are dropped here.
	if msg.InstanceID == c.instanceID {
		return
	}

	metrics.BroadcastMessages.WithLabelValues("received", string(msg.Type)).Inc()

	c.mu.RLock()
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, handler := range handlers {
		handler(msg)
	}
}

// Close shuts the underlying pub/sub down.
func (c *GoChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.pubsub.Close()
}

// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

//go:build nats

package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/pitwall/internal/logging"
	"github.com/tomtom215/pitwall/internal/metrics"
)

// NATSConfig holds the NATS transport settings.
type NATSConfig struct {
	// URL of the NATS server.
	URL string `json:"url"`

	// MaxReconnects before the client gives up. Negative retries forever.
	MaxReconnects int `json:"max_reconnects"`

	// ReconnectWait between reconnect attempts.
	ReconnectWait time.Duration `json:"reconnect_wait"`
}

// DefaultNATSConfig returns sane connection defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           natsgo.DefaultURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NATSChannel is the cross-instance Channel for clustered deployments.
type NATSChannel struct {
	instanceID string
	publisher  message.Publisher
	subscriber message.Subscriber

	mu       sync.RWMutex
	handlers []Handler
	closed   bool

	now func() time.Time
}

// NewNATSChannel connects to NATS and returns a cluster-wide channel.
func NewNATSChannel(cfg NATSConfig, instanceID string) (Channel, error) {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	logger := watermill.NopLogger{}
	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Err(err).Msg("nats disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Unmarshaler: &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create nats subscriber: %w", err)
	}

	return &NATSChannel{
		instanceID: instanceID,
		publisher:  pub,
		subscriber: sub,
		now:        time.Now,
	}, nil
}

// InstanceID returns this channel's sender identity.
func (c *NATSChannel) InstanceID() string {
	return c.instanceID
}

// Post publishes a message, stamping sender identity and time.
func (c *NATSChannel) Post(ctx context.Context, msg Message) error {
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
	if err := c.publisher.Publish(Topic, wmMsg); err != nil {
		return fmt.Errorf("publish broadcast message: %w", err)
	}

	metrics.BroadcastMessages.WithLabelValues("sent", string(msg.Type)).Inc()
	return nil
}

// Subscribe registers a handler for messages from other instances.
func (c *NATSChannel) Subscribe(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Run consumes the topic and fans messages out to handlers.
func (c *NATSChannel) Run(ctx context.Context) error {
	messages, err := c.subscriber.Subscribe(ctx, Topic)
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

func (c *NATSChannel) deliver(wmMsg *message.Message) {
	defer wmMsg.Ack()

	var msg Message
	if err := json.Unmarshal(wmMsg.Payload, &msg); err != nil {
		logging.Err(err).Str("message_uuid", wmMsg.UUID).
			Msg("dropping undecodable broadcast message")
		return
	}
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

// Close shuts both transport halves down.
func (c *NATSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	pubErr := c.publisher.Close()
	subErr := c.subscriber.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}

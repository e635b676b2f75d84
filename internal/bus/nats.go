// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
)

// NATSConfig holds connection settings for the NATS-backed bus.
type NATSConfig struct {
	// URL is the NATS server URL, e.g. nats://localhost:4222.
	URL string

	// MaxReconnects bounds automatic reconnection attempts. Negative
	// means retry forever.
	MaxReconnects int

	// ReconnectWait is the delay between reconnection attempts.
	ReconnectWait time.Duration

	// SubscribersCount is the number of subscriber routines per
	// subscription.
	SubscribersCount int
}

// DefaultNATSConfig returns production defaults.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:              url,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		SubscribersCount: 1,
	}
}

// NATSBus is the multi-process broadcast bus. It runs over core NATS
// (at-most-once delivery with fan-out to every subscriber), which is
// exactly the guarantee the coordination protocol is written against, so
// JetStream is deliberately disabled.
type NATSBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

// NewNATS connects to the NATS server and builds the bus.
func NewNATS(cfg NATSConfig, logger watermill.LoggerAdapter) (*NATSBus, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if cfg.SubscribersCount <= 0 {
		cfg.SubscribersCount = 1
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	jetStream := wmNats.JetStreamConfig{Disabled: true}

	publisher, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   jetStream,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}

	subscriber, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream:        jetStream,
		SubscribersCount: cfg.SubscribersCount,
		CloseTimeout:     5 * time.Second,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("create nats subscriber: %w", err)
	}

	return &NATSBus{publisher: publisher, subscriber: subscriber}, nil
}

// Publish sends messages on the given topic.
func (b *NATSBus) Publish(topic string, messages ...*message.Message) error {
	return b.publisher.Publish(topic, messages...)
}

// Subscribe opens a subscription on the given topic.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.subscriber.Subscribe(ctx, topic)
}

// Close releases the publisher and subscriber connections.
func (b *NATSBus) Close() error {
	pubErr := b.publisher.Close()
	subErr := b.subscriber.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}

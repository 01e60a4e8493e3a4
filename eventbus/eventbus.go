// Package eventbus carries change notifications and completion snapshots
// between clients over watermill. The NATS JetStream bus is the live
// transport; the in-process channel bus backs tests and single-machine use.
package eventbus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	nc "github.com/nats-io/nats.go"
)

// Bus is the transport seam between clients and the notification stream.
type Bus interface {
	Publish(ctx context.Context, topic string, msg *message.Message) error
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
	// Connected reports whether the live channel is currently up. A
	// spectator falls back to polling while this is false.
	Connected() bool
	Close() error
}

// natsBus is the JetStream-backed bus.
type natsBus struct {
	pub       message.Publisher
	sub       message.Subscriber
	connected atomic.Bool
}

// NewNATSBus connects a publisher and subscriber pair to NATS JetStream.
func NewNATSBus(natsURL string, logger watermill.LoggerAdapter) (Bus, error) {
	b := &natsBus{}

	options := []nc.Option{
		nc.RetryOnFailedConnect(true),
		nc.Timeout(30 * time.Second),
		nc.ReconnectWait(1 * time.Second),
		nc.DisconnectErrHandler(func(_ *nc.Conn, _ error) {
			b.connected.Store(false)
		}),
		nc.ReconnectHandler(func(_ *nc.Conn) {
			b.connected.Store(true)
		}),
	}

	marshaler := &wmnats.GobMarshaler{}
	jsConfig := wmnats.JetStreamConfig{
		Disabled:      false,
		AutoProvision: true,
	}

	pub, err := wmnats.NewPublisher(
		wmnats.PublisherConfig{
			URL:               natsURL,
			NatsOptions:       options,
			Marshaler:         marshaler,
			JetStream:         jsConfig,
			SubjectCalculator: wmnats.DefaultSubjectCalculator,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
	}

	sub, err := wmnats.NewSubscriber(
		wmnats.SubscriberConfig{
			URL:               natsURL,
			NatsOptions:       options,
			Unmarshaler:       marshaler,
			JetStream:         jsConfig,
			SubjectCalculator: wmnats.DefaultSubjectCalculator,
		},
		logger,
	)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("failed to create NATS subscriber: %w", err)
	}

	b.pub = pub
	b.sub = sub
	b.connected.Store(true)
	return b, nil
}

func (b *natsBus) Publish(ctx context.Context, topic string, msg *message.Message) error {
	msg.SetContext(ctx)
	if err := b.pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (b *natsBus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := b.sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return ch, nil
}

func (b *natsBus) Connected() bool { return b.connected.Load() }

func (b *natsBus) Close() error {
	pubErr := b.pub.Close()
	subErr := b.sub.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}

// channelBus is an in-process bus for tests and single-machine scoring.
type channelBus struct {
	ch *gochannel.GoChannel
}

// NewChannelBus builds an in-memory bus. Every subscriber sees every
// published message, mirroring the fan-out of the shared store.
func NewChannelBus(logger watermill.LoggerAdapter) Bus {
	return &channelBus{
		ch: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger),
	}
}

func (b *channelBus) Publish(ctx context.Context, topic string, msg *message.Message) error {
	msg.SetContext(ctx)
	return b.ch.Publish(topic, msg)
}

func (b *channelBus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.ch.Subscribe(ctx, topic)
}

func (b *channelBus) Connected() bool { return true }

func (b *channelBus) Close() error { return b.ch.Close() }

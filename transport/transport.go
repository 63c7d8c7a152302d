// Package transport defines the broker backends the relay can run on. Each
// backend lives in its own sub-package and registers a Builder with the
// transport registry.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/orderrelay/internal/runtime/errors"
)

// Transport combines a publisher and subscriber pair produced by a builder.
// Both may be the same value (the in-memory channel transport).
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// PublisherHandle returns a publisher owned by a single caller. Closing the
// handle detaches the caller; the underlying publisher stays open until
// Transport.Close.
func (t Transport) PublisherHandle() message.Publisher {
	return &publisherHandle{inner: t.Publisher}
}

// SubscriberHandle returns a subscriber owned by a single caller. Closing the
// handle cancels every subscription made through it, which closes their
// message channels, and leaves the underlying subscriber open.
func (t Transport) SubscriberHandle() message.Subscriber {
	return &subscriberHandle{inner: t.Subscriber, cancels: make(map[int]context.CancelFunc)}
}

// Close closes the underlying publisher and subscriber. A pub/sub that
// implements both sides is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && !sameInstance(t.Publisher, t.Subscriber) {
		errs = append(errs, t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

func sameInstance(pub message.Publisher, sub message.Subscriber) bool {
	return pub != nil && any(pub) == any(sub)
}

type publisherHandle struct {
	mu     sync.RWMutex
	inner  message.Publisher
	closed bool
}

func (h *publisherHandle) Publish(topic string, messages ...*message.Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return errspkg.ErrHandleClosed
	}
	return h.inner.Publish(topic, messages...)
}

func (h *publisherHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

type subscriberHandle struct {
	mu      sync.Mutex
	inner   message.Subscriber
	next    int
	cancels map[int]context.CancelFunc
	closed  bool
}

func (h *subscriberHandle) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errspkg.ErrHandleClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch, err := h.inner.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, err
	}
	id := h.next
	h.next++
	h.cancels[id] = cancel
	context.AfterFunc(subCtx, func() {
		h.mu.Lock()
		delete(h.cancels, id)
		h.mu.Unlock()
	})
	return ch, nil
}

func (h *subscriberHandle) active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cancels)
}

func (h *subscriberHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for id, cancel := range h.cancels {
		cancel()
		delete(h.cancels, id)
	}
	return nil
}

// Package broker turns a Watermill subscriber into a push-delivery
// subscription. Worker goroutines pull from the subscriber channel and hand
// each message to a registered handler as a Delivery that must be completed,
// abandoned or dead lettered.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/orderrelay/internal/runtime/errors"
	"github.com/drblury/orderrelay/internal/runtime/logging"
	"github.com/drblury/orderrelay/internal/runtime/metrics"
	"github.com/drblury/orderrelay/transport"
)

// DefaultDeadLetterSuffix is appended to the topic name when no dead letter
// topic is configured.
const DefaultDeadLetterSuffix = ".deadletter"

// ErrTopicRequired is returned when a subscription is created without a topic.
var ErrTopicRequired = errors.New("orderrelay: subscription topic is required")

// MessageHandler processes one delivery. It runs on a worker goroutine.
type MessageHandler func(ctx context.Context, d *Delivery)

// ErrorHandler receives subscription-level failures.
type ErrorHandler func(err error)

// Options configures a Subscription. Zero values are replaced by defaults.
type Options struct {
	// Concurrency is the number of workers invoking the message handler.
	// Use 1 when ordering per subscriber matters.
	Concurrency int
	// DeadLetter receives dead lettered copies of messages.
	DeadLetter message.Publisher
	// DeadLetterTopic defaults to "<topic>.deadletter".
	DeadLetterTopic string
	Logger          logging.ServiceLogger
	Capabilities    transport.Capabilities
	Metrics         *metrics.BrokerMetrics
	DLQMetrics      *metrics.DLQMetrics
}

func (o Options) withDefaults(topic string) Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.DeadLetterTopic == "" {
		o.DeadLetterTopic = topic + DefaultDeadLetterSuffix
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// Subscription delivers messages of one topic to a MessageHandler.
type Subscription struct {
	sub   message.Subscriber
	topic string
	opts  Options
	log   logging.ServiceLogger

	mu        sync.Mutex
	onMessage MessageHandler
	onError   ErrorHandler
	started   bool
	stopped   bool
	cancel    context.CancelFunc

	workers    sync.WaitGroup
	closedOnce sync.Once
	stopOnce   sync.Once
	stopErr    error
}

// NewSubscription prepares a subscription; nothing is consumed until Start.
func NewSubscription(sub message.Subscriber, topic string, opts Options) (*Subscription, error) {
	if sub == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if topic == "" {
		return nil, ErrTopicRequired
	}
	opts = opts.withDefaults(topic)
	return &Subscription{
		sub:   sub,
		topic: topic,
		opts:  opts,
		log:   opts.Logger.With(logging.LogFields{"topic": topic}),
	}, nil
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// DeadLetterTopic returns where dead lettered messages are published.
func (s *Subscription) DeadLetterTopic() string { return s.opts.DeadLetterTopic }

// OnMessage registers the delivery handler. It must be set before Start.
func (s *Subscription) OnMessage(h MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = h
}

// OnError registers the handler for subscription-level failures.
func (s *Subscription) OnError(h ErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = h
}

// Start subscribes synchronously and launches the workers. A failed
// subscribe is returned as a *ConnectionError.
func (s *Subscription) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return errspkg.ErrNotRunning
	}
	if s.onMessage == nil {
		return errspkg.ErrHandlerRequired
	}
	if s.started {
		return errspkg.ErrAlreadyStarted
	}

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := s.sub.Subscribe(subCtx, s.topic)
	if err != nil {
		cancel()
		return &errspkg.ConnectionError{Channel: s.topic, Err: err}
	}
	s.started = true
	s.cancel = cancel

	if !s.opts.Capabilities.SupportsNack && s.opts.Capabilities.Name != "" {
		s.log.Info("Transport does not redeliver abandoned messages", logging.LogFields{
			"transport": s.opts.Capabilities.Name,
		})
	}

	handlerCtx := context.WithoutCancel(subCtx)
	for i := 0; i < s.opts.Concurrency; i++ {
		s.workers.Add(1)
		go s.work(subCtx, handlerCtx, messages)
	}
	s.log.Debug("Subscription started", logging.LogFields{"workers": s.opts.Concurrency})
	return nil
}

func (s *Subscription) work(subCtx, handlerCtx context.Context, messages <-chan *message.Message) {
	defer s.workers.Done()

	for msg := range messages {
		if subCtx.Err() != nil {
			msg.Nack()
			continue
		}
		s.dispatch(handlerCtx, msg)
	}

	if subCtx.Err() == nil {
		s.closedOnce.Do(func() {
			s.log.Error("Subscription channel closed", errspkg.ErrSubscriptionStopped, nil)
			if h := s.errorHandler(); h != nil {
				h(&errspkg.TransportError{Channel: s.topic, Err: errspkg.ErrSubscriptionStopped})
			}
		})
	}
}

// dispatch runs the handler. Panics and unsettled deliveries end as abandon.
func (s *Subscription) dispatch(ctx context.Context, msg *message.Message) {
	d := newDelivery(ctx, s, msg)

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Message handler panicked", fmt.Errorf("panic: %v", r), nil)
		}
		if !d.Settled() {
			_ = d.Abandon()
		}
	}()

	h := s.messageHandler()
	if h == nil {
		return
	}
	h(ctx, d)
}

func (s *Subscription) messageHandler() MessageHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onMessage
}

func (s *Subscription) errorHandler() ErrorHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onError
}

// Stop cancels the subscription, waits for in-flight handlers, detaches the
// handlers and closes the subscriber. It is idempotent.
func (s *Subscription) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.workers.Wait()

		s.mu.Lock()
		s.onMessage = nil
		s.onError = nil
		s.mu.Unlock()

		if err := s.sub.Close(); err != nil {
			s.stopErr = &errspkg.TransportError{Channel: s.topic, Err: err}
		}
		s.log.Debug("Subscription stopped", nil)
	})
	return s.stopErr
}

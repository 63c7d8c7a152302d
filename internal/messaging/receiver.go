package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/orderrelay/internal/broker"
	errspkg "github.com/drblury/orderrelay/internal/runtime/errors"
	"github.com/drblury/orderrelay/internal/runtime/logging"
	"github.com/drblury/orderrelay/internal/runtime/metrics"
	"github.com/drblury/orderrelay/transport"
)

// DefaultReadTimeout is used by ReadMessage when given a negative timeout.
const DefaultReadTimeout = time.Second

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	// ReadTimeout replaces DefaultReadTimeout for negative ReadMessage
	// timeouts.
	ReadTimeout time.Duration
	// Concurrency is the number of delivery workers. Keep it at 1 when
	// reads must observe broker order.
	Concurrency  int
	Logger       logging.ServiceLogger
	Capabilities transport.Capabilities
	Metrics      *metrics.BrokerMetrics
}

// Receiver exposes a channel as synchronous reads. It holds at most one
// pending read; deliveries arriving while nobody is reading are completed
// and dropped.
type Receiver struct {
	channel        string
	sub            *broker.Subscription
	log            logging.ServiceLogger
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending chan string
	closed  bool

	closeOnce sync.Once
}

// OpenReceiver subscribes to channel and returns once the subscription is
// live. Subscribe failures are returned as *ConnectionError.
func OpenReceiver(ctx context.Context, sub message.Subscriber, channel string, opts ReceiverOptions) (*Receiver, error) {
	if channel == "" {
		return nil, errspkg.NewArgumentError("channel", errspkg.ErrChannelRequired)
	}
	if sub == nil {
		return nil, errspkg.NewArgumentError("subscriber", errspkg.ErrSubscriberRequired)
	}

	log := logging.OrNop(opts.Logger).With(logging.LogFields{"channel": channel, "component": "receiver"})
	subscription, err := broker.NewSubscription(sub, channel, broker.Options{
		Concurrency:  opts.Concurrency,
		Logger:       log,
		Capabilities: opts.Capabilities,
		Metrics:      opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		channel:        channel,
		sub:            subscription,
		log:            log,
		defaultTimeout: opts.ReadTimeout,
	}
	if r.defaultTimeout <= 0 {
		r.defaultTimeout = DefaultReadTimeout
	}

	subscription.OnMessage(r.onDelivery)
	subscription.OnError(r.onError)
	if err := subscription.Start(ctx); err != nil {
		_ = subscription.Stop()
		return nil, err
	}
	return r, nil
}

// Channel returns the subscribed channel name.
func (r *Receiver) Channel() string { return r.channel }

// ReadMessage waits up to timeout for the next delivery and returns its
// payload. A negative timeout uses the receiver default; zero only takes a
// delivery that is being handed over at that instant. It returns ("", false)
// on timeout, after Close, or when another read is already pending.
func (r *Receiver) ReadMessage(timeout time.Duration) (payload string, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Read failed", nil, logging.LogFields{"panic": rec})
			payload, ok = "", false
		}
	}()

	if timeout < 0 {
		timeout = r.defaultTimeout
	}

	slot := make(chan string, 1)
	r.mu.Lock()
	if r.closed || r.pending != nil {
		r.mu.Unlock()
		return "", false
	}
	r.pending = slot
	r.mu.Unlock()

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case payload = <-slot:
			return payload, true
		case <-timer.C:
		}
	}

	// Expired. A delivery may have filled the slot before we got the lock.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == slot {
		r.pending = nil
	}
	select {
	case payload = <-slot:
		return payload, true
	default:
		return "", false
	}
}

func (r *Receiver) onDelivery(_ context.Context, d *broker.Delivery) {
	payload := d.Payload()
	if err := d.Complete(); err != nil {
		r.log.Error("Failed to complete delivery", err, logging.LogFields{"message_id": d.ID()})
	}

	r.mu.Lock()
	slot := r.pending
	r.pending = nil
	if slot != nil {
		slot <- payload
	}
	r.mu.Unlock()

	if slot == nil {
		r.log.Debug("No pending read, message dropped", logging.LogFields{"message_id": d.ID()})
	}
}

func (r *Receiver) onError(err error) {
	r.log.Error("Receiver subscription error", err, nil)
}

// Close stops the subscription, waiting for in-flight deliveries. It is
// idempotent and never fails.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		if err := r.sub.Stop(); err != nil {
			r.log.Error("Failed to stop receiver subscription", err, nil)
		}
	})
	return nil
}

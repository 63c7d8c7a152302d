package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/orderrelay/internal/runtime/errors"
	"github.com/drblury/orderrelay/internal/runtime/metadata"
	"github.com/drblury/orderrelay/internal/runtime/metrics"
)

const topic = "orderrequests"

// newBus returns a pub/sub whose Publish blocks until the message is acked,
// which makes redelivery counts deterministic.
func newBus(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	bus := gochannel.NewGoChannel(gochannel.Config{BlockPublishUntilSubscriberAck: true}, watermill.NopLogger{})
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func startSubscription(t *testing.T, sub message.Subscriber, opts Options, h MessageHandler) *Subscription {
	t.Helper()
	s, err := NewSubscription(sub, topic, opts)
	require.NoError(t, err)
	s.OnMessage(h)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func publish(t *testing.T, pub message.Publisher, topic, payload string) {
	t.Helper()
	msg := message.NewMessage(watermill.NewUUID(), []byte(payload))
	msg.Metadata.Set(metadata.KeyCorrelationID, "corr-1")

	done := make(chan error, 1)
	go func() { done <- pub.Publish(topic, msg) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("publish was not acknowledged in time")
	}
}

func TestNewSubscriptionValidation(t *testing.T) {
	_, err := NewSubscription(nil, topic, Options{})
	assert.ErrorIs(t, err, errspkg.ErrSubscriberRequired)

	_, err = NewSubscription(newBus(t), "", Options{})
	assert.ErrorIs(t, err, ErrTopicRequired)

	s, err := NewSubscription(newBus(t), topic, Options{})
	require.NoError(t, err)
	assert.Equal(t, "orderrequests.deadletter", s.DeadLetterTopic())
	assert.Equal(t, 1, s.opts.Concurrency)
}

func TestStartErrors(t *testing.T) {
	t.Run("handler required", func(t *testing.T) {
		s, err := NewSubscription(newBus(t), topic, Options{})
		require.NoError(t, err)
		assert.ErrorIs(t, s.Start(context.Background()), errspkg.ErrHandlerRequired)
	})

	t.Run("subscribe failure is a connection error", func(t *testing.T) {
		s, err := NewSubscription(&stubSubscriber{subscribeErr: errors.New("refused")}, topic, Options{})
		require.NoError(t, err)
		s.OnMessage(func(context.Context, *Delivery) {})

		err = s.Start(context.Background())
		var connErr *errspkg.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, topic, connErr.Channel)
	})

	t.Run("second start", func(t *testing.T) {
		s := startSubscription(t, newBus(t), Options{}, func(context.Context, *Delivery) {})
		assert.ErrorIs(t, s.Start(context.Background()), errspkg.ErrAlreadyStarted)
	})

	t.Run("start after stop", func(t *testing.T) {
		s, err := NewSubscription(newBus(t), topic, Options{})
		require.NoError(t, err)
		s.OnMessage(func(context.Context, *Delivery) {})
		require.NoError(t, s.Stop())
		assert.ErrorIs(t, s.Start(context.Background()), errspkg.ErrNotRunning)
	})
}

func TestCompleteAcknowledges(t *testing.T) {
	bus := newBus(t)
	brokerMetrics := metrics.NewBrokerMetrics(prometheus.NewRegistry())

	var calls atomic.Int32
	got := make(chan *Delivery, 1)
	startSubscription(t, bus, Options{Metrics: brokerMetrics}, func(ctx context.Context, d *Delivery) {
		calls.Add(1)
		assert.NoError(t, d.Complete())
		assert.ErrorIs(t, d.Complete(), errspkg.ErrAlreadySettled)
		assert.ErrorIs(t, d.Abandon(), errspkg.ErrAlreadySettled)
		assert.ErrorIs(t, d.DeadLetter("late", nil), errspkg.ErrAlreadySettled)
		got <- d
	})

	publish(t, bus, topic, "hello")

	d := <-got
	assert.Equal(t, "hello", d.Payload())
	assert.Equal(t, topic, d.Topic())
	assert.Equal(t, "corr-1", d.Metadata().CorrelationID())
	assert.NotEmpty(t, d.ID())
	assert.Equal(t, Completed, d.Disposition())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(brokerMetrics.Dispositions().WithLabelValues(topic, "completed")))
}

func TestAbandonRedelivers(t *testing.T) {
	bus := newBus(t)

	var calls atomic.Int32
	startSubscription(t, bus, Options{}, func(ctx context.Context, d *Delivery) {
		if calls.Add(1) == 1 {
			assert.NoError(t, d.Abandon())
			return
		}
		assert.NoError(t, d.Complete())
	})

	publish(t, bus, topic, "retry me")
	assert.Equal(t, int32(2), calls.Load())
}

func TestPanicAndUnsettledAreAbandoned(t *testing.T) {
	bus := newBus(t)

	var calls atomic.Int32
	startSubscription(t, bus, Options{}, func(ctx context.Context, d *Delivery) {
		switch calls.Add(1) {
		case 1:
			panic("handler bug")
		case 2:
			// returns without settling
		default:
			_ = d.Complete()
		}
	})

	publish(t, bus, topic, "fragile")
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeadLetterPublishesCopy(t *testing.T) {
	bus := newBus(t)
	dlqMetrics := metrics.NewDLQMetrics(prometheus.NewRegistry())

	dead, err := bus.Subscribe(context.Background(), topic+DefaultDeadLetterSuffix)
	require.NoError(t, err)

	startSubscription(t, bus, Options{DeadLetter: bus, DLQMetrics: dlqMetrics}, func(ctx context.Context, d *Delivery) {
		assert.NoError(t, d.DeadLetter("invalid_json", errors.New("syntax error at index 1 near {broken")))
		assert.Equal(t, DeadLettered, d.Disposition())
	})

	go func() {
		_ = bus.Publish(topic, message.NewMessage(watermill.NewUUID(), []byte("{broken")))
	}()

	select {
	case msg := <-dead:
		assert.Equal(t, "{broken", string(msg.Payload))
		assert.Equal(t, "syntax error at index 1 near {broken", msg.Metadata.Get(metadata.KeyDeadLetterReason))
		assert.Equal(t, "invalid_json", msg.Metadata.Get(metadata.KeyDeadLetterCode))
		assert.Equal(t, topic, msg.Metadata.Get(metadata.KeyOriginalTopic))
		assert.NotEmpty(t, msg.Metadata.Get(metadata.KeyDeadLetteredAt))
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("dead letter not published")
	}

	require.Eventually(t, func() bool {
		tm := dlqMetrics.GetTopicMetrics(topic)
		return tm != nil && tm.Reasons["invalid_json"] == 1
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, dlqMetrics.GetTopicMetrics(topic).Reasons, 1)
}

func TestDeadLetterFailureAbandons(t *testing.T) {
	bus := newBus(t)
	failing := &stubPublisher{err: errors.New("dlq down")}

	var calls atomic.Int32
	startSubscription(t, bus, Options{DeadLetter: failing}, func(ctx context.Context, d *Delivery) {
		if calls.Add(1) == 1 {
			err := d.DeadLetter("bad", nil)
			var transportErr *errspkg.TransportError
			if assert.ErrorAs(t, err, &transportErr) {
				assert.Equal(t, "orderrequests.deadletter", transportErr.Channel)
			}
			assert.Equal(t, Abandoned, d.Disposition())
			return
		}
		_ = d.Complete()
	})

	publish(t, bus, topic, "payload")
	assert.Equal(t, int32(2), calls.Load())
}

func TestDeadLetterWithoutPublisherDrops(t *testing.T) {
	bus := newBus(t)
	dlqMetrics := metrics.NewDLQMetrics(prometheus.NewRegistry())

	var calls atomic.Int32
	startSubscription(t, bus, Options{DLQMetrics: dlqMetrics}, func(ctx context.Context, d *Delivery) {
		calls.Add(1)
		assert.NoError(t, d.DeadLetter("", errors.New("no reason code given")))
	})

	publish(t, bus, topic, "payload")
	assert.Equal(t, int32(1), calls.Load())
	require.Eventually(t, func() bool {
		tm := dlqMetrics.GetTopicMetrics(topic)
		return tm != nil && tm.Reasons[UnspecifiedReason] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentWorkers(t *testing.T) {
	bus := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer bus.Close()

	const workers = 3
	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		release  = make(chan struct{})
		done     sync.WaitGroup
	)
	done.Add(workers)
	startSubscription(t, bus, Options{Concurrency: workers}, func(ctx context.Context, d *Delivery) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		_ = d.Complete()
		done.Done()
	})

	for i := 0; i < workers; i++ {
		require.NoError(t, bus.Publish(topic, message.NewMessage(watermill.NewUUID(), []byte("x"))))
	}
	require.Eventually(t, func() bool { return peak.Load() == workers }, 2*time.Second, 5*time.Millisecond)
	close(release)
	done.Wait()
}

func TestStopWaitsForInFlightHandler(t *testing.T) {
	bus := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer bus.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var ctxErr atomic.Value
	s := startSubscription(t, bus, Options{}, func(ctx context.Context, d *Delivery) {
		close(entered)
		<-release
		if err := ctx.Err(); err != nil {
			ctxErr.Store(err)
		}
		_ = d.Complete()
	})

	require.NoError(t, bus.Publish(topic, message.NewMessage(watermill.NewUUID(), []byte("slow"))))
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Nil(t, ctxErr.Load(), "handler context must survive Stop")
	assert.NoError(t, s.Stop())
}

func TestStopClosesSubscriberOnce(t *testing.T) {
	sub := &stubSubscriber{}
	s := startSubscription(t, sub, Options{}, func(context.Context, *Delivery) {})

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, int32(1), sub.closed.Load())
	assert.Nil(t, s.messageHandler())
	assert.Nil(t, s.errorHandler())
}

func TestStopReportsCloseError(t *testing.T) {
	sub := &stubSubscriber{closeErr: errors.New("close failed")}
	s := startSubscription(t, sub, Options{}, func(context.Context, *Delivery) {})

	err := s.Stop()
	var transportErr *errspkg.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.ErrorContains(t, err, "close failed")
}

func TestUnexpectedChannelCloseReachesErrorHandler(t *testing.T) {
	sub := &stubSubscriber{}
	s, err := NewSubscription(sub, topic, Options{Concurrency: 2})
	require.NoError(t, err)

	errs := make(chan error, 4)
	s.OnMessage(func(context.Context, *Delivery) {})
	s.OnError(func(err error) { errs <- err })
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	sub.closeChannel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, errspkg.ErrSubscriptionStopped)
	case <-time.After(time.Second):
		t.Fatal("error handler not invoked")
	}
	// Reported once even with several workers.
	select {
	case err := <-errs:
		t.Fatalf("unexpected second error: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

type stubSubscriber struct {
	subscribeErr error
	closeErr     error
	closed       atomic.Int32

	mu sync.Mutex
	ch chan *message.Message
}

func (s *stubSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = make(chan *message.Message)
	ch := s.ch
	go func() {
		<-ctx.Done()
		s.closeChannel()
	}()
	return ch, nil
}

func (s *stubSubscriber) closeChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
}

func (s *stubSubscriber) Close() error {
	s.closed.Add(1)
	return s.closeErr
}

type stubPublisher struct {
	err error
}

func (p *stubPublisher) Publish(topic string, messages ...*message.Message) error { return p.err }
func (p *stubPublisher) Close() error                                             { return nil }

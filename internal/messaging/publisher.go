// Package messaging wraps broker channels in the two client shapes used by
// the relay: a Publisher that sends string payloads to one channel, and a
// Receiver that turns push deliveries into bounded-wait reads.
package messaging

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/orderrelay/internal/runtime/errors"
	"github.com/drblury/orderrelay/internal/runtime/ids"
	"github.com/drblury/orderrelay/internal/runtime/logging"
	"github.com/drblury/orderrelay/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/orderrelay/internal/messaging"

// PublisherFactory allocates the send handle owned by one Publisher.
type PublisherFactory func() (message.Publisher, error)

// StaticPublisher returns a factory handing out pub.
func StaticPublisher(pub message.Publisher) PublisherFactory {
	return func() (message.Publisher, error) { return pub, nil }
}

// PublisherOption customises a Publisher.
type PublisherOption func(*Publisher)

// WithIDGenerator sets the correlation id source. Defaults to ULIDs.
func WithIDGenerator(gen ids.Generator) PublisherOption {
	return func(p *Publisher) {
		if gen != nil {
			p.ids = gen
		}
	}
}

func WithLogger(log logging.ServiceLogger) PublisherOption {
	return func(p *Publisher) { p.log = logging.OrNop(log) }
}

func WithTracer(tracer trace.Tracer) PublisherOption {
	return func(p *Publisher) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithMessageSchema tags every sent message with the given schema name.
func WithMessageSchema(schema string) PublisherOption {
	return func(p *Publisher) { p.schema = schema }
}

// Publisher sends payloads to a single channel. It is safe for concurrent
// use.
type Publisher struct {
	channel string
	ids     ids.Generator
	log     logging.ServiceLogger
	tracer  trace.Tracer
	schema  string

	mu     sync.RWMutex
	pub    message.Publisher
	closed bool
}

// OpenPublisher allocates a send handle for channel.
func OpenPublisher(factory PublisherFactory, channel string, opts ...PublisherOption) (*Publisher, error) {
	if channel == "" {
		return nil, errspkg.NewArgumentError("channel", errspkg.ErrChannelRequired)
	}
	if factory == nil {
		return nil, errspkg.NewArgumentError("factory", errspkg.ErrPublisherRequired)
	}

	p := &Publisher{
		channel: channel,
		ids:     ids.NewULIDGenerator(),
		log:     logging.NewNopLogger(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}

	pub, err := factory()
	if err != nil {
		return nil, &errspkg.ConnectionError{Channel: channel, Err: err}
	}
	if pub == nil {
		return nil, &errspkg.ConnectionError{Channel: channel, Err: errspkg.ErrPublisherRequired}
	}
	p.pub = pub
	p.log = p.log.With(logging.LogFields{"channel": channel})
	return p, nil
}

// Channel returns the destination channel name.
func (p *Publisher) Channel() string { return p.channel }

// Send publishes payload and returns the correlation id assigned to it.
// A nil payload is rejected before any I/O. Transport failures are returned
// as *TransportError and are not retried.
func (p *Publisher) Send(ctx context.Context, payload *string) (string, error) {
	if payload == nil {
		return "", errspkg.NewArgumentError("payload", errspkg.ErrPayloadRequired)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return "", &errspkg.TransportError{Channel: p.channel, Err: errspkg.ErrHandleClosed}
	}

	correlationID := p.ids.NewID()
	ctx, span := p.tracer.Start(ctx, "orderrelay.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", p.channel),
			attribute.String("messaging.message.id", correlationID),
		),
	)
	defer span.End()

	msg := message.NewMessage(correlationID, []byte(*payload))
	msg.Metadata.Set(metadata.KeyCorrelationID, correlationID)
	if p.schema != "" {
		msg.Metadata.Set(metadata.KeyMessageSchema, p.schema)
	}
	msg.SetContext(ctx)

	if err := p.pub.Publish(p.channel, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		p.log.Error("Failed to send message", err, logging.LogFields{"correlation_id": correlationID})
		return "", &errspkg.TransportError{Channel: p.channel, Err: err}
	}

	p.log.Info("Message sent", logging.LogFields{
		"correlation_id": correlationID,
		"payload":        *payload,
	})
	return correlationID, nil
}

// SendString is Send for a non-pointer payload.
func (p *Publisher) SendString(ctx context.Context, payload string) (string, error) {
	return p.Send(ctx, &payload)
}

// Close releases the send handle. It is idempotent and never fails; close
// errors are logged.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.pub.Close(); err != nil {
		p.log.Error("Failed to close publisher", err, nil)
	}
	return nil
}

// Package relay runs the order relay loop: consume orders from the input
// channel, mark them completed and forward them to the output channel.
//
// Each delivery ends in exactly one disposition. The input message is
// completed only after the forwarded order was accepted by the output
// channel, so a failed forward leads to redelivery instead of loss.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/orderrelay/internal/broker"
	"github.com/drblury/orderrelay/internal/order"
	errspkg "github.com/drblury/orderrelay/internal/runtime/errors"
	"github.com/drblury/orderrelay/internal/runtime/logging"
	"github.com/drblury/orderrelay/internal/runtime/metrics"
	"github.com/drblury/orderrelay/transport"
)

const (
	DefaultInputChannel = "orderrequests"
	tracerName          = "github.com/drblury/orderrelay/internal/relay"
)

// OrderSender forwards encoded orders to the output channel.
// *messaging.Publisher implements it.
type OrderSender interface {
	SendString(ctx context.Context, payload string) (string, error)
	Close() error
}

// ProcessorConfig configures a Processor. Zero values use defaults.
type ProcessorConfig struct {
	InputChannel    string
	DeadLetter      message.Publisher
	DeadLetterTopic string
	Concurrency     int
	Logger          logging.ServiceLogger
	Capabilities    transport.Capabilities
	Metrics         *metrics.RelayMetrics
	BrokerMetrics   *metrics.BrokerMetrics
	DLQMetrics      *metrics.DLQMetrics
	Tracer          trace.Tracer
	Hooks           Hooks
}

// Processor is the long-running relay. It is started once and stopped once.
type Processor struct {
	sub    *broker.Subscription
	out    OrderSender
	log    logging.ServiceLogger
	tracer trace.Tracer
	cfg    ProcessorConfig

	mu    sync.Mutex
	state State

	stopOnce sync.Once
	stopErr  error
}

// NewProcessor prepares a relay consuming from sub and forwarding to out.
func NewProcessor(sub message.Subscriber, out OrderSender, cfg ProcessorConfig) (*Processor, error) {
	if sub == nil {
		return nil, errspkg.NewArgumentError("subscriber", errspkg.ErrSubscriberRequired)
	}
	if out == nil {
		return nil, errspkg.NewArgumentError("output", errspkg.ErrPublisherRequired)
	}
	if cfg.InputChannel == "" {
		cfg.InputChannel = DefaultInputChannel
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	log := logging.OrNop(cfg.Logger).With(logging.LogFields{"component": "relay"})

	subscription, err := broker.NewSubscription(sub, cfg.InputChannel, broker.Options{
		Concurrency:     cfg.Concurrency,
		DeadLetter:      cfg.DeadLetter,
		DeadLetterTopic: cfg.DeadLetterTopic,
		Logger:          log,
		Capabilities:    cfg.Capabilities,
		Metrics:         cfg.BrokerMetrics,
		DLQMetrics:      cfg.DLQMetrics,
	})
	if err != nil {
		return nil, err
	}

	p := &Processor{
		sub:    subscription,
		out:    out,
		log:    log.With(logging.LogFields{"input": cfg.InputChannel}),
		tracer: cfg.Tracer,
		cfg:    cfg,
		state:  StateCreated,
	}
	subscription.OnMessage(p.handle)
	subscription.OnError(func(err error) {
		p.log.Error("Relay subscription failed", err, nil)
	})
	return p, nil
}

// State returns the lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start subscribes to the input channel and begins relaying.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateCreated:
	case StateRunning:
		return errspkg.ErrAlreadyStarted
	default:
		return errspkg.ErrNotRunning
	}

	if err := p.sub.Start(ctx); err != nil {
		return err
	}
	p.state = StateRunning
	p.log.Info("Order relay started", logging.LogFields{"dead_letter": p.sub.DeadLetterTopic()})
	return nil
}

// Run starts the processor and blocks until ctx is done, then stops it.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return p.Stop()
}

// Stop waits for in-flight deliveries, then releases the subscription
// followed by the output sender. It is idempotent.
func (p *Processor) Stop() error {
	p.stopOnce.Do(func() {
		p.setState(StateStopping)

		var errs []error
		if err := p.sub.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop subscription: %w", err))
		}
		if err := p.out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output: %w", err))
		}
		p.stopErr = errors.Join(errs...)

		p.setState(StateStopped)
		p.log.Info("Order relay stopped", nil)
	})
	return p.stopErr
}

func (p *Processor) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *Processor) handle(ctx context.Context, d *broker.Delivery) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "orderrelay.relay",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.source.name", d.Topic()),
			attribute.String("messaging.message.id", d.ID()),
		),
	)
	defer span.End()

	outcome, err := p.relay(ctx, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(attribute.String("orderrelay.outcome", outcome))
	p.cfg.Metrics.RecordOrder(outcome, time.Since(start))
}

// relay settles d and reports the outcome. It never panics.
func (p *Processor) relay(ctx context.Context, d *broker.Delivery) (outcome string, err error) {
	payload := d.Payload()
	log := p.log.With(logging.LogFields{"message_id": d.ID()})

	defer func() {
		if r := recover(); r != nil {
			err = &errspkg.TransientProcessingError{Stage: "relay", Err: fmt.Errorf("panic: %v", r)}
			outcome = p.abandon(d, log, payload, err)
		}
	}()

	if payload == "" {
		return p.abandon(d, log, payload, errspkg.ErrEmptyPayload), errspkg.ErrEmptyPayload
	}

	o, err := order.Decode(payload)
	if err != nil {
		if derr := d.DeadLetter(errspkg.DecodeReason(err), err); derr != nil {
			// The dead letter channel refused it; the delivery was abandoned.
			return p.abandon(d, log, payload, derr), derr
		}
		log.Error("Dead lettered malformed order", err, nil)
		if h := p.cfg.Hooks.OnDeadLettered; h != nil {
			h(payload, err)
		}
		return metrics.DispositionDeadLettered, err
	}

	completed := o.Complete()
	encoded, err := order.Encode(completed)
	if err != nil {
		err = &errspkg.TransientProcessingError{Stage: "encode", Err: err}
		return p.abandon(d, log, payload, err), err
	}

	correlationID, err := p.out.SendString(ctx, encoded)
	if err != nil {
		err = &errspkg.TransientProcessingError{Stage: "publish", Err: err}
		return p.abandon(d, log, payload, err), err
	}

	if err := d.Complete(); err != nil {
		log.Error("Failed to complete delivery", err, nil)
	}
	log.Info("Order relayed", logging.LogFields{
		"order_id":       completed.ID,
		"correlation_id": correlationID,
	})
	if h := p.cfg.Hooks.OnCompleted; h != nil {
		h(completed, correlationID)
	}
	return metrics.DispositionCompleted, nil
}

func (p *Processor) abandon(d *broker.Delivery, log logging.ServiceLogger, payload string, cause error) string {
	if d.Settled() && d.Disposition() != broker.Abandoned {
		// Panicked after settling; nothing left to undo.
		return string(d.Disposition())
	}
	if !d.Settled() {
		if err := d.Abandon(); err != nil {
			log.Error("Failed to abandon delivery", err, nil)
		}
	}
	log.Error("Abandoned order for redelivery", cause, nil)
	if h := p.cfg.Hooks.OnAbandoned; h != nil {
		h(payload, cause)
	}
	return metrics.DispositionAbandoned
}

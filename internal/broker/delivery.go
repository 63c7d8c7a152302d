package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/orderrelay/internal/runtime/errors"
	"github.com/drblury/orderrelay/internal/runtime/logging"
	"github.com/drblury/orderrelay/internal/runtime/metadata"
	"github.com/drblury/orderrelay/internal/runtime/metrics"
)

// Disposition is the final outcome of a delivery.
type Disposition string

const (
	Pending      Disposition = ""
	Completed    Disposition = metrics.DispositionCompleted
	Abandoned    Disposition = metrics.DispositionAbandoned
	DeadLettered Disposition = metrics.DispositionDeadLettered
)

// UnspecifiedReason labels dead letters settled without a reason code.
const UnspecifiedReason = "unspecified"

// Delivery is one message handed to a subscription's message handler. The
// handler settles it with exactly one of Complete, Abandon or DeadLetter;
// later calls return ErrAlreadySettled.
type Delivery struct {
	ctx   context.Context
	msg   *message.Message
	sub   *Subscription
	log   logging.ServiceLogger
	start time.Time

	mu          sync.Mutex
	disposition Disposition
}

func newDelivery(ctx context.Context, sub *Subscription, msg *message.Message) *Delivery {
	md := metadata.FromWatermill(msg.Metadata)
	return &Delivery{
		ctx:   ctx,
		msg:   msg,
		sub:   sub,
		start: time.Now(),
		log: sub.log.With(logging.LogFields{
			"topic":          sub.topic,
			"message_uuid":   msg.UUID,
			"correlation_id": md.CorrelationID(),
		}),
	}
}

// Context is the handler context. It is not cancelled when the subscription
// stops, so in-flight work can finish.
func (d *Delivery) Context() context.Context { return d.ctx }

// Payload returns the message body as a string.
func (d *Delivery) Payload() string { return string(d.msg.Payload) }

// ID returns the broker message id.
func (d *Delivery) ID() string { return d.msg.UUID }

// Topic returns the channel the delivery came from.
func (d *Delivery) Topic() string { return d.sub.topic }

// Metadata returns a copy of the message headers.
func (d *Delivery) Metadata() metadata.Metadata { return metadata.FromWatermill(d.msg.Metadata) }

// Disposition returns the outcome so far, Pending if unsettled.
func (d *Delivery) Disposition() Disposition {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposition
}

// Settled reports whether a disposition has taken effect.
func (d *Delivery) Settled() bool { return d.Disposition() != Pending }

// Complete acknowledges the message; the broker will not redeliver it.
func (d *Delivery) Complete() error {
	return d.settle(Completed, func() { d.msg.Ack() })
}

// Abandon releases the message back to the broker for redelivery.
func (d *Delivery) Abandon() error {
	return d.settle(Abandoned, func() { d.msg.Nack() })
}

// DeadLetter moves the message to the dead letter channel and acknowledges
// it. code must come from a small fixed set since it labels the dead letter
// metrics; the text of cause is only written to message metadata and logs.
// If the dead letter publish fails the message is abandoned instead and a
// *TransportError is returned. Without a dead letter publisher the message
// is logged and acknowledged.
func (d *Delivery) DeadLetter(code string, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposition != Pending {
		return errspkg.ErrAlreadySettled
	}

	if code == "" {
		code = UnspecifiedReason
	}
	reason := code
	if cause != nil {
		reason = cause.Error()
	}

	opts := d.sub.opts
	if opts.DeadLetter == nil {
		d.log.Error("Discarding poison message, no dead letter channel configured", cause, logging.LogFields{
			"reason_code": code,
			"payload":     d.Payload(),
		})
		d.msg.Ack()
		d.record(DeadLettered, code)
		return nil
	}

	poisoned := d.msg.Copy()
	poisoned.Metadata.Set(metadata.KeyDeadLetterReason, reason)
	poisoned.Metadata.Set(metadata.KeyDeadLetterCode, code)
	poisoned.Metadata.Set(metadata.KeyOriginalTopic, d.sub.topic)
	poisoned.Metadata.Set(metadata.KeyDeadLetteredAt, time.Now().UTC().Format(time.RFC3339Nano))

	if err := opts.DeadLetter.Publish(opts.DeadLetterTopic, poisoned); err != nil {
		d.log.Error("Dead letter publish failed, abandoning message", err, logging.LogFields{
			"dead_letter_topic": opts.DeadLetterTopic,
		})
		d.msg.Nack()
		d.record(Abandoned, "")
		return &errspkg.TransportError{Channel: opts.DeadLetterTopic, Err: err}
	}

	d.msg.Ack()
	d.record(DeadLettered, code)
	d.log.Info("Message dead lettered", logging.LogFields{
		"dead_letter_topic": opts.DeadLetterTopic,
		"reason_code":       code,
		"reason":            reason,
	})
	return nil
}

func (d *Delivery) settle(disposition Disposition, apply func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposition != Pending {
		return errspkg.ErrAlreadySettled
	}
	apply()
	d.record(disposition, "")
	return nil
}

// record must be called with d.mu held.
func (d *Delivery) record(disposition Disposition, reason string) {
	d.disposition = disposition
	d.sub.opts.Metrics.RecordDisposition(d.sub.topic, string(disposition))
	if disposition == DeadLettered {
		d.sub.opts.DLQMetrics.RecordMessageToDLQ(d.sub.topic, reason)
	}
	d.log.Trace("Delivery settled", logging.LogFields{
		"disposition": string(disposition),
		"elapsed":     time.Since(d.start).String(),
	})
}

func (d *Delivery) String() string {
	return fmt.Sprintf("delivery %s on %s (%s)", d.msg.UUID, d.sub.topic, d.Disposition())
}

package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired      = sterrors.New("orderrelay: configuration is required")
	ErrLoggerRequired      = sterrors.New("orderrelay: logger is required")
	ErrPublisherRequired   = sterrors.New("orderrelay: publisher is required")
	ErrSubscriberRequired  = sterrors.New("orderrelay: subscriber is required")
	ErrChannelRequired     = sterrors.New("orderrelay: channel name is required")
	ErrPayloadRequired     = sterrors.New("orderrelay: payload is required")
	ErrHandlerRequired     = sterrors.New("orderrelay: delivery handler is required")
	ErrEmptyPayload        = sterrors.New("orderrelay: message payload is empty")
	ErrAlreadySettled      = sterrors.New("orderrelay: delivery already settled")
	ErrAlreadyStarted      = sterrors.New("orderrelay: already started")
	ErrNotRunning          = sterrors.New("orderrelay: not running")
	ErrHandleClosed        = sterrors.New("orderrelay: channel handle is closed")
	ErrSubscriptionStopped = sterrors.New("orderrelay: subscription channel closed unexpectedly")
)

// ArgumentError reports an invalid argument supplied by the caller. It is
// returned before any I/O happens.
type ArgumentError struct {
	Arg    string
	Reason error
}

func NewArgumentError(arg string, reason error) *ArgumentError {
	return &ArgumentError{Arg: arg, Reason: reason}
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("orderrelay: invalid argument %q: %v", e.Arg, e.Reason)
}

func (e *ArgumentError) Unwrap() error { return e.Reason }

// ConnectionError reports that a channel handle or subscription could not be
// established.
type ConnectionError struct {
	Channel string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("orderrelay: cannot connect to channel %q: %v", e.Channel, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError reports a send or receive failure on an established handle.
type TransportError struct {
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("orderrelay: transport failure on channel %q: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Reason codes carried by DecodeError. The set is closed so it can be used
// as a metric label.
const (
	DecodeReasonInvalidJSON   = "invalid_json"
	DecodeReasonMissingField  = "missing_field"
	DecodeReasonUnknownStatus = "unknown_status"
	DecodeReasonTypeMismatch  = "type_mismatch"
)

// DecodeError reports a payload that can never be decoded into an order.
// Messages failing with it are dead-lettered rather than redelivered.
type DecodeError struct {
	Payload string
	Reason  string // one of the DecodeReason codes
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("orderrelay: malformed order payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TransientProcessingError wraps any other failure while relaying a valid
// order. Messages failing with it are abandoned for redelivery.
type TransientProcessingError struct {
	Stage string
	Err   error
}

func (e *TransientProcessingError) Error() string {
	return fmt.Sprintf("orderrelay: %s failed: %v", e.Stage, e.Err)
}

func (e *TransientProcessingError) Unwrap() error { return e.Err }

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "orderrelay: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// DecodeReason returns the reason code of the DecodeError carried by err.
// Errors without a known code map to DecodeReasonInvalidJSON.
func DecodeReason(err error) string {
	var decodeErr *DecodeError
	if sterrors.As(err, &decodeErr) {
		switch decodeErr.Reason {
		case DecodeReasonInvalidJSON, DecodeReasonMissingField, DecodeReasonUnknownStatus, DecodeReasonTypeMismatch:
			return decodeErr.Reason
		}
	}
	return DecodeReasonInvalidJSON
}

// IsDecodeError reports whether err carries a DecodeError.
func IsDecodeError(err error) bool {
	var decodeErr *DecodeError
	return sterrors.As(err, &decodeErr)
}

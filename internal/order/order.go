// Package order defines the order record relayed between queues and its JSON
// wire format.
package order

import (
	"errors"
	"fmt"
	"strings"

	errspkg "github.com/drblury/orderrelay/internal/runtime/errors"
	"github.com/drblury/orderrelay/internal/runtime/jsoncodec"
)

// Status is the processing state of an order.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusRejected   Status = "REJECTED"
)

// ParseStatus accepts the upper-case wire form only.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusInProgress, StatusCompleted, StatusRejected:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

func (s Status) String() string { return string(s) }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// Order is the record carried on the input and output queues. Quantity is
// not range checked by the codec; zero and negative values round-trip.
type Order struct {
	ID          int64  `json:"id"`
	ProductName string `json:"productName"`
	Quantity    int32  `json:"quantity"`
	Status      Status `json:"status"`
}

// New returns an order in the IN_PROGRESS state.
func New(id int64, productName string, quantity int32) Order {
	return Order{ID: id, ProductName: productName, Quantity: quantity, Status: StatusInProgress}
}

// Complete returns a copy of o marked COMPLETED.
func (o Order) Complete() Order {
	o.Status = StatusCompleted
	return o
}

// wireOrder uses pointers so missing required fields can be told apart from
// zero values.
type wireOrder struct {
	ID          *int64  `json:"id"`
	ProductName string  `json:"productName"`
	Quantity    int32   `json:"quantity"`
	Status      *string `json:"status"`
}

var (
	errMissingID     = errors.New(`missing required field "id"`)
	errMissingStatus = errors.New(`missing required field "status"`)
	errEmptyInput    = errors.New("empty payload")
)

// Encode renders o in its JSON wire form.
func Encode(o Order) (string, error) {
	if !o.Status.Valid() {
		return "", fmt.Errorf("encode order %d: unknown status %q", o.ID, o.Status)
	}
	return jsoncodec.MarshalString(o)
}

// Decode parses the JSON wire form. Every failure is a *errors.DecodeError so
// callers can dead-letter the payload; its Reason classifies the failure.
func Decode(payload string) (Order, error) {
	if strings.TrimSpace(payload) == "" {
		return Order{}, decodeErr(payload, errspkg.DecodeReasonInvalidJSON, errEmptyInput)
	}

	var w wireOrder
	if err := jsoncodec.UnmarshalString(payload, &w); err != nil {
		reason := errspkg.DecodeReasonTypeMismatch
		if !jsoncodec.Valid([]byte(payload)) {
			reason = errspkg.DecodeReasonInvalidJSON
		}
		return Order{}, decodeErr(payload, reason, err)
	}
	if w.ID == nil {
		return Order{}, decodeErr(payload, errspkg.DecodeReasonMissingField, errMissingID)
	}
	if w.Status == nil {
		return Order{}, decodeErr(payload, errspkg.DecodeReasonMissingField, errMissingStatus)
	}
	status, err := ParseStatus(*w.Status)
	if err != nil {
		return Order{}, decodeErr(payload, errspkg.DecodeReasonUnknownStatus, err)
	}

	return Order{
		ID:          *w.ID,
		ProductName: w.ProductName,
		Quantity:    w.Quantity,
		Status:      status,
	}, nil
}

func decodeErr(payload, reason string, err error) error {
	return &errspkg.DecodeError{Payload: payload, Reason: reason, Err: err}
}

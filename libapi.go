package orderrelay

import (
	"io"

	"github.com/drblury/orderrelay/internal/app"
	"github.com/drblury/orderrelay/internal/broker"
	"github.com/drblury/orderrelay/internal/messaging"
	"github.com/drblury/orderrelay/internal/order"
	"github.com/drblury/orderrelay/internal/relay"
	configpkg "github.com/drblury/orderrelay/internal/runtime/config"
	errspkg "github.com/drblury/orderrelay/internal/runtime/errors"
	idspkg "github.com/drblury/orderrelay/internal/runtime/ids"
	loggingpkg "github.com/drblury/orderrelay/internal/runtime/logging"
	metadatapkg "github.com/drblury/orderrelay/internal/runtime/metadata"
	metricspkg "github.com/drblury/orderrelay/internal/runtime/metrics"
	"github.com/drblury/orderrelay/transport"
)

type (
	Config              = configpkg.Config
	Service             = app.Service
	ServiceDependencies = app.Dependencies

	Order       = order.Order
	OrderStatus = order.Status

	Publisher        = messaging.Publisher
	PublisherFactory = messaging.PublisherFactory
	PublisherOption  = messaging.PublisherOption
	Receiver         = messaging.Receiver
	ReceiverOptions  = messaging.ReceiverOptions

	Processor       = relay.Processor
	ProcessorConfig = relay.ProcessorConfig
	ProcessorState  = relay.State
	OrderSender     = relay.OrderSender
	Hooks           = relay.Hooks

	Subscription        = broker.Subscription
	SubscriptionOptions = broker.Options
	Delivery            = broker.Delivery
	Disposition         = broker.Disposition

	Metadata    = metadatapkg.Metadata
	IDGenerator = idspkg.Generator

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	DLQMetrics         = metricspkg.DLQMetrics
	DLQTopicMetrics    = metricspkg.DLQTopicMetrics
	DLQMetricsSnapshot = metricspkg.DLQMetricsSnapshot

	ArgumentError            = errspkg.ArgumentError
	ConnectionError          = errspkg.ConnectionError
	TransportError           = errspkg.TransportError
	DecodeError              = errspkg.DecodeError
	TransientProcessingError = errspkg.TransientProcessingError
	ConfigValidationError    = errspkg.ConfigValidationError

	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

const (
	StatusInProgress = order.StatusInProgress
	StatusCompleted  = order.StatusCompleted
	StatusRejected   = order.StatusRejected

	DefaultReadTimeout = messaging.DefaultReadTimeout
)

var (
	NewService     = app.NewService
	ConfigFromEnv  = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig

	NewOrder    = order.New
	EncodeOrder = order.Encode
	DecodeOrder = order.Decode

	OpenPublisher     = messaging.OpenPublisher
	OpenReceiver      = messaging.OpenReceiver
	StaticPublisher   = messaging.StaticPublisher
	WithIDGenerator   = messaging.WithIDGenerator
	WithLogger        = messaging.WithLogger
	WithTracer        = messaging.WithTracer
	WithMessageSchema = messaging.WithMessageSchema

	NewProcessor    = relay.NewProcessor
	AlertingHooks   = relay.AlertingHooks
	NewSubscription = broker.NewSubscription

	NewULIDGenerator = idspkg.NewULIDGenerator
	IDGeneratorFor   = idspkg.ForFormat

	NewDLQMetrics = metricspkg.NewDLQMetrics

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	IsDecodeError = errspkg.IsDecodeError

	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrPublisherRequired   = errspkg.ErrPublisherRequired
	ErrSubscriberRequired  = errspkg.ErrSubscriberRequired
	ErrChannelRequired     = errspkg.ErrChannelRequired
	ErrPayloadRequired     = errspkg.ErrPayloadRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrEmptyPayload        = errspkg.ErrEmptyPayload
	ErrAlreadySettled      = errspkg.ErrAlreadySettled
	ErrAlreadyStarted      = errspkg.ErrAlreadyStarted
	ErrNotRunning          = errspkg.ErrNotRunning
	ErrHandleClosed        = errspkg.ErrHandleClosed
	ErrSubscriptionStopped = errspkg.ErrSubscriptionStopped
)

// NewSlogServiceLogger wraps a slog logger.
var NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

// NewJSONServiceLogger writes JSON logs to w at the given level.
func NewJSONServiceLogger(w io.Writer, level string) ServiceLogger {
	return loggingpkg.NewJSONServiceLogger(w, level)
}

// NewMetadata builds metadata from alternating key/value pairs. A trailing
// key without value is ignored.
func NewMetadata(kv ...string) Metadata {
	md := make(Metadata, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		md[kv[i]] = kv[i+1]
	}
	return md
}

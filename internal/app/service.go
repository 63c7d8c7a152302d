// Package app hosts the relay: it builds the configured transport and runs
// the relay processor, the order API and the metrics endpoint until its
// context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/orderrelay/internal/api"
	"github.com/drblury/orderrelay/internal/messaging"
	"github.com/drblury/orderrelay/internal/relay"
	"github.com/drblury/orderrelay/internal/runtime/config"
	errspkg "github.com/drblury/orderrelay/internal/runtime/errors"
	"github.com/drblury/orderrelay/internal/runtime/ids"
	"github.com/drblury/orderrelay/internal/runtime/logging"
	"github.com/drblury/orderrelay/internal/runtime/metadata"
	"github.com/drblury/orderrelay/internal/runtime/metrics"
	"github.com/drblury/orderrelay/transport"
)

// DefaultMetricsPort is used when metrics are enabled without a port.
const DefaultMetricsPort = 9090

// Dependencies holds optional collaborators. Leave fields nil for defaults.
type Dependencies struct {
	// Registry resolves cfg.PubSubSystem. Defaults to transport.DefaultRegistry.
	Registry *transport.Registry
	// Transport skips the registry and uses a prebuilt transport.
	Transport *transport.Transport
	// IDGenerator overrides the generator selected by cfg.IDFormat.
	IDGenerator ids.Generator
	// Hooks are passed to the relay processor.
	Hooks relay.Hooks
}

// Service owns the transport and every component built on it.
type Service struct {
	cfg   *config.Config
	log   logging.ServiceLogger
	ids   ids.Generator
	hooks relay.Hooks
	caps  transport.Capabilities

	transport transport.Transport
	metrics   *prometheus.Registry
	relayM    *metrics.RelayMetrics
	brokerM   *metrics.BrokerMetrics
	dlqM      *metrics.DLQMetrics

	output     *messaging.Publisher
	ingress    *messaging.Publisher
	deadLetter message.Publisher
	processor  *relay.Processor
	apiHandler http.Handler

	closeOnce sync.Once
	closeErr  error
}

// NewService validates cfg, builds the transport and wires the relay.
// Nothing consumes or listens until Start.
func NewService(ctx context.Context, cfg *config.Config, log logging.ServiceLogger, deps Dependencies) (*Service, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	registry := deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	log.Info("Creating order relay", logging.LogFields{
		"pubsub_system": cfg.PubSubSystem,
		"config":        cfg.String(),
	})

	s := &Service{
		cfg:   cfg,
		log:   log,
		ids:   deps.IDGenerator,
		hooks: deps.Hooks,
		caps:  registry.GetCapabilities(cfg.PubSubSystem),
	}
	if s.ids == nil {
		s.ids = ids.ForFormat(cfg.IDFormat)
	}

	if deps.Transport != nil {
		s.transport = *deps.Transport
	} else {
		tr, err := registry.Build(ctx, cfg, logging.NewWatermillAdapter(log))
		if err != nil {
			return nil, &errspkg.ConnectionError{Channel: cfg.PubSubSystem, Err: err}
		}
		s.transport = tr
	}

	if err := s.initMetrics(); err != nil {
		_ = s.transport.Close()
		return nil, err
	}
	if err := s.wire(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) initMetrics() error {
	s.metrics = prometheus.NewRegistry()
	s.relayM = metrics.NewRelayMetrics(s.metrics)
	s.brokerM = metrics.NewBrokerMetrics(s.metrics)
	s.dlqM = metrics.NewDLQMetrics(s.metrics)

	return errors.Join(
		s.metrics.Register(collectors.NewGoCollector()),
		s.metrics.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
		s.relayM.Register(),
		s.brokerM.Register(),
		s.dlqM.Register(),
	)
}

func (s *Service) wire() error {
	var err error
	s.output, err = s.OpenPublisher(s.cfg.OutputQueue)
	if err != nil {
		return fmt.Errorf("open output publisher: %w", err)
	}

	s.deadLetter = s.transport.PublisherHandle()
	s.processor, err = relay.NewProcessor(s.transport.SubscriberHandle(), s.output, relay.ProcessorConfig{
		InputChannel:    s.cfg.InputQueue,
		DeadLetter:      s.deadLetter,
		DeadLetterTopic: s.cfg.DeadLetterQueue,
		Concurrency:     s.cfg.DeliveryConcurrency,
		Logger:          s.log,
		Capabilities:    s.caps,
		Metrics:         s.relayM,
		BrokerMetrics:   s.brokerM,
		DLQMetrics:      s.dlqM,
		Hooks:           s.hooks,
	})
	if err != nil {
		return fmt.Errorf("create relay processor: %w", err)
	}

	if s.cfg.APIAddress != "" {
		s.ingress, err = s.OpenPublisher(s.cfg.InputQueue)
		if err != nil {
			return fmt.Errorf("open order publisher: %w", err)
		}
		s.apiHandler = api.NewRouter(s.ingress, s.log, api.WithDeadLetterStats(s.dlqM))
	}
	return nil
}

// OpenPublisher returns a Publisher for channel with its own send handle.
// Payloads are tagged as orders.
func (s *Service) OpenPublisher(channel string) (*messaging.Publisher, error) {
	return messaging.OpenPublisher(
		messaging.StaticPublisher(s.transport.PublisherHandle()),
		channel,
		messaging.WithLogger(s.log),
		messaging.WithIDGenerator(s.ids),
		messaging.WithMessageSchema(metadata.OrderSchemaV1),
	)
}

// OpenReceiver returns a Receiver for channel backed by a fresh subscriber
// handle. Callers must Close it.
func (s *Service) OpenReceiver(ctx context.Context, channel string) (*messaging.Receiver, error) {
	return messaging.OpenReceiver(ctx, s.transport.SubscriberHandle(), channel, messaging.ReceiverOptions{
		ReadTimeout:  s.cfg.ReadTimeout,
		Concurrency:  1,
		Logger:       s.log,
		Capabilities: s.caps,
		Metrics:      s.brokerM,
	})
}

// Transport returns the underlying transport.
func (s *Service) Transport() transport.Transport { return s.transport }

// Processor returns the relay processor.
func (s *Service) Processor() *relay.Processor { return s.processor }

// APIHandler returns the order API router, or nil when the API is disabled.
func (s *Service) APIHandler() http.Handler { return s.apiHandler }

// MetricsHandler serves the service's Prometheus registry.
func (s *Service) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{Registry: s.metrics})
}

// Start runs the relay, the API and the metrics endpoint until ctx is
// cancelled or one of them fails, then shuts everything down.
func (s *Service) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := s.processor.Start(gctx); err != nil {
		_ = s.Close()
		return err
	}

	var servers []*http.Server
	if s.apiHandler != nil {
		servers = append(servers, api.Server(s.cfg.APIAddress, s.apiHandler))
	}
	if s.cfg.MetricsEnabled {
		port := s.cfg.MetricsPort
		if port == 0 {
			port = DefaultMetricsPort
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.MetricsHandler())
		servers = append(servers, api.Server(fmt.Sprintf(":%d", port), mux))
	}

	for _, srv := range servers {
		g.Go(func() error {
			s.log.Info("Starting HTTP server", logging.LogFields{"address": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(servers)
	})

	return g.Wait()
}

func (s *Service) shutdown(servers []*http.Server) error {
	s.log.Info("Shutting down order relay", nil)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	errs = append(errs, s.Close())
	return errors.Join(errs...)
}

// Close stops the processor and releases every handle and the transport.
// It is idempotent.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.processor != nil {
			if err := s.processor.Stop(); err != nil {
				errs = append(errs, err)
			}
		} else if s.output != nil {
			errs = append(errs, s.output.Close())
		}
		if s.ingress != nil {
			errs = append(errs, s.ingress.Close())
		}
		if s.deadLetter != nil {
			errs = append(errs, s.deadLetter.Close())
		}
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

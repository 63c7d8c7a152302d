package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/orderrelay/internal/order"
	"github.com/drblury/orderrelay/internal/relay"
	"github.com/drblury/orderrelay/internal/runtime/config"
	errspkg "github.com/drblury/orderrelay/internal/runtime/errors"
	"github.com/drblury/orderrelay/internal/runtime/ids"
	"github.com/drblury/orderrelay/internal/runtime/logging"
	"github.com/drblury/orderrelay/internal/runtime/metadata"
	"github.com/drblury/orderrelay/transport"
	"github.com/drblury/orderrelay/transport/channel"
)

func testConfig() *config.Config {
	cfg := config.Config{
		PubSubSystem: channel.TransportName,
		APIAddress:   "127.0.0.1:0",
	}.WithDefaults()
	cfg.ShutdownTimeout = 2 * time.Second
	return &cfg
}

func testRegistry() *transport.Registry {
	r := transport.NewRegistry()
	r.RegisterWithCapabilities(channel.TransportName, channel.Build, channel.Capabilities())
	return r
}

func newTestService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), cfg, logging.NewNopLogger(), Dependencies{
		Registry:    testRegistry(),
		IDGenerator: ids.GeneratorFunc(func() string { return "trk-1" }),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func startService(t *testing.T, svc *Service) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	require.Eventually(t, func() bool {
		return svc.Processor().State() == relay.StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("service did not stop")
			return nil
		}
	}
}

func TestNewServiceRequiresConfigAndLogger(t *testing.T) {
	_, err := NewService(context.Background(), nil, logging.NewNopLogger(), Dependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewService(context.Background(), testConfig(), nil, Dependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.PubSubSystem = "kafka"

	_, err := NewService(context.Background(), cfg, logging.NewNopLogger(), Dependencies{Registry: testRegistry()})
	var cve errspkg.ConfigValidationError
	require.ErrorAs(t, err, &cve)
	assert.ErrorContains(t, err, "kafka: brokers are required")
}

func TestNewServiceUnknownTransport(t *testing.T) {
	cfg := testConfig()
	cfg.PubSubSystem = "carrier-pigeon"

	_, err := NewService(context.Background(), cfg, logging.NewNopLogger(), Dependencies{Registry: testRegistry()})
	var connErr *errspkg.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorContains(t, err, "unknown transport")
}

func TestServiceRelaysOrdersFromAPI(t *testing.T) {
	svc := newTestService(t, testConfig())

	forwarded, err := svc.Transport().SubscriberHandle().Subscribe(context.Background(), "readytoship")
	require.NoError(t, err)

	stop := startService(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"id":1,"productName":"Widget","quantity":3}`))
	rec := httptest.NewRecorder()
	svc.APIHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"trackingId":"trk-1"`)

	select {
	case msg := <-forwarded:
		got, err := order.Decode(string(msg.Payload))
		require.NoError(t, err)
		assert.Equal(t, order.Order{ID: 1, ProductName: "Widget", Quantity: 3, Status: order.StatusCompleted}, got)
		assert.Equal(t, metadata.OrderSchemaV1, msg.Metadata.Get(metadata.KeyMessageSchema))
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("order was not relayed")
	}

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		svc.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return strings.Contains(rec.Body.String(), `orderrelay_relay_orders_total{outcome="completed"} 1`)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, stop())
	assert.Equal(t, relay.StateStopped, svc.Processor().State())
}

func TestServiceDeadLettersMalformedOrders(t *testing.T) {
	svc := newTestService(t, testConfig())

	dead, err := svc.Transport().SubscriberHandle().Subscribe(context.Background(), "orderrequests.deadletter")
	require.NoError(t, err)

	stop := startService(t, svc)

	pub, err := svc.OpenPublisher("orderrequests")
	require.NoError(t, err)
	defer pub.Close()
	_, err = pub.SendString(context.Background(), "not an order")
	require.NoError(t, err)

	select {
	case msg := <-dead:
		assert.Equal(t, "not an order", string(msg.Payload))
		assert.Equal(t, "orderrequests", msg.Metadata.Get(metadata.KeyOriginalTopic))
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("malformed order was not dead lettered")
	}

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		svc.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return strings.Contains(rec.Body.String(), `orderrelay_dlq_messages_total{reason="invalid_json",topic="orderrequests"} 1`)
	}, 2*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	svc.APIHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deadletters/stats/orderrequests", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reasons":{"invalid_json":1}`)

	require.NoError(t, stop())
}

func TestServiceReceiver(t *testing.T) {
	cfg := testConfig()
	cfg.ReadTimeout = 20 * time.Millisecond
	svc := newTestService(t, cfg)

	r, err := svc.OpenReceiver(context.Background(), "readytoship")
	require.NoError(t, err)

	start := time.Now()
	_, ok := r.ReadMessage(-1)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.NoError(t, r.Close())
}

func TestServiceWithoutAPI(t *testing.T) {
	cfg := testConfig()
	cfg.APIAddress = ""
	svc := newTestService(t, cfg)
	assert.Nil(t, svc.APIHandler())

	stop := startService(t, svc)
	require.NoError(t, stop())
}

func TestServiceStartFailsWhenListenFails(t *testing.T) {
	cfg := testConfig()
	cfg.APIAddress = "127.0.0.1:-1"
	svc := newTestService(t, cfg)

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, relay.StateStopped, svc.Processor().State())
}

func TestServiceCloseIsIdempotent(t *testing.T) {
	svc := newTestService(t, testConfig())
	assert.NoError(t, svc.Close())
	assert.NoError(t, svc.Close())
}

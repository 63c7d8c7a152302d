// Package api exposes the HTTP entry point that accepts new orders and puts
// them on the input channel.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/drblury/orderrelay/internal/order"
	"github.com/drblury/orderrelay/internal/runtime/jsoncodec"
	"github.com/drblury/orderrelay/internal/runtime/logging"
	"github.com/drblury/orderrelay/internal/runtime/metrics"
)

const maxBodyBytes = 1 << 20

// OrderSender publishes an encoded order and returns its correlation id.
type OrderSender interface {
	SendString(ctx context.Context, payload string) (string, error)
}

// CreateOrderRequest is the POST /orders body.
type CreateOrderRequest struct {
	ID          int64  `json:"id"`
	ProductName string `json:"productName"`
	Quantity    int32  `json:"quantity"`
}

// Validate checks the fields a new order needs.
func (r CreateOrderRequest) Validate() error {
	var errs []error
	if r.ID <= 0 {
		errs = append(errs, errors.New("id must be positive"))
	}
	if strings.TrimSpace(r.ProductName) == "" {
		errs = append(errs, errors.New("productName is required"))
	}
	if r.Quantity <= 0 {
		errs = append(errs, errors.New("quantity must be positive"))
	}
	return errors.Join(errs...)
}

// CreateOrderResponse is returned with 201 Created.
type CreateOrderResponse struct {
	TrackingID string      `json:"trackingId"`
	Order      order.Order `json:"order"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// DeadLetterStats is the read side of the dead letter metrics.
type DeadLetterStats interface {
	GetSnapshot() metrics.DLQMetricsSnapshot
	GetTopicMetrics(topic string) *metrics.DLQTopicMetrics
	Reset()
}

// RouterOption customises NewRouter.
type RouterOption func(*handler)

// WithDeadLetterStats mounts the /deadletters/stats routes.
func WithDeadLetterStats(stats DeadLetterStats) RouterOption {
	return func(h *handler) { h.dlq = stats }
}

type handler struct {
	out OrderSender
	dlq DeadLetterStats
	log logging.ServiceLogger
}

// NewRouter returns the order API routes.
func NewRouter(out OrderSender, log logging.ServiceLogger, opts ...RouterOption) http.Handler {
	h := &handler{out: out, log: logging.OrNop(log).With(logging.LogFields{"component": "api"})}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Post("/orders", h.createOrder)
	if h.dlq != nil {
		r.Route("/deadletters/stats", func(r chi.Router) {
			r.Get("/", h.deadLetterStats)
			r.Delete("/", h.resetDeadLetterStats)
			r.Get("/{topic}", h.deadLetterTopicStats)
		})
	}
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (h *handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := jsoncodec.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		h.fail(w, r, http.StatusBadRequest, strings.ReplaceAll(err.Error(), "\n", "; "))
		return
	}

	o := order.New(req.ID, strings.TrimSpace(req.ProductName), req.Quantity)
	payload, err := order.Encode(o)
	if err != nil {
		h.log.Error("Failed to encode order", err, nil)
		h.fail(w, r, http.StatusInternalServerError, "cannot encode order")
		return
	}

	trackingID, err := h.out.SendString(r.Context(), payload)
	if err != nil {
		h.log.Error("Failed to publish order", err, logging.LogFields{"order_id": o.ID})
		h.fail(w, r, http.StatusBadGateway, "order could not be queued")
		return
	}

	w.Header().Set("Location", "/orders/"+strconv.FormatInt(o.ID, 10))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, CreateOrderResponse{TrackingID: trackingID, Order: o})
}

func (h *handler) deadLetterStats(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.dlq.GetSnapshot())
}

func (h *handler) deadLetterTopicStats(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	tm := h.dlq.GetTopicMetrics(topic)
	if tm == nil {
		h.fail(w, r, http.StatusNotFound, "no dead letters for topic "+strconv.Quote(topic))
		return
	}
	render.JSON(w, r, tm)
}

func (h *handler) resetDeadLetterStats(w http.ResponseWriter, r *http.Request) {
	h.dlq.Reset()
	h.log.Info("Dead letter stats reset", logging.LogFields{"request_id": middleware.GetReqID(r.Context())})
	render.NoContent(w, r)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}

func (h *handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			h.log.Debug("HTTP request", logging.LogFields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			})
		}()
		next.ServeHTTP(ww, r)
	})
}

// Server wraps the router in an http.Server bound to addr.
func Server(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

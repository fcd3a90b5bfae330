package orders

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/fruit-orders/internal/domain"
	"github.com/joao-fontenele/fruit-orders/internal/telemetry"
)

const (
	maxBodyBytes          = 1 << 20
	defaultPublishTimeout = 2 * time.Second
)

type OrderStore interface {
	Create(ctx context.Context, order domain.Order) (*domain.Order, error)
	List(ctx context.Context, page Page) ([]domain.Order, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type Handler struct {
	store          OrderStore
	publisher      EventPublisher
	publishTimeout time.Duration
	logger         *slog.Logger
	metrics        *handlerMetrics
}

type HandlerOption func(*Handler)

// WithPublishTimeout bounds how long a create request waits on the event
// publisher before answering.
func WithPublishTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.publishTimeout = d
	}
}

// NewHandler builds the HTTP handler. publisher may be nil, in which case no
// order events are emitted.
func NewHandler(store OrderStore, publisher EventPublisher, logger *slog.Logger, opts ...HandlerOption) (*Handler, error) {
	metrics, err := newHandlerMetrics()
	if err != nil {
		return nil, err
	}

	h := &Handler{
		store:          store,
		publisher:      publisher,
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
		metrics:        metrics,
	}
	for _, opt := range opts {
		opt(h)
	}

	return h, nil
}

// Register mounts the order routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", telemetry.WithHTTPRoute(h.HandleHealth))
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(h.HandleList))
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(h.HandleCreate))
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	req, err := DecodeCreateOrder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.metrics.recordFailure(r.Context(), "validation")
		h.writeRequestError(w, err)
		return
	}

	order, err := h.store.Create(r.Context(), req.Order())
	if err != nil {
		if errors.Is(err, ErrIntegrity) {
			h.metrics.recordFailure(r.Context(), "integrity")
			h.logger.Warn("order rejected by storage constraints", "error", err)
			h.writeError(w, http.StatusConflict, "order violates storage constraints")
			return
		}
		h.metrics.recordFailure(r.Context(), "storage")
		h.logger.Error("failed to create order", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.metrics.recordCreated(r.Context(), len(order.Items))
	h.publishCreated(r.Context(), order)

	h.logger.Info("order created", "order_id", order.ID, "items", len(order.Items))
	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	page, err := ParsePage(r.URL.Query())
	if err != nil {
		h.writeRequestError(w, err)
		return
	}

	orders, err := h.store.List(r.Context(), page)
	if err != nil {
		h.logger.Error("failed to list orders", "error", err, "skip", page.Skip, "limit", page.Limit)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("orders listed", "count", len(orders), "skip", page.Skip, "limit", page.Limit)
	h.writeJSON(w, http.StatusOK, orders)
}

// publishCreated emits the order-created event. The order is already
// committed at this point, so failures are logged and not returned. The
// publish outlives a client disconnect but never h.publishTimeout.
func (h *Handler) publishCreated(ctx context.Context, order *domain.Order) {
	if h.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.publishTimeout)
	defer cancel()

	event := domain.OrderCreatedEvent{
		EventID:      uuid.NewString(),
		OrderID:      order.ID,
		ReceiverName: order.ReceiverName,
		Phone:        order.Phone,
		Items:        order.Items,
		Timestamp:    order.CreatedAt,
	}
	if err := h.publisher.Publish(ctx, strconv.FormatInt(order.ID, 10), event); err != nil {
		h.logger.Error("failed to publish order created event", "error", err, "order_id", order.ID)
	}
}

type validationResponse struct {
	Error  string       `json:"error"`
	Fields []FieldError `json:"fields"`
}

func (h *Handler) writeRequestError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &verr):
		h.writeJSON(w, http.StatusUnprocessableEntity, validationResponse{
			Error:  "validation failed",
			Fields: verr.Fields,
		})
	case errors.As(err, &maxErr):
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	default:
		h.writeError(w, http.StatusBadRequest, "invalid request body")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

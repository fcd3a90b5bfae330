package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/joao-fontenele/fruit-orders/internal/domain"
	"github.com/joao-fontenele/fruit-orders/internal/messaging"
)

// NotificationHandler turns order-created events into a confirmation text
// message for the order's receiver.
type NotificationHandler struct {
	notifyServiceURL string
	httpClient       *http.Client
	logger           *slog.Logger
}

func NewNotificationHandler(notifyServiceURL string, client *http.Client, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		notifyServiceURL: strings.TrimRight(notifyServiceURL, "/"),
		httpClient:       client,
		logger:           logger,
	}
}

type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func (h *NotificationHandler) Handle(ctx context.Context, payload []byte) error {
	var event domain.OrderCreatedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("%w: unmarshal order created event: %v", messaging.ErrPoisonMessage, err)
	}
	if event.OrderID == 0 || event.Phone == "" {
		return fmt.Errorf("%w: order created event missing order_id or phone", messaging.ErrPoisonMessage)
	}

	h.logger.Info("processing order created event", "event_id", event.EventID, "order_id", event.OrderID)

	msg := sendRequest{
		To:   event.Phone,
		Body: ConfirmationText(event),
	}
	if err := h.send(ctx, msg); err != nil {
		h.logger.Error("failed to send order confirmation", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("send order confirmation: %w", err)
	}

	h.logger.Info("order confirmation sent", "order_id", event.OrderID)
	return nil
}

// ConfirmationText renders the message sent back to the customer, e.g.
// "Order #12 for Park received: mixed 10kg x1, mixed 5kg x2".
func ConfirmationText(event domain.OrderCreatedEvent) string {
	parts := make([]string, 0, len(event.Items))
	for _, item := range event.Items {
		parts = append(parts, fmt.Sprintf("%s %dkg x%d", item.ItemType, item.Kg, item.BoxCount))
	}

	text := fmt.Sprintf("Order #%d for %s received", event.OrderID, event.ReceiverName)
	if len(parts) > 0 {
		text += ": " + strings.Join(parts, ", ")
	}
	return text
}

func (h *NotificationHandler) send(ctx context.Context, msg sendRequest) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.notifyServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify service returned status %d", resp.StatusCode)
	}

	return nil
}

package domain

import "time"

type OrderCreatedEvent struct {
	EventID      string      `json:"event_id"`
	OrderID      int64       `json:"order_id"`
	ReceiverName string      `json:"receiver_name"`
	Phone        string      `json:"phone"`
	Items        []OrderItem `json:"items"`
	Timestamp    time.Time   `json:"timestamp"`
}

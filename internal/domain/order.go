package domain

import "time"

// OrderItem is one fruit line within an order: what kind, how many
// kilograms per box, and how many boxes.
type OrderItem struct {
	ID       int64  `json:"id"`
	ItemType string `json:"item_type"`
	Kg       int    `json:"kg"`
	BoxCount int    `json:"box_count"`
}

// Order is a customer order with its shipping details. ID and CreatedAt are
// assigned by the database and never change after insert.
type Order struct {
	ID           int64       `json:"id"`
	ReceiverName string      `json:"receiver_name"`
	Phone        string      `json:"phone"`
	Address      string      `json:"address"`
	RawMessage   *string     `json:"raw_message"`
	CreatedAt    time.Time   `json:"created_at"`
	Items        []OrderItem `json:"items"`
}

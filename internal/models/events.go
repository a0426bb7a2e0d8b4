package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated         = "ORDER_CREATED"
	EventTypeOrderAwaitingPayment = "ORDER_AWAITING_PAYMENT"
	EventTypePaymentSucceeded     = "PAYMENT_SUCCEEDED"
	EventTypePaymentFailed        = "PAYMENT_FAILED"
	EventTypeOrderPaymentExpired  = "ORDER_PAYMENT_EXPIRED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when a cash order is created in PENDING
type OrderCreatedEvent struct {
	BaseEvent
	OrderID       int64           `json:"order_id"`
	CustomerID    int64           `json:"customer_id"`
	PaymentMethod string          `json:"payment_method"`
	FinalTotal    decimal.Decimal `json:"final_total"`
	Items         []OrderItemData `json:"items"`
}

// OrderAwaitingPaymentEvent published when an online order is created in
// PENDING_PAYMENT with a compensation job armed
type OrderAwaitingPaymentEvent struct {
	BaseEvent
	OrderID    int64           `json:"order_id"`
	CustomerID int64           `json:"customer_id"`
	FinalTotal decimal.Decimal `json:"final_total"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// PaymentSucceededEvent published when the gateway callback confirms payment
type PaymentSucceededEvent struct {
	BaseEvent
	OrderID       int64  `json:"order_id"`
	TransactionNo string `json:"transaction_no"`
	BankCode      string `json:"bank_code"`
	Amount        int64  `json:"amount"`
}

// PaymentFailedEvent published when the gateway callback reports failure
type PaymentFailedEvent struct {
	BaseEvent
	OrderID      int64  `json:"order_id"`
	ResponseCode string `json:"response_code"`
}

// OrderPaymentExpiredEvent published when the compensation job fails an
// order that never received a callback
type OrderPaymentExpiredEvent struct {
	BaseEvent
	OrderID int64 `json:"order_id"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	VariantID  int64           `json:"variant_id"`
	Quantity   int             `json:"quantity"`
	FinalPrice decimal.Decimal `json:"final_price"`
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the aggregate root for a checkout. finalTotalPrice is always
// totalPrice - totalDiscount; status transitions are monotonic.
type Order struct {
	ID              int64           `db:"id" json:"id"`
	CustomerID      int64           `db:"customer_id" json:"customer_id"`
	ReceiverName    string          `db:"receiver_name" json:"receiver_name"`
	ReceiverPhone   string          `db:"receiver_phone" json:"receiver_phone"`
	ReceiverAddress string          `db:"receiver_address" json:"receiver_address"`
	PaymentMethod   string          `db:"payment_method" json:"payment_method"`
	TxnRef          string          `db:"txn_ref" json:"txn_ref,omitempty"`
	Status          string          `db:"status" json:"status"`
	TotalPrice      decimal.Decimal `db:"total_price" json:"total_price"`
	TotalDiscount   decimal.Decimal `db:"total_discount" json:"total_discount"`
	FinalTotalPrice decimal.Decimal `db:"final_total_price" json:"final_total_price"`
	OrderDate       time.Time       `db:"order_date" json:"order_date"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`

	Details []OrderDetail `db:"-" json:"details,omitempty"`
}

// OrderDetail is a line item carrying an immutable snapshot of the variant's
// price at order time. finalPrice == price*quantity*(1 - discount/100).
type OrderDetail struct {
	ID              int64           `db:"id" json:"id"`
	OrderID         int64           `db:"order_id" json:"order_id"`
	VariantID       int64           `db:"variant_id" json:"variant_id"`
	ProductName     string          `db:"product_name" json:"product_name"`
	Price           decimal.Decimal `db:"price" json:"price"`
	Quantity        int             `db:"quantity" json:"quantity"`
	DiscountPercent decimal.Decimal `db:"discount_percent" json:"discount_percent"`
	FinalPrice      decimal.Decimal `db:"final_price" json:"final_price"`
}

// ProductVariant is the catalog unit whose stock counter this service
// decrements and restores. Everything else about it is owned by the catalog.
type ProductVariant struct {
	ID         int64           `db:"id" json:"id"`
	ProductID  int64           `db:"product_id" json:"product_id"`
	CategoryID int64           `db:"category_id" json:"category_id"`
	BrandID    int64           `db:"brand_id" json:"brand_id"`
	Name       string          `db:"name" json:"name"`
	Price      decimal.Decimal `db:"price" json:"price"`
	Stock      int             `db:"stock" json:"stock"`
}

// Promotion is a read-only per-variant/product/category/brand discount rule.
// The best promotion for a variant is the one with the lowest priority value,
// ties broken by the larger discount percent.
type Promotion struct {
	ID              int64           `db:"id" json:"id"`
	Name            string          `db:"name" json:"name"`
	DiscountPercent decimal.Decimal `db:"discount_percent" json:"discount_percent"`
	Priority        int             `db:"priority" json:"priority"`
	VariantID       *int64          `db:"variant_id" json:"variant_id,omitempty"`
	ProductID       *int64          `db:"product_id" json:"product_id,omitempty"`
	CategoryID      *int64          `db:"category_id" json:"category_id,omitempty"`
	BrandID         *int64          `db:"brand_id" json:"brand_id,omitempty"`
	StartDate       time.Time       `db:"start_date" json:"start_date"`
	EndDate         time.Time       `db:"end_date" json:"end_date"`
	Active          bool            `db:"active" json:"active"`
}

// Voucher is a percent discount consumable at most once per customer.
type Voucher struct {
	ID                int64               `db:"id" json:"id"`
	Code              string              `db:"code" json:"code"`
	DiscountPercent   decimal.Decimal     `db:"discount_percent" json:"discount_percent"`
	MinOrderAmount    decimal.NullDecimal `db:"min_order_amount" json:"min_order_amount"`
	MaxDiscountAmount decimal.NullDecimal `db:"max_discount_amount" json:"max_discount_amount"`
	StartDate         time.Time           `db:"start_date" json:"start_date"`
	EndDate           time.Time           `db:"end_date" json:"end_date"`
	ForAllCustomers   bool                `db:"for_all_customers" json:"for_all_customers"`
	Active            bool                `db:"active" json:"active"`
}

// VoucherUsageHistory records a consumed voucher. Its existence means
// "voucher consumed for this order"; the compensating delete makes the
// voucher usable again.
type VoucherUsageHistory struct {
	ID             int64           `db:"id" json:"id"`
	VoucherID      int64           `db:"voucher_id" json:"voucher_id"`
	OrderID        int64           `db:"order_id" json:"order_id"`
	CustomerID     int64           `db:"customer_id" json:"customer_id"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	UsedAt         time.Time       `db:"used_at" json:"used_at"`
}

// Customer carries the loyalty-rank discount rate resolved by a join against
// the ranks table (zero when the customer has no rank).
type Customer struct {
	ID               int64           `db:"id" json:"id"`
	Name             string          `db:"name" json:"name"`
	RankDiscountRate decimal.Decimal `db:"rank_discount_rate" json:"rank_discount_rate"`
}

// CartDetail is a selected cart line joined with its variant snapshot; rows
// are converted into OrderDetail rows at checkout and removed once the
// payment outcome is known.
type CartDetail struct {
	ID          int64           `db:"id" json:"id"`
	CartID      int64           `db:"cart_id" json:"cart_id"`
	VariantID   int64           `db:"variant_id" json:"variant_id"`
	Quantity    int             `db:"quantity" json:"quantity"`
	ProductName string          `db:"product_name" json:"product_name"`
	Price       decimal.Decimal `db:"price" json:"price"`
	ProductID   int64           `db:"product_id" json:"product_id"`
	CategoryID  int64           `db:"category_id" json:"category_id"`
	BrandID     int64           `db:"brand_id" json:"brand_id"`
}

// Payment methods
const (
	PaymentMethodCOD   = "CASH_ON_DELIVERY"
	PaymentMethodVNPay = "VNPAY"
	PaymentMethodMoMo  = "MOMO" // declared but not wired to a gateway yet
)

// Order statuses. Only the first three are ever set by this service;
// the fulfillment side owns the rest.
const (
	OrderStatusPendingPayment = "PENDING_PAYMENT"
	OrderStatusPending        = "PENDING"
	OrderStatusPaymentFailed  = "PAYMENT_FAILED"
	OrderStatusShipping       = "SHIPPING"
	OrderStatusDelivered      = "DELIVERED"
	OrderStatusCanceled       = "CANCELED"
	OrderStatusReturned       = "RETURNED"
)

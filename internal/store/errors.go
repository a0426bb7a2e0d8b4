package store

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrCustomerNotFound   = errors.New("customer not found")
	ErrVoucherNotFound    = errors.New("voucher not found")
	ErrVariantNotFound    = errors.New("product variant not found")
	ErrVoucherAlreadyUsed = errors.New("voucher has already been used by this customer")
)

// InsufficientStockError reports a failed stock reservation. The whole
// order-creation transaction rolls back; nothing is partially committed.
type InsufficientStockError struct {
	ProductName string
	VariantID   int64
	Stock       int
	Requested   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available=%d, requested=%d",
		e.ProductName, e.Stock, e.Requested)
}

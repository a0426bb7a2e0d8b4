package service

import "errors"

// Business validation errors. They abort the whole order-creation attempt
// before anything is persisted and surface to the caller as 4xx responses.
var (
	ErrEmptyCart                = errors.New("no cart items selected")
	ErrCartItemsNotFound        = errors.New("some selected cart items were not found")
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
	ErrVoucherNotAssigned       = errors.New("voucher is not assigned to this customer")
	ErrVoucherNotActive         = errors.New("voucher is outside its validity window")
	ErrVoucherBelowMinimum      = errors.New("order amount is below the voucher minimum")
)

// ErrCallbackMismatch is returned when a validly signed gateway callback does
// not correspond to the order it claims to settle: unknown or missing
// transaction reference, or an amount that differs from the order's total.
var ErrCallbackMismatch = errors.New("callback does not match the order's payment")

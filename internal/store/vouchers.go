package store

import (
	"context"
	"database/sql"
	"errors"

	"checkout-service/internal/models"
)

// GetVoucherByID retrieves an active voucher definition
func (s *Store) GetVoucherByID(ctx context.Context, id int64) (*models.Voucher, error) {
	var voucher models.Voucher
	err := s.db.GetContext(ctx, &voucher,
		"SELECT * FROM vouchers WHERE id = $1 AND active = TRUE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVoucherNotFound
	}
	if err != nil {
		return nil, err
	}
	return &voucher, nil
}

// IsVoucherAssigned reports whether a scoped voucher was explicitly assigned
// to the customer. Vouchers with ForAllCustomers never reach this check.
func (s *Store) IsVoucherAssigned(ctx context.Context, voucherID, customerID int64) (bool, error) {
	var assigned bool
	err := s.db.GetContext(ctx, &assigned,
		"SELECT EXISTS(SELECT 1 FROM voucher_customers WHERE voucher_id = $1 AND customer_id = $2)",
		voucherID, customerID)
	return assigned, err
}

// HasVoucherUsage reports whether the customer already consumed this voucher
// at any point in their history. The unique constraint on
// (voucher_id, customer_id) backs this check under concurrency.
func (s *Store) HasVoucherUsage(ctx context.Context, voucherID, customerID int64) (bool, error) {
	var used bool
	err := s.db.GetContext(ctx, &used,
		"SELECT EXISTS(SELECT 1 FROM voucher_usage_history WHERE voucher_id = $1 AND customer_id = $2)",
		voucherID, customerID)
	return used, err
}

// DeleteVoucherUsageByOrder removes the usage row recorded for an order,
// making the voucher consumable again after a failed or expired payment.
// Returns the number of rows deleted (zero when the order had no voucher).
func (s *Store) DeleteVoucherUsageByOrder(ctx context.Context, orderID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM voucher_usage_history WHERE order_id = $1", orderID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

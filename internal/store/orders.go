package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"

	"github.com/lib/pq"
)

// CreateOrder persists the order aggregate in one transaction: the order row,
// its line items, a conditional stock decrement per line and, when a voucher
// was applied, the usage-history row. Any failure rolls the whole attempt
// back, so a rejected order leaves no side effects at all.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, usage *models.VoucherUsageHistory) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO orders (customer_id, receiver_name, receiver_phone, receiver_address,
		                    payment_method, status, total_price, total_discount,
		                    final_total_price, order_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING id, order_date, created_at, updated_at`,
		order.CustomerID, order.ReceiverName, order.ReceiverPhone, order.ReceiverAddress,
		order.PaymentMethod, order.Status, order.TotalPrice, order.TotalDiscount,
		order.FinalTotalPrice,
	).Scan(&order.ID, &order.OrderDate, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range order.Details {
		detail := &order.Details[i]
		detail.OrderID = order.ID

		err = tx.QueryRowxContext(ctx, `
			INSERT INTO order_details (order_id, variant_id, product_name, price,
			                           quantity, discount_percent, final_price)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			detail.OrderID, detail.VariantID, detail.ProductName, detail.Price,
			detail.Quantity, detail.DiscountPercent, detail.FinalPrice,
		).Scan(&detail.ID)
		if err != nil {
			return fmt.Errorf("failed to insert order detail: %w", err)
		}

		// Stock check and decrement are one atomic statement; a concurrent
		// order on the same variant can never push stock below zero.
		res, err := tx.ExecContext(ctx,
			"UPDATE product_variants SET stock = stock - $1 WHERE id = $2 AND stock >= $1",
			detail.Quantity, detail.VariantID)
		if err != nil {
			return fmt.Errorf("failed to reserve stock: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var current struct {
				Name  string `db:"name"`
				Stock int    `db:"stock"`
			}
			if err := tx.GetContext(ctx, &current,
				"SELECT name, stock FROM product_variants WHERE id = $1", detail.VariantID); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrVariantNotFound
				}
				return err
			}
			return &InsufficientStockError{
				ProductName: current.Name,
				VariantID:   detail.VariantID,
				Stock:       current.Stock,
				Requested:   detail.Quantity,
			}
		}
	}

	if usage != nil {
		usage.OrderID = order.ID
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO voucher_usage_history (voucher_id, order_id, customer_id, discount_amount, used_at)
			VALUES ($1, $2, $3, $4, NOW())
			RETURNING id, used_at`,
			usage.VoucherID, usage.OrderID, usage.CustomerID, usage.DiscountAmount,
		).Scan(&usage.ID, &usage.UsedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrVoucherAlreadyUsed
			}
			return fmt.Errorf("failed to record voucher usage: %w", err)
		}
	}

	return tx.Commit()
}

// SetOrderTxnRef records the gateway transaction reference issued for an
// online order. The callback must present the same reference before the
// order can be settled.
func (s *Store) SetOrderTxnRef(ctx context.Context, orderID int64, txnRef string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET txn_ref = $1, updated_at = NOW() WHERE id = $2",
		txnRef, orderID)
	if err != nil {
		return fmt.Errorf("failed to set txn ref: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderDetailsByOrderID retrieves all line items for an order
func (s *Store) GetOrderDetailsByOrderID(ctx context.Context, orderID int64) ([]models.OrderDetail, error) {
	var details []models.OrderDetail
	err := s.db.SelectContext(ctx, &details,
		"SELECT * FROM order_details WHERE order_id = $1 ORDER BY id", orderID)
	return details, err
}

// TransitionFromPendingPayment atomically moves an order out of
// PENDING_PAYMENT. The callback and the compensation job both route through
// this compare-and-swap; whichever observes PENDING_PAYMENT first wins and
// the loser sees affected == false and must skip its side effects.
func (s *Store) TransitionFromPendingPayment(ctx context.Context, orderID int64, newStatus string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		newStatus, orderID, models.OrderStatusPendingPayment)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

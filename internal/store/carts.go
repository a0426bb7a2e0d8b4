package store

import (
	"context"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetCartDetailsForCheckout retrieves the selected cart lines joined with
// their variant snapshot, scoped to the customer's own cart.
func (s *Store) GetCartDetailsForCheckout(ctx context.Context, customerID int64, ids []int64) ([]models.CartDetail, error) {
	if len(ids) == 0 {
		return []models.CartDetail{}, nil
	}

	query, args, err := sqlx.In(`
		SELECT cd.id, cd.cart_id, cd.variant_id, cd.quantity,
		       pv.name AS product_name, pv.price, pv.product_id,
		       pv.category_id, pv.brand_id
		FROM cart_details cd
		JOIN carts c ON c.id = cd.cart_id
		JOIN product_variants pv ON pv.id = cd.variant_id
		WHERE cd.id IN (?) AND c.customer_id = ?`, ids, customerID)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var details []models.CartDetail
	err = s.db.SelectContext(ctx, &details, query, args...)
	return details, err
}

// RemoveCartDetails deletes consumed cart lines and refreshes the cart's
// item count, in one transaction. Called once the payment outcome is known
// (immediately for cash orders).
func (s *Store) RemoveCartDetails(ctx context.Context, customerID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(`
		DELETE FROM cart_details
		WHERE id IN (?)
		  AND cart_id IN (SELECT id FROM carts WHERE customer_id = ?)`, ids, customerID)
	if err != nil {
		return err
	}
	return s.removeAndRecount(ctx, customerID, query, args)
}

// RemoveCartDetailsByVariants deletes the customer's cart lines for the
// given variants. Used on payment settlement, where the consumed lines are
// derived from the order's own details rather than from callback input.
func (s *Store) RemoveCartDetailsByVariants(ctx context.Context, customerID int64, variantIDs []int64) error {
	if len(variantIDs) == 0 {
		return nil
	}

	query, args, err := sqlx.In(`
		DELETE FROM cart_details
		WHERE variant_id IN (?)
		  AND cart_id IN (SELECT id FROM carts WHERE customer_id = ?)`, variantIDs, customerID)
	if err != nil {
		return err
	}
	return s.removeAndRecount(ctx, customerID, query, args)
}

func (s *Store) removeAndRecount(ctx context.Context, customerID int64, query string, args []interface{}) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE carts
		SET item_count = (SELECT COUNT(*) FROM cart_details WHERE cart_id = carts.id)
		WHERE customer_id = $1`, customerID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

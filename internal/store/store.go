package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetCustomerByID retrieves a customer with their loyalty-rank discount rate
// (zero when the customer has no rank).
func (s *Store) GetCustomerByID(ctx context.Context, id int64) (*models.Customer, error) {
	var customer models.Customer
	err := s.db.GetContext(ctx, &customer, `
		SELECT c.id, c.name, COALESCE(r.discount_rate, 0) AS rank_discount_rate
		FROM customers c
		LEFT JOIN ranks r ON r.id = c.rank_id
		WHERE c.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// GetVariantByID retrieves a product variant by ID
func (s *Store) GetVariantByID(ctx context.Context, id int64) (*models.ProductVariant, error) {
	var variant models.ProductVariant
	err := s.db.GetContext(ctx, &variant,
		"SELECT * FROM product_variants WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVariantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &variant, nil
}

// GetActivePromotions retrieves every currently active promotion applicable
// to a variant, whether scoped by variant, product, category or brand. The
// pricing package picks the winner.
func (s *Store) GetActivePromotions(ctx context.Context, variantID, productID, categoryID, brandID int64) ([]models.Promotion, error) {
	var promotions []models.Promotion
	err := s.db.SelectContext(ctx, &promotions, `
		SELECT * FROM promotions
		WHERE active = TRUE
		  AND start_date <= NOW()
		  AND end_date >= NOW()
		  AND (variant_id = $1 OR product_id = $2 OR category_id = $3 OR brand_id = $4)`,
		variantID, productID, categoryID, brandID)
	return promotions, err
}

// RestoreStock increments a variant's stock by the exact reserved quantity
// (compensation for a failed or timed-out payment).
func (s *Store) RestoreStock(ctx context.Context, variantID int64, quantity int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE product_variants SET stock = stock + $1 WHERE id = $2",
		quantity, variantID)
	return err
}

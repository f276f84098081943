package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"

	"github.com/google/uuid"
)

// CreateDiscount inserts a discount definition
func (s *Store) CreateDiscount(ctx context.Context, d *models.Discount) error {
	query := `
		INSERT INTO discounts (
			id, tenant_id, code, kind, value, status, min_purchase_cents,
			usage_limit, usage_limit_per_customer, starts_at, expires_at
		)
		VALUES (
			:id, :tenant_id, :code, :kind, :value, :status, :min_purchase_cents,
			:usage_limit, :usage_limit_per_customer, :starts_at, :expires_at
		)`
	_, err := s.db.NamedExecContext(ctx, query, d)
	return err
}

// GetDiscount retrieves a discount by id
func (s *Store) GetDiscount(ctx context.Context, tenantID, id uuid.UUID) (*models.Discount, error) {
	var d models.Discount
	err := s.db.GetContext(ctx, &d,
		"SELECT * FROM discounts WHERE tenant_id = $1 AND id = $2", tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("discount not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDiscountByCode retrieves a discount by its code (case-insensitive)
func (s *Store) GetDiscountByCode(ctx context.Context, tenantID uuid.UUID, code string) (*models.Discount, error) {
	var d models.Discount
	err := s.db.GetContext(ctx, &d,
		"SELECT * FROM discounts WHERE tenant_id = $1 AND LOWER(code) = $2",
		tenantID, strings.ToLower(code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("discount not found: %s", code)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ReserveDiscountUsage increments usage_count only while the discount is
// active, inside its window and below its limit
func (s *Store) ReserveDiscountUsage(ctx context.Context, tenantID, discountID uuid.UUID, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE discounts SET usage_count = usage_count + 1
		WHERE tenant_id = $1 AND id = $2 AND status = 'active'
			AND (starts_at IS NULL OR starts_at <= $3)
			AND (expires_at IS NULL OR expires_at >= $3)
			AND (usage_limit IS NULL OR usage_count < usage_limit)`,
		tenantID, discountID, now)
	if err != nil {
		return false, fmt.Errorf("failed to reserve discount usage: %w", err)
	}
	return affected(res)
}

// ReleaseDiscountUsage gives back one reserved usage, floored at zero
func (s *Store) ReleaseDiscountUsage(ctx context.Context, discountID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE discounts SET usage_count = GREATEST(usage_count - 1, 0) WHERE id = $1",
		discountID)
	return err
}

// CountCustomerUsages counts recorded usages of a discount by one customer
func (s *Store) CountCustomerUsages(ctx context.Context, discountID uuid.UUID, email string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM discount_usages WHERE discount_id = $1 AND LOWER(customer_email) = $2",
		discountID, strings.ToLower(email))
	return count, err
}

// InsertDiscountUsage records a usage. A row already present for the same
// (order, discount) is success with inserted=false.
func (s *Store) InsertDiscountUsage(ctx context.Context, usage *models.DiscountUsage) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO discount_usages (order_id, discount_id, tenant_id, customer_email, amount_cents)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id, discount_id) DO NOTHING`,
		usage.OrderID, usage.DiscountID, usage.TenantID, usage.CustomerEmail, usage.AmountCents)
	if err != nil {
		return false, fmt.Errorf("failed to record discount usage: %w", err)
	}
	return affected(res)
}

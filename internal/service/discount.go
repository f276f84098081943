package service

import (
	"context"
	"strings"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// Discounts enforces global and per-customer usage caps
type Discounts struct {
	store  DiscountStore
	logger *zap.Logger
	now    func() time.Time
}

// NewDiscounts creates a new discount limiter
func NewDiscounts(store DiscountStore) *Discounts {
	return &Discounts{
		store:  store,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// CreateDiscountRequest is the payload for defining a discount
type CreateDiscountRequest struct {
	Code                  string     `json:"code" binding:"required"`
	Kind                  string     `json:"kind" binding:"required,oneof=percentage fixed"`
	Value                 int64      `json:"value" binding:"required,min=1"`
	MinPurchaseCents      int64      `json:"min_purchase_cents" binding:"min=0"`
	UsageLimit            *int       `json:"usage_limit,omitempty"`
	UsageLimitPerCustomer *int       `json:"usage_limit_per_customer,omitempty"`
	StartsAt              *time.Time `json:"starts_at,omitempty"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
}

// Create defines a new active discount
func (d *Discounts) Create(ctx context.Context, tenantID uuid.UUID, req *CreateDiscountRequest) (*models.Discount, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, apperr.InvalidRequest("code is required")
	}
	if req.Kind == models.DiscountKindPercentage && req.Value > 100 {
		return nil, apperr.InvalidRequest("percentage discount cannot exceed 100")
	}
	if req.UsageLimit != nil && *req.UsageLimit < 0 {
		return nil, apperr.InvalidRequest("usage_limit cannot be negative")
	}
	if req.StartsAt != nil && req.ExpiresAt != nil && req.ExpiresAt.Before(*req.StartsAt) {
		return nil, apperr.InvalidRequest("expires_at is before starts_at")
	}

	discount := &models.Discount{
		ID:                    uuid.New(),
		TenantID:              tenantID,
		Code:                  code,
		Kind:                  req.Kind,
		Value:                 req.Value,
		Status:                models.DiscountStatusActive,
		MinPurchaseCents:      req.MinPurchaseCents,
		UsageLimit:            req.UsageLimit,
		UsageLimitPerCustomer: req.UsageLimitPerCustomer,
		StartsAt:              req.StartsAt,
		ExpiresAt:             req.ExpiresAt,
		CreatedAt:             d.now().UTC(),
	}
	if err := d.store.CreateDiscount(ctx, discount); err != nil {
		return nil, err
	}
	return discount, nil
}

// Get returns a discount by id
func (d *Discounts) Get(ctx context.Context, tenantID, id uuid.UUID) (*models.Discount, error) {
	return d.store.GetDiscount(ctx, tenantID, id)
}

// GetByCode returns a discount by code
func (d *Discounts) GetByCode(ctx context.Context, tenantID uuid.UUID, code string) (*models.Discount, error) {
	return d.store.GetDiscountByCode(ctx, tenantID, code)
}

// Validate checks status, window, minimum purchase and the per-customer cap.
// The global cap is enforced by ReserveUsage, not here.
func (d *Discounts) Validate(ctx context.Context, discount *models.Discount, subtotal int64, customerEmail string) error {
	now := d.now()
	if discount.Status != models.DiscountStatusActive {
		return apperr.InvalidRequest("discount %s is not active", discount.Code)
	}
	if discount.StartsAt != nil && now.Before(*discount.StartsAt) {
		return apperr.InvalidRequest("discount %s has not started", discount.Code)
	}
	if discount.ExpiresAt != nil && now.After(*discount.ExpiresAt) {
		return apperr.InvalidRequest("discount %s has expired", discount.Code)
	}
	if subtotal < discount.MinPurchaseCents {
		return apperr.InvalidRequest("discount %s requires a minimum purchase of %d", discount.Code, discount.MinPurchaseCents)
	}

	if discount.UsageLimitPerCustomer != nil && customerEmail != "" {
		used, err := d.store.CountCustomerUsages(ctx, discount.ID, customerEmail)
		if err != nil {
			return err
		}
		if used >= *discount.UsageLimitPerCustomer {
			util.DiscountReservationsTotal.WithLabelValues("customer_limit").Inc()
			return apperr.DiscountLimitExhausted(discount.Code)
		}
	}
	return nil
}

// ReserveUsage takes one usage from the global cap
func (d *Discounts) ReserveUsage(ctx context.Context, discount *models.Discount) error {
	ok, err := d.store.ReserveDiscountUsage(ctx, discount.TenantID, discount.ID, d.now())
	if err != nil {
		util.DiscountReservationsTotal.WithLabelValues("error").Inc()
		return err
	}
	if !ok {
		util.DiscountReservationsTotal.WithLabelValues("exhausted").Inc()
		return apperr.DiscountLimitExhausted(discount.Code)
	}
	util.DiscountReservationsTotal.WithLabelValues("reserved").Inc()
	return nil
}

// ReleaseUsage gives a reserved usage back
func (d *Discounts) ReleaseUsage(ctx context.Context, discountID uuid.UUID) error {
	return d.store.ReleaseDiscountUsage(ctx, discountID)
}

// RecordUsage writes the (order, discount) usage row. An existing row means
// a retried ingestion already recorded it.
func (d *Discounts) RecordUsage(ctx context.Context, usage *models.DiscountUsage) error {
	inserted, err := d.store.InsertDiscountUsage(ctx, usage)
	if err != nil {
		return err
	}
	if !inserted {
		d.logger.Debug("Discount usage already recorded",
			zap.String("order_id", usage.OrderID.String()),
			zap.String("discount_id", usage.DiscountID.String()),
		)
	}
	return nil
}

// Amount computes the discount for a subtotal, capped at the subtotal.
// Percentages round half away from zero to the cent.
func (d *Discounts) Amount(discount *models.Discount, subtotal int64) int64 {
	var amount int64
	switch discount.Kind {
	case models.DiscountKindPercentage:
		amount = decimal.NewFromInt(subtotal).
			Mul(decimal.NewFromInt(discount.Value)).
			Div(hundred).
			Round(0).
			IntPart()
	case models.DiscountKindFixed:
		amount = discount.Value
	}
	if amount > subtotal {
		amount = subtotal
	}
	if amount < 0 {
		amount = 0
	}
	return amount
}

package service

import (
	"context"
	"errors"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/payment"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SettingsSource resolves a tenant's payment provider credentials
type SettingsSource interface {
	GetPaymentSettings(ctx context.Context, tenantID uuid.UUID) (*models.TenantPaymentSettings, error)
}

// Checkout runs the reservation sequence that moves a cart from open to
// checked_out
type Checkout struct {
	carts     CartStore
	ledger    *Ledger
	discounts *Discounts
	settings  SettingsSource
	provider  payment.Provider
	lease     time.Duration
	logger    *zap.Logger
}

// NewCheckout creates a new checkout service
func NewCheckout(
	carts CartStore,
	ledger *Ledger,
	discounts *Discounts,
	settings SettingsSource,
	provider payment.Provider,
	lease time.Duration,
) *Checkout {
	return &Checkout{
		carts:     carts,
		ledger:    ledger,
		discounts: discounts,
		settings:  settings,
		provider:  provider,
		lease:     lease,
		logger:    util.GetLogger(),
	}
}

// CheckoutResult is returned to the storefront to redirect the buyer
type CheckoutResult struct {
	CartID        uuid.UUID `json:"cart_id"`
	SessionID     string    `json:"session_id"`
	SessionURL    string    `json:"session_url"`
	SubtotalCents int64     `json:"subtotal_cents"`
	DiscountCents int64     `json:"discount_cents"`
}

// Checkout reserves every line, reserves the discount usage, opens a provider
// session and marks the cart checked_out. Any failure before the final step
// leaves no holds behind.
func (c *Checkout) Checkout(ctx context.Context, tenantID, cartID uuid.UUID) (res *CheckoutResult, err error) {
	ctx, span := util.StartSpan(ctx, "Checkout.Checkout")
	defer func() { util.EndSpan(span, err) }()

	logger := c.logger.With(zap.String("tenant_id", tenantID.String()), zap.String("cart_id", cartID.String()))
	defer func() {
		util.CheckoutsTotal.WithLabelValues(checkoutOutcome(err)).Inc()
	}()

	settings, err := c.settings.GetPaymentSettings(ctx, tenantID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.InvalidState("payment provider is not configured")
		}
		return nil, err
	}

	attemptID := uuid.New()
	claimed, err := c.carts.ClaimCheckoutLease(ctx, tenantID, cartID, attemptID, time.Now().Add(c.lease))
	if err != nil {
		return nil, err
	}
	if !claimed {
		if _, err := c.carts.GetCart(ctx, tenantID, cartID); err != nil {
			return nil, err
		}
		return nil, apperr.Conflict("cart %s is not open for checkout", cartID)
	}

	// Compensation must run even when the caller goes away
	bg := context.WithoutCancel(ctx)
	reference := "checkout:" + attemptID.String()

	cart, err := c.carts.GetCart(ctx, tenantID, cartID)
	if err != nil {
		c.releaseLease(bg, cartID, attemptID)
		return nil, err
	}
	if len(cart.Items) == 0 {
		c.releaseLease(bg, cartID, attemptID)
		return nil, apperr.InvalidRequest("cart %s is empty", cartID)
	}

	held := make([]models.CartItem, 0, len(cart.Items))
	for i := range cart.Items {
		if err := c.ledger.ReserveLine(ctx, &cart.Items[i]); err != nil {
			logger.Info("Checkout reservation failed", zap.String("sku", cart.Items[i].SKU), zap.Error(err))
			c.rollback(bg, cart, held, nil, attemptID, reference)
			return nil, err
		}
		held = append(held, cart.Items[i])
	}

	subtotal := cart.Subtotal()
	var discount *models.Discount
	if cart.DiscountID != nil {
		discount, err = c.reserveDiscount(ctx, cart, subtotal)
		if err != nil {
			c.rollback(bg, cart, held, nil, attemptID, reference)
			return nil, err
		}
		cart.DiscountCents = c.discounts.Amount(discount, subtotal)
		cart.DiscountReserved = true
	}

	req := payment.SessionRequest{
		TenantID:      tenantID,
		CartID:        cart.ID,
		Currency:      cart.Currency,
		CustomerEmail: cart.CustomerEmail,
		DiscountCents: cart.DiscountCents,
		ExpiresAt:     cart.ExpiresAt,
	}
	for _, item := range cart.Items {
		req.Lines = append(req.Lines, payment.SessionLine{
			SKU:            item.SKU,
			Title:          item.Title,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
		})
	}

	session, err := c.provider.CreateCheckoutSession(ctx, settings, req)
	if err != nil {
		logger.Error("Payment session creation failed", zap.Error(err))
		c.rollback(bg, cart, held, discount, attemptID, reference)
		return nil, apperr.UpstreamPayment(err)
	}

	ok, err := c.carts.MarkCheckedOut(bg, cart, attemptID, session.ID)
	if err != nil || !ok {
		// The lease ran out and another attempt may now rely on the line
		// holds, so only the discount usage taken here is returned.
		logger.Warn("Lost checkout lease before completion", zap.String("session_id", session.ID), zap.Error(err))
		if discount != nil {
			c.releaseDiscount(bg, discount.ID)
		}
		if err != nil {
			return nil, err
		}
		return nil, apperr.Conflict("cart %s checkout was superseded", cartID)
	}

	logger.Info("Cart checked out",
		zap.String("session_id", session.ID),
		zap.Int64("subtotal_cents", subtotal),
		zap.Int64("discount_cents", cart.DiscountCents),
	)

	return &CheckoutResult{
		CartID:        cart.ID,
		SessionID:     session.ID,
		SessionURL:    session.URL,
		SubtotalCents: subtotal,
		DiscountCents: cart.DiscountCents,
	}, nil
}

func (c *Checkout) reserveDiscount(ctx context.Context, cart *models.Cart, subtotal int64) (*models.Discount, error) {
	discount, err := c.discounts.Get(ctx, cart.TenantID, *cart.DiscountID)
	if err != nil {
		return nil, err
	}
	email := ""
	if cart.CustomerEmail != nil {
		email = *cart.CustomerEmail
	}
	if err := c.discounts.Validate(ctx, discount, subtotal, email); err != nil {
		return nil, err
	}
	if err := c.discounts.ReserveUsage(ctx, discount); err != nil {
		return nil, err
	}
	return discount, nil
}

// rollback releases the holds made by this attempt, the discount usage if
// one was reserved, and the lease
func (c *Checkout) rollback(ctx context.Context, cart *models.Cart, held []models.CartItem, discount *models.Discount, attemptID uuid.UUID, reference string) {
	for i := range held {
		if _, err := c.ledger.ReleaseLine(ctx, &held[i], reference); err != nil {
			c.logger.Error("Failed to release hold during rollback",
				zap.String("cart_id", cart.ID.String()),
				zap.String("sku", held[i].SKU),
				zap.Error(err),
			)
		}
	}
	if discount != nil {
		c.releaseDiscount(ctx, discount.ID)
	}
	c.releaseLease(ctx, cart.ID, attemptID)
}

func (c *Checkout) releaseDiscount(ctx context.Context, discountID uuid.UUID) {
	if err := c.discounts.ReleaseUsage(ctx, discountID); err != nil {
		c.logger.Error("Failed to release discount usage", zap.String("discount_id", discountID.String()), zap.Error(err))
	}
}

func (c *Checkout) releaseLease(ctx context.Context, cartID, attemptID uuid.UUID) {
	if err := c.carts.ReleaseCheckoutLease(ctx, cartID, attemptID); err != nil {
		c.logger.Error("Failed to release checkout lease", zap.String("cart_id", cartID.String()), zap.Error(err))
	}
}

func checkoutOutcome(err error) string {
	if err == nil {
		return "checked_out"
	}
	return string(apperr.KindOf(err))
}

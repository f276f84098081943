package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const leaseFree = "(checkout_lease_until IS NULL OR checkout_lease_until < NOW())"

// CreateCart inserts a new open cart
func (s *Store) CreateCart(ctx context.Context, cart *models.Cart) error {
	query := `
		INSERT INTO carts (id, tenant_id, status, customer_email, currency, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		cart.ID, cart.TenantID, cart.Status, cart.CustomerEmail, cart.Currency, cart.ExpiresAt,
	).Scan(&cart.CreatedAt, &cart.UpdatedAt)
}

// GetCart retrieves a cart with its items
func (s *Store) GetCart(ctx context.Context, tenantID, cartID uuid.UUID) (*models.Cart, error) {
	var cart models.Cart
	err := s.db.GetContext(ctx, &cart,
		"SELECT * FROM carts WHERE tenant_id = $1 AND id = $2", tenantID, cartID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("cart not found: %s", cartID)
	}
	if err != nil {
		return nil, err
	}
	return s.withItems(ctx, &cart)
}

// GetCartBySession resolves the cart linked to a checkout session. Returns
// nil when no cart is linked.
func (s *Store) GetCartBySession(ctx context.Context, tenantID uuid.UUID, sessionID string) (*models.Cart, error) {
	var cart models.Cart
	err := s.db.GetContext(ctx, &cart,
		"SELECT * FROM carts WHERE tenant_id = $1 AND checkout_session_id = $2", tenantID, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.withItems(ctx, &cart)
}

func (s *Store) withItems(ctx context.Context, cart *models.Cart) (*models.Cart, error) {
	items, err := s.GetCartItems(ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	cart.Items = items
	return cart, nil
}

// GetCartItems retrieves the lines of a cart
func (s *Store) GetCartItems(ctx context.Context, cartID uuid.UUID) ([]models.CartItem, error) {
	items := []models.CartItem{}
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM cart_items WHERE cart_id = $1 ORDER BY sku", cartID)
	return items, err
}

// AddCartItem adds or increments a line while the cart is open and no
// checkout is in flight. Returns false when the cart cannot be modified.
func (s *Store) AddCartItem(ctx context.Context, item *models.CartItem) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cart_items (id, cart_id, tenant_id, sku, title, quantity, unit_price_cents)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE EXISTS (
			SELECT 1 FROM carts
			WHERE id = $2 AND tenant_id = $3 AND status = 'open' AND `+leaseFree+`
		)
		ON CONFLICT (cart_id, sku) DO UPDATE SET
			quantity = cart_items.quantity + EXCLUDED.quantity,
			title = EXCLUDED.title,
			unit_price_cents = EXCLUDED.unit_price_cents
		WHERE cart_items.reserved_qty = 0`,
		item.ID, item.CartID, item.TenantID, item.SKU, item.Title, item.Quantity, item.UnitPriceCents)
	if err != nil {
		return false, fmt.Errorf("failed to add cart item: %w", err)
	}
	return affected(res)
}

// SetCartDiscount attaches a discount to an open cart
func (s *Store) SetCartDiscount(ctx context.Context, tenantID, cartID, discountID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE carts SET discount_id = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = 'open' AND `+leaseFree,
		tenantID, cartID, discountID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ClaimCheckoutLease marks a single checkout attempt as the owner of an open
// cart until the lease runs out
func (s *Store) ClaimCheckoutLease(ctx context.Context, tenantID, cartID, attemptID uuid.UUID, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE carts SET checkout_attempt_id = $3, checkout_lease_until = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = 'open' AND expires_at > NOW() AND `+leaseFree,
		tenantID, cartID, attemptID, until)
	if err != nil {
		return false, fmt.Errorf("failed to claim checkout lease: %w", err)
	}
	return affected(res)
}

// ReleaseCheckoutLease drops the lease after a failed attempt
func (s *Store) ReleaseCheckoutLease(ctx context.Context, cartID, attemptID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE carts SET checkout_lease_until = NULL, updated_at = NOW()
		WHERE id = $1 AND checkout_attempt_id = $2 AND status = 'open'`,
		cartID, attemptID)
	return err
}

// MarkCheckedOut moves the cart from open to checked_out for the attempt
// that holds the lease
func (s *Store) MarkCheckedOut(ctx context.Context, cart *models.Cart, attemptID uuid.UUID, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE carts SET status = 'checked_out', checkout_session_id = $3, checked_out_at = NOW(),
			discount_cents = $4, discount_reserved = $5, checkout_lease_until = NULL, updated_at = NOW()
		WHERE id = $1 AND checkout_attempt_id = $2 AND status = 'open'`,
		cart.ID, attemptID, sessionID, cart.DiscountCents, cart.DiscountReserved)
	if err != nil {
		return false, fmt.Errorf("failed to mark cart checked out: %w", err)
	}
	return affected(res)
}

// ClaimCartForOrder links a checked-out cart to an order id. Only one caller
// can link a given cart.
func (s *Store) ClaimCartForOrder(ctx context.Context, cartID, orderID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE carts SET order_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'checked_out' AND order_id IS NULL`,
		cartID, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to link cart to order: %w", err)
	}
	return affected(res)
}

// MarkCartCompleted records that the cart was superseded by its order
func (s *Store) MarkCartCompleted(ctx context.Context, cartID, orderID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE carts SET status = 'completed', updated_at = NOW()
		WHERE id = $1 AND order_id = $2 AND status = 'checked_out'`,
		cartID, orderID)
	return err
}

// ExpireOpenCart moves an open cart past its expiry to expired
func (s *Store) ExpireOpenCart(ctx context.Context, cartID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE carts SET status = 'expired', updated_at = NOW()
		WHERE id = $1 AND status = 'open' AND expires_at < NOW() AND `+leaseFree,
		cartID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ExpireCheckedOutCart moves a checked-out cart that no order has claimed to
// expired, provided checkout began before the cutoff
func (s *Store) ExpireCheckedOutCart(ctx context.Context, cartID uuid.UUID, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE carts SET status = 'expired', updated_at = NOW()
		WHERE id = $1 AND status = 'checked_out' AND order_id IS NULL AND checked_out_at <= $2`,
		cartID, cutoff)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ClaimDiscountRelease clears the cart's discount reservation flag and
// returns the discount to release. Returns nil when there is nothing to do.
func (s *Store) ClaimDiscountRelease(ctx context.Context, cartID uuid.UUID) (*uuid.UUID, error) {
	var discountID uuid.UUID
	err := s.db.GetContext(ctx, &discountID, `
		UPDATE carts SET discount_reserved = FALSE, updated_at = NOW()
		WHERE id = $1 AND discount_reserved AND order_id IS NULL AND discount_id IS NOT NULL
		RETURNING discount_id`,
		cartID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &discountID, nil
}

// ListExpiredOpenCarts finds open carts past expiry with no live checkout
func (s *Store) ListExpiredOpenCarts(ctx context.Context, limit int) ([]models.Cart, error) {
	return s.listCarts(ctx, `
		SELECT * FROM carts
		WHERE status = 'open' AND expires_at < NOW() AND `+leaseFree+`
		ORDER BY expires_at LIMIT $1`, limit)
}

// ListAbandonedCheckouts finds checked-out carts no order has claimed
func (s *Store) ListAbandonedCheckouts(ctx context.Context, cutoff time.Time, limit int) ([]models.Cart, error) {
	return s.listCarts(ctx, `
		SELECT * FROM carts
		WHERE status = 'checked_out' AND order_id IS NULL AND checked_out_at <= $2
		ORDER BY checked_out_at LIMIT $1`, limit, cutoff)
}

// ListExpiredCartsWithHolds finds expired carts still holding inventory or a
// discount reservation
func (s *Store) ListExpiredCartsWithHolds(ctx context.Context, limit int) ([]models.Cart, error) {
	return s.listCarts(ctx, `
		SELECT * FROM carts c
		WHERE c.status = 'expired' AND c.order_id IS NULL
			AND (c.discount_reserved OR EXISTS (
				SELECT 1 FROM cart_items ci WHERE ci.cart_id = c.id AND ci.reserved_qty > 0))
		ORDER BY c.updated_at LIMIT $1`, limit)
}

func (s *Store) listCarts(ctx context.Context, query string, args ...interface{}) ([]models.Cart, error) {
	var carts []models.Cart
	if err := s.db.SelectContext(ctx, &carts, query, args...); err != nil {
		return nil, err
	}
	if len(carts) == 0 {
		return carts, nil
	}

	ids := make([]uuid.UUID, len(carts))
	for i := range carts {
		ids[i] = carts[i].ID
	}
	q, qargs, err := sqlx.In("SELECT * FROM cart_items WHERE cart_id IN (?) ORDER BY sku", ids)
	if err != nil {
		return nil, err
	}
	var items []models.CartItem
	if err := s.db.SelectContext(ctx, &items, s.db.Rebind(q), qargs...); err != nil {
		return nil, err
	}

	byCart := make(map[uuid.UUID][]models.CartItem, len(carts))
	for _, item := range items {
		byCart[item.CartID] = append(byCart[item.CartID], item)
	}
	for i := range carts {
		carts[i].Items = byCart[carts[i].ID]
	}
	return carts, nil
}

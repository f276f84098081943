package service

import (
	"context"
	"strings"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Carts manages open carts ahead of checkout
type Carts struct {
	store     CartStore
	catalog   Catalog
	discounts *Discounts
	ttl       time.Duration
	currency  string
	logger    *zap.Logger
}

// NewCarts creates a new cart service
func NewCarts(store CartStore, catalog Catalog, discounts *Discounts, ttl time.Duration, currency string) *Carts {
	return &Carts{
		store:     store,
		catalog:   catalog,
		discounts: discounts,
		ttl:       ttl,
		currency:  currency,
		logger:    util.GetLogger(),
	}
}

// CreateCartRequest is the payload for opening a cart
type CreateCartRequest struct {
	CustomerEmail *string `json:"customer_email,omitempty" binding:"omitempty,email"`
	Currency      string  `json:"currency,omitempty"`
}

// AddItemRequest adds quantity units of a SKU
type AddItemRequest struct {
	SKU      string `json:"sku" binding:"required"`
	Quantity int    `json:"quantity" binding:"required,min=1"`
}

// Create opens a cart that expires after the configured TTL
func (c *Carts) Create(ctx context.Context, tenantID uuid.UUID, req *CreateCartRequest) (*models.Cart, error) {
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = c.currency
	}

	cart := &models.Cart{
		ID:            uuid.New(),
		TenantID:      tenantID,
		Status:        models.CartStatusOpen,
		CustomerEmail: req.CustomerEmail,
		Currency:      currency,
		ExpiresAt:     time.Now().Add(c.ttl).UTC(),
		Items:         []models.CartItem{},
	}
	if err := c.store.CreateCart(ctx, cart); err != nil {
		return nil, err
	}
	return cart, nil
}

// Get returns a cart with its lines
func (c *Carts) Get(ctx context.Context, tenantID, cartID uuid.UUID) (*models.Cart, error) {
	return c.store.GetCart(ctx, tenantID, cartID)
}

// AddItem snapshots the catalog price and adds the line to an open cart
func (c *Carts) AddItem(ctx context.Context, tenantID, cartID uuid.UUID, req *AddItemRequest) (*models.Cart, error) {
	if req.Quantity <= 0 {
		return nil, apperr.InvalidRequest("quantity must be positive")
	}

	if err := c.requireOpen(ctx, tenantID, cartID); err != nil {
		return nil, err
	}

	product, err := c.catalog.GetProduct(ctx, tenantID, req.SKU)
	if err != nil {
		return nil, err
	}
	if product.Status != models.ProductStatusActive {
		return nil, apperr.InvalidRequest("product %s is not available", req.SKU)
	}

	item := &models.CartItem{
		ID:             uuid.New(),
		CartID:         cartID,
		TenantID:       tenantID,
		SKU:            product.SKU,
		Title:          product.Title,
		Quantity:       req.Quantity,
		UnitPriceCents: product.PriceCents,
	}
	ok, err := c.store.AddCartItem(ctx, item)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("cart %s cannot be modified", cartID)
	}
	return c.store.GetCart(ctx, tenantID, cartID)
}

// ApplyDiscount attaches a discount by code. Limits are enforced at checkout.
func (c *Carts) ApplyDiscount(ctx context.Context, tenantID, cartID uuid.UUID, code string) (*models.Cart, error) {
	if err := c.requireOpen(ctx, tenantID, cartID); err != nil {
		return nil, err
	}

	discount, err := c.discounts.GetByCode(ctx, tenantID, code)
	if err != nil {
		return nil, err
	}
	if discount.Status != models.DiscountStatusActive {
		return nil, apperr.InvalidRequest("discount %s is not active", discount.Code)
	}

	ok, err := c.store.SetCartDiscount(ctx, tenantID, cartID, discount.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("cart %s cannot be modified", cartID)
	}
	return c.store.GetCart(ctx, tenantID, cartID)
}

func (c *Carts) requireOpen(ctx context.Context, tenantID, cartID uuid.UUID) error {
	cart, err := c.store.GetCart(ctx, tenantID, cartID)
	if err != nil {
		return err
	}
	if cart.Status != models.CartStatusOpen {
		return apperr.Conflict("cart %s is %s", cartID, cart.Status)
	}
	return nil
}

package service

import (
	"context"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaperAbandonedCheckoutAfterGrace(t *testing.T) {
	h := newHarness()
	h.store.addProduct(h.tenant, "SKU-A", 1000, 5)
	ctx := context.Background()

	limit := 3
	discount, err := h.discounts.Create(ctx, h.tenant, &CreateDiscountRequest{
		Code: "OFF", Kind: models.DiscountKindFixed, Value: 100, UsageLimit: &limit,
	})
	require.NoError(t, err)
	cart, err := h.cartWith(ctx, "", map[string]int{"SKU-A": 2})
	require.NoError(t, err)
	_, err = h.carts.ApplyDiscount(ctx, h.tenant, cart.ID, "OFF")
	require.NoError(t, err)
	_, err = h.checkout.Checkout(ctx, h.tenant, cart.ID)
	require.NoError(t, err)

	res, err := h.reaper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Abandoned)
	assert.Equal(t, 2, h.store.stock(h.tenant, "SKU-A").Reserved)

	h.store.withCart(cart.ID, func(c *models.Cart) {
		old := time.Now().Add(-2*time.Hour - time.Minute)
		c.CheckedOutAt = &old
	})

	res, err = h.reaper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)
	assert.Equal(t, 0, h.store.stock(h.tenant, "SKU-A").Reserved)
	assert.Equal(t, 0, h.store.discountUsage(discount.ID))

	stored := h.store.cart(cart.ID)
	assert.Equal(t, models.CartStatusExpired, stored.Status)
	assert.False(t, stored.DiscountReserved)

	// a second pass finds nothing to release
	res, err = h.reaper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReapResult{}, res)
	assert.Equal(t, 0, h.store.discountUsage(discount.ID))
}

func TestReaperSkipsClaimedCheckout(t *testing.T) {
	h := newHarness()
	h.store.addProduct(h.tenant, "SKU-A", 1000, 5)
	cart := checkedOutCart(t, h, "", map[string]int{"SKU-A": 1})
	ctx := context.Background()

	require.NoError(t, h.ingestion.Ingest(ctx, h.tenant, completedEvent("evt_1", *cart.CheckoutSessionID)))
	h.store.withCart(cart.ID, func(c *models.Cart) {
		old := time.Now().Add(-3 * time.Hour)
		c.CheckedOutAt = &old
	})

	res, err := h.reaper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Abandoned)
	assert.Equal(t, models.CartStatusCompleted, h.store.cart(cart.ID).Status)
	assert.Equal(t, 4, h.store.stock(h.tenant, "SKU-A").OnHand)
}

func TestReaperExpiresOpenCarts(t *testing.T) {
	h := newHarness()
	h.store.addProduct(h.tenant, "SKU-A", 1000, 5)
	ctx := context.Background()

	cart, err := h.cartWith(ctx, "", map[string]int{"SKU-A": 1})
	require.NoError(t, err)
	h.store.withCart(cart.ID, func(c *models.Cart) { c.ExpiresAt = time.Now().Add(-time.Minute) })

	n, err := h.reaper.ExpireOpenCarts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.CartStatusExpired, h.store.cart(cart.ID).Status)

	_, err = h.checkout.Checkout(ctx, h.tenant, cart.ID)
	assert.Error(t, err)
}

func TestReaperReleasesStragglers(t *testing.T) {
	h := newHarness()
	h.store.addProduct(h.tenant, "SKU-A", 1000, 5)
	cart := checkedOutCart(t, h, "", map[string]int{"SKU-A": 3})
	ctx := context.Background()

	// expired by a reaper that stopped before releasing anything
	h.store.withCart(cart.ID, func(c *models.Cart) { c.Status = models.CartStatusExpired })

	n, err := h.reaper.ReleaseStragglers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, h.store.stock(h.tenant, "SKU-A").Reserved)

	n, err = h.reaper.ReleaseStragglers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

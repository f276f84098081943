package service

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerConcurrentReserveNeverOversells(t *testing.T) {
	h := newHarness()
	h.store.addProduct(h.tenant, "SKU-A", 1000, 10)

	var wg sync.WaitGroup
	var granted int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.ledger.Reserve(context.Background(), h.tenant, "SKU-A", 1); err == nil {
				atomic.AddInt32(&granted, 1)
			} else {
				assert.ErrorIs(t, err, apperr.ErrInsufficientInventory)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, granted)
	inv := h.store.stock(h.tenant, "SKU-A")
	assert.Equal(t, 10, inv.Reserved)
	assert.Equal(t, 0, inv.Available())
}

func TestLedgerReleaseFloorsAtZero(t *testing.T) {
	h := newHarness()
	h.store.addProduct(h.tenant, "SKU-A", 1000, 5)
	ctx := context.Background()

	require.NoError(t, h.ledger.Reserve(ctx, h.tenant, "SKU-A", 2))
	require.NoError(t, h.ledger.Release(ctx, h.tenant, "SKU-A", 3, "manual"))

	assert.Equal(t, 0, h.store.stock(h.tenant, "SKU-A").Reserved)
}

func TestLedgerAdjustValidation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	tests := []struct {
		name   string
		sku    string
		delta  int
		reason string
	}{
		{"blank sku", "  ", 1, models.ReasonRestock},
		{"zero delta", "SKU-A", 0, models.ReasonRestock},
		{"sale is not a manual reason", "SKU-A", -1, models.ReasonSale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ledger.Adjust(ctx, h.tenant, tt.sku, tt.delta, tt.reason, "")
			assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
		})
	}
}

func TestLedgerAdjustCannotDropBelowReserved(t *testing.T) {
	h := newHarness()
	h.store.addProduct(h.tenant, "SKU-A", 1000, 5)
	ctx := context.Background()

	require.NoError(t, h.ledger.Reserve(ctx, h.tenant, "SKU-A", 4))
	_, err := h.ledger.Adjust(ctx, h.tenant, "SKU-A", -2, models.ReasonDamaged, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, 5, h.store.stock(h.tenant, "SKU-A").OnHand)
}

func TestLedgerAdjustCreatesRowAndLogs(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	inv, err := h.ledger.Adjust(ctx, h.tenant, "SKU-NEW", 20, models.ReasonRestock, "po-1")
	require.NoError(t, err)
	assert.Equal(t, 20, inv.OnHand)

	entries, err := h.ledger.Log(ctx, h.tenant, "SKU-NEW", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 20, entries[0].Delta)
	assert.Equal(t, "po-1", entries[0].ReferenceID)
}

func TestLedgerLowStockIsDebounced(t *testing.T) {
	h := newHarness()
	h.store.addProduct(h.tenant, "SKU-A", 1000, 3)
	ctx := context.Background()

	_, err := h.ledger.Adjust(ctx, h.tenant, "SKU-A", -2, models.ReasonDamaged, "")
	require.NoError(t, err)
	_, err = h.ledger.Adjust(ctx, h.tenant, "SKU-A", -1, models.ReasonDamaged, "")
	require.NoError(t, err)

	low := h.publisher.ofType(models.EventTypeInventoryLow)
	require.Len(t, low, 1)
	assert.Equal(t, h.tenant, low[0].TenantID)
}

func TestLedgerLowStockPerSKUThreshold(t *testing.T) {
	h := newHarness()
	h.store.addProduct(h.tenant, "SKU-A", 1000, 50)
	threshold := 45
	h.store.inventory[invKey(h.tenant, "SKU-A")].LowStockThreshold = &threshold

	_, err := h.ledger.Adjust(context.Background(), h.tenant, "SKU-A", -5, models.ReasonDamaged, "")
	require.NoError(t, err)
	assert.Len(t, h.publisher.ofType(models.EventTypeInventoryLow), 1)
}

func TestLedgerCommitSaleOncePerOrder(t *testing.T) {
	h := newHarness()
	h.store.addProduct(h.tenant, "SKU-A", 1000, 10)
	ctx := context.Background()
	orderID := uuid.New()

	require.NoError(t, h.ledger.Reserve(ctx, h.tenant, "SKU-A", 2))
	require.NoError(t, h.ledger.CommitSale(ctx, h.tenant, "SKU-A", 2, orderID))
	require.NoError(t, h.ledger.CommitSale(ctx, h.tenant, "SKU-A", 2, orderID))

	inv := h.store.stock(h.tenant, "SKU-A")
	assert.Equal(t, 8, inv.OnHand)
	assert.Equal(t, 0, inv.Reserved)
}

func TestLedgerMixedTrafficKeepsReservedWithinOnHand(t *testing.T) {
	h := newHarness()
	h.store.addProduct(h.tenant, "SKU-A", 1000, 20)
	ctx := context.Background()

	done := make(chan struct{})
	sampled := make(chan int)
	go func() {
		reads := 0
		for {
			inv := h.store.stock(h.tenant, "SKU-A")
			assert.GreaterOrEqual(t, inv.Reserved, 0)
			assert.LessOrEqual(t, inv.Reserved, inv.OnHand)
			reads++
			select {
			case <-done:
				sampled <- reads
				return
			default:
			}
		}
	}()

	var wg sync.WaitGroup
	var held, sold, adjusted int64
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			mine := 0
			for n := 0; n < 200; n++ {
				switch rng.Intn(4) {
				case 0:
					qty := rng.Intn(3) + 1
					if err := h.ledger.Reserve(ctx, h.tenant, "SKU-A", qty); err == nil {
						mine += qty
					} else {
						assert.ErrorIs(t, err, apperr.ErrInsufficientInventory)
					}
				case 1:
					if mine == 0 {
						continue
					}
					qty := rng.Intn(mine) + 1
					assert.NoError(t, h.ledger.Release(ctx, h.tenant, "SKU-A", qty, "cart-expired"))
					mine -= qty
				case 2:
					if mine == 0 {
						continue
					}
					qty := rng.Intn(mine) + 1
					assert.NoError(t, h.ledger.CommitSale(ctx, h.tenant, "SKU-A", qty, uuid.New()))
					mine -= qty
					atomic.AddInt64(&sold, int64(qty))
				case 3:
					delta, reason := rng.Intn(4)+1, models.ReasonRestock
					if rng.Intn(2) == 0 {
						delta, reason = -delta, models.ReasonDamaged
					}
					if _, err := h.ledger.Adjust(ctx, h.tenant, "SKU-A", delta, reason, ""); err == nil {
						atomic.AddInt64(&adjusted, int64(delta))
					} else {
						assert.ErrorIs(t, err, apperr.ErrInvalidState)
					}
				}
			}
			atomic.AddInt64(&held, int64(mine))
		}(int64(i))
	}
	wg.Wait()
	close(done)
	assert.Positive(t, <-sampled)

	inv := h.store.stock(h.tenant, "SKU-A")
	assert.EqualValues(t, held, inv.Reserved)
	assert.EqualValues(t, 20+adjusted-sold, inv.OnHand)
	assert.LessOrEqual(t, inv.Reserved, inv.OnHand)
}

package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LedgerConfig holds the low-stock notification tunables
type LedgerConfig struct {
	LowStockThreshold int
	LowStockDebounce  time.Duration
}

// Ledger is the inventory reserve/release/commit protocol. Every mutation is
// a single conditional statement in the store; nothing here reads before
// writing.
type Ledger struct {
	store     LedgerStore
	publisher EventPublisher
	marker    OnceMarker
	cfg       LedgerConfig
	logger    *zap.Logger
}

// NewLedger creates a new ledger service
func NewLedger(store LedgerStore, publisher EventPublisher, marker OnceMarker, cfg LedgerConfig) *Ledger {
	return &Ledger{
		store:     store,
		publisher: publisher,
		marker:    marker,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// Get returns the ledger row for a SKU
func (l *Ledger) Get(ctx context.Context, tenantID uuid.UUID, sku string) (*models.Inventory, error) {
	return l.store.GetInventory(ctx, tenantID, sku)
}

// Log returns recent audit entries for a SKU
func (l *Ledger) Log(ctx context.Context, tenantID uuid.UUID, sku string, limit int) ([]models.InventoryLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListInventoryLog(ctx, tenantID, sku, limit)
}

// Adjust applies a manual stock change
func (l *Ledger) Adjust(ctx context.Context, tenantID uuid.UUID, sku string, delta int, reason, referenceID string) (*models.Inventory, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Adjust")
	defer span.End()

	sku = strings.TrimSpace(sku)
	if sku == "" {
		return nil, apperr.InvalidRequest("sku is required")
	}
	if delta == 0 {
		return nil, apperr.InvalidRequest("delta must be non-zero")
	}
	if !models.AdjustReasons[reason] {
		return nil, apperr.InvalidRequest("invalid adjustment reason: %q", reason)
	}

	inv, err := l.store.AdjustStock(ctx, tenantID, sku, delta, reason, referenceID)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Inventory adjusted",
		zap.String("tenant_id", tenantID.String()),
		zap.String("sku", sku),
		zap.Int("delta", delta),
		zap.String("reason", reason),
		zap.Int("on_hand", inv.OnHand),
	)
	l.checkLowStock(ctx, inv)
	return inv, nil
}

// Reserve holds qty units of a SKU
func (l *Ledger) Reserve(ctx context.Context, tenantID uuid.UUID, sku string, qty int) error {
	if qty <= 0 {
		return apperr.InvalidRequest("quantity must be positive")
	}

	start := time.Now()
	ok, err := l.store.ReserveStock(ctx, tenantID, sku, qty)
	util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.InventoryReservationsTotal.WithLabelValues("error").Inc()
		return err
	}
	if !ok {
		util.InventoryReservationsTotal.WithLabelValues("insufficient").Inc()
		return apperr.InsufficientInventory(sku, qty)
	}
	util.InventoryReservationsTotal.WithLabelValues("reserved").Inc()
	return nil
}

// Release gives back held units, floored at zero
func (l *Ledger) Release(ctx context.Context, tenantID uuid.UUID, sku string, qty int, referenceID string) error {
	if qty <= 0 {
		return apperr.InvalidRequest("quantity must be positive")
	}
	return l.store.ReleaseStock(ctx, tenantID, sku, qty, referenceID)
}

// ReserveLine holds the units of one cart line and marks the line as their
// owner
func (l *Ledger) ReserveLine(ctx context.Context, item *models.CartItem) error {
	start := time.Now()
	ok, err := l.store.ReserveCartItem(ctx, item)
	util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.InventoryReservationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to reserve %s: %w", item.SKU, err)
	}
	if !ok {
		util.InventoryReservationsTotal.WithLabelValues("insufficient").Inc()
		return apperr.InsufficientInventory(item.SKU, item.Quantity)
	}
	util.InventoryReservationsTotal.WithLabelValues("reserved").Inc()
	return nil
}

// ReleaseLine releases whatever the line still holds. Safe to call twice.
func (l *Ledger) ReleaseLine(ctx context.Context, item *models.CartItem, referenceID string) (int, error) {
	return l.store.ReleaseCartItem(ctx, item, referenceID)
}

// CommitSale turns held units into a permanent deduction for an order.
// Re-running it for the same order is a no-op.
func (l *Ledger) CommitSale(ctx context.Context, tenantID uuid.UUID, sku string, qty int, orderID uuid.UUID) error {
	inv, committed, err := l.store.CommitSale(ctx, tenantID, sku, qty, orderID)
	if err != nil {
		return err
	}
	if committed {
		l.checkLowStock(ctx, inv)
	}
	return nil
}

func (l *Ledger) threshold(inv *models.Inventory) int {
	if inv.LowStockThreshold != nil {
		return *inv.LowStockThreshold
	}
	return l.cfg.LowStockThreshold
}

// checkLowStock emits inventory.low once per debounce window per SKU
func (l *Ledger) checkLowStock(ctx context.Context, inv *models.Inventory) {
	threshold := l.threshold(inv)
	if threshold <= 0 || inv.Available() > threshold || l.publisher == nil {
		return
	}

	if l.marker != nil {
		key := fmt.Sprintf("inventory_low:%s:%s", inv.TenantID, inv.SKU)
		first, err := l.marker.MarkOnce(ctx, key, l.cfg.LowStockDebounce)
		if err != nil {
			l.logger.Warn("Low stock debounce unavailable", zap.String("sku", inv.SKU), zap.Error(err))
			return
		}
		if !first {
			return
		}
	}

	event, err := models.NewBusinessEvent(inv.TenantID, models.EventTypeInventoryLow, models.InventoryLowData{
		SKU:       inv.SKU,
		OnHand:    inv.OnHand,
		Reserved:  inv.Reserved,
		Available: inv.Available(),
		Threshold: threshold,
	})
	if err != nil {
		l.logger.Error("Failed to build inventory.low event", zap.Error(err))
		return
	}
	if err := l.publisher.Publish(ctx, event); err != nil {
		l.logger.Error("Failed to publish inventory.low event", zap.String("sku", inv.SKU), zap.Error(err))
		return
	}
	util.InventoryLowTotal.Inc()
}

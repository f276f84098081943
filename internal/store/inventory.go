package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const insertLogQuery = `
	INSERT INTO inventory_log (id, tenant_id, sku, delta, reason, reference_id)
	VALUES ($1, $2, $3, $4, $5, $6)`

// GetProduct retrieves the catalog snapshot for a SKU
func (s *Store) GetProduct(ctx context.Context, tenantID uuid.UUID, sku string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product,
		"SELECT tenant_id, sku, title, price_cents, status FROM products WHERE tenant_id = $1 AND sku = $2",
		tenantID, sku)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("product not found: %s", sku)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetInventory retrieves the ledger row for a SKU
func (s *Store) GetInventory(ctx context.Context, tenantID uuid.UUID, sku string) (*models.Inventory, error) {
	var inv models.Inventory
	err := s.db.GetContext(ctx, &inv,
		"SELECT * FROM inventory WHERE tenant_id = $1 AND sku = $2", tenantID, sku)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("inventory not found for sku: %s", sku)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// AdjustStock applies an unconditional delta to on_hand and logs it. The
// update is rejected when on_hand would fall below reserved (and so below
// zero).
func (s *Store) AdjustStock(ctx context.Context, tenantID uuid.UUID, sku string, delta int, reason, referenceID string) (*models.Inventory, error) {
	var inv models.Inventory
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO inventory (tenant_id, sku) VALUES ($1, $2) ON CONFLICT (tenant_id, sku) DO NOTHING",
			tenantID, sku); err != nil {
			return fmt.Errorf("failed to ensure inventory row: %w", err)
		}

		err := tx.GetContext(ctx, &inv, `
			UPDATE inventory SET on_hand = on_hand + $3, updated_at = NOW()
			WHERE tenant_id = $1 AND sku = $2 AND on_hand + $3 >= reserved
			RETURNING *`,
			tenantID, sku, delta)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.InvalidState("adjustment of %d would leave sku %s below its reserved quantity", delta, sku)
		}
		if err != nil {
			return fmt.Errorf("failed to adjust inventory: %w", err)
		}

		if _, err := tx.ExecContext(ctx, insertLogQuery,
			uuid.New(), tenantID, sku, delta, reason, referenceID); err != nil {
			return fmt.Errorf("failed to log adjustment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// ReserveStock increments reserved only if enough units are available at the
// moment of the write. Returns false when stock is insufficient.
func (s *Store) ReserveStock(ctx context.Context, tenantID uuid.UUID, sku string, quantity int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory SET reserved = reserved + $3, updated_at = NOW()
		WHERE tenant_id = $1 AND sku = $2 AND on_hand - reserved >= $3`,
		tenantID, sku, quantity)
	if err != nil {
		return false, fmt.Errorf("failed to reserve stock: %w", err)
	}
	return affected(res)
}

// ReleaseStock decrements reserved, floored at zero, and logs a release
func (s *Store) ReleaseStock(ctx context.Context, tenantID uuid.UUID, sku string, quantity int, referenceID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return releaseStockTx(ctx, tx, tenantID, sku, quantity, referenceID)
	})
}

func releaseStockTx(ctx context.Context, tx *sqlx.Tx, tenantID uuid.UUID, sku string, quantity int, referenceID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE inventory SET reserved = GREATEST(reserved - $3, 0), updated_at = NOW()
		WHERE tenant_id = $1 AND sku = $2`,
		tenantID, sku, quantity); err != nil {
		return fmt.Errorf("failed to release stock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertLogQuery,
		uuid.New(), tenantID, sku, quantity, models.ReasonRelease, referenceID); err != nil {
		return fmt.Errorf("failed to log release: %w", err)
	}
	return nil
}

// CommitSale converts a reservation into a permanent deduction. The sale log
// row is unique per (sku, order), so a re-run for the same order is a no-op
// and returns committed=false.
func (s *Store) CommitSale(ctx context.Context, tenantID uuid.UUID, sku string, quantity int, orderID uuid.UUID) (*models.Inventory, bool, error) {
	var inv models.Inventory
	committed := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_log (id, tenant_id, sku, delta, reason, reference_id)
			VALUES ($1, $2, $3, $4, 'sale', $5)
			ON CONFLICT (tenant_id, sku, reason, reference_id) WHERE reason = 'sale' DO NOTHING`,
			uuid.New(), tenantID, sku, -quantity, orderID.String())
		if err != nil {
			return fmt.Errorf("failed to log sale: %w", err)
		}
		inserted, err := affected(res)
		if err != nil || !inserted {
			return err
		}

		err = tx.GetContext(ctx, &inv, `
			UPDATE inventory SET on_hand = on_hand - $3, reserved = reserved - $3, updated_at = NOW()
			WHERE tenant_id = $1 AND sku = $2 AND reserved >= $3
			RETURNING *`,
			tenantID, sku, quantity)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.InvalidState("sku %s has fewer than %d reserved units to commit", sku, quantity)
		}
		if err != nil {
			return fmt.Errorf("failed to commit sale: %w", err)
		}
		committed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !committed {
		return nil, false, nil
	}
	return &inv, true, nil
}

// ReserveCartItem claims the line's hold and reserves the ledger units in one
// transaction. A line that already holds its units reports success without
// touching the ledger again.
func (s *Store) ReserveCartItem(ctx context.Context, item *models.CartItem) (bool, error) {
	reserved := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE cart_items SET reserved_qty = quantity WHERE id = $1 AND reserved_qty = 0",
			item.ID)
		if err != nil {
			return fmt.Errorf("failed to claim cart item hold: %w", err)
		}
		claimed, err := affected(res)
		if err != nil {
			return err
		}
		if !claimed {
			reserved = true
			return nil
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE inventory SET reserved = reserved + $3, updated_at = NOW()
			WHERE tenant_id = $1 AND sku = $2 AND on_hand - reserved >= $3`,
			item.TenantID, item.SKU, item.Quantity)
		if err != nil {
			return fmt.Errorf("failed to reserve stock: %w", err)
		}
		reserved, err = affected(res)
		if err != nil {
			return err
		}
		if !reserved {
			return errInsufficient
		}
		return nil
	})
	if errors.Is(err, errInsufficient) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return reserved, nil
}

var errInsufficient = errors.New("insufficient stock")

// ReleaseCartItem clears the line's hold and releases exactly what it held.
// Returns the released quantity, zero when the line held nothing.
func (s *Store) ReleaseCartItem(ctx context.Context, item *models.CartItem, referenceID string) (int, error) {
	var held int
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &held, `
			UPDATE cart_items ci SET reserved_qty = 0
			FROM (SELECT id, reserved_qty FROM cart_items WHERE id = $1 FOR UPDATE) prev
			WHERE ci.id = prev.id AND prev.reserved_qty > 0
			RETURNING prev.reserved_qty`,
			item.ID)
		if errors.Is(err, sql.ErrNoRows) {
			held = 0
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to clear cart item hold: %w", err)
		}
		return releaseStockTx(ctx, tx, item.TenantID, item.SKU, held, referenceID)
	})
	if err != nil {
		return 0, err
	}
	return held, nil
}

// ListInventoryLog returns the newest log entries for a SKU
func (s *Store) ListInventoryLog(ctx context.Context, tenantID uuid.UUID, sku string, limit int) ([]models.InventoryLogEntry, error) {
	var entries []models.InventoryLogEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM inventory_log WHERE tenant_id = $1 AND sku = $2
		ORDER BY created_at DESC LIMIT $3`,
		tenantID, sku, limit)
	return entries, err
}

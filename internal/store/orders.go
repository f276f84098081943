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
	"github.com/lib/pq"
)

// ErrOrderNumberTaken is returned when a generated order number collides
var ErrOrderNumberTaken = errors.New("order number already taken")

// InsertOrder creates the order and its items. An order already present for
// the same id or cart is left untouched and created=false is returned.
func (s *Store) InsertOrder(ctx context.Context, order *models.Order, items []models.OrderItem) (bool, error) {
	created := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := sqlx.NamedQueryContext(ctx, tx, `
			INSERT INTO orders (
				id, tenant_id, cart_id, customer_id, order_number, status, currency,
				subtotal_cents, discount_cents, tax_cents, shipping_cents, total_cents,
				customer_email, payment_intent_id
			)
			VALUES (
				:id, :tenant_id, :cart_id, :customer_id, :order_number, :status, :currency,
				:subtotal_cents, :discount_cents, :tax_cents, :shipping_cents, :total_cents,
				:customer_email, :payment_intent_id
			)
			ON CONFLICT (cart_id) DO NOTHING
			RETURNING created_at, updated_at`, order)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "orders_tenant_id_order_number_key" {
				return ErrOrderNumberTaken
			}
			return fmt.Errorf("failed to insert order: %w", err)
		}
		if rows.Next() {
			created = true
			if err := rows.Scan(&order.CreatedAt, &order.UpdatedAt); err != nil {
				rows.Close()
				return err
			}
		}
		rows.Close()
		if !created {
			return nil
		}

		for i := range items {
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO order_items (id, order_id, sku, title, quantity, unit_price_cents)
				VALUES (:id, :order_id, :sku, :title, :quantity, :unit_price_cents)
				ON CONFLICT (order_id, sku) DO NOTHING`, &items[i]); err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}
		return nil
	})
	return created, err
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE tenant_id = $1 AND id = $2", tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("order not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY sku", orderID)
	return items, err
}

// TransitionOrderStatus moves an order between statuses only if it is still
// in the expected one
func (s *Store) TransitionOrderStatus(ctx context.Context, tenantID, orderID uuid.UUID, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = $3`,
		tenantID, orderID, from, to)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// RecordCustomerOrder adds the order to the customer's statistics once
func (s *Store) RecordCustomerOrder(ctx context.Context, order *models.Order) (bool, error) {
	if order.CustomerID == nil {
		return false, nil
	}
	recorded := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE orders SET customer_recorded = TRUE WHERE id = $1 AND NOT customer_recorded",
			order.ID)
		if err != nil {
			return err
		}
		if recorded, err = affected(res); err != nil || !recorded {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE customers SET order_count = order_count + 1,
				total_spent_cents = total_spent_cents + $2, last_order_at = NOW()
			WHERE id = $1`,
			*order.CustomerID, order.TotalCents)
		return err
	})
	return recorded, err
}

// UpsertCustomer creates the customer on first order or refreshes the
// profile fields provided by the payment event
func (s *Store) UpsertCustomer(ctx context.Context, customer *models.Customer) error {
	query := `
		INSERT INTO customers (id, tenant_id, email, name, phone, address)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, email) DO UPDATE SET
			name = COALESCE(EXCLUDED.name, customers.name),
			phone = COALESCE(EXCLUDED.phone, customers.phone),
			address = COALESCE(EXCLUDED.address, customers.address)
		RETURNING *`

	return s.db.GetContext(ctx, customer, query,
		customer.ID, customer.TenantID, customer.Email, customer.Name, customer.Phone, customer.Address)
}

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
)

// CreateSubscription registers an outbound endpoint for a tenant
func (s *Store) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	query := `
		INSERT INTO webhook_subscriptions (id, tenant_id, url, events, secret, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	return s.db.QueryRowxContext(ctx, query,
		sub.ID, sub.TenantID, sub.URL, sub.Events, sub.Secret, sub.Active,
	).Scan(&sub.CreatedAt)
}

// GetSubscription retrieves a subscription by id
func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := s.db.GetContext(ctx, &sub, "SELECT * FROM webhook_subscriptions WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("subscription not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListSubscriptions lists every subscription of a tenant
func (s *Store) ListSubscriptions(ctx context.Context, tenantID uuid.UUID) ([]models.WebhookSubscription, error) {
	subs := []models.WebhookSubscription{}
	err := s.db.SelectContext(ctx, &subs,
		"SELECT * FROM webhook_subscriptions WHERE tenant_id = $1 ORDER BY created_at", tenantID)
	return subs, err
}

// ListActiveSubscriptions lists the subscriptions eligible for fan-out
func (s *Store) ListActiveSubscriptions(ctx context.Context, tenantID uuid.UUID) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	err := s.db.SelectContext(ctx, &subs,
		"SELECT * FROM webhook_subscriptions WHERE tenant_id = $1 AND active ORDER BY created_at", tenantID)
	return subs, err
}

// DeactivateSubscription stops future fan-out to a subscription
func (s *Store) DeactivateSubscription(ctx context.Context, tenantID, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE webhook_subscriptions SET active = FALSE WHERE tenant_id = $1 AND id = $2",
		tenantID, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// InsertWebhookEvent stores the business event once
func (s *Store) InsertWebhookEvent(ctx context.Context, event *models.BusinessEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, tenant_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		event.EventID, event.TenantID, event.EventType, []byte(event.Data), event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to store webhook event: %w", err)
	}
	return nil
}

// InsertDelivery creates the pending delivery row for (subscription, event).
// Returns false when one already exists.
func (s *Store) InsertDelivery(ctx context.Context, d *models.WebhookDelivery) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_id, event_type, payload, status, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', NOW())
		ON CONFLICT (subscription_id, event_id) DO NOTHING`,
		d.ID, d.TenantID, d.SubscriptionID, d.EventID, d.EventType, []byte(d.Payload))
	if err != nil {
		return false, fmt.Errorf("failed to create delivery: %w", err)
	}
	return affected(res)
}

// GetDelivery retrieves a delivery by id
func (s *Store) GetDelivery(ctx context.Context, id uuid.UUID) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	err := s.db.GetContext(ctx, &d, "SELECT * FROM webhook_deliveries WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("delivery not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDeliveries lists the most recent deliveries of a tenant
func (s *Store) ListDeliveries(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.WebhookDelivery, error) {
	deliveries := []models.WebhookDelivery{}
	err := s.db.SelectContext(ctx, &deliveries,
		"SELECT * FROM webhook_deliveries WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2",
		tenantID, limit)
	return deliveries, err
}

// ClaimDeliveryAttempt counts an attempt only for the worker that observed
// the current attempt number. A duplicate task execution loses the race.
func (s *Store) ClaimDeliveryAttempt(ctx context.Context, id uuid.UUID, seen int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND attempts = $2`,
		id, seen)
	if err != nil {
		return false, fmt.Errorf("failed to claim delivery attempt: %w", err)
	}
	return affected(res)
}

// CompleteDelivery records the outcome of an attempt
func (s *Store) CompleteDelivery(ctx context.Context, id uuid.UUID, status string, code *int, errMsg *string, next *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, last_status_code = $3, last_error = $4, next_attempt_at = $5, updated_at = NOW()
		WHERE id = $1`,
		id, status, code, errMsg, next)
	return err
}

// RequeueFailedDeliveries flips recent failed deliveries whose last failure
// was retryable back to pending and returns them. Deliveries of deactivated
// subscriptions are left failed.
func (s *Store) RequeueFailedDeliveries(ctx context.Context, createdAfter, failedBefore time.Time, budget, limit int) ([]models.DeliveryRef, error) {
	var refs []models.DeliveryRef
	err := s.db.SelectContext(ctx, &refs, `
		UPDATE webhook_deliveries SET status = 'pending', next_attempt_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT d.id FROM webhook_deliveries d
			JOIN webhook_subscriptions s ON s.id = d.subscription_id AND s.active
			WHERE d.status = 'failed' AND d.created_at >= $1 AND d.updated_at <= $2 AND d.attempts < $3
				AND (d.last_status_code IS NULL OR d.last_status_code = 429 OR d.last_status_code >= 500)
			ORDER BY d.updated_at
			LIMIT $4
			FOR UPDATE OF d SKIP LOCKED
		) AND status = 'failed'
		RETURNING id, attempts`,
		createdAfter, failedBefore, budget, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue deliveries: %w", err)
	}
	return refs, nil
}

// ListStalePending finds pending deliveries whose scheduled attempt is long
// overdue, which means their queued task was lost
func (s *Store) ListStalePending(ctx context.Context, dueBefore time.Time, limit int) ([]models.DeliveryRef, error) {
	var refs []models.DeliveryRef
	err := s.db.SelectContext(ctx, &refs, `
		SELECT id, attempts FROM webhook_deliveries
		WHERE status = 'pending' AND COALESCE(next_attempt_at, created_at) <= $1
		ORDER BY created_at
		LIMIT $2`,
		dueBefore, limit)
	return refs, err
}

// ResetDelivery puts a delivery back to pending with a fresh attempt budget
func (s *Store) ResetDelivery(ctx context.Context, tenantID, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'pending', attempts = 0, next_attempt_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status <> 'pending'`,
		tenantID, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

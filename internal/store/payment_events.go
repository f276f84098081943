package store

import (
	"context"
	"database/sql"
	"errors"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"

	"github.com/google/uuid"
)

// IsPaymentEventProcessed checks the dedup ledger for an external event id
func (s *Store) IsPaymentEventProcessed(ctx context.Context, tenantID uuid.UUID, externalID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM payment_events WHERE tenant_id = $1 AND external_id = $2)",
		tenantID, externalID)
	return exists, err
}

// MarkPaymentEventProcessed records an external event id in the dedup ledger
func (s *Store) MarkPaymentEventProcessed(ctx context.Context, event *models.PaymentEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_events (tenant_id, external_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, external_id) DO NOTHING`,
		event.TenantID, event.ExternalID, event.EventType, []byte(event.Payload))
	return err
}

// GetPaymentSettings reads the tenant's provider credentials
func (s *Store) GetPaymentSettings(ctx context.Context, tenantID uuid.UUID) (*models.TenantPaymentSettings, error) {
	var settings models.TenantPaymentSettings
	err := s.db.GetContext(ctx, &settings,
		"SELECT * FROM tenant_payment_settings WHERE tenant_id = $1", tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("payment settings not configured for tenant %s", tenantID)
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

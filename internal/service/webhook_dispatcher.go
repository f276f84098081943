package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Outbound webhook headers
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderEvent     = "X-Webhook-Event"
)

var patternRe = regexp.MustCompile(`^[a-z_]+(\.[a-z_]+)*(\.\*)?$`)

// DispatcherConfig holds the retry policy
type DispatcherConfig struct {
	MaxAttempts   int
	BaseBackoff   time.Duration
	HTTPTimeout   time.Duration
	RetryBudget   int
	RetryWindow   time.Duration
	SweepCooldown time.Duration
	SweepBatch    int
}

// Dispatcher fans business events out to subscriptions and delivers them
// through the durable queue
type Dispatcher struct {
	store  WebhookStore
	queue  DeliveryQueue
	client *http.Client
	cfg    DispatcherConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher with a traced HTTP client
func NewDispatcher(store WebhookStore, queue DeliveryQueue, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Dispatcher{
		store:  store,
		queue:  queue,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		cfg:    cfg,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// CreateSubscriptionRequest registers an endpoint for event patterns
type CreateSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required,min=1"`
	Secret string   `json:"secret,omitempty"`
}

// SubscriptionCreated exposes the signing secret once, at creation
type SubscriptionCreated struct {
	*models.WebhookSubscription
	Secret string `json:"secret"`
}

// CreateSubscription validates and stores a subscription. A signing secret
// is generated when none is supplied.
func (d *Dispatcher) CreateSubscription(ctx context.Context, tenantID uuid.UUID, req *CreateSubscriptionRequest) (*SubscriptionCreated, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperr.InvalidRequest("url must be an absolute http(s) url")
	}
	if len(req.Events) == 0 {
		return nil, apperr.InvalidRequest("at least one event pattern is required")
	}
	for _, p := range req.Events {
		if p != "*" && !patternRe.MatchString(p) {
			return nil, apperr.InvalidRequest("invalid event pattern: %q", p)
		}
	}

	secret := req.Secret
	if secret == "" {
		if secret, err = newSecret(); err != nil {
			return nil, err
		}
	}

	sub := &models.WebhookSubscription{
		ID:       uuid.New(),
		TenantID: tenantID,
		URL:      req.URL,
		Events:   pq.StringArray(req.Events),
		Secret:   secret,
		Active:   true,
	}
	if err := d.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return &SubscriptionCreated{WebhookSubscription: sub, Secret: secret}, nil
}

// ListSubscriptions lists a tenant's subscriptions
func (d *Dispatcher) ListSubscriptions(ctx context.Context, tenantID uuid.UUID) ([]models.WebhookSubscription, error) {
	return d.store.ListSubscriptions(ctx, tenantID)
}

// DeleteSubscription deactivates a subscription. Its deliveries are kept.
func (d *Dispatcher) DeleteSubscription(ctx context.Context, tenantID, id uuid.UUID) error {
	ok, err := d.store.DeactivateSubscription(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("subscription not found: %s", id)
	}
	return nil
}

// GetDelivery returns a delivery owned by the tenant
func (d *Dispatcher) GetDelivery(ctx context.Context, tenantID, id uuid.UUID) (*models.WebhookDelivery, error) {
	delivery, err := d.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if delivery.TenantID != tenantID {
		return nil, apperr.NotFound("delivery not found: %s", id)
	}
	return delivery, nil
}

// ListDeliveries lists a tenant's most recent deliveries
func (d *Dispatcher) ListDeliveries(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.WebhookDelivery, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return d.store.ListDeliveries(ctx, tenantID, limit)
}

// Dispatch records the event and creates one pending delivery per matching
// subscription. Delivery happens out of band.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.BusinessEvent) (int, error) {
	ctx, span := util.StartSpan(ctx, "Dispatcher.Dispatch")
	defer span.End()

	if err := d.store.InsertWebhookEvent(ctx, event); err != nil {
		return 0, err
	}

	subs, err := d.store.ListActiveSubscriptions(ctx, event.TenantID)
	if err != nil {
		return 0, err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}

	created := 0
	for _, sub := range subs {
		if !Matches(sub.Events, event.EventType) {
			continue
		}
		delivery := &models.WebhookDelivery{
			ID:             uuid.New(),
			TenantID:       event.TenantID,
			SubscriptionID: sub.ID,
			EventID:        event.EventID,
			EventType:      event.EventType,
			Payload:        payload,
			Status:         models.DeliveryStatusPending,
		}
		inserted, err := d.store.InsertDelivery(ctx, delivery)
		if err != nil {
			return created, err
		}
		if !inserted {
			continue
		}
		if err := d.queue.EnqueueDelivery(ctx, delivery.ID, 0, 0); err != nil {
			// the stale-pending sweep picks it up
			d.logger.Error("Failed to enqueue delivery", zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
		}
		created++
	}

	d.logger.Debug("Event dispatched",
		zap.String("event_id", event.EventID.String()),
		zap.String("event_type", event.EventType),
		zap.Int("deliveries", created),
	)
	return created, nil
}

// Attempt performs one delivery attempt. seen is the attempt count the task
// was queued with; a task that no longer matches the row is dropped.
func (d *Dispatcher) Attempt(ctx context.Context, deliveryID uuid.UUID, seen int) error {
	ctx, span := util.StartSpan(ctx, "Dispatcher.Attempt")
	defer span.End()

	delivery, err := d.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	if delivery.Status != models.DeliveryStatusPending || delivery.Attempts != seen {
		return nil
	}

	claimed, err := d.store.ClaimDeliveryAttempt(ctx, deliveryID, seen)
	if err != nil || !claimed {
		return err
	}
	attempt := seen + 1
	logger := d.logger.With(
		zap.String("delivery_id", deliveryID.String()),
		zap.String("event_type", delivery.EventType),
		zap.Int("attempt", attempt),
	)

	sub, err := d.store.GetSubscription(ctx, delivery.SubscriptionID)
	if err != nil {
		return err
	}
	if !sub.Active {
		msg := "subscription inactive"
		util.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
		return d.store.CompleteDelivery(ctx, deliveryID, models.DeliveryStatusFailed, nil, &msg, nil)
	}

	start := time.Now()
	code, postErr := d.post(ctx, sub, delivery)
	util.WebhookDeliveryLatency.Observe(time.Since(start).Seconds())

	var codePtr *int
	if postErr == nil {
		codePtr = &code
	}

	switch {
	case postErr == nil && code >= 200 && code < 300:
		util.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		logger.Info("Webhook delivered", zap.Int("status", code))
		return d.store.CompleteDelivery(ctx, deliveryID, models.DeliveryStatusSuccess, codePtr, nil, nil)

	case postErr == nil && code >= 400 && code < 500 && code != http.StatusTooManyRequests:
		msg := fmt.Sprintf("endpoint rejected delivery with status %d", code)
		util.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
		logger.Warn("Webhook rejected", zap.Int("status", code))
		return d.store.CompleteDelivery(ctx, deliveryID, models.DeliveryStatusFailed, codePtr, &msg, nil)
	}

	msg := failureMessage(code, postErr)
	if attempt >= d.cfg.MaxAttempts {
		util.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		logger.Warn("Webhook delivery failed, attempts exhausted", zap.String("error", msg))
		return d.store.CompleteDelivery(ctx, deliveryID, models.DeliveryStatusFailed, codePtr, &msg, nil)
	}

	delay := d.Backoff(attempt)
	next := d.now().Add(delay)
	if err := d.store.CompleteDelivery(ctx, deliveryID, models.DeliveryStatusPending, codePtr, &msg, &next); err != nil {
		return err
	}
	util.WebhookDeliveriesTotal.WithLabelValues("retry").Inc()
	logger.Info("Webhook delivery will be retried", zap.String("error", msg), zap.Duration("backoff", delay))
	return d.queue.EnqueueDelivery(ctx, deliveryID, attempt, delay)
}

// Backoff is base * 2^(attempt-1)
func (d *Dispatcher) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return d.cfg.BaseBackoff * time.Duration(1<<uint(attempt-1))
}

// RetryFailed re-queues recent failed deliveries with budget left, and
// pending deliveries whose task went missing
func (d *Dispatcher) RetryFailed(ctx context.Context) (int, error) {
	now := d.now()
	refs, err := d.store.RequeueFailedDeliveries(ctx,
		now.Add(-d.cfg.RetryWindow), now.Add(-d.cfg.SweepCooldown), d.cfg.RetryBudget, d.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	stale, err := d.store.ListStalePending(ctx, now.Add(-d.cfg.SweepCooldown), d.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	refs = append(refs, stale...)

	for _, ref := range refs {
		if err := d.queue.EnqueueDelivery(ctx, ref.ID, ref.Attempts, 0); err != nil {
			return 0, err
		}
	}
	if len(refs) > 0 {
		d.logger.Info("Re-queued webhook deliveries", zap.Int("count", len(refs)), zap.Int("stale", len(stale)))
	}
	return len(refs), nil
}

// RetryDelivery resets a delivery's attempts and queues it again
func (d *Dispatcher) RetryDelivery(ctx context.Context, tenantID, id uuid.UUID) (*models.WebhookDelivery, error) {
	ok, err := d.store.ResetDelivery(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := d.GetDelivery(ctx, tenantID, id); err != nil {
			return nil, err
		}
		return nil, apperr.Conflict("delivery %s is already pending", id)
	}
	if err := d.queue.EnqueueDelivery(ctx, id, 0, 0); err != nil {
		return nil, err
	}
	return d.GetDelivery(ctx, tenantID, id)
}

func (d *Dispatcher) post(ctx context.Context, sub *models.WebhookSubscription, delivery *models.WebhookDelivery) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HTTPTimeout)
	defer cancel()

	timestamp := strconv.FormatInt(d.now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fulfillment-service-webhooks/1.0")
	req.Header.Set(HeaderSignature, Sign(sub.Secret, timestamp, delivery.Payload))
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderDelivery, delivery.ID.String())
	req.Header.Set(HeaderEvent, delivery.EventType)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// Matches reports whether any pattern selects the event type: "*", an exact
// type, or a namespace wildcard such as "order.*"
func Matches(patterns []string, eventType string) bool {
	for _, p := range patterns {
		switch {
		case p == "*", p == eventType:
			return true
		case strings.HasSuffix(p, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(p, "*")):
			return true
		}
	}
	return false
}

// Sign returns the hex HMAC-SHA256 of "timestamp.payload"
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time
func Verify(secret, timestamp string, payload []byte, signature string) bool {
	expected := Sign(secret, timestamp, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func failureMessage(code int, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("endpoint responded with status %d", code)
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

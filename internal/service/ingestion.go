package service

import (
	"context"
	"errors"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/payment"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"
)

const orderNumberAttempts = 5

// Ingestion applies payment provider events to order state exactly once
type Ingestion struct {
	events    PaymentEventStore
	carts     CartStore
	orders    OrderStore
	ledger    *Ledger
	discounts *Discounts
	reaper    *Reaper
	dedup     Deduper
	publisher EventPublisher
	provider  payment.Provider
	numbers   *OrderNumbers
	logger    *zap.Logger
}

// NewIngestion creates a new ingestion service
func NewIngestion(
	events PaymentEventStore,
	carts CartStore,
	orders OrderStore,
	ledger *Ledger,
	discounts *Discounts,
	reaper *Reaper,
	dedup Deduper,
	publisher EventPublisher,
	provider payment.Provider,
	numbers *OrderNumbers,
) *Ingestion {
	return &Ingestion{
		events:    events,
		carts:     carts,
		orders:    orders,
		ledger:    ledger,
		discounts: discounts,
		reaper:    reaper,
		dedup:     dedup,
		publisher: publisher,
		provider:  provider,
		numbers:   numbers,
		logger:    util.GetLogger(),
	}
}

// HandleWebhook verifies a raw provider notification and ingests it
func (s *Ingestion) HandleWebhook(ctx context.Context, tenantID uuid.UUID, payload []byte, signature string) error {
	settings, err := s.events.GetPaymentSettings(ctx, tenantID)
	if err != nil {
		return err
	}
	event, err := s.provider.ParseEvent(settings, payload, signature)
	if err != nil {
		s.logger.Warn("Payment webhook verification failed", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		return apperr.InvalidRequest("invalid webhook")
	}
	return s.Ingest(ctx, tenantID, event)
}

// Ingest runs an already verified event. Replays of a processed event id are
// a successful no-op.
func (s *Ingestion) Ingest(ctx context.Context, tenantID uuid.UUID, event *payment.Event) (err error) {
	ctx, span := util.StartSpan(ctx, "Ingestion.Ingest")
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()
	defer func() { util.PaymentProcessingLatency.Observe(time.Since(start).Seconds()) }()

	logger := s.logger.With(
		zap.String("tenant_id", tenantID.String()),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)

	if event.Type != payment.EventCheckoutCompleted && event.Type != payment.EventCheckoutExpired {
		logger.Debug("Ignoring payment event type")
		util.PaymentEventsTotal.WithLabelValues(event.Type, "ignored").Inc()
		return nil
	}
	if event.Checkout == nil {
		return apperr.InvalidRequest("event %s carries no checkout session", event.ID)
	}

	processed, err := s.isProcessed(ctx, tenantID, event.ID)
	if err != nil {
		return err
	}
	if processed {
		logger.Info("Duplicate payment event skipped")
		util.PaymentEventsTotal.WithLabelValues(event.Type, "deduped").Inc()
		return nil
	}

	record := &models.PaymentEvent{
		TenantID:   tenantID,
		ExternalID: event.ID,
		EventType:  event.Type,
		Payload:    event.Raw,
	}

	if event.Type == payment.EventCheckoutExpired {
		if err := s.applyExpired(ctx, tenantID, event.Checkout); err != nil {
			util.PaymentEventsTotal.WithLabelValues(event.Type, "error").Inc()
			return err
		}
		if err := s.markProcessed(ctx, record); err != nil {
			return err
		}
		util.PaymentEventsTotal.WithLabelValues(event.Type, "applied").Inc()
		return nil
	}

	order, items, err := s.applyCompleted(ctx, tenantID, event.Checkout, logger)
	if errors.Is(err, errLatePayment) {
		if markErr := s.markProcessed(ctx, record); markErr != nil {
			return markErr
		}
		util.PaymentEventsTotal.WithLabelValues(event.Type, "late").Inc()
		return apperr.Conflict("payment for session %s arrived after its cart expired", event.Checkout.SessionID)
	}
	if err != nil {
		util.PaymentEventsTotal.WithLabelValues(event.Type, "error").Inc()
		return err
	}

	if err := s.markProcessed(ctx, record); err != nil {
		return err
	}
	util.PaymentEventsTotal.WithLabelValues(event.Type, "applied").Inc()

	if order == nil {
		return nil
	}

	// Past the dedup record, failures are logged only. A resumed or racing
	// run re-emits under the same event id.
	data := models.NewOrderEventData(order, items)
	if businessEvent, err := models.NewKeyedBusinessEvent(tenantID, models.EventTypeOrderCreated, order.ID.String(), data); err != nil {
		logger.Error("Failed to build order.created event", zap.Error(err))
	} else if err := s.publisher.Publish(ctx, businessEvent); err != nil {
		logger.Error("Failed to publish order.created event", zap.String("order_id", order.ID.String()), zap.Error(err))
	}
	return nil
}

var errLatePayment = errors.New("late payment")

// applyCompleted finalizes the order for a completed session. Every step is
// safe to re-run after a crash.
func (s *Ingestion) applyCompleted(ctx context.Context, tenantID uuid.UUID, details *payment.CheckoutDetails, logger *zap.Logger) (*models.Order, []models.OrderItem, error) {
	cart, err := s.carts.GetCartBySession(ctx, tenantID, details.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if cart == nil {
		logger.Warn("No cart linked to checkout session", zap.String("session_id", details.SessionID))
		return nil, nil, nil
	}

	orderID, err := s.claimCart(ctx, cart, logger)
	if err != nil {
		return nil, nil, err
	}
	logger = logger.With(zap.String("cart_id", cart.ID.String()), zap.String("order_id", orderID.String()))

	email := details.CustomerEmail
	if email == "" && cart.CustomerEmail != nil {
		email = *cart.CustomerEmail
	}

	var customerID *uuid.UUID
	if email != "" {
		customer := &models.Customer{
			ID:       uuid.New(),
			TenantID: tenantID,
			Email:    email,
			Name:     optional(details.CustomerName),
			Phone:    optional(details.CustomerPhone),
			Address:  types.NullJSONText{JSONText: types.JSONText(details.Address), Valid: len(details.Address) > 0},
		}
		if err := s.orders.UpsertCustomer(ctx, customer); err != nil {
			return nil, nil, err
		}
		customerID = &customer.ID
	}

	order, items := s.buildOrder(orderID, cart, details, email, customerID)
	order, items, err = s.insertOrder(ctx, order, items)
	if err != nil {
		return nil, nil, err
	}

	if _, err := s.orders.RecordCustomerOrder(ctx, order); err != nil {
		return nil, nil, err
	}

	for _, item := range items {
		if err := s.ledger.CommitSale(ctx, tenantID, item.SKU, item.Quantity, order.ID); err != nil {
			logger.Error("Failed to commit sale", zap.String("sku", item.SKU), zap.Error(err))
			return nil, nil, err
		}
	}

	if cart.DiscountID != nil && cart.DiscountReserved {
		if err := s.discounts.RecordUsage(ctx, &models.DiscountUsage{
			OrderID:       order.ID,
			DiscountID:    *cart.DiscountID,
			TenantID:      tenantID,
			CustomerEmail: email,
			AmountCents:   cart.DiscountCents,
		}); err != nil {
			return nil, nil, err
		}
	}

	if err := s.carts.MarkCartCompleted(ctx, cart.ID, order.ID); err != nil {
		return nil, nil, err
	}

	util.OrdersCreatedTotal.Inc()
	logger.Info("Order finalized", zap.String("order_number", order.OrderNumber), zap.Int64("total_cents", order.TotalCents))
	return order, items, nil
}

// claimCart links the cart to an order id, resuming an earlier partial run
// when the cart is already linked
func (s *Ingestion) claimCart(ctx context.Context, cart *models.Cart, logger *zap.Logger) (uuid.UUID, error) {
	if cart.OrderID != nil {
		return *cart.OrderID, nil
	}
	if cart.Status == models.CartStatusExpired {
		return uuid.Nil, s.latePayment(cart, logger)
	}
	if cart.Status != models.CartStatusCheckedOut {
		return uuid.Nil, apperr.InvalidState("cart %s is %s", cart.ID, cart.Status)
	}

	orderID := uuid.New()
	ok, err := s.carts.ClaimCartForOrder(ctx, cart.ID, orderID)
	if err != nil {
		return uuid.Nil, err
	}
	if ok {
		return orderID, nil
	}

	// Lost the race to a concurrent delivery or to the reaper
	current, err := s.carts.GetCart(ctx, cart.TenantID, cart.ID)
	if err != nil {
		return uuid.Nil, err
	}
	if current.OrderID != nil {
		return *current.OrderID, nil
	}
	if current.Status == models.CartStatusExpired {
		return uuid.Nil, s.latePayment(current, logger)
	}
	return uuid.Nil, apperr.Conflict("cart %s could not be claimed", cart.ID)
}

// latePayment is a payment confirmed after the reaper released the cart. The
// held stock is gone, so no order is created and an operator must refund.
func (s *Ingestion) latePayment(cart *models.Cart, logger *zap.Logger) error {
	util.LatePaymentsTotal.Inc()
	logger.Error("Payment received for expired cart, manual refund required",
		zap.String("cart_id", cart.ID.String()),
	)
	return errLatePayment
}

func (s *Ingestion) buildOrder(orderID uuid.UUID, cart *models.Cart, details *payment.CheckoutDetails, email string, customerID *uuid.UUID) (*models.Order, []models.OrderItem) {
	subtotal := cart.Subtotal()
	total := subtotal - cart.DiscountCents + details.TaxCents + details.ShippingCents
	if details.TotalCents > 0 {
		total = details.TotalCents
	}

	order := &models.Order{
		ID:              orderID,
		TenantID:        cart.TenantID,
		CartID:          cart.ID,
		CustomerID:      customerID,
		Status:          models.OrderStatusPaid,
		Currency:        cart.Currency,
		SubtotalCents:   subtotal,
		DiscountCents:   cart.DiscountCents,
		TaxCents:        details.TaxCents,
		ShippingCents:   details.ShippingCents,
		TotalCents:      total,
		CustomerEmail:   email,
		PaymentIntentID: optional(details.PaymentIntentID),
	}

	items := make([]models.OrderItem, 0, len(cart.Items))
	for _, line := range cart.Items {
		items = append(items, models.OrderItem{
			ID:             uuid.New(),
			OrderID:        orderID,
			SKU:            line.SKU,
			Title:          line.Title,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
		})
	}
	return order, items
}

// insertOrder writes the order under a fresh number, retrying on number
// collisions. When the cart already has an order the stored one is returned.
func (s *Ingestion) insertOrder(ctx context.Context, order *models.Order, items []models.OrderItem) (*models.Order, []models.OrderItem, error) {
	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		order.OrderNumber = s.numbers.Next()
		created, err := s.orders.InsertOrder(ctx, order, items)
		if errors.Is(err, store.ErrOrderNumberTaken) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if created {
			return order, items, nil
		}

		existing, err := s.orders.GetOrderByID(ctx, order.TenantID, order.ID)
		if err != nil {
			return nil, nil, err
		}
		existingItems, err := s.orders.GetOrderItemsByOrderID(ctx, existing.ID)
		if err != nil {
			return nil, nil, err
		}
		return existing, existingItems, nil
	}
	return nil, nil, errors.New("failed to allocate a unique order number")
}

// applyExpired releases an abandoned checkout as soon as the provider says
// its session expired
func (s *Ingestion) applyExpired(ctx context.Context, tenantID uuid.UUID, details *payment.CheckoutDetails) error {
	cart, err := s.carts.GetCartBySession(ctx, tenantID, details.SessionID)
	if err != nil || cart == nil {
		return err
	}
	if cart.Status != models.CartStatusCheckedOut || cart.OrderID != nil {
		return nil
	}
	_, err = s.reaper.ExpireCheckout(ctx, cart, time.Now())
	return err
}

func (s *Ingestion) isProcessed(ctx context.Context, tenantID uuid.UUID, externalID string) (bool, error) {
	if s.dedup != nil {
		seen, err := s.dedup.IsPaymentEventSeen(ctx, tenantID, externalID)
		if err != nil {
			s.logger.Warn("Dedup cache unavailable", zap.Error(err))
		} else if seen {
			return true, nil
		}
	}
	return s.events.IsPaymentEventProcessed(ctx, tenantID, externalID)
}

func (s *Ingestion) markProcessed(ctx context.Context, record *models.PaymentEvent) error {
	if err := s.events.MarkPaymentEventProcessed(ctx, record); err != nil {
		return err
	}
	if s.dedup != nil {
		if err := s.dedup.MarkPaymentEventSeen(ctx, record.TenantID, record.ExternalID); err != nil {
			s.logger.Warn("Failed to cache processed payment event", zap.Error(err))
		}
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

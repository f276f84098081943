package service

import (
	"context"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/payment"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Orders handles post-payment order lifecycle
type Orders struct {
	store     OrderStore
	ledger    *Ledger
	settings  SettingsSource
	provider  payment.Provider
	publisher EventPublisher
	logger    *zap.Logger
}

// NewOrders creates a new order service
func NewOrders(store OrderStore, ledger *Ledger, settings SettingsSource, provider payment.Provider, publisher EventPublisher) *Orders {
	return &Orders{
		store:     store,
		ledger:    ledger,
		settings:  settings,
		provider:  provider,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// OrderView is an order with its items
type OrderView struct {
	*models.Order
	Items []models.OrderItem `json:"items"`
}

// RefundRequest refunds part or all of an order. Zero amount refunds in full.
type RefundRequest struct {
	AmountCents int64 `json:"amount_cents" binding:"min=0"`
	Restock     bool  `json:"restock"`
}

// Get returns an order with its items
func (s *Orders) Get(ctx context.Context, tenantID, orderID uuid.UUID) (*OrderView, error) {
	order, err := s.store.GetOrderByID(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderView{Order: order, Items: items}, nil
}

// UpdateStatus moves an order along its lifecycle
func (s *Orders) UpdateStatus(ctx context.Context, tenantID, orderID uuid.UUID, to string) (*OrderView, error) {
	if to == models.OrderStatusRefunded {
		return nil, apperr.InvalidRequest("refunds go through the refund operation")
	}
	if !orderStatuses[to] {
		return nil, apperr.InvalidRequest("unknown order status: %q", to)
	}

	view, err := s.Get(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	from := view.Status
	if !models.CanTransition(from, to) {
		return nil, apperr.Conflict("order %s cannot move from %s to %s", orderID, from, to)
	}

	ok, err := s.store.TransitionOrderStatus(ctx, tenantID, orderID, from, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("order %s was modified concurrently", orderID)
	}
	view.Status = to

	eventType := models.EventTypeOrderUpdated
	if to == models.OrderStatusShipped {
		eventType = models.EventTypeOrderShipped
	}
	s.publish(ctx, view, eventType, from)

	s.logger.Info("Order status updated",
		zap.String("order_id", orderID.String()),
		zap.String("from", from),
		zap.String("to", to),
	)
	return view, nil
}

// Refund refunds the payment through the provider, optionally putting the
// items back on hand. The status flip happens first so a second refund of
// the same order is rejected.
func (s *Orders) Refund(ctx context.Context, tenantID, orderID uuid.UUID, req *RefundRequest) (view *OrderView, err error) {
	ctx, span := util.StartSpan(ctx, "Orders.Refund")
	defer func() { util.EndSpan(span, err) }()

	view, err = s.Get(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	from := view.Status
	if !models.CanTransition(from, models.OrderStatusRefunded) {
		return nil, apperr.Conflict("order %s cannot be refunded from %s", orderID, from)
	}
	if view.PaymentIntentID == nil {
		return nil, apperr.InvalidState("order %s has no captured payment", orderID)
	}
	if req.AmountCents > view.TotalCents {
		return nil, apperr.InvalidRequest("refund exceeds order total")
	}

	settings, err := s.settings.GetPaymentSettings(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	ok, err := s.store.TransitionOrderStatus(ctx, tenantID, orderID, from, models.OrderStatusRefunded)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("order %s was modified concurrently", orderID)
	}

	refundID, err := s.provider.Refund(ctx, settings, *view.PaymentIntentID, req.AmountCents)
	if err != nil {
		bg := context.WithoutCancel(ctx)
		if _, revertErr := s.store.TransitionOrderStatus(bg, tenantID, orderID, models.OrderStatusRefunded, from); revertErr != nil {
			s.logger.Error("Failed to revert order status after refund failure",
				zap.String("order_id", orderID.String()), zap.Error(revertErr))
		}
		return nil, apperr.UpstreamPayment(err)
	}
	view.Status = models.OrderStatusRefunded
	util.OrdersRefundedTotal.Inc()

	if req.Restock {
		reference := "refund:" + orderID.String()
		for _, item := range view.Items {
			if _, err := s.ledger.Adjust(ctx, tenantID, item.SKU, item.Quantity, models.ReasonReturn, reference); err != nil {
				s.logger.Error("Failed to restock refunded item",
					zap.String("order_id", orderID.String()),
					zap.String("sku", item.SKU),
					zap.Error(err),
				)
			}
		}
	}

	s.publish(ctx, view, models.EventTypeOrderRefunded, from)
	s.logger.Info("Order refunded",
		zap.String("order_id", orderID.String()),
		zap.String("refund_id", refundID),
		zap.Bool("restock", req.Restock),
	)
	return view, nil
}

func (s *Orders) publish(ctx context.Context, view *OrderView, eventType, previous string) {
	data := models.NewOrderEventData(view.Order, view.Items)
	data.PreviousStatus = previous
	event, err := models.NewBusinessEvent(view.TenantID, eventType, data)
	if err == nil {
		err = s.publisher.Publish(ctx, event)
	}
	if err != nil {
		s.logger.Error("Failed to publish order event",
			zap.String("order_id", view.ID.String()),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

var orderStatuses = map[string]bool{
	models.OrderStatusPending:    true,
	models.OrderStatusPaid:       true,
	models.OrderStatusProcessing: true,
	models.OrderStatusShipped:    true,
	models.OrderStatusDelivered:  true,
	models.OrderStatusRefunded:   true,
	models.OrderStatusCanceled:   true,
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Business event types fanned out to subscribers
const (
	EventTypeOrderCreated  = "order.created"
	EventTypeOrderUpdated  = "order.updated"
	EventTypeOrderShipped  = "order.shipped"
	EventTypeOrderRefunded = "order.refunded"
	EventTypeInventoryLow  = "inventory.low"
)

// BusinessEvent is the envelope published to Kafka and recorded before fan-out
type BusinessEvent struct {
	EventID   uuid.UUID       `json:"event_id" db:"id"`
	TenantID  uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	EventType string          `json:"event_type" db:"event_type"`
	Timestamp time.Time       `json:"timestamp" db:"created_at"`
	Data      json.RawMessage `json:"data" db:"payload"`
}

// NewBusinessEvent marshals data into a fresh envelope
func NewBusinessEvent(tenantID uuid.UUID, eventType string, data interface{}) (*BusinessEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &BusinessEvent{
		EventID:   uuid.New(),
		TenantID:  tenantID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// eventNamespace seeds ids derived from a business key
var eventNamespace = uuid.MustParse("8d3f6c1e-52a4-4b9e-a7d0-3c61e9f2b845")

// NewKeyedBusinessEvent builds an envelope whose id is derived from the
// tenant, type and key. Re-emitting the same fact yields the same id, so the
// recorded event and its deliveries are created once.
func NewKeyedBusinessEvent(tenantID uuid.UUID, eventType, key string, data interface{}) (*BusinessEvent, error) {
	event, err := NewBusinessEvent(tenantID, eventType, data)
	if err != nil {
		return nil, err
	}
	event.EventID = uuid.NewSHA1(eventNamespace, []byte(tenantID.String()+"/"+eventType+"/"+key))
	return event, nil
}

// OrderEventData is the payload of order.* events
type OrderEventData struct {
	OrderID        uuid.UUID       `json:"order_id"`
	OrderNumber    string          `json:"order_number"`
	Status         string          `json:"status"`
	PreviousStatus string          `json:"previous_status,omitempty"`
	CustomerEmail  string          `json:"customer_email"`
	Currency       string          `json:"currency"`
	SubtotalCents  int64           `json:"subtotal_cents"`
	DiscountCents  int64           `json:"discount_cents"`
	TaxCents       int64           `json:"tax_cents"`
	ShippingCents  int64           `json:"shipping_cents"`
	TotalCents     int64           `json:"total_cents"`
	Items          []OrderItemData `json:"items,omitempty"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	SKU            string `json:"sku"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// InventoryLowData is the payload of inventory.low
type InventoryLowData struct {
	SKU       string `json:"sku"`
	OnHand    int    `json:"on_hand"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
	Threshold int    `json:"threshold"`
}

// NewOrderEventData builds the order payload from a stored order and its items
func NewOrderEventData(order *Order, items []OrderItem) OrderEventData {
	data := OrderEventData{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Status:        order.Status,
		CustomerEmail: order.CustomerEmail,
		Currency:      order.Currency,
		SubtotalCents: order.SubtotalCents,
		DiscountCents: order.DiscountCents,
		TaxCents:      order.TaxCents,
		ShippingCents: order.ShippingCents,
		TotalCents:    order.TotalCents,
	}
	for _, item := range items {
		data.Items = append(data.Items, OrderItemData{
			SKU:            item.SKU,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
		})
	}
	return data
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

// Product is the catalog snapshot read at add-to-cart time
type Product struct {
	TenantID   uuid.UUID `db:"tenant_id" json:"tenant_id"`
	SKU        string    `db:"sku" json:"sku"`
	Title      string    `db:"title" json:"title"`
	PriceCents int64     `db:"price_cents" json:"price_cents"`
	Status     string    `db:"status" json:"status"`
}

// Product statuses
const (
	ProductStatusActive = "active"
	ProductStatusDraft  = "draft"
)

// Inventory is the per-tenant, per-SKU ledger row
type Inventory struct {
	TenantID          uuid.UUID `db:"tenant_id" json:"tenant_id"`
	SKU               string    `db:"sku" json:"sku"`
	OnHand            int       `db:"on_hand" json:"on_hand"`
	Reserved          int       `db:"reserved" json:"reserved"`
	LowStockThreshold *int      `db:"low_stock_threshold" json:"low_stock_threshold,omitempty"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Available is on_hand minus reserved
func (i Inventory) Available() int {
	return i.OnHand - i.Reserved
}

// InventoryLogEntry is an append-only audit row for a ledger mutation
type InventoryLogEntry struct {
	ID          uuid.UUID `db:"id" json:"id"`
	TenantID    uuid.UUID `db:"tenant_id" json:"tenant_id"`
	SKU         string    `db:"sku" json:"sku"`
	Delta       int       `db:"delta" json:"delta"`
	Reason      string    `db:"reason" json:"reason"`
	ReferenceID string    `db:"reference_id" json:"reference_id,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Inventory log reasons
const (
	ReasonRestock    = "restock"
	ReasonCorrection = "correction"
	ReasonDamaged    = "damaged"
	ReasonReturn     = "return"
	ReasonSale       = "sale"
	ReasonRelease    = "release"
)

// AdjustReasons are the reasons accepted for manual adjustments
var AdjustReasons = map[string]bool{
	ReasonRestock:    true,
	ReasonCorrection: true,
	ReasonDamaged:    true,
	ReasonReturn:     true,
}

// Cart holds line items until checkout completes or expires
type Cart struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	TenantID          uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	Status            string     `db:"status" json:"status"`
	CustomerEmail     *string    `db:"customer_email" json:"customer_email,omitempty"`
	Currency          string     `db:"currency" json:"currency"`
	DiscountID        *uuid.UUID `db:"discount_id" json:"discount_id,omitempty"`
	DiscountCents     int64      `db:"discount_cents" json:"discount_cents"`
	DiscountReserved  bool       `db:"discount_reserved" json:"discount_reserved"`
	CheckoutSessionID *string    `db:"checkout_session_id" json:"checkout_session_id,omitempty"`
	CheckoutAttemptID *uuid.UUID `db:"checkout_attempt_id" json:"-"`
	CheckoutLease     *time.Time `db:"checkout_lease_until" json:"-"`
	CheckedOutAt      *time.Time `db:"checked_out_at" json:"checked_out_at,omitempty"`
	OrderID           *uuid.UUID `db:"order_id" json:"order_id,omitempty"`
	ExpiresAt         time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`

	Items []CartItem `db:"-" json:"items"`
}

// Subtotal sums the price snapshot of every line
func (c *Cart) Subtotal() int64 {
	var total int64
	for _, item := range c.Items {
		total += item.UnitPriceCents * int64(item.Quantity)
	}
	return total
}

// Cart statuses
const (
	CartStatusOpen       = "open"
	CartStatusCheckedOut = "checked_out"
	CartStatusExpired    = "expired"
	CartStatusCompleted  = "completed"
)

// CartItem is a line with its price snapshot and the hold it owns
type CartItem struct {
	ID             uuid.UUID `db:"id" json:"id"`
	CartID         uuid.UUID `db:"cart_id" json:"cart_id"`
	TenantID       uuid.UUID `db:"tenant_id" json:"-"`
	SKU            string    `db:"sku" json:"sku"`
	Title          string    `db:"title" json:"title"`
	Quantity       int       `db:"quantity" json:"quantity"`
	UnitPriceCents int64     `db:"unit_price_cents" json:"unit_price_cents"`
	ReservedQty    int       `db:"reserved_qty" json:"reserved_qty"`
}

// Order is created once per completed checkout session
type Order struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	TenantID         uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	CartID           uuid.UUID  `db:"cart_id" json:"cart_id"`
	CustomerID       *uuid.UUID `db:"customer_id" json:"customer_id,omitempty"`
	OrderNumber      string     `db:"order_number" json:"order_number"`
	Status           string     `db:"status" json:"status"`
	Currency         string     `db:"currency" json:"currency"`
	SubtotalCents    int64      `db:"subtotal_cents" json:"subtotal_cents"`
	DiscountCents    int64      `db:"discount_cents" json:"discount_cents"`
	TaxCents         int64      `db:"tax_cents" json:"tax_cents"`
	ShippingCents    int64      `db:"shipping_cents" json:"shipping_cents"`
	TotalCents       int64      `db:"total_cents" json:"total_cents"`
	CustomerEmail    string     `db:"customer_email" json:"customer_email"`
	PaymentIntentID  *string    `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	CustomerRecorded bool       `db:"customer_recorded" json:"-"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// OrderItem is an immutable price/quantity snapshot
type OrderItem struct {
	ID             uuid.UUID `db:"id" json:"id"`
	OrderID        uuid.UUID `db:"order_id" json:"order_id"`
	SKU            string    `db:"sku" json:"sku"`
	Title          string    `db:"title" json:"title"`
	Quantity       int       `db:"quantity" json:"quantity"`
	UnitPriceCents int64     `db:"unit_price_cents" json:"unit_price_cents"`
}

// Order statuses
const (
	OrderStatusPending    = "pending"
	OrderStatusPaid       = "paid"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusRefunded   = "refunded"
	OrderStatusCanceled   = "canceled"
)

// OrderTransitions lists the allowed status moves
var OrderTransitions = map[string][]string{
	OrderStatusPending:    {OrderStatusPaid, OrderStatusCanceled},
	OrderStatusPaid:       {OrderStatusProcessing, OrderStatusShipped, OrderStatusRefunded, OrderStatusCanceled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusRefunded, OrderStatusCanceled},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusRefunded},
	OrderStatusDelivered:  {OrderStatusRefunded},
}

// CanTransition reports whether from -> to is an allowed move
func CanTransition(from, to string) bool {
	for _, next := range OrderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Customer is upserted by ingestion with order statistics
type Customer struct {
	ID              uuid.UUID          `db:"id" json:"id"`
	TenantID        uuid.UUID          `db:"tenant_id" json:"tenant_id"`
	Email           string             `db:"email" json:"email"`
	Name            *string            `db:"name" json:"name,omitempty"`
	Phone           *string            `db:"phone" json:"phone,omitempty"`
	Address         types.NullJSONText `db:"address" json:"address"`
	OrderCount      int                `db:"order_count" json:"order_count"`
	TotalSpentCents int64              `db:"total_spent_cents" json:"total_spent_cents"`
	LastOrderAt     *time.Time         `db:"last_order_at" json:"last_order_at,omitempty"`
}

// Discount carries the usage counters enforced by the limiter
type Discount struct {
	ID                    uuid.UUID  `db:"id" json:"id"`
	TenantID              uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	Code                  string     `db:"code" json:"code"`
	Kind                  string     `db:"kind" json:"kind"`
	Value                 int64      `db:"value" json:"value"`
	Status                string     `db:"status" json:"status"`
	MinPurchaseCents      int64      `db:"min_purchase_cents" json:"min_purchase_cents"`
	UsageCount            int        `db:"usage_count" json:"usage_count"`
	UsageLimit            *int       `db:"usage_limit" json:"usage_limit,omitempty"`
	UsageLimitPerCustomer *int       `db:"usage_limit_per_customer" json:"usage_limit_per_customer,omitempty"`
	StartsAt              *time.Time `db:"starts_at" json:"starts_at,omitempty"`
	ExpiresAt             *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
}

// Discount kinds and statuses
const (
	DiscountKindPercentage = "percentage"
	DiscountKindFixed      = "fixed"

	DiscountStatusActive   = "active"
	DiscountStatusDisabled = "disabled"
)

// DiscountUsage is unique per (order, discount)
type DiscountUsage struct {
	OrderID       uuid.UUID `db:"order_id" json:"order_id"`
	DiscountID    uuid.UUID `db:"discount_id" json:"discount_id"`
	TenantID      uuid.UUID `db:"tenant_id" json:"tenant_id"`
	CustomerEmail string    `db:"customer_email" json:"customer_email"`
	AmountCents   int64     `db:"amount_cents" json:"amount_cents"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// PaymentEvent is the dedup ledger row for provider notifications
type PaymentEvent struct {
	TenantID   uuid.UUID       `db:"tenant_id"`
	ExternalID string          `db:"external_id"`
	EventType  string          `db:"event_type"`
	Payload    json.RawMessage `db:"payload"`
	CreatedAt  time.Time       `db:"created_at"`
}

// TenantPaymentSettings is read from the credential collaborator
type TenantPaymentSettings struct {
	TenantID      uuid.UUID `db:"tenant_id"`
	SecretKey     string    `db:"secret_key"`
	WebhookSecret string    `db:"webhook_secret"`
	SuccessURL    string    `db:"success_url"`
	CancelURL     string    `db:"cancel_url"`
}

// WebhookSubscription is a tenant-registered outbound endpoint
type WebhookSubscription struct {
	ID        uuid.UUID      `db:"id" json:"id"`
	TenantID  uuid.UUID      `db:"tenant_id" json:"tenant_id"`
	URL       string         `db:"url" json:"url"`
	Events    pq.StringArray `db:"events" json:"events"`
	Secret    string         `db:"secret" json:"-"`
	Active    bool           `db:"active" json:"active"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// WebhookDelivery tracks one (subscription, event) delivery
type WebhookDelivery struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	TenantID       uuid.UUID       `db:"tenant_id" json:"tenant_id"`
	SubscriptionID uuid.UUID       `db:"subscription_id" json:"subscription_id"`
	EventID        uuid.UUID       `db:"event_id" json:"event_id"`
	EventType      string          `db:"event_type" json:"event_type"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Status         string          `db:"status" json:"status"`
	Attempts       int             `db:"attempts" json:"attempts"`
	LastStatusCode *int            `db:"last_status_code" json:"last_status_code,omitempty"`
	LastError      *string         `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt  *time.Time      `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// DeliveryRef identifies a delivery and the attempt count a queued task
// expects to find
type DeliveryRef struct {
	ID       uuid.UUID `db:"id"`
	Attempts int       `db:"attempts"`
}

// Delivery statuses
const (
	DeliveryStatusPending = "pending"
	DeliveryStatusSuccess = "success"
	DeliveryStatusFailed  = "failed"
)

package service

import (
	"context"
	"time"

	"fulfillment-service/internal/models"

	"github.com/google/uuid"
)

// LedgerStore is the conditional-update surface of the inventory table
type LedgerStore interface {
	GetInventory(ctx context.Context, tenantID uuid.UUID, sku string) (*models.Inventory, error)
	AdjustStock(ctx context.Context, tenantID uuid.UUID, sku string, delta int, reason, referenceID string) (*models.Inventory, error)
	ReserveStock(ctx context.Context, tenantID uuid.UUID, sku string, quantity int) (bool, error)
	ReleaseStock(ctx context.Context, tenantID uuid.UUID, sku string, quantity int, referenceID string) error
	CommitSale(ctx context.Context, tenantID uuid.UUID, sku string, quantity int, orderID uuid.UUID) (*models.Inventory, bool, error)
	ReserveCartItem(ctx context.Context, item *models.CartItem) (bool, error)
	ReleaseCartItem(ctx context.Context, item *models.CartItem, referenceID string) (int, error)
	ListInventoryLog(ctx context.Context, tenantID uuid.UUID, sku string, limit int) ([]models.InventoryLogEntry, error)
}

// DiscountStore persists discounts and their usage counters
type DiscountStore interface {
	CreateDiscount(ctx context.Context, d *models.Discount) error
	GetDiscount(ctx context.Context, tenantID, id uuid.UUID) (*models.Discount, error)
	GetDiscountByCode(ctx context.Context, tenantID uuid.UUID, code string) (*models.Discount, error)
	ReserveDiscountUsage(ctx context.Context, tenantID, discountID uuid.UUID, now time.Time) (bool, error)
	ReleaseDiscountUsage(ctx context.Context, discountID uuid.UUID) error
	CountCustomerUsages(ctx context.Context, discountID uuid.UUID, email string) (int, error)
	InsertDiscountUsage(ctx context.Context, usage *models.DiscountUsage) (bool, error)
}

// CartStore persists carts and the state transitions guarding them
type CartStore interface {
	CreateCart(ctx context.Context, cart *models.Cart) error
	GetCart(ctx context.Context, tenantID, cartID uuid.UUID) (*models.Cart, error)
	GetCartBySession(ctx context.Context, tenantID uuid.UUID, sessionID string) (*models.Cart, error)
	AddCartItem(ctx context.Context, item *models.CartItem) (bool, error)
	SetCartDiscount(ctx context.Context, tenantID, cartID, discountID uuid.UUID) (bool, error)
	ClaimCheckoutLease(ctx context.Context, tenantID, cartID, attemptID uuid.UUID, until time.Time) (bool, error)
	ReleaseCheckoutLease(ctx context.Context, cartID, attemptID uuid.UUID) error
	MarkCheckedOut(ctx context.Context, cart *models.Cart, attemptID uuid.UUID, sessionID string) (bool, error)
	ClaimCartForOrder(ctx context.Context, cartID, orderID uuid.UUID) (bool, error)
	MarkCartCompleted(ctx context.Context, cartID, orderID uuid.UUID) error
	ExpireOpenCart(ctx context.Context, cartID uuid.UUID) (bool, error)
	ExpireCheckedOutCart(ctx context.Context, cartID uuid.UUID, cutoff time.Time) (bool, error)
	ClaimDiscountRelease(ctx context.Context, cartID uuid.UUID) (*uuid.UUID, error)
	ListExpiredOpenCarts(ctx context.Context, limit int) ([]models.Cart, error)
	ListAbandonedCheckouts(ctx context.Context, cutoff time.Time, limit int) ([]models.Cart, error)
	ListExpiredCartsWithHolds(ctx context.Context, limit int) ([]models.Cart, error)
}

// OrderStore persists orders and customer statistics
type OrderStore interface {
	InsertOrder(ctx context.Context, order *models.Order, items []models.OrderItem) (bool, error)
	GetOrderByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error)
	TransitionOrderStatus(ctx context.Context, tenantID, orderID uuid.UUID, from, to string) (bool, error)
	RecordCustomerOrder(ctx context.Context, order *models.Order) (bool, error)
	UpsertCustomer(ctx context.Context, customer *models.Customer) error
}

// PaymentEventStore is the durable dedup ledger plus tenant credentials
type PaymentEventStore interface {
	IsPaymentEventProcessed(ctx context.Context, tenantID uuid.UUID, externalID string) (bool, error)
	MarkPaymentEventProcessed(ctx context.Context, event *models.PaymentEvent) error
	GetPaymentSettings(ctx context.Context, tenantID uuid.UUID) (*models.TenantPaymentSettings, error)
}

// WebhookStore persists subscriptions, recorded events and deliveries
type WebhookStore interface {
	CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*models.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, tenantID uuid.UUID) ([]models.WebhookSubscription, error)
	ListActiveSubscriptions(ctx context.Context, tenantID uuid.UUID) ([]models.WebhookSubscription, error)
	DeactivateSubscription(ctx context.Context, tenantID, id uuid.UUID) (bool, error)
	InsertWebhookEvent(ctx context.Context, event *models.BusinessEvent) error
	InsertDelivery(ctx context.Context, d *models.WebhookDelivery) (bool, error)
	GetDelivery(ctx context.Context, id uuid.UUID) (*models.WebhookDelivery, error)
	ListDeliveries(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.WebhookDelivery, error)
	ClaimDeliveryAttempt(ctx context.Context, id uuid.UUID, seen int) (bool, error)
	CompleteDelivery(ctx context.Context, id uuid.UUID, status string, code *int, errMsg *string, next *time.Time) error
	RequeueFailedDeliveries(ctx context.Context, createdAfter, failedBefore time.Time, budget, limit int) ([]models.DeliveryRef, error)
	ListStalePending(ctx context.Context, dueBefore time.Time, limit int) ([]models.DeliveryRef, error)
	ResetDelivery(ctx context.Context, tenantID, id uuid.UUID) (bool, error)
}

// Catalog is the product collaborator consulted at add-to-cart time
type Catalog interface {
	GetProduct(ctx context.Context, tenantID uuid.UUID, sku string) (*models.Product, error)
}

// EventPublisher hands business events to the stream feeding the dispatcher
type EventPublisher interface {
	Publish(ctx context.Context, event *models.BusinessEvent) error
}

// DeliveryQueue schedules out-of-band delivery attempts. seen is the attempt
// count the task expects to find when it runs.
type DeliveryQueue interface {
	EnqueueDelivery(ctx context.Context, deliveryID uuid.UUID, seen int, delay time.Duration) error
}

// Deduper is the fast-path cache in front of the payment event ledger
type Deduper interface {
	IsPaymentEventSeen(ctx context.Context, tenantID uuid.UUID, externalID string) (bool, error)
	MarkPaymentEventSeen(ctx context.Context, tenantID uuid.UUID, externalID string) error
}

// OnceMarker reports whether a key is claimed for the first time in a window
type OnceMarker interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

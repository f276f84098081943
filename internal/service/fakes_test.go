package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/payment"
	"fulfillment-service/internal/store"

	"github.com/google/uuid"
)

// memStore is an in-memory stand-in for the Postgres store. Each method holds
// the lock for its whole body, mirroring the single-statement updates.
type memStore struct {
	mu sync.Mutex

	products   map[string]*models.Product
	inventory  map[string]*models.Inventory
	invLog     []models.InventoryLogEntry
	sales      map[string]bool
	carts      map[uuid.UUID]*models.Cart
	discounts  map[uuid.UUID]*models.Discount
	usages     map[string]models.DiscountUsage
	orders     map[uuid.UUID]*models.Order
	orderItems map[uuid.UUID][]models.OrderItem
	numbers    map[string]bool
	customers  map[string]*models.Customer
	events     map[string]bool
	settings   map[uuid.UUID]*models.TenantPaymentSettings
	subs       map[uuid.UUID]*models.WebhookSubscription
	recorded   map[uuid.UUID]bool
	deliveries map[uuid.UUID]*models.WebhookDelivery

	takenNumbers int
}

func newMemStore() *memStore {
	return &memStore{
		products:   map[string]*models.Product{},
		inventory:  map[string]*models.Inventory{},
		sales:      map[string]bool{},
		carts:      map[uuid.UUID]*models.Cart{},
		discounts:  map[uuid.UUID]*models.Discount{},
		usages:     map[string]models.DiscountUsage{},
		orders:     map[uuid.UUID]*models.Order{},
		orderItems: map[uuid.UUID][]models.OrderItem{},
		numbers:    map[string]bool{},
		customers:  map[string]*models.Customer{},
		events:     map[string]bool{},
		settings:   map[uuid.UUID]*models.TenantPaymentSettings{},
		subs:       map[uuid.UUID]*models.WebhookSubscription{},
		recorded:   map[uuid.UUID]bool{},
		deliveries: map[uuid.UUID]*models.WebhookDelivery{},
	}
}

func invKey(tenantID uuid.UUID, sku string) string { return tenantID.String() + "/" + sku }

// seed helpers

func (m *memStore) addProduct(tenantID uuid.UUID, sku string, price int64, onHand int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[invKey(tenantID, sku)] = &models.Product{
		TenantID: tenantID, SKU: sku, Title: sku, PriceCents: price, Status: models.ProductStatusActive,
	}
	m.inventory[invKey(tenantID, sku)] = &models.Inventory{TenantID: tenantID, SKU: sku, OnHand: onHand}
}

func (m *memStore) stock(tenantID uuid.UUID, sku string) models.Inventory {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.inventory[invKey(tenantID, sku)]
}

func (m *memStore) cart(id uuid.UUID) *models.Cart {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyCart(m.carts[id])
}

func (m *memStore) withCart(id uuid.UUID, fn func(c *models.Cart)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.carts[id])
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memStore) copyCart(c *models.Cart) *models.Cart {
	cp := *c
	cp.Items = append([]models.CartItem{}, c.Items...)
	return &cp
}

// Catalog

func (m *memStore) GetProduct(_ context.Context, tenantID uuid.UUID, sku string) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[invKey(tenantID, sku)]
	if !ok {
		return nil, apperr.NotFound("product not found: %s", sku)
	}
	cp := *p
	return &cp, nil
}

// LedgerStore

func (m *memStore) GetInventory(_ context.Context, tenantID uuid.UUID, sku string) (*models.Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.inventory[invKey(tenantID, sku)]
	if !ok {
		return nil, apperr.NotFound("inventory not found for sku: %s", sku)
	}
	cp := *inv
	return &cp, nil
}

func (m *memStore) AdjustStock(_ context.Context, tenantID uuid.UUID, sku string, delta int, reason, ref string) (*models.Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.inventory[invKey(tenantID, sku)]
	if !ok {
		inv = &models.Inventory{TenantID: tenantID, SKU: sku}
		m.inventory[invKey(tenantID, sku)] = inv
	}
	if inv.OnHand+delta < inv.Reserved {
		return nil, apperr.InvalidState("adjustment of %d would leave sku %s below its reserved quantity", delta, sku)
	}
	inv.OnHand += delta
	m.log(tenantID, sku, delta, reason, ref)
	cp := *inv
	return &cp, nil
}

func (m *memStore) ReserveStock(_ context.Context, tenantID uuid.UUID, sku string, qty int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserve(tenantID, sku, qty), nil
}

func (m *memStore) reserve(tenantID uuid.UUID, sku string, qty int) bool {
	inv, ok := m.inventory[invKey(tenantID, sku)]
	if !ok || inv.Available() < qty {
		return false
	}
	inv.Reserved += qty
	return true
}

func (m *memStore) ReleaseStock(_ context.Context, tenantID uuid.UUID, sku string, qty int, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(tenantID, sku, qty, ref)
	return nil
}

func (m *memStore) release(tenantID uuid.UUID, sku string, qty int, ref string) {
	if inv, ok := m.inventory[invKey(tenantID, sku)]; ok {
		inv.Reserved -= qty
		if inv.Reserved < 0 {
			inv.Reserved = 0
		}
	}
	m.log(tenantID, sku, qty, models.ReasonRelease, ref)
}

func (m *memStore) CommitSale(_ context.Context, tenantID uuid.UUID, sku string, qty int, orderID uuid.UUID) (*models.Inventory, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := invKey(tenantID, sku) + "/" + orderID.String()
	if m.sales[key] {
		return nil, false, nil
	}
	inv := m.inventory[invKey(tenantID, sku)]
	if inv == nil || inv.Reserved < qty {
		return nil, false, apperr.InvalidState("sku %s has fewer than %d reserved units to commit", sku, qty)
	}
	m.sales[key] = true
	inv.OnHand -= qty
	inv.Reserved -= qty
	m.log(tenantID, sku, -qty, models.ReasonSale, orderID.String())
	cp := *inv
	return &cp, true, nil
}

func (m *memStore) findItem(id uuid.UUID) *models.CartItem {
	for _, c := range m.carts {
		for i := range c.Items {
			if c.Items[i].ID == id {
				return &c.Items[i]
			}
		}
	}
	return nil
}

func (m *memStore) ReserveCartItem(_ context.Context, item *models.CartItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	line := m.findItem(item.ID)
	if line == nil || line.ReservedQty > 0 {
		return true, nil
	}
	if !m.reserve(item.TenantID, item.SKU, item.Quantity) {
		return false, nil
	}
	line.ReservedQty = line.Quantity
	return true, nil
}

func (m *memStore) ReleaseCartItem(_ context.Context, item *models.CartItem, ref string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	line := m.findItem(item.ID)
	if line == nil || line.ReservedQty == 0 {
		return 0, nil
	}
	held := line.ReservedQty
	line.ReservedQty = 0
	m.release(item.TenantID, item.SKU, held, ref)
	return held, nil
}

func (m *memStore) ListInventoryLog(_ context.Context, tenantID uuid.UUID, sku string, limit int) ([]models.InventoryLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.InventoryLogEntry
	for i := len(m.invLog) - 1; i >= 0 && len(out) < limit; i-- {
		if e := m.invLog[i]; e.TenantID == tenantID && e.SKU == sku {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) log(tenantID uuid.UUID, sku string, delta int, reason, ref string) {
	m.invLog = append(m.invLog, models.InventoryLogEntry{
		ID: uuid.New(), TenantID: tenantID, SKU: sku, Delta: delta, Reason: reason, ReferenceID: ref, CreatedAt: time.Now(),
	})
}

// DiscountStore

func (m *memStore) CreateDiscount(_ context.Context, d *models.Discount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.discounts {
		if existing.TenantID == d.TenantID && existing.Code == d.Code {
			return apperr.Conflict("discount code %s already exists", d.Code)
		}
	}
	cp := *d
	m.discounts[d.ID] = &cp
	return nil
}

func (m *memStore) GetDiscount(_ context.Context, tenantID, id uuid.UUID) (*models.Discount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.discounts[id]
	if !ok || d.TenantID != tenantID {
		return nil, apperr.NotFound("discount not found: %s", id)
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) GetDiscountByCode(_ context.Context, tenantID uuid.UUID, code string) (*models.Discount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.discounts {
		if d.TenantID == tenantID && d.Code == code {
			cp := *d
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("discount not found: %s", code)
}

func (m *memStore) ReserveDiscountUsage(_ context.Context, tenantID, id uuid.UUID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.discounts[id]
	if !ok || d.TenantID != tenantID || d.Status != models.DiscountStatusActive {
		return false, nil
	}
	if (d.StartsAt != nil && now.Before(*d.StartsAt)) || (d.ExpiresAt != nil && now.After(*d.ExpiresAt)) {
		return false, nil
	}
	if d.UsageLimit != nil && d.UsageCount >= *d.UsageLimit {
		return false, nil
	}
	d.UsageCount++
	return true, nil
}

func (m *memStore) ReleaseDiscountUsage(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.discounts[id]; ok && d.UsageCount > 0 {
		d.UsageCount--
	}
	return nil
}

func (m *memStore) CountCustomerUsages(_ context.Context, id uuid.UUID, email string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.usages {
		if u.DiscountID == id && u.CustomerEmail == email {
			n++
		}
	}
	return n, nil
}

func (m *memStore) InsertDiscountUsage(_ context.Context, u *models.DiscountUsage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := u.OrderID.String() + "/" + u.DiscountID.String()
	if _, ok := m.usages[key]; ok {
		return false, nil
	}
	m.usages[key] = *u
	return true, nil
}

func (m *memStore) discountUsage(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discounts[id].UsageCount
}

// CartStore

func leaseFree(c *models.Cart, now time.Time) bool {
	return c.CheckoutLease == nil || c.CheckoutLease.Before(now)
}

func (m *memStore) CreateCart(_ context.Context, cart *models.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cart.CreatedAt = time.Now()
	m.carts[cart.ID] = m.copyCart(cart)
	return nil
}

func (m *memStore) GetCart(_ context.Context, tenantID, cartID uuid.UUID) (*models.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[cartID]
	if !ok || c.TenantID != tenantID {
		return nil, apperr.NotFound("cart not found: %s", cartID)
	}
	return m.copyCart(c), nil
}

func (m *memStore) GetCartBySession(_ context.Context, tenantID uuid.UUID, sessionID string) (*models.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.carts {
		if c.TenantID == tenantID && c.CheckoutSessionID != nil && *c.CheckoutSessionID == sessionID {
			return m.copyCart(c), nil
		}
	}
	return nil, nil
}

func (m *memStore) AddCartItem(_ context.Context, item *models.CartItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[item.CartID]
	if !ok || c.TenantID != item.TenantID || c.Status != models.CartStatusOpen || !leaseFree(c, time.Now()) {
		return false, nil
	}
	for i := range c.Items {
		if c.Items[i].SKU == item.SKU {
			if c.Items[i].ReservedQty > 0 {
				return false, nil
			}
			c.Items[i].Quantity += item.Quantity
			c.Items[i].UnitPriceCents = item.UnitPriceCents
			return true, nil
		}
	}
	c.Items = append(c.Items, *item)
	sort.Slice(c.Items, func(i, j int) bool { return c.Items[i].SKU < c.Items[j].SKU })
	return true, nil
}

func (m *memStore) SetCartDiscount(_ context.Context, tenantID, cartID, discountID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[cartID]
	if !ok || c.TenantID != tenantID || c.Status != models.CartStatusOpen || !leaseFree(c, time.Now()) {
		return false, nil
	}
	c.DiscountID = &discountID
	return true, nil
}

func (m *memStore) ClaimCheckoutLease(_ context.Context, tenantID, cartID, attemptID uuid.UUID, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	c, ok := m.carts[cartID]
	if !ok || c.TenantID != tenantID || c.Status != models.CartStatusOpen || !c.ExpiresAt.After(now) || !leaseFree(c, now) {
		return false, nil
	}
	c.CheckoutAttemptID = &attemptID
	c.CheckoutLease = &until
	return true, nil
}

func (m *memStore) ReleaseCheckoutLease(_ context.Context, cartID, attemptID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.carts[cartID]
	if c != nil && c.CheckoutAttemptID != nil && *c.CheckoutAttemptID == attemptID && c.Status == models.CartStatusOpen {
		c.CheckoutLease = nil
	}
	return nil
}

func (m *memStore) MarkCheckedOut(_ context.Context, cart *models.Cart, attemptID uuid.UUID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.carts[cart.ID]
	if c == nil || c.CheckoutAttemptID == nil || *c.CheckoutAttemptID != attemptID || c.Status != models.CartStatusOpen {
		return false, nil
	}
	now := time.Now()
	c.Status = models.CartStatusCheckedOut
	c.CheckoutSessionID = &sessionID
	c.CheckedOutAt = &now
	c.DiscountCents = cart.DiscountCents
	c.DiscountReserved = cart.DiscountReserved
	c.CheckoutLease = nil
	return true, nil
}

func (m *memStore) ClaimCartForOrder(_ context.Context, cartID, orderID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.carts[cartID]
	if c == nil || c.Status != models.CartStatusCheckedOut || c.OrderID != nil {
		return false, nil
	}
	c.OrderID = &orderID
	return true, nil
}

func (m *memStore) MarkCartCompleted(_ context.Context, cartID, orderID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.carts[cartID]
	if c != nil && c.OrderID != nil && *c.OrderID == orderID && c.Status == models.CartStatusCheckedOut {
		c.Status = models.CartStatusCompleted
	}
	return nil
}

func (m *memStore) ExpireOpenCart(_ context.Context, cartID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	c := m.carts[cartID]
	if c == nil || c.Status != models.CartStatusOpen || !c.ExpiresAt.Before(now) || !leaseFree(c, now) {
		return false, nil
	}
	c.Status = models.CartStatusExpired
	return true, nil
}

func (m *memStore) ExpireCheckedOutCart(_ context.Context, cartID uuid.UUID, cutoff time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.carts[cartID]
	if c == nil || c.Status != models.CartStatusCheckedOut || c.OrderID != nil || c.CheckedOutAt == nil || c.CheckedOutAt.After(cutoff) {
		return false, nil
	}
	c.Status = models.CartStatusExpired
	return true, nil
}

func (m *memStore) ClaimDiscountRelease(_ context.Context, cartID uuid.UUID) (*uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.carts[cartID]
	if c == nil || !c.DiscountReserved || c.OrderID != nil || c.DiscountID == nil {
		return nil, nil
	}
	c.DiscountReserved = false
	id := *c.DiscountID
	return &id, nil
}

func (m *memStore) listCarts(limit int, match func(c *models.Cart) bool) []models.Cart {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Cart
	for _, c := range m.carts {
		if len(out) < limit && match(c) {
			out = append(out, *m.copyCart(c))
		}
	}
	return out
}

func (m *memStore) ListExpiredOpenCarts(_ context.Context, limit int) ([]models.Cart, error) {
	now := time.Now()
	return m.listCarts(limit, func(c *models.Cart) bool {
		return c.Status == models.CartStatusOpen && c.ExpiresAt.Before(now) && leaseFree(c, now)
	}), nil
}

func (m *memStore) ListAbandonedCheckouts(_ context.Context, cutoff time.Time, limit int) ([]models.Cart, error) {
	return m.listCarts(limit, func(c *models.Cart) bool {
		return c.Status == models.CartStatusCheckedOut && c.OrderID == nil && c.CheckedOutAt != nil && !c.CheckedOutAt.After(cutoff)
	}), nil
}

func (m *memStore) ListExpiredCartsWithHolds(_ context.Context, limit int) ([]models.Cart, error) {
	return m.listCarts(limit, func(c *models.Cart) bool {
		if c.Status != models.CartStatusExpired || c.OrderID != nil {
			return false
		}
		if c.DiscountReserved {
			return true
		}
		for _, item := range c.Items {
			if item.ReservedQty > 0 {
				return true
			}
		}
		return false
	}), nil
}

// OrderStore

func (m *memStore) InsertOrder(_ context.Context, order *models.Order, items []models.OrderItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.CartID == order.CartID {
			return false, nil
		}
	}
	if m.takenNumbers > 0 {
		m.takenNumbers--
		return false, store.ErrOrderNumberTaken
	}
	if m.numbers[order.OrderNumber] {
		return false, store.ErrOrderNumberTaken
	}
	m.numbers[order.OrderNumber] = true
	cp := *order
	cp.CreatedAt = time.Now()
	m.orders[order.ID] = &cp
	m.orderItems[order.ID] = append([]models.OrderItem{}, items...)
	return true, nil
}

func (m *memStore) GetOrderByID(_ context.Context, tenantID, id uuid.UUID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.TenantID != tenantID {
		return nil, apperr.NotFound("order not found: %s", id)
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) GetOrderItemsByOrderID(_ context.Context, orderID uuid.UUID) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderItem{}, m.orderItems[orderID]...), nil
}

func (m *memStore) TransitionOrderStatus(_ context.Context, tenantID, orderID uuid.UUID, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.TenantID != tenantID || o.Status != from {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (m *memStore) RecordCustomerOrder(_ context.Context, order *models.Order) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order.CustomerID == nil || m.recorded[order.ID] {
		return false, nil
	}
	m.recorded[order.ID] = true
	for _, c := range m.customers {
		if c.ID == *order.CustomerID {
			c.OrderCount++
			c.TotalSpentCents += order.TotalCents
		}
	}
	return true, nil
}

func (m *memStore) UpsertCustomer(_ context.Context, customer *models.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := customer.TenantID.String() + "/" + customer.Email
	if existing, ok := m.customers[key]; ok {
		customer.ID = existing.ID
		return nil
	}
	cp := *customer
	m.customers[key] = &cp
	return nil
}

func (m *memStore) customer(tenantID uuid.UUID, email string) *models.Customer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.customers[tenantID.String()+"/"+email]
}

// PaymentEventStore

func (m *memStore) IsPaymentEventProcessed(_ context.Context, tenantID uuid.UUID, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[tenantID.String()+"/"+externalID], nil
}

func (m *memStore) MarkPaymentEventProcessed(_ context.Context, e *models.PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.TenantID.String()+"/"+e.ExternalID] = true
	return nil
}

func (m *memStore) GetPaymentSettings(_ context.Context, tenantID uuid.UUID) (*models.TenantPaymentSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[tenantID]
	if !ok {
		return nil, apperr.NotFound("payment settings not found for tenant %s", tenantID)
	}
	return s, nil
}

// WebhookStore

func (m *memStore) CreateSubscription(_ context.Context, sub *models.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	cp.CreatedAt = time.Now()
	m.subs[sub.ID] = &cp
	return nil
}

func (m *memStore) GetSubscription(_ context.Context, id uuid.UUID) (*models.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, apperr.NotFound("subscription not found: %s", id)
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ListSubscriptions(_ context.Context, tenantID uuid.UUID) ([]models.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.WebhookSubscription{}
	for _, s := range m.subs {
		if s.TenantID == tenantID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) ListActiveSubscriptions(ctx context.Context, tenantID uuid.UUID) ([]models.WebhookSubscription, error) {
	all, _ := m.ListSubscriptions(ctx, tenantID)
	var out []models.WebhookSubscription
	for _, s := range all {
		if s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) DeactivateSubscription(_ context.Context, tenantID, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.TenantID != tenantID {
		return false, nil
	}
	s.Active = false
	return true, nil
}

func (m *memStore) InsertWebhookEvent(_ context.Context, event *models.BusinessEvent) error {
	return nil
}

func (m *memStore) InsertDelivery(_ context.Context, d *models.WebhookDelivery) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.deliveries {
		if existing.SubscriptionID == d.SubscriptionID && existing.EventID == d.EventID {
			return false, nil
		}
	}
	now := time.Now()
	cp := *d
	cp.Status = models.DeliveryStatusPending
	cp.NextAttemptAt = &now
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.deliveries[d.ID] = &cp
	return true, nil
}

func (m *memStore) GetDelivery(_ context.Context, id uuid.UUID) (*models.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, apperr.NotFound("delivery not found: %s", id)
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) ListDeliveries(_ context.Context, tenantID uuid.UUID, limit int) ([]models.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.WebhookDelivery{}
	for _, d := range m.deliveries {
		if d.TenantID == tenantID && len(out) < limit {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memStore) ClaimDeliveryAttempt(_ context.Context, id uuid.UUID, seen int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.Status != models.DeliveryStatusPending || d.Attempts != seen {
		return false, nil
	}
	d.Attempts++
	d.UpdatedAt = time.Now()
	return true, nil
}

func (m *memStore) CompleteDelivery(_ context.Context, id uuid.UUID, status string, code *int, errMsg *string, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	d.Status = status
	d.LastStatusCode = code
	d.LastError = errMsg
	d.NextAttemptAt = next
	d.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) RequeueFailedDeliveries(_ context.Context, createdAfter, failedBefore time.Time, budget, limit int) ([]models.DeliveryRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []models.DeliveryRef
	for _, d := range m.deliveries {
		if len(refs) >= limit || d.Status != models.DeliveryStatusFailed {
			continue
		}
		if d.CreatedAt.Before(createdAfter) || d.UpdatedAt.After(failedBefore) || d.Attempts >= budget {
			continue
		}
		if c := d.LastStatusCode; c != nil && *c != 429 && *c < 500 {
			continue
		}
		if sub := m.subs[d.SubscriptionID]; sub == nil || !sub.Active {
			continue
		}
		now := time.Now()
		d.Status = models.DeliveryStatusPending
		d.NextAttemptAt = &now
		d.UpdatedAt = now
		refs = append(refs, models.DeliveryRef{ID: d.ID, Attempts: d.Attempts})
	}
	return refs, nil
}

func (m *memStore) ListStalePending(_ context.Context, dueBefore time.Time, limit int) ([]models.DeliveryRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []models.DeliveryRef
	for _, d := range m.deliveries {
		if len(refs) >= limit || d.Status != models.DeliveryStatusPending {
			continue
		}
		due := d.CreatedAt
		if d.NextAttemptAt != nil {
			due = *d.NextAttemptAt
		}
		if !due.After(dueBefore) {
			refs = append(refs, models.DeliveryRef{ID: d.ID, Attempts: d.Attempts})
		}
	}
	return refs, nil
}

func (m *memStore) ResetDelivery(_ context.Context, tenantID, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.TenantID != tenantID || d.Status == models.DeliveryStatusPending {
		return false, nil
	}
	now := time.Now()
	d.Status = models.DeliveryStatusPending
	d.Attempts = 0
	d.NextAttemptAt = &now
	return true, nil
}

func (m *memStore) ageDelivery(id uuid.UUID, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	d.UpdatedAt = d.UpdatedAt.Add(-by)
	if d.NextAttemptAt != nil {
		t := d.NextAttemptAt.Add(-by)
		d.NextAttemptAt = &t
	}
}

// collaborators

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.BusinessEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e *models.BusinessEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []*models.BusinessEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*models.BusinessEvent
	for _, e := range p.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type queuedTask struct {
	ID    uuid.UUID
	Seen  int
	Delay time.Duration
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []queuedTask
}

func (q *recordingQueue) EnqueueDelivery(_ context.Context, id uuid.UUID, seen int, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, queuedTask{ID: id, Seen: seen, Delay: delay})
	return nil
}

// pop removes and returns the oldest queued task
func (q *recordingQueue) pop() (queuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return queuedTask{}, false
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t, true
}

type memMarker struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memMarker) MarkOnce(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]bool{}
	}
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

type fakeProvider struct {
	mu        sync.Mutex
	sessions  int
	failNext  error
	refunds   []string
	refundErr error
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, _ *models.TenantPaymentSettings, req payment.SessionRequest) (*payment.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext; err != nil {
		p.failNext = nil
		return nil, err
	}
	p.sessions++
	id := fmt.Sprintf("cs_test_%d_%s", p.sessions, req.CartID.String()[:8])
	return &payment.Session{ID: id, URL: "https://checkout.example.com/" + id}, nil
}

func (p *fakeProvider) Refund(_ context.Context, _ *models.TenantPaymentSettings, paymentIntentID string, _ int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refundErr != nil {
		return "", p.refundErr
	}
	p.refunds = append(p.refunds, paymentIntentID)
	return "re_" + paymentIntentID, nil
}

func (p *fakeProvider) ParseEvent(_ *models.TenantPaymentSettings, _ []byte, _ string) (*payment.Event, error) {
	return nil, errors.New("not supported by fake")
}

// harness wires every service over one memStore
type harness struct {
	tenant    uuid.UUID
	store     *memStore
	publisher *recordingPublisher
	provider  *fakeProvider
	ledger    *Ledger
	discounts *Discounts
	carts     *Carts
	checkout  *Checkout
	reaper    *Reaper
	ingestion *Ingestion
	orders    *Orders
}

func newHarness() *harness {
	h := &harness{
		tenant:    uuid.New(),
		store:     newMemStore(),
		publisher: &recordingPublisher{},
		provider:  &fakeProvider{},
	}
	h.store.settings[h.tenant] = &models.TenantPaymentSettings{
		TenantID:      h.tenant,
		SecretKey:     "sk_test_x",
		WebhookSecret: "whsec_x",
		SuccessURL:    "https://shop.example.com/ok",
		CancelURL:     "https://shop.example.com/cancel",
	}

	numbers, err := NewOrderNumbersWithNode(1)
	if err != nil {
		panic(err)
	}
	h.ledger = NewLedger(h.store, h.publisher, &memMarker{}, LedgerConfig{LowStockThreshold: 1, LowStockDebounce: time.Hour})
	h.discounts = NewDiscounts(h.store)
	h.carts = NewCarts(h.store, h.store, h.discounts, time.Hour, "usd")
	h.checkout = NewCheckout(h.store, h.ledger, h.discounts, h.store, h.provider, 2*time.Minute)
	h.reaper = NewReaper(h.store, h.ledger, h.discounts, ReaperConfig{AbandonGrace: 2 * time.Hour, Batch: 100})
	h.ingestion = NewIngestion(h.store, h.store, h.store, h.ledger, h.discounts, h.reaper, nil, h.publisher, h.provider, numbers)
	h.orders = NewOrders(h.store, h.ledger, h.store, h.provider, h.publisher)
	return h
}

// cartWith opens a cart holding qty units of each sku
func (h *harness) cartWith(ctx context.Context, email string, lines map[string]int) (*models.Cart, error) {
	req := &CreateCartRequest{}
	if email != "" {
		req.CustomerEmail = &email
	}
	cart, err := h.carts.Create(ctx, h.tenant, req)
	if err != nil {
		return nil, err
	}
	for sku, qty := range lines {
		if cart, err = h.carts.AddItem(ctx, h.tenant, cart.ID, &AddItemRequest{SKU: sku, Quantity: qty}); err != nil {
			return nil, err
		}
	}
	return cart, nil
}

func completedEvent(id, sessionID string) *payment.Event {
	return &payment.Event{
		ID:   id,
		Type: payment.EventCheckoutCompleted,
		Raw:  []byte(`{}`),
		Checkout: &payment.CheckoutDetails{
			SessionID:       sessionID,
			PaymentIntentID: "pi_" + id,
			CustomerEmail:   "buyer@example.com",
			CustomerName:    "Buyer",
		},
	}
}

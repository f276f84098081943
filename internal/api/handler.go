package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// TenantHeader carries the tenant resolved by the gateway
const TenantHeader = "X-Tenant-ID"

const tenantKey = "tenant_id"

// CartService manages carts before checkout
type CartService interface {
	Create(ctx context.Context, tenantID uuid.UUID, req *service.CreateCartRequest) (*models.Cart, error)
	Get(ctx context.Context, tenantID, cartID uuid.UUID) (*models.Cart, error)
	AddItem(ctx context.Context, tenantID, cartID uuid.UUID, req *service.AddItemRequest) (*models.Cart, error)
	ApplyDiscount(ctx context.Context, tenantID, cartID uuid.UUID, code string) (*models.Cart, error)
}

// CheckoutService runs the reservation sequence
type CheckoutService interface {
	Checkout(ctx context.Context, tenantID, cartID uuid.UUID) (*service.CheckoutResult, error)
}

// InventoryService exposes the ledger
type InventoryService interface {
	Get(ctx context.Context, tenantID uuid.UUID, sku string) (*models.Inventory, error)
	Log(ctx context.Context, tenantID uuid.UUID, sku string, limit int) ([]models.InventoryLogEntry, error)
	Adjust(ctx context.Context, tenantID uuid.UUID, sku string, delta int, reason, referenceID string) (*models.Inventory, error)
}

// DiscountService defines discounts
type DiscountService interface {
	Create(ctx context.Context, tenantID uuid.UUID, req *service.CreateDiscountRequest) (*models.Discount, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (*models.Discount, error)
}

// OrderService manages paid orders
type OrderService interface {
	Get(ctx context.Context, tenantID, orderID uuid.UUID) (*service.OrderView, error)
	UpdateStatus(ctx context.Context, tenantID, orderID uuid.UUID, to string) (*service.OrderView, error)
	Refund(ctx context.Context, tenantID, orderID uuid.UUID, req *service.RefundRequest) (*service.OrderView, error)
}

// WebhookService manages subscriptions and deliveries
type WebhookService interface {
	CreateSubscription(ctx context.Context, tenantID uuid.UUID, req *service.CreateSubscriptionRequest) (*service.SubscriptionCreated, error)
	ListSubscriptions(ctx context.Context, tenantID uuid.UUID) ([]models.WebhookSubscription, error)
	DeleteSubscription(ctx context.Context, tenantID, id uuid.UUID) error
	GetDelivery(ctx context.Context, tenantID, id uuid.UUID) (*models.WebhookDelivery, error)
	ListDeliveries(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.WebhookDelivery, error)
	RetryDelivery(ctx context.Context, tenantID, id uuid.UUID) (*models.WebhookDelivery, error)
}

// PaymentWebhookService verifies and ingests provider notifications
type PaymentWebhookService interface {
	HandleWebhook(ctx context.Context, tenantID uuid.UUID, payload []byte, signature string) error
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services groups everything the handler serves
type Services struct {
	Carts     CartService
	Checkout  CheckoutService
	Inventory InventoryService
	Discounts DiscountService
	Orders    OrderService
	Webhooks  WebhookService
	Payments  PaymentWebhookService
}

// Handler contains HTTP handlers
type Handler struct {
	svc    Services
	deps   map[string]Pinger
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler. deps are pinged by /ready.
func NewHandler(svc Services, deps map[string]Pinger) *Handler {
	return &Handler{
		svc:    svc,
		deps:   deps,
		logger: util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(apperr.ErrorMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.POST("/payments/webhook/:tenant_id", h.paymentWebhook)

	scoped := v1.Group("", tenantMiddleware())
	{
		scoped.POST("/carts", h.createCart)
		scoped.GET("/carts/:id", h.getCart)
		scoped.POST("/carts/:id/items", h.addCartItem)
		scoped.POST("/carts/:id/discount", h.applyDiscount)
		scoped.POST("/carts/:id/checkout", h.checkout)

		scoped.GET("/inventory/:sku", h.getInventory)
		scoped.GET("/inventory/:sku/log", h.getInventoryLog)
		scoped.POST("/inventory/:sku/adjust", h.adjustInventory)

		scoped.POST("/discounts", h.createDiscount)
		scoped.GET("/discounts/:id", h.getDiscount)

		scoped.GET("/orders/:id", h.getOrder)
		scoped.POST("/orders/:id/status", h.updateOrderStatus)
		scoped.POST("/orders/:id/refund", h.refundOrder)

		scoped.POST("/webhooks/subscriptions", h.createSubscription)
		scoped.GET("/webhooks/subscriptions", h.listSubscriptions)
		scoped.DELETE("/webhooks/subscriptions/:id", h.deleteSubscription)
		scoped.GET("/webhooks/deliveries", h.listDeliveries)
		scoped.GET("/webhooks/deliveries/:id", h.getDelivery)
		scoped.POST("/webhooks/deliveries/:id/retry", h.retryDelivery)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, label := http.StatusOK, "ready"
	if !ready {
		status, label = http.StatusServiceUnavailable, "not_ready"
	}
	c.JSON(status, gin.H{
		"status": label,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// tenantMiddleware resolves the tenant from the trusted gateway header
func tenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := uuid.Parse(c.GetHeader(TenantHeader))
		if err != nil {
			_ = c.Error(apperr.InvalidRequest("missing or invalid %s header", TenantHeader))
			c.Abort()
			return
		}
		c.Set(tenantKey, tenantID)
		c.Next()
	}
}

func tenant(c *gin.Context) uuid.UUID {
	return c.MustGet(tenantKey).(uuid.UUID)
}

// fail hands the error to the error middleware
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// bind decodes the JSON body, reporting binding failures as invalid requests
func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		fail(c, apperr.InvalidRequest("invalid request body: %v", err))
		return false
	}
	return true
}

// pathID parses a uuid path parameter
func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		fail(c, apperr.InvalidRequest("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return limit
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

package api

import (
	"io"
	"net/http"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// provider notifications are small; anything larger is not a real event
const maxPaymentPayload = 64 << 10

const stripeSignatureHeader = "Stripe-Signature"

// paymentWebhook ingests a payment provider notification. The tenant comes
// from the path since the provider cannot send gateway headers.
func (h *Handler) paymentWebhook(c *gin.Context) {
	tenantID, ok := pathID(c, "tenant_id")
	if !ok {
		return
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPaymentPayload))
	if err != nil {
		fail(c, apperr.InvalidRequest("unreadable body"))
		return
	}

	if err := h.svc.Payments.HandleWebhook(c.Request.Context(), tenantID, payload, c.GetHeader(stripeSignatureHeader)); err != nil {
		h.logger.Warn("Payment webhook rejected",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) createSubscription(c *gin.Context) {
	var req service.CreateSubscriptionRequest
	if !bind(c, &req) {
		return
	}
	sub, err := h.svc.Webhooks.CreateSubscription(c.Request.Context(), tenant(c), &req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *Handler) listSubscriptions(c *gin.Context) {
	subs, err := h.svc.Webhooks.ListSubscriptions(c.Request.Context(), tenant(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (h *Handler) deleteSubscription(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Webhooks.DeleteSubscription(c.Request.Context(), tenant(c), id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listDeliveries(c *gin.Context) {
	deliveries, err := h.svc.Webhooks.ListDeliveries(c.Request.Context(), tenant(c), queryLimit(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

func (h *Handler) getDelivery(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	delivery, err := h.svc.Webhooks.GetDelivery(c.Request.Context(), tenant(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, delivery)
}

// retryDelivery re-queues a delivery with a fresh attempt budget
func (h *Handler) retryDelivery(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	delivery, err := h.svc.Webhooks.RetryDelivery(c.Request.Context(), tenant(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, delivery)
}

package api

import (
	"net/http"

	"fulfillment-service/internal/service"

	"github.com/gin-gonic/gin"
)

// createCart handles cart creation
func (h *Handler) createCart(c *gin.Context) {
	var req service.CreateCartRequest
	if !bind(c, &req) {
		return
	}
	cart, err := h.svc.Carts.Create(c.Request.Context(), tenant(c), &req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, cart)
}

func (h *Handler) getCart(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	cart, err := h.svc.Carts.Get(c.Request.Context(), tenant(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) addCartItem(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.AddItemRequest
	if !bind(c, &req) {
		return
	}
	cart, err := h.svc.Carts.AddItem(c.Request.Context(), tenant(c), id, &req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

type applyDiscountRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *Handler) applyDiscount(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req applyDiscountRequest
	if !bind(c, &req) {
		return
	}
	cart, err := h.svc.Carts.ApplyDiscount(c.Request.Context(), tenant(c), id, req.Code)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

// checkout reserves stock and opens a provider session
func (h *Handler) checkout(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	res, err := h.svc.Checkout.Checkout(c.Request.Context(), tenant(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) getInventory(c *gin.Context) {
	inv, err := h.svc.Inventory.Get(c.Request.Context(), tenant(c), c.Param("sku"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (h *Handler) getInventoryLog(c *gin.Context) {
	entries, err := h.svc.Inventory.Log(c.Request.Context(), tenant(c), c.Param("sku"), queryLimit(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type adjustRequest struct {
	Delta       int    `json:"delta" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
	ReferenceID string `json:"reference_id,omitempty"`
}

// adjustInventory applies a manual stock correction
func (h *Handler) adjustInventory(c *gin.Context) {
	var req adjustRequest
	if !bind(c, &req) {
		return
	}
	inv, err := h.svc.Inventory.Adjust(c.Request.Context(), tenant(c), c.Param("sku"), req.Delta, req.Reason, req.ReferenceID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (h *Handler) createDiscount(c *gin.Context) {
	var req service.CreateDiscountRequest
	if !bind(c, &req) {
		return
	}
	discount, err := h.svc.Discounts.Create(c.Request.Context(), tenant(c), &req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, discount)
}

func (h *Handler) getDiscount(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	discount, err := h.svc.Discounts.Get(c.Request.Context(), tenant(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, discount)
}

// getOrder handles order retrieval
func (h *Handler) getOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	order, err := h.svc.Orders.Get(c.Request.Context(), tenant(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req statusRequest
	if !bind(c, &req) {
		return
	}
	order, err := h.svc.Orders.UpdateStatus(c.Request.Context(), tenant(c), id, req.Status)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) refundOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.RefundRequest
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	order, err := h.svc.Orders.Refund(c.Request.Context(), tenant(c), id, &req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

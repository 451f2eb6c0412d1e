package controllers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"go-marketpay/payment/checkout"
	"go-marketpay/payment/db"
	"go-marketpay/payment/order"
)

type createOrderRequest struct {
	ResourceID    int64   `json:"resource_id" binding:"required"`
	PaymentMethod *string `json:"payment_method"`
}

func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	o, err := h.Orders.CreateOrder(c.Request.Context(), caller(c).ID, req.ResourceID, req.PaymentMethod)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	o, err := h.Orders.GetOrder(c.Request.Context(), id, caller(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

type orderQuery struct {
	page
	Status  string `form:"status"`
	From    string `form:"from"`
	To      string `form:"to"`
	BuyerID *int64 `form:"buyer_id"`
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid time %q", s)
}

func (h *Handler) ListOrders(c *gin.Context) {
	var q orderQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	q.normalize()
	if q.Status != "" && !db.OrderStatus(q.Status).Valid() {
		badRequest(c, fmt.Errorf("invalid status %q", q.Status))
		return
	}
	from, err := parseTime(q.From)
	if err != nil {
		badRequest(c, err)
		return
	}
	to, err := parseTime(q.To)
	if err != nil {
		badRequest(c, err)
		return
	}

	orders, total, err := h.Orders.ListOrders(c.Request.Context(), caller(c), order.Filter{
		BuyerID: q.BuyerID,
		Status:  db.OrderStatus(q.Status),
		From:    from,
		To:      to,
		Page:    q.Page,
		Size:    q.Size,
	})
	if err != nil {
		fail(c, err)
		return
	}
	paged(c, orders, total, q.page)
}

func (h *Handler) CancelOrder(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	o, err := h.Checkout.CancelOrder(c.Request.Context(), id, caller(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) Pay(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req checkout.PayRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	p, err := h.Checkout.Pay(c.Request.Context(), id, caller(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Package controllers holds the gin handlers of the payment API.
package controllers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"go-marketpay/config"
	"go-marketpay/payment/checkout"
	"go-marketpay/payment/commission"
	"go-marketpay/payment/errs"
	"go-marketpay/payment/order"
	"go-marketpay/payment/payout"
	"go-marketpay/payment/provider"
	"go-marketpay/payment/settlement"
	"go-marketpay/payment/webhook"
	"go-marketpay/utils"
	"go-marketpay/web/middleware"
)

type Handler struct {
	Orders        *order.Manager
	Checkout      *checkout.Service
	Coordinator   *settlement.Coordinator
	Webhooks      *webhook.Intake
	Rules         *commission.Store
	PayoutConfigs *payout.ConfigStore
	Payouts       *payout.Dispatcher
	Config        *config.Cache
	Registry      *provider.Registry
	IDs           utils.IDGenerator
}

// Register mounts every route on r. limiter may be nil.
func (h *Handler) Register(r gin.IRouter, auth *middleware.Auth, limiter *middleware.RateLimiter) {
	api := r.Group("/")
	if limiter != nil {
		api.Use(limiter.Middleware())
	}

	// not rate limited
	r.POST("/webhooks/:provider", h.Webhook)

	user := api.Group("/", auth.RequireAuth)
	user.POST("/orders", h.CreateOrder)
	user.GET("/orders", h.ListOrders)
	user.GET("/orders/:id", h.GetOrder)
	user.POST("/orders/:id/cancel", h.CancelOrder)
	user.POST("/orders/:id/pay", h.Pay)
	user.GET("/payments/methods", h.Methods)
	user.GET("/payments/:ref/verify", h.Verify)
	user.GET("/commissions", h.ListCommissions)
	user.GET("/payout-configs", h.ListPayoutConfigs)
	user.POST("/payout-configs", h.SavePayoutConfig)

	admin := user.Group("/admin", auth.RequireAdmin)
	admin.POST("/orders/:id/refund", h.Refund)
	admin.POST("/settlements/:id/retry", h.RetrySettlement)
	admin.GET("/payouts", h.ListPayouts)
	admin.GET("/webhooks", h.ListWebhooks)
	admin.POST("/webhooks/:id/retry", h.RetryWebhook)
	admin.GET("/commission-rules", h.ListRules)
	admin.POST("/commission-rules", h.CreateRule)
	admin.POST("/commission-rules/:id/deactivate", h.DeactivateRule)
	admin.GET("/commissions", h.ListAllCommissions)
	admin.GET("/config", h.GetConfig)
	admin.PUT("/config/paypal", h.PutPayPalConfig)
	admin.PUT("/config/blockchain/:network", h.PutBlockchainConfig)
	admin.PUT("/config/methods/:method", h.PutMethodConfig)
}

// fail answers err with its mapped status and stable code.
func fail(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": errs.Code(err)})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": errs.Code(errs.ErrBadRequest)})
}

func caller(c *gin.Context) order.Caller {
	cl, _ := middleware.CallerFrom(c)
	return cl
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + name, "code": errs.Code(errs.ErrBadRequest)})
		return 0, false
	}
	return id, true
}

type page struct {
	Page int `form:"page"`
	Size int `form:"size"`
}

func (p *page) normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size < 1 || p.Size > 100 {
		p.Size = 20
	}
}

func paged(c *gin.Context, items any, total int64, p page) {
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total, "page": p.Page, "size": p.Size})
}

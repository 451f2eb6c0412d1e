package controllers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"go-marketpay/payment/payout"
	"go-marketpay/payment/webhook"
)

func (h *Handler) Verify(c *gin.Context) {
	res, err := h.Checkout.Verify(c.Request.Context(), c.Param("ref"), caller(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Methods(c *gin.Context) {
	methods, err := h.Checkout.Methods(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"methods": methods})
}

// signatureHeaders are checked in order for the delivery signature.
var signatureHeaders = []string{"X-Webhook-Signature", "X-Signature", "Paypal-Transmission-Sig"}

// Webhook records and processes a provider notification. Anything that was
// authenticated and logged is answered 200; the processing result is on the
// webhook log.
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		badRequest(c, err)
		return
	}
	var sig string
	for _, name := range signatureHeaders {
		if sig = c.GetHeader(name); sig != "" {
			break
		}
	}

	log, err := h.Webhooks.Receive(c.Request.Context(), webhook.Delivery{
		Source:    c.Param("provider"),
		Payload:   payload,
		Signature: sig,
		Headers:   c.Request.Header,
		IP:        c.ClientIP(),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": log.ID, "status": log.Status})
}

func (h *Handler) ListCommissions(c *gin.Context) {
	var p page
	if err := c.ShouldBindQuery(&p); err != nil {
		badRequest(c, err)
		return
	}
	p.normalize()
	payee := caller(c).ID
	records, total, err := h.Rules.ListRecords(c.Request.Context(), &payee, p.Page, p.Size)
	if err != nil {
		fail(c, err)
		return
	}
	paged(c, records, total, p)
}

func (h *Handler) ListPayoutConfigs(c *gin.Context) {
	configs, err := h.PayoutConfigs.List(c.Request.Context(), caller(c).ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": configs})
}

func (h *Handler) SavePayoutConfig(c *gin.Context) {
	var req payout.NewConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cfg, err := h.PayoutConfigs.Save(c.Request.Context(), caller(c).ID, req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

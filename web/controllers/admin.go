package controllers

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"go-marketpay/payment/commission"
	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
	"go-marketpay/payment/provider"
	"go-marketpay/payment/webhook"
)

func (h *Handler) Refund(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	res, err := h.Checkout.Refund(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) RetrySettlement(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	out, err := h.Coordinator.RetrySettlement(c.Request.Context(), id)
	if errors.Is(err, errs.ErrSettlementPending) {
		c.JSON(http.StatusAccepted, gin.H{"outcome": out, "error": err.Error(), "code": errs.Code(err)})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) ListPayouts(c *gin.Context) {
	var orderID int64
	if s := c.Query("order_id"); s != "" {
		var err error
		if orderID, err = strconv.ParseInt(s, 10, 64); err != nil {
			badRequest(c, fmt.Errorf("invalid order_id %q", s))
			return
		}
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	intents, err := h.Payouts.List(c.Request.Context(), orderID, c.Query("status"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": intents})
}

type webhookQuery struct {
	page
	Type   string `form:"type"`
	Source string `form:"source"`
	Status string `form:"status"`
}

func (h *Handler) ListWebhooks(c *gin.Context) {
	var q webhookQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	q.normalize()
	logs, total, err := h.Webhooks.List(c.Request.Context(), webhook.Filter{
		Type:   q.Type,
		Source: q.Source,
		Status: q.Status,
		Page:   q.Page,
		Size:   q.Size,
	})
	if err != nil {
		fail(c, err)
		return
	}
	paged(c, logs, total, q.page)
}

func (h *Handler) RetryWebhook(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	log, err := h.Webhooks.Retry(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, log)
}

func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.Rules.ListRules(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (h *Handler) CreateRule(c *gin.Context) {
	var req commission.NewRule
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.Rules.CreateRule(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *Handler) DeactivateRule(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.Rules.Deactivate(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListAllCommissions(c *gin.Context) {
	var q struct {
		page
		PayeeID *int64 `form:"payee_id"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	q.normalize()
	records, total, err := h.Rules.ListRecords(c.Request.Context(), q.PayeeID, q.Page, q.Size)
	if err != nil {
		fail(c, err)
		return
	}
	paged(c, records, total, q.page)
}

const masked = "****"

// mask hides all but the last four characters of a secret.
func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return masked
	}
	return masked + s[len(s)-4:]
}

// keep reports whether an incoming secret means "leave unchanged".
func keep(s string) bool {
	return s == "" || strings.HasPrefix(s, masked)
}

func (h *Handler) GetConfig(c *gin.Context) {
	ctx := c.Request.Context()
	out := gin.H{}

	pp, err := h.Config.PayPal(ctx)
	switch {
	case err == nil:
		pp.ClientSecret = mask(pp.ClientSecret)
		pp.WebhookSecret = mask(pp.WebhookSecret)
		out["paypal"] = pp
	case !errors.Is(err, errs.ErrConfigMissing):
		fail(c, err)
		return
	}

	chains := gin.H{}
	for _, network := range db.Networks {
		cfg, err := h.Config.Blockchain(ctx, network)
		if errors.Is(err, errs.ErrConfigMissing) {
			continue
		}
		if err != nil {
			fail(c, err)
			return
		}
		cfg.APIKey = mask(cfg.APIKey)
		cfg.WebhookSecret = mask(cfg.WebhookSecret)
		chains[network] = cfg
	}
	out["blockchain"] = chains

	methods, err := h.Config.Methods(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	out["methods"] = methods
	c.JSON(http.StatusOK, out)
}

// reload makes the providers pick up a configuration write.
func (h *Handler) reload(c *gin.Context) bool {
	if err := h.Registry.Reload(c.Request.Context()); err != nil {
		fail(c, err)
		return false
	}
	return true
}

func (h *Handler) PutPayPalConfig(c *gin.Context) {
	var req db.PayPalConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.ClientID == "" {
		badRequest(c, errors.New("client_id is required"))
		return
	}
	if req.MaxAmount.IsPositive() && req.MaxAmount.LessThan(req.MinAmount) {
		badRequest(c, errors.New("max_amount is below min_amount"))
		return
	}

	ctx := c.Request.Context()
	cur, err := h.Config.PayPal(ctx)
	if err != nil && !errors.Is(err, errs.ErrConfigMissing) {
		fail(c, err)
		return
	}
	req.ID, req.CreatedAt = cur.ID, cur.CreatedAt
	if req.ID == 0 {
		req.ID = h.IDs.NextID()
	}
	if req.BaseURL == "" {
		req.BaseURL = cur.BaseURL
	}
	if keep(req.ClientSecret) {
		req.ClientSecret = cur.ClientSecret
	}
	if keep(req.WebhookSecret) {
		req.WebhookSecret = cur.WebhookSecret
	}

	if err := h.Config.SavePayPal(ctx, &req); err != nil {
		fail(c, err)
		return
	}
	if !h.reload(c) {
		return
	}
	req.ClientSecret = mask(req.ClientSecret)
	req.WebhookSecret = mask(req.WebhookSecret)
	c.JSON(http.StatusOK, req)
}

// active reads an optional "active" flag; leaving it out means true.
func active(p *bool) bool { return p == nil || *p }

func (h *Handler) PutBlockchainConfig(c *gin.Context) {
	network := c.Param("network")
	if !slices.Contains(db.Networks, network) {
		fail(c, fmt.Errorf("network %q: %w", network, errs.ErrNotFound))
		return
	}
	var body struct {
		db.BlockchainConfig
		Active *bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	req := body.BlockchainConfig
	req.Network, req.Active = network, active(body.Active)
	if req.MinConfirmations < 0 {
		badRequest(c, errors.New("min_confirmations must not be negative"))
		return
	}
	if req.MaxAmount.IsPositive() && req.MaxAmount.LessThan(req.MinAmount) {
		badRequest(c, errors.New("max_amount is below min_amount"))
		return
	}
	for _, addr := range req.WalletAddresses {
		if err := provider.ValidateAddress(network, addr); err != nil {
			badRequest(c, err)
			return
		}
	}

	ctx := c.Request.Context()
	cur, err := h.Config.Blockchain(ctx, network)
	if err != nil && !errors.Is(err, errs.ErrConfigMissing) {
		fail(c, err)
		return
	}
	req.ID = cur.ID
	if req.ID == 0 {
		req.ID = h.IDs.NextID()
	}
	if keep(req.APIKey) {
		req.APIKey = cur.APIKey
	}
	if keep(req.WebhookSecret) {
		req.WebhookSecret = cur.WebhookSecret
	}

	if err := h.Config.SaveBlockchain(ctx, &req); err != nil {
		fail(c, err)
		return
	}
	if !h.reload(c) {
		return
	}
	req.APIKey = mask(req.APIKey)
	req.WebhookSecret = mask(req.WebhookSecret)
	c.JSON(http.StatusOK, req)
}

func (h *Handler) PutMethodConfig(c *gin.Context) {
	var body struct {
		db.PaymentMethodConfig
		Active *bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	req := body.PaymentMethodConfig
	req.MethodID, req.Active = c.Param("method"), active(body.Active)
	switch req.Provider {
	case db.ProviderNamePayPal:
		req.Network = ""
	case db.ProviderNameBlockchain:
		if !slices.Contains(db.Networks, req.Network) {
			badRequest(c, fmt.Errorf("network %q", req.Network))
			return
		}
	default:
		badRequest(c, fmt.Errorf("provider %q", req.Provider))
		return
	}
	req.ID = h.IDs.NextID()

	if err := h.Config.SaveMethod(c.Request.Context(), &req); err != nil {
		fail(c, err)
		return
	}
	if !h.reload(c) {
		return
	}
	c.JSON(http.StatusOK, req)
}

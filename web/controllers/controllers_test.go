package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"go-marketpay/config"
	"go-marketpay/payment/checkout"
	"go-marketpay/payment/commission"
	"go-marketpay/payment/db"
	"go-marketpay/payment/db/dbtest"
	"go-marketpay/payment/ledger"
	"go-marketpay/payment/order"
	"go-marketpay/payment/payout"
	"go-marketpay/payment/provider"
	"go-marketpay/payment/settlement"
	"go-marketpay/payment/webhook"
	"go-marketpay/utils"
	"go-marketpay/web/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	buyer         = int64(7)
	stranger      = int64(8)
	admin         = int64(1)
	resource      = int64(100)
	webhookSecret = "whsec-paypal-1234"
	tronWallet    = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
)

// paypalRail completes every payment it is asked about.
type paypalRail struct{}

func (paypalRail) Name() string { return db.ProviderNamePayPal }

func (paypalRail) StartPayment(_ context.Context, r provider.StartRequest) (provider.StartResult, error) {
	ref := fmt.Sprintf("PP-%d", r.TransactionID)
	return provider.StartResult{PaymentRef: ref, RedirectURL: "https://paypal.test/approve/" + ref, Status: db.TxPending}, nil
}

func (paypalRail) VerifyPayment(_ context.Context, ref string) (provider.Verification, error) {
	return provider.Verification{Status: db.TxCompleted, ExternalRef: "CAP-" + ref}, nil
}

func (paypalRail) Refund(_ context.Context, ref string, _ decimal.Decimal) (string, error) {
	return "RF-" + ref, nil
}

type server struct {
	db     *gorm.DB
	router *gin.Engine
	auth   *middleware.Auth
}

func newServer(t *testing.T) *server {
	ctx := context.Background()
	gdb := dbtest.Open(t)
	ids, err := utils.NewIDGenerator(5)
	require.NoError(t, err)

	require.NoError(t, config.Seed(ctx, gdb, config.Config{PayPal: config.PayPalEnv{
		ClientID:        "client",
		ClientSecret:    "client-secret-abcd",
		WebhookSecret:   webhookSecret,
		PlatformAccount: "platform@example.com",
	}}, ids))
	require.NoError(t, gdb.Create(&db.Resource{ID: resource, Price: decimal.NewFromInt(25), ProviderType: db.ProviderPlatform}).Error)

	cache := config.NewCache(gdb)
	registry := provider.NewRegistry(cache, map[string]provider.Provider{
		provider.Key(db.ProviderNamePayPal, ""): paypalRail{},
	})
	require.NoError(t, registry.Reload(ctx))

	resources := order.GormResources{DB: gdb}
	orders := order.NewManager(gdb, ids, resources, order.DefaultTTL, "USD")
	l := ledger.New(gdb, ids)
	rules := commission.NewStore(gdb, ids)
	payoutConfigs := payout.NewConfigStore(gdb, ids)
	coord := settlement.New(settlement.Deps{
		DB:         gdb,
		IDs:        ids,
		Orders:     orders,
		Ledger:     l,
		Resources:  resources,
		Calculator: commission.NewCalculator(rules),
		Payouts:    payoutConfigs,
		Accounts:   cache,
		OnTerminal: registry.Release,
	})

	h := &Handler{
		Orders:        orders,
		Checkout:      checkout.New(orders, l, registry, coord, cache),
		Coordinator:   coord,
		Webhooks:      webhook.New(gdb, ids, cache, cache, l, coord),
		Rules:         rules,
		PayoutConfigs: payoutConfigs,
		Payouts:       payout.NewDispatcher(gdb, payout.LogPublisher{}),
		Config:        cache,
		Registry:      registry,
		IDs:           ids,
	}
	s := &server{db: gdb, router: gin.New(), auth: middleware.NewAuth("test-secret")}
	h.Register(s.router, s.auth, nil)
	return s
}

func (s *server) token(t *testing.T, id int64) string {
	tok, err := s.auth.Issue(order.Caller{ID: id, Admin: id == admin}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *server) do(t *testing.T, method, path string, as int64, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != 0 {
		req.Header.Set("Authorization", "Bearer "+s.token(t, as))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *server) createOrder(t *testing.T) db.Order {
	w := s.do(t, http.MethodPost, "/orders", buyer, gin.H{"resource_id": resource})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[db.Order](t, w)
}

func (s *server) pay(t *testing.T, orderID int64) checkout.Payment {
	w := s.do(t, http.MethodPost, fmt.Sprintf("/orders/%d/pay", orderID), buyer, gin.H{"payment_method": db.MethodPayPal})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[checkout.Payment](t, w)
}

func TestRequiresToken(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/orders", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOrderLifecycle(t *testing.T) {
	s := newServer(t)
	o := s.createOrder(t)
	assert.Equal(t, db.OrderPending, o.Status)
	assert.True(t, decimal.NewFromInt(25).Equal(o.Amount))

	w := s.do(t, http.MethodGet, fmt.Sprintf("/orders/%d", o.ID), buyer, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, fmt.Sprintf("/orders/%d", o.ID), stranger, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", decode[gin.H](t, w)["code"])

	w = s.do(t, http.MethodGet, "/orders?status=pending", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Items []db.Order `json:"items"`
		Total int64      `json:"total"`
	}](t, w)
	assert.Equal(t, int64(1), list.Total)

	w = s.do(t, http.MethodGet, "/orders?status=bogus", buyer, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, fmt.Sprintf("/orders/%d/cancel", o.ID), buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, db.OrderCancelled, decode[db.Order](t, w).Status)

	w = s.do(t, http.MethodPost, fmt.Sprintf("/orders/%d/cancel", o.ID), buyer, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateOrderValidation(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodPost, "/orders", buyer, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/orders", buyer, gin.H{"resource_id": 999})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/orders/abc", buyer, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPayAndVerify(t *testing.T) {
	s := newServer(t)
	o := s.createOrder(t)
	p := s.pay(t, o.ID)
	assert.Equal(t, "https://paypal.test/approve/"+p.PaymentRef, p.PaymentURL)

	w := s.do(t, http.MethodGet, "/payments/"+p.PaymentRef+"/verify", stranger, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/payments/"+p.PaymentRef+"/verify", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[checkout.VerifyResult](t, w)
	assert.Equal(t, db.TxCompleted, res.TxStatus)
	assert.Equal(t, db.OrderCompleted, res.OrderStatus)
}

func TestPaymentMethods(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/payments/methods", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		Methods []checkout.MethodInfo `json:"methods"`
	}](t, w)
	require.Len(t, got.Methods, 1)
	assert.Equal(t, db.MethodPayPal, got.Methods[0].MethodID)
	assert.True(t, decimal.RequireFromString("0.01").Equal(got.Methods[0].MinAmount))
}

func (s *server) webhook(t *testing.T, payload []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paypal", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", sig)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestWebhookSettlesOrder(t *testing.T) {
	s := newServer(t)
	o := s.createOrder(t)
	p := s.pay(t, o.ID)

	payload := []byte(fmt.Sprintf(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource_type":"capture",
		"resource":{"id":"CAP-1","status":"COMPLETED","supplementary_data":{"related_ids":{"order_id":%q}}}}`, p.PaymentRef))

	w := s.webhook(t, payload, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.webhook(t, payload, webhook.Sign(webhookSecret, payload))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, db.WebhookSuccess, decode[gin.H](t, w)["status"])

	// redelivery is acknowledged and changes nothing
	w = s.webhook(t, payload, webhook.Sign(webhookSecret, payload))
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, fmt.Sprintf("/orders/%d", o.ID), buyer, nil)
	assert.Equal(t, db.OrderCompleted, decode[db.Order](t, w).Status)

	var records int64
	require.NoError(t, s.db.Model(&db.SettlementRecord{}).Where("order_id = ?", o.ID).Count(&records).Error)
	assert.Equal(t, int64(1), records)

	w = s.do(t, http.MethodGet, "/admin/webhooks?status=rejected", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[gin.H](t, w)["total"])
}

func TestUnknownWebhookSource(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRoutesNeedAdmin(t *testing.T) {
	s := newServer(t)
	for _, path := range []string{"/admin/config", "/admin/webhooks", "/admin/commission-rules", "/admin/payouts"} {
		w := s.do(t, http.MethodGet, path, buyer, nil)
		assert.Equal(t, http.StatusForbidden, w.Code, path)
	}
}

func TestAdminRefund(t *testing.T) {
	s := newServer(t)
	o := s.createOrder(t)
	p := s.pay(t, o.ID)
	w := s.do(t, http.MethodGet, "/payments/"+p.PaymentRef+"/verify", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, fmt.Sprintf("/admin/orders/%d/refund", o.ID), admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[checkout.RefundResult](t, w)
	assert.Equal(t, "RF-"+p.PaymentRef, res.RefundRef)
	assert.Equal(t, db.OrderRefunded, res.OrderStatus)

	w = s.do(t, http.MethodPost, fmt.Sprintf("/admin/orders/%d/refund", o.ID), admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestConfigMasksSecrets(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/admin/config", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		PayPal db.PayPalConfig `json:"paypal"`
	}](t, w)
	assert.Equal(t, "client", got.PayPal.ClientID)
	assert.Equal(t, "****abcd", got.PayPal.ClientSecret)
	assert.Equal(t, "****1234", got.PayPal.WebhookSecret)

	// a masked secret sent back leaves the stored one alone
	w = s.do(t, http.MethodPut, "/admin/config/paypal", admin, gin.H{
		"client_id":      "client-2",
		"client_secret":  "****abcd",
		"webhook_secret": "",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var stored db.PayPalConfig
	require.NoError(t, s.db.Where("active = ?", true).First(&stored).Error)
	assert.Equal(t, "client-2", stored.ClientID)
	assert.Equal(t, "client-secret-abcd", stored.ClientSecret)
	assert.Equal(t, webhookSecret, stored.WebhookSecret)
}

func TestPutBlockchainConfig(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodPut, "/admin/config/blockchain/tron", admin, gin.H{"wallet_addresses": []string{"nope"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, "/admin/config/blockchain/solana", admin, gin.H{})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPut, "/admin/config/blockchain/tron", admin, gin.H{
		"wallet_addresses":  []string{tronWallet},
		"min_confirmations": 19,
		"min_amount":        "1",
		"webhook_secret":    "chain-secret",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var cfg db.BlockchainConfig
	require.NoError(t, s.db.Where("network = ?", db.NetworkTron).First(&cfg).Error)
	assert.True(t, cfg.Active)
	assert.Equal(t, []string{tronWallet}, cfg.WalletAddresses)

	// the tron method is listed once its rail is configured, but has no provider here
	w = s.do(t, http.MethodGet, "/payments/methods", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[struct {
		Methods []checkout.MethodInfo `json:"methods"`
	}](t, w).Methods, 1)
}

func TestCommissionRules(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodPost, "/admin/commission-rules", admin, gin.H{"name": "default", "type": db.RulePercentage, "rate": "0.1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rule := decode[db.CommissionRule](t, w)

	w = s.do(t, http.MethodPost, "/admin/commission-rules", admin, gin.H{"type": "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, fmt.Sprintf("/admin/commission-rules/%d/deactivate", rule.ID), admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/admin/commission-rules", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rules := decode[struct {
		Rules []db.CommissionRule `json:"rules"`
	}](t, w).Rules
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Active)
}

func TestPayoutConfigs(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodPost, "/payout-configs", buyer, gin.H{"method": db.MethodUSDTTron, "destination": "not-an-address"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/payout-configs", buyer, gin.H{"method": db.MethodUSDTTron, "destination": tronWallet})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/payout-configs", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[struct {
		Configs []db.UserPayoutConfig `json:"configs"`
	}](t, w).Configs, 1)

	w = s.do(t, http.MethodGet, "/payout-configs", stranger, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[struct {
		Configs []db.UserPayoutConfig `json:"configs"`
	}](t, w).Configs)
}

func TestRetrySettlementOfPendingOrder(t *testing.T) {
	s := newServer(t)
	o := s.createOrder(t)
	w := s.do(t, http.MethodPost, fmt.Sprintf("/admin/settlements/%d/retry", o.ID), admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
)

// tokens are refreshed this long before PayPal says they expire
const tokenSkew = time.Minute

// PayPal is the hosted-checkout adapter over the PayPal Orders v2 API.
type PayPal struct {
	settings PayPalSettings
	api      apiClient
	now      func() time.Time

	mu       sync.Mutex
	token    string
	tokenFor string // client id the token was issued to
	expires  time.Time
}

func NewPayPal(settings PayPalSettings, client *http.Client) *PayPal {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &PayPal{
		settings: settings,
		api:      apiClient{http: client, limiter: rate.NewLimiter(rate.Limit(20), 5)},
		now:      time.Now,
	}
}

func (p *PayPal) Name() string { return db.ProviderNamePayPal }

type paypalLink struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalCapture struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Amount paypalAmount `json:"amount"`
}

type paypalOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		ReferenceID string `json:"reference_id"`
		Payments    struct {
			Captures []paypalCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
	Links []paypalLink `json:"links"`
}

func (o paypalOrder) capture() (paypalCapture, bool) {
	for _, pu := range o.PurchaseUnits {
		if len(pu.Payments.Captures) > 0 {
			return pu.Payments.Captures[0], true
		}
	}
	return paypalCapture{}, false
}

func (p *PayPal) accessToken(ctx context.Context, cfg db.PayPalConfig) (string, error) {
	p.mu.Lock()
	if p.token != "" && p.tokenFor == cfg.ClientID && p.now().Before(p.expires.Add(-tokenSkew)) {
		token := p.token
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(cfg.ClientID, cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if _, err := p.api.do(req, &out); err != nil {
		return "", fmt.Errorf("paypal token: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("paypal token: empty access_token: %w", errs.ErrExternalProvider)
	}

	p.mu.Lock()
	p.token = out.AccessToken
	p.tokenFor = cfg.ClientID
	p.expires = p.now().Add(time.Duration(out.ExpiresIn) * time.Second)
	p.mu.Unlock()
	return out.AccessToken, nil
}

func (p *PayPal) call(ctx context.Context, method, path string, body any, requestID string, out any) ([]byte, error) {
	cfg, err := p.settings.PayPal(ctx)
	if err != nil {
		return nil, err
	}
	token, err := p.accessToken(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}
	return p.api.do(req, out)
}

func (p *PayPal) StartPayment(ctx context.Context, r StartRequest) (StartResult, error) {
	cfg, err := p.settings.PayPal(ctx)
	if err != nil {
		return StartResult{}, err
	}
	returnURL, cancelURL := r.ReturnURL, r.CancelURL
	if returnURL == "" {
		returnURL = cfg.ReturnURL
	}
	if cancelURL == "" {
		cancelURL = cfg.CancelURL
	}

	orderID := strconv.FormatInt(r.OrderID, 10)
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": orderID,
			"custom_id":    orderID,
			"amount": paypalAmount{
				CurrencyCode: r.Currency,
				Value:        r.Amount.StringFixed(2),
			},
		}},
		"application_context": map[string]any{
			"brand_name":          cfg.BrandName,
			"return_url":          returnURL,
			"cancel_url":          cancelURL,
			"user_action":         "PAY_NOW",
			"shipping_preference": "NO_SHIPPING",
		},
	}

	var out paypalOrder
	raw, err := p.call(ctx, http.MethodPost, "/v2/checkout/orders", body, uuid.NewString(), &out)
	if err != nil {
		return StartResult{}, fmt.Errorf("paypal create order: %w", err)
	}

	var approve string
	for _, l := range out.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			approve = l.Href
			break
		}
	}
	if out.ID == "" || approve == "" {
		return StartResult{}, fmt.Errorf("paypal create order: no approve link: %w", errs.ErrExternalProvider)
	}

	return StartResult{
		PaymentRef:  out.ID,
		RedirectURL: approve,
		Status:      db.TxPending,
		Raw:         string(raw),
	}, nil
}

func (p *PayPal) VerifyPayment(ctx context.Context, paymentRef string) (Verification, error) {
	var out paypalOrder
	raw, err := p.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(paymentRef), nil, "", &out)
	if err != nil {
		return Verification{}, fmt.Errorf("paypal get order %s: %w", paymentRef, err)
	}
	v := verification(out)
	v.Raw = string(raw)
	return v, nil
}

// Capture moves an approved order's funds. A repeated capture of the same
// order is answered from the order's current state.
func (p *PayPal) Capture(ctx context.Context, paymentRef string) (Verification, error) {
	var out paypalOrder
	raw, err := p.call(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(paymentRef)+"/capture",
		struct{}{}, "capture-"+paymentRef, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnprocessableEntity {
		return p.VerifyPayment(ctx, paymentRef)
	}
	if err != nil {
		return Verification{}, fmt.Errorf("paypal capture %s: %w", paymentRef, err)
	}
	v := verification(out)
	v.Raw = string(raw)
	return v, nil
}

func (p *PayPal) Refund(ctx context.Context, paymentRef string, amount decimal.Decimal) (string, error) {
	var order paypalOrder
	if _, err := p.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(paymentRef), nil, "", &order); err != nil {
		return "", fmt.Errorf("paypal get order %s: %w", paymentRef, err)
	}
	capture, ok := order.capture()
	if !ok {
		return "", fmt.Errorf("paypal order %s has no capture: %w", paymentRef, errs.ErrInvalidState)
	}

	body := map[string]any{
		"amount": paypalAmount{CurrencyCode: capture.Amount.CurrencyCode, Value: amount.StringFixed(2)},
	}
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if _, err := p.call(ctx, http.MethodPost, "/v2/payments/captures/"+url.PathEscape(capture.ID)+"/refund",
		body, "refund-"+capture.ID, &out); err != nil {
		return "", fmt.Errorf("paypal refund %s: %w", capture.ID, err)
	}
	return out.ID, nil
}

func verification(o paypalOrder) Verification {
	v := Verification{Status: db.TxPending}
	switch o.Status {
	case "APPROVED":
		v.Status = db.TxProcessing
	case "VOIDED":
		v.Status = db.TxFailed
	case "COMPLETED":
		c, ok := o.capture()
		if !ok {
			v.Status = db.TxProcessing
			break
		}
		v.ExternalRef = c.ID
		if amt, err := decimal.NewFromString(c.Amount.Value); err == nil {
			v.ConfirmedAmount = decimal.NewNullDecimal(amt)
		}
		v.Status = captureStatus(c.Status)
	}
	return v
}

func captureStatus(s string) db.TxStatus {
	switch s {
	case "COMPLETED":
		return db.TxCompleted
	case "DECLINED", "FAILED":
		return db.TxFailed
	case "REFUNDED", "PARTIALLY_REFUNDED":
		return db.TxRefunded
	}
	return db.TxProcessing
}

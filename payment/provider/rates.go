package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"go-marketpay/payment/errs"
)

const DefaultRatesURL = "https://open.er-api.com/v6/latest/USD"

// pegged currencies are worth one USD without asking the rate API
var pegged = map[string]bool{"": true, "USD": true, "USDT": true}

// Rates converts order amounts into USD (and so USDT) using the Open ER API,
// caching the table for ttl. A stale table is used when a refresh fails.
type Rates struct {
	url string
	ttl time.Duration
	api apiClient
	now func() time.Time

	mu      sync.Mutex
	usd     map[string]decimal.Decimal // USD value of one unit
	fetched time.Time
}

func NewRates(url string, ttl time.Duration, client *http.Client) *Rates {
	if url == "" {
		url = DefaultRatesURL
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Rates{
		url: url,
		ttl: ttl,
		api: apiClient{http: client, limiter: rate.NewLimiter(rate.Limit(1), 2)},
		now: time.Now,
	}
}

type erResponse struct {
	Result string                     `json:"result"`
	Rates  map[string]decimal.Decimal `json:"rates"`
}

func (r *Rates) fetch(ctx context.Context) (map[string]decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, err
	}
	var body erResponse
	if _, err := r.api.do(req, &body); err != nil {
		return nil, err
	}
	if len(body.Rates) == 0 {
		return nil, fmt.Errorf("rates %s: %w", body.Result, errs.ErrExternalProvider)
	}

	// 1 USD = v target, so 1 target = 1/v USD
	usd := make(map[string]decimal.Decimal, len(body.Rates))
	for k, v := range body.Rates {
		if v.IsPositive() {
			usd[k] = decimal.NewFromInt(1).DivRound(v, 12)
		}
	}
	return usd, nil
}

func (r *Rates) table(ctx context.Context) (map[string]decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.usd != nil && r.now().Sub(r.fetched) < r.ttl {
		return r.usd, nil
	}
	usd, err := r.fetch(ctx)
	if err != nil {
		if r.usd != nil {
			return r.usd, nil
		}
		return nil, err
	}
	r.usd, r.fetched = usd, r.now()
	return usd, nil
}

// ToUSD converts amount in currency to USD, rounded to USDT precision.
func (r *Rates) ToUSD(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	currency = strings.ToUpper(currency)
	if pegged[currency] {
		return amount, nil
	}
	usd, err := r.table(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	v, ok := usd[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("currency %s: %w", currency, errs.ErrUnsupported)
	}
	return amount.Mul(v).RoundUp(usdtDecimals), nil
}

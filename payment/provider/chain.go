package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
)

const (
	// USDT uses 6 decimals on both TRON and Ethereum; reservations are
	// counted in these micro units.
	usdtDecimals  = 6
	tronBlockTime = 3 * time.Second
	// transfers older than the payment start minus this are never matched
	clockSkew = 2 * time.Minute
)

// Chain is the on-chain USDT adapter for one network. Receiving addresses
// are handed out round-robin; concurrent payments of the same value on the
// same address get distinct amounts (value + n micro units) so a transfer
// can be matched to exactly one payment.
type Chain struct {
	network  string
	settings ChainSettings
	rates    Converter
	spent    SpentRefs
	api      apiClient
	now      func() time.Time

	next atomic.Uint64

	mu       sync.Mutex
	reserved map[string]*IntervalSet
}

func NewChain(network string, settings ChainSettings, client *http.Client) *Chain {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Chain{
		network:  network,
		settings: settings,
		api:      apiClient{http: client, limiter: rate.NewLimiter(rate.Limit(5), 5)},
		now:      time.Now,
		reserved: make(map[string]*IntervalSet),
	}
}

// WithRates makes c accept orders priced in currencies other than USD.
func (c *Chain) WithRates(rates Converter) *Chain {
	c.rates = rates
	return c
}

// SpentRefs looks up the transaction that already recorded an on-chain
// transaction hash as its external reference.
type SpentRefs interface {
	GetByExternalRef(ctx context.Context, externalRef string) (db.PaymentTransaction, error)
}

// WithSpent makes c skip transfers another payment has already claimed.
func (c *Chain) WithSpent(spent SpentRefs) *Chain {
	c.spent = spent
	return c
}

func (c *Chain) Name() string    { return db.ProviderNameBlockchain }
func (c *Chain) Network() string { return c.network }

type chainRef struct {
	network string
	address string
	amount  decimal.Decimal
	txID    int64
	start   time.Time
}

func (r chainRef) String() string {
	return fmt.Sprintf("%s:%s:%s:%d:%d", r.network, r.address, r.amount.String(), r.txID, r.start.Unix())
}

func parseChainRef(s string) (chainRef, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 {
		return chainRef{}, fmt.Errorf("payment ref %q: %w", s, errs.ErrNotFound)
	}
	amount, err := decimal.NewFromString(parts[2])
	if err != nil {
		return chainRef{}, fmt.Errorf("payment ref %q: %w", s, errs.ErrNotFound)
	}
	txID, err1 := strconv.ParseInt(parts[3], 10, 64)
	start, err2 := strconv.ParseInt(parts[4], 10, 64)
	if err1 != nil || err2 != nil {
		return chainRef{}, fmt.Errorf("payment ref %q: %w", s, errs.ErrNotFound)
	}
	return chainRef{network: parts[0], address: parts[1], amount: amount, txID: txID, start: time.Unix(start, 0)}, nil
}

func toMicro(d decimal.Decimal) int64 { return d.Shift(usdtDecimals).IntPart() }

func fromMicro(n int64) decimal.Decimal { return decimal.New(n, -usdtDecimals) }

// reserve returns the smallest free amount >= amount on address.
func (c *Chain) reserve(address string, amount decimal.Decimal) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.reserved[address]
	if !ok {
		set = NewIntervalSet()
		c.reserved[address] = set
	}
	n := set.NextMissing(toMicro(amount))
	set.Add(n)
	return fromMicro(n)
}

func (c *Chain) Restore(tx db.PaymentTransaction) {
	if tx.PayAddress == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.reserved[tx.PayAddress]
	if !ok {
		set = NewIntervalSet()
		c.reserved[tx.PayAddress] = set
	}
	set.Add(toMicro(tx.PayAmount))
}

func (c *Chain) Release(tx db.PaymentTransaction) {
	if tx.PayAddress == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.reserved[tx.PayAddress]; ok {
		set.Remove(toMicro(tx.PayAmount))
	}
}

func (c *Chain) StartPayment(ctx context.Context, r StartRequest) (StartResult, error) {
	cfg, err := c.settings.Blockchain(ctx, c.network)
	if err != nil {
		return StartResult{}, err
	}
	if len(cfg.WalletAddresses) == 0 {
		return StartResult{}, fmt.Errorf("%s: no receiving addresses: %w", c.network, errs.ErrConfigMissing)
	}
	if !r.Amount.IsPositive() {
		return StartResult{}, fmt.Errorf("amount %s: %w", r.Amount, errs.ErrBadRequest)
	}
	amount := r.Amount
	if !pegged[strings.ToUpper(r.Currency)] {
		if c.rates == nil {
			return StartResult{}, fmt.Errorf("%s: pay %s in USDT: %w", c.network, r.Currency, errs.ErrUnsupported)
		}
		if amount, err = c.rates.ToUSD(ctx, r.Amount, r.Currency); err != nil {
			return StartResult{}, err
		}
	}

	i := (c.next.Add(1) - 1) % uint64(len(cfg.WalletAddresses))
	address := NormalizeAddress(c.network, cfg.WalletAddresses[i])
	payAmount := c.reserve(address, amount)

	ref := chainRef{network: c.network, address: address, amount: payAmount, txID: r.TransactionID, start: c.now()}
	uri := PaymentURI(c.network, address, payAmount)
	qr, err := QRCode(uri)
	if err != nil {
		c.Release(db.PaymentTransaction{PayAddress: address, PayAmount: payAmount})
		return StartResult{}, err
	}

	return StartResult{
		PaymentRef: ref.String(),
		QRCode:     qr,
		PayAddress: address,
		PayAmount:  payAmount,
		Status:     db.TxPending,
		Raw:        uri,
	}, nil
}

type transfer struct {
	txID          string
	to            string
	amount        decimal.Decimal
	at            time.Time
	confirmations int
}

func (c *Chain) VerifyPayment(ctx context.Context, paymentRef string) (Verification, error) {
	ref, err := parseChainRef(paymentRef)
	if err != nil {
		return Verification{}, err
	}
	if ref.network != c.network {
		return Verification{}, fmt.Errorf("payment ref %q is not on %s: %w", paymentRef, c.network, errs.ErrBadRequest)
	}
	cfg, err := c.settings.Blockchain(ctx, c.network)
	if err != nil {
		return Verification{}, err
	}

	var transfers []transfer
	switch c.network {
	case db.NetworkTron:
		transfers, err = c.tronTransfers(ctx, cfg, ref.address)
	case db.NetworkEthereum:
		transfers, err = c.ethTransfers(ctx, cfg, ref.address)
	default:
		err = fmt.Errorf("network %q: %w", c.network, errs.ErrUnsupported)
	}
	if err != nil {
		return Verification{}, err
	}

	// not seen yet is Pending, never Failed
	v := Verification{Status: db.TxPending}
	for _, t := range transfers {
		if !sameAddress(c.network, t.to, ref.address) || !t.amount.Equal(ref.amount) || t.at.Before(ref.start.Add(-clockSkew)) {
			continue
		}
		if t.confirmations < v.Confirmations {
			continue
		}
		claimed, err := c.claimedElsewhere(ctx, t.txID, paymentRef)
		if err != nil {
			return Verification{}, err
		}
		if claimed {
			continue
		}
		v.ExternalRef = t.txID
		v.ConfirmedAmount = decimal.NewNullDecimal(t.amount)
		v.Confirmations = t.confirmations
		if t.confirmations >= cfg.MinConfirmations {
			v.Status = db.TxCompleted
			break
		}
	}
	if v.Status != db.TxCompleted {
		v.ConfirmedAmount = decimal.NullDecimal{}
	}
	return v, nil
}

func (c *Chain) claimedElsewhere(ctx context.Context, txID, paymentRef string) (bool, error) {
	if c.spent == nil {
		return false, nil
	}
	tx, err := c.spent.GetByExternalRef(ctx, txID)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tx.PaymentRef != paymentRef, nil
}

func (c *Chain) Refund(context.Context, string, decimal.Decimal) (string, error) {
	return "", fmt.Errorf("refund on %s: %w", c.network, errs.ErrUnsupported)
}

func sameAddress(network, a, b string) bool {
	if network == db.NetworkEthereum {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func (c *Chain) tronTransfers(ctx context.Context, cfg db.BlockchainConfig, address string) ([]transfer, error) {
	q := url.Values{
		"contract_address": {cfg.USDTContract},
		"limit":            {"20"},
		"only_to":          {"true"},
	}
	u := strings.TrimRight(cfg.APIURL, "/") + "/v1/accounts/" + url.PathEscape(address) + "/transactions/trc20?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if cfg.APIKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", cfg.APIKey)
	}

	var out trc20Response
	if _, err := c.api.do(req, &out); err != nil {
		return nil, fmt.Errorf("trongrid %s: %w", address, err)
	}
	if !out.Success {
		return nil, fmt.Errorf("trongrid %s: unsuccessful answer: %w", address, errs.ErrExternalProvider)
	}

	now := c.now()
	transfers := make([]transfer, 0, len(out.Data))
	for _, t := range out.Data {
		raw, err := decimal.NewFromString(t.Value)
		if err != nil {
			continue
		}
		decimals := t.TokenInfo.Decimals
		if decimals == 0 {
			decimals = usdtDecimals
		}
		at := time.UnixMilli(t.BlockTimestamp)
		// TronGrid does not report confirmations; derive them from block age
		confirmations := int(now.Sub(at) / tronBlockTime)
		if confirmations < 0 {
			confirmations = 0
		}
		transfers = append(transfers, transfer{
			txID:          t.TransactionID,
			to:            t.To,
			amount:        raw.Shift(-decimals),
			at:            at,
			confirmations: confirmations,
		})
	}
	return transfers, nil
}

func (c *Chain) ethTransfers(ctx context.Context, cfg db.BlockchainConfig, address string) ([]transfer, error) {
	q := url.Values{
		"module":          {"account"},
		"action":          {"tokentx"},
		"contractaddress": {cfg.USDTContract},
		"address":         {address},
		"page":            {"1"},
		"offset":          {"20"},
		"sort":            {"desc"},
		"apikey":          {cfg.APIKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.APIURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var out tokenTxResponse
	if _, err := c.api.do(req, &out); err != nil {
		return nil, fmt.Errorf("etherscan %s: %w", address, err)
	}
	if out.Status != "1" {
		if strings.HasPrefix(out.Message, "No transactions found") {
			return nil, nil
		}
		return nil, fmt.Errorf("etherscan %s: %s: %w", address, out.Message, errs.ErrExternalProvider)
	}

	transfers := make([]transfer, 0, len(out.Result))
	for _, t := range out.Result {
		raw, err := decimal.NewFromString(t.Value)
		if err != nil {
			continue
		}
		decimals := int32(usdtDecimals)
		if d, err := strconv.Atoi(t.TokenDecimal); err == nil {
			decimals = int32(d)
		}
		ts, _ := strconv.ParseInt(t.TimeStamp, 10, 64)
		confirmations, _ := strconv.Atoi(t.Confirmations)
		transfers = append(transfers, transfer{
			txID:          t.Hash,
			to:            t.To,
			amount:        raw.Shift(-decimals),
			at:            time.Unix(ts, 0),
			confirmations: confirmations,
		})
	}
	return transfers, nil
}

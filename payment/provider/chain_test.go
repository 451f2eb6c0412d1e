package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
)

const (
	tronWallet1 = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	tronWallet2 = "TXLAQ63Xg1NAzckPwKHvzw7CSEmLMEqcdj"
	ethWallet   = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
)

type fakeTronGrid struct {
	transfers []trc20Transfer
	apiKey    string
}

func (f *fakeTronGrid) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.apiKey = r.Header.Get("TRON-PRO-API-KEY")
	addr := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/accounts/"), "/transactions/trc20")
	var data []trc20Transfer
	for _, t := range f.transfers {
		if t.To == addr {
			data = append(data, t)
		}
	}
	json.NewEncoder(w).Encode(trc20Response{Data: data, Success: true})
}

func newTronChain(t *testing.T, grid http.Handler, minConf int, wallets ...string) *Chain {
	if len(wallets) == 0 {
		wallets = []string{tronWallet1, tronWallet2}
	}
	srv := httptest.NewServer(grid)
	t.Cleanup(srv.Close)
	settings := &staticSettings{chains: map[string]db.BlockchainConfig{
		db.NetworkTron: {
			Network:          db.NetworkTron,
			APIURL:           srv.URL,
			APIKey:           "key",
			USDTContract:     "TContract",
			WalletAddresses:  wallets,
			MinConfirmations: minConf,
		},
	}}
	return NewChain(db.NetworkTron, settings, srv.Client())
}

func TestChainRoundRobin(t *testing.T) {
	c := newTronChain(t, &fakeTronGrid{}, 19)
	ctx := context.Background()

	var got []string
	for i := 0; i < 4; i++ {
		res, err := c.StartPayment(ctx, StartRequest{TransactionID: int64(i), OrderID: 1, Amount: decimal.NewFromInt(10)})
		require.NoError(t, err)
		got = append(got, res.PayAddress)
	}
	assert.Equal(t, []string{tronWallet1, tronWallet2, tronWallet1, tronWallet2}, got)
}

func TestChainDisambiguatesEqualAmounts(t *testing.T) {
	c := newTronChain(t, &fakeTronGrid{}, 19, tronWallet1)
	ctx := context.Background()
	amount := decimal.RequireFromString("49.99")

	a, err := c.StartPayment(ctx, StartRequest{TransactionID: 1, Amount: amount})
	require.NoError(t, err)
	b, err := c.StartPayment(ctx, StartRequest{TransactionID: 2, Amount: amount})
	require.NoError(t, err)

	assert.Equal(t, "49.99", a.PayAmount.String())
	assert.Equal(t, "49.990001", b.PayAmount.String())
	assert.NotEqual(t, a.PaymentRef, b.PaymentRef)

	// releasing the first frees its amount for the next payment
	c.Release(db.PaymentTransaction{PayAddress: a.PayAddress, PayAmount: a.PayAmount})
	d, err := c.StartPayment(ctx, StartRequest{TransactionID: 3, Amount: amount})
	require.NoError(t, err)
	assert.Equal(t, "49.99", d.PayAmount.String())

	// restored reservations are honoured
	c.Restore(db.PaymentTransaction{PayAddress: tronWallet1, PayAmount: decimal.RequireFromString("49.990002")})
	e, err := c.StartPayment(ctx, StartRequest{TransactionID: 4, Amount: amount})
	require.NoError(t, err)
	assert.Equal(t, "49.990003", e.PayAmount.String())
}

func TestChainStartReturnsQRCode(t *testing.T) {
	c := newTronChain(t, &fakeTronGrid{}, 19)
	res, err := c.StartPayment(context.Background(), StartRequest{TransactionID: 1, Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.QRCode, "data:image/png;base64,"))
	assert.Equal(t, "tron:"+tronWallet1+"?amount=5", res.Raw)
	assert.Equal(t, db.TxPending, res.Status)
}

func TestChainVerifyWaitsForConfirmations(t *testing.T) {
	grid := &fakeTronGrid{}
	c := newTronChain(t, grid, 19)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return start }
	res, err := c.StartPayment(ctx, StartRequest{TransactionID: 7, OrderID: 3, Amount: decimal.RequireFromString("49.99")})
	require.NoError(t, err)

	// nothing on chain yet
	v, err := c.VerifyPayment(ctx, res.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, db.TxPending, v.Status)

	grid.transfers = []trc20Transfer{
		{TransactionID: "other", To: res.PayAddress, Value: "49000000", BlockTimestamp: start.UnixMilli()},
		{TransactionID: "tx-1", To: res.PayAddress, Value: "49990000", BlockTimestamp: start.Add(3 * time.Second).UnixMilli()},
	}

	// two blocks deep
	c.now = func() time.Time { return start.Add(9 * time.Second) }
	v, err = c.VerifyPayment(ctx, res.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, db.TxPending, v.Status)
	assert.Equal(t, 2, v.Confirmations)
	assert.Equal(t, "key", grid.apiKey)

	c.now = func() time.Time { return start.Add(3*time.Second + 19*tronBlockTime) }
	v, err = c.VerifyPayment(ctx, res.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, db.TxCompleted, v.Status)
	assert.Equal(t, "tx-1", v.ExternalRef)
	assert.True(t, v.ConfirmedAmount.Decimal.Equal(decimal.RequireFromString("49.99")))
}

func TestChainVerifyIgnoresTransfersBeforeStart(t *testing.T) {
	grid := &fakeTronGrid{}
	c := newTronChain(t, grid, 1)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return start }
	res, err := c.StartPayment(context.Background(), StartRequest{TransactionID: 1, Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	grid.transfers = []trc20Transfer{
		{TransactionID: "old", To: res.PayAddress, Value: "10000000", BlockTimestamp: start.Add(-time.Hour).UnixMilli()},
	}
	c.now = func() time.Time { return start.Add(time.Minute) }
	v, err := c.VerifyPayment(context.Background(), res.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, db.TxPending, v.Status)
}

type spentRefs map[string]string

func (s spentRefs) GetByExternalRef(_ context.Context, ref string) (db.PaymentTransaction, error) {
	paymentRef, ok := s[ref]
	if !ok {
		return db.PaymentTransaction{}, errs.ErrNotFound
	}
	return db.PaymentTransaction{PaymentRef: paymentRef, ExternalRef: ref, Status: db.TxCompleted}, nil
}

func TestChainVerifySkipsClaimedTransfers(t *testing.T) {
	grid := &fakeTronGrid{}
	spent := spentRefs{}
	c := newTronChain(t, grid, 1, tronWallet1).WithSpent(spent)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return start }
	res, err := c.StartPayment(context.Background(), StartRequest{TransactionID: 2, Amount: decimal.RequireFromString("49.99")})
	require.NoError(t, err)

	// the earlier payment of the same amount to the same wallet was paid by "abc"
	grid.transfers = []trc20Transfer{
		{TransactionID: "abc", To: res.PayAddress, Value: "49990000", BlockTimestamp: start.UnixMilli()},
	}
	spent["abc"] = "tron:" + tronWallet1 + ":49.99:1:" + strconv.FormatInt(start.Unix(), 10)
	c.now = func() time.Time { return start.Add(time.Minute) }

	v, err := c.VerifyPayment(context.Background(), res.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, db.TxPending, v.Status)
	assert.Empty(t, v.ExternalRef)

	// a fresh transfer settles it
	grid.transfers = append(grid.transfers, trc20Transfer{
		TransactionID: "def", To: res.PayAddress, Value: "49990000", BlockTimestamp: start.Add(3 * time.Second).UnixMilli(),
	})
	v, err = c.VerifyPayment(context.Background(), res.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, db.TxCompleted, v.Status)
	assert.Equal(t, "def", v.ExternalRef)

	// a ref already recorded against this very payment still verifies
	delete(spent, "abc")
	spent["def"] = res.PaymentRef
	grid.transfers = grid.transfers[1:]
	v, err = c.VerifyPayment(context.Background(), res.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, db.TxCompleted, v.Status)
}

func TestChainStoresChecksummedEthereumAddress(t *testing.T) {
	settings := &staticSettings{chains: map[string]db.BlockchainConfig{
		db.NetworkEthereum: {Network: db.NetworkEthereum, WalletAddresses: []string{strings.ToLower(ethWallet)}},
	}}
	c := NewChain(db.NetworkEthereum, settings, nil)
	res, err := c.StartPayment(context.Background(), StartRequest{TransactionID: 1, Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.Equal(t, ethWallet, res.PayAddress)
	assert.Contains(t, res.PaymentRef, ethWallet)
}

func TestChainVerifyEthereum(t *testing.T) {
	var seen map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = map[string]string{}
		for k := range r.URL.Query() {
			seen[k] = r.URL.Query().Get(k)
		}
		json.NewEncoder(w).Encode(tokenTxResponse{Status: "1", Message: "OK", Result: []tokenTx{{
			Hash:          "0xabc",
			To:            strings.ToLower(ethWallet),
			Value:         "25000000",
			TokenDecimal:  "6",
			TimeStamp:     "4102444800",
			Confirmations: "12",
		}}})
	}))
	defer srv.Close()

	settings := &staticSettings{chains: map[string]db.BlockchainConfig{
		db.NetworkEthereum: {Network: db.NetworkEthereum, APIURL: srv.URL, APIKey: "ek", USDTContract: "0xC",
			WalletAddresses: []string{ethWallet}, MinConfirmations: 12},
	}}
	c := NewChain(db.NetworkEthereum, settings, srv.Client())
	c.now = func() time.Time { return time.Unix(4102444800, 0) }

	res, err := c.StartPayment(context.Background(), StartRequest{TransactionID: 9, Amount: decimal.NewFromInt(25)})
	require.NoError(t, err)
	assert.Equal(t, "ethereum:"+ethWallet+"@1?value=25", res.Raw)

	v, err := c.VerifyPayment(context.Background(), res.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, db.TxCompleted, v.Status)
	assert.Equal(t, "0xabc", v.ExternalRef)
	assert.Equal(t, "tokentx", seen["action"])
	assert.Equal(t, "ek", seen["apikey"])
}

func TestChainEtherscanNoTransactions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"0","message":"No transactions found","result":[]}`))
	}))
	defer srv.Close()
	settings := &staticSettings{chains: map[string]db.BlockchainConfig{
		db.NetworkEthereum: {Network: db.NetworkEthereum, APIURL: srv.URL, WalletAddresses: []string{ethWallet}},
	}}
	c := NewChain(db.NetworkEthereum, settings, srv.Client())
	res, err := c.StartPayment(context.Background(), StartRequest{TransactionID: 1, Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)

	v, err := c.VerifyPayment(context.Background(), res.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, db.TxPending, v.Status)
}

func TestChainRefundUnsupported(t *testing.T) {
	c := newTronChain(t, &fakeTronGrid{}, 1)
	_, err := c.Refund(context.Background(), "tron:x:1:1:1", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, errs.ErrUnsupported)
}

func TestChainMissingWallets(t *testing.T) {
	c := NewChain(db.NetworkTron, &staticSettings{}, nil)
	_, err := c.StartPayment(context.Background(), StartRequest{Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, errs.ErrConfigMissing)
}

func TestChainBadRef(t *testing.T) {
	c := newTronChain(t, &fakeTronGrid{}, 1)
	_, err := c.VerifyPayment(context.Background(), "garbage")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress(db.NetworkTron, tronWallet1))
	assert.ErrorIs(t, ValidateAddress(db.NetworkTron, "Tnotanaddress"), errs.ErrBadRequest)
	assert.NoError(t, ValidateAddress(db.NetworkEthereum, ethWallet))
	assert.ErrorIs(t, ValidateAddress(db.NetworkEthereum, "0x123"), errs.ErrBadRequest)
	assert.ErrorIs(t, ValidateAddress("bitcoin", "x"), errs.ErrUnsupported)
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, ethWallet, NormalizeAddress(db.NetworkEthereum, strings.ToLower(ethWallet)))
	assert.Equal(t, ethWallet, NormalizeAddress(db.NetworkEthereum, ethWallet))
	assert.Equal(t, tronWallet1, NormalizeAddress(db.NetworkTron, tronWallet1))
	assert.Equal(t, "0x123", NormalizeAddress(db.NetworkEthereum, "0x123"))
}

func TestRegistry(t *testing.T) {
	methods := staticMethods{
		{MethodID: db.MethodPayPal, Provider: db.ProviderNamePayPal},
		{MethodID: db.MethodUSDTTron, Provider: db.ProviderNameBlockchain, Network: db.NetworkTron},
		{MethodID: db.MethodUSDTEth, Provider: db.ProviderNameBlockchain, Network: db.NetworkEthereum},
	}
	pp := NewPayPal(&staticSettings{}, nil)
	tron := NewChain(db.NetworkTron, &staticSettings{}, nil)
	r := NewRegistry(methods, map[string]Provider{
		Key(db.ProviderNamePayPal, ""):                 pp,
		Key(db.ProviderNameBlockchain, db.NetworkTron): tron,
	})
	require.NoError(t, r.Reload(context.Background()))

	p, err := r.Lookup(db.MethodUSDTTron)
	require.NoError(t, err)
	assert.Same(t, tron, p)

	_, err = r.Lookup(db.MethodUSDTEth)
	assert.ErrorIs(t, err, errs.ErrConfigMissing)
	assert.Len(t, r.Methods(), 2)

	p, err = r.ForTransaction(db.PaymentTransaction{Provider: db.ProviderNamePayPal, PaymentMethod: db.MethodPayPal})
	require.NoError(t, err)
	assert.Same(t, pp, p)
}

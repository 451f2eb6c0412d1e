package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
)

func newRatesServer(t *testing.T, hits *atomic.Int32, fail *atomic.Bool) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"result":"success","rates":{"USD":1,"EUR":0.8,"CNY":8}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRatesToUSD(t *testing.T) {
	var hits atomic.Int32
	var fail atomic.Bool
	srv := newRatesServer(t, &hits, &fail)
	r := NewRates(srv.URL, time.Minute, srv.Client())
	ctx := context.Background()

	got, err := r.ToUSD(ctx, decimal.NewFromInt(100), "usdt")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(got))
	assert.Equal(t, int32(0), hits.Load())

	got, err = r.ToUSD(ctx, decimal.NewFromInt(100), "EUR")
	require.NoError(t, err)
	assert.Equal(t, "125", got.String())

	got, err = r.ToUSD(ctx, decimal.NewFromInt(10), "CNY")
	require.NoError(t, err)
	assert.Equal(t, "1.25", got.String())
	assert.Equal(t, int32(1), hits.Load())

	_, err = r.ToUSD(ctx, decimal.NewFromInt(1), "XYZ")
	assert.ErrorIs(t, err, errs.ErrUnsupported)
}

func TestRatesKeepStaleTableOnFailure(t *testing.T) {
	var hits atomic.Int32
	var fail atomic.Bool
	srv := newRatesServer(t, &hits, &fail)
	r := NewRates(srv.URL, time.Minute, srv.Client())
	now := time.Now()
	r.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := r.ToUSD(ctx, decimal.NewFromInt(1), "EUR")
	require.NoError(t, err)

	fail.Store(true)
	now = now.Add(2 * time.Minute)
	got, err := r.ToUSD(ctx, decimal.NewFromInt(8), "EUR")
	require.NoError(t, err)
	assert.Equal(t, "10", got.String())
	assert.Equal(t, int32(2), hits.Load())
}

func TestRatesFailWithoutTable(t *testing.T) {
	var hits atomic.Int32
	var fail atomic.Bool
	fail.Store(true)
	srv := newRatesServer(t, &hits, &fail)
	r := NewRates(srv.URL, time.Minute, srv.Client())

	_, err := r.ToUSD(context.Background(), decimal.NewFromInt(1), "EUR")
	assert.ErrorIs(t, err, errs.ErrExternalProvider)
}

func TestChainConvertsOrderCurrency(t *testing.T) {
	var hits atomic.Int32
	var fail atomic.Bool
	rates := newRatesServer(t, &hits, &fail)
	ctx := context.Background()

	c := newTronChain(t, &fakeTronGrid{}, 19, tronWallet1)
	_, err := c.StartPayment(ctx, StartRequest{TransactionID: 1, Amount: decimal.NewFromInt(100), Currency: "EUR"})
	assert.ErrorIs(t, err, errs.ErrUnsupported)

	c.WithRates(NewRates(rates.URL, time.Minute, rates.Client()))
	res, err := c.StartPayment(ctx, StartRequest{TransactionID: 2, Amount: decimal.NewFromInt(100), Currency: "EUR"})
	require.NoError(t, err)
	assert.Equal(t, "125", res.PayAmount.String())
	assert.Equal(t, db.TxPending, res.Status)
}

package payout

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"go-marketpay/payment/db"
	"go-marketpay/payment/db/dbtest"
	"go-marketpay/payment/errs"
	"go-marketpay/utils"
)

type recordingPublisher struct {
	fail     error
	messages []Message
	topics   []string
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, topic string, payload []byte) error {
	if p.fail != nil {
		return p.fail
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	p.messages = append(p.messages, m)
	p.topics = append(p.topics, topic)
	return nil
}

func seedIntents(t *testing.T, gdb *gorm.DB) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, kind := range []string{db.PayoutPayee, db.PayoutCommission} {
		require.NoError(t, gdb.Create(&db.PayoutIntent{
			ID: int64(i + 1), OrderID: 77, Kind: kind, PaymentMethod: db.MethodPayPal,
			Destination: "payee@example.com", Amount: decimal.RequireFromString("44.99"), Currency: "USD",
			Status: db.PayoutPending, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}).Error)
	}
}

func TestDispatchBatch(t *testing.T) {
	gdb := dbtest.Open(t)
	seedIntents(t, gdb)
	pub := &recordingPublisher{}
	d := NewDispatcher(gdb, pub)

	n, err := d.DispatchBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.messages, 2)
	assert.Equal(t, db.PayoutPayee, pub.messages[0].Kind)
	assert.Equal(t, "44.99", pub.messages[0].Amount)
	assert.Equal(t, "payout.commission", pub.topics[1])

	intents, err := d.List(context.Background(), 77, db.PayoutDispatched, 10)
	require.NoError(t, err)
	assert.Len(t, intents, 2)
	assert.NotNil(t, intents[0].DispatchedAt)

	// nothing left to send
	n, err = d.DispatchBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchFailureIsRetriedThenGivenUp(t *testing.T) {
	gdb := dbtest.Open(t)
	seedIntents(t, gdb)
	pub := &recordingPublisher{fail: errors.New("broker down")}
	d := NewDispatcher(gdb, pub)

	for i := 0; i < maxAttempts; i++ {
		n, err := d.DispatchBatch(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	var in db.PayoutIntent
	require.NoError(t, gdb.First(&in, "id = ?", 1).Error)
	assert.Equal(t, db.PayoutFailed, in.Status)
	assert.Equal(t, maxAttempts, in.Attempts)
	assert.Equal(t, "broker down", in.LastError)
}

func newConfigStore(t *testing.T) *ConfigStore {
	ids, err := utils.NewIDGenerator(3)
	require.NoError(t, err)
	return NewConfigStore(dbtest.Open(t), ids)
}

func TestResolveLatestActiveConfig(t *testing.T) {
	ctx := context.Background()
	s := newConfigStore(t)

	_, err := s.Resolve(ctx, 5, db.MethodPayPal)
	assert.ErrorIs(t, err, errs.ErrConfigMissing)

	_, err = s.Save(ctx, 5, NewConfig{Method: db.MethodPayPal, Destination: "old@example.com"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.Save(ctx, 5, NewConfig{Method: db.MethodPayPal, Destination: "new@example.com"})
	require.NoError(t, err)

	cfg, err := s.Resolve(ctx, 5, db.MethodPayPal)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", cfg.Destination)

	// another method is still unconfigured
	_, err = s.Resolve(ctx, 5, db.MethodUSDTTron)
	assert.ErrorIs(t, err, errs.ErrConfigMissing)

	all, err := s.List(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSaveValidatesDestination(t *testing.T) {
	ctx := context.Background()
	s := newConfigStore(t)

	_, err := s.Save(ctx, 5, NewConfig{Method: db.MethodUSDTTron, Destination: "not-an-address"})
	assert.ErrorIs(t, err, errs.ErrBadRequest)

	_, err = s.Save(ctx, 5, NewConfig{Method: db.MethodUSDTTron, Destination: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"})
	assert.NoError(t, err)

	_, err = s.Save(ctx, 5, NewConfig{Method: "wire", Destination: "x"})
	assert.ErrorIs(t, err, errs.ErrBadRequest)
}

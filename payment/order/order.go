// Package order owns the Order lifecycle: creation with a price snapshot,
// cancellation, expiry and ownership-checked reads.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
	"go-marketpay/utils"
)

const DefaultTTL = 30 * time.Minute

// Caller is the authenticated principal of a request.
type Caller struct {
	ID    int64
	Admin bool
}

// Resources looks up the catalogue entry an order buys.
type Resources interface {
	Resource(ctx context.Context, id int64) (db.Resource, error)
}

type Manager struct {
	db        *gorm.DB
	ids       utils.IDGenerator
	resources Resources
	ttl       time.Duration
	currency  string
	now       func() time.Time
}

func NewManager(gdb *gorm.DB, ids utils.IDGenerator, resources Resources, ttl time.Duration, currency string) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{db: gdb, ids: ids, resources: resources, ttl: ttl, currency: currency, now: time.Now}
}

func (m *Manager) CreateOrder(ctx context.Context, buyerID, resourceID int64, method *string) (db.Order, error) {
	res, err := m.resources.Resource(ctx, resourceID)
	if err != nil {
		return db.Order{}, err
	}
	if !res.Price.IsPositive() {
		return db.Order{}, fmt.Errorf("resource %d has price %s: %w", resourceID, res.Price, errs.ErrBadRequest)
	}

	var owned int64
	err = m.db.WithContext(ctx).Model(&db.Order{}).
		Where("buyer_id = ? AND resource_id = ? AND status IN ?", buyerID, resourceID,
			[]db.OrderStatus{db.OrderPaid, db.OrderCompleted}).
		Count(&owned).Error
	if err != nil {
		return db.Order{}, err
	}
	if owned > 0 {
		return db.Order{}, fmt.Errorf("buyer %d already bought resource %d: %w", buyerID, resourceID, errs.ErrConflict)
	}

	now := m.now()
	o := db.Order{
		ID:            m.ids.NextID(),
		BuyerID:       buyerID,
		ResourceID:    resourceID,
		Amount:        res.Price,
		Currency:      m.currency,
		Status:        db.OrderPending,
		PaymentMethod: method,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
	}
	if err := m.db.WithContext(ctx).Create(&o).Error; err != nil {
		return db.Order{}, err
	}
	return o, nil
}

func (m *Manager) get(ctx context.Context, id int64) (db.Order, error) {
	var o db.Order
	err := m.db.WithContext(ctx).First(&o, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return o, fmt.Errorf("order %d: %w", id, errs.ErrNotFound)
	}
	return o, err
}

// Load reads an order without an ownership check.
func (m *Manager) Load(ctx context.Context, id int64) (db.Order, error) {
	return m.get(ctx, id)
}

func (m *Manager) GetOrder(ctx context.Context, id int64, caller Caller) (db.Order, error) {
	o, err := m.get(ctx, id)
	if err != nil {
		return o, err
	}
	if !caller.Admin && o.BuyerID != caller.ID {
		return db.Order{}, fmt.Errorf("order %d: %w", id, errs.ErrForbidden)
	}
	return o, nil
}

type Filter struct {
	BuyerID *int64
	Status  db.OrderStatus
	From    *time.Time
	To      *time.Time
	Page    int
	Size    int
}

func (m *Manager) ListOrders(ctx context.Context, caller Caller, f Filter) ([]db.Order, int64, error) {
	if !caller.Admin {
		f.BuyerID = &caller.ID
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Size < 1 || f.Size > 100 {
		f.Size = 20
	}

	q := m.db.WithContext(ctx).Model(&db.Order{})
	if f.BuyerID != nil {
		q = q.Where("buyer_id = ?", *f.BuyerID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var orders []db.Order
	err := q.Order("id DESC").Offset((f.Page - 1) * f.Size).Limit(f.Size).Find(&orders).Error
	return orders, total, err
}

// CompareAndSetStatus moves order id to status `to` only if it is currently
// in one of `from`. It reports whether this call made the transition.
func (m *Manager) CompareAndSetStatus(ctx context.Context, id int64, from []db.OrderStatus, to db.OrderStatus, extra map[string]any) (bool, error) {
	updates := map[string]any{"status": to, "updated_at": m.now()}
	for k, v := range extra {
		updates[k] = v
	}
	res := m.db.WithContext(ctx).Model(&db.Order{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (m *Manager) CancelOrder(ctx context.Context, id int64, caller Caller) (db.Order, error) {
	o, err := m.GetOrder(ctx, id, caller)
	if err != nil {
		return o, err
	}
	if o.Status != db.OrderPending {
		return db.Order{}, fmt.Errorf("cancel order %d in %s: %w", id, o.Status, errs.ErrInvalidState)
	}

	res := m.db.WithContext(ctx).Model(&db.Order{}).
		Where("id = ? AND status = ?", id, db.OrderPending).
		Where("id NOT IN (?)", m.capturing()).
		Updates(map[string]any{"status": db.OrderCancelled, "updated_at": m.now()})
	if res.Error != nil {
		return db.Order{}, res.Error
	}
	if res.RowsAffected == 0 {
		return db.Order{}, fmt.Errorf("order %d is being paid or changed concurrently: %w", id, errs.ErrInvalidState)
	}
	return m.get(ctx, id)
}

// capturing selects orders with a payment currently being captured.
func (m *Manager) capturing() *gorm.DB {
	return m.db.Model(&db.PaymentTransaction{}).Select("order_id").Where("status = ?", db.TxProcessing)
}

// ExpireStaleOrders cancels Pending orders past their expiry and returns the
// ids this call cancelled. Orders with a payment being captured are left for
// the capture to finish.
func (m *Manager) ExpireStaleOrders(ctx context.Context) ([]int64, error) {
	now := m.now()

	var ids []int64
	err := m.db.WithContext(ctx).Model(&db.Order{}).
		Where("status = ? AND expires_at < ?", db.OrderPending, now).
		Where("id NOT IN (?)", m.capturing()).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}

	var expired []int64
	for _, id := range ids {
		res := m.db.WithContext(ctx).Model(&db.Order{}).
			Where("id = ? AND status = ? AND expires_at < ?", id, db.OrderPending, now).
			Where("id NOT IN (?)", m.capturing()).
			Updates(map[string]any{"status": db.OrderCancelled, "updated_at": now})
		if res.Error != nil {
			return expired, res.Error
		}
		if res.RowsAffected == 1 {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// SetPayment records the method and provider reference of a Pending order.
func (m *Manager) SetPayment(ctx context.Context, id int64, method, paymentRef string) error {
	res := m.db.WithContext(ctx).Model(&db.Order{}).
		Where("id = ? AND status = ?", id, db.OrderPending).
		Updates(map[string]any{"payment_method": method, "payment_ref": paymentRef, "updated_at": m.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order %d is no longer pending: %w", id, errs.ErrInvalidState)
	}
	return nil
}

func (m *Manager) SetSettlementStatus(ctx context.Context, id int64, status string) error {
	return m.db.WithContext(ctx).Model(&db.Order{}).Where("id = ?", id).
		Updates(map[string]any{"settlement_status": status, "updated_at": m.now()}).Error
}

// AwaitingSettlement lists Paid orders whose settlement has not finished.
func (m *Manager) AwaitingSettlement(ctx context.Context, limit int) ([]db.Order, error) {
	var orders []db.Order
	err := m.db.WithContext(ctx).
		Where("status = ?", db.OrderPaid).
		Order("updated_at ASC").Limit(limit).
		Find(&orders).Error
	return orders, err
}

// GormResources reads the resource catalogue table.
type GormResources struct {
	DB *gorm.DB
}

func (r GormResources) Resource(ctx context.Context, id int64) (db.Resource, error) {
	var res db.Resource
	err := r.DB.WithContext(ctx).First(&res, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return res, fmt.Errorf("resource %d: %w", id, errs.ErrNotFound)
	}
	return res, err
}

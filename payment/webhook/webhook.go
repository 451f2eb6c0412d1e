// Package webhook receives provider notifications. Every delivery is
// persisted before it is processed so it can be inspected and replayed;
// repeated deliveries are harmless because settlement is idempotent.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
	"go-marketpay/payment/ledger"
	"go-marketpay/payment/settlement"
	"go-marketpay/utils"
)

const MaxRetries = 3

type Secrets interface {
	WebhookSecrets(ctx context.Context, source string) ([]string, error)
}

type ChainConfigs interface {
	Blockchain(ctx context.Context, network string) (db.BlockchainConfig, error)
}

type Finalizer interface {
	FinalizePayment(ctx context.Context, paymentRef string, observed db.TxStatus, externalRef string) (settlement.Outcome, error)
}

type Intake struct {
	db        *gorm.DB
	ids       utils.IDGenerator
	secrets   Secrets
	chains    ChainConfigs
	ledger    *ledger.Ledger
	finalizer Finalizer
	now       func() time.Time
}

func New(gdb *gorm.DB, ids utils.IDGenerator, secrets Secrets, chains ChainConfigs, l *ledger.Ledger, f Finalizer) *Intake {
	return &Intake{db: gdb, ids: ids, secrets: secrets, chains: chains, ledger: l, finalizer: f, now: time.Now}
}

// Delivery is one inbound webhook request.
type Delivery struct {
	Source    string
	Payload   []byte
	Signature string
	Headers   http.Header
	IP        string
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (in *Intake) verify(ctx context.Context, d Delivery) error {
	sig := strings.TrimPrefix(strings.TrimSpace(d.Signature), "sha256=")
	got, err := hex.DecodeString(sig)
	if sig == "" || err != nil {
		return fmt.Errorf("malformed signature: %w", errs.ErrUnauthorized)
	}
	secrets, err := in.secrets.WebhookSecrets(ctx, d.Source)
	if err != nil {
		return fmt.Errorf("no webhook secret for %s: %w: %w", d.Source, errs.ErrUnauthorized, err)
	}
	for _, secret := range secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(d.Payload)
		if hmac.Equal(got, mac.Sum(nil)) {
			return nil
		}
	}
	return fmt.Errorf("signature mismatch: %w", errs.ErrUnauthorized)
}

// Receive authenticates and records d, then processes it. The returned error
// is only about authentication and persistence; the processing result is on
// the returned log.
func (in *Intake) Receive(ctx context.Context, d Delivery) (db.WebhookLog, error) {
	if d.Source != db.ProviderNamePayPal && d.Source != db.ProviderNameBlockchain {
		return db.WebhookLog{}, fmt.Errorf("webhook source %q: %w", d.Source, errs.ErrNotFound)
	}

	headers, _ := json.Marshal(d.Headers)
	kind, event := classify(d.Source, d.Payload)
	log := db.WebhookLog{
		ID:          in.ids.NextID(),
		WebhookType: kind,
		Source:      d.Source,
		EventType:   event,
		Payload:     string(d.Payload),
		Headers:     string(headers),
		Signature:   d.Signature,
		Status:      db.WebhookPending,
		IPAddress:   d.IP,
		CreatedAt:   in.now(),
	}

	verr := in.verify(ctx, d)
	if verr != nil {
		log.Status = db.WebhookRejected
		log.ResponseCode = http.StatusUnauthorized
		log.ResponseMessage = truncate(verr.Error())
	}
	if err := in.db.WithContext(ctx).Create(&log).Error; err != nil {
		return log, fmt.Errorf("persist webhook: %w", err)
	}
	if verr != nil {
		slog.WarnContext(ctx, "webhook rejected", "webhook_id", log.ID, "source", d.Source, "ip", d.IP, "error", verr)
		return log, verr
	}

	in.process(ctx, &log)
	return log, nil
}

// Retry reprocesses a stored delivery that failed or never finished.
func (in *Intake) Retry(ctx context.Context, id int64) (db.WebhookLog, error) {
	res := in.db.WithContext(ctx).Model(&db.WebhookLog{}).
		Where("id = ? AND status IN ? AND retry_count < ?", id, []string{db.WebhookFailed, db.WebhookPending}, MaxRetries).
		Update("retry_count", gorm.Expr("retry_count + 1"))
	if res.Error != nil {
		return db.WebhookLog{}, res.Error
	}

	log, err := in.Get(ctx, id)
	if err != nil {
		return log, err
	}
	if res.RowsAffected == 0 {
		if log.RetryCount >= MaxRetries {
			return log, fmt.Errorf("webhook %d retried %d times: %w", id, log.RetryCount, errs.ErrInvalidState)
		}
		return log, fmt.Errorf("webhook %d is %s: %w", id, log.Status, errs.ErrInvalidState)
	}

	in.process(ctx, &log)
	return log, nil
}

func (in *Intake) Get(ctx context.Context, id int64) (db.WebhookLog, error) {
	var log db.WebhookLog
	err := in.db.WithContext(ctx).First(&log, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return log, fmt.Errorf("webhook %d: %w", id, errs.ErrNotFound)
	}
	return log, err
}

type Filter struct {
	Type   string
	Source string
	Status string
	Page   int
	Size   int
}

func (in *Intake) List(ctx context.Context, f Filter) ([]db.WebhookLog, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Size < 1 || f.Size > 100 {
		f.Size = 20
	}

	q := in.db.WithContext(ctx).Model(&db.WebhookLog{})
	if f.Type != "" {
		q = q.Where("webhook_type = ?", f.Type)
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var logs []db.WebhookLog
	err := q.Session(&gorm.Session{}).Order("created_at DESC").Order("id DESC").
		Offset((f.Page - 1) * f.Size).Limit(f.Size).Find(&logs).Error
	return logs, total, err
}

// process runs a stored delivery and records its result.
func (in *Intake) process(ctx context.Context, log *db.WebhookLog) {
	var (
		status = db.WebhookSuccess
		msg    string
		err    error
	)
	switch log.Source {
	case db.ProviderNamePayPal:
		msg, err = in.paypal(ctx, []byte(log.Payload))
	case db.ProviderNameBlockchain:
		msg, err = in.blockchain(ctx, []byte(log.Payload))
	}

	code := http.StatusOK
	var ign ignored
	switch {
	case errors.As(err, &ign):
		status, msg = db.WebhookIgnored, ign.reason
	case errors.Is(err, errs.ErrSettlementPending):
		msg = err.Error()
	case err != nil:
		status, msg = db.WebhookFailed, err.Error()
		code = errs.HTTPStatus(err)
	}

	now := in.now()
	log.Status = status
	log.ResponseCode = code
	log.ResponseMessage = truncate(msg)
	log.ProcessedAt = &now
	uerr := in.db.WithContext(ctx).Model(&db.WebhookLog{}).Where("id = ?", log.ID).Updates(map[string]any{
		"status":           log.Status,
		"response_code":    log.ResponseCode,
		"response_message": log.ResponseMessage,
		"processed_at":     now,
	}).Error
	if uerr != nil {
		slog.ErrorContext(ctx, "record webhook result", "webhook_id", log.ID, "error", uerr)
	}

	attrs := []any{"webhook_id", log.ID, "source", log.Source, "event", log.EventType, "status", status}
	if status == db.WebhookFailed {
		slog.ErrorContext(ctx, "webhook processing failed", append(attrs, "error", err)...)
		return
	}
	slog.InfoContext(ctx, "webhook processed", append(attrs, "message", msg)...)
}

// ignored marks a delivery that is valid but asks for nothing.
type ignored struct{ reason string }

func (e ignored) Error() string { return e.reason }

func truncate(s string) string {
	if len(s) > 512 {
		return s[:512]
	}
	return s
}

func classify(source string, payload []byte) (kind, event string) {
	switch source {
	case db.ProviderNamePayPal:
		var ev paypalEvent
		if json.Unmarshal(payload, &ev) == nil {
			return ev.ResourceType, ev.EventType
		}
	case db.ProviderNameBlockchain:
		var t chainTransfer
		if json.Unmarshal(payload, &t) == nil {
			return "transfer", t.Network
		}
	}
	return "", ""
}

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
	"go-marketpay/payment/provider"
)

const (
	EventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied    = "PAYMENT.CAPTURE.DENIED"
	EventCaptureDeclined  = "PAYMENT.CAPTURE.DECLINED"
	EventCaptureRefunded  = "PAYMENT.CAPTURE.REFUNDED"
)

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalEvent struct {
	ID           string `json:"id"`
	EventType    string `json:"event_type"`
	ResourceType string `json:"resource_type"`
	Resource     struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
		Links []link `json:"links"`
	} `json:"resource"`
}

// up returns the last path segment of the resource's "up" link, which
// points at the parent object (the order of a capture, the capture of a
// refund).
func (e paypalEvent) up() string {
	for _, l := range e.Resource.Links {
		if l.Rel == "up" {
			return l.Href[strings.LastIndex(l.Href, "/")+1:]
		}
	}
	return ""
}

func (e paypalEvent) orderID() string {
	if id := e.Resource.SupplementaryData.RelatedIDs.OrderID; id != "" {
		return id
	}
	return e.up()
}

func (in *Intake) paypal(ctx context.Context, payload []byte) (string, error) {
	var ev paypalEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", fmt.Errorf("decode paypal event: %w: %w", errs.ErrBadRequest, err)
	}

	var (
		ref      string
		observed db.TxStatus
		external string
	)
	switch ev.EventType {
	case EventCaptureCompleted:
		ref, observed, external = ev.orderID(), db.TxCompleted, ev.Resource.ID
	case EventCaptureDenied, EventCaptureDeclined:
		ref, observed, external = ev.orderID(), db.TxFailed, ev.Resource.ID
	case EventCaptureRefunded:
		captureID := ev.up()
		if captureID == "" {
			return "", fmt.Errorf("refund %s has no capture link: %w", ev.Resource.ID, errs.ErrBadRequest)
		}
		tx, err := in.ledger.GetByExternalRef(ctx, captureID)
		if err != nil {
			return "", err
		}
		ref, observed = tx.PaymentRef, db.TxRefunded
	default:
		return "", ignored{fmt.Sprintf("event %s not handled", ev.EventType)}
	}
	if ref == "" {
		return "", fmt.Errorf("%s %s has no order reference: %w", ev.EventType, ev.Resource.ID, errs.ErrBadRequest)
	}

	out, err := in.finalizer.FinalizePayment(ctx, ref, observed, external)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("order %d %s, payment %s", out.OrderID, out.OrderStatus, out.TxStatus), nil
}

type chainTransfer struct {
	TxID          string          `json:"txid"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int             `json:"confirmations"`
	BlockNumber   int64           `json:"block_number"`
	Network       string          `json:"network"`
	// block time in ms, when the notifier reports it
	BlockTimestamp int64 `json:"block_timestamp"`
}

// transfers this far before a payment was opened never settle it
const clockSkew = 2 * time.Minute

func (in *Intake) blockchain(ctx context.Context, payload []byte) (string, error) {
	var t chainTransfer
	if err := json.Unmarshal(payload, &t); err != nil {
		return "", fmt.Errorf("decode transfer: %w: %w", errs.ErrBadRequest, err)
	}
	if t.TxID == "" || t.To == "" || !t.Amount.IsPositive() {
		return "", fmt.Errorf("transfer needs txid, to and a positive amount: %w", errs.ErrBadRequest)
	}
	if t.Network == "" {
		t.Network = db.NetworkTron
	}
	cfg, err := in.chains.Blockchain(ctx, t.Network)
	if err != nil {
		return "", err
	}
	if t.Confirmations < cfg.MinConfirmations {
		return "", ignored{fmt.Sprintf("%d of %d confirmations", t.Confirmations, cfg.MinConfirmations)}
	}

	t.To = provider.NormalizeAddress(t.Network, t.To)

	tx, err := in.ledger.FindOpenByPayment(ctx, t.To, t.Amount)
	if errors.Is(err, errs.ErrNotFound) {
		return "", ignored{fmt.Sprintf("no open payment of %s to %s", t.Amount, t.To)}
	}
	if err != nil {
		return "", err
	}
	if t.BlockTimestamp > 0 && time.UnixMilli(t.BlockTimestamp).Before(tx.CreatedAt.Add(-clockSkew)) {
		return "", ignored{fmt.Sprintf("transfer %s predates payment %s", t.TxID, tx.PaymentRef)}
	}
	prior, err := in.ledger.GetByExternalRef(ctx, t.TxID)
	switch {
	case err == nil && prior.ID != tx.ID:
		return "", ignored{fmt.Sprintf("transfer %s already settled payment %s", t.TxID, prior.PaymentRef)}
	case err != nil && !errors.Is(err, errs.ErrNotFound):
		return "", err
	}

	out, err := in.finalizer.FinalizePayment(ctx, tx.PaymentRef, db.TxCompleted, t.TxID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("order %d %s, payment %s", out.OrderID, out.OrderStatus, out.TxStatus), nil
}

package db

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
	OrderRefunded  OrderStatus = "refunded"
	OrderFailed    OrderStatus = "failed"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderCompleted, OrderCancelled, OrderRefunded, OrderFailed:
		return true
	}
	return false
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderPaid, OrderCompleted, OrderCancelled, OrderRefunded, OrderFailed:
		return true
	}
	return false
}

// settlement sub-states of a paid order
const (
	SettlementNone          = ""
	SettlementAwaitingPayee = "awaiting_payee_config"
	SettlementSettled       = "settled"
	SettlementOrphaned      = "orphaned" // money captured for an order that was already cancelled
)

type Order struct {
	ID               int64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	BuyerID          int64           `gorm:"not null;index:idx_orders_buyer_resource" json:"buyer_id"`
	ResourceID       int64           `gorm:"not null;index:idx_orders_buyer_resource" json:"resource_id"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"amount"` // snapshot of the resource price
	Currency         string          `gorm:"size:8;not null" json:"currency"`
	Status           OrderStatus     `gorm:"size:16;not null;index" json:"status"`
	PaymentMethod    *string         `gorm:"size:32" json:"payment_method"`
	PaymentRef       *string         `gorm:"size:191" json:"payment_ref,omitempty"`
	SettlementStatus string          `gorm:"size:32;index" json:"settlement_status,omitempty"`
	CreatedAt        time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ExpiresAt        time.Time       `gorm:"index" json:"expires_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxProcessing TxStatus = "processing"
	TxCompleted  TxStatus = "completed"
	TxFailed     TxStatus = "failed"
	TxCancelled  TxStatus = "cancelled"
	TxRefunded   TxStatus = "refunded"
)

func (s TxStatus) Terminal() bool {
	return s != TxPending && s != TxProcessing
}

// OpenTxStatuses are the statuses a transaction can still move out of.
var OpenTxStatuses = []TxStatus{TxPending, TxProcessing}

type PaymentTransaction struct {
	ID              int64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	OrderID         int64           `gorm:"not null;index" json:"order_id"`
	BuyerID         int64           `gorm:"not null" json:"buyer_id"`
	PaymentMethod   string          `gorm:"size:32;not null" json:"payment_method"`
	Provider        string          `gorm:"size:32;not null" json:"provider"`
	PaymentRef      string          `gorm:"size:191;not null;uniqueIndex" json:"payment_ref"`
	ExternalRef     string          `gorm:"size:191;index" json:"external_ref,omitempty"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"amount"`
	Currency        string          `gorm:"size:8;not null" json:"currency"`
	Status          TxStatus        `gorm:"size:16;not null;index" json:"status"`
	PayAddress      string          `gorm:"size:64;index" json:"pay_address,omitempty"` // on-chain receiving address
	PayAmount       decimal.Decimal `gorm:"type:decimal(20,6)" json:"pay_amount"`       // on-chain amount to match, may carry a disambiguation offset
	PaymentURL      string          `gorm:"size:1024" json:"payment_url,omitempty"`
	GatewayResponse string          `gorm:"type:text" json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

type ProviderType string

const (
	ProviderPlatform   ProviderType = "platform"
	ProviderThirdParty ProviderType = "third_party"
)

// Resource is owned by the resource catalogue; this service only reads it.
type Resource struct {
	ID             int64               `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Title          string              `gorm:"size:255" json:"title"`
	Price          decimal.Decimal     `gorm:"type:decimal(20,6);not null" json:"price"`
	ProviderType   ProviderType        `gorm:"size:16;not null" json:"provider_type"`
	OwnerID        *int64              `json:"owner_id,omitempty"`
	CommissionRate decimal.NullDecimal `gorm:"type:decimal(10,4)" json:"commission_rate"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// UserPayoutConfig is a payee's receiving destination for one payment method.
type UserPayoutConfig struct {
	ID          int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	PayeeID     int64     `gorm:"not null;index:idx_payout_cfg_payee_method" json:"payee_id"`
	Method      string    `gorm:"size:32;not null;index:idx_payout_cfg_payee_method" json:"method"`
	Destination string    `gorm:"size:255;not null" json:"destination"`
	DisplayName string    `gorm:"size:128" json:"display_name"`
	Active      bool      `gorm:"not null" json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const (
	RulePercentage = "percentage"
	RuleFixed      = "fixed"
)

type CommissionRule struct {
	ID        int64               `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name      string              `gorm:"size:128" json:"name"`
	Type      string              `gorm:"size:16;not null" json:"type"`
	Rate      decimal.Decimal     `gorm:"type:decimal(20,6);not null" json:"rate"`
	MinAmount decimal.NullDecimal `gorm:"type:decimal(20,6)" json:"min_amount"`
	MaxAmount decimal.NullDecimal `gorm:"type:decimal(20,6)" json:"max_amount"`
	Active    bool                `gorm:"not null;index" json:"active"`
	CreatedAt time.Time           `gorm:"index" json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

const (
	CommissionPending   = "pending"
	CommissionPaid      = "paid"
	CommissionCancelled = "cancelled"
)

type CommissionRecord struct {
	ID               int64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	OrderID          int64           `gorm:"not null;uniqueIndex" json:"order_id"`
	PayeeID          *int64          `gorm:"index" json:"payee_id"`
	RuleID           int64           `gorm:"not null" json:"rule_id"`
	GrossAmount      decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"gross_amount"`
	CommissionAmount decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"commission_amount"`
	PayeeAmount      decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"payee_amount"`
	Rate             decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"rate"`
	Status           string          `gorm:"size:16;not null" json:"status"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

const (
	RecipientSystem     = "system"
	RecipientUser       = "user"
	RecipientCommission = "commission"
)

// SettlementRecord is the receipt of one share of a settled order.
type SettlementRecord struct {
	ID            int64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	OrderID       int64           `gorm:"not null;uniqueIndex:idx_settlement_order_recipient" json:"order_id"`
	RecipientType string          `gorm:"size:16;not null;uniqueIndex:idx_settlement_order_recipient" json:"recipient_type"`
	Account       string          `gorm:"size:255" json:"account"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"amount"`
	Currency      string          `gorm:"size:8" json:"currency"`
	PaymentMethod string          `gorm:"size:32" json:"payment_method"`
	Description   string          `gorm:"size:255" json:"description"`
	CreatedAt     time.Time       `json:"created_at"`
}

const (
	PayoutPayee      = "payee"
	PayoutCommission = "commission"

	PayoutPending    = "pending"
	PayoutDispatched = "dispatched"
	PayoutFailed     = "failed"
	PayoutCancelled  = "cancelled"
)

// PayoutIntent is an outbox row for a transfer executed by the external
// payout API.
type PayoutIntent struct {
	ID            int64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	OrderID       int64           `gorm:"not null;uniqueIndex:idx_payout_order_kind" json:"order_id"`
	Kind          string          `gorm:"size:16;not null;uniqueIndex:idx_payout_order_kind" json:"kind"`
	PaymentMethod string          `gorm:"size:32;not null" json:"payment_method"`
	Destination   string          `gorm:"size:255;not null" json:"destination"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"amount"`
	Currency      string          `gorm:"size:8" json:"currency"`
	Status        string          `gorm:"size:16;not null;index" json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `gorm:"size:512" json:"last_error,omitempty"`
	CreatedAt     time.Time       `gorm:"index" json:"created_at"`
	DispatchedAt  *time.Time      `json:"dispatched_at,omitempty"`
}

const (
	WebhookPending  = "pending"
	WebhookSuccess  = "success"
	WebhookFailed   = "failed"
	WebhookIgnored  = "ignored"
	WebhookRejected = "rejected"
)

type WebhookLog struct {
	ID              int64      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	WebhookType     string     `gorm:"size:32" json:"webhook_type"`
	Source          string     `gorm:"size:32;index" json:"source"`
	EventType       string     `gorm:"size:64" json:"event_type"`
	Payload         string     `gorm:"type:text" json:"payload"`
	Headers         string     `gorm:"type:text" json:"headers,omitempty"`
	Signature       string     `gorm:"size:255" json:"-"`
	Status          string     `gorm:"size:16;index" json:"status"`
	ResponseCode    int        `json:"response_code"`
	ResponseMessage string     `gorm:"size:512" json:"response_message"`
	RetryCount      int        `json:"retry_count"`
	IPAddress       string     `gorm:"size:64" json:"ip_address"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"index" json:"created_at"`
}

type PayPalConfig struct {
	ID              int64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ClientID        string          `gorm:"size:255" json:"client_id"`
	ClientSecret    string          `gorm:"size:255" json:"client_secret"`
	Sandbox         bool            `json:"sandbox"`
	BaseURL         string          `gorm:"size:255" json:"base_url"`
	WebhookSecret   string          `gorm:"size:255" json:"webhook_secret"`
	ReturnURL       string          `gorm:"size:255" json:"return_url"`
	CancelURL       string          `gorm:"size:255" json:"cancel_url"`
	BrandName       string          `gorm:"size:128" json:"brand_name"`
	PlatformAccount string          `gorm:"size:255" json:"platform_account"`
	MinAmount       decimal.Decimal `gorm:"type:decimal(20,6)" json:"min_amount"`
	MaxAmount       decimal.Decimal `gorm:"type:decimal(20,6)" json:"max_amount"`
	FeeRate         decimal.Decimal `gorm:"type:decimal(10,4)" json:"fee_rate"`
	Active          bool            `gorm:"index" json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type BlockchainConfig struct {
	ID               int64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Network          string          `gorm:"size:16;not null;uniqueIndex" json:"network"` // tron, ethereum
	NetworkName      string          `gorm:"size:64" json:"network_name"`
	APIURL           string          `gorm:"size:255" json:"api_url"`
	APIKey           string          `gorm:"size:255" json:"api_key"`
	USDTContract     string          `gorm:"size:128" json:"usdt_contract"`
	WalletAddresses  []string        `gorm:"serializer:json;type:text" json:"wallet_addresses"`
	MinConfirmations int             `json:"min_confirmations"`
	WebhookSecret    string          `gorm:"size:255" json:"webhook_secret"`
	MinAmount        decimal.Decimal `gorm:"type:decimal(20,6)" json:"min_amount"`
	MaxAmount        decimal.Decimal `gorm:"type:decimal(20,6)" json:"max_amount"`
	FeeRate          decimal.Decimal `gorm:"type:decimal(10,4)" json:"fee_rate"`
	Active           bool            `json:"active"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// PaymentMethodConfig is one row of the method-name lookup table.
type PaymentMethodConfig struct {
	ID          int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	MethodID    string    `gorm:"size:32;not null;uniqueIndex" json:"method_id"` // paypal, usdt_tron, usdt_eth
	MethodName  string    `gorm:"size:64" json:"method_name"`
	Provider    string    `gorm:"size:32;not null" json:"provider"` // paypal, blockchain
	Network     string    `gorm:"size:16" json:"network,omitempty"`
	IconURL     string    `gorm:"size:255" json:"icon_url"`
	Description string    `gorm:"size:255" json:"description"`
	SortOrder   int       `json:"sort_order"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const (
	ProviderNamePayPal     = "paypal"
	ProviderNameBlockchain = "blockchain"

	NetworkTron     = "tron"
	NetworkEthereum = "ethereum"

	MethodPayPal   = "paypal"
	MethodUSDTTron = "usdt_tron"
	MethodUSDTEth  = "usdt_eth"
)

var Networks = []string{NetworkTron, NetworkEthereum}

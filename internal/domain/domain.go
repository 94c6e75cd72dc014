package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProjectStatus string

const (
	ProjectDraft       ProjectStatus = "draft"
	ProjectQuoted      ProjectStatus = "quoted"
	ProjectNegotiating ProjectStatus = "negotiating"
	ProjectAgreed      ProjectStatus = "agreed"
	ProjectEscrowed    ProjectStatus = "escrowed"
	ProjectInProgress  ProjectStatus = "in_progress"
	ProjectCompleted   ProjectStatus = "completed"
	ProjectProtection  ProjectStatus = "protection"
	ProjectReleased    ProjectStatus = "released"
	ProjectWithdrawn   ProjectStatus = "withdrawn"
	ProjectDisputed    ProjectStatus = "disputed"
	ProjectCancelled   ProjectStatus = "cancelled"
)

// ProjectStatuses lists every project status in lifecycle order.
var ProjectStatuses = []ProjectStatus{
	ProjectDraft, ProjectQuoted, ProjectNegotiating, ProjectAgreed, ProjectEscrowed,
	ProjectInProgress, ProjectCompleted, ProjectProtection, ProjectReleased,
	ProjectWithdrawn, ProjectDisputed, ProjectCancelled,
}

func (s ProjectStatus) Valid() bool {
	for _, v := range ProjectStatuses {
		if v == s {
			return true
		}
	}
	return false
}

type QuoteStatus string

const (
	QuotePending   QuoteStatus = "pending"
	QuoteAccepted  QuoteStatus = "accepted"
	QuoteRejected  QuoteStatus = "rejected"
	QuoteWithdrawn QuoteStatus = "withdrawn"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentDisputed   PaymentStatus = "disputed"
)

type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowDisputed EscrowStatus = "disputed"
	EscrowRefunded EscrowStatus = "refunded"
)

type ReleaseTrigger string

const (
	ReleaseManual    ReleaseTrigger = "manual"
	ReleaseAutomatic ReleaseTrigger = "automatic"
)

func (t ReleaseTrigger) Valid() bool {
	return t == ReleaseManual || t == ReleaseAutomatic
}

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalApproved   WithdrawalStatus = "approved"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalRejected   WithdrawalStatus = "rejected"
)

// Open reports whether the withdrawal still blocks new requests on its escrow.
func (s WithdrawalStatus) Open() bool {
	return s == WithdrawalPending || s == WithdrawalApproved || s == WithdrawalProcessing
}

// SystemActor is recorded as the actor of scheduler-driven changes.
const SystemActor = "system"

type Project struct {
	ID              string           `json:"id"`
	OwnerID         string           `json:"owner_id"`
	Title           string           `json:"title,omitempty"`
	Status          ProjectStatus    `json:"status"`
	AgreedPrice     *decimal.Decimal `json:"agreed_price,omitempty"`
	AgreedQuoteID   *string          `json:"agreed_quote_id,omitempty"`
	StatusChangedAt time.Time        `json:"status_changed_at"`
	EscrowDate      *time.Time       `json:"escrow_date,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	ProtectionEnd   *time.Time       `json:"protection_end,omitempty"`
	ReleasedAt      *time.Time       `json:"released_at,omitempty"`
	WithdrawnAt     *time.Time       `json:"withdrawn_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

type Quote struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	TradieID  string          `json:"tradie_id"`
	Price     decimal.Decimal `json:"price"`
	Status    QuoteStatus     `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Tradie carries the affiliate relationship used for fee splits.
type Tradie struct {
	ID             string    `json:"id"`
	ParentTradieID *string   `json:"parent_tradie_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FeeBreakdown is the immutable split of a gross amount.
type FeeBreakdown struct {
	Gross          decimal.Decimal `json:"gross_amount"`
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	AffiliateFee   decimal.Decimal `json:"affiliate_fee"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	ParentTradieID *string         `json:"parent_tradie_id,omitempty"`
}

type Payment struct {
	ID               string          `json:"id"`
	ProjectID        string          `json:"project_id"`
	QuoteID          string          `json:"quote_id"`
	PayerID          string          `json:"payer_id"`
	TradieID         string          `json:"tradie_id"`
	Currency         string          `json:"currency"`
	Fees             FeeBreakdown    `json:"fees"`
	Status           PaymentStatus   `json:"status"`
	GatewayReference *string         `json:"gateway_reference,omitempty"`
	ClientSecret     *string         `json:"-"`
	ChargeID         *string         `json:"charge_id,omitempty"`
	FailureReason    *string         `json:"failure_reason,omitempty"`
	RefundedAmount   decimal.Decimal `json:"refunded_amount"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

type EscrowAccount struct {
	ID             string          `json:"id"`
	PaymentID      string          `json:"payment_id"`
	ProjectID      string          `json:"project_id"`
	TradieID       string          `json:"tradie_id"`
	ParentTradieID *string         `json:"parent_tradie_id,omitempty"`
	GrossAmount    decimal.Decimal `json:"gross_amount"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	AffiliateFee   decimal.Decimal `json:"affiliate_fee"`
	Status         EscrowStatus    `json:"status"`
	ReleaseTrigger *ReleaseTrigger `json:"release_trigger,omitempty"`
	ReleasedBy     *string         `json:"released_by,omitempty"`
	ReleaseNotes   *string         `json:"release_notes,omitempty"`
	ReleasedAt     *time.Time      `json:"released_at,omitempty"`
	ProtectionEnd  *time.Time      `json:"protection_end,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type BankDetails struct {
	AccountName   string `json:"account_name"`
	RoutingNumber string `json:"routing_number"`
	AccountNumber string `json:"account_number"`
}

// Masked keeps only the last four digits of the account number.
func (b BankDetails) Masked() BankDetails {
	out := b
	n := len(b.AccountNumber)
	if n > 4 {
		out.AccountNumber = "****" + b.AccountNumber[n-4:]
	}
	return out
}

type Withdrawal struct {
	ID               string           `json:"id"`
	TradieID         string           `json:"tradie_id"`
	EscrowAccountID  string           `json:"escrow_account_id"`
	RequestedAmount  decimal.Decimal  `json:"requested_amount"`
	ProcessingFee    decimal.Decimal  `json:"processing_fee"`
	FinalAmount      decimal.Decimal  `json:"final_amount"`
	BankDetails      BankDetails      `json:"bank_details"`
	Status           WithdrawalStatus `json:"status"`
	ReferenceNumber  string           `json:"reference_number"`
	RejectionReason  *string          `json:"rejection_reason,omitempty"`
	PayoutReference  *string          `json:"payout_reference,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

type Balance struct {
	UserID         string          `json:"user_id"`
	Available      decimal.Decimal `json:"available"`
	TotalCredited  decimal.Decimal `json:"total_credited"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type BalanceEntryKind string

const (
	BalanceCreditNet       BalanceEntryKind = "credit_net"
	BalanceCreditAffiliate BalanceEntryKind = "credit_affiliate"
	BalanceDebitWithdrawal BalanceEntryKind = "debit_withdrawal"
)

type BalanceEntry struct {
	ID        int64            `json:"id"`
	UserID    string           `json:"user_id"`
	Kind      BalanceEntryKind `json:"kind"`
	Amount    decimal.Decimal  `json:"amount"`
	EntityID  string           `json:"entity_id"`
	CreatedAt time.Time        `json:"created_at"`
}

// ReleaseCandidate is a project whose protection window has elapsed.
type ReleaseCandidate struct {
	ProjectID     string    `json:"project_id"`
	EscrowID      string    `json:"escrow_id"`
	OwnerID       string    `json:"owner_id"`
	TradieID      string    `json:"tradie_id"`
	ProtectionEnd time.Time `json:"protection_end"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	KeyHash   string   `json:"key_hash"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

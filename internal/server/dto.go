package server

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"tradeescrow/internal/domain"
	"tradeescrow/internal/engine"
)

// Request payloads. Amounts travel as decimal strings.

type CreatePaymentRequest struct {
	ProjectID string `json:"project_id"`
	QuoteID   string `json:"quote_id"`
	PayerID   string `json:"payer_id,omitempty" doc:"Defaults to the caller"`
	TradieID  string `json:"tradie_id"`
	Amount    string `json:"amount" example:"1000.00"`
	Currency  string `json:"currency,omitempty" example:"AUD"`
}

type ConfirmPaymentRequest struct {
	Reference string `json:"reference"`
}

type RefundPaymentRequest struct {
	Reason string `json:"reason,omitempty"`
}

type GatewayWebhookRequest struct {
	Reference string `json:"reference"`
	Status    string `json:"status" enum:"succeeded,failed,pending"`
	Reason    string `json:"reason,omitempty"`
}

type ReleaseEscrowRequest struct {
	Notes string `json:"notes,omitempty"`
}

type BankDetailsRequest struct {
	AccountName   string `json:"account_name"`
	RoutingNumber string `json:"routing_number"`
	AccountNumber string `json:"account_number"`
}

type CreateWithdrawalRequest struct {
	TradieID string              `json:"tradie_id,omitempty" doc:"Defaults to the caller"`
	EscrowID string              `json:"escrow_account_id"`
	Amount   string              `json:"amount" example:"100.00"`
	Bank     *BankDetailsRequest `json:"bank_details,omitempty"`
}

type ProcessWithdrawalRequest struct {
	PayoutReference string `json:"payout_reference,omitempty"`
}

type RejectWithdrawalRequest struct {
	Reason string `json:"reason"`
}

type RegisterProjectRequest struct {
	OwnerID string `json:"owner_id"`
	Title   string `json:"title,omitempty"`
}

type UpsertQuoteRequest struct {
	ProjectID string `json:"project_id"`
	TradieID  string `json:"tradie_id"`
	Price     string `json:"price" example:"1000.00"`
	Status    string `json:"status,omitempty" enum:"pending,accepted,rejected,withdrawn"`
}

type UpsertTradieRequest struct {
	ParentTradieID *string `json:"parent_tradie_id,omitempty"`
}

type AgreeQuoteRequest struct {
	QuoteID string `json:"quote_id"`
}

type TransitionRequest struct {
	To string `json:"to"`
}

type OpenDisputeRequest struct {
	Reason string `json:"reason"`
}

type ResolveDisputeRequest struct {
	To    string `json:"to" enum:"in_progress,completed,protection,released,cancelled,escrowed"`
	Notes string `json:"notes,omitempty"`
}

// Responses

type FeesResponse struct {
	Gross          string  `json:"gross_amount"`
	PlatformFee    string  `json:"platform_fee"`
	AffiliateFee   string  `json:"affiliate_fee"`
	TaxAmount      string  `json:"tax_amount"`
	NetAmount      string  `json:"net_amount"`
	ParentTradieID *string `json:"parent_tradie_id,omitempty"`
}

type PaymentSessionResponse struct {
	PaymentID    string       `json:"payment_id"`
	Reference    string       `json:"reference"`
	ClientSecret string       `json:"client_secret"`
	Status       string       `json:"status"`
	Fees         FeesResponse `json:"fees"`
}

type PaymentResponse struct {
	ID               string       `json:"id"`
	ProjectID        string       `json:"project_id"`
	QuoteID          string       `json:"quote_id"`
	PayerID          string       `json:"payer_id"`
	TradieID         string       `json:"tradie_id"`
	Currency         string       `json:"currency"`
	Fees             FeesResponse `json:"fees"`
	Status           string       `json:"status"`
	GatewayReference *string      `json:"gateway_reference,omitempty"`
	ChargeID         *string      `json:"charge_id,omitempty"`
	FailureReason    *string      `json:"failure_reason,omitempty"`
	RefundedAmount   string       `json:"refunded_amount"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	FeesVerified     *bool        `json:"fees_verified,omitempty" doc:"Stored fees match a recomputation under the current rates"`
}

type EscrowResponse struct {
	ID             string     `json:"id"`
	PaymentID      string     `json:"payment_id"`
	ProjectID      string     `json:"project_id"`
	TradieID       string     `json:"tradie_id"`
	ParentTradieID *string    `json:"parent_tradie_id,omitempty"`
	GrossAmount    string     `json:"gross_amount"`
	NetAmount      string     `json:"net_amount"`
	AffiliateFee   string     `json:"affiliate_fee"`
	Status         string     `json:"status"`
	ReleaseTrigger *string    `json:"release_trigger,omitempty"`
	ReleasedBy     *string    `json:"released_by,omitempty"`
	ReleaseNotes   *string    `json:"release_notes,omitempty"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
	ProtectionEnd  *time.Time `json:"protection_end,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type ProjectResponse struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Title           string     `json:"title,omitempty"`
	Status          string     `json:"status"`
	AgreedPrice     *string    `json:"agreed_price,omitempty"`
	AgreedQuoteID   *string    `json:"agreed_quote_id,omitempty"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
	EscrowDate      *time.Time `json:"escrow_date,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ProtectionEnd   *time.Time `json:"protection_end,omitempty"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
	WithdrawnAt     *time.Time `json:"withdrawn_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type ProjectStatusResponse struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
}

type QuoteResponse struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	TradieID  string    `json:"tradie_id"`
	Price     string    `json:"price"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TradieResponse struct {
	ID             string    `json:"id"`
	ParentTradieID *string   `json:"parent_tradie_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ReleaseResponse struct {
	Released bool            `json:"released"`
	Escrow   EscrowResponse  `json:"escrow"`
	Project  ProjectResponse `json:"project"`
	Warnings []string        `json:"warnings,omitempty"`
}

type GatewayEventResponse struct {
	Action  string           `json:"action"`
	Escrow  *EscrowResponse  `json:"escrow,omitempty"`
	Payment *PaymentResponse `json:"payment,omitempty"`
}

type BankDetailsResponse struct {
	AccountName   string `json:"account_name"`
	RoutingNumber string `json:"routing_number"`
	AccountNumber string `json:"account_number"`
}

type WithdrawalResponse struct {
	ID              string              `json:"id"`
	TradieID        string              `json:"tradie_id"`
	EscrowAccountID string              `json:"escrow_account_id"`
	RequestedAmount string              `json:"requested_amount"`
	ProcessingFee   string              `json:"processing_fee"`
	FinalAmount     string              `json:"final_amount"`
	BankDetails     BankDetailsResponse `json:"bank_details"`
	Status          string              `json:"status"`
	ReferenceNumber string              `json:"reference_number"`
	RejectionReason *string             `json:"rejection_reason,omitempty"`
	PayoutReference *string             `json:"payout_reference,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}

type EscrowListResponse struct {
	Items []EscrowResponse `json:"items"`
}

type WithdrawalListResponse struct {
	Items []WithdrawalResponse `json:"items"`
}

type BalanceEntryResponse struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Amount    string    `json:"amount"`
	EntityID  string    `json:"entity_id"`
	CreatedAt time.Time `json:"created_at"`
}

type BalanceResponse struct {
	UserID         string                 `json:"user_id"`
	Available      string                 `json:"available"`
	TotalCredited  string                 `json:"total_credited"`
	TotalWithdrawn string                 `json:"total_withdrawn"`
	UpdatedAt      time.Time              `json:"updated_at"`
	Entries        []BalanceEntryResponse `json:"entries"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Mapping helpers

func amount(d decimal.Decimal) string { return d.StringFixed(2) }

func feesResponse(f domain.FeeBreakdown) FeesResponse {
	return FeesResponse{
		Gross:          amount(f.Gross),
		PlatformFee:    amount(f.PlatformFee),
		AffiliateFee:   amount(f.AffiliateFee),
		TaxAmount:      amount(f.TaxAmount),
		NetAmount:      amount(f.NetAmount),
		ParentTradieID: f.ParentTradieID,
	}
}

func sessionResponse(s engine.PaymentSession) PaymentSessionResponse {
	return PaymentSessionResponse{
		PaymentID:    s.PaymentID,
		Reference:    s.Reference,
		ClientSecret: s.ClientSecret,
		Status:       string(s.Status),
		Fees:         feesResponse(s.Fees),
	}
}

func paymentResponse(p domain.Payment) PaymentResponse {
	return PaymentResponse{
		ID:               p.ID,
		ProjectID:        p.ProjectID,
		QuoteID:          p.QuoteID,
		PayerID:          p.PayerID,
		TradieID:         p.TradieID,
		Currency:         p.Currency,
		Fees:             feesResponse(p.Fees),
		Status:           string(p.Status),
		GatewayReference: p.GatewayReference,
		ChargeID:         p.ChargeID,
		FailureReason:    p.FailureReason,
		RefundedAmount:   amount(p.RefundedAmount),
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
		CompletedAt:      p.CompletedAt,
	}
}

func escrowResponse(e domain.EscrowAccount) EscrowResponse {
	res := EscrowResponse{
		ID:             e.ID,
		PaymentID:      e.PaymentID,
		ProjectID:      e.ProjectID,
		TradieID:       e.TradieID,
		ParentTradieID: e.ParentTradieID,
		GrossAmount:    amount(e.GrossAmount),
		NetAmount:      amount(e.NetAmount),
		AffiliateFee:   amount(e.AffiliateFee),
		Status:         string(e.Status),
		ReleasedBy:     e.ReleasedBy,
		ReleaseNotes:   e.ReleaseNotes,
		ReleasedAt:     e.ReleasedAt,
		ProtectionEnd:  e.ProtectionEnd,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
	if e.ReleaseTrigger != nil {
		res.ReleaseTrigger = strPtr(string(*e.ReleaseTrigger))
	}
	return res
}

func projectResponse(p domain.Project) ProjectResponse {
	res := ProjectResponse{
		ID:              p.ID,
		OwnerID:         p.OwnerID,
		Title:           p.Title,
		Status:          string(p.Status),
		AgreedQuoteID:   p.AgreedQuoteID,
		StatusChangedAt: p.StatusChangedAt,
		EscrowDate:      p.EscrowDate,
		CompletedAt:     p.CompletedAt,
		ProtectionEnd:   p.ProtectionEnd,
		ReleasedAt:      p.ReleasedAt,
		WithdrawnAt:     p.WithdrawnAt,
		CreatedAt:       p.CreatedAt,
	}
	if p.AgreedPrice != nil {
		res.AgreedPrice = strPtr(amount(*p.AgreedPrice))
	}
	return res
}

func quoteResponse(q domain.Quote) QuoteResponse {
	return QuoteResponse{
		ID:        q.ID,
		ProjectID: q.ProjectID,
		TradieID:  q.TradieID,
		Price:     amount(q.Price),
		Status:    string(q.Status),
		UpdatedAt: q.UpdatedAt,
	}
}

func tradieResponse(t domain.Tradie) TradieResponse {
	return TradieResponse{ID: t.ID, ParentTradieID: t.ParentTradieID, UpdatedAt: t.UpdatedAt}
}

func releaseResponse(r engine.ReleaseResult) ReleaseResponse {
	res := ReleaseResponse{
		Released: r.Released,
		Escrow:   escrowResponse(r.Escrow),
		Project:  projectResponse(r.Project),
	}
	for _, err := range r.NotifyErrors {
		res.Warnings = append(res.Warnings, err.Error())
	}
	return res
}

func gatewayEventResponse(r engine.GatewayEventResult) GatewayEventResponse {
	res := GatewayEventResponse{Action: r.Action}
	if r.Escrow != nil {
		esc := escrowResponse(*r.Escrow)
		res.Escrow = &esc
	}
	if r.Payment != nil {
		pay := paymentResponse(*r.Payment)
		res.Payment = &pay
	}
	return res
}

// withdrawalResponse never exposes the full account number.
func withdrawalResponse(w domain.Withdrawal) WithdrawalResponse {
	bank := w.BankDetails.Masked()
	return WithdrawalResponse{
		ID:              w.ID,
		TradieID:        w.TradieID,
		EscrowAccountID: w.EscrowAccountID,
		RequestedAmount: amount(w.RequestedAmount),
		ProcessingFee:   amount(w.ProcessingFee),
		FinalAmount:     amount(w.FinalAmount),
		BankDetails: BankDetailsResponse{
			AccountName:   bank.AccountName,
			RoutingNumber: bank.RoutingNumber,
			AccountNumber: bank.AccountNumber,
		},
		Status:          string(w.Status),
		ReferenceNumber: w.ReferenceNumber,
		RejectionReason: w.RejectionReason,
		PayoutReference: w.PayoutReference,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
		CompletedAt:     w.CompletedAt,
	}
}

func balanceResponse(b engine.BalanceView) BalanceResponse {
	res := BalanceResponse{
		UserID:         b.UserID,
		Available:      amount(b.Available),
		TotalCredited:  amount(b.TotalCredited),
		TotalWithdrawn: amount(b.TotalWithdrawn),
		UpdatedAt:      b.UpdatedAt,
		Entries:        []BalanceEntryResponse{},
	}
	for _, e := range b.Entries {
		res.Entries = append(res.Entries, BalanceEntryResponse{
			ID:        e.ID,
			Kind:      string(e.Kind),
			Amount:    amount(e.Amount),
			EntityID:  e.EntityID,
			CreatedAt: e.CreatedAt,
		})
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func strPtr(in string) *string {
	return &in
}

package escrowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal escrow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g.
// https://escrow.example.com/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Amounts are decimal strings with two places, e.g. "1000.00".

type Fees struct {
	Gross          string  `json:"gross_amount"`
	PlatformFee    string  `json:"platform_fee"`
	AffiliateFee   string  `json:"affiliate_fee"`
	TaxAmount      string  `json:"tax_amount"`
	NetAmount      string  `json:"net_amount"`
	ParentTradieID *string `json:"parent_tradie_id,omitempty"`
}

type PaymentSession struct {
	PaymentID    string `json:"payment_id"`
	Reference    string `json:"reference"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
	Fees         Fees   `json:"fees"`
}

type Payment struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	QuoteID          string  `json:"quote_id"`
	PayerID          string  `json:"payer_id"`
	TradieID         string  `json:"tradie_id"`
	Currency         string  `json:"currency"`
	Fees             Fees    `json:"fees"`
	Status           string  `json:"status"`
	GatewayReference *string `json:"gateway_reference,omitempty"`
	FailureReason    *string `json:"failure_reason,omitempty"`
	RefundedAmount   string  `json:"refunded_amount"`
}

type Escrow struct {
	ID             string     `json:"id"`
	PaymentID      string     `json:"payment_id"`
	ProjectID      string     `json:"project_id"`
	TradieID       string     `json:"tradie_id"`
	GrossAmount    string     `json:"gross_amount"`
	NetAmount      string     `json:"net_amount"`
	AffiliateFee   string     `json:"affiliate_fee"`
	Status         string     `json:"status"`
	ReleaseTrigger *string    `json:"release_trigger,omitempty"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
	ProtectionEnd  *time.Time `json:"protection_end,omitempty"`
}

type Project struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Title         string     `json:"title,omitempty"`
	Status        string     `json:"status"`
	AgreedPrice   *string    `json:"agreed_price,omitempty"`
	AgreedQuoteID *string    `json:"agreed_quote_id,omitempty"`
	ProtectionEnd *time.Time `json:"protection_end,omitempty"`
}

type Quote struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	TradieID  string `json:"tradie_id"`
	Price     string `json:"price"`
	Status    string `json:"status,omitempty"`
}

type Release struct {
	Released bool     `json:"released"`
	Escrow   Escrow   `json:"escrow"`
	Project  Project  `json:"project"`
	Warnings []string `json:"warnings,omitempty"`
}

type BankDetails struct {
	AccountName   string `json:"account_name"`
	RoutingNumber string `json:"routing_number"`
	AccountNumber string `json:"account_number"`
}

type Withdrawal struct {
	ID              string      `json:"id"`
	TradieID        string      `json:"tradie_id"`
	EscrowAccountID string      `json:"escrow_account_id"`
	RequestedAmount string      `json:"requested_amount"`
	ProcessingFee   string      `json:"processing_fee"`
	FinalAmount     string      `json:"final_amount"`
	BankDetails     BankDetails `json:"bank_details"`
	Status          string      `json:"status"`
	ReferenceNumber string      `json:"reference_number"`
	RejectionReason *string     `json:"rejection_reason,omitempty"`
}

type BalanceEntry struct {
	ID       int64  `json:"id"`
	Kind     string `json:"kind"`
	Amount   string `json:"amount"`
	EntityID string `json:"entity_id"`
}

type Balance struct {
	UserID         string         `json:"user_id"`
	Available      string         `json:"available"`
	TotalCredited  string         `json:"total_credited"`
	TotalWithdrawn string         `json:"total_withdrawn"`
	Entries        []BalanceEntry `json:"entries"`
}

type SweepReport struct {
	Processed   int  `json:"processed"`
	Succeeded   int  `json:"succeeded"`
	Skipped     int  `json:"skipped"`
	Failed      int  `json:"failed"`
	LockSkipped bool `json:"lock_skipped,omitempty"`
	Errors      []struct {
		ProjectID string `json:"project_id"`
		EscrowID  string `json:"escrow_id"`
		Error     string `json:"error"`
	} `json:"errors,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type CreatePaymentInput struct {
	ProjectID string `json:"project_id"`
	QuoteID   string `json:"quote_id"`
	PayerID   string `json:"payer_id,omitempty"`
	TradieID  string `json:"tradie_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency,omitempty"`
}

func (c *Client) CreatePayment(ctx context.Context, in CreatePaymentInput) (PaymentSession, error) {
	var resp PaymentSession
	err := c.do(ctx, http.MethodPost, "payments", in, &resp)
	return resp, err
}

func (c *Client) GetPayment(ctx context.Context, id string) (Payment, error) {
	var resp Payment
	err := c.do(ctx, http.MethodGet, "payments/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ConfirmPayment confirms the payment's gateway session and returns the new escrow.
func (c *Client) ConfirmPayment(ctx context.Context, paymentID string) (Escrow, error) {
	var resp Escrow
	err := c.do(ctx, http.MethodPost, "payments/"+url.PathEscape(paymentID)+"/confirm", nil, &resp)
	return resp, err
}

func (c *Client) RefundPayment(ctx context.Context, paymentID, reason string) (Payment, error) {
	var resp Payment
	err := c.do(ctx, http.MethodPost, "payments/"+url.PathEscape(paymentID)+"/refund", map[string]string{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) GetEscrow(ctx context.Context, id string) (Escrow, error) {
	var resp Escrow
	err := c.do(ctx, http.MethodGet, "escrows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListEscrows returns tradieID's escrow accounts; empty lists the caller's own.
func (c *Client) ListEscrows(ctx context.Context, tradieID string) ([]Escrow, error) {
	endpoint := "escrows"
	if tradieID != "" {
		endpoint += "?tradie_id=" + url.QueryEscape(tradieID)
	}
	var resp struct {
		Items []Escrow `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) ReleaseEscrow(ctx context.Context, id, notes string) (Release, error) {
	var resp Release
	err := c.do(ctx, http.MethodPost, "escrows/"+url.PathEscape(id)+"/release", map[string]string{"notes": notes}, &resp)
	return resp, err
}

type WithdrawalInput struct {
	TradieID string      `json:"tradie_id,omitempty"`
	EscrowID string      `json:"escrow_account_id"`
	Amount   string      `json:"amount"`
	Bank     BankDetails `json:"bank_details"`
}

func (c *Client) RequestWithdrawal(ctx context.Context, in WithdrawalInput) (Withdrawal, error) {
	var resp Withdrawal
	err := c.do(ctx, http.MethodPost, "withdrawals", in, &resp)
	return resp, err
}

// ListWithdrawals filters by tradie, escrow and status; empty values are ignored.
func (c *Client) ListWithdrawals(ctx context.Context, tradieID, escrowID, status string) ([]Withdrawal, error) {
	q := url.Values{}
	for k, v := range map[string]string{"tradie_id": tradieID, "escrow_id": escrowID, "status": status} {
		if v != "" {
			q.Set(k, v)
		}
	}
	endpoint := "withdrawals"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Withdrawal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) ApproveWithdrawal(ctx context.Context, id string) (Withdrawal, error) {
	return c.moveWithdrawal(ctx, id, "approve", nil)
}

func (c *Client) ProcessWithdrawal(ctx context.Context, id, payoutReference string) (Withdrawal, error) {
	return c.moveWithdrawal(ctx, id, "process", map[string]string{"payout_reference": payoutReference})
}

func (c *Client) CompleteWithdrawal(ctx context.Context, id string) (Withdrawal, error) {
	return c.moveWithdrawal(ctx, id, "complete", nil)
}

func (c *Client) RejectWithdrawal(ctx context.Context, id, reason string) (Withdrawal, error) {
	return c.moveWithdrawal(ctx, id, "reject", map[string]string{"reason": reason})
}

func (c *Client) moveWithdrawal(ctx context.Context, id, action string, body any) (Withdrawal, error) {
	var resp Withdrawal
	err := c.do(ctx, http.MethodPost, "withdrawals/"+url.PathEscape(id)+"/"+action, body, &resp)
	return resp, err
}

func (c *Client) RegisterProject(ctx context.Context, id, ownerID, title string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPut, "projects/"+url.PathEscape(id), map[string]string{"owner_id": ownerID, "title": title}, &resp)
	return resp, err
}

func (c *Client) ProjectStatus(ctx context.Context, id string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id)+"/status", nil, &resp)
	return resp.Status, err
}

func (c *Client) UpsertQuote(ctx context.Context, q Quote) (Quote, error) {
	var resp Quote
	body := map[string]string{"project_id": q.ProjectID, "tradie_id": q.TradieID, "price": q.Price}
	if q.Status != "" {
		body["status"] = q.Status
	}
	err := c.do(ctx, http.MethodPut, "quotes/"+url.PathEscape(q.ID), body, &resp)
	return resp, err
}

// UpsertTradie records a tradie and, when parentID is set, its affiliate parent.
func (c *Client) UpsertTradie(ctx context.Context, id, parentID string) error {
	body := map[string]any{}
	if parentID != "" {
		body["parent_tradie_id"] = parentID
	}
	return c.do(ctx, http.MethodPut, "tradies/"+url.PathEscape(id), body, nil)
}

func (c *Client) AgreeQuote(ctx context.Context, projectID, quoteID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(projectID)+"/agree", map[string]string{"quote_id": quoteID}, &resp)
	return resp, err
}

func (c *Client) TransitionProject(ctx context.Context, projectID, to string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(projectID)+"/transitions", map[string]string{"to": to}, &resp)
	return resp, err
}

func (c *Client) OpenDispute(ctx context.Context, projectID, reason string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(projectID)+"/disputes", map[string]string{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) ResolveDispute(ctx context.Context, projectID, to, notes string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(projectID)+"/disputes/resolve", map[string]string{"to": to, "notes": notes}, &resp)
	return resp, err
}

func (c *Client) Balance(ctx context.Context, userID string, entries int) (Balance, error) {
	var resp Balance
	endpoint := fmt.Sprintf("balances/%s?entries=%d", url.PathEscape(userID), entries)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RunAutoRelease triggers one auto-release sweep on the server.
func (c *Client) RunAutoRelease(ctx context.Context) (SweepReport, error) {
	var resp SweepReport
	err := c.do(ctx, http.MethodPost, "sweeps/auto-release", nil, &resp)
	return resp, err
}

// EventsPage returns a page of events, newest first. Pass the previous page's NextCursor to
// continue.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

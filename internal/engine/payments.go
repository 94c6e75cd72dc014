package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeescrow/internal/domain"
	"tradeescrow/internal/events"
	"tradeescrow/internal/fees"
	"tradeescrow/internal/gateway"
	"tradeescrow/internal/lifecycle"
	"tradeescrow/internal/notify"
	"tradeescrow/internal/repo"
)

// GatewayActor is recorded for changes driven by gateway callbacks.
const GatewayActor = "gateway"

type CreatePaymentRequest struct {
	ProjectID string
	QuoteID   string
	PayerID   string
	TradieID  string
	Amount    decimal.Decimal
	Currency  string
}

// PaymentSession is what the payer needs to finish checkout.
type PaymentSession struct {
	PaymentID    string               `json:"payment_id"`
	Reference    string               `json:"reference"`
	ClientSecret string               `json:"client_secret"`
	Status       domain.PaymentStatus `json:"status"`
	Fees         domain.FeeBreakdown  `json:"fees"`
}

func sessionOf(p domain.Payment) PaymentSession {
	s := PaymentSession{PaymentID: p.ID, Status: p.Status, Fees: p.Fees}
	if p.GatewayReference != nil {
		s.Reference = *p.GatewayReference
	}
	if p.ClientSecret != nil {
		s.ClientSecret = *p.ClientSecret
	}
	return s
}

// CreatePayment validates the payer and quote, records a pending payment with its fee
// breakdown and opens a gateway session for it. A retry for the same project and quote
// reuses the pending payment, or returns the open session when one already exists.
func (e Engine) CreatePayment(ctx context.Context, req CreatePaymentRequest) (PaymentSession, error) {
	if strings.TrimSpace(req.ProjectID) == "" || strings.TrimSpace(req.QuoteID) == "" ||
		strings.TrimSpace(req.PayerID) == "" || strings.TrimSpace(req.TradieID) == "" {
		return PaymentSession{}, domain.ErrInvalidInput.WithMessage("project, quote, payer and tradie are required")
	}
	if err := checkAmount(req.Amount); err != nil {
		return PaymentSession{}, err
	}
	if req.Currency == "" {
		req.Currency = e.Config.Platform.Currency
	}
	req.Currency = strings.ToUpper(req.Currency)
	if req.Currency != strings.ToUpper(e.Config.Platform.Currency) {
		return PaymentSession{}, domain.ErrInvalidInput.WithMessage("unsupported currency %s", req.Currency)
	}
	if e.Gateway == nil {
		return PaymentSession{}, domain.ErrGateway.WithMessage("no payment gateway configured")
	}

	p, err := e.Repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		return PaymentSession{}, notFoundErr("project", req.ProjectID, err)
	}
	q, err := e.Repo.GetQuote(ctx, req.QuoteID)
	if err != nil {
		return PaymentSession{}, notFoundErr("quote", req.QuoteID, err)
	}
	switch {
	case q.ProjectID != p.ID:
		return PaymentSession{}, domain.ErrQuoteMismatch.WithMessage("quote %s does not belong to project %s", q.ID, p.ID)
	case q.Status != domain.QuoteAccepted:
		return PaymentSession{}, domain.ErrQuoteMismatch.WithMessage("quote %s is %s, not accepted", q.ID, q.Status)
	case q.TradieID != req.TradieID:
		return PaymentSession{}, domain.ErrQuoteMismatch.WithMessage("quote %s belongs to a different tradie", q.ID)
	case !req.Amount.Round(fees.Places).Equal(q.Price):
		return PaymentSession{}, domain.ErrQuoteMismatch.WithMessage("amount %s does not match quote price %s", money(req.Amount), money(q.Price))
	}
	if p.OwnerID != req.PayerID {
		return PaymentSession{}, domain.ErrUnauthorizedPayer
	}

	pay, err := e.Repo.FindLivePayment(ctx, nil, p.ID, q.ID)
	switch {
	case err == nil:
		switch pay.Status {
		case domain.PaymentProcessing:
			return sessionOf(pay), nil
		case domain.PaymentPending:
			return e.authorize(ctx, pay)
		default:
			return PaymentSession{}, domain.ErrPaymentCompleted.WithMessage("payment %s is already %s", pay.ID, pay.Status)
		}
	case !errors.Is(err, repo.ErrNotFound):
		return PaymentSession{}, persistErr("find payment", err)
	}

	if p.Status != domain.ProjectAgreed {
		return PaymentSession{}, domain.ErrInvalidTransition.WithMessage("project %s is %s; payment requires an agreed project", p.ID, p.Status)
	}
	if p.AgreedQuoteID == nil || *p.AgreedQuoteID != q.ID {
		return PaymentSession{}, domain.ErrQuoteMismatch.WithMessage("project %s was not agreed on quote %s", p.ID, q.ID)
	}

	breakdown, err := e.Fees.ComputeForTradie(ctx, req.Amount, req.TradieID, e.Repo)
	if err != nil {
		return PaymentSession{}, err
	}
	now := e.now()
	pay = domain.Payment{
		ID:        uuid.NewString(),
		ProjectID: p.ID,
		QuoteID:   q.ID,
		PayerID:   req.PayerID,
		TradieID:  req.TradieID,
		Currency:  req.Currency,
		Fees:      breakdown,
		Status:    domain.PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PaymentSession{}, persistErr("begin", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPayment(ctx, tx, pay); err != nil {
		if repo.IsUniqueViolation(err) {
			tx.Rollback()
			return e.CreatePayment(ctx, req)
		}
		return PaymentSession{}, persistErr("insert payment", err)
	}
	if err := e.appendEvent(ctx, tx, events.PaymentCreated, p.ID, "payment", pay.ID, req.PayerID, events.EventPayload{
		"quote_id":      q.ID,
		"gross_amount":  money(breakdown.Gross),
		"platform_fee":  money(breakdown.PlatformFee),
		"affiliate_fee": money(breakdown.AffiliateFee),
		"tax_amount":    money(breakdown.TaxAmount),
		"net_amount":    money(breakdown.NetAmount),
		"currency":      pay.Currency,
	}); err != nil {
		return PaymentSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return PaymentSession{}, persistErr("commit", err)
	}
	return e.authorize(ctx, pay)
}

// authorize opens the gateway session for a pending payment. On failure the payment stays
// pending so the caller can retry.
func (e Engine) authorize(ctx context.Context, pay domain.Payment) (PaymentSession, error) {
	gctx, cancel := e.gatewayCtx(ctx)
	auth, err := e.Gateway.Authorize(gctx, gateway.AuthorizeRequest{
		Amount:   pay.Fees.Gross,
		Currency: pay.Currency,
		Metadata: map[string]string{"payment_id": pay.ID, "project_id": pay.ProjectID, "quote_id": pay.QuoteID},
	})
	cancel()
	if err != nil {
		e.log().Warn("gateway authorize failed", zap.String("payment_id", pay.ID), zap.Error(err))
		return PaymentSession{}, domain.ErrGateway.WithMessage("authorize payment %s", pay.ID).Wrap(err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PaymentSession{}, persistErr("begin", err)
	}
	defer tx.Rollback()
	ok, err := e.Repo.SetPaymentAuthorization(ctx, tx, pay.ID, auth.Reference, auth.ClientSecret, e.now())
	if err != nil {
		return PaymentSession{}, persistErr("store authorization", err)
	}
	if !ok {
		current, err := e.Repo.GetPaymentTx(ctx, tx, pay.ID)
		if err != nil {
			return PaymentSession{}, persistErr("reload payment", err)
		}
		return sessionOf(current), nil
	}
	if err := e.appendEvent(ctx, tx, events.PaymentAuthorized, pay.ProjectID, "payment", pay.ID, pay.PayerID,
		events.EventPayload{"reference": auth.Reference, "gateway": e.Gateway.Name()}); err != nil {
		return PaymentSession{}, err
	}
	current, err := e.Repo.GetPaymentTx(ctx, tx, pay.ID)
	if err != nil {
		return PaymentSession{}, persistErr("reload payment", err)
	}
	if err := tx.Commit(); err != nil {
		return PaymentSession{}, persistErr("commit", err)
	}
	e.log().Info("payment authorized", zap.String("payment_id", pay.ID), zap.String("reference", auth.Reference))
	return sessionOf(current), nil
}

// FeesMatchRates recomputes the payment's stored breakdown under the configured rates. The
// stored breakdown is never rewritten; a mismatch is logged and reported.
func (e Engine) FeesMatchRates(pay domain.Payment) bool {
	ok, err := e.Fees.Verify(pay.Fees, pay.TradieID)
	if err != nil || !ok {
		e.log().Warn("stored fees differ from current rates",
			zap.String("payment_id", pay.ID),
			zap.String("gross_amount", money(pay.Fees.Gross)),
			zap.Error(err))
		return false
	}
	return true
}

// ConfirmPayment completes a captured payment, creates its escrow and moves the project to
// escrowed. Repeated calls return the same escrow.
func (e Engine) ConfirmPayment(ctx context.Context, reference string) (domain.EscrowAccount, error) {
	if strings.TrimSpace(reference) == "" {
		return domain.EscrowAccount{}, domain.ErrInvalidInput.WithMessage("payment reference is required")
	}
	pay, err := e.Repo.GetPaymentByReference(ctx, nil, reference)
	if err != nil {
		return domain.EscrowAccount{}, notFoundErr("payment reference", reference, err)
	}
	if existing, err := e.Repo.GetEscrowByPayment(ctx, nil, pay.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.EscrowAccount{}, persistErr("load escrow", err)
	}

	chargeID := ""
	switch pay.Status {
	case domain.PaymentFailed:
		return domain.EscrowAccount{}, domain.ErrPaymentFailed
	case domain.PaymentPending, domain.PaymentProcessing:
		if e.Gateway == nil {
			return domain.EscrowAccount{}, domain.ErrGateway.WithMessage("no payment gateway configured")
		}
		gctx, cancel := e.gatewayCtx(ctx)
		conf, err := e.Gateway.Confirm(gctx, reference)
		cancel()
		if err != nil {
			e.log().Warn("gateway confirm failed", zap.String("payment_id", pay.ID), zap.Error(err))
			return domain.EscrowAccount{}, domain.ErrGateway.WithMessage("confirm payment %s", pay.ID).Wrap(err)
		}
		switch conf.Status {
		case gateway.StatusSucceeded:
			chargeID = conf.ChargeID
		case gateway.StatusFailed:
			if _, err := e.failPayment(ctx, pay, conf.FailureReason); err != nil {
				return domain.EscrowAccount{}, err
			}
			return domain.EscrowAccount{}, domain.ErrPaymentFailed
		default:
			return domain.EscrowAccount{}, domain.ErrPaymentState.WithMessage("payment %s capture is still %s", pay.ID, conf.Status)
		}
	case domain.PaymentCompleted:
		// completed without escrow: resume at escrow creation
	default:
		return domain.EscrowAccount{}, domain.ErrPaymentState.WithMessage("payment %s is %s", pay.ID, pay.Status)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EscrowAccount{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	now := e.now()
	if pay.Status != domain.PaymentCompleted {
		ok, err := e.Repo.CompletePayment(ctx, tx, pay.ID, chargeID, now)
		if err != nil {
			return domain.EscrowAccount{}, persistErr("complete payment", err)
		}
		if !ok {
			current, err := e.Repo.GetPaymentTx(ctx, tx, pay.ID)
			if err != nil {
				return domain.EscrowAccount{}, persistErr("reload payment", err)
			}
			if current.Status != domain.PaymentCompleted {
				return domain.EscrowAccount{}, domain.ErrPaymentState.WithMessage("payment %s is %s", pay.ID, current.Status)
			}
		} else if err := e.appendEvent(ctx, tx, events.PaymentCompleted, pay.ProjectID, "payment", pay.ID, GatewayActor,
			events.EventPayload{"charge_id": chargeID, "gross_amount": money(pay.Fees.Gross)}); err != nil {
			return domain.EscrowAccount{}, err
		}
	}

	// the escrow takes the stored breakdown even if rates moved since the payment started
	e.FeesMatchRates(pay)

	esc := domain.EscrowAccount{
		ID:             uuid.NewString(),
		PaymentID:      pay.ID,
		ProjectID:      pay.ProjectID,
		TradieID:       pay.TradieID,
		ParentTradieID: pay.Fees.ParentTradieID,
		GrossAmount:    pay.Fees.Gross,
		NetAmount:      pay.Fees.NetAmount,
		AffiliateFee:   pay.Fees.AffiliateFee,
		Status:         domain.EscrowHeld,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, err := e.Repo.InsertEscrow(ctx, tx, esc)
	if err != nil {
		return domain.EscrowAccount{}, persistErr("insert escrow", err)
	}
	if !created {
		existing, err := e.Repo.GetEscrowByPayment(ctx, tx, pay.ID)
		if err != nil {
			return domain.EscrowAccount{}, persistErr("load escrow", err)
		}
		if err := tx.Commit(); err != nil {
			return domain.EscrowAccount{}, persistErr("commit", err)
		}
		return existing, nil
	}
	if err := e.appendEvent(ctx, tx, events.EscrowCreated, pay.ProjectID, "escrow", esc.ID, GatewayActor, events.EventPayload{
		"payment_id":    pay.ID,
		"tradie_id":     esc.TradieID,
		"net_amount":    money(esc.NetAmount),
		"affiliate_fee": money(esc.AffiliateFee),
	}); err != nil {
		return domain.EscrowAccount{}, err
	}

	p, err := e.Repo.GetProjectTx(ctx, tx, pay.ProjectID)
	if err != nil {
		return domain.EscrowAccount{}, notFoundErr("project", pay.ProjectID, err)
	}
	if _, err := e.moveProject(ctx, tx, p, domain.ProjectEscrowed, lifecycle.Meta{}, GatewayActor); err != nil {
		return domain.EscrowAccount{}, err
	}
	stored, err := e.Repo.GetEscrowTx(ctx, tx, esc.ID)
	if err != nil {
		return domain.EscrowAccount{}, persistErr("reload escrow", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.EscrowAccount{}, persistErr("commit", err)
	}
	e.log().Info("escrow created",
		zap.String("escrow_id", stored.ID),
		zap.String("payment_id", pay.ID),
		zap.String("net_amount", money(stored.NetAmount)))
	e.notifyAll(ctx,
		notify.Notification{Kind: notify.KindPaymentReceived, Recipient: pay.TradieID, Payload: map[string]any{
			"project_id": pay.ProjectID, "escrow_id": stored.ID, "net_amount": money(stored.NetAmount),
		}},
		notify.Notification{Kind: notify.KindPaymentReceived, Recipient: pay.PayerID, Payload: map[string]any{
			"project_id": pay.ProjectID, "payment_id": pay.ID, "gross_amount": money(pay.Fees.Gross),
		}},
	)
	return stored, nil
}

// FailPayment marks a pending or processing payment failed. The project keeps its status so
// the owner can pay again.
func (e Engine) FailPayment(ctx context.Context, reference, reason string) (domain.Payment, error) {
	pay, err := e.Repo.GetPaymentByReference(ctx, nil, reference)
	if err != nil {
		return domain.Payment{}, notFoundErr("payment reference", reference, err)
	}
	return e.failPayment(ctx, pay, reason)
}

func (e Engine) failPayment(ctx context.Context, pay domain.Payment, reason string) (domain.Payment, error) {
	if reason == "" {
		reason = "payment declined"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Payment{}, persistErr("begin", err)
	}
	defer tx.Rollback()
	ok, err := e.Repo.FailPayment(ctx, tx, pay.ID, reason, e.now())
	if err != nil {
		return domain.Payment{}, persistErr("fail payment", err)
	}
	current, err := e.Repo.GetPaymentTx(ctx, tx, pay.ID)
	if err != nil {
		return domain.Payment{}, persistErr("reload payment", err)
	}
	if !ok {
		if current.Status == domain.PaymentFailed {
			return current, nil
		}
		return domain.Payment{}, domain.ErrPaymentCompleted.WithMessage("payment %s is already %s", pay.ID, current.Status)
	}
	if err := e.appendEvent(ctx, tx, events.PaymentFailed, pay.ProjectID, "payment", pay.ID, GatewayActor,
		events.EventPayload{"reason": reason}); err != nil {
		return domain.Payment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Payment{}, persistErr("commit", err)
	}
	e.log().Info("payment failed", zap.String("payment_id", pay.ID), zap.String("reason", reason))
	e.notifyAll(ctx, notify.Notification{Kind: notify.KindPaymentFailed, Recipient: pay.PayerID, Payload: map[string]any{
		"project_id": pay.ProjectID, "payment_id": pay.ID, "message": domain.ErrPaymentFailed.Message,
	}})
	return current, nil
}

// GatewayEventResult reports what a gateway callback did.
type GatewayEventResult struct {
	Action  string                `json:"action"`
	Escrow  *domain.EscrowAccount `json:"escrow,omitempty"`
	Payment *domain.Payment       `json:"payment,omitempty"`
}

// HandleGatewayEvent routes an asynchronous gateway status update.
func (e Engine) HandleGatewayEvent(ctx context.Context, reference string, status gateway.Status, reason string) (GatewayEventResult, error) {
	switch status {
	case gateway.StatusSucceeded:
		esc, err := e.ConfirmPayment(ctx, reference)
		if err != nil {
			return GatewayEventResult{}, err
		}
		return GatewayEventResult{Action: "confirmed", Escrow: &esc}, nil
	case gateway.StatusFailed:
		pay, err := e.FailPayment(ctx, reference, reason)
		if err != nil {
			return GatewayEventResult{}, err
		}
		return GatewayEventResult{Action: "failed", Payment: &pay}, nil
	default:
		e.log().Info("gateway event ignored", zap.String("reference", reference), zap.String("status", string(status)))
		return GatewayEventResult{Action: "ignored"}, nil
	}
}

// RefundPayment returns a completed payment whose work has not started. The gateway refund
// is issued first; the escrow is then marked refunded and the project cancelled through a
// dispute so the status graph is respected.
func (e Engine) RefundPayment(ctx context.Context, paymentID, actorID, reason string) (domain.Payment, error) {
	pay, err := e.Repo.GetPayment(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, notFoundErr("payment", paymentID, err)
	}
	if pay.Status != domain.PaymentCompleted {
		return domain.Payment{}, domain.ErrPaymentState.WithMessage("payment %s is %s; only completed payments can be refunded", pay.ID, pay.Status)
	}
	esc, err := e.Repo.GetEscrowByPayment(ctx, nil, pay.ID)
	if err != nil {
		return domain.Payment{}, notFoundErr("escrow for payment", pay.ID, err)
	}
	if esc.Status != domain.EscrowHeld {
		return domain.Payment{}, domain.ErrEscrowState.WithMessage("escrow %s is %s", esc.ID, esc.Status)
	}
	p, err := e.Repo.GetProject(ctx, pay.ProjectID)
	if err != nil {
		return domain.Payment{}, notFoundErr("project", pay.ProjectID, err)
	}
	if p.Status != domain.ProjectEscrowed {
		return domain.Payment{}, domain.ErrInvalidTransition.WithMessage("project %s is %s; refunds are only possible before work starts", p.ID, p.Status)
	}
	if err := e.refundAtGateway(ctx, pay); err != nil {
		return domain.Payment{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Payment{}, persistErr("begin", err)
	}
	defer tx.Rollback()
	now := e.now()
	if ok, err := e.Repo.SetEscrowStatus(ctx, tx, esc.ID, domain.EscrowHeld, domain.EscrowRefunded, now); err != nil {
		return domain.Payment{}, persistErr("refund escrow", err)
	} else if !ok {
		return domain.Payment{}, domain.ErrEscrowState.WithMessage("escrow %s changed concurrently", esc.ID)
	}
	if ok, err := e.Repo.MarkPaymentRefunded(ctx, tx, pay.ID, repo.Cents(pay.Fees.Gross), now); err != nil {
		return domain.Payment{}, persistErr("refund payment", err)
	} else if !ok {
		return domain.Payment{}, domain.ErrPaymentState.WithMessage("payment %s changed concurrently", pay.ID)
	}
	disputed, err := e.moveProject(ctx, tx, p, domain.ProjectDisputed, lifecycle.Meta{}, actorID)
	if err != nil {
		return domain.Payment{}, err
	}
	if _, err := e.overrideProject(ctx, tx, disputed, domain.ProjectCancelled, actorID); err != nil {
		return domain.Payment{}, err
	}
	if err := e.appendEvent(ctx, tx, events.PaymentRefunded, pay.ProjectID, "payment", pay.ID, actorID,
		events.EventPayload{"amount": money(pay.Fees.Gross), "reason": reason, "escrow_id": esc.ID}); err != nil {
		return domain.Payment{}, err
	}
	current, err := e.Repo.GetPaymentTx(ctx, tx, pay.ID)
	if err != nil {
		return domain.Payment{}, persistErr("reload payment", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Payment{}, persistErr("commit", err)
	}
	e.log().Info("payment refunded", zap.String("payment_id", pay.ID), zap.String("actor_id", actorID))
	return current, nil
}

func (e Engine) refundAtGateway(ctx context.Context, pay domain.Payment) error {
	if pay.ChargeID == nil {
		return domain.ErrPaymentState.WithMessage("payment %s has no charge to refund", pay.ID)
	}
	if e.Gateway == nil {
		return domain.ErrGateway.WithMessage("no payment gateway configured")
	}
	gctx, cancel := e.gatewayCtx(ctx)
	defer cancel()
	res, err := e.Gateway.Refund(gctx, *pay.ChargeID, nil)
	if err != nil {
		e.log().Warn("gateway refund failed", zap.String("payment_id", pay.ID), zap.Error(err))
		return domain.ErrGateway.WithMessage("refund payment %s", pay.ID).Wrap(err)
	}
	if res.Status == gateway.StatusFailed {
		return domain.ErrGateway.WithMessage("refund for payment %s was declined", pay.ID)
	}
	return nil
}

package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeescrow/internal/domain"
	"tradeescrow/internal/events"
	"tradeescrow/internal/fees"
	"tradeescrow/internal/lifecycle"
	"tradeescrow/internal/notify"
	"tradeescrow/internal/repo"
)

type WithdrawalRequest struct {
	TradieID string
	EscrowID string
	Amount   decimal.Decimal
	Bank     domain.BankDetails
}

func newWithdrawalReference() string {
	return "WD-" + ulid.MustNew(ulid.Now(), ulid.Monotonic(rand.Reader, 0)).String()
}

// RequestWithdrawal records a payout request against a released escrow. Nothing is debited
// until the withdrawal completes.
func (e Engine) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (domain.Withdrawal, error) {
	bank := domain.BankDetails{
		AccountName:   strings.TrimSpace(req.Bank.AccountName),
		RoutingNumber: strings.TrimSpace(req.Bank.RoutingNumber),
		AccountNumber: strings.TrimSpace(req.Bank.AccountNumber),
	}
	if bank.AccountName == "" || bank.RoutingNumber == "" || bank.AccountNumber == "" {
		return domain.Withdrawal{}, domain.ErrMissingBankDetails
	}
	if strings.TrimSpace(req.TradieID) == "" || strings.TrimSpace(req.EscrowID) == "" {
		return domain.Withdrawal{}, domain.ErrInvalidInput.WithMessage("tradie and escrow are required")
	}
	if err := checkAmount(req.Amount); err != nil {
		return domain.Withdrawal{}, err
	}
	amount := req.Amount.Round(fees.Places)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Withdrawal{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	esc, err := e.Repo.GetEscrowTx(ctx, tx, req.EscrowID)
	if err != nil {
		return domain.Withdrawal{}, notFoundErr("escrow", req.EscrowID, err)
	}
	if esc.TradieID != req.TradieID {
		return domain.Withdrawal{}, domain.ErrNotEscrowOwner
	}
	if esc.Status != domain.EscrowReleased {
		return domain.Withdrawal{}, domain.ErrEscrowNotReleased.WithMessage("escrow %s is %s", esc.ID, esc.Status)
	}
	open, err := e.Repo.HasOpenWithdrawal(ctx, tx, esc.ID)
	if err != nil {
		return domain.Withdrawal{}, persistErr("check open withdrawals", err)
	}
	if open {
		return domain.Withdrawal{}, domain.ErrDuplicateWithdrawal
	}
	paid, err := e.Repo.CompletedWithdrawalTotal(ctx, tx, esc.ID)
	if err != nil {
		return domain.Withdrawal{}, persistErr("sum withdrawals", err)
	}
	available := esc.NetAmount.Sub(paid)
	if amount.GreaterThan(available) {
		return domain.Withdrawal{}, domain.ErrExceedsAvailable
	}
	minimum := e.Config.Withdrawals.MinimumAmount
	if amount.LessThan(minimum) {
		return domain.Withdrawal{}, domain.ErrBelowMinimum.WithMessage("amount below minimum withdrawal of %s", money(minimum))
	}
	fee := e.Config.Withdrawals.ProcessingFee.Round(fees.Places)
	final := amount.Sub(fee)
	if !final.IsPositive() {
		return domain.Withdrawal{}, domain.ErrBelowMinimum.WithMessage("amount does not cover the processing fee of %s", money(fee))
	}

	now := e.now()
	w := domain.Withdrawal{
		ID:              uuid.NewString(),
		TradieID:        req.TradieID,
		EscrowAccountID: esc.ID,
		RequestedAmount: amount,
		ProcessingFee:   fee,
		FinalAmount:     final,
		BankDetails:     bank.Masked(),
		Status:          domain.WithdrawalPending,
		ReferenceNumber: newWithdrawalReference(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertWithdrawal(ctx, tx, w); err != nil {
		if errors.Is(err, repo.ErrOpenWithdrawal) {
			return domain.Withdrawal{}, domain.ErrDuplicateWithdrawal
		}
		return domain.Withdrawal{}, persistErr("insert withdrawal", err)
	}
	if err := e.appendEvent(ctx, tx, events.WithdrawalRequested, esc.ProjectID, "withdrawal", w.ID, req.TradieID, events.EventPayload{
		"escrow_id":        esc.ID,
		"requested_amount": money(amount),
		"processing_fee":   money(fee),
		"final_amount":     money(final),
		"reference_number": w.ReferenceNumber,
	}); err != nil {
		return domain.Withdrawal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Withdrawal{}, persistErr("commit", err)
	}
	e.log().Info("withdrawal requested",
		zap.String("withdrawal_id", w.ID),
		zap.String("tradie_id", w.TradieID),
		zap.String("reference", w.ReferenceNumber))
	e.notifyWithdrawal(ctx, w)
	return w, nil
}

func (e Engine) ApproveWithdrawal(ctx context.Context, id, actorID string) (domain.Withdrawal, error) {
	return e.moveWithdrawal(ctx, id, actorID, domain.WithdrawalApproved, events.WithdrawalApproved, nil)
}

// ProcessWithdrawal marks an approved withdrawal as sent to the payout provider.
func (e Engine) ProcessWithdrawal(ctx context.Context, id, payoutRef, actorID string) (domain.Withdrawal, error) {
	return e.moveWithdrawal(ctx, id, actorID, domain.WithdrawalProcessing, events.WithdrawalProcessed,
		func(_ context.Context, _ *sql.Tx, w *domain.Withdrawal) error {
			if payoutRef != "" {
				w.PayoutReference = &payoutRef
			}
			return nil
		})
}

// CompleteWithdrawal debits the tradie's balance by the requested amount. The first
// completed withdrawal against an escrow moves its project to withdrawn.
func (e Engine) CompleteWithdrawal(ctx context.Context, id, actorID string) (domain.Withdrawal, error) {
	return e.moveWithdrawal(ctx, id, actorID, domain.WithdrawalCompleted, events.WithdrawalCompleted,
		func(ctx context.Context, tx *sql.Tx, w *domain.Withdrawal) error {
			now := e.now()
			w.CompletedAt = &now
			err := e.Repo.DebitBalance(ctx, tx, w.TradieID, domain.BalanceDebitWithdrawal, w.RequestedAmount, w.ID, now)
			if errors.Is(err, repo.ErrInsufficientFunds) {
				return domain.ErrInsufficientBalance.WithMessage("balance of %s does not cover %s", w.TradieID, money(w.RequestedAmount))
			}
			if err != nil {
				return persistErr("debit balance", err)
			}
			esc, err := e.Repo.GetEscrowTx(ctx, tx, w.EscrowAccountID)
			if err != nil {
				return persistErr("load escrow", err)
			}
			if err := e.appendEvent(ctx, tx, events.BalanceDebited, esc.ProjectID, "balance", w.TradieID, actorID,
				events.EventPayload{"amount": money(w.RequestedAmount), "withdrawal_id": w.ID}); err != nil {
				return err
			}
			p, err := e.Repo.GetProjectTx(ctx, tx, esc.ProjectID)
			if err != nil {
				return persistErr("load project", err)
			}
			if p.Status == domain.ProjectReleased {
				if _, err := e.moveProject(ctx, tx, p, domain.ProjectWithdrawn, lifecycle.Meta{}, actorID); err != nil {
					return err
				}
			}
			return nil
		})
}

// RejectWithdrawal closes an open withdrawal with a reason so the tradie can request again.
func (e Engine) RejectWithdrawal(ctx context.Context, id, reason, actorID string) (domain.Withdrawal, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Withdrawal{}, domain.ErrInvalidInput.WithMessage("rejection reason is required")
	}
	return e.moveWithdrawal(ctx, id, actorID, domain.WithdrawalRejected, events.WithdrawalRejected,
		func(_ context.Context, _ *sql.Tx, w *domain.Withdrawal) error {
			w.RejectionReason = &reason
			return nil
		})
}

func (e Engine) ListWithdrawals(ctx context.Context, f repo.WithdrawalFilters) ([]domain.Withdrawal, error) {
	out, err := e.Repo.ListWithdrawals(ctx, f)
	if err != nil {
		return nil, persistErr("list withdrawals", err)
	}
	return out, nil
}

func (e Engine) GetWithdrawal(ctx context.Context, id string) (domain.Withdrawal, error) {
	w, err := e.Repo.GetWithdrawal(ctx, id)
	if err != nil {
		return domain.Withdrawal{}, notFoundErr("withdrawal", id, err)
	}
	return w, nil
}

var withdrawalSources = map[domain.WithdrawalStatus][]domain.WithdrawalStatus{
	domain.WithdrawalApproved:   {domain.WithdrawalPending},
	domain.WithdrawalProcessing: {domain.WithdrawalApproved},
	domain.WithdrawalCompleted:  {domain.WithdrawalProcessing},
	domain.WithdrawalRejected:   {domain.WithdrawalPending, domain.WithdrawalApproved, domain.WithdrawalProcessing},
}

func (e Engine) moveWithdrawal(ctx context.Context, id, actorID string, to domain.WithdrawalStatus, evtType string,
	apply func(context.Context, *sql.Tx, *domain.Withdrawal) error) (domain.Withdrawal, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.Withdrawal{}, domain.ErrInvalidInput.WithMessage("actor is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Withdrawal{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWithdrawalTx(ctx, tx, id)
	if err != nil {
		return domain.Withdrawal{}, notFoundErr("withdrawal", id, err)
	}
	allowed := false
	for _, s := range withdrawalSources[to] {
		if w.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return domain.Withdrawal{}, domain.ErrWithdrawalState.WithMessage("withdrawal %s is %s; cannot move to %s", w.ID, w.Status, to)
	}
	from := w.Status
	next := w
	next.Status = to
	next.UpdatedAt = e.now()
	if apply != nil {
		if err := apply(ctx, tx, &next); err != nil {
			return domain.Withdrawal{}, err
		}
	}
	ok, err := e.Repo.UpdateWithdrawalStatus(ctx, tx, next, from)
	if err != nil {
		return domain.Withdrawal{}, persistErr("update withdrawal", err)
	}
	if !ok {
		return domain.Withdrawal{}, domain.ErrWithdrawalState.WithMessage("withdrawal %s changed concurrently", w.ID)
	}
	esc, err := e.Repo.GetEscrowTx(ctx, tx, w.EscrowAccountID)
	if err != nil {
		return domain.Withdrawal{}, persistErr("load escrow", err)
	}
	payload := events.EventPayload{"from": from, "to": to, "reference_number": w.ReferenceNumber}
	if next.RejectionReason != nil {
		payload["reason"] = *next.RejectionReason
	}
	if next.PayoutReference != nil {
		payload["payout_reference"] = *next.PayoutReference
	}
	if err := e.appendEvent(ctx, tx, evtType, esc.ProjectID, "withdrawal", w.ID, actorID, payload); err != nil {
		return domain.Withdrawal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Withdrawal{}, persistErr("commit", err)
	}
	e.log().Info("withdrawal updated",
		zap.String("withdrawal_id", w.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor_id", actorID))
	e.notifyWithdrawal(ctx, next)
	return next, nil
}

func (e Engine) notifyWithdrawal(ctx context.Context, w domain.Withdrawal) {
	e.notifyAll(ctx, notify.Notification{Kind: notify.KindWithdrawalUpdated, Recipient: w.TradieID, Payload: map[string]any{
		"withdrawal_id":    w.ID,
		"status":           w.Status,
		"reference_number": w.ReferenceNumber,
		"final_amount":     money(w.FinalAmount),
	}})
}

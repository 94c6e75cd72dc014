package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeescrow/internal/domain"
	"tradeescrow/internal/events"
	"tradeescrow/internal/lifecycle"
	"tradeescrow/internal/notify"
)

type ReleaseRequest struct {
	EscrowID string
	Trigger  domain.ReleaseTrigger
	ActorID  string
	Notes    string
}

// ReleaseResult carries the released escrow and any notification failures. NotifyErrors never
// mean the release itself failed.
type ReleaseResult struct {
	Released     bool                 `json:"released"`
	Escrow       domain.EscrowAccount `json:"escrow"`
	Project      domain.Project       `json:"project"`
	NotifyErrors []error              `json:"-"`
}

// ReleaseEscrowFunds pays a held escrow out to the tradie's balance. The escrow flip, balance
// credits and project transition commit together; a second call returns ErrAlreadyReleased
// without touching balances.
func (e Engine) ReleaseEscrowFunds(ctx context.Context, req ReleaseRequest) (ReleaseResult, error) {
	if req.Trigger == "" {
		req.Trigger = domain.ReleaseManual
	}
	if !req.Trigger.Valid() {
		return ReleaseResult{}, domain.ErrInvalidInput.WithMessage("unknown release trigger %q", req.Trigger)
	}
	if req.ActorID == "" {
		if req.Trigger != domain.ReleaseAutomatic {
			return ReleaseResult{}, domain.ErrInvalidInput.WithMessage("actor is required for manual release")
		}
		req.ActorID = domain.SystemActor
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReleaseResult{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	esc, err := e.Repo.GetEscrowTx(ctx, tx, req.EscrowID)
	if err != nil {
		return ReleaseResult{}, notFoundErr("escrow", req.EscrowID, err)
	}
	if esc.Status != domain.EscrowHeld {
		return ReleaseResult{}, domain.ErrAlreadyReleased.WithMessage("escrow %s is %s", esc.ID, esc.Status)
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, esc.ProjectID)
	if err != nil {
		return ReleaseResult{}, notFoundErr("project", esc.ProjectID, err)
	}
	switch p.Status {
	case domain.ProjectCompleted, domain.ProjectProtection:
	default:
		return ReleaseResult{}, domain.ErrInvalidTransition.WithMessage("project %s is %s; funds are released after completion", p.ID, p.Status)
	}
	if req.Trigger == domain.ReleaseAutomatic && (p.ProtectionEnd == nil || p.ProtectionEnd.After(e.now())) {
		return ReleaseResult{}, domain.ErrInvalidTransition.WithMessage("project %s protection period has not elapsed", p.ID)
	}

	released, next, err := e.releaseTx(ctx, tx, esc, p, req)
	if err != nil {
		return ReleaseResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReleaseResult{}, persistErr("commit", err)
	}
	e.log().Info("escrow released",
		zap.String("escrow_id", released.ID),
		zap.String("trigger", string(req.Trigger)),
		zap.String("actor_id", req.ActorID),
		zap.String("net_amount", money(released.NetAmount)))

	return ReleaseResult{
		Released:     true,
		Escrow:       released,
		Project:      next,
		NotifyErrors: e.notifyRelease(ctx, released, next),
	}, nil
}

// releaseTx flips a held escrow to released, credits balances and moves the project to
// released. p may be completed, protection or disputed.
func (e Engine) releaseTx(ctx context.Context, tx *sql.Tx, esc domain.EscrowAccount, p domain.Project, req ReleaseRequest) (domain.EscrowAccount, domain.Project, error) {
	now := e.now()
	ok, err := e.Repo.MarkEscrowReleased(ctx, tx, esc.ID, req.Trigger, req.ActorID, req.Notes, now)
	if err != nil {
		return esc, p, persistErr("release escrow", err)
	}
	if !ok {
		return esc, p, domain.ErrAlreadyReleased.WithMessage("escrow %s was released concurrently", esc.ID)
	}

	if esc.NetAmount.IsPositive() {
		if err := e.credit(ctx, tx, esc, esc.TradieID, domain.BalanceCreditNet, esc.NetAmount, req.ActorID, now); err != nil {
			return esc, p, err
		}
	}
	if esc.ParentTradieID != nil && esc.AffiliateFee.IsPositive() {
		if err := e.credit(ctx, tx, esc, *esc.ParentTradieID, domain.BalanceCreditAffiliate, esc.AffiliateFee, req.ActorID, now); err != nil {
			return esc, p, err
		}
	}

	next := p
	switch p.Status {
	case domain.ProjectCompleted:
		if next, err = e.moveProject(ctx, tx, next, domain.ProjectProtection, lifecycle.Meta{}, req.ActorID); err != nil {
			return esc, p, err
		}
		fallthrough
	case domain.ProjectProtection:
		if next, err = e.moveProject(ctx, tx, next, domain.ProjectReleased, lifecycle.Meta{}, req.ActorID); err != nil {
			return esc, p, err
		}
	case domain.ProjectDisputed:
		if next, err = e.overrideProject(ctx, tx, next, domain.ProjectReleased, req.ActorID); err != nil {
			return esc, p, err
		}
	default:
		return esc, p, domain.ErrInvalidTransition.WithMessage("project %s is %s", p.ID, p.Status)
	}

	payload := events.EventPayload{
		"trigger":    req.Trigger,
		"net_amount": money(esc.NetAmount),
		"tradie_id":  esc.TradieID,
	}
	if req.Notes != "" {
		payload["notes"] = req.Notes
	}
	if esc.ParentTradieID != nil {
		payload["parent_tradie_id"] = *esc.ParentTradieID
		payload["affiliate_fee"] = money(esc.AffiliateFee)
	}
	if err := e.appendEvent(ctx, tx, events.EscrowReleased, esc.ProjectID, "escrow", esc.ID, req.ActorID, payload); err != nil {
		return esc, p, err
	}
	released, err := e.Repo.GetEscrowTx(ctx, tx, esc.ID)
	if err != nil {
		return esc, p, persistErr("reload escrow", err)
	}
	return released, next, nil
}

func (e Engine) credit(ctx context.Context, tx *sql.Tx, esc domain.EscrowAccount, userID string, kind domain.BalanceEntryKind, amount decimal.Decimal, actorID string, now time.Time) error {
	if err := e.Repo.CreditBalance(ctx, tx, userID, kind, amount, esc.ID, now); err != nil {
		return persistErr("credit balance", err)
	}
	return e.appendEvent(ctx, tx, events.BalanceCredited, esc.ProjectID, "balance", userID, actorID,
		events.EventPayload{"amount": money(amount), "kind": kind, "escrow_id": esc.ID})
}

func (e Engine) notifyRelease(ctx context.Context, esc domain.EscrowAccount, p domain.Project) []error {
	ns := []notify.Notification{
		{Kind: notify.KindFundsReleased, Recipient: esc.TradieID, Payload: map[string]any{
			"project_id": esc.ProjectID, "escrow_id": esc.ID, "net_amount": money(esc.NetAmount),
		}},
		{Kind: notify.KindEscrowReleased, Recipient: p.OwnerID, Payload: map[string]any{
			"project_id": esc.ProjectID, "escrow_id": esc.ID,
		}},
	}
	if esc.ParentTradieID != nil && esc.AffiliateFee.IsPositive() {
		ns = append(ns, notify.Notification{Kind: notify.KindFundsReleased, Recipient: *esc.ParentTradieID, Payload: map[string]any{
			"project_id": esc.ProjectID, "escrow_id": esc.ID, "affiliate_fee": money(esc.AffiliateFee),
		}})
	}
	return e.notifyAll(ctx, ns...)
}

// ListAutoReleaseCandidates returns projects whose protection window ended before now.
func (e Engine) ListAutoReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]domain.ReleaseCandidate, error) {
	out, err := e.Repo.ListAutoReleaseCandidates(ctx, now, limit)
	if err != nil {
		return nil, persistErr("list release candidates", err)
	}
	return out, nil
}

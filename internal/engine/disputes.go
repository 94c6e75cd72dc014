package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.uber.org/zap"

	"tradeescrow/internal/domain"
	"tradeescrow/internal/events"
	"tradeescrow/internal/lifecycle"
	"tradeescrow/internal/notify"
	"tradeescrow/internal/repo"
)

// OpenDispute freezes a project's escrow. Disputed projects are never picked up by the
// auto-release sweep.
func (e Engine) OpenDispute(ctx context.Context, projectID, actorID, reason string) (domain.Project, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.Project{}, domain.ErrInvalidInput.WithMessage("actor is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, notFoundErr("project", projectID, err)
	}
	next, err := e.moveProject(ctx, tx, p, domain.ProjectDisputed, lifecycle.Meta{}, actorID)
	if err != nil {
		return domain.Project{}, err
	}
	esc, hasEscrow, err := e.projectEscrow(ctx, tx, p.ID)
	if err != nil {
		return domain.Project{}, err
	}
	now := e.now()
	if hasEscrow && esc.Status == domain.EscrowHeld {
		if _, err := e.Repo.SetEscrowStatus(ctx, tx, esc.ID, domain.EscrowHeld, domain.EscrowDisputed, now); err != nil {
			return domain.Project{}, persistErr("dispute escrow", err)
		}
		if _, err := e.Repo.SetPaymentStatus(ctx, tx, esc.PaymentID, domain.PaymentCompleted, domain.PaymentDisputed, now); err != nil {
			return domain.Project{}, persistErr("dispute payment", err)
		}
		if err := e.appendEvent(ctx, tx, events.EscrowDisputed, p.ID, "escrow", esc.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
			return domain.Project{}, err
		}
	}
	if err := e.appendEvent(ctx, tx, events.DisputeOpened, p.ID, "project", p.ID, actorID,
		events.EventPayload{"reason": reason, "from": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, persistErr("commit", err)
	}
	e.log().Info("dispute opened", zap.String("project_id", p.ID), zap.String("actor_id", actorID))

	payload := map[string]any{"project_id": p.ID, "reason": reason}
	ns := []notify.Notification{{Kind: notify.KindDisputeOpened, Recipient: p.OwnerID, Payload: payload}}
	if hasEscrow {
		ns = append(ns, notify.Notification{Kind: notify.KindDisputeOpened, Recipient: esc.TradieID, Payload: payload})
	}
	e.notifyAll(ctx, ns...)
	return next, nil
}

type ResolveRequest struct {
	ProjectID string
	To        domain.ProjectStatus
	ActorID   string
	Notes     string
}

// ResolveDispute moves a disputed project to an administrator-chosen status. Resolving to
// released pays the tradie; resolving to cancelled refunds the payer; anything else returns
// the funds to held.
func (e Engine) ResolveDispute(ctx context.Context, req ResolveRequest) (domain.Project, error) {
	if strings.TrimSpace(req.ActorID) == "" {
		return domain.Project{}, domain.ErrInvalidInput.WithMessage("actor is required")
	}
	switch {
	case !req.To.Valid():
		return domain.Project{}, domain.ErrInvalidInput.WithMessage("unknown status %q", req.To)
	case req.To == domain.ProjectDisputed:
		return domain.Project{}, domain.ErrInvalidTransition.WithMessage("project is already disputed")
	case req.To == domain.ProjectWithdrawn:
		return domain.Project{}, domain.ErrInvalidTransition.WithMessage("withdrawn is set by completing a withdrawal")
	}

	p, err := e.Repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		return domain.Project{}, notFoundErr("project", req.ProjectID, err)
	}
	if p.Status != domain.ProjectDisputed {
		return domain.Project{}, domain.ErrInvalidTransition.WithMessage("project %s is %s, not disputed", p.ID, p.Status)
	}
	esc, hasEscrow, err := e.projectEscrow(ctx, nil, p.ID)
	if err != nil {
		return domain.Project{}, err
	}

	var (
		next         domain.Project
		releasedEsc  domain.EscrowAccount
		releasedFlag bool
	)
	switch {
	case req.To == domain.ProjectReleased && !hasEscrow:
		return domain.Project{}, domain.ErrEscrowState.WithMessage("project %s has no escrow to release", p.ID)
	case req.To == domain.ProjectReleased:
		releasedEsc, next, err = e.resolveToRelease(ctx, p, esc, req)
		releasedFlag = err == nil
	case req.To == domain.ProjectCancelled && hasEscrow:
		next, err = e.resolveToRefund(ctx, p, esc, req)
	default:
		next, err = e.resolveToHold(ctx, p, esc, hasEscrow, req)
	}
	if err != nil {
		return domain.Project{}, err
	}
	e.log().Info("dispute resolved",
		zap.String("project_id", p.ID),
		zap.String("to", string(next.Status)),
		zap.String("actor_id", req.ActorID))

	if releasedFlag {
		e.notifyRelease(ctx, releasedEsc, next)
	}
	payload := map[string]any{"project_id": p.ID, "status": next.Status, "notes": req.Notes}
	ns := []notify.Notification{{Kind: notify.KindDisputeResolved, Recipient: p.OwnerID, Payload: payload}}
	if hasEscrow {
		ns = append(ns, notify.Notification{Kind: notify.KindDisputeResolved, Recipient: esc.TradieID, Payload: payload})
	}
	e.notifyAll(ctx, ns...)
	return next, nil
}

func (e Engine) resolveToRelease(ctx context.Context, p domain.Project, esc domain.EscrowAccount, req ResolveRequest) (domain.EscrowAccount, domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return esc, p, persistErr("begin", err)
	}
	defer tx.Rollback()
	if err := e.unfreeze(ctx, tx, esc); err != nil {
		return esc, p, err
	}
	esc.Status = domain.EscrowHeld
	released, next, err := e.releaseTx(ctx, tx, esc, p, ReleaseRequest{
		EscrowID: esc.ID,
		Trigger:  domain.ReleaseManual,
		ActorID:  req.ActorID,
		Notes:    req.Notes,
	})
	if err != nil {
		return esc, p, err
	}
	if err := tx.Commit(); err != nil {
		return esc, p, persistErr("commit", err)
	}
	return released, next, nil
}

func (e Engine) resolveToRefund(ctx context.Context, p domain.Project, esc domain.EscrowAccount, req ResolveRequest) (domain.Project, error) {
	if esc.Status != domain.EscrowDisputed {
		return p, domain.ErrEscrowState.WithMessage("escrow %s is %s", esc.ID, esc.Status)
	}
	pay, err := e.Repo.GetPayment(ctx, esc.PaymentID)
	if err != nil {
		return p, notFoundErr("payment", esc.PaymentID, err)
	}
	if err := e.refundAtGateway(ctx, pay); err != nil {
		return p, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, persistErr("begin", err)
	}
	defer tx.Rollback()
	now := e.now()
	if ok, err := e.Repo.SetEscrowStatus(ctx, tx, esc.ID, domain.EscrowDisputed, domain.EscrowRefunded, now); err != nil {
		return p, persistErr("refund escrow", err)
	} else if !ok {
		return p, domain.ErrEscrowState.WithMessage("escrow %s changed concurrently", esc.ID)
	}
	if _, err := e.Repo.MarkPaymentRefunded(ctx, tx, pay.ID, repo.Cents(pay.Fees.Gross), now); err != nil {
		return p, persistErr("refund payment", err)
	}
	if err := e.appendEvent(ctx, tx, events.PaymentRefunded, p.ID, "payment", pay.ID, req.ActorID,
		events.EventPayload{"amount": money(pay.Fees.Gross), "reason": req.Notes, "escrow_id": esc.ID}); err != nil {
		return p, err
	}
	next, err := e.overrideProject(ctx, tx, p, domain.ProjectCancelled, req.ActorID)
	if err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, persistErr("commit", err)
	}
	return next, nil
}

func (e Engine) resolveToHold(ctx context.Context, p domain.Project, esc domain.EscrowAccount, hasEscrow bool, req ResolveRequest) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, persistErr("begin", err)
	}
	defer tx.Rollback()
	if hasEscrow {
		if err := e.unfreeze(ctx, tx, esc); err != nil {
			return p, err
		}
	}
	next, err := e.overrideProject(ctx, tx, p, req.To, req.ActorID)
	if err != nil {
		return p, err
	}
	// completed work enters protection immediately
	if next.Status == domain.ProjectCompleted {
		if next, err = e.moveProject(ctx, tx, next, domain.ProjectProtection, lifecycle.Meta{}, req.ActorID); err != nil {
			return p, err
		}
	}
	if next.Status == domain.ProjectProtection {
		if err := e.syncEscrowProtection(ctx, tx, next); err != nil {
			return p, err
		}
	}
	if err := tx.Commit(); err != nil {
		return p, persistErr("commit", err)
	}
	return next, nil
}

// unfreeze returns a disputed escrow and its payment to held and completed.
func (e Engine) unfreeze(ctx context.Context, tx *sql.Tx, esc domain.EscrowAccount) error {
	now := e.now()
	ok, err := e.Repo.SetEscrowStatus(ctx, tx, esc.ID, domain.EscrowDisputed, domain.EscrowHeld, now)
	if err != nil {
		return persistErr("unfreeze escrow", err)
	}
	if !ok {
		return domain.ErrEscrowState.WithMessage("escrow %s is not disputed", esc.ID)
	}
	if _, err := e.Repo.SetPaymentStatus(ctx, tx, esc.PaymentID, domain.PaymentDisputed, domain.PaymentCompleted, now); err != nil {
		return persistErr("unfreeze payment", err)
	}
	return nil
}

func (e Engine) projectEscrow(ctx context.Context, tx *sql.Tx, projectID string) (domain.EscrowAccount, bool, error) {
	esc, err := e.Repo.GetEscrowByProject(ctx, tx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.EscrowAccount{}, false, nil
	}
	if err != nil {
		return domain.EscrowAccount{}, false, persistErr("load escrow", err)
	}
	return esc, true, nil
}

package engine

import (
	"context"

	"tradeescrow/internal/domain"
	"tradeescrow/internal/repo"
)

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, notFoundErr("project", id, err)
	}
	return p, nil
}

func (e Engine) ListProjects(ctx context.Context, f repo.ProjectFilters) ([]domain.Project, error) {
	out, err := e.Repo.ListProjects(ctx, f)
	if err != nil {
		return nil, persistErr("list projects", err)
	}
	return out, nil
}

func (e Engine) GetPayment(ctx context.Context, id string) (domain.Payment, error) {
	p, err := e.Repo.GetPayment(ctx, id)
	if err != nil {
		return domain.Payment{}, notFoundErr("payment", id, err)
	}
	return p, nil
}

func (e Engine) ListPayments(ctx context.Context, projectID string) ([]domain.Payment, error) {
	out, err := e.Repo.ListPayments(ctx, projectID)
	if err != nil {
		return nil, persistErr("list payments", err)
	}
	return out, nil
}

func (e Engine) GetEscrow(ctx context.Context, id string) (domain.EscrowAccount, error) {
	esc, err := e.Repo.GetEscrow(ctx, id)
	if err != nil {
		return domain.EscrowAccount{}, notFoundErr("escrow", id, err)
	}
	return esc, nil
}

// ListEscrows returns a tradie's escrow accounts, newest first.
func (e Engine) ListEscrows(ctx context.Context, tradieID string) ([]domain.EscrowAccount, error) {
	out, err := e.Repo.ListEscrowsByTradie(ctx, tradieID)
	if err != nil {
		return nil, persistErr("list escrows", err)
	}
	return out, nil
}

// BalanceView is a balance with its most recent ledger entries.
type BalanceView struct {
	domain.Balance
	Entries []domain.BalanceEntry `json:"entries"`
}

func (e Engine) GetBalance(ctx context.Context, userID string, entries int) (BalanceView, error) {
	b, err := e.Repo.GetBalance(ctx, userID)
	if err != nil {
		return BalanceView{}, persistErr("load balance", err)
	}
	view := BalanceView{Balance: b}
	if entries > 0 {
		if view.Entries, err = e.Repo.ListBalanceEntries(ctx, userID, entries); err != nil {
			return BalanceView{}, persistErr("list balance entries", err)
		}
	}
	return view, nil
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	out, err := e.Repo.LatestEvents(ctx, f)
	if err != nil {
		return nil, persistErr("list events", err)
	}
	return out, nil
}

package repo

import (
	"context"
	"database/sql"
	"errors"

	"tradeescrow/internal/domain"
)

// UpsertQuote stores the marketplace's view of a quote.
func (r Repo) UpsertQuote(ctx context.Context, tx *sql.Tx, q domain.Quote) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO quotes(id,project_id,tradie_id,price_cents,status,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET project_id=excluded.project_id, tradie_id=excluded.tradie_id,
price_cents=excluded.price_cents, status=excluded.status, updated_at=excluded.updated_at`,
		q.ID, q.ProjectID, q.TradieID, Cents(q.Price), q.Status, formatTime(q.UpdatedAt))
	return err
}

func (r Repo) GetQuote(ctx context.Context, id string) (domain.Quote, error) {
	return r.GetQuoteTx(ctx, nil, id)
}

func (r Repo) GetQuoteTx(ctx context.Context, tx *sql.Tx, id string) (domain.Quote, error) {
	var (
		q         domain.Quote
		cents     int64
		updatedAt string
	)
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,project_id,tradie_id,price_cents,status,updated_at FROM quotes WHERE id=?`, id).
		Scan(&q.ID, &q.ProjectID, &q.TradieID, &cents, &q.Status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	q.Price = FromCents(cents)
	q.UpdatedAt, err = parseTime(updatedAt)
	return q, err
}

// UpsertTradie stores the affiliate relationship of a tradie.
func (r Repo) UpsertTradie(ctx context.Context, tx *sql.Tx, t domain.Tradie) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO tradies(id,parent_tradie_id,updated_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET parent_tradie_id=excluded.parent_tradie_id, updated_at=excluded.updated_at`,
		t.ID, nullableStringPtr(t.ParentTradieID), formatTime(t.UpdatedAt))
	return err
}

func (r Repo) GetTradie(ctx context.Context, id string) (domain.Tradie, error) {
	var (
		t         domain.Tradie
		parent    sql.NullString
		updatedAt string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,parent_tradie_id,updated_at FROM tradies WHERE id=?`, id).Scan(&t.ID, &parent, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ParentTradieID = stringPtr(parent)
	t.UpdatedAt, err = parseTime(updatedAt)
	return t, err
}

// ParentTradie resolves the referring tradie. An unknown tradie has no parent.
func (r Repo) ParentTradie(ctx context.Context, tradieID string) (string, bool, error) {
	t, err := r.GetTradie(ctx, tradieID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if t.ParentTradieID == nil {
		return "", false, nil
	}
	return *t.ParentTradieID, true, nil
}

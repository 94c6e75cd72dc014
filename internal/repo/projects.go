package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeescrow/internal/domain"
)

const projectColumns = `id,owner_id,title,status,agreed_price_cents,agreed_quote_id,status_changed_at,escrow_date,completed_at,protection_end,released_at,withdrawn_at,created_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var (
		p                          domain.Project
		price                      sql.NullInt64
		quoteID, escrowDate        sql.NullString
		completedAt, protectionEnd sql.NullString
		releasedAt, withdrawnAt    sql.NullString
		statusChangedAt, createdAt string
	)
	err := row.Scan(&p.ID, &p.OwnerID, &p.Title, &p.Status, &price, &quoteID, &statusChangedAt,
		&escrowDate, &completedAt, &protectionEnd, &releasedAt, &withdrawnAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if price.Valid {
		v := FromCents(price.Int64)
		p.AgreedPrice = &v
	}
	p.AgreedQuoteID = stringPtr(quoteID)
	if p.StatusChangedAt, err = parseTime(statusChangedAt); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{escrowDate, &p.EscrowDate},
		{completedAt, &p.CompletedAt},
		{protectionEnd, &p.ProtectionEnd},
		{releasedAt, &p.ReleasedAt},
		{withdrawnAt, &p.WithdrawnAt},
	} {
		if *f.dst, err = timePtr(f.src); err != nil {
			return p, err
		}
	}
	return p, nil
}

// RegisterProject inserts a project imported from the marketplace. Re-registering an existing
// project only refreshes its owner and title; status is owned by the lifecycle.
func (r Repo) RegisterProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	if p.Status == "" {
		p.Status = domain.ProjectDraft
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO projects(id,owner_id,title,status,status_changed_at,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET owner_id=excluded.owner_id, title=excluded.title`,
		p.ID, p.OwnerID, p.Title, p.Status, formatTime(p.StatusChangedAt), formatTime(p.CreatedAt))
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return r.GetProjectTx(ctx, nil, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(r.conn(tx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// UpdateProjectStatus persists p only if the stored status still equals from. It returns
// false when another writer moved the project first.
func (r Repo) UpdateProjectStatus(ctx context.Context, tx *sql.Tx, p domain.Project, from domain.ProjectStatus) (bool, error) {
	var price any
	if p.AgreedPrice != nil {
		price = Cents(*p.AgreedPrice)
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE projects SET status=?, agreed_price_cents=?, agreed_quote_id=?, status_changed_at=?,
escrow_date=?, completed_at=?, protection_end=?, released_at=?, withdrawn_at=? WHERE id=? AND status=?`,
		p.Status, price, nullableStringPtr(p.AgreedQuoteID), formatTime(p.StatusChangedAt),
		nullableTime(p.EscrowDate), nullableTime(p.CompletedAt), nullableTime(p.ProtectionEnd),
		nullableTime(p.ReleasedAt), nullableTime(p.WithdrawnAt), p.ID, from)
	if err != nil {
		return false, err
	}
	return affected(res)
}

type ProjectFilters struct {
	OwnerID string
	Status  string
	Limit   int
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + projectColumns + ` FROM projects WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListAutoReleaseCandidates returns projects in protection whose window ended before now and
// whose escrow is still held. Disputed projects never match.
func (r Repo) ListAutoReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]domain.ReleaseCandidate, error) {
	query := `SELECT p.id, e.id, p.owner_id, e.tradie_id, p.protection_end
FROM projects p
JOIN escrow_accounts e ON e.project_id = p.id
WHERE p.status = ? AND p.protection_end IS NOT NULL AND p.protection_end < ? AND e.status = ?
ORDER BY p.protection_end ASC, p.id ASC`
	args := []any{domain.ProjectProtection, formatTime(now), domain.EscrowHeld}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReleaseCandidate
	for rows.Next() {
		var c domain.ReleaseCandidate
		var end string
		if err := rows.Scan(&c.ProjectID, &c.EscrowID, &c.OwnerID, &c.TradieID, &end); err != nil {
			return nil, err
		}
		if c.ProtectionEnd, err = parseTime(end); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tradeescrow/internal/domain"
)

const escrowColumns = `id,payment_id,project_id,tradie_id,parent_tradie_id,gross_cents,net_cents,affiliate_fee_cents,status,
release_trigger,released_by,release_notes,released_at,protection_end,created_at,updated_at`

func scanEscrow(row rowScanner) (domain.EscrowAccount, error) {
	var (
		e                          domain.EscrowAccount
		gross, net, affiliate      int64
		parent, trigger, by, notes sql.NullString
		releasedAt, protectionEnd  sql.NullString
		createdAt, updatedAt       string
	)
	err := row.Scan(&e.ID, &e.PaymentID, &e.ProjectID, &e.TradieID, &parent, &gross, &net, &affiliate, &e.Status,
		&trigger, &by, &notes, &releasedAt, &protectionEnd, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.ParentTradieID = stringPtr(parent)
	e.GrossAmount = FromCents(gross)
	e.NetAmount = FromCents(net)
	e.AffiliateFee = FromCents(affiliate)
	if trigger.Valid && trigger.String != "" {
		t := domain.ReleaseTrigger(trigger.String)
		e.ReleaseTrigger = &t
	}
	e.ReleasedBy = stringPtr(by)
	e.ReleaseNotes = stringPtr(notes)
	if e.ReleasedAt, err = timePtr(releasedAt); err != nil {
		return e, err
	}
	if e.ProtectionEnd, err = timePtr(protectionEnd); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	e.UpdatedAt, err = parseTime(updatedAt)
	return e, err
}

// InsertEscrow creates the escrow for a payment. It reports false, without error, when the
// payment already has one.
func (r Repo) InsertEscrow(ctx context.Context, tx *sql.Tx, e domain.EscrowAccount) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO escrow_accounts(id,payment_id,project_id,tradie_id,parent_tradie_id,gross_cents,net_cents,
affiliate_fee_cents,status,protection_end,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(payment_id) DO NOTHING`,
		e.ID, e.PaymentID, e.ProjectID, e.TradieID, nullableStringPtr(e.ParentTradieID),
		Cents(e.GrossAmount), Cents(e.NetAmount), Cents(e.AffiliateFee), e.Status,
		nullableTime(e.ProtectionEnd), formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r Repo) GetEscrow(ctx context.Context, id string) (domain.EscrowAccount, error) {
	return r.GetEscrowTx(ctx, nil, id)
}

func (r Repo) GetEscrowTx(ctx context.Context, tx *sql.Tx, id string) (domain.EscrowAccount, error) {
	return scanEscrow(r.conn(tx).QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE id=?`, id))
}

func (r Repo) GetEscrowByPayment(ctx context.Context, tx *sql.Tx, paymentID string) (domain.EscrowAccount, error) {
	return scanEscrow(r.conn(tx).QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE payment_id=?`, paymentID))
}

// GetEscrowByProject returns the most recent escrow of a project.
func (r Repo) GetEscrowByProject(ctx context.Context, tx *sql.Tx, projectID string) (domain.EscrowAccount, error) {
	return scanEscrow(r.conn(tx).QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE project_id=?
ORDER BY created_at DESC, id DESC LIMIT 1`, projectID))
}

func (r Repo) ListEscrowsByTradie(ctx context.Context, tradieID string) ([]domain.EscrowAccount, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE tradie_id=? ORDER BY created_at DESC, id DESC`, tradieID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscrowAccount
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// MarkEscrowReleased flips a held escrow to released. Only one caller can win; the others
// get false.
func (r Repo) MarkEscrowReleased(ctx context.Context, tx *sql.Tx, id string, trigger domain.ReleaseTrigger, actorID, notes string, now time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE escrow_accounts SET status=?, release_trigger=?, released_by=?, release_notes=?, released_at=?, updated_at=?
WHERE id=? AND status=? AND released_at IS NULL`,
		domain.EscrowReleased, trigger, actorID, nullable(notes), formatTime(now), formatTime(now), id, domain.EscrowHeld)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// SetEscrowStatus moves an escrow between non-release statuses.
func (r Repo) SetEscrowStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.EscrowStatus, now time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE escrow_accounts SET status=?, updated_at=? WHERE id=? AND status=?`, to, formatTime(now), id, from)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// SetEscrowProtectionEnd mirrors the project's protection deadline onto its escrow.
func (r Repo) SetEscrowProtectionEnd(ctx context.Context, tx *sql.Tx, id string, end time.Time) error {
	_, err := r.conn(tx).ExecContext(ctx, `UPDATE escrow_accounts SET protection_end=? WHERE id=?`, formatTime(end), id)
	return err
}

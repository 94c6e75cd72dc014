package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"tradeescrow/internal/domain"
)

// ErrOpenWithdrawal is returned when an escrow already has a pending, approved or processing
// withdrawal.
var ErrOpenWithdrawal = errors.New("open withdrawal exists")

const withdrawalColumns = `id,tradie_id,escrow_account_id,requested_cents,processing_fee_cents,final_cents,account_name,routing_number,
account_number_masked,status,reference_number,rejection_reason,payout_reference,created_at,updated_at,completed_at`

func scanWithdrawal(row rowScanner) (domain.Withdrawal, error) {
	var (
		w                         domain.Withdrawal
		requested, fee, final     int64
		reason, payout, completed sql.NullString
		createdAt, updatedAt      string
	)
	err := row.Scan(&w.ID, &w.TradieID, &w.EscrowAccountID, &requested, &fee, &final,
		&w.BankDetails.AccountName, &w.BankDetails.RoutingNumber, &w.BankDetails.AccountNumber,
		&w.Status, &w.ReferenceNumber, &reason, &payout, &createdAt, &updatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.RequestedAmount = FromCents(requested)
	w.ProcessingFee = FromCents(fee)
	w.FinalAmount = FromCents(final)
	w.RejectionReason = stringPtr(reason)
	w.PayoutReference = stringPtr(payout)
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return w, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return w, err
	}
	w.CompletedAt, err = timePtr(completed)
	return w, err
}

// InsertWithdrawal stores a withdrawal with masked bank details.
func (r Repo) InsertWithdrawal(ctx context.Context, tx *sql.Tx, w domain.Withdrawal) error {
	bank := w.BankDetails.Masked()
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO withdrawals(id,tradie_id,escrow_account_id,requested_cents,processing_fee_cents,final_cents,
account_name,routing_number,account_number_masked,status,reference_number,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.TradieID, w.EscrowAccountID, Cents(w.RequestedAmount), Cents(w.ProcessingFee), Cents(w.FinalAmount),
		bank.AccountName, bank.RoutingNumber, bank.AccountNumber, w.Status, w.ReferenceNumber,
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if IsUniqueViolation(err) && strings.Contains(err.Error(), "escrow_account_id") {
		return ErrOpenWithdrawal
	}
	return err
}

func (r Repo) GetWithdrawal(ctx context.Context, id string) (domain.Withdrawal, error) {
	return r.GetWithdrawalTx(ctx, nil, id)
}

func (r Repo) GetWithdrawalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Withdrawal, error) {
	return scanWithdrawal(r.conn(tx).QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id=?`, id))
}

type WithdrawalFilters struct {
	TradieID string
	EscrowID string
	Status   string
}

func (r Repo) ListWithdrawals(ctx context.Context, f WithdrawalFilters) ([]domain.Withdrawal, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TradieID != "" {
		clauses = append(clauses, "tradie_id=?")
		args = append(args, f.TradieID)
	}
	if f.EscrowID != "" {
		clauses = append(clauses, "escrow_account_id=?")
		args = append(args, f.EscrowID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE `+strings.Join(clauses, " AND ")+
		` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// HasOpenWithdrawal reports whether the escrow has a withdrawal still in flight.
func (r Repo) HasOpenWithdrawal(ctx context.Context, tx *sql.Tx, escrowID string) (bool, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM withdrawals WHERE escrow_account_id=? AND status IN (?,?,?)`,
		escrowID, domain.WithdrawalPending, domain.WithdrawalApproved, domain.WithdrawalProcessing).Scan(&n)
	return n > 0, err
}

// CompletedWithdrawalTotal sums the requested amounts already paid out of an escrow.
func (r Repo) CompletedWithdrawalTotal(ctx context.Context, tx *sql.Tx, escrowID string) (decimal.Decimal, error) {
	var cents int64
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COALESCE(SUM(requested_cents),0) FROM withdrawals WHERE escrow_account_id=? AND status=?`,
		escrowID, domain.WithdrawalCompleted).Scan(&cents)
	return FromCents(cents), err
}

// UpdateWithdrawalStatus persists w's status fields if the stored status still equals from.
func (r Repo) UpdateWithdrawalStatus(ctx context.Context, tx *sql.Tx, w domain.Withdrawal, from domain.WithdrawalStatus) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE withdrawals SET status=?, rejection_reason=?, payout_reference=?, updated_at=?, completed_at=?
WHERE id=? AND status=?`,
		w.Status, nullableStringPtr(w.RejectionReason), nullableStringPtr(w.PayoutReference), formatTime(w.UpdatedAt),
		nullableTime(w.CompletedAt), w.ID, from)
	if err != nil {
		return false, err
	}
	return affected(res)
}


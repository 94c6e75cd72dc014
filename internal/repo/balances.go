package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradeescrow/internal/domain"
)

// ErrInsufficientFunds is returned when a debit would take a balance below zero.
var ErrInsufficientFunds = errors.New("insufficient funds")

// CreditBalance adds amount to a user's balance with an additive upsert and records the entry.
// The entry is unique per (user, kind, entity), so a replayed credit fails instead of doubling.
func (r Repo) CreditBalance(ctx context.Context, tx *sql.Tx, userID string, kind domain.BalanceEntryKind, amount decimal.Decimal, entityID string, now time.Time) error {
	cents := Cents(amount)
	if cents <= 0 {
		return nil
	}
	c := r.conn(tx)
	ts := formatTime(now)
	if _, err := c.ExecContext(ctx, `INSERT INTO balance_entries(user_id,kind,amount_cents,entity_id,created_at) VALUES (?,?,?,?,?)`,
		userID, kind, cents, entityID, ts); err != nil {
		return fmt.Errorf("record balance entry: %w", err)
	}
	if _, err := c.ExecContext(ctx, `INSERT INTO balances(user_id,available_cents,total_credited_cents,total_withdrawn_cents,updated_at) VALUES (?,?,?,0,?)
ON CONFLICT(user_id) DO UPDATE SET available_cents = available_cents + excluded.available_cents,
total_credited_cents = total_credited_cents + excluded.total_credited_cents, updated_at = excluded.updated_at`,
		userID, cents, cents, ts); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

// DebitBalance subtracts amount only when enough is available.
func (r Repo) DebitBalance(ctx context.Context, tx *sql.Tx, userID string, kind domain.BalanceEntryKind, amount decimal.Decimal, entityID string, now time.Time) error {
	cents := Cents(amount)
	if cents <= 0 {
		return nil
	}
	c := r.conn(tx)
	ts := formatTime(now)
	res, err := c.ExecContext(ctx, `UPDATE balances SET available_cents = available_cents - ?, total_withdrawn_cents = total_withdrawn_cents + ?, updated_at=?
WHERE user_id=? AND available_cents >= ?`, cents, cents, ts, userID, cents)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientFunds
	}
	if _, err := c.ExecContext(ctx, `INSERT INTO balance_entries(user_id,kind,amount_cents,entity_id,created_at) VALUES (?,?,?,?,?)`,
		userID, kind, -cents, entityID, ts); err != nil {
		return fmt.Errorf("record balance entry: %w", err)
	}
	return nil
}

// GetBalance returns a user's balance; users never credited have a zero balance.
func (r Repo) GetBalance(ctx context.Context, userID string) (domain.Balance, error) {
	var (
		available, credited, withdrawn int64
		updatedAt                      string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT available_cents,total_credited_cents,total_withdrawn_cents,updated_at FROM balances WHERE user_id=?`, userID).
		Scan(&available, &credited, &withdrawn, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Balance{UserID: userID, Available: decimal.Zero, TotalCredited: decimal.Zero, TotalWithdrawn: decimal.Zero}, nil
	}
	if err != nil {
		return domain.Balance{}, err
	}
	b := domain.Balance{
		UserID:         userID,
		Available:      FromCents(available),
		TotalCredited:  FromCents(credited),
		TotalWithdrawn: FromCents(withdrawn),
	}
	b.UpdatedAt, err = parseTime(updatedAt)
	return b, err
}

func (r Repo) ListBalanceEntries(ctx context.Context, userID string, limit int) ([]domain.BalanceEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,kind,amount_cents,entity_id,created_at FROM balance_entries WHERE user_id=? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BalanceEntry
	for rows.Next() {
		var (
			e         domain.BalanceEntry
			cents     int64
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &cents, &e.EntityID, &createdAt); err != nil {
			return nil, err
		}
		e.Amount = FromCents(cents)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

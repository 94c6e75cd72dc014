package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tradeescrow/internal/domain"
)

const paymentColumns = `id,project_id,quote_id,payer_id,tradie_id,currency,gross_cents,platform_fee_cents,affiliate_fee_cents,tax_cents,net_cents,
parent_tradie_id,status,gateway_reference,client_secret,charge_id,failure_reason,refunded_cents,created_at,updated_at,completed_at`

func scanPayment(row rowScanner) (domain.Payment, error) {
	var (
		p                                   domain.Payment
		gross, platform, affiliate, tax     int64
		net, refunded                       int64
		parent, ref, secret, charge, reason sql.NullString
		createdAt, updatedAt                string
		completedAt                         sql.NullString
	)
	err := row.Scan(&p.ID, &p.ProjectID, &p.QuoteID, &p.PayerID, &p.TradieID, &p.Currency,
		&gross, &platform, &affiliate, &tax, &net, &parent, &p.Status, &ref, &secret, &charge, &reason,
		&refunded, &createdAt, &updatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Fees = domain.FeeBreakdown{
		Gross:          FromCents(gross),
		PlatformFee:    FromCents(platform),
		AffiliateFee:   FromCents(affiliate),
		TaxAmount:      FromCents(tax),
		NetAmount:      FromCents(net),
		ParentTradieID: stringPtr(parent),
	}
	p.RefundedAmount = FromCents(refunded)
	p.GatewayReference = stringPtr(ref)
	p.ClientSecret = stringPtr(secret)
	p.ChargeID = stringPtr(charge)
	p.FailureReason = stringPtr(reason)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, err
	}
	p.CompletedAt, err = timePtr(completedAt)
	return p, err
}

// InsertPayment stores a new payment with its immutable fee breakdown.
func (r Repo) InsertPayment(ctx context.Context, tx *sql.Tx, p domain.Payment) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO payments(id,project_id,quote_id,payer_id,tradie_id,currency,gross_cents,platform_fee_cents,
affiliate_fee_cents,tax_cents,net_cents,parent_tradie_id,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, p.QuoteID, p.PayerID, p.TradieID, p.Currency,
		Cents(p.Fees.Gross), Cents(p.Fees.PlatformFee), Cents(p.Fees.AffiliateFee), Cents(p.Fees.TaxAmount), Cents(p.Fees.NetAmount),
		nullableStringPtr(p.Fees.ParentTradieID), p.Status, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	return err
}

func (r Repo) GetPayment(ctx context.Context, id string) (domain.Payment, error) {
	return r.GetPaymentTx(ctx, nil, id)
}

func (r Repo) GetPaymentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Payment, error) {
	return scanPayment(r.conn(tx).QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=?`, id))
}

func (r Repo) GetPaymentByReference(ctx context.Context, tx *sql.Tx, reference string) (domain.Payment, error) {
	return scanPayment(r.conn(tx).QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE gateway_reference=?`, reference))
}

// FindLivePayment returns the non-failed payment for a project and quote.
func (r Repo) FindLivePayment(ctx context.Context, tx *sql.Tx, projectID, quoteID string) (domain.Payment, error) {
	return scanPayment(r.conn(tx).QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE project_id=? AND quote_id=? AND status<>? LIMIT 1`, projectID, quoteID, domain.PaymentFailed))
}

func (r Repo) ListPayments(ctx context.Context, projectID string) ([]domain.Payment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetPaymentAuthorization records the gateway session and moves a pending payment to processing.
func (r Repo) SetPaymentAuthorization(ctx context.Context, tx *sql.Tx, id, reference, clientSecret string, now time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE payments SET gateway_reference=?, client_secret=?, status=?, updated_at=? WHERE id=? AND status=?`,
		reference, nullable(clientSecret), domain.PaymentProcessing, formatTime(now), id, domain.PaymentPending)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// CompletePayment marks a pending or processing payment completed.
func (r Repo) CompletePayment(ctx context.Context, tx *sql.Tx, id, chargeID string, now time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE payments SET status=?, charge_id=COALESCE(?,charge_id), updated_at=?, completed_at=?
WHERE id=? AND status IN (?,?)`,
		domain.PaymentCompleted, nullable(chargeID), formatTime(now), formatTime(now), id, domain.PaymentPending, domain.PaymentProcessing)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// FailPayment marks a pending or processing payment failed.
func (r Repo) FailPayment(ctx context.Context, tx *sql.Tx, id, reason string, now time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE payments SET status=?, failure_reason=?, updated_at=? WHERE id=? AND status IN (?,?)`,
		domain.PaymentFailed, nullable(reason), formatTime(now), id, domain.PaymentPending, domain.PaymentProcessing)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// SetPaymentStatus moves a payment from one status to another.
func (r Repo) SetPaymentStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.PaymentStatus, now time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE payments SET status=?, updated_at=? WHERE id=? AND status=?`, to, formatTime(now), id, from)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// MarkPaymentRefunded records a refund of a completed or disputed payment.
func (r Repo) MarkPaymentRefunded(ctx context.Context, tx *sql.Tx, id string, refundedCents int64, now time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE payments SET status=?, refunded_cents=?, updated_at=? WHERE id=? AND status IN (?,?)`,
		domain.PaymentRefunded, refundedCents, formatTime(now), id, domain.PaymentCompleted, domain.PaymentDisputed)
	if err != nil {
		return false, err
	}
	return affected(res)
}

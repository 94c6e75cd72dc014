package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended to the feed.
const (
	ProjectRegistered   = "project.registered"
	ProjectTransitioned = "project.transitioned"
	ProjectAgreed       = "project.agreed"
	QuoteUpserted       = "quote.upserted"
	TradieUpserted      = "tradie.upserted"
	PaymentCreated      = "payment.created"
	PaymentAuthorized   = "payment.authorized"
	PaymentCompleted    = "payment.completed"
	PaymentFailed       = "payment.failed"
	PaymentRefunded     = "payment.refunded"
	EscrowCreated       = "escrow.created"
	EscrowReleased      = "escrow.released"
	EscrowDisputed      = "escrow.disputed"
	BalanceCredited     = "balance.credited"
	BalanceDebited      = "balance.debited"
	DisputeOpened       = "dispute.opened"
	DisputeResolved     = "dispute.resolved"
	WithdrawalRequested = "withdrawal.requested"
	WithdrawalApproved  = "withdrawal.approved"
	WithdrawalProcessed = "withdrawal.processing"
	WithdrawalCompleted = "withdrawal.completed"
	WithdrawalRejected  = "withdrawal.rejected"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside tx so it commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if tx == nil {
		return fmt.Errorf("append %s: transaction required", evtType)
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Package notify delivers fire-and-forget notifications to tradies and owners.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindFundsReleased     Kind = "funds_released"
	KindEscrowReleased    Kind = "escrow_released"
	KindPaymentReceived   Kind = "payment_received"
	KindPaymentFailed     Kind = "payment_failed"
	KindDisputeOpened     Kind = "dispute_opened"
	KindDisputeResolved   Kind = "dispute_resolved"
	KindWithdrawalUpdated Kind = "withdrawal_updated"
)

type Notification struct {
	Kind      Kind           `json:"kind"`
	Recipient string         `json:"recipient"`
	Payload   map[string]any `json:"payload,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
}

// Notifier delivers a notification. Errors are reported to the caller, who logs them; they
// never undo the change that produced the notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Log writes notifications to a zap logger.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("notification",
		zap.String("kind", string(n.Kind)),
		zap.String("recipient", n.Recipient),
		zap.Any("payload", n.Payload),
	)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, target := range m {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

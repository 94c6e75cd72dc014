// Package gateway is the payment gateway port and its sandbox implementation.
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusPending   Status = "pending"
)

var ErrUnknownReference = errors.New("unknown gateway reference")

type AuthorizeRequest struct {
	Amount   decimal.Decimal
	Currency string
	Metadata map[string]string
}

type Authorization struct {
	Reference    string
	ClientSecret string
}

type Confirmation struct {
	Status        Status
	ChargeID      string
	FailureReason string
}

type Refund struct {
	Status   Status
	RefundID string
}

// Gateway captures funds from payers. Calls are made outside any database transaction and
// must honour ctx deadlines.
type Gateway interface {
	Name() string
	Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error)
	Confirm(ctx context.Context, reference string) (Confirmation, error)
	// Refund returns amount of a charge; a nil amount refunds it in full.
	Refund(ctx context.Context, chargeID string, amount *decimal.Decimal) (Refund, error)
}

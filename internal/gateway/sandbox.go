package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type sandboxCharge struct {
	amount   decimal.Decimal
	currency string
	status   Status
	chargeID string
	refunded decimal.Decimal
}

// Sandbox is an in-memory gateway for development and tests. Authorized sessions confirm as
// succeeded unless marked otherwise with Decline.
type Sandbox struct {
	mu       sync.Mutex
	charges  map[string]*sandboxCharge
	byCharge map[string]string
	calls    map[string]int

	failAuthorize int
	failConfirm   int
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		charges:  map[string]*sandboxCharge{},
		byCharge: map[string]string{},
		calls:    map[string]int{},
	}
}

func (s *Sandbox) Name() string { return "sandbox" }

// FailNextAuthorize makes the next n Authorize calls return an error.
func (s *Sandbox) FailNextAuthorize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAuthorize = n
}

// FailNextConfirm makes the next n Confirm calls return an error.
func (s *Sandbox) FailNextConfirm(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failConfirm = n
}

// Decline marks an authorized session so that Confirm reports it failed.
func (s *Sandbox) Decline(reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[reference]
	if !ok {
		return ErrUnknownReference
	}
	c.status = StatusFailed
	return nil
}

// Calls returns how many times op was invoked.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Sandbox) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	if err := ctx.Err(); err != nil {
		return Authorization{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["authorize"]++
	if s.failAuthorize > 0 {
		s.failAuthorize--
		return Authorization{}, errors.New("sandbox: authorize unavailable")
	}
	if !req.Amount.IsPositive() {
		return Authorization{}, fmt.Errorf("sandbox: invalid amount %s", req.Amount)
	}
	ref := "pi_" + uuid.NewString()
	s.charges[ref] = &sandboxCharge{amount: req.Amount, currency: req.Currency, status: StatusSucceeded}
	return Authorization{Reference: ref, ClientSecret: ref + "_secret_" + uuid.NewString()[:8]}, nil
}

func (s *Sandbox) Confirm(ctx context.Context, reference string) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["confirm"]++
	if s.failConfirm > 0 {
		s.failConfirm--
		return Confirmation{}, errors.New("sandbox: confirm unavailable")
	}
	c, ok := s.charges[reference]
	if !ok {
		return Confirmation{}, ErrUnknownReference
	}
	if c.status == StatusFailed {
		return Confirmation{Status: StatusFailed, FailureReason: "card declined"}, nil
	}
	if c.chargeID == "" {
		c.chargeID = "ch_" + uuid.NewString()
		s.byCharge[c.chargeID] = reference
	}
	return Confirmation{Status: StatusSucceeded, ChargeID: c.chargeID}, nil
}

func (s *Sandbox) Refund(ctx context.Context, chargeID string, amount *decimal.Decimal) (Refund, error) {
	if err := ctx.Err(); err != nil {
		return Refund{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["refund"]++
	ref, ok := s.byCharge[chargeID]
	if !ok {
		return Refund{}, fmt.Errorf("sandbox: unknown charge %s", chargeID)
	}
	c := s.charges[ref]
	want := c.amount.Sub(c.refunded)
	if amount != nil {
		want = *amount
	}
	if !want.IsPositive() || c.refunded.Add(want).GreaterThan(c.amount) {
		return Refund{}, fmt.Errorf("sandbox: refund %s exceeds remaining %s", want, c.amount.Sub(c.refunded))
	}
	c.refunded = c.refunded.Add(want)
	return Refund{Status: StatusSucceeded, RefundID: "re_" + uuid.NewString()}, nil
}

package lifecycle_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeescrow/internal/domain"
	"tradeescrow/internal/lifecycle"
)

type edge struct{ from, to domain.ProjectStatus }

var allowed = map[edge]bool{
	{domain.ProjectDraft, domain.ProjectQuoted}:             true,
	{domain.ProjectQuoted, domain.ProjectNegotiating}:       true,
	{domain.ProjectQuoted, domain.ProjectAgreed}:            true,
	{domain.ProjectNegotiating, domain.ProjectAgreed}:       true,
	{domain.ProjectAgreed, domain.ProjectEscrowed}:          true,
	{domain.ProjectEscrowed, domain.ProjectInProgress}:      true,
	{domain.ProjectInProgress, domain.ProjectCompleted}:     true,
	{domain.ProjectCompleted, domain.ProjectProtection}:     true,
	{domain.ProjectProtection, domain.ProjectReleased}:      true,
	{domain.ProjectReleased, domain.ProjectWithdrawn}:       true,
	{domain.ProjectEscrowed, domain.ProjectDisputed}:        true,
	{domain.ProjectInProgress, domain.ProjectDisputed}:      true,
	{domain.ProjectCompleted, domain.ProjectDisputed}:       true,
	{domain.ProjectProtection, domain.ProjectDisputed}:      true,
	{domain.ProjectDraft, domain.ProjectCancelled}:          true,
	{domain.ProjectQuoted, domain.ProjectCancelled}:         true,
	{domain.ProjectNegotiating, domain.ProjectCancelled}:    true,
}

func TestCanTransitionExhaustive(t *testing.T) {
	for _, from := range domain.ProjectStatuses {
		for _, to := range domain.ProjectStatuses {
			got := lifecycle.CanTransition(from, to)
			if got != allowed[edge{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

func TestApplyDisallowedLeavesProjectUntouched(t *testing.T) {
	m := lifecycle.New(15)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, from := range domain.ProjectStatuses {
		for _, to := range domain.ProjectStatuses {
			if allowed[edge{from, to}] {
				continue
			}
			p := domain.Project{ID: "p1", Status: from, StatusChangedAt: now.Add(-time.Hour)}
			before := p
			_, err := m.Apply(p, to, now, lifecycle.Meta{})
			if !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("%s -> %s: expected invalid transition, got %v", from, to, err)
			}
			if p != before {
				t.Fatalf("%s -> %s mutated project", from, to)
			}
		}
	}
}

func TestApplyStampsProtectionEnd(t *testing.T) {
	m := lifecycle.New(15)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	p := domain.Project{ID: "p1", Status: domain.ProjectCompleted}
	out, err := m.Apply(p, domain.ProjectProtection, now, lifecycle.Meta{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := time.Date(2025, 3, 16, 10, 0, 0, 0, time.UTC)
	if out.ProtectionEnd == nil || !out.ProtectionEnd.Equal(want) {
		t.Fatalf("expected protection end %s, got %v", want, out.ProtectionEnd)
	}
	if out.Status != domain.ProjectProtection || !out.StatusChangedAt.Equal(now) {
		t.Fatalf("unexpected status stamp %+v", out)
	}
}

func TestApplyStampsEscrowDate(t *testing.T) {
	m := lifecycle.New(0)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	out, err := m.Apply(domain.Project{Status: domain.ProjectAgreed}, domain.ProjectEscrowed, now, lifecycle.Meta{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.EscrowDate == nil || !out.EscrowDate.Equal(now) {
		t.Fatalf("escrow date not stamped: %v", out.EscrowDate)
	}
	if m.PeriodDays != lifecycle.DefaultPeriodDays {
		t.Fatalf("expected default period, got %d", m.PeriodDays)
	}
}

func TestAgreedStampedOnce(t *testing.T) {
	m := lifecycle.New(15)
	now := time.Now().UTC()
	price := decimal.NewFromInt(1000)
	p := domain.Project{ID: "p1", Status: domain.ProjectNegotiating}
	out, err := m.Apply(p, domain.ProjectAgreed, now, lifecycle.Meta{AgreedPrice: &price, AgreedQuoteID: "q1"})
	if err != nil {
		t.Fatalf("agree: %v", err)
	}
	if out.AgreedPrice == nil || !out.AgreedPrice.Equal(price) || *out.AgreedQuoteID != "q1" {
		t.Fatalf("agreed fields not stamped: %+v", out)
	}

	// A project that already carries agreed fields cannot be stamped again.
	again := out
	again.Status = domain.ProjectNegotiating
	other := decimal.NewFromInt(5)
	if _, err := m.Apply(again, domain.ProjectAgreed, now, lifecycle.Meta{AgreedPrice: &other, AgreedQuoteID: "q2"}); !errors.Is(err, domain.ErrAlreadyAgreed) {
		t.Fatalf("expected already agreed, got %v", err)
	}
}

func TestAgreedRequiresQuote(t *testing.T) {
	m := lifecycle.New(15)
	if _, err := m.Apply(domain.Project{Status: domain.ProjectQuoted}, domain.ProjectAgreed, time.Now(), lifecycle.Meta{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestOverride(t *testing.T) {
	m := lifecycle.New(15)
	now := time.Now().UTC()
	p := domain.Project{ID: "p1", Status: domain.ProjectDisputed}
	out, err := m.Override(p, domain.ProjectInProgress, now, lifecycle.Meta{})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if out.Status != domain.ProjectInProgress {
		t.Fatalf("unexpected status %s", out.Status)
	}
	if _, err := m.Override(p, domain.ProjectDisputed, now, lifecycle.Meta{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := m.Override(domain.Project{Status: domain.ProjectProtection}, domain.ProjectReleased, now, lifecycle.Meta{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("override outside dispute should fail, got %v", err)
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []domain.ProjectStatus{domain.ProjectReleased, domain.ProjectWithdrawn, domain.ProjectCancelled} {
		if !lifecycle.Terminal(s) {
			t.Fatalf("%s should be terminal", s)
		}
	}
	if lifecycle.Terminal(domain.ProjectProtection) {
		t.Fatalf("protection is not terminal")
	}
}

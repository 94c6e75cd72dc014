// Package lifecycle holds the project status graph.
package lifecycle

import (
	"time"

	"github.com/shopspring/decimal"

	"tradeescrow/internal/domain"
)

// DefaultPeriodDays is the protection window applied when none is configured.
const DefaultPeriodDays = 15

var edges = map[domain.ProjectStatus][]domain.ProjectStatus{
	domain.ProjectDraft:       {domain.ProjectQuoted, domain.ProjectCancelled},
	domain.ProjectQuoted:      {domain.ProjectNegotiating, domain.ProjectAgreed, domain.ProjectCancelled},
	domain.ProjectNegotiating: {domain.ProjectAgreed, domain.ProjectCancelled},
	domain.ProjectAgreed:      {domain.ProjectEscrowed},
	domain.ProjectEscrowed:    {domain.ProjectInProgress, domain.ProjectDisputed},
	domain.ProjectInProgress:  {domain.ProjectCompleted, domain.ProjectDisputed},
	domain.ProjectCompleted:   {domain.ProjectProtection, domain.ProjectDisputed},
	domain.ProjectProtection:  {domain.ProjectReleased, domain.ProjectDisputed},
	domain.ProjectReleased:    {domain.ProjectWithdrawn},
}

// Meta carries status-specific values stamped during a transition.
type Meta struct {
	AgreedPrice   *decimal.Decimal
	AgreedQuoteID string
}

type Machine struct {
	PeriodDays int
}

func New(periodDays int) Machine {
	if periodDays <= 0 {
		periodDays = DefaultPeriodDays
	}
	return Machine{PeriodDays: periodDays}
}

// CanTransition reports whether to may directly follow from.
func CanTransition(from, to domain.ProjectStatus) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Next returns the statuses reachable from s in one step.
func Next(s domain.ProjectStatus) []domain.ProjectStatus {
	out := make([]domain.ProjectStatus, len(edges[s]))
	copy(out, edges[s])
	return out
}

// Terminal reports whether no payment-side transition leaves s.
func Terminal(s domain.ProjectStatus) bool {
	switch s {
	case domain.ProjectReleased, domain.ProjectWithdrawn, domain.ProjectCancelled:
		return true
	}
	return false
}

// ProtectionEnd returns the auto-release deadline for work completed at t.
func (m Machine) ProtectionEnd(t time.Time) time.Time {
	days := m.PeriodDays
	if days <= 0 {
		days = DefaultPeriodDays
	}
	return t.UTC().AddDate(0, 0, days)
}

// Apply returns p moved to status to with its status metadata stamped. p is never modified;
// on error the zero Project is returned.
func (m Machine) Apply(p domain.Project, to domain.ProjectStatus, now time.Time, meta Meta) (domain.Project, error) {
	if !to.Valid() {
		return domain.Project{}, domain.ErrInvalidTransition.WithMessage("unknown project status %q", to)
	}
	if !CanTransition(p.Status, to) {
		return domain.Project{}, domain.ErrInvalidTransition.WithMessage("invalid project status transition %s -> %s", p.Status, to)
	}
	return m.stamp(p, to, now, meta)
}

// Override moves a disputed project to any other status. It is the dispute resolution path
// and bypasses the normal graph.
func (m Machine) Override(p domain.Project, to domain.ProjectStatus, now time.Time, meta Meta) (domain.Project, error) {
	if p.Status != domain.ProjectDisputed {
		return domain.Project{}, domain.ErrInvalidTransition.WithMessage("project %s is not disputed", p.ID)
	}
	if !to.Valid() || to == domain.ProjectDisputed {
		return domain.Project{}, domain.ErrInvalidTransition.WithMessage("cannot resolve dispute to %q", to)
	}
	return m.stamp(p, to, now, meta)
}

func (m Machine) stamp(p domain.Project, to domain.ProjectStatus, now time.Time, meta Meta) (domain.Project, error) {
	now = now.UTC()
	out := p
	switch to {
	case domain.ProjectAgreed:
		if p.AgreedPrice != nil || p.AgreedQuoteID != nil {
			return domain.Project{}, domain.ErrAlreadyAgreed
		}
		if meta.AgreedPrice == nil || meta.AgreedQuoteID == "" {
			return domain.Project{}, domain.ErrInvalidInput.WithMessage("agreed price and quote are required")
		}
		price := *meta.AgreedPrice
		quoteID := meta.AgreedQuoteID
		out.AgreedPrice = &price
		out.AgreedQuoteID = &quoteID
	case domain.ProjectEscrowed:
		out.EscrowDate = &now
	case domain.ProjectCompleted:
		out.CompletedAt = &now
	case domain.ProjectProtection:
		end := m.ProtectionEnd(now)
		out.ProtectionEnd = &end
	case domain.ProjectReleased:
		out.ReleasedAt = &now
	case domain.ProjectWithdrawn:
		out.WithdrawnAt = &now
	}
	out.Status = to
	out.StatusChangedAt = now
	return out, nil
}

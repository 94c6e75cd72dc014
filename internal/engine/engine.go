package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeescrow/internal/config"
	"tradeescrow/internal/domain"
	"tradeescrow/internal/events"
	"tradeescrow/internal/fees"
	"tradeescrow/internal/gateway"
	"tradeescrow/internal/lifecycle"
	"tradeescrow/internal/notify"
	"tradeescrow/internal/repo"
)

// Engine runs the escrow payment lifecycle. Every mutation happens in one database
// transaction together with the events it emits; gateway and notification calls are made
// outside transactions.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Fees     fees.Calculator
	Machine  lifecycle.Machine
	Gateway  gateway.Gateway
	Notifier notify.Notifier
	Logger   *zap.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, gw gateway.Gateway, n notify.Notifier, logger *zap.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if n == nil {
		n = notify.Nop{}
	}
	var tax fees.TaxFunc
	if cfg.Fees.TaxRate.IsPositive() {
		tax = fees.FlatTax(cfg.Fees.TaxRate)
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{},
		Config:   cfg,
		Fees:     fees.New(cfg.Fees.PlatformRate, cfg.Fees.AffiliateRate, tax),
		Machine:  lifecycle.New(cfg.Protection.PeriodDays),
		Gateway:  gw,
		Notifier: n,
		Logger:   logger,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	if err := w.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload); err != nil {
		return persistErr("append "+evtType, err)
	}
	return nil
}

func (e Engine) gatewayCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := 10 * time.Second
	if e.Config != nil && e.Config.Gateway.Timeout > 0 {
		timeout = e.Config.Gateway.Timeout
	}
	return context.WithTimeout(ctx, timeout)
}

// notifyAll delivers notifications after commit. Failures are logged and returned; they
// never fail the operation that produced them.
func (e Engine) notifyAll(ctx context.Context, ns ...notify.Notification) []error {
	if e.Notifier == nil {
		return nil
	}
	var errs []error
	for _, n := range ns {
		if n.Recipient == "" {
			continue
		}
		if n.SentAt.IsZero() {
			n.SentAt = e.now()
		}
		if err := e.Notifier.Notify(ctx, n); err != nil {
			e.log().Warn("notification failed",
				zap.String("kind", string(n.Kind)),
				zap.String("recipient", n.Recipient),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("notify %s %s: %w", n.Kind, n.Recipient, err))
		}
	}
	return errs
}

func persistErr(op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.ErrPersistence.Wrap(fmt.Errorf("%s: %w", op, err))
}

func notFoundErr(kind, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ErrNotFound.WithMessage("%s %s not found", kind, id)
	}
	return persistErr("load "+kind, err)
}

// checkAmount rejects non-positive amounts and amounts too large to store as cents.
func checkAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return domain.ErrInvalidAmount
	}
	if !repo.CentsInRange(d) {
		return domain.ErrInvalidAmount.WithMessage("amount %s is out of range", d.String())
	}
	return nil
}

func money(d decimal.Decimal) string {
	return d.StringFixed(fees.Places)
}

// moveProject applies a transition and persists it conditionally on the current status.
func (e Engine) moveProject(ctx context.Context, tx *sql.Tx, p domain.Project, to domain.ProjectStatus, meta lifecycle.Meta, actorID string) (domain.Project, error) {
	next, err := e.Machine.Apply(p, to, e.now(), meta)
	if err != nil {
		return p, err
	}
	return e.persistProject(ctx, tx, p, next, actorID, events.ProjectTransitioned)
}

func (e Engine) overrideProject(ctx context.Context, tx *sql.Tx, p domain.Project, to domain.ProjectStatus, actorID string) (domain.Project, error) {
	next, err := e.Machine.Override(p, to, e.now(), lifecycle.Meta{})
	if err != nil {
		return p, err
	}
	return e.persistProject(ctx, tx, p, next, actorID, events.DisputeResolved)
}

func (e Engine) persistProject(ctx context.Context, tx *sql.Tx, before, next domain.Project, actorID, evtType string) (domain.Project, error) {
	ok, err := e.Repo.UpdateProjectStatus(ctx, tx, next, before.Status)
	if err != nil {
		return before, persistErr("update project", err)
	}
	if !ok {
		return before, domain.ErrInvalidTransition.WithMessage("project %s changed concurrently; expected status %s", before.ID, before.Status)
	}
	payload := events.EventPayload{"from": before.Status, "to": next.Status}
	if next.ProtectionEnd != nil && next.Status == domain.ProjectProtection {
		payload["protection_end"] = next.ProtectionEnd.Format(time.RFC3339)
	}
	if err := e.appendEvent(ctx, tx, evtType, next.ID, "project", next.ID, actorID, payload); err != nil {
		return before, err
	}
	return next, nil
}

// RegisterProjectRequest imports a marketplace project.
type RegisterProjectRequest struct {
	ID      string
	OwnerID string
	Title   string
	ActorID string
}

func (e Engine) RegisterProject(ctx context.Context, req RegisterProjectRequest) (domain.Project, error) {
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.OwnerID) == "" {
		return domain.Project{}, domain.ErrInvalidInput.WithMessage("project id and owner are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	now := e.now()
	p := domain.Project{ID: req.ID, OwnerID: req.OwnerID, Title: req.Title, Status: domain.ProjectDraft, StatusChangedAt: now, CreatedAt: now}
	if err := e.Repo.RegisterProject(ctx, tx, p); err != nil {
		return domain.Project{}, persistErr("register project", err)
	}
	if err := e.appendEvent(ctx, tx, events.ProjectRegistered, p.ID, "project", p.ID, req.ActorID, events.EventPayload{"owner_id": p.OwnerID, "title": p.Title}); err != nil {
		return domain.Project{}, err
	}
	stored, err := e.Repo.GetProjectTx(ctx, tx, p.ID)
	if err != nil {
		return domain.Project{}, persistErr("reload project", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, persistErr("commit", err)
	}
	return stored, nil
}

func (e Engine) UpsertQuote(ctx context.Context, q domain.Quote, actorID string) (domain.Quote, error) {
	if q.ID == "" || q.ProjectID == "" || q.TradieID == "" {
		return domain.Quote{}, domain.ErrInvalidInput.WithMessage("quote id, project and tradie are required")
	}
	if err := checkAmount(q.Price); err != nil {
		return domain.Quote{}, err
	}
	switch q.Status {
	case "":
		q.Status = domain.QuotePending
	case domain.QuotePending, domain.QuoteAccepted, domain.QuoteRejected, domain.QuoteWithdrawn:
	default:
		return domain.Quote{}, domain.ErrInvalidInput.WithMessage("unknown quote status %q", q.Status)
	}
	q.Price = q.Price.Round(fees.Places)
	q.UpdatedAt = e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Quote{}, persistErr("begin", err)
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProjectTx(ctx, tx, q.ProjectID); err != nil {
		return domain.Quote{}, notFoundErr("project", q.ProjectID, err)
	}
	if err := e.Repo.UpsertQuote(ctx, tx, q); err != nil {
		return domain.Quote{}, persistErr("upsert quote", err)
	}
	if err := e.appendEvent(ctx, tx, events.QuoteUpserted, q.ProjectID, "quote", q.ID, actorID,
		events.EventPayload{"tradie_id": q.TradieID, "price": money(q.Price), "status": q.Status}); err != nil {
		return domain.Quote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Quote{}, persistErr("commit", err)
	}
	return q, nil
}

func (e Engine) UpsertTradie(ctx context.Context, t domain.Tradie, actorID string) (domain.Tradie, error) {
	if t.ID == "" {
		return domain.Tradie{}, domain.ErrInvalidInput.WithMessage("tradie id is required")
	}
	if t.ParentTradieID != nil && (*t.ParentTradieID == "" || *t.ParentTradieID == t.ID) {
		return domain.Tradie{}, domain.ErrInvalidInput.WithMessage("parent tradie must differ from tradie")
	}
	t.UpdatedAt = e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tradie{}, persistErr("begin", err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertTradie(ctx, tx, t); err != nil {
		return domain.Tradie{}, persistErr("upsert tradie", err)
	}
	payload := events.EventPayload{}
	if t.ParentTradieID != nil {
		payload["parent_tradie_id"] = *t.ParentTradieID
	}
	if err := e.appendEvent(ctx, tx, events.TradieUpserted, "", "tradie", t.ID, actorID, payload); err != nil {
		return domain.Tradie{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tradie{}, persistErr("commit", err)
	}
	return t, nil
}

// AgreeQuote moves a quoted or negotiating project to agreed and stamps the agreed price from
// an accepted quote.
func (e Engine) AgreeQuote(ctx context.Context, projectID, quoteID, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, notFoundErr("project", projectID, err)
	}
	q, err := e.Repo.GetQuoteTx(ctx, tx, quoteID)
	if err != nil {
		return domain.Project{}, notFoundErr("quote", quoteID, err)
	}
	if q.ProjectID != p.ID {
		return domain.Project{}, domain.ErrQuoteMismatch.WithMessage("quote %s does not belong to project %s", q.ID, p.ID)
	}
	if q.Status != domain.QuoteAccepted {
		return domain.Project{}, domain.ErrQuoteMismatch.WithMessage("quote %s is %s, not accepted", q.ID, q.Status)
	}
	price := q.Price
	next, err := e.moveProject(ctx, tx, p, domain.ProjectAgreed, lifecycle.Meta{AgreedPrice: &price, AgreedQuoteID: q.ID}, actorID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.appendEvent(ctx, tx, events.ProjectAgreed, p.ID, "project", p.ID, actorID,
		events.EventPayload{"quote_id": q.ID, "agreed_price": money(price), "tradie_id": q.TradieID}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, persistErr("commit", err)
	}
	return next, nil
}

// TransitionRequest moves a project along a plain edge of the status graph.
type TransitionRequest struct {
	ProjectID string
	To        domain.ProjectStatus
	ActorID   string
}

// TransitionProject applies transitions that carry no money movement. Statuses entered by
// payment, release, dispute or withdrawal operations must go through those operations.
// Completing work starts the protection window immediately.
func (e Engine) TransitionProject(ctx context.Context, req TransitionRequest) (domain.Project, error) {
	switch req.To {
	case domain.ProjectAgreed:
		return domain.Project{}, domain.ErrInvalidTransition.WithMessage("agreed is set by agreeing a quote")
	case domain.ProjectEscrowed:
		return domain.Project{}, domain.ErrInvalidTransition.WithMessage("escrowed is set by confirming a payment")
	case domain.ProjectReleased:
		return domain.Project{}, domain.ErrInvalidTransition.WithMessage("released is set by releasing escrow funds")
	case domain.ProjectWithdrawn:
		return domain.Project{}, domain.ErrInvalidTransition.WithMessage("withdrawn is set by completing a withdrawal")
	case domain.ProjectDisputed:
		return domain.Project{}, domain.ErrInvalidTransition.WithMessage("disputed is set by opening a dispute")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, req.ProjectID)
	if err != nil {
		return domain.Project{}, notFoundErr("project", req.ProjectID, err)
	}
	next, err := e.moveProject(ctx, tx, p, req.To, lifecycle.Meta{}, req.ActorID)
	if err != nil {
		return domain.Project{}, err
	}
	if next.Status == domain.ProjectCompleted {
		if next, err = e.moveProject(ctx, tx, next, domain.ProjectProtection, lifecycle.Meta{}, req.ActorID); err != nil {
			return domain.Project{}, err
		}
	}
	if next.Status == domain.ProjectProtection {
		if err := e.syncEscrowProtection(ctx, tx, next); err != nil {
			return domain.Project{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, persistErr("commit", err)
	}
	return next, nil
}

func (e Engine) syncEscrowProtection(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	if p.ProtectionEnd == nil {
		return nil
	}
	esc, err := e.Repo.GetEscrowByProject(ctx, tx, p.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return persistErr("load escrow", err)
	}
	if err := e.Repo.SetEscrowProtectionEnd(ctx, tx, esc.ID, *p.ProtectionEnd); err != nil {
		return persistErr("set escrow protection end", err)
	}
	return nil
}

// GetProjectStatus returns the current lifecycle status of a project.
func (e Engine) GetProjectStatus(ctx context.Context, projectID string) (domain.ProjectStatus, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return "", notFoundErr("project", projectID, err)
	}
	return p.Status, nil
}

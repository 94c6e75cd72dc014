package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeescrow/internal/config"
	"tradeescrow/internal/db"
	"tradeescrow/internal/domain"
	"tradeescrow/internal/engine"
	"tradeescrow/internal/fees"
	"tradeescrow/internal/gateway"
	"tradeescrow/internal/migrate"
	"tradeescrow/internal/notify"
	"tradeescrow/internal/repo"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu   sync.Mutex
	sent []notify.Notification
	fail bool
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("smtp down")
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recorder) kinds(recipient string) []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, n := range r.sent {
		if n.Recipient == recipient {
			out = append(out, n.Kind)
		}
	}
	return out
}

type testEnv struct {
	Engine  engine.Engine
	Gateway *gateway.Sandbox
	Notes   *recorder
	Clock   *clock
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	gw := gateway.NewSandbox()
	notes := &recorder{}
	clk := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default(), gw, notes, nil)
	eng.Now = clk.Now
	return testEnv{Engine: eng, Gateway: gw, Notes: notes, Clock: clk, Ctx: context.Background()}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// agree registers a project with an accepted quote and agrees on it.
func agree(t *testing.T, env testEnv, projectID, tradieID, price string) domain.Quote {
	t.Helper()
	if _, err := env.Engine.RegisterProject(env.Ctx, engine.RegisterProjectRequest{ID: projectID, OwnerID: "owner-1", Title: "Deck repair", ActorID: "marketplace"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	q, err := env.Engine.UpsertQuote(env.Ctx, domain.Quote{ID: "q-" + projectID, ProjectID: projectID, TradieID: tradieID, Price: dec(price), Status: domain.QuoteAccepted}, "marketplace")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	for _, to := range []domain.ProjectStatus{domain.ProjectQuoted, domain.ProjectNegotiating} {
		if _, err := env.Engine.TransitionProject(env.Ctx, engine.TransitionRequest{ProjectID: projectID, To: to, ActorID: "marketplace"}); err != nil {
			t.Fatalf("to %s: %v", to, err)
		}
	}
	if _, err := env.Engine.AgreeQuote(env.Ctx, projectID, q.ID, "owner-1"); err != nil {
		t.Fatalf("agree: %v", err)
	}
	return q
}

func pay(t *testing.T, env testEnv, q domain.Quote) engine.PaymentSession {
	t.Helper()
	s, err := env.Engine.CreatePayment(env.Ctx, engine.CreatePaymentRequest{
		ProjectID: q.ProjectID, QuoteID: q.ID, PayerID: "owner-1", TradieID: q.TradieID, Amount: q.Price, Currency: "AUD",
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return s
}

// fund takes a project all the way to escrowed.
func fund(t *testing.T, env testEnv, projectID, tradieID, price string) domain.EscrowAccount {
	t.Helper()
	q := agree(t, env, projectID, tradieID, price)
	s := pay(t, env, q)
	esc, err := env.Engine.ConfirmPayment(env.Ctx, s.Reference)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return esc
}

func complete(t *testing.T, env testEnv, projectID string) domain.Project {
	t.Helper()
	if _, err := env.Engine.TransitionProject(env.Ctx, engine.TransitionRequest{ProjectID: projectID, To: domain.ProjectInProgress, ActorID: "tradie-1"}); err != nil {
		t.Fatalf("start work: %v", err)
	}
	p, err := env.Engine.TransitionProject(env.Ctx, engine.TransitionRequest{ProjectID: projectID, To: domain.ProjectCompleted, ActorID: "tradie-1"})
	if err != nil {
		t.Fatalf("complete work: %v", err)
	}
	return p
}

func available(t *testing.T, env testEnv, userID string) decimal.Decimal {
	t.Helper()
	b, err := env.Engine.GetBalance(env.Ctx, userID, 0)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b.Available
}

func TestPaymentToReleaseCreditsNet(t *testing.T) {
	env := newTestEnv(t)
	q := agree(t, env, "p1", "tradie-1", "1000")
	s := pay(t, env, q)
	if s.Status != domain.PaymentProcessing || s.Reference == "" || s.ClientSecret == "" {
		t.Fatalf("unexpected session %+v", s)
	}
	if !s.Fees.PlatformFee.Equal(dec("100")) || !s.Fees.AffiliateFee.IsZero() || !s.Fees.TaxAmount.IsZero() || !s.Fees.NetAmount.Equal(dec("900")) {
		t.Fatalf("unexpected fees %+v", s.Fees)
	}
	esc, err := env.Engine.ConfirmPayment(env.Ctx, s.Reference)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if esc.Status != domain.EscrowHeld || !esc.NetAmount.Equal(dec("900")) {
		t.Fatalf("unexpected escrow %+v", esc)
	}
	if st, _ := env.Engine.GetProjectStatus(env.Ctx, "p1"); st != domain.ProjectEscrowed {
		t.Fatalf("expected escrowed, got %s", st)
	}

	p := complete(t, env, "p1")
	if p.Status != domain.ProjectProtection || p.ProtectionEnd == nil {
		t.Fatalf("completion should enter protection: %+v", p)
	}
	want := env.Clock.Now().AddDate(0, 0, 15)
	if !p.ProtectionEnd.Equal(want) {
		t.Fatalf("protection end %v, want %v", p.ProtectionEnd, want)
	}

	res, err := env.Engine.ReleaseEscrowFunds(env.Ctx, engine.ReleaseRequest{EscrowID: esc.ID, Trigger: domain.ReleaseManual, ActorID: "owner-1", Notes: "great job"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !res.Released || res.Escrow.Status != domain.EscrowReleased || res.Project.Status != domain.ProjectReleased {
		t.Fatalf("unexpected release result %+v", res)
	}
	if got := available(t, env, "tradie-1"); !got.Equal(dec("900")) {
		t.Fatalf("tradie balance %s, want 900", got)
	}
	if kinds := env.Notes.kinds("tradie-1"); len(kinds) == 0 || kinds[len(kinds)-1] != notify.KindFundsReleased {
		t.Fatalf("tradie not notified of release: %v", kinds)
	}
}

func TestParentTradieReceivesAffiliateFee(t *testing.T) {
	env := newTestEnv(t)
	parent := "parent-1"
	if _, err := env.Engine.UpsertTradie(env.Ctx, domain.Tradie{ID: "tradie-1", ParentTradieID: &parent}, "marketplace"); err != nil {
		t.Fatalf("tradie: %v", err)
	}
	esc := fund(t, env, "p1", "tradie-1", "1000")
	if !esc.NetAmount.Equal(dec("880")) || !esc.AffiliateFee.Equal(dec("20")) {
		t.Fatalf("unexpected split %+v", esc)
	}
	complete(t, env, "p1")
	if _, err := env.Engine.ReleaseEscrowFunds(env.Ctx, engine.ReleaseRequest{EscrowID: esc.ID, ActorID: "owner-1"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := available(t, env, "tradie-1"); !got.Equal(dec("880")) {
		t.Fatalf("tradie balance %s", got)
	}
	if got := available(t, env, parent); !got.Equal(dec("20")) {
		t.Fatalf("parent balance %s", got)
	}
}

func TestConfirmPaymentIdempotent(t *testing.T) {
	env := newTestEnv(t)
	q := agree(t, env, "p1", "tradie-1", "250")
	s := pay(t, env, q)
	var first domain.EscrowAccount
	for i := 0; i < 3; i++ {
		esc, err := env.Engine.ConfirmPayment(env.Ctx, s.Reference)
		if err != nil {
			t.Fatalf("confirm %d: %v", i, err)
		}
		if i == 0 {
			first = esc
		} else if esc.ID != first.ID {
			t.Fatalf("confirm %d created a second escrow", i)
		}
	}
	if n := env.Gateway.Calls("confirm"); n != 1 {
		t.Fatalf("gateway confirmed %d times", n)
	}
	payment, err := env.Engine.GetPayment(env.Ctx, s.PaymentID)
	if err != nil || payment.Status != domain.PaymentCompleted || payment.ChargeID == nil {
		t.Fatalf("unexpected payment %+v err=%v", payment, err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	env := newTestEnv(t)
	esc := fund(t, env, "p1", "tradie-1", "1000")
	complete(t, env, "p1")
	req := engine.ReleaseRequest{EscrowID: esc.ID, ActorID: "owner-1"}
	if _, err := env.Engine.ReleaseEscrowFunds(env.Ctx, req); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, err := env.Engine.ReleaseEscrowFunds(env.Ctx, req)
	if !errors.Is(err, domain.ErrAlreadyReleased) {
		t.Fatalf("expected already released, got %v", err)
	}
	if got := available(t, env, "tradie-1"); !got.Equal(dec("900")) {
		t.Fatalf("second release changed balance: %s", got)
	}
}

func TestConcurrentManualAndAutomaticReleaseCreditOnce(t *testing.T) {
	env := newTestEnv(t)
	esc := fund(t, env, "p1", "tradie-1", "1000")
	complete(t, env, "p1")
	env.Clock.Advance(16 * 24 * time.Hour)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		released int
		already  int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := engine.ReleaseRequest{EscrowID: esc.ID, Trigger: domain.ReleaseAutomatic}
			if i%2 == 0 {
				req = engine.ReleaseRequest{EscrowID: esc.ID, Trigger: domain.ReleaseManual, ActorID: "owner-1"}
			}
			_, err := env.Engine.ReleaseEscrowFunds(env.Ctx, req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				released++
			case errors.Is(err, domain.ErrAlreadyReleased):
				already++
			default:
				t.Errorf("release %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if released != 1 || already != 5 {
		t.Fatalf("released=%d already=%d", released, already)
	}
	if got := available(t, env, "tradie-1"); !got.Equal(dec("900")) {
		t.Fatalf("tradie balance %s", got)
	}
}

func TestAutomaticReleaseWaitsForProtectionEnd(t *testing.T) {
	env := newTestEnv(t)
	esc := fund(t, env, "p1", "tradie-1", "1000")
	complete(t, env, "p1")
	_, err := env.Engine.ReleaseEscrowFunds(env.Ctx, engine.ReleaseRequest{EscrowID: esc.ID, Trigger: domain.ReleaseAutomatic})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected early automatic release to fail, got %v", err)
	}
	env.Clock.Advance(15*24*time.Hour + time.Second)
	due, err := env.Engine.ListAutoReleaseCandidates(env.Ctx, env.Clock.Now(), 0)
	if err != nil || len(due) != 1 || due[0].EscrowID != esc.ID {
		t.Fatalf("unexpected candidates %+v err=%v", due, err)
	}
	res, err := env.Engine.ReleaseEscrowFunds(env.Ctx, engine.ReleaseRequest{EscrowID: esc.ID, Trigger: domain.ReleaseAutomatic})
	if err != nil {
		t.Fatalf("automatic release: %v", err)
	}
	if res.Escrow.ReleaseTrigger == nil || *res.Escrow.ReleaseTrigger != domain.ReleaseAutomatic {
		t.Fatalf("unexpected trigger %+v", res.Escrow.ReleaseTrigger)
	}
	if res.Escrow.ReleasedBy == nil || *res.Escrow.ReleasedBy != domain.SystemActor {
		t.Fatalf("automatic release should be attributed to system")
	}
}

func TestReleaseBeforeCompletionRejected(t *testing.T) {
	env := newTestEnv(t)
	esc := fund(t, env, "p1", "tradie-1", "1000")
	_, err := env.Engine.ReleaseEscrowFunds(env.Ctx, engine.ReleaseRequest{EscrowID: esc.ID, ActorID: "owner-1"})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if got := available(t, env, "tradie-1"); !got.IsZero() {
		t.Fatalf("balance credited on rejected release: %s", got)
	}
}

func TestNotificationFailureIsSoft(t *testing.T) {
	env := newTestEnv(t)
	esc := fund(t, env, "p1", "tradie-1", "1000")
	complete(t, env, "p1")
	env.Notes.fail = true
	res, err := env.Engine.ReleaseEscrowFunds(env.Ctx, engine.ReleaseRequest{EscrowID: esc.ID, ActorID: "owner-1"})
	if err != nil {
		t.Fatalf("release should succeed despite notifier: %v", err)
	}
	if len(res.NotifyErrors) != 2 {
		t.Fatalf("expected 2 notify errors, got %v", res.NotifyErrors)
	}
	stored, _ := env.Engine.GetEscrow(env.Ctx, esc.ID)
	if stored.Status != domain.EscrowReleased {
		t.Fatalf("escrow not released: %s", stored.Status)
	}
}

func TestCreatePaymentValidation(t *testing.T) {
	env := newTestEnv(t)
	q := agree(t, env, "p1", "tradie-1", "500")
	base := engine.CreatePaymentRequest{ProjectID: "p1", QuoteID: q.ID, PayerID: "owner-1", TradieID: "tradie-1", Amount: dec("500"), Currency: "AUD"}

	cases := []struct {
		name   string
		mutate func(*engine.CreatePaymentRequest)
		want   error
	}{
		{"zero amount", func(r *engine.CreatePaymentRequest) { r.Amount = decimal.Zero }, domain.ErrInvalidAmount},
		{"negative amount", func(r *engine.CreatePaymentRequest) { r.Amount = dec("-5") }, domain.ErrInvalidAmount},
		{"amount beyond cents range", func(r *engine.CreatePaymentRequest) { r.Amount = dec("184467440737095517.16") }, domain.ErrInvalidAmount},
		{"price mismatch", func(r *engine.CreatePaymentRequest) { r.Amount = dec("499.99") }, domain.ErrQuoteMismatch},
		{"wrong tradie", func(r *engine.CreatePaymentRequest) { r.TradieID = "tradie-2" }, domain.ErrQuoteMismatch},
		{"not owner", func(r *engine.CreatePaymentRequest) { r.PayerID = "stranger" }, domain.ErrUnauthorizedPayer},
		{"currency", func(r *engine.CreatePaymentRequest) { r.Currency = "USD" }, domain.ErrInvalidInput},
		{"missing quote", func(r *engine.CreatePaymentRequest) { r.QuoteID = "" }, domain.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			if _, err := env.Engine.CreatePayment(env.Ctx, req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	payments, err := env.Engine.ListPayments(env.Ctx, "p1")
	if err != nil || len(payments) != 0 {
		t.Fatalf("rejected requests must not persist payments: %d err=%v", len(payments), err)
	}
}

func TestQuotePriceBeyondCentsRangeRejected(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RegisterProject(env.Ctx, engine.RegisterProjectRequest{ID: "p1", OwnerID: "owner-1"}); err != nil {
		t.Fatal(err)
	}
	huge := domain.Quote{ID: "q1", ProjectID: "p1", TradieID: "tradie-1", Price: dec("184467440737095517.16"), Status: domain.QuoteAccepted}
	if _, err := env.Engine.UpsertQuote(env.Ctx, huge, "marketplace"); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if _, err := env.Engine.Repo.GetQuote(env.Ctx, "q1"); err == nil {
		t.Fatal("rejected quote must not be stored")
	}

	edge := huge
	edge.Price = dec("92233720368547758.07")
	q, err := env.Engine.UpsertQuote(env.Ctx, edge, "marketplace")
	if err != nil {
		t.Fatalf("largest storable price: %v", err)
	}
	stored, err := env.Engine.Repo.GetQuote(env.Ctx, q.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Price.Equal(edge.Price) {
		t.Fatalf("price changed in storage: %s", stored.Price)
	}
}

func TestStoredFeesSurviveRateChange(t *testing.T) {
	env := newTestEnv(t)
	q := agree(t, env, "p1", "tradie-1", "1000")
	s := pay(t, env, q)
	stored, err := env.Engine.GetPayment(env.Ctx, s.PaymentID)
	if err != nil {
		t.Fatal(err)
	}
	if !env.Engine.FeesMatchRates(stored) {
		t.Fatalf("fresh payment should match current rates: %+v", stored.Fees)
	}

	env.Engine.Fees = fees.New(dec("0.20"), dec("0.05"), nil)
	if env.Engine.FeesMatchRates(stored) {
		t.Fatal("rate change should be detected")
	}
	esc, err := env.Engine.ConfirmPayment(env.Ctx, s.Reference)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !esc.NetAmount.Equal(dec("900")) {
		t.Fatalf("escrow must take the stored net amount, got %s", esc.NetAmount)
	}
}

func TestCreatePaymentRequiresAgreedProject(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RegisterProject(env.Ctx, engine.RegisterProjectRequest{ID: "p1", OwnerID: "owner-1"}); err != nil {
		t.Fatal(err)
	}
	q, err := env.Engine.UpsertQuote(env.Ctx, domain.Quote{ID: "q1", ProjectID: "p1", TradieID: "tradie-1", Price: dec("300"), Status: domain.QuoteAccepted}, "marketplace")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreatePayment(env.Ctx, engine.CreatePaymentRequest{ProjectID: "p1", QuoteID: q.ID, PayerID: "owner-1", TradieID: "tradie-1", Amount: q.Price})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for draft project, got %v", err)
	}
}

func TestGatewayFailureLeavesPaymentRetriable(t *testing.T) {
	env := newTestEnv(t)
	q := agree(t, env, "p1", "tradie-1", "400")
	env.Gateway.FailNextAuthorize(1)
	req := engine.CreatePaymentRequest{ProjectID: "p1", QuoteID: q.ID, PayerID: "owner-1", TradieID: "tradie-1", Amount: q.Price, Currency: "AUD"}
	if _, err := env.Engine.CreatePayment(env.Ctx, req); !errors.Is(err, domain.ErrGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	payments, _ := env.Engine.ListPayments(env.Ctx, "p1")
	if len(payments) != 1 || payments[0].Status != domain.PaymentPending {
		t.Fatalf("expected one pending payment, got %+v", payments)
	}
	s, err := env.Engine.CreatePayment(env.Ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if s.PaymentID != payments[0].ID || s.Status != domain.PaymentProcessing {
		t.Fatalf("retry should reuse pending payment: %+v", s)
	}
	again, err := env.Engine.CreatePayment(env.Ctx, req)
	if err != nil || again.Reference != s.Reference {
		t.Fatalf("second retry should return the open session: %+v err=%v", again, err)
	}
}

func TestDeclinedPaymentFailsWithoutEscrow(t *testing.T) {
	env := newTestEnv(t)
	q := agree(t, env, "p1", "tradie-1", "400")
	s := pay(t, env, q)
	if err := env.Gateway.Decline(s.Reference); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.ConfirmPayment(env.Ctx, s.Reference)
	if !errors.Is(err, domain.ErrPaymentFailed) || err.Error() != "payment failed, please retry" {
		t.Fatalf("expected payment failed, got %v", err)
	}
	if st, _ := env.Engine.GetProjectStatus(env.Ctx, "p1"); st != domain.ProjectAgreed {
		t.Fatalf("project should stay agreed, got %s", st)
	}
	failed, _ := env.Engine.GetPayment(env.Ctx, s.PaymentID)
	if failed.Status != domain.PaymentFailed {
		t.Fatalf("payment should be failed, got %s", failed.Status)
	}
	again := pay(t, env, q)
	if again.PaymentID == s.PaymentID {
		t.Fatalf("a failed payment must not be reused")
	}
}

func TestGatewayEventRouting(t *testing.T) {
	env := newTestEnv(t)
	q := agree(t, env, "p1", "tradie-1", "400")
	s := pay(t, env, q)
	res, err := env.Engine.HandleGatewayEvent(env.Ctx, s.Reference, gateway.StatusPending, "")
	if err != nil || res.Action != "ignored" {
		t.Fatalf("pending event: %+v err=%v", res, err)
	}
	res, err = env.Engine.HandleGatewayEvent(env.Ctx, s.Reference, gateway.StatusSucceeded, "")
	if err != nil || res.Action != "confirmed" || res.Escrow == nil {
		t.Fatalf("succeeded event: %+v err=%v", res, err)
	}
	res, err = env.Engine.HandleGatewayEvent(env.Ctx, s.Reference, gateway.StatusSucceeded, "")
	if err != nil || res.Escrow == nil {
		t.Fatalf("redelivered event: %+v err=%v", res, err)
	}
	if _, err := env.Engine.HandleGatewayEvent(env.Ctx, s.Reference, gateway.StatusFailed, "late"); !errors.Is(err, domain.ErrPaymentCompleted) {
		t.Fatalf("failure after completion should conflict, got %v", err)
	}
}

func TestTransitionProjectGuards(t *testing.T) {
	env := newTestEnv(t)
	agree(t, env, "p1", "tradie-1", "100")
	for _, to := range []domain.ProjectStatus{domain.ProjectEscrowed, domain.ProjectReleased, domain.ProjectDisputed, domain.ProjectWithdrawn, domain.ProjectAgreed} {
		if _, err := env.Engine.TransitionProject(env.Ctx, engine.TransitionRequest{ProjectID: "p1", To: to, ActorID: "x"}); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("to %s: expected invalid transition, got %v", to, err)
		}
	}
	if _, err := env.Engine.TransitionProject(env.Ctx, engine.TransitionRequest{ProjectID: "p1", To: domain.ProjectCancelled, ActorID: "x"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("agreed project cannot be cancelled directly, got %v", err)
	}
	if st, _ := env.Engine.GetProjectStatus(env.Ctx, "p1"); st != domain.ProjectAgreed {
		t.Fatalf("rejected transitions mutated project: %s", st)
	}
	if _, err := env.Engine.AgreeQuote(env.Ctx, "p1", "q-p1", "owner-1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second agree should fail, got %v", err)
	}
}

func TestDisputeBlocksSweepAndResolvesToRelease(t *testing.T) {
	env := newTestEnv(t)
	esc := fund(t, env, "p1", "tradie-1", "1000")
	complete(t, env, "p1")
	p, err := env.Engine.OpenDispute(env.Ctx, "p1", "owner-1", "leaking deck")
	if err != nil || p.Status != domain.ProjectDisputed {
		t.Fatalf("open dispute: %+v err=%v", p, err)
	}
	env.Clock.Advance(30 * 24 * time.Hour)
	due, err := env.Engine.ListAutoReleaseCandidates(env.Ctx, env.Clock.Now(), 0)
	if err != nil || len(due) != 0 {
		t.Fatalf("disputed project must not be swept: %+v err=%v", due, err)
	}
	frozen, _ := env.Engine.GetEscrow(env.Ctx, esc.ID)
	if frozen.Status != domain.EscrowDisputed {
		t.Fatalf("escrow should be disputed, got %s", frozen.Status)
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, engine.ResolveRequest{ProjectID: "p1", To: domain.ProjectWithdrawn, ActorID: "admin"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("withdrawn is not a resolution, got %v", err)
	}
	p, err = env.Engine.ResolveDispute(env.Ctx, engine.ResolveRequest{ProjectID: "p1", To: domain.ProjectReleased, ActorID: "admin", Notes: "work verified"})
	if err != nil || p.Status != domain.ProjectReleased {
		t.Fatalf("resolve: %+v err=%v", p, err)
	}
	if got := available(t, env, "tradie-1"); !got.Equal(dec("900")) {
		t.Fatalf("tradie balance %s", got)
	}
}

func TestDisputeResolvedToCancelledRefunds(t *testing.T) {
	env := newTestEnv(t)
	esc := fund(t, env, "p1", "tradie-1", "1000")
	if _, err := env.Engine.OpenDispute(env.Ctx, "p1", "owner-1", "no show"); err != nil {
		t.Fatal(err)
	}
	p, err := env.Engine.ResolveDispute(env.Ctx, engine.ResolveRequest{ProjectID: "p1", To: domain.ProjectCancelled, ActorID: "admin"})
	if err != nil || p.Status != domain.ProjectCancelled {
		t.Fatalf("resolve: %+v err=%v", p, err)
	}
	if n := env.Gateway.Calls("refund"); n != 1 {
		t.Fatalf("expected one gateway refund, got %d", n)
	}
	stored, _ := env.Engine.GetEscrow(env.Ctx, esc.ID)
	payment, _ := env.Engine.GetPayment(env.Ctx, esc.PaymentID)
	if stored.Status != domain.EscrowRefunded || payment.Status != domain.PaymentRefunded || !payment.RefundedAmount.Equal(dec("1000")) {
		t.Fatalf("unexpected escrow %s payment %s refunded %s", stored.Status, payment.Status, payment.RefundedAmount)
	}
	if got := available(t, env, "tradie-1"); !got.IsZero() {
		t.Fatalf("refund must not credit the tradie: %s", got)
	}
}

func TestDisputeResolvedBackToWork(t *testing.T) {
	env := newTestEnv(t)
	esc := fund(t, env, "p1", "tradie-1", "1000")
	if _, err := env.Engine.OpenDispute(env.Ctx, "p1", "owner-1", "scope"); err != nil {
		t.Fatal(err)
	}
	p, err := env.Engine.ResolveDispute(env.Ctx, engine.ResolveRequest{ProjectID: "p1", To: domain.ProjectInProgress, ActorID: "admin"})
	if err != nil || p.Status != domain.ProjectInProgress {
		t.Fatalf("resolve: %+v err=%v", p, err)
	}
	stored, _ := env.Engine.GetEscrow(env.Ctx, esc.ID)
	payment, _ := env.Engine.GetPayment(env.Ctx, esc.PaymentID)
	if stored.Status != domain.EscrowHeld || payment.Status != domain.PaymentCompleted {
		t.Fatalf("funds should be held again: escrow %s payment %s", stored.Status, payment.Status)
	}
}

func TestDisputeResolvedToCompletedEntersProtection(t *testing.T) {
	env := newTestEnv(t)
	esc := fund(t, env, "p1", "tradie-1", "1000")
	if _, err := env.Engine.OpenDispute(env.Ctx, "p1", "owner-1", "unfinished"); err != nil {
		t.Fatal(err)
	}
	p, err := env.Engine.ResolveDispute(env.Ctx, engine.ResolveRequest{ProjectID: "p1", To: domain.ProjectCompleted, ActorID: "admin"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Status != domain.ProjectProtection || p.ProtectionEnd == nil || p.CompletedAt == nil {
		t.Fatalf("expected protection with window stamped, got %+v", p)
	}
	stored, _ := env.Engine.GetEscrow(env.Ctx, esc.ID)
	if stored.Status != domain.EscrowHeld || stored.ProtectionEnd == nil || !stored.ProtectionEnd.Equal(*p.ProtectionEnd) {
		t.Fatalf("escrow should be held with the project's protection end: %+v", stored)
	}

	env.Clock.Advance(16 * 24 * time.Hour)
	due, err := env.Engine.ListAutoReleaseCandidates(env.Ctx, env.Clock.Now(), 0)
	if err != nil || len(due) != 1 || due[0].EscrowID != esc.ID {
		t.Fatalf("expected escrow due for auto-release: %+v err=%v", due, err)
	}
}

func TestRefundBeforeWorkStarts(t *testing.T) {
	env := newTestEnv(t)
	esc := fund(t, env, "p1", "tradie-1", "600")
	payment, err := env.Engine.RefundPayment(env.Ctx, esc.PaymentID, "admin", "owner cancelled")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if payment.Status != domain.PaymentRefunded {
		t.Fatalf("payment %s", payment.Status)
	}
	if st, _ := env.Engine.GetProjectStatus(env.Ctx, "p1"); st != domain.ProjectCancelled {
		t.Fatalf("project should be cancelled, got %s", st)
	}
	if _, err := env.Engine.RefundPayment(env.Ctx, esc.PaymentID, "admin", "again"); !errors.Is(err, domain.ErrPaymentState) {
		t.Fatalf("second refund should fail, got %v", err)
	}

	other := fund(t, env, "p2", "tradie-1", "600")
	if _, err := env.Engine.TransitionProject(env.Ctx, engine.TransitionRequest{ProjectID: "p2", To: domain.ProjectInProgress, ActorID: "tradie-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RefundPayment(env.Ctx, other.PaymentID, "admin", "too late"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("refund after work started should fail, got %v", err)
	}
}

var bank = domain.BankDetails{AccountName: "Sam Tradie", RoutingNumber: "062-000", AccountNumber: "1234567890"}

// released funds a project at price and releases it to tradie-1.
func released(t *testing.T, env testEnv, projectID, price string) domain.EscrowAccount {
	t.Helper()
	esc := fund(t, env, projectID, "tradie-1", price)
	complete(t, env, projectID)
	res, err := env.Engine.ReleaseEscrowFunds(env.Ctx, engine.ReleaseRequest{EscrowID: esc.ID, ActorID: "owner-1"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	return res.Escrow
}

func TestWithdrawalExceedingNetRejected(t *testing.T) {
	env := newTestEnv(t)
	esc := released(t, env, "p1", "61.11")
	if !esc.NetAmount.Equal(dec("55")) {
		t.Fatalf("net %s, want 55", esc.NetAmount)
	}
	_, err := env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalRequest{TradieID: "tradie-1", EscrowID: esc.ID, Amount: dec("60"), Bank: bank})
	if !errors.Is(err, domain.ErrExceedsAvailable) || err.Error() != "amount exceeds available balance" {
		t.Fatalf("expected exceeds available, got %v", err)
	}
}

func TestWithdrawalValidation(t *testing.T) {
	env := newTestEnv(t)
	esc := released(t, env, "p1", "1000")
	held := fund(t, env, "p2", "tradie-1", "500")

	cases := []struct {
		name string
		req  engine.WithdrawalRequest
		want error
	}{
		{"missing bank", engine.WithdrawalRequest{TradieID: "tradie-1", EscrowID: esc.ID, Amount: dec("100")}, domain.ErrMissingBankDetails},
		{"zero amount", engine.WithdrawalRequest{TradieID: "tradie-1", EscrowID: esc.ID, Amount: decimal.Zero, Bank: bank}, domain.ErrInvalidAmount},
		{"amount beyond cents range", engine.WithdrawalRequest{TradieID: "tradie-1", EscrowID: esc.ID, Amount: dec("92233720368547758.08"), Bank: bank}, domain.ErrInvalidAmount},
		{"not owner", engine.WithdrawalRequest{TradieID: "tradie-2", EscrowID: esc.ID, Amount: dec("100"), Bank: bank}, domain.ErrNotEscrowOwner},
		{"not released", engine.WithdrawalRequest{TradieID: "tradie-1", EscrowID: held.ID, Amount: dec("100"), Bank: bank}, domain.ErrEscrowNotReleased},
		{"below minimum", engine.WithdrawalRequest{TradieID: "tradie-1", EscrowID: esc.ID, Amount: dec("9.99"), Bank: bank}, domain.ErrBelowMinimum},
		{"unknown escrow", engine.WithdrawalRequest{TradieID: "tradie-1", EscrowID: "nope", Amount: dec("100"), Bank: bank}, domain.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.Engine.RequestWithdrawal(env.Ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestWithdrawalFinalAmountMustBePositive(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Withdrawals.MinimumAmount = dec("1")
	esc := released(t, env, "p1", "1000")
	_, err := env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalRequest{TradieID: "tradie-1", EscrowID: esc.ID, Amount: dec("2.50"), Bank: bank})
	if !errors.Is(err, domain.ErrBelowMinimum) {
		t.Fatalf("expected below minimum, got %v", err)
	}
}

func TestWithdrawalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	esc := released(t, env, "p1", "1000")
	w, err := env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalRequest{TradieID: "tradie-1", EscrowID: esc.ID, Amount: dec("100"), Bank: bank})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if w.Status != domain.WithdrawalPending || !w.ProcessingFee.Equal(dec("2.50")) || !w.FinalAmount.Equal(dec("97.50")) {
		t.Fatalf("unexpected withdrawal %+v", w)
	}
	if !strings.HasPrefix(w.ReferenceNumber, "WD-") || w.BankDetails.AccountNumber != "****7890" {
		t.Fatalf("unexpected reference %q or bank %+v", w.ReferenceNumber, w.BankDetails)
	}
	if _, err := env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalRequest{TradieID: "tradie-1", EscrowID: esc.ID, Amount: dec("50"), Bank: bank}); !errors.Is(err, domain.ErrDuplicateWithdrawal) {
		t.Fatalf("expected duplicate request, got %v", err)
	}
	if _, err := env.Engine.CompleteWithdrawal(env.Ctx, w.ID, "admin"); !errors.Is(err, domain.ErrWithdrawalState) {
		t.Fatalf("pending withdrawal cannot complete, got %v", err)
	}
	if available(t, env, "tradie-1").Cmp(dec("900")) != 0 {
		t.Fatalf("request must not debit balance")
	}

	if w, err = env.Engine.ApproveWithdrawal(env.Ctx, w.ID, "admin"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if w, err = env.Engine.ProcessWithdrawal(env.Ctx, w.ID, "payout-77", "admin"); err != nil || w.PayoutReference == nil {
		t.Fatalf("process: %+v err=%v", w, err)
	}
	if w, err = env.Engine.CompleteWithdrawal(env.Ctx, w.ID, "admin"); err != nil || w.Status != domain.WithdrawalCompleted || w.CompletedAt == nil {
		t.Fatalf("complete: %+v err=%v", w, err)
	}
	if got := available(t, env, "tradie-1"); !got.Equal(dec("800")) {
		t.Fatalf("balance after payout %s", got)
	}
	if st, _ := env.Engine.GetProjectStatus(env.Ctx, "p1"); st != domain.ProjectWithdrawn {
		t.Fatalf("project should be withdrawn, got %s", st)
	}

	if _, err := env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalRequest{TradieID: "tradie-1", EscrowID: esc.ID, Amount: dec("900"), Bank: bank}); !errors.Is(err, domain.ErrExceedsAvailable) {
		t.Fatalf("expected exceeds available after payout, got %v", err)
	}
	second, err := env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalRequest{TradieID: "tradie-1", EscrowID: esc.ID, Amount: dec("50"), Bank: bank})
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if _, err := env.Engine.RejectWithdrawal(env.Ctx, second.ID, "", "admin"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("reject without reason, got %v", err)
	}
	rejected, err := env.Engine.RejectWithdrawal(env.Ctx, second.ID, "bank details mismatch", "admin")
	if err != nil || rejected.RejectionReason == nil {
		t.Fatalf("reject: %+v err=%v", rejected, err)
	}
	list, err := env.Engine.ListWithdrawals(env.Ctx, repo.WithdrawalFilters{TradieID: "tradie-1"})
	if err != nil || len(list) != 2 {
		t.Fatalf("list: %d err=%v", len(list), err)
	}
}

func TestEventsRecordedWithChanges(t *testing.T) {
	env := newTestEnv(t)
	esc := fund(t, env, "p1", "tradie-1", "1000")
	evs, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{ProjectID: "p1", Limit: 100})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range evs {
		seen[e.Type] = true
	}
	for _, want := range []string{"project.registered", "project.agreed", "payment.created", "payment.authorized", "payment.completed", "escrow.created", "project.transitioned"} {
		if !seen[want] {
			t.Fatalf("missing %s event in %v", want, seen)
		}
	}
	escEvents, _ := env.Engine.ListEvents(env.Ctx, repo.EventFilters{EntityKind: "escrow", EntityID: esc.ID})
	if len(escEvents) != 1 {
		t.Fatalf("expected one escrow event, got %d", len(escEvents))
	}
}

func TestListProjectsAndEscrowsFilter(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env, "p1", "tradie-1", "500.00")
	agree(t, env, "p2", "tradie-2", "300.00")
	if _, err := env.Engine.RegisterProject(env.Ctx, engine.RegisterProjectRequest{ID: "p3", OwnerID: "owner-2", Title: "Fence", ActorID: "marketplace"}); err != nil {
		t.Fatalf("register p3: %v", err)
	}

	mine, err := env.Engine.ListProjects(env.Ctx, repo.ProjectFilters{OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 projects for owner-1, got %d", len(mine))
	}
	agreed, err := env.Engine.ListProjects(env.Ctx, repo.ProjectFilters{Status: string(domain.ProjectAgreed)})
	if err != nil {
		t.Fatalf("list agreed: %v", err)
	}
	if len(agreed) != 1 || agreed[0].ID != "p2" {
		t.Fatalf("expected only p2 agreed, got %+v", agreed)
	}

	escrows, err := env.Engine.ListEscrows(env.Ctx, "tradie-1")
	if err != nil {
		t.Fatalf("list escrows: %v", err)
	}
	if len(escrows) != 1 || escrows[0].ProjectID != "p1" || escrows[0].Status != domain.EscrowHeld {
		t.Fatalf("unexpected escrows %+v", escrows)
	}
	none, err := env.Engine.ListEscrows(env.Ctx, "tradie-2")
	if err != nil {
		t.Fatalf("list escrows tradie-2: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("tradie-2 has no funded escrow, got %d", len(none))
	}
}

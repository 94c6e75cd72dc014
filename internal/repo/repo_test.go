package repo_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeescrow/internal/db"
	"tradeescrow/internal/domain"
	"tradeescrow/internal/migrate"
	"tradeescrow/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "escrow.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

var base = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

func seedEscrow(t *testing.T, r repo.Repo, projectID string, status domain.ProjectStatus, protectionEnd *time.Time) domain.EscrowAccount {
	t.Helper()
	ctx := context.Background()
	if err := r.RegisterProject(ctx, nil, domain.Project{ID: projectID, OwnerID: "owner", Status: domain.ProjectDraft, StatusChangedAt: base, CreatedAt: base}); err != nil {
		t.Fatalf("register project: %v", err)
	}
	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	next := p
	next.Status = status
	next.ProtectionEnd = protectionEnd
	if ok, err := r.UpdateProjectStatus(ctx, nil, next, domain.ProjectDraft); err != nil || !ok {
		t.Fatalf("set status: ok=%v err=%v", ok, err)
	}
	quoteID := "q-" + projectID
	if err := r.UpsertQuote(ctx, nil, domain.Quote{ID: quoteID, ProjectID: projectID, TradieID: "tradie", Price: decimal.NewFromInt(100), Status: domain.QuoteAccepted, UpdatedAt: base}); err != nil {
		t.Fatalf("quote: %v", err)
	}
	pay := domain.Payment{
		ID: "pay-" + projectID, ProjectID: projectID, QuoteID: quoteID, PayerID: "owner", TradieID: "tradie", Currency: "AUD",
		Fees: domain.FeeBreakdown{
			Gross: decimal.NewFromInt(100), PlatformFee: decimal.NewFromInt(10),
			AffiliateFee: decimal.Zero, TaxAmount: decimal.Zero, NetAmount: decimal.NewFromInt(90),
		},
		Status: domain.PaymentCompleted, CreatedAt: base, UpdatedAt: base,
	}
	if err := r.InsertPayment(ctx, nil, pay); err != nil {
		t.Fatalf("payment: %v", err)
	}
	e := domain.EscrowAccount{
		ID: "esc-" + projectID, PaymentID: pay.ID, ProjectID: projectID, TradieID: "tradie",
		GrossAmount: pay.Fees.Gross, NetAmount: pay.Fees.NetAmount, AffiliateFee: decimal.Zero,
		Status: domain.EscrowHeld, CreatedAt: base, UpdatedAt: base,
	}
	if created, err := r.InsertEscrow(ctx, nil, e); err != nil || !created {
		t.Fatalf("escrow: created=%v err=%v", created, err)
	}
	return e
}

func TestInsertEscrowOncePerPayment(t *testing.T) {
	r := newTestRepo(t)
	e := seedEscrow(t, r, "p1", domain.ProjectEscrowed, nil)
	dup := e
	dup.ID = "other"
	created, err := r.InsertEscrow(context.Background(), nil, dup)
	if err != nil {
		t.Fatalf("insert duplicate: %v", err)
	}
	if created {
		t.Fatalf("second escrow for the same payment should not be created")
	}
	got, err := r.GetEscrowByPayment(context.Background(), nil, e.PaymentID)
	if err != nil || got.ID != e.ID {
		t.Fatalf("expected original escrow, got %+v err=%v", got, err)
	}
}

func TestMarkEscrowReleasedOnce(t *testing.T) {
	r := newTestRepo(t)
	e := seedEscrow(t, r, "p1", domain.ProjectProtection, nil)
	ctx := context.Background()
	ok, err := r.MarkEscrowReleased(ctx, nil, e.ID, domain.ReleaseManual, "owner", "looks good", base)
	if err != nil || !ok {
		t.Fatalf("first release: ok=%v err=%v", ok, err)
	}
	ok, err = r.MarkEscrowReleased(ctx, nil, e.ID, domain.ReleaseAutomatic, domain.SystemActor, "", base.Add(time.Hour))
	if err != nil || ok {
		t.Fatalf("second release should not apply: ok=%v err=%v", ok, err)
	}
	got, err := r.GetEscrow(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.EscrowReleased || got.ReleaseTrigger == nil || *got.ReleaseTrigger != domain.ReleaseManual {
		t.Fatalf("unexpected escrow %+v", got)
	}
	if got.ReleasedAt == nil || !got.ReleasedAt.Equal(base) {
		t.Fatalf("released_at changed: %v", got.ReleasedAt)
	}
}

func TestBalanceCreditAndDebit(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.CreditBalance(ctx, nil, "tradie", domain.BalanceCreditNet, decimal.RequireFromString("900"), "esc-1", base); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := r.CreditBalance(ctx, nil, "tradie", domain.BalanceCreditNet, decimal.RequireFromString("55.05"), "esc-2", base); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := r.CreditBalance(ctx, nil, "tradie", domain.BalanceCreditNet, decimal.RequireFromString("900"), "esc-1", base); err == nil {
		t.Fatalf("replayed credit should fail")
	}
	b, err := r.GetBalance(ctx, "tradie")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !b.Available.Equal(decimal.RequireFromString("955.05")) {
		t.Fatalf("unexpected available %s", b.Available)
	}
	if err := r.DebitBalance(ctx, nil, "tradie", domain.BalanceDebitWithdrawal, decimal.RequireFromString("1000"), "wd-1", base); !errors.Is(err, repo.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := r.DebitBalance(ctx, nil, "tradie", domain.BalanceDebitWithdrawal, decimal.RequireFromString("55.05"), "wd-1", base); err != nil {
		t.Fatalf("debit: %v", err)
	}
	b, _ = r.GetBalance(ctx, "tradie")
	if !b.Available.Equal(decimal.RequireFromString("900")) || !b.TotalWithdrawn.Equal(decimal.RequireFromString("55.05")) {
		t.Fatalf("unexpected balance %+v", b)
	}
	entries, err := r.ListBalanceEntries(ctx, "tradie", 0)
	if err != nil || len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d err=%v", len(entries), err)
	}
	if empty, _ := r.GetBalance(ctx, "nobody"); !empty.Available.IsZero() {
		t.Fatalf("unknown user should have zero balance")
	}
}

func TestAutoReleaseCandidatesSkipDisputed(t *testing.T) {
	r := newTestRepo(t)
	past := base.Add(-time.Hour)
	future := base.Add(time.Hour)
	seedEscrow(t, r, "due", domain.ProjectProtection, &past)
	seedEscrow(t, r, "later", domain.ProjectProtection, &future)
	seedEscrow(t, r, "disputed", domain.ProjectDisputed, &past)
	got, err := r.ListAutoReleaseCandidates(context.Background(), base, 0)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 1 || got[0].ProjectID != "due" || got[0].EscrowID != "esc-due" {
		t.Fatalf("unexpected candidates %+v", got)
	}
}

func TestOpenWithdrawalUnique(t *testing.T) {
	r := newTestRepo(t)
	e := seedEscrow(t, r, "p1", domain.ProjectReleased, nil)
	ctx := context.Background()
	w := domain.Withdrawal{
		ID: "w1", TradieID: "tradie", EscrowAccountID: e.ID,
		RequestedAmount: decimal.NewFromInt(50), ProcessingFee: decimal.RequireFromString("2.50"), FinalAmount: decimal.RequireFromString("47.50"),
		BankDetails: domain.BankDetails{AccountName: "T", RoutingNumber: "062-000", AccountNumber: "12345678"},
		Status:      domain.WithdrawalPending, ReferenceNumber: "WD-1", CreatedAt: base, UpdatedAt: base,
	}
	if err := r.InsertWithdrawal(ctx, nil, w); err != nil {
		t.Fatalf("insert: %v", err)
	}
	w2 := w
	w2.ID, w2.ReferenceNumber = "w2", "WD-2"
	if err := r.InsertWithdrawal(ctx, nil, w2); !errors.Is(err, repo.ErrOpenWithdrawal) {
		t.Fatalf("expected open withdrawal error, got %v", err)
	}
	got, err := r.GetWithdrawal(ctx, "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BankDetails.AccountNumber != "****5678" {
		t.Fatalf("account number not masked: %s", got.BankDetails.AccountNumber)
	}

	done := got
	done.Status = domain.WithdrawalRejected
	done.UpdatedAt = base
	if ok, err := r.UpdateWithdrawalStatus(ctx, nil, done, domain.WithdrawalPending); err != nil || !ok {
		t.Fatalf("reject: ok=%v err=%v", ok, err)
	}
	if err := r.InsertWithdrawal(ctx, nil, w2); err != nil {
		t.Fatalf("insert after reject: %v", err)
	}
}

func TestCentsRoundTrip(t *testing.T) {
	cases := map[string]int64{"0.01": 1, "10": 1000, "2.505": 251, "-2.505": -251, "61.11": 6111}
	for in, want := range cases {
		if got := repo.Cents(decimal.RequireFromString(in)); got != want {
			t.Fatalf("Cents(%s) = %d, want %d", in, got, want)
		}
	}
	if !repo.FromCents(5505).Equal(decimal.RequireFromString("55.05")) {
		t.Fatalf("FromCents mismatch")
	}
}

func TestCentsInRange(t *testing.T) {
	cases := map[string]bool{
		"92233720368547758.07":  true,
		"92233720368547758.08":  false,
		"184467440737095517.16": false,
		"-92233720368547758.08": true,
		"0.004":                 true,
	}
	for in, want := range cases {
		if got := repo.CentsInRange(decimal.RequireFromString(in)); got != want {
			t.Fatalf("CentsInRange(%s) = %v, want %v", in, got, want)
		}
	}
}

package outbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"tradeescrow/internal/config"
	"tradeescrow/internal/db"
	"tradeescrow/internal/events"
	"tradeescrow/internal/migrate"
	"tradeescrow/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
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

func appendEvents(t *testing.T, r repo.Repo, types ...string) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	for _, typ := range types {
		if err := (events.Writer{}).Append(ctx, tx, typ, "", "escrow", "esc-1", "system", events.EventPayload{"type": typ}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

type receiver struct {
	mu       sync.Mutex
	types    []string
	sigs     []string
	failNext int
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.failNext > 0 {
		rc.failNext--
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	body, _ := io.ReadAll(req.Body)
	var evt webhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Header.Get("X-Escrow-Event") != evt.Type {
		http.Error(w, "header mismatch", http.StatusBadRequest)
		return
	}
	rc.types = append(rc.types, evt.Type)
	rc.sigs = append(rc.sigs, req.Header.Get("X-Escrow-Signature"))
	if got, want := req.Header.Get("X-Escrow-Signature"), Sign("s3cret", body); got != want {
		http.Error(w, "bad signature", http.StatusUnauthorized)
	}
}

func TestDispatchFiltersAndResumes(t *testing.T) {
	r := newRepo(t)
	rc := &receiver{failNext: 0}
	srv := httptest.NewServer(rc)
	defer srv.Close()

	cfg := config.Default()
	cfg.Outbox.Webhooks = []config.OutboxWebhook{{ID: "ledger", URL: srv.URL, Events: []string{"escrow.*", "withdrawal.completed"}, Secret: "s3cret"}}
	d := New(r, cfg, nil)
	ctx := context.Background()

	appendEvents(t, r, "escrow.created", "payment.completed", "escrow.released")
	if n := d.DispatchOnce(ctx); n != 2 {
		t.Fatalf("delivered %d, want 2", n)
	}
	if n := d.DispatchOnce(ctx); n != 0 {
		t.Fatalf("redelivered %d events", n)
	}

	rc.mu.Lock()
	rc.failNext = 1
	rc.mu.Unlock()
	appendEvents(t, r, "withdrawal.completed", "escrow.disputed")
	if n := d.DispatchOnce(ctx); n != 0 {
		t.Fatalf("delivery should stop at failure, delivered %d", n)
	}
	if n := d.DispatchOnce(ctx); n != 2 {
		t.Fatalf("resume delivered %d, want 2", n)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	want := []string{"escrow.created", "escrow.released", "withdrawal.completed", "escrow.disputed"}
	if len(rc.types) != len(want) {
		t.Fatalf("received %v", rc.types)
	}
	for i := range want {
		if rc.types[i] != want[i] {
			t.Fatalf("received %v, want %v", rc.types, want)
		}
	}
	cursor, err := r.WebhookCursor(ctx, "ledger")
	if err != nil || cursor != 5 {
		t.Fatalf("cursor %d err=%v", cursor, err)
	}
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	if !all.match("anything.here") {
		t.Fatalf("empty filter should match all")
	}
	f := newEventFilter([]string{" payment.failed ", "escrow.*"})
	for evt, want := range map[string]bool{
		"payment.failed":    true,
		"payment.completed": false,
		"escrow.released":   true,
		"escrowed":          false,
	} {
		if f.match(evt) != want {
			t.Fatalf("match(%s) = %v", evt, !want)
		}
	}
}

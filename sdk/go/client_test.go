package escrowsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreatePaymentSendsBearerAndBody(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody CreatePaymentInput
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"payment_id":"pay-1","reference":"sbx_1","client_secret":"sbx_1_secret","status":"pending","fees":{"gross_amount":"1000.00","platform_fee":"100.00","affiliate_fee":"0.00","tax_amount":"0.00","net_amount":"900.00"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/v1/")
	c.BearerToken = "tok"
	session, err := c.CreatePayment(context.Background(), CreatePaymentInput{
		ProjectID: "p1", QuoteID: "q1", TradieID: "tradie-1", Amount: "1000.00",
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotPath != "/v1/payments" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody.Amount != "1000.00" || gotBody.ProjectID != "p1" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
	if session.PaymentID != "pay-1" || session.Fees.NetAmount != "900.00" {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestAPIErrorCarriesEnvelopeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "key-1" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"already_released","message":"escrow e1 already released"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/v1")
	c.APIKey = "key-1"
	_, err := c.ReleaseEscrow(context.Background(), "e1", "done")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "already_released" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestListWithdrawalsAndEventsQuery(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Path+"?"+r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/withdrawals":
			_, _ = w.Write([]byte(`{"items":[{"id":"w1","status":"pending","final_amount":"97.50","bank_details":{"account_number":"****6789"}}]}`))
		case "/v1/events":
			_, _ = w.Write([]byte(`{"items":[{"id":7,"type":"escrow.released","entity_kind":"escrow","actor_id":"owner-1"}],"next_cursor":"7"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/v1")
	items, err := c.ListWithdrawals(context.Background(), "tradie-1", "", "pending")
	if err != nil {
		t.Fatalf("list withdrawals: %v", err)
	}
	if len(items) != 1 || items[0].FinalAmount != "97.50" || items[0].BankDetails.AccountNumber != "****6789" {
		t.Fatalf("unexpected withdrawals %+v", items)
	}
	page, err := c.EventsPage(context.Background(), "p1", 10, "12")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if page.NextCursor != "7" || len(page.Items) != 1 || page.Items[0].Type != "escrow.released" {
		t.Fatalf("unexpected page %+v", page)
	}
	want := []string{
		"/v1/withdrawals?status=pending&tradie_id=tradie-1",
		"/v1/events?cursor=12&limit=10&project_id=p1",
	}
	for i, q := range want {
		if queries[i] != q {
			t.Fatalf("request %d = %q, want %q", i, queries[i], q)
		}
	}
}

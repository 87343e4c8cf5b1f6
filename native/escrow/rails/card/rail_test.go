package card

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"labescrow/native/escrow"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type processorStub struct {
	mu           sync.Mutex
	status       string
	capturable   int64
	failTransfer bool
	captured     int64
	transferred  int64
	destination  string
	cancelled    bool
	idempotency  []string
}

func (p *processorStub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Errorf("unexpected auth header %q", got)
		}
		if r.Method == http.MethodPost {
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			p.idempotency = append(p.idempotency, r.Header.Get("Idempotency-Key"))
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payment_intents":
			if r.PostForm.Get("capture_method") != "manual" {
				t.Errorf("expected manual capture")
			}
			if r.PostForm.Get("metadata[bounty_id]") != "b-1" {
				t.Errorf("bounty id metadata missing")
			}
			if r.PostForm.Get("payment_method") == "pm_declined" {
				w.WriteHeader(http.StatusPaymentRequired)
				_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`))
				return
			}
			p.capturable = 100_00
			_ = json.NewEncoder(w).Encode(PaymentIntent{ID: "pi_1", Status: "requires_capture", Amount: 100_00, AmountCapturable: 100_00, Currency: "usd"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/payment_intents/pi_1":
			_ = json.NewEncoder(w).Encode(PaymentIntent{ID: "pi_1", Status: p.status, AmountCapturable: p.capturable, Currency: "usd"})
		case r.URL.Path == "/v1/payment_intents/pi_1/capture":
			p.captured = mustInt(t, r.PostForm.Get("amount_to_capture"))
			_ = json.NewEncoder(w).Encode(PaymentIntent{ID: "pi_1", Status: "succeeded", LatestCharge: "ch_1"})
		case r.URL.Path == "/v1/transfers":
			if p.failTransfer {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"try again"}}`))
				return
			}
			if r.PostForm.Get("source_transaction") != "ch_1" {
				t.Errorf("transfer not tied to capture")
			}
			p.transferred = mustInt(t, r.PostForm.Get("amount"))
			p.destination = r.PostForm.Get("destination")
			_ = json.NewEncoder(w).Encode(Transfer{ID: "tr_1", Amount: p.transferred})
		case r.URL.Path == "/v1/payment_intents/pi_1/cancel":
			p.cancelled = true
			_ = json.NewEncoder(w).Encode(PaymentIntent{ID: "pi_1", Status: "canceled"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func mustInt(t *testing.T, raw string) int64 {
	t.Helper()
	var v int64
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("parse int %q: %v", raw, err)
	}
	return v
}

func newTestRail(t *testing.T, stub *processorStub) *Rail {
	t.Helper()
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)
	rail, err := New(NewHTTPClient(srv.URL, "sk_test"), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("new rail: %v", err)
	}
	return rail
}

func TestFundThroughOrchestrator(t *testing.T) {
	stub := &processorStub{status: "requires_capture"}
	rail := newTestRail(t, stub)
	orch := escrow.NewOrchestrator(escrow.WithRail(rail), escrow.WithClock(func() time.Time { return testNow }))

	res, err := orch.FundBounty(context.Background(), escrow.FundRequest{
		BountyID:      "b-1",
		FunderID:      "funder-1",
		PaymentMethod: escrow.MethodCard,
		Amount:        100_00,
		Currency:      "usd",
		PaymentToken:  "pm_card_visa",
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	d := res.Escrow
	if d.AuthorizationID != "pi_1" || d.TotalAmount != 100_00 || d.Currency != "USD" {
		t.Fatalf("unexpected escrow %+v", d)
	}
	if d.ExpiresAt == nil || !d.ExpiresAt.Equal(testNow.Add(7*24*time.Hour)) {
		t.Fatalf("expected seven day authorization window, got %v", d.ExpiresAt)
	}
	for _, key := range stub.idempotency {
		if strings.TrimSpace(key) == "" {
			t.Fatalf("missing idempotency key")
		}
	}
}

func TestInitiateDeclinedIsRecoverable(t *testing.T) {
	rail := newTestRail(t, &processorStub{})
	_, err := rail.Initiate(context.Background(), escrow.FundRequest{BountyID: "b-1", Amount: 100, Currency: "usd", PaymentToken: "pm_declined"})
	var perr *escrow.PaymentError
	if !errors.As(err, &perr) {
		t.Fatalf("expected payment error, got %v", err)
	}
	if perr.Code != escrow.CodeInitiationFailed || !perr.Recoverable {
		t.Fatalf("unexpected classification %+v", perr)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "card_declined" {
		t.Fatalf("expected processor error in chain, got %v", err)
	}
}

func TestInitiateRequiresToken(t *testing.T) {
	rail := newTestRail(t, &processorStub{})
	_, err := rail.Initiate(context.Background(), escrow.FundRequest{BountyID: "b-1", Amount: 100, Currency: "usd"})
	if escrow.IsRecoverable(err) || err == nil {
		t.Fatalf("expected non-recoverable error, got %v", err)
	}
}

func TestConfirmRequiresCaptureStatus(t *testing.T) {
	rail := newTestRail(t, &processorStub{status: "requires_payment_method"})
	conf, err := rail.Confirm(context.Background(), escrow.ConfirmRequest{PendingID: "pi_1"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if conf.Confirmed {
		t.Fatalf("authorization without hold must not confirm")
	}
}

func TestReleaseCapturesAndTransfersNetOfFee(t *testing.T) {
	stub := &processorStub{}
	rail := newTestRail(t, stub)
	d := escrow.Details{Method: escrow.MethodCard, TotalAmount: 100_00, Currency: "USD", AuthorizationID: "pi_1"}

	res, err := rail.Release(context.Background(), d, "acct_lab", 40_00)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.TxID != "tr_1" {
		t.Fatalf("expected transfer id, got %s", res.TxID)
	}
	if stub.captured != 40_00 {
		t.Fatalf("captured %d", stub.captured)
	}
	if stub.transferred != 38_00 || stub.destination != "acct_lab" {
		t.Fatalf("transferred %d to %s", stub.transferred, stub.destination)
	}
}

func TestReleaseTransferFailureReportsCharge(t *testing.T) {
	rail := newTestRail(t, &processorStub{failTransfer: true})
	d := escrow.Details{Method: escrow.MethodCard, TotalAmount: 100_00, Currency: "USD", AuthorizationID: "pi_1"}
	orch := escrow.NewOrchestrator(escrow.WithRail(rail))

	res := orch.ReleaseMilestonePayment(context.Background(), d, "acct_lab", 10_00)
	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.TxID != "ch_1" || res.Error.Code != escrow.CodeReleaseFailed || !res.Error.Recoverable {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRefundVoidsAuthorization(t *testing.T) {
	stub := &processorStub{}
	rail := newTestRail(t, stub)
	res, err := rail.Refund(context.Background(), escrow.Details{Method: escrow.MethodCard, AuthorizationID: "pi_1"}, 100)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if !stub.cancelled || res.TxID != "pi_1" {
		t.Fatalf("expected void of pi_1")
	}
}

func TestNewRejectsFeeOutOfRange(t *testing.T) {
	if _, err := New(NewHTTPClient("", "sk"), WithFeeBps(10_001)); err == nil {
		t.Fatalf("expected fee validation error")
	}
}

func TestRetriedReleaseReusesIdempotencyKeys(t *testing.T) {
	stub := &processorStub{failTransfer: true}
	rail := newTestRail(t, stub)
	d := escrow.Details{
		Method:          escrow.MethodCard,
		TotalAmount:     100_00,
		Currency:        "USD",
		AuthorizationID: "pi_1",
		ReleaseSchedule: []escrow.ScheduledRelease{
			{MilestoneID: "m1", Amount: 40_00},
			{MilestoneID: "m2", Amount: 60_00},
		},
	}

	if _, err := rail.Release(context.Background(), d, "acct_lab", 40_00); err == nil {
		t.Fatalf("expected transfer failure")
	}
	stub.mu.Lock()
	stub.failTransfer = false
	stub.mu.Unlock()
	if _, err := rail.Release(context.Background(), d, "acct_lab", 40_00); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(stub.idempotency) != 4 {
		t.Fatalf("expected two capture and two transfer calls, got %v", stub.idempotency)
	}
	first, retry := stub.idempotency[:2], stub.idempotency[2:]
	if first[0] != retry[0] || first[1] != retry[1] {
		t.Fatalf("retry changed keys: %v then %v", first, retry)
	}
	if first[0] == first[1] {
		t.Fatalf("capture and transfer share key %q", first[0])
	}

	released := testNow
	d.ReleaseSchedule[0].ReleasedAt = &released
	if _, err := rail.Release(context.Background(), d, "acct_lab", 40_00); err != nil {
		t.Fatalf("next milestone: %v", err)
	}
	next := stub.idempotency[4:]
	if next[0] == first[0] || next[1] == first[1] {
		t.Fatalf("next milestone reused keys %v", next)
	}
}

func TestAuthorizeAndVoidKeysAreStable(t *testing.T) {
	stub := &processorStub{}
	rail := newTestRail(t, stub)
	req := escrow.FundRequest{BountyID: "b-1", Amount: 100_00, Currency: "usd", PaymentToken: "pm_card_visa"}
	for i := 0; i < 2; i++ {
		if _, err := rail.Initiate(context.Background(), req); err != nil {
			t.Fatalf("initiate: %v", err)
		}
	}
	d := escrow.Details{Method: escrow.MethodCard, AuthorizationID: "pi_1"}
	for i := 0; i < 2; i++ {
		if _, err := rail.Refund(context.Background(), d, 0); err != nil {
			t.Fatalf("refund: %v", err)
		}
	}
	keys := stub.idempotency
	if len(keys) != 4 || keys[0] != keys[1] || keys[2] != keys[3] || keys[0] == keys[2] {
		t.Fatalf("unexpected keys %v", keys)
	}
	if !strings.Contains(keys[0], "b-1") {
		t.Fatalf("authorization key %q does not name the bounty", keys[0])
	}
}

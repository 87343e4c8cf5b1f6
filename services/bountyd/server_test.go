package bountyd

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"labescrow/native/bounty"
	"labescrow/native/escrow"
	"labescrow/services/bountyd/auth"
)

const serverSecret = "server-test-secret"

type apiHarness struct {
	*harness
	server *Server
}

func newAPIHarness(t *testing.T, limits RateLimitConfig) *apiHarness {
	t.Helper()
	rails := &fakeRails{}
	st := newTestStore(t)
	orch := escrow.NewOrchestrator(escrow.WithRail(rails.card()))
	h := &harness{svc: NewService(st, bounty.NewMachine(), orch), store: st, rails: rails}
	authn, err := auth.NewAuthenticator(auth.Config{Enabled: true, HMACSecret: serverSecret, Issuer: "bountyd"}, nil)
	require.NoError(t, err)
	if limits.RequestsPerMinute == 0 {
		limits = RateLimitConfig{RequestsPerMinute: 6000, Burst: 100}
	}
	return &apiHarness{harness: h, server: NewServer(h.svc, authn, st, limits, nil)}
}

func token(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	tok, err := auth.Issue(serverSecret, auth.Identity{Subject: subject, Role: role}, "bountyd", time.Minute)
	require.NoError(t, err)
	return tok
}

func (a *apiHarness) do(t *testing.T, method, path, tok, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.server.ServeHTTP(rec, req)
	return rec
}

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) Outcome {
	t.Helper()
	var out Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const draftBody = `{"type":"SUBMIT_DRAFT","protocol":{"methodology":"RCT","dataRequirements":["assays"]},
"milestones":[{"id":"m1","title":"Pilot","payoutPercentage":40},{"id":"m2","title":"Study","payoutPercentage":60}]}`

func TestHealthAndStates(t *testing.T) {
	a := newAPIHarness(t, RateLimitConfig{})

	rec := a.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/v1/states", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(t, http.MethodGet, "/v1/states", token(t, "alice", auth.RoleLab), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"drafting"`)

	rec = a.do(t, http.MethodGet, "/v1/methods", token(t, "alice", auth.RoleLab), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"card"`)
}

func TestHTTPLifecycle(t *testing.T) {
	a := newAPIHarness(t, RateLimitConfig{})
	funder := token(t, "funder-1", auth.RoleFunder)
	stranger := token(t, "funder-2", auth.RoleFunder)
	lab := token(t, "lab-1", auth.RoleLab)

	rec := a.do(t, http.MethodPost, "/v1/bounties", lab, `{"id":"b-1","totalBudget":1000,"currency":"USD"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/bounties", funder, `{"id":"b-1","totalBudget":1000,"currency":"USD"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodPost, "/v1/bounties", funder, `{"id":"b-1","totalBudget":1000,"currency":"USD"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/bounties/b-1/events", lab, draftBody)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/bounties/b-1/events", funder, draftBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, bounty.StateReadyForFunding, decodeOutcome(t, rec).To)

	rec = a.do(t, http.MethodPost, "/v1/bounties/b-1/fund", stranger, `{"paymentMethod":"card"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/bounties/b-1/fund", funder, `{"paymentMethod":"card","paymentToken":"tok"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, bounty.StateBidding, decodeOutcome(t, rec).To)

	rec = a.do(t, http.MethodPost, "/v1/bounties/b-1/events", lab,
		`{"type":"SUBMIT_PROPOSAL","proposal":{"id":"p1","labId":"someone-else","methodology":"RCT","bidAmount":900}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeOutcome(t, rec)
	require.Equal(t, "lab-1", out.Snapshot.Bounty.Proposals[0].LabID)

	rec = a.do(t, http.MethodPost, "/v1/bounties/b-1/events", funder, `{"type":"SELECT_LAB","proposalId":"p1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/bounties/b-1/payout", funder, "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/bounties/b-1/events", lab, `{"type":"SUBMIT_MILESTONE","milestoneId":"m1","evidenceHash":"abc"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/bounties/b-1/events", lab, `{"type":"APPROVE_MILESTONE"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/bounties/b-1/milestones/m1/approve", funder, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out = decodeOutcome(t, rec)
	require.Equal(t, bounty.StateActiveResearch, out.To)
	require.Equal(t, "tr_1", out.TxID)

	rec = a.do(t, http.MethodGet, "/v1/bounties/b-1/transitions", lab, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Transitions []bounty.TransitionRecord `json:"transitions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Transitions, 7)

	rec = a.do(t, http.MethodGet, "/v1/bounties", stranger, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), `"b-1"`)

	rec = a.do(t, http.MethodGet, "/v1/bounties/missing", lab, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventDecodingErrors(t *testing.T) {
	a := newAPIHarness(t, RateLimitConfig{})
	funder := token(t, "funder-1", auth.RoleFunder)
	rec := a.do(t, http.MethodPost, "/v1/bounties", funder, `{"id":"b-1","totalBudget":1000,"currency":"USD"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/bounties/b-1/events", funder, `{"type":"TELEPORT"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/bounties/b-1/events", funder,
		`{"type":"SUBMIT_DRAFT","protocol":{"methodology":"x","dataRequirements":["y"]},"milestones":[{"id":"m1","payoutPercentage":90}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/bounties", funder, `{"id":"b-2","budget":1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdempotentFundReplays(t *testing.T) {
	a := newAPIHarness(t, RateLimitConfig{})
	funder := token(t, "funder-1", auth.RoleFunder)
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/v1/bounties", funder, `{"id":"b-1","totalBudget":1000,"currency":"USD"}`).Code)
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/v1/bounties/b-1/events", funder, draftBody).Code)

	first := a.do(t, http.MethodPost, "/v1/bounties/b-1/fund", funder, `{"paymentMethod":"card"}`, "Idempotency-Key", "fund-1")
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := a.do(t, http.MethodPost, "/v1/bounties/b-1/fund", funder, `{"paymentMethod":"card"}`, "Idempotency-Key", "fund-1")
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, 1, a.rails.initiations)

	reused := a.do(t, http.MethodPost, "/v1/bounties/b-1/cancel", funder, "", "Idempotency-Key", "fund-1")
	require.Equal(t, http.StatusConflict, reused.Code)
	require.Empty(t, a.rails.refunds)

	// Without a key the call reaches the service and is refused by state.
	rec := a.do(t, http.MethodPost, "/v1/bounties/b-1/fund", funder, `{"paymentMethod":"card"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, 1, a.rails.initiations)
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	a := newAPIHarness(t, RateLimitConfig{RequestsPerMinute: 1, Burst: 1})
	funder := token(t, "funder-1", auth.RoleFunder)

	rec := a.do(t, http.MethodPost, "/v1/bounties", funder, `{"id":"b-1","totalBudget":1000,"currency":"USD"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/bounties", funder, `{"id":"b-2","totalBudget":1000,"currency":"USD"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Reads are not limited.
	rec = a.do(t, http.MethodGet, "/v1/bounties/b-1", funder, "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOutcomeStatus(t *testing.T) {
	cases := []struct {
		name string
		out  Outcome
		want int
	}{
		{"accepted", Outcome{Accepted: true}, http.StatusOK},
		{"ignored", Outcome{}, http.StatusConflict},
		{"retryable rail failure", Outcome{Payment: &escrow.PaymentError{Recoverable: true}}, http.StatusBadGateway},
		{"permanent rail failure", Outcome{Payment: &escrow.PaymentError{}}, http.StatusUnprocessableEntity},
		{"failure recorded by machine", Outcome{Accepted: true, Payment: &escrow.PaymentError{Recoverable: true}}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, outcomeStatus(&tc.out))
		})
	}
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:4321"
	require.Equal(t, "192.0.2.10", clientID(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	require.Equal(t, "198.51.100.7", clientID(req))

	req.Header.Set("X-Real-IP", "203.0.113.5")
	require.Equal(t, "203.0.113.5", clientID(req))
}

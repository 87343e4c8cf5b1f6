package bountyd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"labescrow/native/bounty"
	"labescrow/services/bountyd/auth"
	"labescrow/services/bountyd/evidence"
	"labescrow/services/bountyd/store"
)

const maxEventBytes = 1 << 20

var errForbidden = errors.New("bountyd: forbidden")

// Server exposes the bounty API over HTTP.
type Server struct {
	service   *Service
	auth      *auth.Authenticator
	responses store.IdempotencyStore
	limiter   *rateLimiter
	logger    *slog.Logger
	locks     *lockTable
	router    http.Handler
}

// NewServer builds the router. responses may be nil to disable
// Idempotency-Key replay.
func NewServer(service *Service, authn *auth.Authenticator, responses store.IdempotencyStore, limits RateLimitConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service:   service,
		auth:      authn,
		responses: responses,
		limiter:   newRateLimiter(limits),
		logger:    logger,
		locks:     newLockTable(),
	}
	s.router = otelhttp.NewHandler(s.buildRouter(), "bountyd")
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Get("/states", s.handleStates)
		api.Get("/methods", s.handleMethods)
		api.Get("/bounties", s.handleList)
		api.Get("/bounties/{id}", s.handleGet)
		api.Get("/bounties/{id}/transitions", s.handleHistory)

		api.Group(func(mut chi.Router) {
			mut.Use(s.limiter.middleware)
			mut.Use(withIdempotency(s.responses, s.locks, s.logger))
			mut.With(auth.RequireRole(auth.RoleFunder)).Post("/bounties", s.handleCreate)
			mut.Post("/bounties/{id}/events", s.handleEvent)
			mut.With(auth.RequireRole(auth.RoleFunder)).Post("/bounties/{id}/fund", s.handleFund)
			mut.With(auth.RequireRole(auth.RoleFunder)).Post("/bounties/{id}/fund/confirm", s.handleConfirm)
			mut.With(auth.RequireRole(auth.RoleFunder)).Post("/bounties/{id}/milestones/{mid}/approve", s.handleApprove)
			mut.With(auth.RequireRole(auth.RoleFunder)).Post("/bounties/{id}/payout", s.handlePayout)
			mut.With(auth.RequireRole(auth.RoleFunder)).Post("/bounties/{id}/cancel", s.handleCancel)
			mut.With(auth.RequireRole(auth.RoleLab)).Post("/bounties/{id}/evidence", s.handleEvidence)
		})
	})
	return r
}

func (s *Server) handleStates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"states": bounty.States()})
}

func (s *Server) handleMethods(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"methods": s.service.Methods()})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	id, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	filter := store.Filter{FunderID: strings.TrimSpace(q.Get("funderId")), State: bounty.State(strings.TrimSpace(q.Get("state")))}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	if id.Role == auth.RoleFunder {
		filter.FunderID = id.Subject
	}
	snaps, err := s.service.List(r.Context(), filter)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bounties": snaps})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.service.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": history})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := s.service.Create(r.Context(), id.Subject, req)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	id, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	evt, err := bounty.DecodeEvent(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	bountyID := chi.URLParam(r, "id")
	snap, err := s.service.Get(r.Context(), bountyID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	evt, err = authorizeEvent(id, snap.Bounty, evt)
	if err != nil {
		s.handleError(w, err)
		return
	}
	out, err := s.service.Send(r.Context(), bountyID, evt)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeOutcome(w, out)
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	bountyID, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	var in FundInput
	if err := decodeJSON(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := s.service.Fund(r.Context(), bountyID, in)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, outcomeStatus(&out.Outcome), out)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	bountyID, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	var req struct {
		PendingID string `json:"pendingId"`
		TxHash    string `json:"txHash"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := s.service.ConfirmFunding(r.Context(), bountyID, req.PendingID, req.TxHash)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeOutcome(w, out)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	bountyID, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	out, err := s.service.ApproveMilestone(r.Context(), bountyID, chi.URLParam(r, "mid"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeOutcome(w, out)
}

func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request) {
	bountyID, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	out, err := s.service.ReleaseFinal(r.Context(), bountyID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeOutcome(w, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	bountyID, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	out, err := s.service.Cancel(r.Context(), bountyID, req.Reason)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeOutcome(w, out)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	id, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	bountyID := chi.URLParam(r, "id")
	snap, err := s.service.Get(r.Context(), bountyID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if id.Role != auth.RoleAdmin && snap.Bounty.SelectedLabID != id.LabID {
		s.handleError(w, errForbidden)
		return
	}
	obj, err := s.service.SubmitEvidence(r.Context(), bountyID, strings.TrimSpace(r.URL.Query().Get("milestoneId")), r.Body, r.Header.Get("Content-Type"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	status := http.StatusCreated
	if obj.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, obj)
}

// requireOwner loads the bounty named in the path and checks that the caller
// funds it.
func (s *Server) requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return "", false
	}
	bountyID := chi.URLParam(r, "id")
	snap, err := s.service.Get(r.Context(), bountyID)
	if err != nil {
		s.handleError(w, err)
		return "", false
	}
	if id.Role != auth.RoleAdmin && snap.Bounty.FunderID != id.Subject {
		s.handleError(w, errForbidden)
		return "", false
	}
	return bountyID, true
}

// authorizeEvent checks that the caller may raise evt on b. Events that move
// money are reserved to their dedicated endpoints unless the caller is an
// admin. Lab proposals are stamped with the caller's lab id.
func authorizeEvent(id *auth.Identity, b *bounty.Bounty, evt bounty.Event) (bounty.Event, error) {
	if id.Role == auth.RoleAdmin {
		return evt, nil
	}
	isFunder := id.Role == auth.RoleFunder && b.FunderID == id.Subject
	isSelectedLab := id.Role == auth.RoleLab && b.SelectedLabID != "" && b.SelectedLabID == id.LabID
	switch e := evt.(type) {
	case bounty.SubmitDraft, bounty.SelectLab, bounty.RejectAllProposals, bounty.OpenBidding, bounty.RequestRevision:
		if isFunder {
			return evt, nil
		}
	case bounty.SubmitProposal:
		if id.Role == auth.RoleLab {
			e.Proposal.LabID = id.LabID
			return e, nil
		}
	case bounty.SubmitMilestone:
		if isSelectedLab {
			return evt, nil
		}
	case bounty.InitiateDispute:
		if isFunder || isSelectedLab {
			return evt, nil
		}
	}
	return nil, fmt.Errorf("%w: %s not permitted for %s", errForbidden, evt.Type(), id.Role)
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrBountyNotFound):
		http.Error(w, "bounty not found", http.StatusNotFound)
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrAlreadyExists), errors.Is(err, ErrNotAllowed):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, bounty.ErrUnknownEvent):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, errForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, evidence.ErrTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, ErrEvidenceDisabled):
		http.Error(w, err.Error(), http.StatusNotImplemented)
	default:
		s.logger.Error("request failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// outcomeStatus maps an outcome to its HTTP status. Recoverable rail failures
// answer 502 so the Idempotency-Key is not consumed and the call can be
// retried.
func outcomeStatus(out *Outcome) int {
	switch {
	case out.Payment != nil && out.Payment.Recoverable && !out.Accepted:
		return http.StatusBadGateway
	case out.Payment != nil:
		return http.StatusUnprocessableEntity
	case !out.Accepted:
		return http.StatusConflict
	default:
		return http.StatusOK
	}
}

func writeOutcome(w http.ResponseWriter, out *Outcome) {
	writeJSON(w, outcomeStatus(out), out)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxEventBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

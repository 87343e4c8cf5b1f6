package bountyd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"labescrow/core/events"
	"labescrow/core/types"
	"labescrow/native/bounty"
	"labescrow/native/escrow"
	"labescrow/observability"
	"labescrow/services/bountyd/evidence"
	"labescrow/services/bountyd/store"
)

var (
	// ErrInvalidRequest is returned for malformed or inconsistent input.
	ErrInvalidRequest = errors.New("bountyd: invalid request")
	// ErrNotAllowed is returned when an operation that calls a rail is not
	// permitted in the bounty's current state.
	ErrNotAllowed = errors.New("bountyd: operation not allowed in current state")
	// ErrEvidenceDisabled is returned when no object store is configured.
	ErrEvidenceDisabled = errors.New("bountyd: evidence storage not configured")
)

// Snapshot is the externally visible view of a stored bounty.
type Snapshot struct {
	Bounty    *bounty.Bounty    `json:"bounty"`
	Version   int64             `json:"version"`
	Info      *bounty.StateInfo `json:"stateInfo,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func snapshotOf(rec *store.Record) *Snapshot {
	if rec == nil {
		return nil
	}
	snap := &Snapshot{Bounty: rec.Bounty, Version: rec.Version, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt}
	if info, ok := bounty.Describe(rec.Bounty.State); ok {
		snap.Info = &info
	}
	return snap
}

// Outcome reports what an operation did to the bounty. Accepted is false
// when the machine ignored the event; the snapshot is then unchanged.
type Outcome struct {
	Accepted bool                 `json:"accepted"`
	From     bounty.State         `json:"from"`
	To       bounty.State         `json:"to"`
	Snapshot *Snapshot            `json:"snapshot"`
	Payment  *escrow.PaymentError `json:"paymentError,omitempty"`
	TxID     string               `json:"txId,omitempty"`
}

// FundOutcome extends Outcome with the rail's funding response.
type FundOutcome struct {
	Outcome
	PendingID            string            `json:"pendingId,omitempty"`
	RequiresClientAction bool              `json:"requiresClientAction"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// CreateRequest seeds a new bounty in drafting.
type CreateRequest struct {
	ID          string `json:"id,omitempty"`
	TotalBudget int64  `json:"totalBudget"`
	Currency    string `json:"currency"`
}

// FundInput selects the rail and carries the funder's payment references.
type FundInput struct {
	PaymentMethod escrow.Method `json:"paymentMethod"`
	FunderAddress string        `json:"funderAddress,omitempty"`
	PaymentToken  string        `json:"paymentToken,omitempty"`
	CustomerID    string        `json:"customerId,omitempty"`
}

// Service glues the bounty machine to persistence, payment rails and
// notifications. Operations on one bounty are serialised.
type Service struct {
	store        store.Store
	machine      *bounty.Machine
	orchestrator *escrow.Orchestrator
	evidence     *evidence.Store
	emitter      events.Emitter
	logger       *slog.Logger
	locks        *lockTable
	now          func() time.Time
	newID        func() string
}

// ServiceOption customises the service.
type ServiceOption func(*Service)

// WithEmitter routes audit and escrow events to a sink.
func WithEmitter(emitter events.Emitter) ServiceOption {
	return func(s *Service) {
		if emitter != nil {
			s.emitter = emitter
		}
	}
}

// WithEvidenceStore enables evidence uploads.
func WithEvidenceStore(ev *evidence.Store) ServiceOption {
	return func(s *Service) { s.evidence = ev }
}

// WithServiceLogger overrides the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServiceClock sets the timestamp source used for release bookkeeping.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides bounty id generation.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService constructs the glue service.
func NewService(st store.Store, machine *bounty.Machine, orchestrator *escrow.Orchestrator, opts ...ServiceOption) *Service {
	if machine == nil {
		machine = bounty.NewMachine()
	}
	if orchestrator == nil {
		orchestrator = escrow.NewOrchestrator()
	}
	s := &Service{
		store:        st,
		machine:      machine,
		orchestrator: orchestrator,
		emitter:      events.NoopEmitter{},
		logger:       slog.Default(),
		locks:        newLockTable(),
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Methods lists the payment rails available for funding.
func (s *Service) Methods() []escrow.Method {
	return s.orchestrator.Methods()
}

// Create stores a new drafting bounty owned by funderID.
func (s *Service) Create(ctx context.Context, funderID string, req CreateRequest) (*Snapshot, error) {
	funderID = strings.TrimSpace(funderID)
	if funderID == "" {
		return nil, fmt.Errorf("%w: funder id required", ErrInvalidRequest)
	}
	if req.TotalBudget < 0 {
		return nil, fmt.Errorf("%w: budget must not be negative", ErrInvalidRequest)
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = s.newID()
	}
	b := s.machine.Initial(id, funderID)
	b.TotalBudget = req.TotalBudget
	b.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	rec, err := s.store.Create(ctx, b)
	if err != nil {
		return nil, err
	}
	s.logger.Info("bounty created", slog.String("bountyId", id), slog.String("funderId", funderID))
	return snapshotOf(rec), nil
}

// Get returns the current snapshot.
func (s *Service) Get(ctx context.Context, id string) (*Snapshot, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return snapshotOf(rec), nil
}

// List returns snapshots matching filter.
func (s *Service) List(ctx context.Context, filter store.Filter) ([]*Snapshot, error) {
	recs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(recs))
	for _, rec := range recs {
		out = append(out, snapshotOf(rec))
	}
	return out, nil
}

// History returns the bounty's accepted transitions in order.
func (s *Service) History(ctx context.Context, id string) ([]bounty.TransitionRecord, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Transitions(ctx, id)
}

// Send applies a raw event. A funder_wins resolution refunds the remaining
// escrow before the bounty moves to cancelled.
func (s *Service) Send(ctx context.Context, id string, evt bounty.Event) (*Outcome, error) {
	if evt == nil {
		return nil, fmt.Errorf("%w: event required", ErrInvalidRequest)
	}
	if draft, ok := evt.(bounty.SubmitDraft); ok {
		if err := bounty.CheckPayoutSplit(draft.Milestones); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	unlock := s.locks.lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b := rec.Bounty.Clone()
	if resolve, ok := evt.(bounty.ResolveDispute); ok && resolve.Resolution == bounty.ResolutionFunderWins &&
		bounty.Allowed(b.State, bounty.EventResolveDispute) {
		if out := s.refundRemaining(ctx, rec, b); out != nil {
			return out, nil
		}
	}
	out, _, err := s.transition(ctx, rec, b, evt)
	return out, err
}

// Fund requests custody from the chosen rail. Card funding settles in one
// call; blockchain rails leave the bounty in funding_escrow until
// ConfirmFunding observes the deposit.
func (s *Service) Fund(ctx context.Context, id string, in FundInput) (*FundOutcome, error) {
	method, err := escrow.ParseMethod(string(in.PaymentMethod))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	unlock := s.locks.lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !bounty.Allowed(rec.Bounty.State, bounty.EventInitiateFunding) {
		return nil, fmt.Errorf("%w: %s", ErrNotAllowed, rec.Bounty.State)
	}
	b := rec.Bounty.Clone()
	out, rec, err := s.transition(ctx, rec, b, bounty.InitiateFunding{PaymentMethod: method})
	if err != nil || !out.Accepted {
		return &FundOutcome{Outcome: derefOutcome(out)}, err
	}

	b = rec.Bounty.Clone()
	res, ferr := s.orchestrator.FundBounty(ctx, escrow.FundRequest{
		BountyID:      b.ID,
		FunderID:      b.FunderID,
		PaymentMethod: method,
		Amount:        b.TotalBudget,
		Currency:      b.Currency,
		FunderAddress: strings.TrimSpace(in.FunderAddress),
		PaymentToken:  strings.TrimSpace(in.PaymentToken),
		CustomerID:    strings.TrimSpace(in.CustomerID),
	})
	if ferr != nil {
		perr := escrow.AsPaymentError(ferr, escrow.CodeInitiationFailed)
		s.publish(escrow.NewFailedEvent(b.ID, nil, "fund", perr))
		failed, _, err := s.transition(ctx, rec, b, bounty.FundingFailed{Error: perr.Message})
		if err != nil {
			return nil, err
		}
		failed.Payment = perr
		failed.From = out.From
		return &FundOutcome{Outcome: *failed}, nil
	}

	if res.RequiresClientAction {
		b.PendingFunding = &bounty.PendingFunding{PendingID: res.PendingID, Escrow: res.Escrow.Clone()}
		saved, err := s.store.Save(ctx, b, rec.Version, nil)
		if err != nil {
			return nil, err
		}
		s.publish(escrow.NewPendingEvent(b.ID, res))
		out.Snapshot = snapshotOf(saved)
		return &FundOutcome{
			Outcome:              *out,
			PendingID:            res.PendingID,
			RequiresClientAction: true,
			Metadata:             res.Metadata,
		}, nil
	}

	confirmed, err := s.confirm(ctx, rec, b, res.Escrow)
	if err != nil {
		return nil, err
	}
	confirmed.From = out.From
	return &FundOutcome{Outcome: *confirmed, PendingID: res.PendingID, Metadata: res.Metadata}, nil
}

// ConfirmFunding verifies a client-submitted blockchain deposit against the
// pending record Fund stored. Deposits not yet visible leave the bounty
// untouched so the caller can retry; deposits that do not match, or that
// already fund another bounty, move it to funding_escrow.failed.
func (s *Service) ConfirmFunding(ctx context.Context, id, pendingID, txHash string) (*Outcome, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b := rec.Bounty.Clone()
	pending := b.PendingFunding
	if b.State != bounty.StateFundingEscrow || !b.PaymentMethod.Blockchain() || pending == nil || pending.Escrow == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAllowed, b.State)
	}
	if p := strings.TrimSpace(pendingID); p != "" && p != pending.PendingID {
		return nil, fmt.Errorf("%w: pending id %s was not issued for this bounty", ErrInvalidRequest, p)
	}
	details, cerr := s.orchestrator.ConfirmDeposit(ctx, *pending.Escrow, pending.PendingID, txHash)
	if cerr == nil {
		cerr = s.claimDeposit(ctx, b.ID, details)
	}
	if cerr != nil {
		perr := escrow.AsPaymentError(cerr, escrow.CodeConfirmationFailed)
		if perr.Recoverable {
			return &Outcome{From: b.State, To: b.State, Snapshot: snapshotOf(rec), Payment: perr}, nil
		}
		s.publish(escrow.NewFailedEvent(b.ID, nil, "confirm", perr))
		out, _, err := s.transition(ctx, rec, b, bounty.FundingFailed{Error: perr.Message})
		if err != nil {
			return nil, err
		}
		out.Payment = perr
		return out, nil
	}
	return s.confirm(ctx, rec, b, details)
}

// claimDeposit records that details funds bountyID so the same deposit cannot
// confirm a second bounty.
func (s *Service) claimDeposit(ctx context.Context, bountyID string, details *escrow.Details) error {
	key := details.DepositKey()
	if key == "" {
		return escrow.NewError(escrow.CodeConfirmationFailed, false, "confirmed deposit carries no locator")
	}
	err := s.store.ClaimDeposit(ctx, key, bountyID)
	if errors.Is(err, store.ErrDepositClaimed) {
		s.logger.Warn("deposit replay rejected", slog.String("bountyId", bountyID), slog.String("deposit", key))
		return escrow.NewError(escrow.CodeConfirmationFailed, false, "deposit %s already funds another bounty", key)
	}
	if err != nil {
		return escrow.WrapError(escrow.CodeConfirmationFailed, true, err, "record deposit claim")
	}
	return nil
}

func (s *Service) confirm(ctx context.Context, rec *store.Record, b *bounty.Bounty, details *escrow.Details) (*Outcome, error) {
	details = details.Clone()
	shares := make([]escrow.Share, 0, len(b.Milestones))
	for _, m := range b.Milestones {
		shares = append(shares, escrow.Share{MilestoneID: m.ID, Percentage: m.PayoutPercentage})
	}
	schedule, err := escrow.BuildReleaseSchedule(details.TotalAmount, shares)
	if err != nil {
		s.logger.Warn("release schedule unavailable", slog.String("bountyId", b.ID), slog.String("error", err.Error()))
	} else {
		details.ReleaseSchedule = schedule
	}
	out, _, err := s.transition(ctx, rec, b, bounty.FundingConfirmed{Escrow: details})
	if err != nil {
		return nil, err
	}
	if out.Accepted {
		s.publish(escrow.NewLockedEvent(b.ID, details))
		observability.Rails().RecordSettlement(details.Method, "lock", details.Currency, details.TotalAmount)
	}
	return out, nil
}

// ApproveMilestone releases the current milestone's scheduled amount to the
// selected lab and then approves it. A failed release leaves the bounty in
// milestone_review; a release already recorded is never repeated.
func (s *Service) ApproveMilestone(ctx context.Context, id, milestoneID string) (*Outcome, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b := rec.Bounty.Clone()
	cur, ok := b.CurrentMilestone()
	if !bounty.Allowed(b.State, bounty.EventApproveMilestone) || !ok ||
		(milestoneID != "" && milestoneID != cur.ID) {
		return &Outcome{From: b.State, To: b.State, Snapshot: snapshotOf(rec)}, nil
	}
	if b.Escrow == nil {
		return nil, fmt.Errorf("%w: bounty has no escrow", ErrInvalidRequest)
	}
	entry := scheduleEntry(b.Escrow, cur.ID)
	if entry == nil {
		return nil, fmt.Errorf("%w: no scheduled release for milestone %s", ErrInvalidRequest, cur.ID)
	}
	var txID string
	if entry.ReleasedAt == nil && entry.Amount > 0 {
		res := s.orchestrator.ReleaseMilestonePayment(ctx, *b.Escrow, b.SelectedLabID, entry.Amount)
		if !res.Success {
			s.publish(escrow.NewFailedEvent(b.ID, b.Escrow, "release", res.Error))
			return &Outcome{From: b.State, To: b.State, Snapshot: snapshotOf(rec), Payment: res.Error, TxID: res.TxID}, nil
		}
		txID = res.TxID
		s.settled(b, "release", entry.Amount, res)
		if err := b.Escrow.MarkReleased(cur.ID, txID, s.now()); err != nil {
			return nil, err
		}
		if rec, err = s.recordRelease(ctx, rec, b); err != nil {
			return nil, err
		}
		b = rec.Bounty.Clone()
	} else if entry.ReleasedAt == nil {
		if err := b.Escrow.MarkReleased(cur.ID, "", s.now()); err != nil {
			return nil, err
		}
	} else {
		txID = entry.TxID
	}
	out, _, err := s.transition(ctx, rec, b, bounty.ApproveMilestone{MilestoneID: cur.ID})
	if err != nil {
		return nil, err
	}
	out.TxID = txID
	return out, nil
}

// ReleaseFinal pays any unreleased escrow to the lab and completes the
// bounty.
func (s *Service) ReleaseFinal(ctx context.Context, id string) (*Outcome, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b := rec.Bounty.Clone()
	if !bounty.Allowed(b.State, bounty.EventReleaseFinalPayout) {
		return &Outcome{From: b.State, To: b.State, Snapshot: snapshotOf(rec)}, nil
	}
	var txID string
	if remaining := b.Escrow.Remaining(); remaining > 0 {
		res := s.orchestrator.ReleaseMilestonePayment(ctx, *b.Escrow, b.SelectedLabID, remaining)
		if !res.Success {
			s.publish(escrow.NewFailedEvent(b.ID, b.Escrow, "release", res.Error))
			return &Outcome{From: b.State, To: b.State, Snapshot: snapshotOf(rec), Payment: res.Error, TxID: res.TxID}, nil
		}
		txID = res.TxID
		s.settled(b, "release", remaining, res)
		for _, entry := range b.Escrow.ReleaseSchedule {
			if entry.ReleasedAt == nil {
				_ = b.Escrow.MarkReleased(entry.MilestoneID, txID, s.now())
			}
		}
		if rec, err = s.recordRelease(ctx, rec, b); err != nil {
			return nil, err
		}
		b = rec.Bounty.Clone()
	}
	out, _, err := s.transition(ctx, rec, b, bounty.ReleaseFinalPayout{})
	if err != nil {
		return nil, err
	}
	out.TxID = txID
	return out, nil
}

// Cancel refunds any escrow and cancels the bounty. A failed refund leaves
// the bounty where it was.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Outcome, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b := rec.Bounty.Clone()
	if !bounty.Allowed(b.State, bounty.EventCancelBounty) {
		return &Outcome{From: b.State, To: b.State, Snapshot: snapshotOf(rec)}, nil
	}
	if out := s.refundRemaining(ctx, rec, b); out != nil {
		return out, nil
	}
	out, _, err := s.transition(ctx, rec, b, bounty.CancelBounty{Reason: reason})
	return out, err
}

// refundRemaining returns the unreleased escrow to the funder. It returns a
// non-nil outcome only when the refund failed.
func (s *Service) refundRemaining(ctx context.Context, rec *store.Record, b *bounty.Bounty) *Outcome {
	if b.Escrow == nil {
		return nil
	}
	remaining := b.Escrow.Remaining()
	if remaining <= 0 {
		return nil
	}
	res := s.orchestrator.RefundEscrow(ctx, *b.Escrow, nil)
	if !res.Success {
		s.publish(escrow.NewFailedEvent(b.ID, b.Escrow, "refund", res.Error))
		return &Outcome{From: b.State, To: b.State, Snapshot: snapshotOf(rec), Payment: res.Error, TxID: res.TxID}
	}
	s.publish(escrow.NewRefundedEvent(b.ID, b.Escrow, remaining, res))
	observability.Rails().RecordSettlement(b.Escrow.Method, "refund", b.Escrow.Currency, remaining)
	return nil
}

// SubmitEvidence stores milestone evidence and returns its content hash. It
// does not transition the bounty; labs cite the hash in SUBMIT_MILESTONE.
func (s *Service) SubmitEvidence(ctx context.Context, id, milestoneID string, body io.Reader, contentType string) (*evidence.Object, error) {
	if s.evidence == nil {
		return nil, ErrEvidenceDisabled
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if milestoneID != "" {
		if _, ok := rec.Bounty.Milestone(milestoneID); !ok {
			return nil, fmt.Errorf("%w: unknown milestone %s", ErrInvalidRequest, milestoneID)
		}
	}
	return s.evidence.Put(ctx, id, milestoneID, body, contentType)
}

// recordRelease persists release bookkeeping on its own, before the
// transition that follows it, so a failed transition write never causes a
// second payment on retry.
func (s *Service) recordRelease(ctx context.Context, rec *store.Record, b *bounty.Bounty) (*store.Record, error) {
	saved, err := s.store.Save(ctx, b, rec.Version, nil)
	if err != nil {
		s.logger.Error("persist release failed",
			slog.String("bountyId", b.ID),
			slog.String("error", err.Error()))
		return nil, err
	}
	return saved, nil
}

// transition runs evt through the machine and persists an accepted result.
// Release bookkeeping already applied to b is persisted even when the machine
// rejects the event.
func (s *Service) transition(ctx context.Context, rec *store.Record, b *bounty.Bounty, evt bounty.Event) (*Outcome, *store.Record, error) {
	res := s.machine.Send(b, evt)
	out := &Outcome{Accepted: res.Accepted, From: res.From, To: res.To}
	if !res.Accepted {
		if escrowChanged(rec.Bounty.Escrow, b.Escrow) {
			saved, err := s.store.Save(ctx, b, rec.Version, nil)
			if err != nil {
				return nil, rec, err
			}
			rec = saved
		}
		out.Snapshot = snapshotOf(rec)
		return out, rec, nil
	}
	saved, err := s.store.Save(ctx, b, rec.Version, res.Record)
	if err != nil {
		s.logger.Error("persist transition failed",
			slog.String("bountyId", b.ID),
			slog.String("event", string(evt.Type())),
			slog.String("error", err.Error()))
		return nil, rec, err
	}
	s.publish(res.Record.AuditEvent())
	out.Snapshot = snapshotOf(saved)
	return out, saved, nil
}

func (s *Service) settled(b *bounty.Bounty, op string, amount int64, res escrow.SettlementResult) {
	s.publish(escrow.NewReleasedEvent(b.ID, b.Escrow, b.SelectedLabID, amount, res))
	observability.Rails().RecordSettlement(b.Escrow.Method, op, b.Escrow.Currency, amount)
}

func (s *Service) publish(evt *types.Event) {
	if evt == nil {
		return
	}
	s.emitter.Emit(events.Payload{Evt: evt})
}

func scheduleEntry(d *escrow.Details, milestoneID string) *escrow.ScheduledRelease {
	for i := range d.ReleaseSchedule {
		if d.ReleaseSchedule[i].MilestoneID == milestoneID {
			return &d.ReleaseSchedule[i]
		}
	}
	return nil
}

func escrowChanged(before, after *escrow.Details) bool {
	if before == nil || after == nil {
		return before != after
	}
	for i := range after.ReleaseSchedule {
		if i >= len(before.ReleaseSchedule) {
			return true
		}
		if (before.ReleaseSchedule[i].ReleasedAt == nil) != (after.ReleaseSchedule[i].ReleasedAt == nil) {
			return true
		}
	}
	return false
}

func derefOutcome(out *Outcome) Outcome {
	if out == nil {
		return Outcome{}
	}
	return *out
}

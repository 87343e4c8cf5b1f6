package bounty

import (
	"strings"
	"time"

	"labescrow/core/events"
	"labescrow/core/types"
)

// EventTypeTransition is emitted for every accepted transition.
const EventTypeTransition = "bounty.transition"

// TransitionRecord is the audit entry for an accepted event.
type TransitionRecord struct {
	BountyID string    `json:"bountyId"`
	Event    EventType `json:"event"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	// Via names the transient state passed through, if any.
	Via State     `json:"via,omitempty"`
	At  time.Time `json:"at"`
}

// AuditEvent converts the record into its emitted form.
func (r TransitionRecord) AuditEvent() *types.Event {
	attrs := map[string]string{
		"bountyId": r.BountyID,
		"event":    string(r.Event),
		"from":     string(r.From),
		"to":       string(r.To),
		"at":       r.At.UTC().Format(time.RFC3339),
	}
	if r.Via != "" {
		attrs["via"] = string(r.Via)
	}
	return &types.Event{Type: EventTypeTransition, Attributes: attrs}
}

// Result reports the outcome of Send. Accepted is false when the event was
// illegal in the current state or its guard failed; the bounty is then left
// exactly as it was.
type Result struct {
	Accepted bool
	From     State
	To       State
	Record   *TransitionRecord
}

// Observer is notified of every event the machine evaluates.
type Observer interface {
	ObserveTransition(event EventType, from, to State, accepted bool)
}

type noopObserver struct{}

func (noopObserver) ObserveTransition(EventType, State, State, bool) {}

// Machine evaluates events against a bounty. It keeps no per-bounty state, so
// one instance serves every bounty; callers serialise events per bounty.
type Machine struct {
	rules    ValidationRules
	now      func() time.Time
	emitter  events.Emitter
	observer Observer
}

// Option customises the machine.
type Option func(*Machine)

// WithRules sets the protocol review rules.
func WithRules(rules ValidationRules) Option {
	return func(m *Machine) { m.rules = rules }
}

// WithClock sets the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithEmitter routes transition records to an event sink.
func WithEmitter(emitter events.Emitter) Option {
	return func(m *Machine) {
		if emitter != nil {
			m.emitter = emitter
		}
	}
}

// WithObserver installs a transition observer.
func WithObserver(obs Observer) Option {
	return func(m *Machine) {
		if obs != nil {
			m.observer = obs
		}
	}
}

// NewMachine constructs a machine.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		now:      func() time.Time { return time.Now().UTC() },
		emitter:  events.NoopEmitter{},
		observer: noopObserver{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Rules returns the active validation rules.
func (m *Machine) Rules() ValidationRules { return m.rules }

// Initial returns a new bounty in drafting with empty-valued context.
func (m *Machine) Initial(bountyID, funderID string) *Bounty {
	return &Bounty{
		State: StateDrafting,
		Context: Context{
			ID:         bountyID,
			FunderID:   funderID,
			Milestones: []Milestone{},
			Proposals:  []Proposal{},
		},
	}
}

// Send applies evt to b. Guards and actions run against a copy that replaces
// b only when the event is accepted.
func (m *Machine) Send(b *Bounty, evt Event) Result {
	if b == nil {
		return Result{}
	}
	res := Result{From: b.State, To: b.State}
	if evt == nil {
		return res
	}
	evt = deref(evt)
	if evt == nil {
		return res
	}
	h, ok := transitions[b.State][evt.Type()]
	if !ok {
		m.observer.ObserveTransition(evt.Type(), b.State, b.State, false)
		return res
	}
	next := b.Clone()
	target, ok := h(m, next, evt)
	var via State
	if ok && target.Transient() {
		via = target
		target, ok = m.settle(next, target)
	}
	if !ok {
		m.observer.ObserveTransition(evt.Type(), b.State, b.State, false)
		return res
	}
	next.State = target
	*b = *next

	record := &TransitionRecord{
		BountyID: b.ID,
		Event:    evt.Type(),
		From:     res.From,
		To:       target,
		Via:      via,
		At:       m.now(),
	}
	m.observer.ObserveTransition(evt.Type(), res.From, target, true)
	m.emitter.Emit(events.Payload{Evt: record.AuditEvent()})
	res.Accepted = true
	res.To = target
	res.Record = record
	return res
}

// settle resolves a transient state with its single guarded exit.
func (m *Machine) settle(b *Bounty, s State) (State, bool) {
	switch s {
	case StateProtocolReview:
		if err := m.rules.Check(b.Protocol, b.Milestones); err != nil {
			return StateDrafting, false
		}
		return StateReadyForFunding, true
	case StateRefunding:
		return StateCancelled, true
	default:
		return s, true
	}
}

// enterResearch marks the current milestone as in progress. It runs on first
// entry to active_research and on every re-entry.
func enterResearch(b *Bounty) {
	if cur, ok := b.CurrentMilestone(); ok {
		cur.Status = MilestoneInProgress
	}
}

type handler func(m *Machine, b *Bounty, evt Event) (State, bool)

// transitions lists every accepted event per state. Sub-states accept their
// own events plus CANCEL_BOUNTY when their parent accepts it: no_valid_bids
// can be cancelled like bidding, a failed funding attempt cannot.
var transitions = map[State]map[EventType]handler{
	StateDrafting: {
		EventSubmitDraft:  (*Machine).submitDraft,
		EventCancelBounty: (*Machine).cancel,
	},
	StateReadyForFunding: {
		EventInitiateFunding: (*Machine).initiateFunding,
		EventCancelBounty:    (*Machine).cancel,
	},
	StateFundingEscrow: {
		EventFundingConfirmed: (*Machine).fundingConfirmed,
		EventFundingFailed:    (*Machine).fundingFailed,
	},
	StateFundingFailed: {
		EventInitiateFunding: (*Machine).initiateFunding,
	},
	StateBidding: {
		EventSubmitProposal:     (*Machine).submitProposal,
		EventSelectLab:          (*Machine).selectLab,
		EventRejectAllProposals: (*Machine).rejectAll,
		EventCancelBounty:       (*Machine).cancel,
	},
	StateNoValidBids: {
		EventOpenBidding:  (*Machine).openBidding,
		EventCancelBounty: (*Machine).cancel,
	},
	StateActiveResearch: {
		EventSubmitMilestone: (*Machine).submitMilestone,
		EventInitiateDispute: (*Machine).initiateDispute,
	},
	StateMilestoneReview: {
		EventApproveMilestone: (*Machine).approveMilestone,
		EventRequestRevision:  (*Machine).requestRevision,
		EventInitiateDispute:  (*Machine).initiateDispute,
	},
	StateDisputeResolution: {
		EventResolveDispute: (*Machine).resolveDispute,
	},
	StateExternalArbitration: {
		EventResolveDispute: (*Machine).resolveArbitration,
	},
	StateCompletedPayout: {
		EventReleaseFinalPayout: (*Machine).releaseFinalPayout,
	},
}

func (m *Machine) submitDraft(b *Bounty, evt Event) (State, bool) {
	e, ok := evt.(SubmitDraft)
	if !ok {
		return b.State, false
	}
	b.Protocol = e.Protocol.clone()
	b.Milestones = make([]Milestone, len(e.Milestones))
	for i, ms := range e.Milestones {
		ms = ms.clone()
		ms.Status = MilestonePending
		ms.EvidenceHash = ""
		ms.EvidenceLinks = nil
		b.Milestones[i] = ms
	}
	b.CurrentMilestoneIndex = 0
	if e.TotalBudget > 0 {
		b.TotalBudget = e.TotalBudget
	}
	if c := strings.TrimSpace(e.Currency); c != "" {
		b.Currency = strings.ToUpper(c)
	}
	return StateProtocolReview, true
}

func (m *Machine) initiateFunding(b *Bounty, evt Event) (State, bool) {
	e, ok := evt.(InitiateFunding)
	if !ok {
		return b.State, false
	}
	if !e.PaymentMethod.Valid() {
		return b.State, false
	}
	b.PaymentMethod = e.PaymentMethod
	b.PendingFunding = nil
	b.Error = ""
	return StateFundingEscrow, true
}

func (m *Machine) fundingConfirmed(b *Bounty, evt Event) (State, bool) {
	e, ok := evt.(FundingConfirmed)
	if !ok {
		return b.State, false
	}
	if e.Escrow == nil {
		return b.State, false
	}
	b.Escrow = e.Escrow.Clone()
	b.PendingFunding = nil
	if b.FundedAt == nil {
		now := m.now()
		b.FundedAt = &now
	}
	return StateBidding, true
}

func (m *Machine) fundingFailed(b *Bounty, evt Event) (State, bool) {
	e, ok := evt.(FundingFailed)
	if !ok {
		return b.State, false
	}
	b.Error = strings.TrimSpace(e.Error)
	if b.Error == "" {
		b.Error = "funding failed"
	}
	b.PaymentMethod = ""
	b.PendingFunding = nil
	return StateFundingFailed, true
}

func (m *Machine) submitProposal(b *Bounty, evt Event) (State, bool) {
	e, ok := evt.(SubmitProposal)
	if !ok {
		return b.State, false
	}
	if strings.TrimSpace(e.Proposal.ID) == "" {
		return b.State, false
	}
	if _, dup := b.Proposal(e.Proposal.ID); dup {
		return b.State, false
	}
	p := e.Proposal.clone()
	if p.SubmittedAt.IsZero() {
		p.SubmittedAt = m.now()
	}
	b.Proposals = append(b.Proposals, p)
	return StateBidding, true
}

func (m *Machine) selectLab(b *Bounty, evt Event) (State, bool) {
	e, ok := evt.(SelectLab)
	if !ok {
		return b.State, false
	}
	p, ok := b.Proposal(e.ProposalID)
	if !ok || b.SelectedProposalID != "" {
		return b.State, false
	}
	b.SelectedProposalID = p.ID
	b.SelectedLabID = p.LabID
	if b.StartedAt == nil {
		now := m.now()
		b.StartedAt = &now
	}
	enterResearch(b)
	return StateActiveResearch, true
}

func (m *Machine) rejectAll(b *Bounty, evt Event) (State, bool) {
	e, ok := evt.(RejectAllProposals)
	if !ok {
		return b.State, false
	}
	b.RejectionReason = strings.TrimSpace(e.Reason)
	return StateNoValidBids, true
}

func (m *Machine) openBidding(b *Bounty, _ Event) (State, bool) {
	return StateBidding, true
}

func (m *Machine) cancel(b *Bounty, evt Event) (State, bool) {
	e, ok := evt.(CancelBounty)
	if !ok {
		return b.State, false
	}
	b.CancellationReason = strings.TrimSpace(e.Reason)
	return StateRefunding, true
}

func (m *Machine) submitMilestone(b *Bounty, evt Event) (State, bool) {
	e, ok := evt.(SubmitMilestone)
	if !ok {
		return b.State, false
	}
	target, ok := b.Milestone(e.MilestoneID)
	if !ok && e.MilestoneID == "" {
		target, ok = b.CurrentMilestone()
	}
	if ok {
		target.Status = MilestoneSubmitted
		target.EvidenceHash = strings.TrimSpace(e.EvidenceHash)
		target.EvidenceLinks = cloneStrings(e.EvidenceLinks)
	}
	return StateMilestoneReview, true
}

func (m *Machine) approveMilestone(b *Bounty, evt Event) (State, bool) {
	e, ok := evt.(ApproveMilestone)
	if !ok {
		return b.State, false
	}
	cur, ok := b.CurrentMilestone()
	if !ok {
		return b.State, false
	}
	if e.MilestoneID != "" && e.MilestoneID != cur.ID {
		return b.State, false
	}
	cur.Status = MilestoneVerified
	if b.CurrentMilestoneIndex == len(b.Milestones)-1 {
		return StateCompletedPayout, true
	}
	b.CurrentMilestoneIndex++
	enterResearch(b)
	return StateActiveResearch, true
}

func (m *Machine) requestRevision(b *Bounty, evt Event) (State, bool) {
	e, ok := evt.(RequestRevision)
	if !ok {
		return b.State, false
	}
	var target *Milestone
	if e.MilestoneID != "" {
		target, ok = b.Milestone(e.MilestoneID)
	} else {
		target, ok = b.CurrentMilestone()
	}
	if !ok {
		return b.State, false
	}
	target.Status = MilestoneInProgress
	target.EvidenceHash = ""
	target.EvidenceLinks = nil
	enterResearch(b)
	return StateActiveResearch, true
}

func (m *Machine) initiateDispute(b *Bounty, evt Event) (State, bool) {
	e, ok := evt.(InitiateDispute)
	if !ok {
		return b.State, false
	}
	if !e.Reason.Valid() {
		return b.State, false
	}
	b.Dispute = &Dispute{
		Reason:        e.Reason,
		Description:   strings.TrimSpace(e.Description),
		EvidenceLinks: cloneStrings(e.EvidenceLinks),
	}
	return StateDisputeResolution, true
}

func (m *Machine) resolveDispute(b *Bounty, evt Event) (State, bool) {
	e, ok := evt.(ResolveDispute)
	if !ok {
		return b.State, false
	}
	switch e.Resolution {
	case ResolutionLabWins, ResolutionFunderWins:
		return m.resolveArbitration(b, evt)
	case ResolutionPartialRefund:
		m.recordResolution(b, e)
		return StatePartialSettlement, true
	case ResolutionArbitration:
		m.recordResolution(b, e)
		return StateExternalArbitration, true
	default:
		return b.State, false
	}
}

func (m *Machine) resolveArbitration(b *Bounty, evt Event) (State, bool) {
	e, ok := evt.(ResolveDispute)
	if !ok {
		return b.State, false
	}
	switch e.Resolution {
	case ResolutionLabWins:
		m.recordResolution(b, e)
		return StateCompletedPayout, true
	case ResolutionFunderWins:
		m.recordResolution(b, e)
		return StateRefunding, true
	default:
		return b.State, false
	}
}

func (m *Machine) recordResolution(b *Bounty, e ResolveDispute) {
	if b.Dispute == nil {
		b.Dispute = &Dispute{Reason: DisputeOther}
	}
	b.Dispute.Resolution = e.Resolution
	b.Dispute.SlashAmount = nil
	if e.Resolution == ResolutionFunderWins && e.SlashAmount != nil {
		slash := *e.SlashAmount
		b.Dispute.SlashAmount = &slash
	}
}

func (m *Machine) releaseFinalPayout(b *Bounty, _ Event) (State, bool) {
	if b.CompletedAt == nil {
		now := m.now()
		b.CompletedAt = &now
	}
	return StateCompleted, true
}

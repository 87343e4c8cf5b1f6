package bounty

import (
	"time"

	"labescrow/native/escrow"
)

// State names a node of the bounty lifecycle.
type State string

const (
	StateDrafting            State = "drafting"
	StateProtocolReview      State = "protocol_review"
	StateReadyForFunding     State = "ready_for_funding"
	StateFundingEscrow       State = "funding_escrow"
	StateFundingFailed       State = "funding_escrow.failed"
	StateBidding             State = "bidding"
	StateNoValidBids         State = "bidding.no_valid_bids"
	StateActiveResearch      State = "active_research"
	StateMilestoneReview     State = "milestone_review"
	StateDisputeResolution   State = "dispute_resolution"
	StateExternalArbitration State = "external_arbitration"
	StateCompletedPayout     State = "completed_payout"
	StateRefunding           State = "refunding"
	StateCompleted           State = "completed"
	StateCancelled           State = "cancelled"
	StatePartialSettlement   State = "partial_settlement"
)

// Terminal reports whether no further event can leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StatePartialSettlement:
		return true
	default:
		return false
	}
}

// Transient reports whether the state is resolved within a single event and
// is never observed at rest.
func (s State) Transient() bool {
	return s == StateProtocolReview || s == StateRefunding
}

// MilestoneStatus tracks a milestone through review.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneSubmitted  MilestoneStatus = "submitted"
	MilestoneVerified   MilestoneStatus = "verified"
)

// Milestone is an independently payable research deliverable.
type Milestone struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	Deliverables     []string        `json:"deliverables,omitempty"`
	PayoutPercentage int             `json:"payoutPercentage"`
	DueDate          *time.Time      `json:"dueDate,omitempty"`
	Status           MilestoneStatus `json:"status"`
	EvidenceHash     string          `json:"evidenceHash,omitempty"`
	EvidenceLinks    []string        `json:"evidenceLinks,omitempty"`
}

func (m Milestone) clone() Milestone {
	out := m
	out.Deliverables = cloneStrings(m.Deliverables)
	out.EvidenceLinks = cloneStrings(m.EvidenceLinks)
	if m.DueDate != nil {
		due := *m.DueDate
		out.DueDate = &due
	}
	return out
}

// Proposal is a lab's bid. It is never modified after submission.
type Proposal struct {
	ID               string    `json:"id"`
	LabID            string    `json:"labId"`
	LabName          string    `json:"labName"`
	VerificationTier string    `json:"verificationTier,omitempty"`
	Methodology      string    `json:"methodology"`
	Timeline         string    `json:"timeline,omitempty"`
	BidAmount        int64     `json:"bidAmount"`
	StakedAmount     int64     `json:"stakedAmount"`
	SubmittedAt      time.Time `json:"submittedAt"`
	Attachments      []string  `json:"attachments,omitempty"`
}

func (p Proposal) clone() Proposal {
	out := p
	out.Attachments = cloneStrings(p.Attachments)
	return out
}

// Protocol is the research plan validated before funding.
type Protocol struct {
	Methodology      string   `json:"methodology"`
	DataRequirements []string `json:"dataRequirements"`
	QualityStandards []string `json:"qualityStandards,omitempty"`
}

func (p Protocol) clone() Protocol {
	return Protocol{
		Methodology:      p.Methodology,
		DataRequirements: cloneStrings(p.DataRequirements),
		QualityStandards: cloneStrings(p.QualityStandards),
	}
}

// DisputeReason enumerates why a dispute was opened.
type DisputeReason string

const (
	DisputeMissedDeadline DisputeReason = "missed_deadline"
	DisputeQuality        DisputeReason = "quality_issue"
	DisputeDataIntegrity  DisputeReason = "data_integrity"
	DisputeScopeChange    DisputeReason = "scope_change"
	DisputeNonResponsive  DisputeReason = "non_responsive"
	DisputeOther          DisputeReason = "other"
)

// Valid reports whether the reason is recognised.
func (r DisputeReason) Valid() bool {
	switch r {
	case DisputeMissedDeadline, DisputeQuality, DisputeDataIntegrity, DisputeScopeChange, DisputeNonResponsive, DisputeOther:
		return true
	default:
		return false
	}
}

// Resolution is the outcome of a dispute.
type Resolution string

const (
	ResolutionLabWins       Resolution = "lab_wins"
	ResolutionFunderWins    Resolution = "funder_wins"
	ResolutionPartialRefund Resolution = "partial_refund"
	ResolutionArbitration   Resolution = "arbitration"
)

// Dispute records an open or resolved disagreement.
type Dispute struct {
	Reason        DisputeReason `json:"reason"`
	Description   string        `json:"description"`
	EvidenceLinks []string      `json:"evidenceLinks,omitempty"`
	Resolution    Resolution    `json:"resolution,omitempty"`
	SlashAmount   *int64        `json:"slashAmount,omitempty"`
}

func (d *Dispute) clone() *Dispute {
	if d == nil {
		return nil
	}
	out := *d
	out.EvidenceLinks = cloneStrings(d.EvidenceLinks)
	if d.SlashAmount != nil {
		slash := *d.SlashAmount
		out.SlashAmount = &slash
	}
	return &out
}

// PendingFunding is the provisional custody record issued for a blockchain
// deposit that has not been confirmed yet. Confirmation is checked against it.
type PendingFunding struct {
	PendingID string          `json:"pendingId"`
	Escrow    *escrow.Details `json:"escrow"`
}

func (p *PendingFunding) clone() *PendingFunding {
	if p == nil {
		return nil
	}
	return &PendingFunding{PendingID: p.PendingID, Escrow: p.Escrow.Clone()}
}

// Context is the money-relevant working state of one bounty.
type Context struct {
	ID                    string          `json:"id"`
	FunderID              string          `json:"funderId"`
	TotalBudget           int64           `json:"totalBudget"`
	Currency              string          `json:"currency"`
	PaymentMethod         escrow.Method   `json:"paymentMethod,omitempty"`
	Protocol              Protocol        `json:"protocol"`
	Milestones            []Milestone     `json:"milestones"`
	Proposals             []Proposal      `json:"proposals"`
	SelectedProposalID    string          `json:"selectedProposalId,omitempty"`
	SelectedLabID         string          `json:"selectedLabId,omitempty"`
	PendingFunding        *PendingFunding `json:"pendingFunding,omitempty"`
	Escrow                *escrow.Details `json:"escrow,omitempty"`
	Dispute               *Dispute        `json:"dispute,omitempty"`
	FundedAt              *time.Time      `json:"fundedAt,omitempty"`
	StartedAt             *time.Time      `json:"startedAt,omitempty"`
	CompletedAt           *time.Time      `json:"completedAt,omitempty"`
	CurrentMilestoneIndex int             `json:"currentMilestoneIndex"`
	Error                 string          `json:"error,omitempty"`
	RejectionReason       string          `json:"rejectionReason,omitempty"`
	CancellationReason    string          `json:"cancellationReason,omitempty"`
}

// Bounty is a lifecycle state together with its context.
type Bounty struct {
	State State `json:"state"`
	Context
}

// Clone returns a deep copy of the bounty.
func (b *Bounty) Clone() *Bounty {
	if b == nil {
		return nil
	}
	out := *b
	out.Protocol = b.Protocol.clone()
	if b.Milestones != nil {
		out.Milestones = make([]Milestone, len(b.Milestones))
		for i, m := range b.Milestones {
			out.Milestones[i] = m.clone()
		}
	}
	if b.Proposals != nil {
		out.Proposals = make([]Proposal, len(b.Proposals))
		for i, p := range b.Proposals {
			out.Proposals[i] = p.clone()
		}
	}
	out.PendingFunding = b.PendingFunding.clone()
	out.Escrow = b.Escrow.Clone()
	out.Dispute = b.Dispute.clone()
	out.FundedAt = cloneTime(b.FundedAt)
	out.StartedAt = cloneTime(b.StartedAt)
	out.CompletedAt = cloneTime(b.CompletedAt)
	return &out
}

// CurrentMilestone returns the active milestone, if any.
func (b *Bounty) CurrentMilestone() (*Milestone, bool) {
	if b == nil || b.CurrentMilestoneIndex < 0 || b.CurrentMilestoneIndex >= len(b.Milestones) {
		return nil, false
	}
	return &b.Milestones[b.CurrentMilestoneIndex], true
}

// Milestone returns the milestone with the given id.
func (b *Bounty) Milestone(id string) (*Milestone, bool) {
	if b == nil {
		return nil, false
	}
	for i := range b.Milestones {
		if b.Milestones[i].ID == id {
			return &b.Milestones[i], true
		}
	}
	return nil, false
}

// Proposal returns the proposal with the given id.
func (b *Bounty) Proposal(id string) (*Proposal, bool) {
	if b == nil {
		return nil, false
	}
	for i := range b.Proposals {
		if b.Proposals[i].ID == id {
			return &b.Proposals[i], true
		}
	}
	return nil, false
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

package bounty

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"labescrow/native/escrow"
)

// EventType is the tag carried by every event payload.
type EventType string

const (
	EventSubmitDraft        EventType = "SUBMIT_DRAFT"
	EventInitiateFunding    EventType = "INITIATE_FUNDING"
	EventFundingConfirmed   EventType = "FUNDING_CONFIRMED"
	EventFundingFailed      EventType = "FUNDING_FAILED"
	EventSubmitProposal     EventType = "SUBMIT_PROPOSAL"
	EventSelectLab          EventType = "SELECT_LAB"
	EventRejectAllProposals EventType = "REJECT_ALL_PROPOSALS"
	EventOpenBidding        EventType = "OPEN_BIDDING"
	EventSubmitMilestone    EventType = "SUBMIT_MILESTONE"
	EventApproveMilestone   EventType = "APPROVE_MILESTONE"
	EventRequestRevision    EventType = "REQUEST_REVISION"
	EventInitiateDispute    EventType = "INITIATE_DISPUTE"
	EventResolveDispute     EventType = "RESOLVE_DISPUTE"
	EventReleaseFinalPayout EventType = "RELEASE_FINAL_PAYOUT"
	EventCancelBounty       EventType = "CANCEL_BOUNTY"
)

// ErrUnknownEvent is returned when decoding a payload with an unrecognised tag.
var ErrUnknownEvent = errors.New("bounty: unknown event type")

// Event is a tagged payload fed to the machine.
type Event interface {
	Type() EventType
}

// SubmitDraft proposes the protocol and milestone plan.
type SubmitDraft struct {
	Protocol    Protocol    `json:"protocol"`
	Milestones  []Milestone `json:"milestones"`
	TotalBudget int64       `json:"totalBudget,omitempty"`
	Currency    string      `json:"currency,omitempty"`
}

// InitiateFunding records the rail chosen for funding.
type InitiateFunding struct {
	PaymentMethod escrow.Method `json:"paymentMethod"`
}

// FundingConfirmed carries the confirmed escrow record.
type FundingConfirmed struct {
	Escrow *escrow.Details `json:"escrow"`
}

// FundingFailed carries the rail failure message.
type FundingFailed struct {
	Error string `json:"error"`
}

// SubmitProposal adds a lab's bid.
type SubmitProposal struct {
	Proposal Proposal `json:"proposal"`
}

// SelectLab awards the bounty to a proposal.
type SelectLab struct {
	ProposalID string `json:"proposalId"`
}

// RejectAllProposals closes the current round of bidding.
type RejectAllProposals struct {
	Reason string `json:"reason"`
}

// OpenBidding reopens bidding after all proposals were rejected.
type OpenBidding struct{}

// SubmitMilestone attaches evidence to a milestone.
type SubmitMilestone struct {
	MilestoneID   string   `json:"milestoneId"`
	EvidenceHash  string   `json:"evidenceHash"`
	EvidenceLinks []string `json:"evidenceLinks,omitempty"`
}

// ApproveMilestone verifies the milestone under review. An empty id means the
// current milestone.
type ApproveMilestone struct {
	MilestoneID string `json:"milestoneId,omitempty"`
}

// RequestRevision sends the milestone back to the lab.
type RequestRevision struct {
	MilestoneID string `json:"milestoneId,omitempty"`
	Feedback    string `json:"feedback,omitempty"`
}

// InitiateDispute opens a dispute.
type InitiateDispute struct {
	Reason        DisputeReason `json:"reason"`
	Description   string        `json:"description"`
	EvidenceLinks []string      `json:"evidenceLinks,omitempty"`
}

// ResolveDispute settles an open dispute.
type ResolveDispute struct {
	Resolution  Resolution `json:"resolution"`
	SlashAmount *int64     `json:"slashAmount,omitempty"`
}

// ReleaseFinalPayout completes the bounty.
type ReleaseFinalPayout struct{}

// CancelBounty abandons the bounty and refunds any escrow.
type CancelBounty struct {
	Reason string `json:"reason,omitempty"`
}

func (SubmitDraft) Type() EventType        { return EventSubmitDraft }
func (InitiateFunding) Type() EventType    { return EventInitiateFunding }
func (FundingConfirmed) Type() EventType   { return EventFundingConfirmed }
func (FundingFailed) Type() EventType      { return EventFundingFailed }
func (SubmitProposal) Type() EventType     { return EventSubmitProposal }
func (SelectLab) Type() EventType          { return EventSelectLab }
func (RejectAllProposals) Type() EventType { return EventRejectAllProposals }
func (OpenBidding) Type() EventType        { return EventOpenBidding }
func (SubmitMilestone) Type() EventType    { return EventSubmitMilestone }
func (ApproveMilestone) Type() EventType   { return EventApproveMilestone }
func (RequestRevision) Type() EventType    { return EventRequestRevision }
func (InitiateDispute) Type() EventType    { return EventInitiateDispute }
func (ResolveDispute) Type() EventType     { return EventResolveDispute }
func (ReleaseFinalPayout) Type() EventType { return EventReleaseFinalPayout }
func (CancelBounty) Type() EventType       { return EventCancelBounty }

func newEvent(t EventType) (Event, bool) {
	switch t {
	case EventSubmitDraft:
		return &SubmitDraft{}, true
	case EventInitiateFunding:
		return &InitiateFunding{}, true
	case EventFundingConfirmed:
		return &FundingConfirmed{}, true
	case EventFundingFailed:
		return &FundingFailed{}, true
	case EventSubmitProposal:
		return &SubmitProposal{}, true
	case EventSelectLab:
		return &SelectLab{}, true
	case EventRejectAllProposals:
		return &RejectAllProposals{}, true
	case EventOpenBidding:
		return &OpenBidding{}, true
	case EventSubmitMilestone:
		return &SubmitMilestone{}, true
	case EventApproveMilestone:
		return &ApproveMilestone{}, true
	case EventRequestRevision:
		return &RequestRevision{}, true
	case EventInitiateDispute:
		return &InitiateDispute{}, true
	case EventResolveDispute:
		return &ResolveDispute{}, true
	case EventReleaseFinalPayout:
		return &ReleaseFinalPayout{}, true
	case EventCancelBounty:
		return &CancelBounty{}, true
	default:
		return nil, false
	}
}

// DecodeEvent parses a tagged JSON payload of the form
// {"type":"SELECT_LAB","proposalId":"p-1"}.
func DecodeEvent(raw []byte) (Event, error) {
	var envelope struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("bounty: decode event: %w", err)
	}
	tag := EventType(strings.ToUpper(strings.TrimSpace(string(envelope.Type))))
	evt, ok := newEvent(tag)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Type)
	}
	if err := json.Unmarshal(raw, evt); err != nil {
		return nil, fmt.Errorf("bounty: decode %s: %w", tag, err)
	}
	return deref(evt), nil
}

// EncodeEvent renders an event in the tagged form accepted by DecodeEvent.
func EncodeEvent(evt Event) ([]byte, error) {
	if evt == nil {
		return nil, errors.New("bounty: nil event")
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(evt.Type())
	fields["type"] = tag
	return json.Marshal(fields)
}

// deref turns decoded pointers back into the value types the machine matches
// on. A nil pointer yields a nil event.
func deref(evt Event) Event {
	switch e := evt.(type) {
	case *SubmitDraft:
		return value(e)
	case *InitiateFunding:
		return value(e)
	case *FundingConfirmed:
		return value(e)
	case *FundingFailed:
		return value(e)
	case *SubmitProposal:
		return value(e)
	case *SelectLab:
		return value(e)
	case *RejectAllProposals:
		return value(e)
	case *OpenBidding:
		return value(e)
	case *SubmitMilestone:
		return value(e)
	case *ApproveMilestone:
		return value(e)
	case *RequestRevision:
		return value(e)
	case *InitiateDispute:
		return value(e)
	case *ResolveDispute:
		return value(e)
	case *ReleaseFinalPayout:
		return value(e)
	case *CancelBounty:
		return value(e)
	default:
		return evt
	}
}

func value[T Event](p *T) Event {
	if p == nil {
		return nil
	}
	return *p
}

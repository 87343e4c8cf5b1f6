package bounty

import (
	"reflect"
	"testing"
	"time"

	"labescrow/core/events"
	"labescrow/native/escrow"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestMachine(opts ...Option) *Machine {
	return NewMachine(append([]Option{WithClock(func() time.Time { return testNow })}, opts...)...)
}

func validDraft() SubmitDraft {
	return SubmitDraft{
		Protocol: Protocol{
			Methodology:      "Test methodology",
			DataRequirements: []string{"requirement-1"},
		},
		Milestones: []Milestone{
			{ID: "m1", Title: "Pilot", PayoutPercentage: 40},
			{ID: "m2", Title: "Full study", PayoutPercentage: 60},
		},
		TotalBudget: 10_000_00,
		Currency:    "usd",
	}
}

func testEscrow() *escrow.Details {
	return &escrow.Details{Method: escrow.MethodCard, TotalAmount: 10_000_00, Currency: "USD", AuthorizationID: "pi_1", LockedAt: testNow}
}

func mustSend(t *testing.T, m *Machine, b *Bounty, evt Event, want State) {
	t.Helper()
	res := m.Send(b, evt)
	if b.State != want {
		t.Fatalf("%s: expected %s, got %s (accepted=%v)", evt.Type(), want, b.State, res.Accepted)
	}
}

// toResearch drives a bounty from drafting to active_research.
func toResearch(t *testing.T, m *Machine) *Bounty {
	t.Helper()
	b := m.Initial("b-1", "funder-1")
	mustSend(t, m, b, validDraft(), StateReadyForFunding)
	mustSend(t, m, b, InitiateFunding{PaymentMethod: escrow.MethodCard}, StateFundingEscrow)
	mustSend(t, m, b, FundingConfirmed{Escrow: testEscrow()}, StateBidding)
	mustSend(t, m, b, SubmitProposal{Proposal: Proposal{ID: "p1", LabID: "lab-1", LabName: "Lab One"}}, StateBidding)
	mustSend(t, m, b, SelectLab{ProposalID: "p1"}, StateActiveResearch)
	return b
}

func TestInitialState(t *testing.T) {
	b := newTestMachine().Initial("b-1", "funder-1")
	if b.State != StateDrafting || b.ID != "b-1" || b.FunderID != "funder-1" {
		t.Fatalf("unexpected initial bounty %+v", b)
	}
	if b.TotalBudget != 0 || len(b.Milestones) != 0 || len(b.Proposals) != 0 || b.Escrow != nil {
		t.Fatalf("initial context must be empty")
	}
}

func TestSubmitDraftValid(t *testing.T) {
	m := newTestMachine()
	b := m.Initial("b-1", "funder-1")
	res := m.Send(b, validDraft())
	if !res.Accepted || b.State != StateReadyForFunding {
		t.Fatalf("expected ready_for_funding, got %s", b.State)
	}
	if res.Record == nil || res.Record.Via != StateProtocolReview {
		t.Fatalf("expected pass-through protocol review, got %+v", res.Record)
	}
	if len(b.Milestones) != 2 || b.Milestones[0].Status != MilestonePending || b.Currency != "USD" {
		t.Fatalf("draft not stored: %+v", b.Context)
	}
}

func TestSubmitDraftInvalidStaysInDrafting(t *testing.T) {
	cases := map[string]func(*SubmitDraft){
		"empty methodology":       func(d *SubmitDraft) { d.Protocol.Methodology = "  " },
		"empty data requirements": func(d *SubmitDraft) { d.Protocol.DataRequirements = nil },
		"no milestones":           func(d *SubmitDraft) { d.Milestones = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := newTestMachine()
			b := m.Initial("b-1", "funder-1")
			before := b.Clone()
			draft := validDraft()
			mutate(&draft)
			res := m.Send(b, draft)
			if res.Accepted || b.State != StateDrafting {
				t.Fatalf("expected drafting, got %s", b.State)
			}
			if !reflect.DeepEqual(before, b) {
				t.Fatalf("guard failure must not write partial state")
			}
		})
	}
}

func TestQualityStandardsRuleIsConfigurable(t *testing.T) {
	draft := validDraft()
	lenient := newTestMachine()
	b := lenient.Initial("b-1", "f")
	mustSend(t, lenient, b, draft, StateReadyForFunding)

	strict := newTestMachine(WithRules(ValidationRules{RequireQualityStandards: true}))
	b = strict.Initial("b-1", "f")
	mustSend(t, strict, b, draft, StateDrafting)
	draft.Protocol.QualityStandards = []string{"blinded analysis"}
	mustSend(t, strict, b, draft, StateReadyForFunding)
}

func TestFundingFailureAndRetry(t *testing.T) {
	m := newTestMachine()
	b := m.Initial("b-1", "funder-1")
	mustSend(t, m, b, validDraft(), StateReadyForFunding)
	mustSend(t, m, b, InitiateFunding{PaymentMethod: escrow.MethodProgramEscrow}, StateFundingEscrow)
	if b.PaymentMethod != escrow.MethodProgramEscrow {
		t.Fatalf("payment method not stored")
	}
	mustSend(t, m, b, FundingFailed{Error: "card declined"}, StateFundingFailed)
	if b.PaymentMethod != "" || b.Error != "card declined" {
		t.Fatalf("expected cleared method and stored error, got %q / %q", b.PaymentMethod, b.Error)
	}
	mustSend(t, m, b, InitiateFunding{PaymentMethod: escrow.MethodCard}, StateFundingEscrow)
	if b.Error != "" || b.PaymentMethod != escrow.MethodCard {
		t.Fatalf("retry must clear error and store method")
	}
	mustSend(t, m, b, FundingConfirmed{Escrow: testEscrow()}, StateBidding)
	if b.FundedAt == nil || !b.FundedAt.Equal(testNow) || b.Escrow.Method != escrow.MethodCard {
		t.Fatalf("funding facts not stored: %+v", b.Context)
	}
}

func TestFundingConfirmedRequiresEscrow(t *testing.T) {
	m := newTestMachine()
	b := m.Initial("b-1", "funder-1")
	mustSend(t, m, b, validDraft(), StateReadyForFunding)
	mustSend(t, m, b, InitiateFunding{PaymentMethod: escrow.MethodCard}, StateFundingEscrow)
	mustSend(t, m, b, FundingConfirmed{}, StateFundingEscrow)
}

func TestSelectLab(t *testing.T) {
	m := newTestMachine()
	b := m.Initial("b-1", "funder-1")
	mustSend(t, m, b, validDraft(), StateReadyForFunding)
	mustSend(t, m, b, InitiateFunding{PaymentMethod: escrow.MethodCard}, StateFundingEscrow)
	mustSend(t, m, b, FundingConfirmed{Escrow: testEscrow()}, StateBidding)
	mustSend(t, m, b, SubmitProposal{Proposal: Proposal{ID: "p1", LabID: "lab-1"}}, StateBidding)
	mustSend(t, m, b, SubmitProposal{Proposal: Proposal{ID: "p2", LabID: "lab-2"}}, StateBidding)
	if res := m.Send(b, SubmitProposal{Proposal: Proposal{ID: "p1", LabID: "lab-x"}}); res.Accepted {
		t.Fatalf("duplicate proposal id accepted")
	}
	if len(b.Proposals) != 2 || b.Proposals[0].ID != "p1" || b.Proposals[1].ID != "p2" {
		t.Fatalf("proposals out of order: %+v", b.Proposals)
	}

	res := m.Send(b, SelectLab{ProposalID: "missing"})
	if res.Accepted || b.State != StateBidding || b.SelectedLabID != "" {
		t.Fatalf("unknown proposal must be a no-op")
	}
	mustSend(t, m, b, SelectLab{ProposalID: "p2"}, StateActiveResearch)
	if b.SelectedLabID != "lab-2" || b.SelectedProposalID != "p2" {
		t.Fatalf("unexpected selection %s/%s", b.SelectedProposalID, b.SelectedLabID)
	}
	if b.StartedAt == nil || b.Milestones[0].Status != MilestoneInProgress {
		t.Fatalf("research entry not applied")
	}
}

func TestRejectAllAndReopen(t *testing.T) {
	m := newTestMachine()
	b := m.Initial("b-1", "funder-1")
	mustSend(t, m, b, validDraft(), StateReadyForFunding)
	mustSend(t, m, b, InitiateFunding{PaymentMethod: escrow.MethodCard}, StateFundingEscrow)
	mustSend(t, m, b, FundingConfirmed{Escrow: testEscrow()}, StateBidding)
	mustSend(t, m, b, RejectAllProposals{Reason: "underqualified"}, StateNoValidBids)
	if b.RejectionReason != "underqualified" {
		t.Fatalf("reason not stored")
	}
	mustSend(t, m, b, SubmitProposal{Proposal: Proposal{ID: "p1"}}, StateNoValidBids)
	mustSend(t, m, b, OpenBidding{}, StateBidding)
}

func TestMilestoneLifecycle(t *testing.T) {
	m := newTestMachine()
	b := toResearch(t, m)
	lastIndex := b.CurrentMilestoneIndex

	mustSend(t, m, b, SubmitMilestone{MilestoneID: "m1", EvidenceHash: "hash-1", EvidenceLinks: []string{"ipfs://a"}}, StateMilestoneReview)
	if b.Milestones[0].Status != MilestoneSubmitted || b.Milestones[0].EvidenceHash != "hash-1" {
		t.Fatalf("submission not recorded")
	}
	mustSend(t, m, b, RequestRevision{MilestoneID: "m1", Feedback: "more samples"}, StateActiveResearch)
	if b.Milestones[0].Status != MilestoneInProgress || b.Milestones[0].EvidenceHash != "" {
		t.Fatalf("revision must reset evidence")
	}

	for i, id := range []string{"m1", "m2"} {
		mustSend(t, m, b, SubmitMilestone{MilestoneID: id, EvidenceHash: "hash-" + id}, StateMilestoneReview)
		want := StateActiveResearch
		if i == len(b.Milestones)-1 {
			want = StateCompletedPayout
		}
		mustSend(t, m, b, ApproveMilestone{MilestoneID: id}, want)
		if b.CurrentMilestoneIndex < lastIndex || b.CurrentMilestoneIndex > len(b.Milestones) {
			t.Fatalf("index out of bounds: %d", b.CurrentMilestoneIndex)
		}
		lastIndex = b.CurrentMilestoneIndex
		if b.Milestones[i].Status != MilestoneVerified {
			t.Fatalf("milestone %s not verified", id)
		}
		if want == StateActiveResearch && b.Milestones[i+1].Status != MilestoneInProgress {
			t.Fatalf("next milestone not in progress after re-entry")
		}
	}

	mustSend(t, m, b, ReleaseFinalPayout{}, StateCompleted)
	if b.CompletedAt == nil || !b.CompletedAt.Equal(testNow) {
		t.Fatalf("completedAt not set")
	}
	if res := m.Send(b, CancelBounty{}); res.Accepted || b.State != StateCompleted {
		t.Fatalf("completed must be terminal")
	}
}

func TestApproveRejectsStaleMilestone(t *testing.T) {
	m := newTestMachine()
	b := toResearch(t, m)
	mustSend(t, m, b, SubmitMilestone{MilestoneID: "m1", EvidenceHash: "h"}, StateMilestoneReview)
	mustSend(t, m, b, ApproveMilestone{MilestoneID: "m2"}, StateMilestoneReview)
	if b.CurrentMilestoneIndex != 0 {
		t.Fatalf("index advanced on mismatched approval")
	}
}

func TestResolveDisputeMapping(t *testing.T) {
	cases := []struct {
		resolution Resolution
		want       State
	}{
		{ResolutionLabWins, StateCompletedPayout},
		{ResolutionFunderWins, StateCancelled},
		{ResolutionPartialRefund, StatePartialSettlement},
		{ResolutionArbitration, StateExternalArbitration},
	}
	for _, tc := range cases {
		t.Run(string(tc.resolution), func(t *testing.T) {
			m := newTestMachine()
			b := toResearch(t, m)
			mustSend(t, m, b, InitiateDispute{Reason: DisputeQuality, Description: "bad data"}, StateDisputeResolution)
			slash := int64(500)
			mustSend(t, m, b, ResolveDispute{Resolution: tc.resolution, SlashAmount: &slash}, tc.want)
			if b.Dispute.Resolution != tc.resolution {
				t.Fatalf("resolution not stored")
			}
			if (tc.resolution == ResolutionFunderWins) != (b.Dispute.SlashAmount != nil) {
				t.Fatalf("slash amount only kept for funder_wins")
			}
		})
	}
}

func TestArbitrationOutcomes(t *testing.T) {
	for resolution, want := range map[Resolution]State{
		ResolutionLabWins:    StateCompletedPayout,
		ResolutionFunderWins: StateCancelled,
	} {
		m := newTestMachine()
		b := toResearch(t, m)
		mustSend(t, m, b, SubmitMilestone{MilestoneID: "m1"}, StateMilestoneReview)
		mustSend(t, m, b, InitiateDispute{Reason: DisputeMissedDeadline}, StateDisputeResolution)
		mustSend(t, m, b, ResolveDispute{Resolution: ResolutionArbitration}, StateExternalArbitration)
		mustSend(t, m, b, ResolveDispute{Resolution: ResolutionPartialRefund}, StateExternalArbitration)
		mustSend(t, m, b, ResolveDispute{Resolution: resolution}, want)
	}
}

func TestPartialSettlementIsTerminal(t *testing.T) {
	m := newTestMachine()
	b := toResearch(t, m)
	mustSend(t, m, b, InitiateDispute{Reason: DisputeOther}, StateDisputeResolution)
	mustSend(t, m, b, ResolveDispute{Resolution: ResolutionPartialRefund}, StatePartialSettlement)
	for _, evt := range []Event{CancelBounty{}, ReleaseFinalPayout{}, ResolveDispute{Resolution: ResolutionLabWins}} {
		if res := m.Send(b, evt); res.Accepted {
			t.Fatalf("%s accepted in terminal state", evt.Type())
		}
	}
}

func TestCancelPassesThroughRefunding(t *testing.T) {
	m := newTestMachine()
	for _, setup := range []func(b *Bounty){
		func(b *Bounty) {},
		func(b *Bounty) { m.Send(b, validDraft()) },
		func(b *Bounty) {
			m.Send(b, validDraft())
			m.Send(b, InitiateFunding{PaymentMethod: escrow.MethodCard})
			m.Send(b, FundingConfirmed{Escrow: testEscrow()})
		},
	} {
		b := m.Initial("b-1", "funder-1")
		setup(b)
		from := b.State
		res := m.Send(b, CancelBounty{Reason: "budget cut"})
		if b.State != StateCancelled || res.Record.Via != StateRefunding {
			t.Fatalf("cancel from %s: got %s via %s", from, b.State, res.Record.Via)
		}
		if b.CancellationReason != "budget cut" {
			t.Fatalf("reason not stored")
		}
	}
}

func TestCancelNotAllowedWhileFundingPending(t *testing.T) {
	m := newTestMachine()
	b := m.Initial("b-1", "funder-1")
	mustSend(t, m, b, validDraft(), StateReadyForFunding)
	mustSend(t, m, b, InitiateFunding{PaymentMethod: escrow.MethodCard}, StateFundingEscrow)
	mustSend(t, m, b, CancelBounty{}, StateFundingEscrow)
}

func TestTimestampsSetOnce(t *testing.T) {
	now := testNow
	m := NewMachine(WithClock(func() time.Time { return now }))
	b := toResearch(t, m)
	started := *b.StartedAt
	funded := *b.FundedAt
	now = now.Add(time.Hour)
	mustSend(t, m, b, SubmitMilestone{MilestoneID: "m1"}, StateMilestoneReview)
	mustSend(t, m, b, ApproveMilestone{}, StateActiveResearch)
	if !b.StartedAt.Equal(started) || !b.FundedAt.Equal(funded) {
		t.Fatalf("timestamps rewritten")
	}
}

func TestTransitionsAreEmitted(t *testing.T) {
	rec := &events.Recorder{}
	m := newTestMachine(WithEmitter(rec))
	b := m.Initial("b-1", "funder-1")
	m.Send(b, validDraft())
	m.Send(b, ReleaseFinalPayout{})
	got := rec.Events()
	if len(got) != 1 {
		t.Fatalf("expected one emitted event, got %d", len(got))
	}
	payload := got[0].(events.Payload)
	if payload.EventType() != EventTypeTransition || payload.Evt.Attr("to") != string(StateReadyForFunding) || payload.Evt.Attr("via") != string(StateProtocolReview) {
		t.Fatalf("unexpected payload %+v", payload.Evt)
	}
}

type countingObserver struct {
	accepted, rejected int
}

func (c *countingObserver) ObserveTransition(_ EventType, _, _ State, accepted bool) {
	if accepted {
		c.accepted++
	} else {
		c.rejected++
	}
}

func TestObserverSeesRejections(t *testing.T) {
	obs := &countingObserver{}
	m := newTestMachine(WithObserver(obs))
	b := m.Initial("b-1", "funder-1")
	m.Send(b, SelectLab{ProposalID: "p"})
	m.Send(b, SubmitDraft{})
	m.Send(b, validDraft())
	if obs.accepted != 1 || obs.rejected != 2 {
		t.Fatalf("unexpected counts %+v", obs)
	}
}

func TestPointerEventsAccepted(t *testing.T) {
	m := newTestMachine()
	b := m.Initial("b-1", "funder-1")
	draft := validDraft()
	mustSend(t, m, b, &draft, StateReadyForFunding)
}

func TestCloneIsDeep(t *testing.T) {
	m := newTestMachine()
	b := toResearch(t, m)
	clone := b.Clone()
	clone.Milestones[0].Status = MilestoneVerified
	clone.Proposals[0].LabID = "other"
	clone.Escrow.Method = escrow.MethodContractEscrow
	if b.Milestones[0].Status == MilestoneVerified || b.Proposals[0].LabID == "other" || b.Escrow.Method != escrow.MethodCard {
		t.Fatalf("clone shares state with original")
	}
}

func TestNilPointerEventIsIgnored(t *testing.T) {
	obs := &countingObserver{}
	m := newTestMachine(WithObserver(obs))
	b := m.Initial("b-1", "funder-1")
	before := b.Clone()
	res := m.Send(b, (*SubmitDraft)(nil))
	if res.Accepted || res.Record != nil || b.State != StateDrafting {
		t.Fatalf("nil pointer event must be ignored, got %+v", res)
	}
	if !reflect.DeepEqual(before, b) {
		t.Fatalf("nil pointer event changed the bounty")
	}
	if obs.accepted != 0 {
		t.Fatalf("nil pointer event counted as accepted")
	}
}

func TestFailedFundingOnlyAcceptsRetry(t *testing.T) {
	m := newTestMachine()
	b := m.Initial("b-1", "funder-1")
	mustSend(t, m, b, validDraft(), StateReadyForFunding)
	mustSend(t, m, b, InitiateFunding{PaymentMethod: escrow.MethodContractEscrow}, StateFundingEscrow)
	b.PendingFunding = &PendingFunding{PendingID: "0xescrow", Escrow: &escrow.Details{Method: escrow.MethodContractEscrow, ContractAddress: "0xescrow"}}
	mustSend(t, m, b, FundingFailed{Error: "reverted"}, StateFundingFailed)
	if b.PendingFunding != nil {
		t.Fatalf("failed funding must drop the pending deposit")
	}

	if res := m.Send(b, FundingConfirmed{Escrow: testEscrow()}); res.Accepted || b.Escrow != nil {
		t.Fatalf("confirmation accepted after failure")
	}
	if res := m.Send(b, CancelBounty{Reason: "gave up"}); res.Accepted || b.State != StateFundingFailed {
		t.Fatalf("failed funding must not be cancellable")
	}
	if Allowed(StateFundingFailed, EventCancelBounty) || !Allowed(StateNoValidBids, EventCancelBounty) {
		t.Fatalf("cancel inheritance differs between sub-states")
	}
	mustSend(t, m, b, InitiateFunding{PaymentMethod: escrow.MethodCard}, StateFundingEscrow)
}

func TestNoValidBidsCanBeCancelled(t *testing.T) {
	m := newTestMachine()
	b := m.Initial("b-1", "funder-1")
	mustSend(t, m, b, validDraft(), StateReadyForFunding)
	mustSend(t, m, b, InitiateFunding{PaymentMethod: escrow.MethodCard}, StateFundingEscrow)
	mustSend(t, m, b, FundingConfirmed{Escrow: testEscrow()}, StateBidding)
	mustSend(t, m, b, RejectAllProposals{Reason: "none qualified"}, StateNoValidBids)
	mustSend(t, m, b, SelectLab{ProposalID: "p1"}, StateNoValidBids)
	mustSend(t, m, b, CancelBounty{Reason: "no labs"}, StateCancelled)
}

func TestSubmitUnknownMilestoneStillEntersReview(t *testing.T) {
	m := newTestMachine()
	b := toResearch(t, m)
	mustSend(t, m, b, SubmitMilestone{MilestoneID: "m9", EvidenceHash: "hash"}, StateMilestoneReview)
	for _, ms := range b.Milestones {
		if ms.Status == MilestoneSubmitted || ms.EvidenceHash != "" {
			t.Fatalf("unknown milestone id marked %s as submitted", ms.ID)
		}
	}
}

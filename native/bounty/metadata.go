package bounty

// StateInfo is the display metadata for a resting state.
type StateInfo struct {
	State          State       `json:"state"`
	Label          string      `json:"label"`
	Description    string      `json:"description"`
	AllowedActions []EventType `json:"allowedActions"`
	Terminal       bool        `json:"terminal"`
}

var eventOrder = []EventType{
	EventSubmitDraft,
	EventInitiateFunding,
	EventFundingConfirmed,
	EventFundingFailed,
	EventSubmitProposal,
	EventSelectLab,
	EventRejectAllProposals,
	EventOpenBidding,
	EventSubmitMilestone,
	EventApproveMilestone,
	EventRequestRevision,
	EventInitiateDispute,
	EventResolveDispute,
	EventReleaseFinalPayout,
	EventCancelBounty,
}

var stateLabels = []struct {
	state       State
	label       string
	description string
}{
	{StateDrafting, "Draft", "Funder is preparing the research protocol and milestones."},
	{StateReadyForFunding, "Ready for Funding", "Protocol accepted; choose a payment method to fund the escrow."},
	{StateFundingEscrow, "Funding Escrow", "Waiting for the payment rail to confirm custody of funds."},
	{StateFundingFailed, "Funding Failed", "The last funding attempt failed; retry with the same or another method."},
	{StateBidding, "Open for Bids", "Escrow is funded and labs may submit proposals."},
	{StateNoValidBids, "No Valid Bids", "All proposals were rejected; reopen bidding or cancel."},
	{StateActiveResearch, "Research in Progress", "The selected lab is working on the current milestone."},
	{StateMilestoneReview, "Milestone Review", "Evidence for the current milestone awaits funder review."},
	{StateDisputeResolution, "Dispute", "A dispute is open and awaiting resolution."},
	{StateExternalArbitration, "External Arbitration", "The dispute has been referred to an external arbitrator."},
	{StateCompletedPayout, "Final Payout", "All milestones are verified; the final payout can be released."},
	{StateCompleted, "Completed", "Research delivered and funds released."},
	{StateCancelled, "Cancelled", "The bounty was cancelled and escrowed funds refunded."},
	{StatePartialSettlement, "Partial Settlement", "The dispute was settled with a partial refund."},
}

var stateInfo = buildStateInfo()

func buildStateInfo() map[State]StateInfo {
	out := make(map[State]StateInfo, len(stateLabels))
	for _, entry := range stateLabels {
		actions := []EventType{}
		for _, evt := range eventOrder {
			if _, ok := transitions[entry.state][evt]; ok {
				actions = append(actions, evt)
			}
		}
		out[entry.state] = StateInfo{
			State:          entry.state,
			Label:          entry.label,
			Description:    entry.description,
			AllowedActions: actions,
			Terminal:       entry.state.Terminal(),
		}
	}
	return out
}

// Describe returns display metadata for a resting state. Transient states
// have no entry.
func Describe(s State) (StateInfo, bool) {
	info, ok := stateInfo[s]
	if !ok {
		return StateInfo{}, false
	}
	info.AllowedActions = append([]EventType(nil), info.AllowedActions...)
	if info.AllowedActions == nil {
		info.AllowedActions = []EventType{}
	}
	return info, true
}

// States lists every resting state in lifecycle order.
func States() []StateInfo {
	out := make([]StateInfo, 0, len(stateLabels))
	for _, entry := range stateLabels {
		info, _ := Describe(entry.state)
		out = append(out, info)
	}
	return out
}

// Allowed reports whether evt is accepted in s, before guards.
func Allowed(s State, evt EventType) bool {
	_, ok := transitions[s][evt]
	return ok
}

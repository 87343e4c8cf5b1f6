package bounty

import (
	"encoding/json"
	"errors"
	"testing"

	"labescrow/native/escrow"
)

func TestDecodeEvent(t *testing.T) {
	evt, err := DecodeEvent([]byte(`{"type":"select_lab","proposalId":"p-1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	sel, ok := evt.(SelectLab)
	if !ok || sel.ProposalID != "p-1" {
		t.Fatalf("unexpected event %#v", evt)
	}

	evt, err = DecodeEvent([]byte(`{"type":"INITIATE_FUNDING","paymentMethod":"contract_escrow"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.(InitiateFunding).PaymentMethod != escrow.MethodContractEscrow {
		t.Fatalf("payment method not decoded")
	}
}

func TestDecodeEventRejectsUnknownTag(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"type":"LAUNCH_ROCKET"}`)); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if _, err := DecodeEvent([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestEncodeEventCarriesTag(t *testing.T) {
	slash := int64(250)
	raw, err := EncodeEvent(ResolveDispute{Resolution: ResolutionFunderWins, SlashAmount: &slash})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["type"] != string(EventResolveDispute) || fields["resolution"] != "funder_wins" {
		t.Fatalf("unexpected encoding %s", raw)
	}
	back, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := back.(ResolveDispute); got.SlashAmount == nil || *got.SlashAmount != 250 {
		t.Fatalf("slash amount lost: %#v", got)
	}
}

func TestEmptyEventsEncode(t *testing.T) {
	raw, err := EncodeEvent(OpenBidding{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != `{"type":"OPEN_BIDDING"}` {
		t.Fatalf("unexpected encoding %s", raw)
	}
	if _, err := EncodeEvent(nil); err == nil {
		t.Fatalf("expected error for nil event")
	}
}

func TestCheckPayoutSplit(t *testing.T) {
	ok := []Milestone{{ID: "a", PayoutPercentage: 30}, {ID: "b", PayoutPercentage: 70}}
	if err := CheckPayoutSplit(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := map[string][]Milestone{
		"short":     {{ID: "a", PayoutPercentage: 30}},
		"duplicate": {{ID: "a", PayoutPercentage: 50}, {ID: "a", PayoutPercentage: 50}},
		"blank id":  {{PayoutPercentage: 100}},
		"negative":  {{ID: "a", PayoutPercentage: -10}, {ID: "b", PayoutPercentage: 110}},
	}
	for name, ms := range bad {
		if err := CheckPayoutSplit(ms); !errors.Is(err, ErrInvalidProtocol) {
			t.Fatalf("%s: expected ErrInvalidProtocol, got %v", name, err)
		}
	}
}

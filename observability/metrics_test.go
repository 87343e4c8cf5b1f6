package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"labescrow/native/bounty"
	"labescrow/native/escrow"
)

var (
	_ bounty.Observer = (*BountyMetrics)(nil)
	_ escrow.Observer = (*RailMetrics)(nil)
)

func TestBountyMetricsCountsTerminalOnce(t *testing.T) {
	m := Bounty()
	m.ObserveTransition(bounty.EventCancelBounty, bounty.StateBidding, bounty.StateCancelled, true)
	m.ObserveTransition(bounty.EventCancelBounty, bounty.StateCancelled, bounty.StateCancelled, false)

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("CANCEL_BOUNTY", "bidding", "cancelled", "true")); got != 1 {
		t.Fatalf("expected 1 accepted transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("CANCEL_BOUNTY", "cancelled", "cancelled", "false")); got != 1 {
		t.Fatalf("expected 1 rejected transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.terminal.WithLabelValues("cancelled")); got != 1 {
		t.Fatalf("expected 1 terminal bounty, got %v", got)
	}
}

func TestRailMetricsLabels(t *testing.T) {
	m := Rails()
	m.ObserveRail(escrow.MethodCard, "release", "success", 120*time.Millisecond)
	m.ObserveRail(escrow.Method("wire"), "", "", time.Millisecond)
	m.RecordSettlement(escrow.MethodCard, "release", "usd", 3800)
	m.RecordSettlement(escrow.MethodCard, "release", "usd", 0)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("card", "release", "success")); got != 1 {
		t.Fatalf("unexpected card count %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("unknown", "unknown", "unknown")); got != 1 {
		t.Fatalf("unexpected fallback count %v", got)
	}
	if got := testutil.ToFloat64(m.settled.WithLabelValues("card", "release", "USD")); got != 3800 {
		t.Fatalf("unexpected settled amount %v", got)
	}
}

func TestNilRegistriesAreSafe(t *testing.T) {
	var b *BountyMetrics
	var r *RailMetrics
	b.ObserveTransition(bounty.EventOpenBidding, bounty.StateNoValidBids, bounty.StateBidding, true)
	r.ObserveRail(escrow.MethodCard, "fund", "success", time.Second)
	API().Observe("", "", 500, time.Millisecond)
	API().RecordThrottle("", "")
}

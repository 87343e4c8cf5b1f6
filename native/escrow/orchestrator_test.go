package escrow

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestOrchestrator(rails ...Rail) *Orchestrator {
	opts := []Option{WithClock(func() time.Time { return fixedNow })}
	for _, r := range rails {
		opts = append(opts, WithRail(r))
	}
	return NewOrchestrator(opts...)
}

func cardRail(confirmed bool) FuncRail {
	return FuncRail{
		Tag: MethodCard,
		InitiateFunc: func(ctx context.Context, req FundRequest) (*Initiation, error) {
			return &Initiation{PendingID: "pi_123", Locator: "pi_123"}, nil
		},
		ConfirmFunc: func(ctx context.Context, req ConfirmRequest) (*Confirmation, error) {
			if req.PendingID != "pi_123" {
				return nil, errors.New("unexpected pending id")
			}
			return &Confirmation{Confirmed: confirmed, Details: Details{AuthorizationID: req.PendingID}}, nil
		},
	}
}

func TestFundBountyUnknownMethod(t *testing.T) {
	o := newTestOrchestrator()
	_, err := o.FundBounty(context.Background(), FundRequest{BountyID: "b1", PaymentMethod: "wire", Amount: 100, Currency: "usd"})
	var perr *PaymentError
	if !errors.As(err, &perr) {
		t.Fatalf("expected payment error, got %v", err)
	}
	if perr.Code != CodeInvalidPaymentMethod || perr.Recoverable {
		t.Fatalf("unexpected error classification: %+v", perr)
	}
}

func TestFundBountyCardConfirmed(t *testing.T) {
	o := newTestOrchestrator(cardRail(true))
	res, err := o.FundBounty(context.Background(), FundRequest{BountyID: "b1", PaymentMethod: MethodCard, Amount: 500_00, Currency: "usd"})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if res.RequiresClientAction {
		t.Fatalf("card rail must confirm synchronously")
	}
	d := res.Escrow
	if d.Method != MethodCard || d.TotalAmount != 500_00 || d.Currency != "USD" {
		t.Fatalf("unexpected escrow: %+v", d)
	}
	if d.AuthorizationID != "pi_123" || d.Locator() != "pi_123" {
		t.Fatalf("expected authorization locator, got %q", d.Locator())
	}
	if !d.LockedAt.Equal(fixedNow) {
		t.Fatalf("expected lock timestamp %v got %v", fixedNow, d.LockedAt)
	}
}

func TestFundBountyCardNotConfirmedIsRecoverable(t *testing.T) {
	o := newTestOrchestrator(cardRail(false))
	_, err := o.FundBounty(context.Background(), FundRequest{BountyID: "b1", PaymentMethod: MethodCard, Amount: 100, Currency: "usd"})
	var perr *PaymentError
	if !errors.As(err, &perr) {
		t.Fatalf("expected payment error, got %v", err)
	}
	if perr.Code != CodeConfirmationFailed || !perr.Recoverable {
		t.Fatalf("unexpected error classification: %+v", perr)
	}
	if !IsRecoverable(err) {
		t.Fatalf("expected recoverable")
	}
}

func TestFundBountyBlockchainReturnsProvisional(t *testing.T) {
	confirmCalls := 0
	rail := FuncRail{
		Tag: MethodProgramEscrow,
		InitiateFunc: func(ctx context.Context, req FundRequest) (*Initiation, error) {
			return &Initiation{PendingID: "Esc1", Locator: "Esc1"}, nil
		},
		ConfirmFunc: func(ctx context.Context, req ConfirmRequest) (*Confirmation, error) {
			confirmCalls++
			return &Confirmation{Confirmed: true, Details: Details{ProgramAccount: req.PendingID, TotalAmount: 100, Currency: "usdc"}}, nil
		},
	}
	o := newTestOrchestrator(rail)
	res, err := o.FundBounty(context.Background(), FundRequest{BountyID: "b1", PaymentMethod: MethodProgramEscrow, Amount: 100, Currency: "usdc", FunderAddress: "Funder1"})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if !res.RequiresClientAction || res.PendingID != "Esc1" {
		t.Fatalf("expected pending client action, got %+v", res)
	}
	if confirmCalls != 0 {
		t.Fatalf("blockchain rails must not confirm during fund")
	}
	if res.Escrow.ProgramAccount != "Esc1" || res.Escrow.Depositor != "Funder1" {
		t.Fatalf("unexpected provisional escrow: %+v", res.Escrow)
	}

	d, err := o.ConfirmBlockchainPayment(context.Background(), MethodProgramEscrow, "Esc1", "sig")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if d.Method != MethodProgramEscrow || d.Currency != "USDC" || d.TotalAmount != 100 {
		t.Fatalf("unexpected confirmed escrow: %+v", d)
	}
	// repeated confirmation is a pure read
	again, err := o.ConfirmBlockchainPayment(context.Background(), MethodProgramEscrow, "Esc1", "sig")
	if err != nil || again.Method != d.Method {
		t.Fatalf("repeat confirm: %v", err)
	}
}

func TestFundBountyBlockchainRequiresFunderAddress(t *testing.T) {
	o := newTestOrchestrator(FuncRail{Tag: MethodContractEscrow})
	_, err := o.FundBounty(context.Background(), FundRequest{BountyID: "b1", PaymentMethod: MethodContractEscrow, Amount: 100, Currency: "usdc"})
	var perr *PaymentError
	if !errors.As(err, &perr) || perr.Code != CodeInvalidRequest || perr.Recoverable {
		t.Fatalf("expected non-recoverable invalid request, got %v", err)
	}
}

func TestConfirmBlockchainPaymentRejectsCard(t *testing.T) {
	o := newTestOrchestrator(cardRail(true))
	_, err := o.ConfirmBlockchainPayment(context.Background(), MethodCard, "pi_123", "")
	var perr *PaymentError
	if !errors.As(err, &perr) || perr.Code != CodeInvalidPaymentMethod {
		t.Fatalf("expected invalid payment method, got %v", err)
	}
}

func TestConfirmBlockchainPaymentNotYetVisible(t *testing.T) {
	rail := FuncRail{
		Tag: MethodContractEscrow,
		ConfirmFunc: func(ctx context.Context, req ConfirmRequest) (*Confirmation, error) {
			return &Confirmation{Confirmed: false}, nil
		},
	}
	o := newTestOrchestrator(rail)
	_, err := o.ConfirmBlockchainPayment(context.Background(), MethodContractEscrow, "0xabc", "0xdef")
	if !IsRecoverable(err) {
		t.Fatalf("expected recoverable confirmation failure, got %v", err)
	}
}

// programDeposits confirms escrow accounts found in deposits, whatever the
// caller asks about.
func programDeposits(deposits map[string]int64, seen *ConfirmRequest) FuncRail {
	return FuncRail{
		Tag: MethodProgramEscrow,
		ConfirmFunc: func(ctx context.Context, req ConfirmRequest) (*Confirmation, error) {
			*seen = req
			amount, ok := deposits[req.PendingID]
			if !ok {
				return &Confirmation{}, nil
			}
			return &Confirmation{Confirmed: true, Details: Details{
				ProgramAccount: req.PendingID,
				TotalAmount:    amount,
				Currency:       "usdc",
				Depositor:      "Funder1",
			}}, nil
		},
	}
}

func TestConfirmDepositMatchesProvisionalRecord(t *testing.T) {
	var seen ConfirmRequest
	o := newTestOrchestrator(programDeposits(map[string]int64{"EscA": 1000, "EscSmall": 1}, &seen))
	expected := Details{Method: MethodProgramEscrow, TotalAmount: 1000, Currency: "USDC", ProgramAccount: "EscA", Depositor: "Funder1"}

	d, err := o.ConfirmDeposit(context.Background(), expected, "EscA", "sig")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if d.TotalAmount != 1000 || d.DepositKey() != "program_escrow/EscA" {
		t.Fatalf("unexpected escrow %+v", d)
	}
	if seen.Depositor != "Funder1" {
		t.Fatalf("declared depositor not passed to rail: %+v", seen)
	}

	cases := map[string]struct {
		expected  Details
		pendingID string
	}{
		"other bounty's account": {
			expected:  Details{Method: MethodProgramEscrow, TotalAmount: 1000, Currency: "USDC", ProgramAccount: "EscB"},
			pendingID: "EscA",
		},
		"underfunded": {
			expected:  Details{Method: MethodProgramEscrow, TotalAmount: 1000, Currency: "USDC", ProgramAccount: "EscSmall"},
			pendingID: "EscSmall",
		},
		"currency": {
			expected:  Details{Method: MethodProgramEscrow, TotalAmount: 1000, Currency: "USD", ProgramAccount: "EscA"},
			pendingID: "EscA",
		},
		"depositor": {
			expected:  Details{Method: MethodProgramEscrow, TotalAmount: 1000, Currency: "USDC", ProgramAccount: "EscA", Depositor: "Other"},
			pendingID: "EscA",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := o.ConfirmDeposit(context.Background(), tc.expected, tc.pendingID, "sig")
			var perr *PaymentError
			if !errors.As(err, &perr) || perr.Code != CodeConfirmationFailed || perr.Recoverable {
				t.Fatalf("expected non-recoverable confirmation failure, got %v", err)
			}
		})
	}

	if _, err := o.ConfirmDeposit(context.Background(), Details{Method: MethodProgramEscrow, ProgramAccount: "EscNone"}, "EscNone", ""); !IsRecoverable(err) {
		t.Fatalf("missing deposit must stay retryable, got %v", err)
	}
}

func TestVerifyDepositAcceptsOverpaymentAndHexCase(t *testing.T) {
	expected := Details{Method: MethodContractEscrow, TotalAmount: 100, Currency: "USDC", ContractAddress: "0xAbC", Depositor: "0xDEF"}
	got := Details{Method: MethodContractEscrow, TotalAmount: 150, Currency: "usdc", ContractAddress: "0xabc", Depositor: "0xdef"}
	if err := VerifyDeposit(expected, got); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestReleaseMilestonePayment(t *testing.T) {
	var gotRecipient string
	var gotAmount int64
	rail := FuncRail{
		Tag: MethodCard,
		ReleaseFunc: func(ctx context.Context, d Details, recipient string, amount int64) (*Settlement, error) {
			gotRecipient, gotAmount = recipient, amount
			return &Settlement{TxID: "tr_1"}, nil
		},
	}
	o := newTestOrchestrator(rail)
	d := Details{Method: MethodCard, TotalAmount: 1000, Currency: "USD", AuthorizationID: "pi_1"}

	res := o.ReleaseMilestonePayment(context.Background(), d, "acct_1", 400)
	if !res.Success || res.TxID != "tr_1" || res.Error != nil {
		t.Fatalf("unexpected release result: %+v", res)
	}
	if gotRecipient != "acct_1" || gotAmount != 400 {
		t.Fatalf("rail received %s/%d", gotRecipient, gotAmount)
	}

	res = o.ReleaseMilestonePayment(context.Background(), d, " ", 400)
	if res.Success || res.Error == nil || res.Error.Code != CodeMissingRecipient || res.Error.Recoverable {
		t.Fatalf("expected missing recipient, got %+v", res)
	}

	res = o.ReleaseMilestonePayment(context.Background(), d, "acct_1", 2000)
	if res.Success || res.Error.Code != CodeInvalidAmount {
		t.Fatalf("expected invalid amount, got %+v", res)
	}
}

func TestReleasePartialFailureKeepsTxID(t *testing.T) {
	rail := FuncRail{
		Tag: MethodCard,
		ReleaseFunc: func(ctx context.Context, d Details, recipient string, amount int64) (*Settlement, error) {
			return nil, NewError(CodeReleaseFailed, true, "transfer failed").WithTxID("ch_captured")
		},
	}
	o := newTestOrchestrator(rail)
	res := o.ReleaseMilestonePayment(context.Background(), Details{Method: MethodCard, TotalAmount: 10}, "acct", 5)
	if res.Success || res.TxID != "ch_captured" || res.Error.TxID != "ch_captured" {
		t.Fatalf("expected partial tx reference, got %+v", res)
	}
}

func TestRefundEscrowDefaultsToRemaining(t *testing.T) {
	var refunded int64
	rail := FuncRail{
		Tag: MethodContractEscrow,
		RefundFunc: func(ctx context.Context, d Details, amount int64) (*Settlement, error) {
			refunded = amount
			return &Settlement{TxID: "0xrefund"}, nil
		},
	}
	o := newTestOrchestrator(rail)
	released := fixedNow
	d := Details{
		Method:      MethodContractEscrow,
		TotalAmount: 1000,
		ReleaseSchedule: []ScheduledRelease{
			{MilestoneID: "m1", Amount: 300, ReleasedAt: &released},
			{MilestoneID: "m2", Amount: 700},
		},
	}
	res := o.RefundEscrow(context.Background(), d, nil)
	if !res.Success || refunded != 700 {
		t.Fatalf("expected refund of remaining 700, got %d (%+v)", refunded, res)
	}
	partial := int64(50)
	res = o.RefundEscrow(context.Background(), d, &partial)
	if !res.Success || refunded != 50 {
		t.Fatalf("expected explicit refund of 50, got %d", refunded)
	}
}

func TestRefundWrapsForeignErrors(t *testing.T) {
	rail := FuncRail{
		Tag: MethodCard,
		RefundFunc: func(ctx context.Context, d Details, amount int64) (*Settlement, error) {
			return nil, errors.New("connection reset")
		},
	}
	o := newTestOrchestrator(rail)
	res := o.RefundEscrow(context.Background(), Details{Method: MethodCard, TotalAmount: 10}, nil)
	if res.Success || res.Error.Code != CodeRefundFailed || !res.Error.Recoverable {
		t.Fatalf("expected recoverable refund failure, got %+v", res)
	}
}

func TestEscrowMethodStableAcrossClone(t *testing.T) {
	o := newTestOrchestrator(cardRail(true))
	res, err := o.FundBounty(context.Background(), FundRequest{BountyID: "b1", PaymentMethod: MethodCard, Amount: 100, Currency: "usd"})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	clone := res.Escrow.Clone()
	clone.ReleaseSchedule = append(clone.ReleaseSchedule, ScheduledRelease{MilestoneID: "m1", Amount: 100})
	if err := clone.MarkReleased("m1", "tx", fixedNow); err != nil {
		t.Fatalf("mark released: %v", err)
	}
	if clone.Method != MethodCard || res.Escrow.Method != MethodCard {
		t.Fatalf("method changed")
	}
	if len(res.Escrow.ReleaseSchedule) != 0 {
		t.Fatalf("clone shares schedule with original")
	}
}

package escrow

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Observer receives timing and outcome data for every rail call.
type Observer interface {
	ObserveRail(method Method, op, outcome string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveRail(Method, string, string, time.Duration) {}

// FundResult is returned by FundBounty. For blockchain rails Escrow is
// provisional and RequiresClientAction is set: the client must sign and submit
// the deposit before ConfirmBlockchainPayment can succeed.
type FundResult struct {
	Escrow               *Details          `json:"escrow"`
	PendingID            string            `json:"pendingId"`
	RequiresClientAction bool              `json:"requiresClientAction"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// Orchestrator selects the rail for a request and sequences custody calls. It
// holds no persistent state of its own.
type Orchestrator struct {
	rails    map[Method]Rail
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises the orchestrator instance.
type Option func(*Orchestrator)

// WithRail registers a rail under its own method tag.
func WithRail(r Rail) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.rails[r.Method()] = r
		}
	}
}

// WithObserver installs a rail call observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the function used to derive lock timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.now = clock
		}
	}
}

// NewOrchestrator constructs an orchestrator over the supplied rails.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		rails:    make(map[Method]Rail),
		observer: noopObserver{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Methods lists the registered rails.
func (o *Orchestrator) Methods() []Method {
	out := make([]Method, 0, len(o.rails))
	for _, m := range []Method{MethodCard, MethodProgramEscrow, MethodContractEscrow} {
		if _, ok := o.rails[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (o *Orchestrator) rail(method Method) (Rail, *PaymentError) {
	r, ok := o.rails[method]
	if !ok || r == nil {
		return nil, NewError(CodeInvalidPaymentMethod, false, "unsupported payment method %q", method)
	}
	return r, nil
}

func (o *Orchestrator) observe(method Method, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.observer.ObserveRail(method, op, outcome, o.now().Sub(start))
}

// FundBounty requests custody on the rail named by the request. Card
// authorizations are confirmed synchronously; blockchain rails return a
// provisional record and wait for ConfirmBlockchainPayment.
func (o *Orchestrator) FundBounty(ctx context.Context, req FundRequest) (*FundResult, error) {
	r, perr := o.rail(req.PaymentMethod)
	if perr != nil {
		return nil, perr
	}
	if err := req.Validate(); err != nil {
		return nil, WrapError(CodeInvalidRequest, false, err, "invalid funding request")
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))

	start := o.now()
	init, err := r.Initiate(ctx, req)
	o.observe(req.PaymentMethod, "initiate", start, err)
	if err != nil {
		o.logger.Warn("escrow initiate failed", "bounty", req.BountyID, "method", req.PaymentMethod, "error", err)
		return nil, AsPaymentError(err, CodeInitiationFailed)
	}
	if init == nil || strings.TrimSpace(init.PendingID) == "" {
		return nil, NewError(CodeInitiationFailed, true, "%s returned no pending id", req.PaymentMethod)
	}

	if req.PaymentMethod.Blockchain() {
		provisional := &Details{
			Method:      req.PaymentMethod,
			TotalAmount: req.Amount,
			Currency:    req.Currency,
			Depositor:   strings.TrimSpace(req.FunderAddress),
			ExpiresAt:   init.ExpiresAt,
		}
		setLocator(provisional, init.Locator)
		return &FundResult{
			Escrow:               provisional,
			PendingID:            init.PendingID,
			RequiresClientAction: true,
			Metadata:             init.Metadata,
		}, nil
	}

	start = o.now()
	conf, err := r.Confirm(ctx, ConfirmRequest{PendingID: init.PendingID})
	o.observe(req.PaymentMethod, "confirm", start, err)
	if err != nil {
		return nil, WrapError(CodeConfirmationFailed, true, err, "authorization could not be confirmed")
	}
	if conf == nil || !conf.Confirmed {
		return nil, NewError(CodeConfirmationFailed, true, "authorization %s is not awaiting capture", init.PendingID)
	}
	details := o.finalize(req.PaymentMethod, conf.Details, req.Amount, req.Currency)
	if details.Locator() == "" {
		setLocator(details, init.Locator)
	}
	if details.ExpiresAt == nil {
		details.ExpiresAt = init.ExpiresAt
	}
	return &FundResult{Escrow: details, PendingID: init.PendingID, Metadata: init.Metadata}, nil
}

// ConfirmBlockchainPayment verifies a client-submitted deposit by reading
// on-chain state. It is a pure read and may be repeated until it succeeds.
func (o *Orchestrator) ConfirmBlockchainPayment(ctx context.Context, method Method, pendingID, txHash string) (*Details, error) {
	return o.confirmChain(ctx, method, ConfirmRequest{PendingID: pendingID, TxHash: txHash})
}

// ConfirmDeposit confirms the deposit for a provisional record issued by
// FundBounty and rejects deposits that do not match it. Mismatches are
// non-recoverable CONFIRMATION_FAILED errors.
func (o *Orchestrator) ConfirmDeposit(ctx context.Context, expected Details, pendingID, txHash string) (*Details, error) {
	details, err := o.confirmChain(ctx, expected.Method, ConfirmRequest{
		PendingID: pendingID,
		TxHash:    txHash,
		Depositor: strings.TrimSpace(expected.Depositor),
	})
	if err != nil {
		return nil, err
	}
	if err := VerifyDeposit(expected, *details); err != nil {
		o.logger.Warn("escrow deposit rejected", "method", expected.Method, "locator", expected.Locator(), "error", err)
		return nil, err
	}
	return details, nil
}

func (o *Orchestrator) confirmChain(ctx context.Context, method Method, req ConfirmRequest) (*Details, error) {
	if !method.Blockchain() {
		return nil, NewError(CodeInvalidPaymentMethod, false, "%q is not a blockchain rail", method)
	}
	r, perr := o.rail(method)
	if perr != nil {
		return nil, perr
	}
	req.PendingID = strings.TrimSpace(req.PendingID)
	req.TxHash = strings.TrimSpace(req.TxHash)
	if req.PendingID == "" {
		return nil, NewError(CodeInvalidRequest, false, "pending id required")
	}
	start := o.now()
	conf, err := r.Confirm(ctx, req)
	o.observe(method, "confirm", start, err)
	if err != nil {
		return nil, AsPaymentError(err, CodeConfirmationFailed)
	}
	if conf == nil || !conf.Confirmed {
		return nil, NewError(CodeConfirmationFailed, true, "deposit for %s not yet visible on-chain", req.PendingID)
	}
	return o.finalize(method, conf.Details, conf.Details.TotalAmount, conf.Details.Currency), nil
}

// VerifyDeposit checks a confirmed deposit against the provisional record it
// is meant to satisfy. Overpayment is accepted; underpayment is not.
func VerifyDeposit(expected, got Details) error {
	if got.Method != expected.Method {
		return NewError(CodeConfirmationFailed, false, "deposit confirmed on %s, expected %s", got.Method, expected.Method)
	}
	if want := expected.Locator(); want != "" && !sameAddress(got.Locator(), want) {
		return NewError(CodeConfirmationFailed, false, "deposit held by %s, expected %s", got.Locator(), want)
	}
	if !strings.EqualFold(strings.TrimSpace(got.Currency), strings.TrimSpace(expected.Currency)) {
		return NewError(CodeConfirmationFailed, false, "deposit currency %s does not match %s", got.Currency, expected.Currency)
	}
	if got.TotalAmount < expected.TotalAmount {
		return NewError(CodeConfirmationFailed, false, "deposit of %d is below the requested %d", got.TotalAmount, expected.TotalAmount)
	}
	if expected.Depositor != "" && got.Depositor != "" && !sameAddress(got.Depositor, expected.Depositor) {
		return NewError(CodeConfirmationFailed, false, "deposit sent by %s, expected %s", got.Depositor, expected.Depositor)
	}
	return nil
}

// sameAddress compares hex addresses case-insensitively and anything else
// exactly, since base58 keys are case-sensitive.
func sameAddress(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if strings.HasPrefix(a, "0x") && strings.HasPrefix(b, "0x") {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// ReleaseMilestonePayment pays amount from the escrow to the recipient on the
// escrow's recorded rail.
func (o *Orchestrator) ReleaseMilestonePayment(ctx context.Context, details Details, recipientID string, amount int64) SettlementResult {
	if strings.TrimSpace(recipientID) == "" {
		return failed(NewError(CodeMissingRecipient, false, "recipient required"))
	}
	if amount <= 0 || amount > details.TotalAmount {
		return failed(NewError(CodeInvalidAmount, false, "release amount %d outside escrow total %d", amount, details.TotalAmount))
	}
	r, perr := o.rail(details.Method)
	if perr != nil {
		return failed(perr)
	}
	start := o.now()
	res, err := r.Release(ctx, details, strings.TrimSpace(recipientID), amount)
	o.observe(details.Method, "release", start, err)
	if err != nil {
		o.logger.Error("escrow release failed", "method", details.Method, "locator", details.Locator(), "error", err)
		return failed(AsPaymentError(err, CodeReleaseFailed))
	}
	return succeeded(res)
}

// RefundEscrow returns funds to the funder. A nil amount refunds whatever the
// release schedule has not yet paid out.
func (o *Orchestrator) RefundEscrow(ctx context.Context, details Details, amount *int64) SettlementResult {
	value := details.Remaining()
	if amount != nil {
		value = *amount
	}
	if value <= 0 || value > details.TotalAmount {
		return failed(NewError(CodeInvalidAmount, false, "refund amount %d outside escrow total %d", value, details.TotalAmount))
	}
	r, perr := o.rail(details.Method)
	if perr != nil {
		return failed(perr)
	}
	start := o.now()
	res, err := r.Refund(ctx, details, value)
	o.observe(details.Method, "refund", start, err)
	if err != nil {
		o.logger.Error("escrow refund failed", "method", details.Method, "locator", details.Locator(), "error", err)
		return failed(AsPaymentError(err, CodeRefundFailed))
	}
	return succeeded(res)
}

func (o *Orchestrator) finalize(method Method, partial Details, amount int64, currency string) *Details {
	details := partial.Clone()
	details.Method = method
	if details.TotalAmount <= 0 {
		details.TotalAmount = amount
	}
	if strings.TrimSpace(details.Currency) == "" {
		details.Currency = currency
	}
	details.Currency = strings.ToUpper(strings.TrimSpace(details.Currency))
	if details.LockedAt.IsZero() {
		details.LockedAt = o.now()
	}
	return details
}

// Remaining returns the escrowed amount not yet marked as released.
func (d *Details) Remaining() int64 {
	if d == nil {
		return 0
	}
	remaining := d.TotalAmount
	for _, entry := range d.ReleaseSchedule {
		if entry.ReleasedAt != nil {
			remaining -= entry.Amount
		}
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

func setLocator(d *Details, locator string) {
	switch d.Method {
	case MethodCard:
		d.AuthorizationID = locator
	case MethodProgramEscrow:
		d.ProgramAccount = locator
	case MethodContractEscrow:
		d.ContractAddress = locator
	}
}

func failed(err *PaymentError) SettlementResult {
	return SettlementResult{Success: false, TxID: err.TxID, Error: err}
}

func succeeded(res *Settlement) SettlementResult {
	out := SettlementResult{Success: true}
	if res != nil {
		out.TxID = res.TxID
	}
	return out
}

// Package card implements the card-authorization escrow rail. Funds are held
// as a manual-capture authorization and captured per milestone, then
// transferred to the lab's connected payout account less the platform fee.
package card

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"labescrow/native/escrow"
)

const (
	defaultFeeBps           = 500
	defaultAuthorizationTTL = 7 * 24 * time.Hour
)

// Rail implements escrow.Rail over a card processor.
type Rail struct {
	client  Client
	feeBps  uint32
	authTTL time.Duration
	now     func() time.Time
}

// Option customises the rail.
type Option func(*Rail)

// WithFeeBps sets the platform fee withheld from each release.
func WithFeeBps(bps uint32) Option {
	return func(r *Rail) { r.feeBps = bps }
}

// WithAuthorizationTTL sets the hold window advertised to callers.
func WithAuthorizationTTL(ttl time.Duration) Option {
	return func(r *Rail) {
		if ttl > 0 {
			r.authTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Rail) {
		if now != nil {
			r.now = now
		}
	}
}

// New constructs a card rail.
func New(client Client, opts ...Option) (*Rail, error) {
	if client == nil {
		return nil, errors.New("card: client required")
	}
	r := &Rail{
		client:  client,
		feeBps:  defaultFeeBps,
		authTTL: defaultAuthorizationTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.feeBps > 10_000 {
		return nil, fmt.Errorf("card: fee bps out of range: %d", r.feeBps)
	}
	return r, nil
}

// Method implements escrow.Rail.
func (r *Rail) Method() escrow.Method { return escrow.MethodCard }

// Initiate places a manual-capture authorization tagged with the bounty id.
func (r *Rail) Initiate(ctx context.Context, req escrow.FundRequest) (*escrow.Initiation, error) {
	token := strings.TrimSpace(req.PaymentToken)
	if token == "" {
		return nil, escrow.NewError(escrow.CodeInvalidRequest, false, "card payment token required")
	}
	intent, err := r.client.CreateAuthorization(ctx, &AuthorizationRequest{
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: token,
		Customer:      strings.TrimSpace(req.CustomerID),
		Metadata: map[string]string{
			"bounty_id": req.BountyID,
			"funder_id": req.FunderID,
		},
		IdempotencyKey: fmt.Sprintf("bounty-%s-authorize-%s", req.BountyID, token),
	})
	if err != nil {
		return nil, classify(escrow.CodeInitiationFailed, err, "authorization failed")
	}
	expires := r.now().Add(r.authTTL)
	return &escrow.Initiation{
		PendingID: intent.ID,
		Locator:   intent.ID,
		ExpiresAt: &expires,
		Metadata: map[string]string{
			"status":    intent.Status,
			"expiresAt": expires.Format(time.RFC3339),
		},
	}, nil
}

// Confirm checks the authorization is still awaiting capture.
func (r *Rail) Confirm(ctx context.Context, req escrow.ConfirmRequest) (*escrow.Confirmation, error) {
	intent, err := r.client.GetAuthorization(ctx, req.PendingID)
	if err != nil {
		return nil, classify(escrow.CodeConfirmationFailed, err, "authorization lookup failed")
	}
	if !intent.AwaitingCapture() {
		return &escrow.Confirmation{Confirmed: false}, nil
	}
	return &escrow.Confirmation{
		Confirmed: true,
		Details: escrow.Details{
			Method:          escrow.MethodCard,
			TotalAmount:     intent.AmountCapturable,
			Currency:        strings.ToUpper(intent.Currency),
			AuthorizationID: intent.ID,
		},
	}, nil
}

// Release captures amount from the authorization and transfers it, less the
// platform fee, to the recipient's connected account. A failed transfer after
// a successful capture is reported with the charge reference.
func (r *Rail) Release(ctx context.Context, d escrow.Details, recipientID string, amount int64) (*escrow.Settlement, error) {
	if d.AuthorizationID == "" {
		return nil, escrow.NewError(escrow.CodeInvalidRequest, false, "escrow has no authorization id")
	}
	key := releaseKey(d, amount)
	captured, err := r.client.Capture(ctx, d.AuthorizationID, amount, key+"-capture")
	if err != nil {
		return nil, classify(escrow.CodeReleaseFailed, err, "capture failed")
	}
	payout := amount - r.Fee(amount)
	if payout <= 0 {
		return &escrow.Settlement{TxID: captured.LatestCharge}, nil
	}
	transfer, err := r.client.CreateTransfer(ctx, &TransferRequest{
		Amount:            payout,
		Currency:          d.Currency,
		Destination:       recipientID,
		SourceTransaction: captured.LatestCharge,
		TransferGroup:     d.AuthorizationID,
		IdempotencyKey:    key + "-transfer",
	})
	if err != nil {
		return nil, classify(escrow.CodeReleaseFailed, err, "transfer to recipient failed").WithTxID(captured.LatestCharge)
	}
	return &escrow.Settlement{TxID: transfer.ID}, nil
}

// Refund voids the outstanding authorization.
func (r *Rail) Refund(ctx context.Context, d escrow.Details, _ int64) (*escrow.Settlement, error) {
	if d.AuthorizationID == "" {
		return nil, escrow.NewError(escrow.CodeInvalidRequest, false, "escrow has no authorization id")
	}
	intent, err := r.client.Cancel(ctx, d.AuthorizationID, d.AuthorizationID+"-void")
	if err != nil {
		return nil, classify(escrow.CodeRefundFailed, err, "void failed")
	}
	return &escrow.Settlement{TxID: intent.ID}, nil
}

// releaseKey names a release by its authorization, its position in the
// release schedule and its amount. Retrying a failed release of the same
// milestone reuses the key; the next milestone gets a new one.
func releaseKey(d escrow.Details, amount int64) string {
	released := 0
	for _, entry := range d.ReleaseSchedule {
		if entry.ReleasedAt != nil {
			released++
		}
	}
	return fmt.Sprintf("%s-release-%d-%d", d.AuthorizationID, released, amount)
}

// Fee returns the platform fee withheld from amount.
func (r *Rail) Fee(amount int64) int64 {
	return amount * int64(r.feeBps) / 10_000
}

func classify(code escrow.ErrorCode, err error, message string) *escrow.PaymentError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		recoverable := apiErr.Declined() || apiErr.Transient()
		return escrow.WrapError(code, recoverable, err, message)
	}
	return escrow.WrapError(code, true, err, message)
}

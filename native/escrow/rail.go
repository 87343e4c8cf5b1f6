package escrow

import "context"

// Rail is the custody contract each payment backend implements. Confirm must
// be a side-effect-free read so it can be repeated freely; Release and Refund
// move money and are not idempotent at this layer.
type Rail interface {
	Method() Method
	Initiate(ctx context.Context, req FundRequest) (*Initiation, error)
	Confirm(ctx context.Context, req ConfirmRequest) (*Confirmation, error)
	Release(ctx context.Context, details Details, recipientID string, amount int64) (*Settlement, error)
	Refund(ctx context.Context, details Details, amount int64) (*Settlement, error)
}

// FuncRail adapts callback functions to the Rail interface. Unset callbacks
// report the rail as not configured.
type FuncRail struct {
	Tag          Method
	InitiateFunc func(ctx context.Context, req FundRequest) (*Initiation, error)
	ConfirmFunc  func(ctx context.Context, req ConfirmRequest) (*Confirmation, error)
	ReleaseFunc  func(ctx context.Context, details Details, recipientID string, amount int64) (*Settlement, error)
	RefundFunc   func(ctx context.Context, details Details, amount int64) (*Settlement, error)
}

// Method returns the configured rail tag.
func (r FuncRail) Method() Method { return r.Tag }

// Initiate delegates to the configured callback.
func (r FuncRail) Initiate(ctx context.Context, req FundRequest) (*Initiation, error) {
	if r.InitiateFunc == nil {
		return nil, NewError(CodeRailNotConfigured, false, "%s initiate not configured", r.Tag)
	}
	return r.InitiateFunc(ctx, req)
}

// Confirm delegates to the configured callback.
func (r FuncRail) Confirm(ctx context.Context, req ConfirmRequest) (*Confirmation, error) {
	if r.ConfirmFunc == nil {
		return nil, NewError(CodeRailNotConfigured, false, "%s confirm not configured", r.Tag)
	}
	return r.ConfirmFunc(ctx, req)
}

// Release delegates to the configured callback.
func (r FuncRail) Release(ctx context.Context, details Details, recipientID string, amount int64) (*Settlement, error) {
	if r.ReleaseFunc == nil {
		return nil, NewError(CodeRailNotConfigured, false, "%s release not configured", r.Tag)
	}
	return r.ReleaseFunc(ctx, details, recipientID, amount)
}

// Refund delegates to the configured callback.
func (r FuncRail) Refund(ctx context.Context, details Details, amount int64) (*Settlement, error) {
	if r.RefundFunc == nil {
		return nil, NewError(CodeRailNotConfigured, false, "%s refund not configured", r.Tag)
	}
	return r.RefundFunc(ctx, details, amount)
}

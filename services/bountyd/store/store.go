package store

import (
	"context"
	"errors"
	"time"

	"labescrow/native/bounty"
)

var (
	// ErrBountyNotFound is returned when no record exists for an id.
	ErrBountyNotFound = errors.New("store: bounty not found")
	// ErrVersionConflict is returned when a save carries a stale version.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrAlreadyExists is returned when creating a bounty whose id is taken.
	ErrAlreadyExists = errors.New("store: bounty already exists")
	// ErrDepositClaimed is returned when a deposit already funds another bounty.
	ErrDepositClaimed = errors.New("store: deposit already claimed")
)

// Record is a persisted bounty snapshot.
type Record struct {
	Bounty    *bounty.Bounty `json:"bounty"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	FunderID string
	State    bounty.State
	Limit    int
}

func (f Filter) match(b *bounty.Bounty) bool {
	if b == nil {
		return false
	}
	if f.FunderID != "" && b.FunderID != f.FunderID {
		return false
	}
	if f.State != "" && b.State != f.State {
		return false
	}
	return true
}

// Response is a stored HTTP response replayed for a repeated idempotency key.
type Response struct {
	Key       string    `json:"key"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists bounty snapshots and their transition history.
type Store interface {
	Create(ctx context.Context, b *bounty.Bounty) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, filter Filter) ([]*Record, error)
	// Save replaces the snapshot when expectedVersion matches the stored
	// version and appends transition, if any, in the same write.
	Save(ctx context.Context, b *bounty.Bounty, expectedVersion int64, transition *bounty.TransitionRecord) (*Record, error)
	Transitions(ctx context.Context, id string) ([]bounty.TransitionRecord, error)
	// ClaimDeposit binds a confirmed deposit key to one bounty. Claiming it
	// again for the same bounty succeeds.
	ClaimDeposit(ctx context.Context, key, bountyID string) error
	Close() error
}

// IdempotencyStore records responses keyed by the client's Idempotency-Key.
type IdempotencyStore interface {
	LookupResponse(ctx context.Context, key string) (*Response, bool, error)
	SaveResponse(ctx context.Context, resp Response) error
}

const defaultListLimit = 100

func listLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}

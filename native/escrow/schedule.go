package escrow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSchedule describes payout splits that cannot cover the escrow.
var ErrInvalidSchedule = errors.New("escrow: invalid release schedule")

// ErrScheduleEntryNotFound is returned when no planned release matches.
var ErrScheduleEntryNotFound = errors.New("escrow: release schedule entry not found")

// Share is one milestone's slice of the escrow in whole percent.
type Share struct {
	MilestoneID string
	Percentage  int
}

// BuildReleaseSchedule splits total across the shares in order. Rounding
// remainders are assigned to the final share so the schedule always sums to
// total.
func BuildReleaseSchedule(total int64, shares []Share) ([]ScheduledRelease, error) {
	if total <= 0 {
		return nil, fmt.Errorf("%w: total must be positive", ErrInvalidSchedule)
	}
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares", ErrInvalidSchedule)
	}
	sum := 0
	seen := make(map[string]struct{}, len(shares))
	for _, share := range shares {
		id := strings.TrimSpace(share.MilestoneID)
		if id == "" {
			return nil, fmt.Errorf("%w: milestone id required", ErrInvalidSchedule)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate milestone %s", ErrInvalidSchedule, id)
		}
		seen[id] = struct{}{}
		if share.Percentage < 0 {
			return nil, fmt.Errorf("%w: negative percentage for %s", ErrInvalidSchedule, id)
		}
		sum += share.Percentage
	}
	if sum != 100 {
		return nil, fmt.Errorf("%w: percentages sum to %d", ErrInvalidSchedule, sum)
	}
	schedule := make([]ScheduledRelease, len(shares))
	var allocated int64
	for i, share := range shares {
		amount := total * int64(share.Percentage) / 100
		if i == len(shares)-1 {
			amount = total - allocated
		}
		allocated += amount
		schedule[i] = ScheduledRelease{MilestoneID: strings.TrimSpace(share.MilestoneID), Amount: amount}
	}
	return schedule, nil
}

// MarkReleased records the settlement of a planned release. Entries already
// marked are left untouched so a release is never recorded twice.
func (d *Details) MarkReleased(milestoneID, txID string, at time.Time) error {
	if d == nil {
		return ErrScheduleEntryNotFound
	}
	for i := range d.ReleaseSchedule {
		entry := &d.ReleaseSchedule[i]
		if entry.MilestoneID != milestoneID {
			continue
		}
		if entry.ReleasedAt != nil {
			return nil
		}
		released := at.UTC()
		entry.ReleasedAt = &released
		entry.TxID = txID
		return nil
	}
	return fmt.Errorf("%w: %s", ErrScheduleEntryNotFound, milestoneID)
}

package bounty

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidProtocol is returned by ValidationRules.Check for drafts that may
// not leave drafting.
var ErrInvalidProtocol = errors.New("bounty: invalid protocol")

// ValidationRules configures the protocol review guard.
type ValidationRules struct {
	// RequireQualityStandards additionally requires a non-empty quality
	// standards list.
	RequireQualityStandards bool `yaml:"require_quality_standards" toml:"require_quality_standards"`
}

// Check reports why a protocol and milestone plan would fail review.
func (r ValidationRules) Check(p Protocol, milestones []Milestone) error {
	if strings.TrimSpace(p.Methodology) == "" {
		return fmt.Errorf("%w: methodology required", ErrInvalidProtocol)
	}
	if len(p.DataRequirements) == 0 {
		return fmt.Errorf("%w: data requirements required", ErrInvalidProtocol)
	}
	if r.RequireQualityStandards && len(p.QualityStandards) == 0 {
		return fmt.Errorf("%w: quality standards required", ErrInvalidProtocol)
	}
	if len(milestones) == 0 {
		return fmt.Errorf("%w: at least one milestone required", ErrInvalidProtocol)
	}
	return nil
}

// CheckPayoutSplit verifies milestone payout percentages cover the whole
// budget. The machine does not enforce this; callers run it before
// submitting a draft.
func CheckPayoutSplit(milestones []Milestone) error {
	total := 0
	seen := make(map[string]struct{}, len(milestones))
	for _, m := range milestones {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			return fmt.Errorf("%w: milestone id required", ErrInvalidProtocol)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate milestone id %s", ErrInvalidProtocol, id)
		}
		seen[id] = struct{}{}
		if m.PayoutPercentage < 0 {
			return fmt.Errorf("%w: negative payout for %s", ErrInvalidProtocol, id)
		}
		total += m.PayoutPercentage
	}
	if total != 100 {
		return fmt.Errorf("%w: payout percentages sum to %d", ErrInvalidProtocol, total)
	}
	return nil
}

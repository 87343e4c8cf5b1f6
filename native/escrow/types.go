package escrow

import (
	"fmt"
	"strings"
	"time"
)

// Method identifies the rail holding custody of a bounty's funds.
type Method string

const (
	// MethodCard holds funds as a manual-capture card authorization.
	MethodCard Method = "card"
	// MethodProgramEscrow locks tokens in a program-derived escrow account.
	MethodProgramEscrow Method = "program_escrow"
	// MethodContractEscrow locks tokens in an escrow contract on an EVM chain,
	// or in the shared platform-held address when no factory is configured.
	MethodContractEscrow Method = "contract_escrow"
)

// Valid reports whether the method is one of the supported rails.
func (m Method) Valid() bool {
	switch m {
	case MethodCard, MethodProgramEscrow, MethodContractEscrow:
		return true
	default:
		return false
	}
}

// Blockchain reports whether the rail requires a client-side deposit before
// confirmation can succeed.
func (m Method) Blockchain() bool {
	return m == MethodProgramEscrow || m == MethodContractEscrow
}

// ParseMethod normalises the supplied method tag.
func ParseMethod(raw string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(raw)))
	if !m.Valid() {
		return "", fmt.Errorf("escrow: unsupported payment method %q", raw)
	}
	return m, nil
}

// ScheduledRelease describes a planned partial release of escrowed funds.
type ScheduledRelease struct {
	MilestoneID string     `json:"milestoneId"`
	Amount      int64      `json:"amount"`
	ReleasedAt  *time.Time `json:"releasedAt,omitempty"`
	TxID        string     `json:"txId,omitempty"`
}

// Details is the normalised escrow record produced once funds are confirmed.
// Amounts are expressed in the currency's minor units. Method is fixed once the
// record is written; rail code never rewrites it.
type Details struct {
	Method          Method             `json:"method"`
	TotalAmount     int64              `json:"totalAmount"`
	Currency        string             `json:"currency"`
	LockedAt        time.Time          `json:"lockedAt"`
	AuthorizationID string             `json:"authorizationId,omitempty"`
	ProgramAccount  string             `json:"programAccount,omitempty"`
	ContractAddress string             `json:"contractAddress,omitempty"`
	Depositor       string             `json:"depositor,omitempty"`
	// DepositTx is the deposit transaction when custody is a shared address
	// and the deposit is identified by its transaction rather than its account.
	DepositTx       string             `json:"depositTx,omitempty"`
	ExpiresAt       *time.Time         `json:"expiresAt,omitempty"`
	ReleaseSchedule []ScheduledRelease `json:"releaseSchedule,omitempty"`
}

// Locator returns the rail-specific custody reference.
func (d *Details) Locator() string {
	if d == nil {
		return ""
	}
	switch d.Method {
	case MethodCard:
		return d.AuthorizationID
	case MethodProgramEscrow:
		return d.ProgramAccount
	case MethodContractEscrow:
		return d.ContractAddress
	default:
		return ""
	}
}

// DepositKey identifies the on-chain deposit backing the record. No two
// bounties may be funded by the same key.
func (d *Details) DepositKey() string {
	if d == nil {
		return ""
	}
	ref := d.DepositTx
	if ref == "" {
		ref = d.Locator()
	}
	if ref == "" {
		return ""
	}
	return string(d.Method) + "/" + ref
}

// Clone returns a deep copy of the escrow record.
func (d *Details) Clone() *Details {
	if d == nil {
		return nil
	}
	clone := *d
	if d.ExpiresAt != nil {
		expires := *d.ExpiresAt
		clone.ExpiresAt = &expires
	}
	if len(d.ReleaseSchedule) > 0 {
		clone.ReleaseSchedule = make([]ScheduledRelease, len(d.ReleaseSchedule))
		for i, entry := range d.ReleaseSchedule {
			clone.ReleaseSchedule[i] = entry
			if entry.ReleasedAt != nil {
				at := *entry.ReleasedAt
				clone.ReleaseSchedule[i].ReleasedAt = &at
			}
		}
	}
	return &clone
}

// ScheduledAmount returns the planned release for the milestone, if any.
func (d *Details) ScheduledAmount(milestoneID string) (int64, bool) {
	if d == nil {
		return 0, false
	}
	for _, entry := range d.ReleaseSchedule {
		if entry.MilestoneID == milestoneID {
			return entry.Amount, true
		}
	}
	return 0, false
}

// FundRequest carries everything a rail needs to take custody of funds.
type FundRequest struct {
	BountyID      string `json:"bountyId"`
	FunderID      string `json:"funderId"`
	PaymentMethod Method `json:"paymentMethod"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	// FunderAddress is the depositing wallet on blockchain rails.
	FunderAddress string `json:"funderAddress,omitempty"`
	// PaymentToken is the tokenised card reference on the card rail.
	PaymentToken string `json:"paymentToken,omitempty"`
	CustomerID   string `json:"customerId,omitempty"`
}

// Validate performs structural checks that do not depend on the rail.
func (r FundRequest) Validate() error {
	if strings.TrimSpace(r.BountyID) == "" {
		return fmt.Errorf("escrow: bounty id required")
	}
	if r.Amount <= 0 {
		return fmt.Errorf("escrow: amount must be positive")
	}
	if strings.TrimSpace(r.Currency) == "" {
		return fmt.Errorf("escrow: currency required")
	}
	if r.PaymentMethod.Blockchain() && strings.TrimSpace(r.FunderAddress) == "" {
		return fmt.Errorf("escrow: funder address required for %s", r.PaymentMethod)
	}
	return nil
}

// Initiation is returned by a rail once custody has been requested.
type Initiation struct {
	PendingID string
	Locator   string
	ExpiresAt *time.Time
	Metadata  map[string]string
}

// ConfirmRequest identifies the custody attempt to verify. TxHash is the
// client-submitted deposit transaction on blockchain rails. When Depositor is
// set, rails that observe the sender ignore deposits from anyone else.
type ConfirmRequest struct {
	PendingID string
	TxHash    string
	Depositor string
}

// Confirmation reports whether custody is verified. Details is partial: rails
// fill what they can observe and the orchestrator completes the rest.
type Confirmation struct {
	Confirmed bool
	Details   Details
}

// Settlement is the rail-level result of a release or refund.
type Settlement struct {
	TxID string
}

// SettlementResult is the uniform shape returned to callers for releases and
// refunds regardless of rail.
type SettlementResult struct {
	Success bool          `json:"success"`
	TxID    string        `json:"txId,omitempty"`
	Error   *PaymentError `json:"error,omitempty"`
}

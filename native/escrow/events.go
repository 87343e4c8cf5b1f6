package escrow

import (
	"strconv"
	"strings"
	"time"

	"labescrow/core/types"
)

const (
	EventTypeEscrowPending  = "escrow.pending"
	EventTypeEscrowLocked   = "escrow.locked"
	EventTypeEscrowReleased = "escrow.released"
	EventTypeEscrowRefunded = "escrow.refunded"
	EventTypeEscrowFailed   = "escrow.failed"
)

// NewPendingEvent is emitted when a blockchain deposit awaits the client.
func NewPendingEvent(bountyID string, res *FundResult) *types.Event {
	var d *Details
	pending := ""
	if res != nil {
		d = res.Escrow
		pending = res.PendingID
	}
	return newEscrowEvent(EventTypeEscrowPending, bountyID, d, map[string]string{"pendingId": pending})
}

// NewLockedEvent is emitted once custody is confirmed.
func NewLockedEvent(bountyID string, d *Details) *types.Event {
	return newEscrowEvent(EventTypeEscrowLocked, bountyID, d, nil)
}

// NewReleasedEvent is emitted after a successful milestone release.
func NewReleasedEvent(bountyID string, d *Details, recipient string, amount int64, res SettlementResult) *types.Event {
	return newEscrowEvent(EventTypeEscrowReleased, bountyID, d, map[string]string{
		"recipient": recipient,
		"amount":    strconv.FormatInt(amount, 10),
		"txId":      res.TxID,
	})
}

// NewRefundedEvent is emitted after a successful refund.
func NewRefundedEvent(bountyID string, d *Details, amount int64, res SettlementResult) *types.Event {
	return newEscrowEvent(EventTypeEscrowRefunded, bountyID, d, map[string]string{
		"amount": strconv.FormatInt(amount, 10),
		"txId":   res.TxID,
	})
}

// NewFailedEvent is emitted when a rail operation fails.
func NewFailedEvent(bountyID string, d *Details, op string, err *PaymentError) *types.Event {
	extra := map[string]string{"operation": op}
	if err != nil {
		extra["code"] = string(err.Code)
		extra["recoverable"] = strconv.FormatBool(err.Recoverable)
		if err.TxID != "" {
			extra["txId"] = err.TxID
		}
	}
	return newEscrowEvent(EventTypeEscrowFailed, bountyID, d, extra)
}

func newEscrowEvent(eventType, bountyID string, d *Details, extra map[string]string) *types.Event {
	attrs := map[string]string{"bountyId": bountyID}
	if d != nil {
		attrs["method"] = string(d.Method)
		attrs["totalAmount"] = strconv.FormatInt(d.TotalAmount, 10)
		attrs["currency"] = d.Currency
		if locator := d.Locator(); locator != "" {
			attrs["locator"] = locator
		}
		if !d.LockedAt.IsZero() {
			attrs["lockedAt"] = d.LockedAt.UTC().Format(time.RFC3339)
		}
	}
	for k, v := range extra {
		if strings.TrimSpace(v) != "" {
			attrs[k] = v
		}
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Action is the admin's disposition of the escrowed funds.
type Action string

const (
	// ActionRefundBuyer returns the funds to the initiator and completes
	// the deal.
	ActionRefundBuyer Action = "refund_buyer"
	// ActionReleaseSeller releases the funds to the recipient and completes
	// the deal.
	ActionReleaseSeller Action = "release_seller"
	// ActionKeepDisputed stamps the dispute resolved administratively while
	// leaving the deal frozen: an explicit "no forced settlement yet".
	ActionKeepDisputed Action = "keep_disputed"
)

// ValidAction reports whether a is a known resolution action.
func ValidAction(a Action) bool {
	switch a {
	case ActionRefundBuyer, ActionReleaseSeller, ActionKeepDisputed:
		return true
	default:
		return false
	}
}

// Releasing reports whether the action settles the deal.
func (a Action) Releasing() bool {
	return a == ActionRefundBuyer || a == ActionReleaseSeller
}

// Dispute mirrors the disputes table. Deal and dispute reference each other
// by id only; neither embeds the other.
type Dispute struct {
	ID         string
	DealID     string
	OpenedBy   string
	Reason     string
	Status     Status
	Resolution *string
	ResolvedBy *string
	Action     *Action
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// MinReasonLength is the minimum number of characters required to open a
// dispute.
const MinReasonLength = 10

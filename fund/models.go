package fund

import "time"

// Method is the rail a funding attempt travels on.
type Method string

const (
	MethodBank   Method = "bank"
	MethodCrypto Method = "crypto"
)

// Status is the lifecycle of one funding attempt. Failed and expired
// attempts stay pending and remain eligible for retry; at most one attempt
// per deal ever reaches confirmed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

// Fund mirrors the escrow_funds table: one funding attempt for a deal.
// Rows are never deleted.
type Fund struct {
	ID     string
	DealID string
	Method Method
	// AmountCents is the declared deposit: principal plus fee.
	AmountCents int64
	Currency    string
	Status      Status
	// ExternalRef is the bank receipt reference or the payment processor's
	// charge code. Reconciliation locates the row by this value, not by
	// deal id, so duplicate webhook delivery is a natural no-op.
	ExternalRef string
	// ReceiptPath is an opaque blob-storage reference for bank transfers.
	ReceiptPath *string
	Network     *string
	TxHash      *string
	ConfirmedAt *time.Time
	CreatedAt   time.Time
}

// Event is the payment processor's webhook notification body.
type Event struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

type EventData struct {
	ID       string          `json:"id"`
	Code     string          `json:"code"`
	Metadata EventMetadata   `json:"metadata"`
	Timeline []TimelineEntry `json:"timeline"`
	Payments []Payment       `json:"payments"`
}

type EventMetadata struct {
	DealID string `json:"deal_id"`
}

type TimelineEntry struct {
	Time   time.Time `json:"time"`
	Status string    `json:"status"`
}

type Payment struct {
	Network       string `json:"network"`
	TransactionID string `json:"transaction_id"`
}

// ChargeRef returns the identifier used to locate the matching fund row.
func (e Event) ChargeRef() string {
	if e.Data.Code != "" {
		return e.Data.Code
	}
	return e.Data.ID
}

// Consumed event types.
const (
	EventChargeConfirmed = "charge:confirmed"
	EventChargeResolved  = "charge:resolved"
	EventChargeFailed    = "charge:failed"
	EventChargeExpired   = "charge:expired"
	EventChargePending   = "charge:pending"
)

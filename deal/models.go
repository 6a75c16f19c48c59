package deal

import "time"

// Currency enumerates the settlement currencies supported for escrow.
type Currency string

const (
	CurrencyUSD  Currency = "USD"
	CurrencyEUR  Currency = "EUR"
	CurrencyUSDC Currency = "USDC"
)

// ValidCurrency reports whether c is a supported settlement currency.
func ValidCurrency(c Currency) bool {
	switch c {
	case CurrencyUSD, CurrencyEUR, CurrencyUSDC:
		return true
	default:
		return false
	}
}

// Deal mirrors the deals table. Deals are financial records and are never
// physically deleted.
type Deal struct {
	ID          string
	Title       string
	Description string
	AmountCents int64
	Currency    Currency
	Status      Status

	// InitiatorID is the buyer side, set at creation and immutable.
	InitiatorID string
	// RecipientID is the seller side, nil until an invitation is claimed.
	RecipientID *string

	SellerConfirmedDelivered bool
	BuyerConfirmedReceived   bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsParticipant reports whether userID is the initiator or the bound
// recipient of the deal.
func (d Deal) IsParticipant(userID string) bool {
	if d.InitiatorID == userID {
		return true
	}
	return d.RecipientID != nil && *d.RecipientID == userID
}

// CreateParams contains caller-supplied fields for a new deal.
type CreateParams struct {
	Title          string
	Description    string
	AmountCents    int64
	Currency       Currency
	RecipientEmail string
}

// ListFilters narrows List to deals the calling user participates in.
type ListFilters struct {
	UserID   string
	Status   Status
	Page     int
	PageSize int
}

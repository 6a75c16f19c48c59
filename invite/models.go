package invite

import "time"

// ValidityWindow is how long a minted invitation can be claimed.
const ValidityWindow = 7 * 24 * time.Hour

// Invitation is a single-use claim token binding an email address to a deal.
// Once accepted it is immutable.
type Invitation struct {
	ID        string
	DealID    string
	Email     string
	Token     string
	ExpiresAt time.Time
	Accepted  bool
	CreatedAt time.Time
}

// Expired reports whether the invitation can no longer be claimed at now.
func (i Invitation) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

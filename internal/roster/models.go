package roster

import "time"

// Claim lifecycle states for a roster entry.
const (
	StatusUnclaimed = "unclaimed"
	StatusClaimed   = "claimed"
	StatusDisabled  = "disabled"
)

// Student is one roster entry. UserID is nil until the entry has been
// claimed by a login identity.
type Student struct {
	ID      string     `json:"id"`
	UserID  *string    `json:"userId,omitempty"`
	Name    string     `json:"name"`
	RollNo  string     `json:"rollNo"`
	ClassID string     `json:"classId"`
	Email   *string    `json:"email,omitempty"`
	QRToken *string    `json:"-"`
	Status  string     `json:"status"`
	Created time.Time  `json:"createdAt"`
	Claimed *time.Time `json:"claimedAt,omitempty"`
}

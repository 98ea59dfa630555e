package claim

import (
	"errors"
	"time"
)

// Identity is the login identity created when a claim is redeemed.
type Identity struct {
	ID    string
	Name  string
	Email string
	Role  string
}

// State is the claim-relevant slice of a roster entry.
type State struct {
	StudentID   string
	Name        string
	Attempts    int
	LockedUntil *time.Time
}

// IssueResult carries the plaintext code exactly once; only its keyed
// hash is persisted.
type IssueResult struct {
	Code      string
	ExpiresAt time.Time
}

// RedeemResult is returned on successful redemption.
type RedeemResult struct {
	Token     string
	ExpiresAt time.Time
	UserID    string
	StudentID string
}

// Domain errors. ErrInvalidOrExpiredClaim deliberately does not
// distinguish a wrong code from an expired one.
var (
	ErrInvalidOrExpiredClaim = errors.New("invalid or expired claim")
	ErrTooManyAttempts       = errors.New("too many attempts")
	ErrEmailTaken            = errors.New("email already in use")
)

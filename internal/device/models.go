package device

import (
	"errors"
	"time"
)

// Device is a registered kiosk/scanner identity. The secret signs sync
// batches; it is returned exactly once at registration and never again.
type Device struct {
	ID        string    `json:"deviceId"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	Secret    string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// SyncEvent is one buffered check-in as transmitted by a device.
type SyncEvent struct {
	ClientEventID string     `json:"clientEventId"`
	SessionToken  string     `json:"sessionToken"`
	StudentID     string     `json:"studentId"`
	Status        string     `json:"status,omitempty"`
	Method        string     `json:"method,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

// SyncResult is the per-event outcome a device uses to prune its buffer.
type SyncResult struct {
	ClientEventID string `json:"clientEventId"`
	OK            bool   `json:"ok"`
	Reason        string `json:"reason,omitempty"`
}

// Per-event failure reasons.
const (
	ReasonInvalidSession = "invalid_session"
	ReasonSessionExpired = "session_expired"
	ReasonInvalidStudent = "invalid_student"
	ReasonDuplicateEvent = "duplicate_event"
)

// Domain errors.
var (
	ErrNotFound         = errors.New("device not found")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

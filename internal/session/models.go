package session

import (
	"errors"
	"time"
)

// Check-in methods a session can be opened with.
const (
	MethodQR        = "qr"
	MethodManual    = "manual"
	MethodBiometric = "biometric"
	MethodFace      = "face"
)

// Status values as persisted.
const (
	StatusDraft     = "draft"
	StatusOpen      = "open"
	StatusClosed    = "closed"
	StatusCancelled = "cancelled"
)

// State is the session lifecycle as a tagged variant. A token exists only
// on the Open arm, so "closed with a live token" is unrepresentable.
type State interface {
	Status() string
}

// Draft is a created but not yet opened session.
type Draft struct{}

// Open carries the live check-in token and its expiry.
type Open struct {
	Token     string
	ExpiresAt time.Time
}

// Closed is terminal; EndedAt records when the window shut.
type Closed struct {
	EndedAt time.Time
}

// Cancelled is terminal.
type Cancelled struct{}

func (Draft) Status() string     { return StatusDraft }
func (Open) Status() string      { return StatusOpen }
func (Closed) Status() string    { return StatusClosed }
func (Cancelled) Status() string { return StatusCancelled }

// Session is one time-boxed attendance window for a class.
type Session struct {
	ID                string
	ClassID           string
	TeacherID         string
	Title             string
	ScheduledAt       *time.Time
	StartAt           *time.Time
	EndAt             *time.Time
	Method            string
	LateWindowMinutes int
	CreatedAt         time.Time
	State             State
}

// Log is one attendance record as read back for session views.
type Log struct {
	StudentID      string    `json:"studentId"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Method         string    `json:"method"`
	DeviceID       *string   `json:"deviceId,omitempty"`
	Score          *float64  `json:"score,omitempty"`
	Overridden     bool      `json:"overridden"`
	OverriddenBy   *string   `json:"overriddenBy,omitempty"`
	OverrideReason *string   `json:"overrideReason,omitempty"`
}

// Actor identifies the authenticated caller of a management operation.
type Actor struct {
	ID   string
	Role string
}

func (a Actor) isAdmin() bool { return a.Role == "admin" }

func (a Actor) owns(s Session) bool {
	return a.isAdmin() || a.ID == s.TeacherID
}

// Domain errors for lifecycle operations.
var (
	ErrNotFound      = errors.New("session not found")
	ErrForbidden     = errors.New("forbidden")
	ErrAlreadyClosed = errors.New("session already closed")
	ErrInvalidState  = errors.New("operation not valid for session state")
)

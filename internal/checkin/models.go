package checkin

import (
	"errors"
	"time"
)

// Attendance statuses.
const (
	StatusPresent = "present"
	StatusAbsent  = "absent"
	StatusLate    = "late"
	StatusExcused = "excused"
)

// Record is the single stored outcome for one student in one session.
type Record struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	ClassID        string    `json:"classId"`
	StudentID      string    `json:"studentId"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Method         string    `json:"method"`
	DeviceID       *string   `json:"deviceId,omitempty"`
	ClientEventID  *string   `json:"clientEventId,omitempty"`
	Score          *float64  `json:"score,omitempty"`
	Overridden     bool      `json:"overridden"`
	OverriddenBy   *string   `json:"overriddenBy,omitempty"`
	OverrideReason *string   `json:"overrideReason,omitempty"`
}

// Result is the outcome of applying one check-in. Duplicate means the
// clientEventId was already handled; the prior record is returned and no
// write happened. Callers must treat it as success, not retry it.
type Result struct {
	Record    Record
	Duplicate bool
}

// Face outcomes. Below-threshold matches are Pending (ambiguous, needs a
// human); no candidate at all is Failed. The distinction is applied
// uniformly here, at the engine's single policy point.
const (
	FaceOutcomePresent = "present"
	FaceOutcomePending = "pending"
	FaceOutcomeFailed  = "failed"
)

// FaceResult is the outcome of a face check-in.
type FaceResult struct {
	Outcome string
	Score   float64
	Result  Result
}

// Domain errors.
var (
	ErrInvalidOrExpiredSession = errors.New("invalid or expired session")
	ErrSessionExpired          = errors.New("session expired")
	ErrStudentNotFound         = errors.New("student not found")
)

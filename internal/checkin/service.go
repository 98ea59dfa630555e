package checkin

import (
	"context"
	"time"

	"rollcall/internal/metrics"
	"rollcall/internal/roster"
	"rollcall/internal/session"
)

// TokenResolver is the slice of the session lifecycle manager the engine
// needs. Validation happens on every check-in, never cached.
type TokenResolver interface {
	ValidateToken(ctx context.Context, token string) (*session.Session, error)
	ResolveToken(ctx context.Context, token string) (*session.Session, error)
}

// Store is the persistence contract for records and the replay ledger.
type Store interface {
	InsertProcessed(ctx context.Context, deviceID, clientEventID string) (bool, error)
	UpsertRecord(ctx context.Context, rec Record) (Record, error)
	FindByClientEvent(ctx context.Context, clientEventID string) (*Record, error)
	FindBySessionStudent(ctx context.Context, sessionID, studentID string) (*Record, error)
}

// Directory resolves student identities.
type Directory interface {
	FindByQRToken(ctx context.Context, token string) (roster.Student, error)
	FindByID(ctx context.Context, id string) (roster.Student, error)
}

// Service is the check-in ingest engine: the single writer of attendance
// records.
type Service struct {
	sessions  TokenResolver
	store     Store
	students  Directory
	threshold float64
	now       func() time.Time
}

// NewService creates the engine. threshold is the minimum face-match
// score accepted as a confirmed identity.
func NewService(sessions TokenResolver, store Store, students Directory, threshold float64) *Service {
	if threshold <= 0 {
		threshold = 0.75
	}
	return &Service{sessions: sessions, store: store, students: students, threshold: threshold, now: time.Now}
}

// QRCheckIn is a kiosk or student QR scan.
type QRCheckIn struct {
	SessionToken   string
	StudentQRToken string
	DeviceID       string
	ClientEventID  string
}

// RecordQR applies a QR check-in against an open session.
func (s *Service) RecordQR(ctx context.Context, in QRCheckIn) (Result, error) {
	sess, err := s.sessions.ValidateToken(ctx, in.SessionToken)
	if err != nil {
		return Result{}, err
	}
	if sess == nil {
		metrics.CheckIns.WithLabelValues("qr", "invalid_session").Inc()
		return Result{}, ErrInvalidOrExpiredSession
	}

	student, err := s.students.FindByQRToken(ctx, in.StudentQRToken)
	if err == roster.ErrNotFound {
		metrics.CheckIns.WithLabelValues("qr", "invalid_student").Inc()
		return Result{}, ErrStudentNotFound
	}
	if err != nil {
		return Result{}, err
	}

	res, err := s.apply(ctx, *sess, student.ID, applyOpts{
		status:        StatusPresent,
		method:        session.MethodQR,
		deviceID:      in.DeviceID,
		clientEventID: in.ClientEventID,
	})
	if err == nil {
		metrics.CheckIns.WithLabelValues("qr", outcomeLabel(res)).Inc()
	}
	return res, err
}

// Match is an externally-supplied face matching result. The engine never
// computes similarity itself; it only applies the acceptance policy.
type Match struct {
	StudentID string
	Score     float64
}

// FaceCheckIn is a face-capture submission. Match is nil when the
// external matcher returned no candidate.
type FaceCheckIn struct {
	SessionToken  string
	Match         *Match
	DeviceID      string
	ClientEventID string
}

// RecordFace applies a face check-in. No candidate -> Failed; candidate
// below threshold -> Pending; neither writes a record.
func (s *Service) RecordFace(ctx context.Context, in FaceCheckIn) (FaceResult, error) {
	sess, err := s.sessions.ValidateToken(ctx, in.SessionToken)
	if err != nil {
		return FaceResult{}, err
	}
	if sess == nil {
		metrics.CheckIns.WithLabelValues("face", "invalid_session").Inc()
		return FaceResult{}, ErrInvalidOrExpiredSession
	}

	if in.Match == nil || in.Match.StudentID == "" {
		metrics.CheckIns.WithLabelValues("face", "failed").Inc()
		return FaceResult{Outcome: FaceOutcomeFailed}, nil
	}
	if in.Match.Score < s.threshold {
		metrics.CheckIns.WithLabelValues("face", "pending").Inc()
		return FaceResult{Outcome: FaceOutcomePending, Score: in.Match.Score}, nil
	}

	student, err := s.students.FindByID(ctx, in.Match.StudentID)
	if err == roster.ErrNotFound {
		metrics.CheckIns.WithLabelValues("face", "invalid_student").Inc()
		return FaceResult{}, ErrStudentNotFound
	}
	if err != nil {
		return FaceResult{}, err
	}

	score := in.Match.Score
	res, err := s.apply(ctx, *sess, student.ID, applyOpts{
		status:        StatusPresent,
		method:        session.MethodFace,
		deviceID:      in.DeviceID,
		clientEventID: in.ClientEventID,
		score:         &score,
	})
	if err != nil {
		return FaceResult{}, err
	}
	metrics.CheckIns.WithLabelValues("face", outcomeLabel(res)).Inc()
	return FaceResult{Outcome: FaceOutcomePresent, Score: score, Result: res}, nil
}

// Event is one buffered check-in replayed through the device sync path.
type Event struct {
	ClientEventID string
	SessionToken  string
	StudentID     string
	Status        string
	Method        string
	Timestamp     time.Time
	DeviceID      string
}

// Apply records one device-buffered event. It reports expiry distinctly
// from an unknown token so devices can prune their buffers accurately.
func (s *Service) Apply(ctx context.Context, ev Event) (Result, error) {
	sess, err := s.sessions.ResolveToken(ctx, ev.SessionToken)
	if err != nil {
		return Result{}, err
	}
	if sess == nil {
		return Result{}, ErrInvalidOrExpiredSession
	}
	if open, ok := sess.State.(session.Open); !ok || !open.ExpiresAt.After(s.now().UTC()) {
		return Result{}, ErrSessionExpired
	}

	if _, err := s.students.FindByID(ctx, ev.StudentID); err != nil {
		if err == roster.ErrNotFound {
			return Result{}, ErrStudentNotFound
		}
		return Result{}, err
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	return s.apply(ctx, *sess, ev.StudentID, applyOpts{
		status:        normalizeStatus(ev.Status),
		method:        normalizeMethod(ev.Method),
		deviceID:      ev.DeviceID,
		clientEventID: ev.ClientEventID,
		timestamp:     ts,
	})
}

// Override records a teacher decision for one student, bypassing token
// validation: the caller is already authenticated as the session owner.
func (s *Service) Override(ctx context.Context, sess session.Session, actorID, studentID, status, reason string) (Result, error) {
	if _, err := s.students.FindByID(ctx, studentID); err != nil {
		if err == roster.ErrNotFound {
			return Result{}, ErrStudentNotFound
		}
		return Result{}, err
	}
	res, err := s.apply(ctx, sess, studentID, applyOpts{
		status:         normalizeStatus(status),
		method:         session.MethodManual,
		overriddenBy:   actorID,
		overrideReason: reason,
	})
	if err == nil {
		metrics.CheckIns.WithLabelValues("manual", outcomeLabel(res)).Inc()
	}
	return res, err
}

type applyOpts struct {
	status         string
	method         string
	deviceID       string
	clientEventID  string
	timestamp      time.Time
	score          *float64
	overriddenBy   string
	overrideReason string
}

// apply runs the replay-protection ledger then the idempotent upsert.
func (s *Service) apply(ctx context.Context, sess session.Session, studentID string, opts applyOpts) (Result, error) {
	if opts.clientEventID != "" {
		fresh, err := s.store.InsertProcessed(ctx, opts.deviceID, opts.clientEventID)
		if err != nil {
			return Result{}, err
		}
		if !fresh {
			prior, err := s.priorOutcome(ctx, sess.ID, studentID, opts.clientEventID)
			if err != nil {
				return Result{}, err
			}
			return Result{Record: prior, Duplicate: true}, nil
		}
	}

	ts := opts.timestamp
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	rec := Record{
		SessionID: sess.ID,
		ClassID:   sess.ClassID,
		StudentID: studentID,
		Status:    opts.status,
		Timestamp: ts,
		Method:    opts.method,
		Score:     opts.score,
	}
	if opts.deviceID != "" {
		rec.DeviceID = &opts.deviceID
	}
	if opts.clientEventID != "" {
		rec.ClientEventID = &opts.clientEventID
	}
	if opts.overriddenBy != "" {
		rec.Overridden = true
		rec.OverriddenBy = &opts.overriddenBy
		if opts.overrideReason != "" {
			rec.OverrideReason = &opts.overrideReason
		}
	}

	written, err := s.store.UpsertRecord(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	return Result{Record: written}, nil
}

// priorOutcome fetches the record a duplicate submission converged to.
func (s *Service) priorOutcome(ctx context.Context, sessionID, studentID, clientEventID string) (Record, error) {
	prior, err := s.store.FindByClientEvent(ctx, clientEventID)
	if err != nil {
		return Record{}, err
	}
	if prior == nil {
		prior, err = s.store.FindBySessionStudent(ctx, sessionID, studentID)
		if err != nil || prior == nil {
			return Record{}, err
		}
	}
	return *prior, nil
}

func normalizeStatus(status string) string {
	switch status {
	case StatusPresent, StatusAbsent, StatusLate, StatusExcused:
		return status
	default:
		return StatusPresent
	}
}

func normalizeMethod(method string) string {
	switch method {
	case session.MethodQR, session.MethodManual, session.MethodBiometric, session.MethodFace:
		return method
	default:
		return session.MethodQR
	}
}

func outcomeLabel(res Result) string {
	if res.Duplicate {
		return "duplicate"
	}
	return "ok"
}

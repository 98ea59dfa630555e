package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/bus"
)

// Store is the persistence contract the lifecycle manager requires.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	FindOpenByToken(ctx context.Context, token string) (Session, error)
	CloseIfOpen(ctx context.Context, id string, endedAt time.Time) (bool, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Extend(ctx context.Context, id string, newExpiry time.Time) (bool, error)
	ExpiredOpen(ctx context.Context, now time.Time) ([]Session, error)
	Tally(ctx context.Context, sessionID string) (map[string]int, error)
	Logs(ctx context.Context, sessionID string) ([]Log, error)
	ListByTeacher(ctx context.Context, teacherID string, limit, offset int) ([]Session, error)
}

// Service owns the session lifecycle: it mints and expires tokens and is
// the only writer of state transitions.
type Service struct {
	store      Store
	events     *bus.Bus
	defaultTTL time.Duration
	now        func() time.Time
}

// NewService creates a lifecycle manager. defaultTTL applies when Open is
// called without an explicit ttl.
func NewService(store Store, events *bus.Bus, defaultTTL time.Duration) *Service {
	if defaultTTL <= 0 {
		defaultTTL = 120 * time.Minute
	}
	return &Service{store: store, events: events, defaultTTL: defaultTTL, now: time.Now}
}

// OpenParams are the caller-supplied options for starting a session.
type OpenParams struct {
	ClassID           string
	TeacherID         string
	Title             string
	ScheduledAt       *time.Time
	Method            string
	LateWindowMinutes int
	TTL               time.Duration
}

// OpenResult is returned from Open; QRPayload is a base64url encoding of
// {sessionId, token} suitable for rendering as a scannable code.
type OpenResult struct {
	Session          Session
	Token            string
	ExpiresAt        time.Time
	ExpiresInSeconds int
	QRPayload        string
}

// Open creates a session directly in the open state with a fresh token.
func (s *Service) Open(ctx context.Context, p OpenParams) (OpenResult, error) {
	ttl := p.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if p.Method == "" {
		p.Method = MethodQR
	}
	if p.LateWindowMinutes <= 0 {
		p.LateWindowMinutes = 10
	}

	now := s.now().UTC()
	token := newToken()
	expiresAt := now.Add(ttl)
	endAt := expiresAt

	sess := Session{
		ID:                uuid.NewString(),
		ClassID:           p.ClassID,
		TeacherID:         p.TeacherID,
		Title:             p.Title,
		ScheduledAt:       p.ScheduledAt,
		StartAt:           &now,
		EndAt:             &endAt,
		Method:            p.Method,
		LateWindowMinutes: p.LateWindowMinutes,
		CreatedAt:         now,
		State:             Open{Token: token, ExpiresAt: expiresAt},
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return OpenResult{}, err
	}

	s.events.Publish(bus.Event{Name: bus.Started, SessionID: sess.ID, Timestamp: now, Token: token})

	return OpenResult{
		Session:          sess,
		Token:            token,
		ExpiresAt:        expiresAt,
		ExpiresInSeconds: int(expiresAt.Sub(now) / time.Second),
		QRPayload:        qrPayload(sess.ID, token),
	}, nil
}

// CloseResult carries the close timestamp and a per-status tally.
type CloseResult struct {
	EndedAt time.Time
	Tally   map[string]int
}

// Close ends an open session, clears its token, and returns the tally.
func (s *Service) Close(ctx context.Context, id string, actor Actor) (CloseResult, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return CloseResult{}, err
	}
	if !actor.owns(sess) {
		return CloseResult{}, ErrForbidden
	}

	endedAt := s.now().UTC()
	applied, err := s.store.CloseIfOpen(ctx, id, endedAt)
	if err != nil {
		return CloseResult{}, err
	}
	if !applied {
		// Lost the race with the sweeper, or the session was never open.
		return CloseResult{}, ErrAlreadyClosed
	}

	s.events.Publish(bus.Event{Name: bus.Ended, SessionID: id, Timestamp: endedAt})

	tally, err := s.store.Tally(ctx, id)
	if err != nil {
		return CloseResult{}, err
	}
	return CloseResult{EndedAt: endedAt, Tally: tally}, nil
}

// Cancel moves a draft or open session to the terminal cancelled state.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor) error {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !actor.owns(sess) {
		return ErrForbidden
	}
	applied, err := s.store.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if !applied {
		return ErrInvalidState
	}
	return nil
}

// Extend pushes the token expiry forward by additionalMinutes. Only valid
// while the session is open.
func (s *Service) Extend(ctx context.Context, id string, actor Actor, additionalMinutes int) (time.Time, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	if !actor.owns(sess) {
		return time.Time{}, ErrForbidden
	}
	open, ok := sess.State.(Open)
	if !ok {
		return time.Time{}, ErrInvalidState
	}
	newExpiry := open.ExpiresAt.Add(time.Duration(additionalMinutes) * time.Minute)
	applied, err := s.store.Extend(ctx, id, newExpiry)
	if err != nil {
		return time.Time{}, err
	}
	if !applied {
		return time.Time{}, ErrInvalidState
	}
	return newExpiry, nil
}

// ValidateToken resolves a live session token. Returns (nil, nil) when
// the token is unknown or expired. Never cached: expiry is time-driven
// and must be re-checked on every check-in.
func (s *Service) ValidateToken(ctx context.Context, token string) (*Session, error) {
	sess, err := s.ResolveToken(ctx, token)
	if err != nil || sess == nil {
		return nil, err
	}
	if open, ok := sess.State.(Open); !ok || !open.ExpiresAt.After(s.now().UTC()) {
		return nil, nil
	}
	return sess, nil
}

// ResolveToken resolves a token against open sessions without the expiry
// check. The device sync path uses it to report "expired" distinctly from
// "unknown token".
func (s *Service) ResolveToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, nil
	}
	sess, err := s.store.FindOpenByToken(ctx, token)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Logs returns a session's attendance records after an ownership check.
func (s *Service) Logs(ctx context.Context, id string, actor Actor) ([]Log, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.owns(sess) {
		return nil, ErrForbidden
	}
	return s.store.Logs(ctx, id)
}

// Summary returns the per-status tally after an ownership check.
func (s *Service) Summary(ctx context.Context, id string, actor Actor) (map[string]int, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.owns(sess) {
		return nil, ErrForbidden
	}
	return s.store.Tally(ctx, id)
}

// List returns sessions visible to the actor: admins see all, teachers
// see their own.
func (s *Service) List(ctx context.Context, actor Actor, limit, offset int) ([]Session, error) {
	teacherID := actor.ID
	if actor.isAdmin() {
		teacherID = ""
	}
	return s.store.ListByTeacher(ctx, teacherID, limit, offset)
}

// Get returns a session after an ownership check.
func (s *Service) Get(ctx context.Context, id string, actor Actor) (Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !actor.owns(sess) {
		return Session{}, ErrForbidden
	}
	return sess, nil
}

// newToken mints a URL-safe token with 192 bits of entropy.
func newToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func qrPayload(sessionID, token string) string {
	raw, _ := json.Marshal(map[string]string{"sessionId": sessionID, "token": token})
	return base64.RawURLEncoding.EncodeToString(raw)
}

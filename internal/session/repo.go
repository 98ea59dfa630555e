package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository persists sessions in Postgres. State transitions are
// guarded by the current status value in the WHERE clause, which is what
// makes the sweeper safe to race with explicit closes.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionCols = `id, class_id, teacher_id, title, scheduled_at, start_at, end_at, status, session_token, token_expires_at, method, late_window_minutes, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s        Session
		status   string
		token    sql.NullString
		tokenExp sql.NullTime
	)
	err := row.Scan(&s.ID, &s.ClassID, &s.TeacherID, &s.Title, &s.ScheduledAt, &s.StartAt, &s.EndAt,
		&status, &token, &tokenExp, &s.Method, &s.LateWindowMinutes, &s.CreatedAt)
	if err != nil {
		return Session{}, err
	}
	switch status {
	case StatusOpen:
		s.State = Open{Token: token.String, ExpiresAt: tokenExp.Time}
	case StatusClosed:
		ended := time.Time{}
		if s.EndAt != nil {
			ended = *s.EndAt
		}
		s.State = Closed{EndedAt: ended}
	case StatusCancelled:
		s.State = Cancelled{}
	default:
		s.State = Draft{}
	}
	return s, nil
}

// Create inserts a session in its current state.
func (r *Repository) Create(ctx context.Context, s Session) error {
	var token, tokenExp any
	if open, ok := s.State.(Open); ok {
		token, tokenExp = open.Token, open.ExpiresAt
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, class_id, teacher_id, title, scheduled_at, start_at, end_at, status, session_token, token_expires_at, method, late_window_minutes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, s.ID, s.ClassID, s.TeacherID, s.Title, s.ScheduledAt, s.StartAt, s.EndAt, s.State.Status(), token, tokenExp, s.Method, s.LateWindowMinutes)
	return err
}

// Get returns a session by id.
func (r *Repository) Get(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

// FindOpenByToken resolves a token against open sessions. Expiry is not
// filtered here; the service re-evaluates it against the clock.
func (r *Repository) FindOpenByToken(ctx context.Context, token string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionCols+` FROM sessions
		WHERE session_token = $1 AND status = 'open'
	`, token)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

// CloseIfOpen transitions open -> closed, clearing token fields. Returns
// false when the session was not open, which callers treat as a benign
// race or an AlreadyClosed error depending on who initiated.
func (r *Repository) CloseIfOpen(ctx context.Context, id string, endedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'closed', session_token = NULL, token_expires_at = NULL, end_at = $2
		WHERE id = $1 AND status = 'open'
	`, id, endedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Cancel transitions draft/open -> cancelled.
func (r *Repository) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'cancelled', session_token = NULL, token_expires_at = NULL
		WHERE id = $1 AND status IN ('draft','open')
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Extend pushes the token expiry and end time forward while open.
func (r *Repository) Extend(ctx context.Context, id string, newExpiry time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET token_expires_at = $2, end_at = $2
		WHERE id = $1 AND status = 'open'
	`, id, newExpiry)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ExpiredOpen returns sessions still open past their token expiry.
func (r *Repository) ExpiredOpen(ctx context.Context, now time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionCols+` FROM sessions
		WHERE status = 'open' AND token_expires_at <= $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

// Tally counts attendance records for a session grouped by status.
func (r *Repository) Tally(ctx context.Context, sessionID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM attendance_records WHERE session_id = $1 GROUP BY status
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tally := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		tally[status] = count
	}
	return tally, rows.Err()
}

// Logs returns a session's attendance records, newest first.
func (r *Repository) Logs(ctx context.Context, sessionID string) ([]Log, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id, status, ts, method, device_id, score, overridden, overridden_by, override_reason
		FROM attendance_records WHERE session_id = $1 ORDER BY ts DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []Log
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.StudentID, &l.Status, &l.Timestamp, &l.Method, &l.DeviceID, &l.Score, &l.Overridden, &l.OverriddenBy, &l.OverrideReason); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ListByTeacher returns sessions owned by a teacher, newest first. An
// empty teacherID lists all (admin view).
func (r *Repository) ListByTeacher(ctx context.Context, teacherID string, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + sessionCols + ` FROM sessions`
	args := []any{}
	if teacherID != "" {
		query += ` WHERE teacher_id = $1`
		args = append(args, teacherID)
	}
	query += ` ORDER BY created_at DESC LIMIT $` + itoa(len(args)+1) + ` OFFSET $` + itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

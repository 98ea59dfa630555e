package checkin

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"rollcall/internal/store"
)

// Repository persists attendance records and the processed-event ledger
// in Postgres. All record writes are upserts; uniqueness constraints are
// the concurrency control, not application locks.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertProcessed records a (deviceId, clientEventId) pair in the ledger.
// Returns false when the pair was already present, which is the sole
// replay-rejection signal.
func (r *Repository) InsertProcessed(ctx context.Context, deviceID, clientEventID string) (bool, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processed_events (device_id, client_event_id)
		VALUES ($1, $2)
	`, deviceID, clientEventID)
	if store.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const recordCols = `id, session_id, class_id, student_id, status, ts, method, device_id, client_event_id, score, overridden, overridden_by, override_reason`

func scanRecord(row *sql.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.ClassID, &rec.StudentID, &rec.Status, &rec.Timestamp,
		&rec.Method, &rec.DeviceID, &rec.ClientEventID, &rec.Score, &rec.Overridden, &rec.OverriddenBy, &rec.OverrideReason)
	return rec, err
}

// UpsertRecord writes the attendance record keyed on (session, student).
// Retries and duplicate submissions converge to the same row.
func (r *Repository) UpsertRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, session_id, class_id, student_id, status, ts, method, device_id, client_event_id, score, overridden, overridden_by, override_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (session_id, student_id) DO UPDATE SET
			status = EXCLUDED.status,
			ts = EXCLUDED.ts,
			method = EXCLUDED.method,
			device_id = EXCLUDED.device_id,
			client_event_id = EXCLUDED.client_event_id,
			score = EXCLUDED.score,
			overridden = EXCLUDED.overridden,
			overridden_by = EXCLUDED.overridden_by,
			override_reason = EXCLUDED.override_reason
		RETURNING `+recordCols+`
	`, rec.ID, rec.SessionID, rec.ClassID, rec.StudentID, rec.Status, rec.Timestamp, rec.Method,
		rec.DeviceID, rec.ClientEventID, rec.Score, rec.Overridden, rec.OverriddenBy, rec.OverrideReason)
	return scanRecord(row)
}

// FindByClientEvent returns the record previously written for a client
// event id, or nil.
func (r *Repository) FindByClientEvent(ctx context.Context, clientEventID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordCols+` FROM attendance_records WHERE client_event_id = $1
	`, clientEventID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindBySessionStudent returns the record for a (session, student) pair,
// or nil.
func (r *Repository) FindBySessionStudent(ctx context.Context, sessionID, studentID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordCols+` FROM attendance_records WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

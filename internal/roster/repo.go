package roster

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned when no roster entry matches.
var ErrNotFound = errors.New("student not found")

// Repository reads and rotates roster entries in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const studentCols = `id, user_id, name, roll_no, class_id, email, qr_token, status, created_at, claimed_at`

func scanStudent(row *sql.Row) (Student, error) {
	var s Student
	err := row.Scan(&s.ID, &s.UserID, &s.Name, &s.RollNo, &s.ClassID, &s.Email, &s.QRToken, &s.Status, &s.Created, &s.Claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return Student{}, ErrNotFound
	}
	return s, err
}

// FindByID returns a roster entry by id.
func (r *Repository) FindByID(ctx context.Context, id string) (Student, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+studentCols+` FROM students WHERE id = $1`, id)
	return scanStudent(row)
}

// FindByQRToken resolves a student from a scanned QR token.
func (r *Repository) FindByQRToken(ctx context.Context, token string) (Student, error) {
	if token == "" {
		return Student{}, ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+studentCols+` FROM students WHERE qr_token = $1`, token)
	return scanStudent(row)
}

// RotateQRToken mints a fresh QR token for a student, invalidating the
// previous one, and returns the new token.
func (r *Repository) RotateQRToken(ctx context.Context, id string) (string, error) {
	token := newQRToken()
	res, err := r.db.ExecContext(ctx, `UPDATE students SET qr_token = $2 WHERE id = $1`, id, token)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}
	return token, nil
}

func newQRToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

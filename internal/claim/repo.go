package claim

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rollcall/internal/roster"
	"rollcall/internal/store"
)

// Repository persists claim state on roster entries and creates login
// identities. Redemption is transactional: identity creation and the
// roster link commit together or not at all.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SetClaimCode stores a fresh code hash and TTL on an unclaimed entry,
// zeroing attempt and lock state. The old hash is simply overwritten.
func (r *Repository) SetClaimCode(ctx context.Context, studentID, codeHash string, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE students
		SET claim_code_hash = $2, claim_expires_at = $3, status = 'unclaimed',
			claimed_at = NULL, claim_attempts = 0, claim_locked_until = NULL
		WHERE id = $1 AND status <> 'claimed'
	`, studentID, codeHash, expiresAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return roster.ErrNotFound
	}
	return nil
}

// FindUnclaimedByHash matches a code hash against unclaimed, unexpired
// entries.
func (r *Repository) FindUnclaimedByHash(ctx context.Context, codeHash string, now time.Time) (State, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, claim_attempts, claim_locked_until
		FROM students
		WHERE claim_code_hash = $1 AND status = 'unclaimed' AND claim_expires_at > $2
	`, codeHash, now)
	var st State
	err := row.Scan(&st.StudentID, &st.Name, &st.Attempts, &st.LockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrInvalidOrExpiredClaim
	}
	return st, err
}

// RecordFailedAttempt bumps the entry's attempt counter; crossing
// maxAttempts sets the lock and resets the counter, in one statement so
// concurrent failures cannot interleave a stale read.
func (r *Repository) RecordFailedAttempt(ctx context.Context, studentID string, maxAttempts int, lockUntil time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE students SET
			claim_locked_until = CASE WHEN claim_attempts + 1 >= $2 THEN $3 ELSE claim_locked_until END,
			claim_attempts = CASE WHEN claim_attempts + 1 >= $2 THEN 0 ELSE claim_attempts + 1 END
		WHERE id = $1
	`, studentID, maxAttempts, lockUntil)
	return err
}

// EmailExists reports whether a login identity already uses the email.
func (r *Repository) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`, email).Scan(&exists)
	return exists, err
}

// Redeem atomically creates the identity and links the roster entry. The
// roster update is guarded by status='unclaimed'; a concurrent redemption
// that already flipped it makes the whole transaction roll back and
// Redeem report false.
func (r *Repository) Redeem(ctx context.Context, studentID string, ident Identity, passwordHash string, claimedAt time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
	`, ident.ID, ident.Name, ident.Email, passwordHash, ident.Role)
	if store.IsUniqueViolation(err) {
		return false, ErrEmailTaken
	}
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE students
		SET user_id = $2, status = 'claimed', claimed_at = $3,
			claim_code_hash = NULL, claim_expires_at = NULL,
			claim_attempts = 0, claim_locked_until = NULL
		WHERE id = $1 AND status = 'unclaimed'
	`, studentID, ident.ID, claimedAt)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	return true, tx.Commit()
}

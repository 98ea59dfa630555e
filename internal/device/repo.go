package device

import (
	"context"
	"database/sql"
	"errors"
)

// Repository persists devices in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert stores a freshly registered device.
func (r *Repository) Insert(ctx context.Context, d Device) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, owner_id, secret)
		VALUES ($1, $2, $3, $4)
	`, d.ID, d.Name, d.OwnerID, d.Secret)
	return err
}

// Get returns a device by id.
func (r *Repository) Get(ctx context.Context, id string) (Device, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, secret, created_at FROM devices WHERE id = $1
	`, id)
	var d Device
	err := row.Scan(&d.ID, &d.Name, &d.OwnerID, &d.Secret, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	return d, err
}

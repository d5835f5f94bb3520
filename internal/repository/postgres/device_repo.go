package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/vkuzn/peerstore/internal/errs"
	"github.com/vkuzn/peerstore/internal/model"
)

// DeviceRepo implements DeviceRepository using PostgreSQL.
type DeviceRepo struct{ db *DB }

// NewDeviceRepo constructs a device repository.
func NewDeviceRepo(db *DB) *DeviceRepo { return &DeviceRepo{db: db} }

const deviceColumns = `id, user_id, address, hardware_id, device_type,
capacity_bytes, free_bytes, status, last_seen, created_at`

// Create inserts a new device row. The hardware id is globally unique.
func (r *DeviceRepo) Create(ctx context.Context, d *model.Device) error {
	const q = `
INSERT INTO devices (id, user_id, address, hardware_id, device_type, capacity_bytes, free_bytes, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.Pool.Exec(ctx, q,
		d.ID, d.UserID, d.Address, d.HardwareID, d.DeviceType,
		d.CapacityBytes, d.FreeBytes, d.Status)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects a device by ID.
func (r *DeviceRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Device, error) {
	const q = `SELECT ` + deviceColumns + ` FROM devices WHERE id=$1`
	row := r.db.Pool.QueryRow(ctx, q, id)
	var d model.Device
	if err := scanDevice(row, &d); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListByIDs returns devices matching the id set and status, in registration
// order. Ids with no matching row are dropped silently.
func (r *DeviceRepo) ListByIDs(ctx context.Context, ids []uuid.UUID, status model.DeviceStatus) ([]model.Device, error) {
	const q = `
SELECT ` + deviceColumns + `
FROM devices
WHERE id = ANY($1) AND status = $2
ORDER BY created_at, id`
	rows, err := r.db.Pool.Query(ctx, q, ids, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDevices(rows)
}

// ListAll returns every device in registration order.
func (r *DeviceRepo) ListAll(ctx context.Context) ([]model.Device, error) {
	const q = `SELECT ` + deviceColumns + ` FROM devices ORDER BY created_at, id`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDevices(rows)
}

// UpdateStatus sets status and last_seen in one statement. Writing the
// status a device already has is a no-op.
func (r *DeviceRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status model.DeviceStatus, observedAt time.Time) error {
	const q = `
UPDATE devices SET status=$2, last_seen=$3
WHERE id=$1 AND status <> $2`
	tag, err := r.db.Pool.Exec(ctx, q, id, status, observedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.ensureExists(ctx, id)
	}
	return nil
}

// UpdateAddress moves a device to a new agent address and marks it connected.
// Owner-scoped so one user cannot redirect another user's device.
func (r *DeviceRepo) UpdateAddress(ctx context.Context, id, userID uuid.UUID, address string) error {
	const q = `
UPDATE devices SET address=$3, status='connected', last_seen=now()
WHERE id=$1 AND user_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, id, userID, address)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// AdjustFree applies delta to free_bytes. The WHERE guard makes the
// check-and-write atomic under concurrent callers; reclaim clamps at the
// declared capacity.
func (r *DeviceRepo) AdjustFree(ctx context.Context, id uuid.UUID, delta int64) error {
	const q = `
UPDATE devices SET free_bytes = LEAST(free_bytes + $2, capacity_bytes)
WHERE id=$1 AND free_bytes + $2 >= 0`
	tag, err := r.db.Pool.Exec(ctx, q, id, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if err := r.ensureExists(ctx, id); err != nil {
			return err
		}
		return errs.ErrInsufficientCapacity
	}
	return nil
}

// ensureExists distinguishes "row missing" from "condition not met".
func (r *DeviceRepo) ensureExists(ctx context.Context, id uuid.UUID) error {
	const q = `SELECT 1 FROM devices WHERE id=$1`
	var one int
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	return nil
}

func scanDevice(row pgx.Row, d *model.Device) error {
	return row.Scan(&d.ID, &d.UserID, &d.Address, &d.HardwareID, &d.DeviceType,
		&d.CapacityBytes, &d.FreeBytes, &d.Status, &d.LastSeen, &d.CreatedAt)
}

func collectDevices(rows pgx.Rows) ([]model.Device, error) {
	var out []model.Device
	for rows.Next() {
		var d model.Device
		if err := scanDevice(rows, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/vkuzn/peerstore/internal/model"
)

// DeviceRepository provides storage for registered peer devices.
type DeviceRepository interface {
	// Create inserts a new device. Returns errs.ErrAlreadyExists when the
	// hardware id is already registered, regardless of owner.
	Create(ctx context.Context, d *model.Device) error

	// GetByID loads a device by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Device, error)

	// ListByIDs returns devices matching both the id set and the status
	// filter, in registration order. Unknown ids are silently dropped.
	ListByIDs(ctx context.Context, ids []uuid.UUID, status model.DeviceStatus) ([]model.Device, error)

	// ListAll returns every registered device in registration order.
	ListAll(ctx context.Context) ([]model.Device, error)

	// UpdateStatus sets status and last_seen atomically. A call that does
	// not change the status is a no-op; an unknown id is errs.ErrNotFound.
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.DeviceStatus, observedAt time.Time) error

	// UpdateAddress sets a new agent address for a device owned by userID,
	// marking it connected. errs.ErrNotFound when the device is absent or
	// owned by someone else.
	UpdateAddress(ctx context.Context, id, userID uuid.UUID, address string) error

	// AdjustFree applies delta to the device's free capacity with a
	// non-negativity guard; reclaim is clamped at declared capacity.
	// Returns errs.ErrInsufficientCapacity when the guard rejects the write.
	AdjustFree(ctx context.Context, id uuid.UUID, delta int64) error
}

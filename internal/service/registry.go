// Package service contains application services for device coordination,
// file indexing, chunk placement and authentication.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/vkuzn/peerstore/internal/model"
	"github.com/vkuzn/peerstore/internal/repository"
)

// DeviceRegistry tracks known devices, their capacity and liveness status.
type DeviceRegistry interface {
	// Register adds a device owned by userID. Fails with errs.ErrAlreadyExists
	// when the hardware id is registered anywhere, regardless of owner.
	Register(ctx context.Context, userID uuid.UUID, address, hardwareID, deviceType string, capacityBytes int64) (*model.Device, error)
	// ListCandidates filters the id set down to devices in the given status,
	// in registration order. Unknown ids are dropped silently.
	ListCandidates(ctx context.Context, ids []uuid.UUID, status model.DeviceStatus) ([]model.Device, error)
	// Get loads a single device by id.
	Get(ctx context.Context, deviceID uuid.UUID) (*model.Device, error)
	// ListAll returns every registered device.
	ListAll(ctx context.Context) ([]model.Device, error)
	// UpdateStatus records a liveness transition. Idempotent; a repeated
	// status is a no-op.
	UpdateStatus(ctx context.Context, deviceID uuid.UUID, status model.DeviceStatus, observedAt time.Time) error
	// UpdateAddress moves a device owned by userID to a new agent address and
	// marks it connected. Devices on home networks change addresses; without
	// this their chunks would be stranded.
	UpdateAddress(ctx context.Context, userID, deviceID uuid.UUID, address string) error
	// AdjustFreeCapacity applies a guarded delta to a device's free capacity.
	AdjustFreeCapacity(ctx context.Context, deviceID uuid.UUID, delta int64) error
}

type DeviceRegistryImpl struct {
	devices repository.DeviceRepository
}

// NewDeviceRegistry constructs the registry service.
func NewDeviceRegistry(devices repository.DeviceRepository) *DeviceRegistryImpl {
	return &DeviceRegistryImpl{devices: devices}
}

// Register validates input and inserts the device with free capacity equal
// to the declared capacity and status connected.
func (s *DeviceRegistryImpl) Register(ctx context.Context, userID uuid.UUID, address, hardwareID, deviceType string, capacityBytes int64) (*model.Device, error) {
	if userID == uuid.Nil {
		return nil, errors.New("validation: empty userID")
	}
	if address == "" || hardwareID == "" {
		return nil, errors.New("validation: empty address/hardwareID")
	}
	if capacityBytes <= 0 {
		return nil, fmt.Errorf("validation: non-positive capacity %d", capacityBytes)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	d := &model.Device{
		ID:            id,
		UserID:        userID,
		Address:       address,
		HardwareID:    hardwareID,
		DeviceType:    deviceType,
		CapacityBytes: capacityBytes,
		FreeBytes:     capacityBytes,
		Status:        model.StatusConnected,
	}
	if err := s.devices.Create(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ListCandidates delegates the id-set + status filter to the repository.
func (s *DeviceRegistryImpl) ListCandidates(ctx context.Context, ids []uuid.UUID, status model.DeviceStatus) ([]model.Device, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if !status.Valid() {
		return nil, fmt.Errorf("validation: bad status %q", status)
	}
	return s.devices.ListByIDs(ctx, ids, status)
}

// Get loads a single device.
func (s *DeviceRegistryImpl) Get(ctx context.Context, deviceID uuid.UUID) (*model.Device, error) {
	if deviceID == uuid.Nil {
		return nil, errors.New("validation: empty deviceID")
	}
	return s.devices.GetByID(ctx, deviceID)
}

// ListAll returns every registered device.
func (s *DeviceRegistryImpl) ListAll(ctx context.Context) ([]model.Device, error) {
	return s.devices.ListAll(ctx)
}

// UpdateStatus validates the status value and records the transition.
func (s *DeviceRegistryImpl) UpdateStatus(ctx context.Context, deviceID uuid.UUID, status model.DeviceStatus, observedAt time.Time) error {
	if deviceID == uuid.Nil {
		return errors.New("validation: empty deviceID")
	}
	if !status.Valid() {
		return fmt.Errorf("validation: bad status %q", status)
	}
	return s.devices.UpdateStatus(ctx, deviceID, status, observedAt)
}

// UpdateAddress validates input and records the device's new address.
func (s *DeviceRegistryImpl) UpdateAddress(ctx context.Context, userID, deviceID uuid.UUID, address string) error {
	if userID == uuid.Nil || deviceID == uuid.Nil {
		return errors.New("validation: empty userID/deviceID")
	}
	if address == "" {
		return errors.New("validation: empty address")
	}
	return s.devices.UpdateAddress(ctx, deviceID, userID, address)
}

// AdjustFreeCapacity applies delta to the device's free capacity. The
// repository guard rejects overdraw and clamps reclaim at declared capacity.
func (s *DeviceRegistryImpl) AdjustFreeCapacity(ctx context.Context, deviceID uuid.UUID, delta int64) error {
	if deviceID == uuid.Nil {
		return errors.New("validation: empty deviceID")
	}
	if delta == 0 {
		return nil
	}
	return s.devices.AdjustFree(ctx, deviceID, delta)
}

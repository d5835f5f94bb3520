// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist or is not
	// owned by the caller.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation
	// (duplicate hardware id, duplicate (file, order) slot, username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrNoDevicesAvailable indicates the candidate set contains no
	// connected devices.
	ErrNoDevicesAvailable = errors.New("no devices available")

	// ErrNoCapacity indicates no candidate device has enough free space
	// for the chunk.
	ErrNoCapacity = errors.New("no capacity")

	// ErrInsufficientCapacity indicates the guarded capacity decrement
	// failed; the pre-check passed on a stale read and the write lost the race.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrDeviceOffline indicates the device holding the requested chunk is
	// not currently connected.
	ErrDeviceOffline = errors.New("device offline")

	// ErrIntegrity indicates retrieved chunk bytes do not match the hash
	// recorded at placement time.
	ErrIntegrity = errors.New("chunk integrity mismatch")

	// ErrTransferFailed is the class matched by TransferError values.
	ErrTransferFailed = errors.New("transfer failed")
)

// TransferError reports a failed byte transfer to a specific device,
// preserving the device identity and the underlying transport error.
type TransferError struct {
	DeviceID uuid.UUID
	Address  string
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer to device %s (%s): %v", e.DeviceID, e.Address, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTransferFailed) match any TransferError.
func (e *TransferError) Is(target error) bool { return target == ErrTransferFailed }

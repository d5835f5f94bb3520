// Package transport implements the point-to-point byte-transfer protocol
// spoken by peer device agents.
package transport

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/vkuzn/peerstore/internal/model"
)

// Payload is one chunk push: the encrypted bytes plus the metadata the
// device agent stores alongside them.
type Payload struct {
	FileID uuid.UUID
	Order  int
	Hash   string
	Data   []byte
	Enc    model.EncryptionMeta
}

// DeviceTransport is the single-call push/pull primitive against a device
// agent address. Every call observes the context deadline; an unresponsive
// device fails the call rather than stalling the coordinator.
type DeviceTransport interface {
	// Push sends chunk bytes and metadata to the device.
	Push(ctx context.Context, addr string, p Payload) error
	// Fetch reads chunk bytes back from the device.
	Fetch(ctx context.Context, addr string, fileID uuid.UUID, order int) ([]byte, error)
	// Ping checks reachability of the device agent.
	Ping(ctx context.Context, addr string) error
	// Delete asks the device to drop a stored chunk. Used for compensation
	// after a failed metadata commit and for file deletion; best-effort.
	Delete(ctx context.Context, addr string, fileID uuid.UUID, order int) error
}

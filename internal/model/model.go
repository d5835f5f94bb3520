// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// DeviceStatus is the liveness classification of a registered device.
type DeviceStatus string

const (
	// StatusConnected means the device answered its last probe or check-in.
	StatusConnected DeviceStatus = "connected"
	// StatusDisconnected means the device signed off gracefully.
	StatusDisconnected DeviceStatus = "disconnected"
	// StatusUnreachable means the last probe failed (timeout, refused, DNS).
	StatusUnreachable DeviceStatus = "unreachable"
)

// Valid reports whether s is one of the known status values.
func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusConnected, StatusDisconnected, StatusUnreachable:
		return true
	}
	return false
}

// User represents an account. Credentials are hashed server-side.
type User struct {
	ID        uuid.UUID // PK
	Username  string    // unique
	PwdHash   []byte    // Argon2id(password, SaltAuth)
	SaltAuth  []byte    // per-user auth salt
	CreatedAt time.Time
}

// Device is a registered peer device that stores chunks for other users.
// FreeBytes is decremented atomically with chunk placement and never goes
// negative or above CapacityBytes.
type Device struct {
	ID            uuid.UUID
	UserID        uuid.UUID // registrant
	Address       string    // host:port of the device agent
	HardwareID    string    // globally unique hardware identifier
	DeviceType    string
	CapacityBytes int64
	FreeBytes     int64
	Status        DeviceStatus
	LastSeen      time.Time
	CreatedAt     time.Time
}

// File is a registered user file; chunk attachment happens separately.
type File struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Filename  string
	SizeBytes int64
	FileHash  string // content hash of the whole file, client-declared
	KeyHash   string // hash of the encryption key, opaque to the server
	CreatedAt time.Time
}

// EncryptionMeta carries opaque client-side encryption parameters for a chunk.
type EncryptionMeta struct {
	Algorithm  string
	WrappedKey []byte
	IV         []byte
}

// Chunk is one contiguous byte range of a file, stored on exactly one device.
// Immutable once written; (FileID, Order) is unique.
type Chunk struct {
	ID        uuid.UUID
	FileID    uuid.UUID
	DeviceID  uuid.UUID
	Order     int
	SizeBytes int64
	Hash      string // sha256 hex of the stored bytes
	Enc       EncryptionMeta
	CreatedAt time.Time

	// Joined from the devices table on manifest reads; zero values when the
	// chunk was not loaded through a device join.
	DeviceStatus  DeviceStatus
	DeviceAddress string
}

// FileInfo aggregates a file with its ordered manifest and derived availability.
type FileInfo struct {
	File      File
	Chunks    []Chunk
	Available bool
}

// Available reports file-level availability for a manifest: non-empty and
// every chunk's device currently connected.
func Available(chunks []Chunk) bool {
	if len(chunks) == 0 {
		return false
	}
	for i := range chunks {
		if chunks[i].DeviceStatus != StatusConnected {
			return false
		}
	}
	return true
}

// Tokens collects issued access tokens.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time // access token expiry (for diagnostics)
}

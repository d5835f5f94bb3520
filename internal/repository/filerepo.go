package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/vkuzn/peerstore/internal/model"
)

// FileRepository provides storage for files and their chunk records.
type FileRepository interface {
	// CreateFile inserts a new file row.
	CreateFile(ctx context.Context, f *model.File) error

	// GetFile loads a file owned by ownerID; errs.ErrNotFound when the file
	// is absent or owned by someone else.
	GetFile(ctx context.Context, ownerID, fileID uuid.UUID) (*model.File, error)

	// ListFiles returns the owner's files, newest first.
	ListFiles(ctx context.Context, ownerID uuid.UUID) ([]model.File, error)

	// InsertChunk records a placed chunk and decrements the device's free
	// capacity in one transaction. Returns errs.ErrAlreadyExists for a
	// duplicate (file, order) slot and errs.ErrInsufficientCapacity when the
	// guarded decrement rejects the write; in both cases nothing is persisted.
	InsertChunk(ctx context.Context, c *model.Chunk) error

	// ListChunks returns a file's chunks ordered by chunk order, with the
	// holding device's status and address joined in.
	ListChunks(ctx context.Context, fileID uuid.UUID) ([]model.Chunk, error)

	// GetChunk loads one chunk by (file, order) with device status and
	// address joined in.
	GetChunk(ctx context.Context, fileID uuid.UUID, order int) (*model.Chunk, error)

	// DeleteFile removes a file and its chunk records, reclaiming each
	// device's capacity, all in one transaction. The removed chunks are
	// returned (with device addresses) so callers can clean up device-side
	// bytes best-effort.
	DeleteFile(ctx context.Context, ownerID, fileID uuid.UUID) ([]model.Chunk, error)
}

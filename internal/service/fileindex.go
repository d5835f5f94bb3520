package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/vkuzn/peerstore/internal/model"
	"github.com/vkuzn/peerstore/internal/repository"
)

// FileIndex maintains the per-file chunk manifest and derives file-level
// availability from current device status.
type FileIndex interface {
	// RegisterFile creates a file entry for the owner.
	RegisterFile(ctx context.Context, ownerID uuid.UUID, filename string, sizeBytes int64, fileHash, keyHash string) (*model.File, error)
	// Manifest returns the ordered chunk sequence for an owned file;
	// errs.ErrNotFound for files that are absent or owned by someone else.
	Manifest(ctx context.Context, ownerID, fileID uuid.UUID) ([]model.Chunk, error)
	// ListFiles enumerates the owner's files with manifests and availability.
	// Availability is re-derived on every call; two calls may legitimately
	// disagree when a device transitions in between.
	ListFiles(ctx context.Context, ownerID uuid.UUID) ([]model.FileInfo, error)
}

type FileIndexImpl struct {
	files repository.FileRepository
}

// NewFileIndex constructs the file index service.
func NewFileIndex(files repository.FileRepository) *FileIndexImpl {
	return &FileIndexImpl{files: files}
}

// RegisterFile validates input and inserts the file row.
func (s *FileIndexImpl) RegisterFile(ctx context.Context, ownerID uuid.UUID, filename string, sizeBytes int64, fileHash, keyHash string) (*model.File, error) {
	if ownerID == uuid.Nil {
		return nil, errors.New("validation: empty ownerID")
	}
	if filename == "" {
		return nil, errors.New("validation: empty filename")
	}
	if sizeBytes < 0 {
		return nil, fmt.Errorf("validation: negative size %d", sizeBytes)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	f := &model.File{
		ID:        id,
		OwnerID:   ownerID,
		Filename:  filename,
		SizeBytes: sizeBytes,
		FileHash:  fileHash,
		KeyHash:   keyHash,
	}
	if err := s.files.CreateFile(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Manifest checks ownership, then loads the ordered chunk list.
func (s *FileIndexImpl) Manifest(ctx context.Context, ownerID, fileID uuid.UUID) ([]model.Chunk, error) {
	if ownerID == uuid.Nil || fileID == uuid.Nil {
		return nil, errors.New("validation: empty ownerID/fileID")
	}
	if _, err := s.files.GetFile(ctx, ownerID, fileID); err != nil {
		return nil, err
	}
	return s.files.ListChunks(ctx, fileID)
}

// ListFiles loads each file's manifest and computes availability from the
// device status joined into the chunk rows.
func (s *FileIndexImpl) ListFiles(ctx context.Context, ownerID uuid.UUID) ([]model.FileInfo, error) {
	if ownerID == uuid.Nil {
		return nil, errors.New("validation: empty ownerID")
	}
	files, err := s.files.ListFiles(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]model.FileInfo, 0, len(files))
	for i := range files {
		chunks, err := s.files.ListChunks(ctx, files[i].ID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.FileInfo{
			File:      files[i],
			Chunks:    chunks,
			Available: model.Available(chunks),
		})
	}
	return out, nil
}

package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/vkuzn/peerstore/internal/errs"
	"github.com/vkuzn/peerstore/internal/model"
	"github.com/vkuzn/peerstore/internal/placement"
	"github.com/vkuzn/peerstore/internal/repository"
	"github.com/vkuzn/peerstore/internal/transport"
)

// ChunkCoordinator orchestrates chunk placement and retrieval: ownership
// checks, candidate filtering, placement, the byte transfer and the atomic
// metadata commit.
type ChunkCoordinator interface {
	// UploadChunk places one chunk on a device picked from deviceHints.
	UploadChunk(ctx context.Context, userID, fileID uuid.UUID, order int, data []byte, deviceHints []uuid.UUID, enc model.EncryptionMeta) (*model.Chunk, error)
	// RetrieveChunk reads chunk bytes back from the holding device, verifying
	// them against the hash recorded at placement time.
	RetrieveChunk(ctx context.Context, userID, fileID uuid.UUID, order int) ([]byte, *model.Chunk, error)
	// DeleteFile removes a file, its chunk records and reclaims device
	// capacity; device-side bytes are dropped best-effort.
	DeleteFile(ctx context.Context, userID, fileID uuid.UUID) error
}

type ChunkCoordinatorImpl struct {
	files       repository.FileRepository
	registry    DeviceRegistry
	policy      placement.Policy
	transport   transport.DeviceTransport
	maxAttempts int
	log         *zap.Logger
}

// NewChunkCoordinator constructs the coordinator. maxAttempts bounds how many
// distinct candidate devices a single upload may try before giving up.
func NewChunkCoordinator(
	files repository.FileRepository,
	registry DeviceRegistry,
	policy placement.Policy,
	tr transport.DeviceTransport,
	maxAttempts int,
	log *zap.Logger,
) *ChunkCoordinatorImpl {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &ChunkCoordinatorImpl{
		files:       files,
		registry:    registry,
		policy:      policy,
		transport:   tr,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// UploadChunk runs the placement pipeline:
//
//  1. ownership check (errs.ErrNotFound stops cross-user chunk injection)
//  2. occupancy check: an already-placed (file, order) is rejected with
//     errs.ErrAlreadyExists before any bytes move
//  3. filter hints to connected devices (errs.ErrNoDevicesAvailable)
//  4. hash the bytes
//  5. first-fit placement (errs.ErrNoCapacity)
//  6. push to the device; on transfer failure the device is dropped from the
//     candidate set and the next first-fit candidate is tried, up to
//     maxAttempts distinct devices
//  7. one transaction: insert chunk row + guarded capacity decrement; a
//     guard rejection rolls everything back and triggers a compensating
//     delete on the device so transferred bytes don't linger
func (s *ChunkCoordinatorImpl) UploadChunk(ctx context.Context, userID, fileID uuid.UUID, order int, data []byte, deviceHints []uuid.UUID, enc model.EncryptionMeta) (*model.Chunk, error) {
	if userID == uuid.Nil || fileID == uuid.Nil {
		return nil, errors.New("validation: empty userID/fileID")
	}
	if order < 0 {
		return nil, fmt.Errorf("validation: negative order %d", order)
	}
	if len(data) == 0 {
		return nil, errors.New("validation: empty chunk data")
	}

	if _, err := s.files.GetFile(ctx, userID, fileID); err != nil {
		return nil, err
	}
	if _, err := s.files.GetChunk(ctx, fileID, order); err == nil {
		return nil, fmt.Errorf("chunk %s/%d: %w", fileID, order, errs.ErrAlreadyExists)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	candidates, err := s.registry.ListCandidates(ctx, deviceHints, model.StatusConnected)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errs.ErrNoDevicesAvailable
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	size := int64(len(data))

	var lastTransferErr error
	for attempt := 0; attempt < s.maxAttempts && len(candidates) > 0; attempt++ {
		dev, err := s.policy.Select(candidates, size)
		if err != nil {
			// Out of fitting candidates. A transfer failure en route is the
			// more informative error.
			if lastTransferErr != nil {
				return nil, lastTransferErr
			}
			return nil, err
		}

		payload := transport.Payload{FileID: fileID, Order: order, Hash: hash, Data: data, Enc: enc}
		if err := s.transport.Push(ctx, dev.Address, payload); err != nil {
			lastTransferErr = &errs.TransferError{DeviceID: dev.ID, Address: dev.Address, Err: err}
			s.log.Warn("chunk push failed, trying next candidate",
				zap.Stringer("device", dev.ID),
				zap.String("addr", dev.Address),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			candidates = dropDevice(candidates, dev.ID)
			continue
		}

		chunkID, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		chunk := &model.Chunk{
			ID:        chunkID,
			FileID:    fileID,
			DeviceID:  dev.ID,
			Order:     order,
			SizeBytes: size,
			Hash:      hash,
			Enc:       enc,
		}
		if err := s.files.InsertChunk(ctx, chunk); err != nil {
			if errors.Is(err, errs.ErrAlreadyExists) {
				// A concurrent upload won the (file, order) slot. Deleting by
				// that key on the winner's device would destroy the committed
				// copy, so drop our bytes only when they landed elsewhere.
				if existing, gerr := s.files.GetChunk(ctx, fileID, order); gerr == nil && existing.DeviceID != dev.ID {
					s.compensate(ctx, dev.Address, fileID, order)
				}
				return nil, err
			}
			// The bytes made it to the device but the record did not; drop
			// them so the chunk is not reachable as "placed".
			s.compensate(ctx, dev.Address, fileID, order)
			return nil, err
		}

		s.log.Info("chunk placed",
			zap.Stringer("file", fileID),
			zap.Int("order", order),
			zap.Stringer("device", dev.ID),
			zap.Int64("size", size),
		)
		return chunk, nil
	}

	if lastTransferErr != nil {
		return nil, lastTransferErr
	}
	return nil, errs.ErrNoCapacity
}

// RetrieveChunk checks ownership, requires the holding device to be
// connected, fetches the bytes and re-verifies the stored hash.
func (s *ChunkCoordinatorImpl) RetrieveChunk(ctx context.Context, userID, fileID uuid.UUID, order int) ([]byte, *model.Chunk, error) {
	if userID == uuid.Nil || fileID == uuid.Nil {
		return nil, nil, errors.New("validation: empty userID/fileID")
	}
	if _, err := s.files.GetFile(ctx, userID, fileID); err != nil {
		return nil, nil, err
	}
	chunk, err := s.files.GetChunk(ctx, fileID, order)
	if err != nil {
		return nil, nil, err
	}
	if chunk.DeviceStatus != model.StatusConnected {
		return nil, nil, fmt.Errorf("device %s is %s: %w", chunk.DeviceID, chunk.DeviceStatus, errs.ErrDeviceOffline)
	}

	data, err := s.transport.Fetch(ctx, chunk.DeviceAddress, fileID, order)
	if err != nil {
		return nil, nil, &errs.TransferError{DeviceID: chunk.DeviceID, Address: chunk.DeviceAddress, Err: err}
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != chunk.Hash {
		return nil, nil, fmt.Errorf("chunk %s/%d from device %s: %w", fileID, order, chunk.DeviceID, errs.ErrIntegrity)
	}
	return data, chunk, nil
}

// DeleteFile removes the metadata transactionally (capacity reclaimed in the
// same transaction), then asks each device to drop its bytes.
func (s *ChunkCoordinatorImpl) DeleteFile(ctx context.Context, userID, fileID uuid.UUID) error {
	if userID == uuid.Nil || fileID == uuid.Nil {
		return errors.New("validation: empty userID/fileID")
	}
	chunks, err := s.files.DeleteFile(ctx, userID, fileID)
	if err != nil {
		return err
	}
	for i := range chunks {
		s.compensate(ctx, chunks[i].DeviceAddress, fileID, chunks[i].Order)
	}
	s.log.Info("file deleted",
		zap.Stringer("file", fileID),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

// compensate asks a device to drop chunk bytes that have no metadata record.
// Best-effort: the device may be gone; the metadata side is already consistent.
func (s *ChunkCoordinatorImpl) compensate(ctx context.Context, addr string, fileID uuid.UUID, order int) {
	if err := s.transport.Delete(ctx, addr, fileID, order); err != nil {
		s.log.Warn("compensating chunk delete failed",
			zap.String("addr", addr),
			zap.Stringer("file", fileID),
			zap.Int("order", order),
			zap.Error(err),
		)
	}
}

func dropDevice(devices []model.Device, id uuid.UUID) []model.Device {
	out := devices[:0]
	for i := range devices {
		if devices[i].ID != id {
			out = append(out, devices[i])
		}
	}
	return out
}

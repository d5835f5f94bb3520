package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/vkuzn/peerstore/internal/errs"
	"github.com/vkuzn/peerstore/internal/model"
)

// FileRepo implements FileRepository using PostgreSQL.
type FileRepo struct{ db *DB }

// NewFileRepo constructs a file repository.
func NewFileRepo(db *DB) *FileRepo { return &FileRepo{db: db} }

// CreateFile inserts a new file row.
func (r *FileRepo) CreateFile(ctx context.Context, f *model.File) error {
	const q = `
INSERT INTO files (id, owner_id, filename, size_bytes, file_hash, key_hash)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Pool.Exec(ctx, q, f.ID, f.OwnerID, f.Filename, f.SizeBytes, f.FileHash, f.KeyHash)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetFile selects a file by id scoped to its owner. Files owned by other
// users are indistinguishable from absent ones.
func (r *FileRepo) GetFile(ctx context.Context, ownerID, fileID uuid.UUID) (*model.File, error) {
	const q = `
SELECT id, owner_id, filename, size_bytes, file_hash, key_hash, created_at
FROM files WHERE id=$1 AND owner_id=$2`
	row := r.db.Pool.QueryRow(ctx, q, fileID, ownerID)
	var f model.File
	if err := row.Scan(&f.ID, &f.OwnerID, &f.Filename, &f.SizeBytes, &f.FileHash, &f.KeyHash, &f.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

// ListFiles returns the owner's files, newest first.
func (r *FileRepo) ListFiles(ctx context.Context, ownerID uuid.UUID) ([]model.File, error) {
	const q = `
SELECT id, owner_id, filename, size_bytes, file_hash, key_hash, created_at
FROM files WHERE owner_id=$1
ORDER BY created_at DESC`
	rows, err := r.db.Pool.Query(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.File
	for rows.Next() {
		var f model.File
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.Filename, &f.SizeBytes, &f.FileHash, &f.KeyHash, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// InsertChunk records a placed chunk and decrements the holding device's
// free capacity in a single transaction. The guarded UPDATE serializes
// concurrent decrements of the same device; when it matches no row the whole
// transaction rolls back and nothing is persisted.
func (r *FileRepo) InsertChunk(ctx context.Context, c *model.Chunk) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const ins = `
INSERT INTO chunks (id, file_id, device_id, chunk_order, size_bytes, chunk_hash, enc_algorithm, enc_key, enc_iv)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err = tx.Exec(ctx, ins,
		c.ID, c.FileID, c.DeviceID, c.Order, c.SizeBytes, c.Hash,
		c.Enc.Algorithm, c.Enc.WrappedKey, c.Enc.IV); err != nil {
		if isUniqueViolation(err) {
			err = errs.ErrAlreadyExists
		}
		return err
	}

	const dec = `
UPDATE devices SET free_bytes = free_bytes - $2
WHERE id=$1 AND free_bytes >= $2`
	tag, execErr := tx.Exec(ctx, dec, c.DeviceID, c.SizeBytes)
	if execErr != nil {
		err = execErr
		return err
	}
	if tag.RowsAffected() == 0 {
		err = errs.ErrInsufficientCapacity
		return err
	}
	return nil
}

const chunkColumns = `c.id, c.file_id, c.device_id, c.chunk_order, c.size_bytes, c.chunk_hash,
c.enc_algorithm, c.enc_key, c.enc_iv, c.created_at, d.status, d.address`

// ListChunks returns a file's chunks ordered by chunk order with the holding
// device's status and address.
func (r *FileRepo) ListChunks(ctx context.Context, fileID uuid.UUID) ([]model.Chunk, error) {
	const q = `
SELECT ` + chunkColumns + `
FROM chunks c
JOIN devices d ON c.device_id = d.id
WHERE c.file_id=$1
ORDER BY c.chunk_order`
	rows, err := r.db.Pool.Query(ctx, q, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Chunk
	for rows.Next() {
		var c model.Chunk
		if err := scanChunk(rows, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetChunk selects one chunk by (file, order) with device status and address.
func (r *FileRepo) GetChunk(ctx context.Context, fileID uuid.UUID, order int) (*model.Chunk, error) {
	const q = `
SELECT ` + chunkColumns + `
FROM chunks c
JOIN devices d ON c.device_id = d.id
WHERE c.file_id=$1 AND c.chunk_order=$2`
	row := r.db.Pool.QueryRow(ctx, q, fileID, order)
	var c model.Chunk
	if err := scanChunk(row, &c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// DeleteFile removes a file with its chunk records and reclaims device
// capacity, all in one transaction. Returns the removed chunks so the caller
// can clean up bytes on the devices afterwards.
func (r *FileRepo) DeleteFile(ctx context.Context, ownerID, fileID uuid.UUID) (chunks []model.Chunk, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
			chunks = nil
		}
	}()

	const selFile = `SELECT 1 FROM files WHERE id=$1 AND owner_id=$2`
	var one int
	if err = tx.QueryRow(ctx, selFile, fileID, ownerID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = errs.ErrNotFound
		}
		return nil, err
	}

	const selChunks = `
SELECT ` + chunkColumns + `
FROM chunks c
JOIN devices d ON c.device_id = d.id
WHERE c.file_id=$1
ORDER BY c.chunk_order`
	rows, qErr := tx.Query(ctx, selChunks, fileID)
	if qErr != nil {
		err = qErr
		return nil, err
	}
	for rows.Next() {
		var c model.Chunk
		if err = scanChunk(rows, &c); err != nil {
			rows.Close()
			return nil, err
		}
		chunks = append(chunks, c)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	const reclaim = `
UPDATE devices SET free_bytes = LEAST(free_bytes + $2, capacity_bytes)
WHERE id=$1`
	for i := range chunks {
		if _, err = tx.Exec(ctx, reclaim, chunks[i].DeviceID, chunks[i].SizeBytes); err != nil {
			return nil, err
		}
	}

	// Chunk rows go away via ON DELETE CASCADE.
	const delFile = `DELETE FROM files WHERE id=$1`
	if _, err = tx.Exec(ctx, delFile, fileID); err != nil {
		return nil, err
	}
	return chunks, nil
}

func scanChunk(row pgx.Row, c *model.Chunk) error {
	return row.Scan(&c.ID, &c.FileID, &c.DeviceID, &c.Order, &c.SizeBytes, &c.Hash,
		&c.Enc.Algorithm, &c.Enc.WrappedKey, &c.Enc.IV, &c.CreatedAt,
		&c.DeviceStatus, &c.DeviceAddress)
}

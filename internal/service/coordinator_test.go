package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vkuzn/peerstore/internal/errs"
	"github.com/vkuzn/peerstore/internal/model"
	"github.com/vkuzn/peerstore/internal/placement"
	"github.com/vkuzn/peerstore/internal/repository"
	"github.com/vkuzn/peerstore/internal/transport"
)

// --- fakes ---

type fakeFileRepo struct {
	mu sync.Mutex

	getFileErr  error
	file        *model.File
	insertFn    func(c *model.Chunk) error
	inserted    []model.Chunk
	getChunkFn  func() (*model.Chunk, error)
	getChunkOut *model.Chunk
	getChunkErr error
	deletedOut  []model.Chunk
	deletedErr  error
	listOut     []model.Chunk
	files       []model.File
}

var _ repository.FileRepository = (*fakeFileRepo)(nil)

func (f *fakeFileRepo) CreateFile(_ context.Context, file *model.File) error {
	f.files = append(f.files, *file)
	return nil
}

func (f *fakeFileRepo) GetFile(_ context.Context, ownerID, fileID uuid.UUID) (*model.File, error) {
	if f.getFileErr != nil {
		return nil, f.getFileErr
	}
	if f.file != nil {
		return f.file, nil
	}
	return &model.File{ID: fileID, OwnerID: ownerID}, nil
}

func (f *fakeFileRepo) ListFiles(_ context.Context, _ uuid.UUID) ([]model.File, error) {
	return f.files, nil
}

func (f *fakeFileRepo) InsertChunk(_ context.Context, c *model.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertFn != nil {
		if err := f.insertFn(c); err != nil {
			return err
		}
	}
	f.inserted = append(f.inserted, *c)
	return nil
}

func (f *fakeFileRepo) ListChunks(_ context.Context, _ uuid.UUID) ([]model.Chunk, error) {
	return f.listOut, nil
}

func (f *fakeFileRepo) GetChunk(_ context.Context, _ uuid.UUID, _ int) (*model.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getChunkFn != nil {
		return f.getChunkFn()
	}
	if f.getChunkErr != nil {
		return nil, f.getChunkErr
	}
	if f.getChunkOut == nil {
		return nil, errs.ErrNotFound
	}
	return f.getChunkOut, nil
}

func (f *fakeFileRepo) DeleteFile(_ context.Context, _, _ uuid.UUID) ([]model.Chunk, error) {
	return f.deletedOut, f.deletedErr
}

type fakeRegistry struct {
	candidates []model.Device
	listErr    error
	updates    []model.DeviceStatus
}

var _ DeviceRegistry = (*fakeRegistry)(nil)

func (f *fakeRegistry) Register(_ context.Context, _ uuid.UUID, _, _, _ string, _ int64) (*model.Device, error) {
	return nil, errors.New("not used")
}

func (f *fakeRegistry) ListCandidates(_ context.Context, _ []uuid.UUID, _ model.DeviceStatus) ([]model.Device, error) {
	return append([]model.Device(nil), f.candidates...), f.listErr
}

func (f *fakeRegistry) Get(_ context.Context, _ uuid.UUID) (*model.Device, error) {
	return nil, errors.New("not used")
}

func (f *fakeRegistry) UpdateAddress(_ context.Context, _, _ uuid.UUID, _ string) error {
	return errors.New("not used")
}

func (f *fakeRegistry) AdjustFreeCapacity(_ context.Context, _ uuid.UUID, _ int64) error {
	return errors.New("not used")
}

func (f *fakeRegistry) ListAll(_ context.Context) ([]model.Device, error) {
	return append([]model.Device(nil), f.candidates...), nil
}

func (f *fakeRegistry) UpdateStatus(_ context.Context, _ uuid.UUID, status model.DeviceStatus, _ time.Time) error {
	f.updates = append(f.updates, status)
	return nil
}

type fakeTransport struct {
	mu        sync.Mutex
	pushErrs  map[string]error // by address
	pushes    []string         // addresses in push order
	fetchOut  []byte
	fetchErr  error
	deletes   []string
	deleteErr error
}

var _ transport.DeviceTransport = (*fakeTransport)(nil)

func (f *fakeTransport) Push(_ context.Context, addr string, _ transport.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, addr)
	return f.pushErrs[addr]
}

func (f *fakeTransport) Fetch(_ context.Context, _ string, _ uuid.UUID, _ int) ([]byte, error) {
	return f.fetchOut, f.fetchErr
}

func (f *fakeTransport) Ping(_ context.Context, _ string) error { return nil }

func (f *fakeTransport) Delete(_ context.Context, addr string, _ uuid.UUID, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, addr)
	return f.deleteErr
}

func connectedDevice(addr string, free int64) model.Device {
	return model.Device{
		ID:        uuid.Must(uuid.NewV4()),
		Address:   addr,
		FreeBytes: free,
		Status:    model.StatusConnected,
	}
}

func newCoordinator(files *fakeFileRepo, reg *fakeRegistry, tr *fakeTransport) *ChunkCoordinatorImpl {
	return NewChunkCoordinator(files, reg, placement.FirstFit{}, tr, 3, zap.NewNop())
}

// --- upload ---

func TestUploadChunk_OwnershipCheck(t *testing.T) {
	t.Parallel()

	files := &fakeFileRepo{getFileErr: errs.ErrNotFound}
	tr := &fakeTransport{}
	c := newCoordinator(files, &fakeRegistry{}, tr)

	_, err := c.UploadChunk(context.Background(),
		uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), 0, []byte("x"), nil, model.EncryptionMeta{})
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Empty(t, tr.pushes, "no transfer before ownership is verified")
}

func TestUploadChunk_NoConnectedDevices(t *testing.T) {
	t.Parallel()

	c := newCoordinator(&fakeFileRepo{}, &fakeRegistry{}, &fakeTransport{})

	_, err := c.UploadChunk(context.Background(),
		uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), 0, []byte("x"), nil, model.EncryptionMeta{})
	require.ErrorIs(t, err, errs.ErrNoDevicesAvailable)
}

func TestUploadChunk_PlacesOnFirstFit(t *testing.T) {
	t.Parallel()

	full := connectedDevice("full:9000", 0)
	roomy := connectedDevice("roomy:9000", 100)
	files := &fakeFileRepo{}
	tr := &fakeTransport{}
	c := newCoordinator(files, &fakeRegistry{candidates: []model.Device{full, roomy}}, tr)

	data := []byte("hello chunk data much wow and then some padding bytes!")
	chunk, err := c.UploadChunk(context.Background(),
		uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), 0, data, nil, model.EncryptionMeta{})
	require.NoError(t, err)
	require.Equal(t, roomy.ID, chunk.DeviceID)
	require.Equal(t, []string{"roomy:9000"}, tr.pushes)

	sum := sha256.Sum256(data)
	require.Equal(t, hex.EncodeToString(sum[:]), chunk.Hash)
	require.Equal(t, int64(len(data)), chunk.SizeBytes)
	require.Len(t, files.inserted, 1)
}

func TestUploadChunk_NoCapacity(t *testing.T) {
	t.Parallel()

	small := connectedDevice("small:9000", 10)
	tr := &fakeTransport{}
	c := newCoordinator(&fakeFileRepo{}, &fakeRegistry{candidates: []model.Device{small}}, tr)

	_, err := c.UploadChunk(context.Background(),
		uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), 0,
		make([]byte, 50), nil, model.EncryptionMeta{})
	require.ErrorIs(t, err, errs.ErrNoCapacity)
	require.Empty(t, tr.pushes)
}

func TestUploadChunk_FallsBackToNextCandidate(t *testing.T) {
	t.Parallel()

	bad := connectedDevice("bad:9000", 100)
	good := connectedDevice("good:9000", 100)
	files := &fakeFileRepo{}
	tr := &fakeTransport{pushErrs: map[string]error{"bad:9000": errors.New("connection refused")}}
	c := newCoordinator(files, &fakeRegistry{candidates: []model.Device{bad, good}}, tr)

	chunk, err := c.UploadChunk(context.Background(),
		uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), 0, []byte("data"), nil, model.EncryptionMeta{})
	require.NoError(t, err)
	require.Equal(t, good.ID, chunk.DeviceID)
	require.Equal(t, []string{"bad:9000", "good:9000"}, tr.pushes)
}

func TestUploadChunk_AllTransfersFail(t *testing.T) {
	t.Parallel()

	d1 := connectedDevice("d1:9000", 100)
	d2 := connectedDevice("d2:9000", 100)
	tr := &fakeTransport{pushErrs: map[string]error{
		"d1:9000": errors.New("timeout"),
		"d2:9000": errors.New("refused"),
	}}
	c := newCoordinator(&fakeFileRepo{}, &fakeRegistry{candidates: []model.Device{d1, d2}}, tr)

	_, err := c.UploadChunk(context.Background(),
		uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), 0, []byte("data"), nil, model.EncryptionMeta{})
	require.ErrorIs(t, err, errs.ErrTransferFailed)

	var te *errs.TransferError
	require.ErrorAs(t, err, &te)
	require.Equal(t, d2.ID, te.DeviceID, "last tried device is reported")
}

func TestUploadChunk_BoundedAttempts(t *testing.T) {
	t.Parallel()

	devices := []model.Device{
		connectedDevice("d1:9000", 100),
		connectedDevice("d2:9000", 100),
		connectedDevice("d3:9000", 100),
		connectedDevice("d4:9000", 100),
	}
	tr := &fakeTransport{pushErrs: map[string]error{
		"d1:9000": errors.New("x"), "d2:9000": errors.New("x"),
		"d3:9000": errors.New("x"), "d4:9000": errors.New("x"),
	}}
	c := newCoordinator(&fakeFileRepo{}, &fakeRegistry{candidates: devices}, tr)

	_, err := c.UploadChunk(context.Background(),
		uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), 0, []byte("data"), nil, model.EncryptionMeta{})
	require.ErrorIs(t, err, errs.ErrTransferFailed)
	require.Len(t, tr.pushes, 3, "at most maxAttempts distinct devices are tried")
}

// An occupied (file, order) slot is rejected before any bytes move. In
// particular no delete may reach the device holding the committed copy.
func TestUploadChunk_OccupiedSlotRejectedBeforeTransfer(t *testing.T) {
	t.Parallel()

	holder := connectedDevice("holder:9000", 100)
	files := &fakeFileRepo{getChunkOut: &model.Chunk{DeviceID: holder.ID, DeviceAddress: "holder:9000"}}
	tr := &fakeTransport{}
	c := newCoordinator(files, &fakeRegistry{candidates: []model.Device{holder}}, tr)

	_, err := c.UploadChunk(context.Background(),
		uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), 0, []byte("data"), nil, model.EncryptionMeta{})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
	require.Empty(t, tr.pushes, "no transfer for an occupied slot")
	require.Empty(t, tr.deletes, "the committed copy must never be deleted")
}

// Two uploads race for the same slot and the winner committed on the same
// device our bytes went to: losing must not delete the winner's copy.
func TestUploadChunk_RacedDuplicateOnSameDeviceKeepsCopy(t *testing.T) {
	t.Parallel()

	dev := connectedDevice("dev:9000", 100)
	files := &fakeFileRepo{insertFn: func(*model.Chunk) error { return errs.ErrAlreadyExists }}
	calls := 0
	files.getChunkFn = func() (*model.Chunk, error) {
		calls++
		if calls == 1 {
			// slot still free at the pre-check
			return nil, errs.ErrNotFound
		}
		return &model.Chunk{DeviceID: dev.ID, DeviceAddress: "dev:9000"}, nil
	}
	tr := &fakeTransport{}
	c := newCoordinator(files, &fakeRegistry{candidates: []model.Device{dev}}, tr)

	_, err := c.UploadChunk(context.Background(),
		uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), 0, []byte("data"), nil, model.EncryptionMeta{})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
	require.Equal(t, []string{"dev:9000"}, tr.pushes)
	require.Empty(t, tr.deletes, "delete keyed by (file, order) would destroy the committed chunk")
}

// Same race, but the winner landed on a different device: our orphaned bytes
// are compensated away while the winner's copy is untouched.
func TestUploadChunk_RacedDuplicateOnOtherDeviceCompensates(t *testing.T) {
	t.Parallel()

	loser := connectedDevice("loser:9000", 100)
	winner := connectedDevice("winner:9000", 100)
	files := &fakeFileRepo{insertFn: func(*model.Chunk) error { return errs.ErrAlreadyExists }}
	calls := 0
	files.getChunkFn = func() (*model.Chunk, error) {
		calls++
		if calls == 1 {
			return nil, errs.ErrNotFound
		}
		return &model.Chunk{DeviceID: winner.ID, DeviceAddress: "winner:9000"}, nil
	}
	tr := &fakeTransport{}
	c := newCoordinator(files, &fakeRegistry{candidates: []model.Device{loser}}, tr)

	_, err := c.UploadChunk(context.Background(),
		uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), 0, []byte("data"), nil, model.EncryptionMeta{})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
	require.Equal(t, []string{"loser:9000"}, tr.deletes, "only the orphaned copy is dropped")
}

func TestUploadChunk_InsufficientCapacityCompensates(t *testing.T) {
	t.Parallel()

	dev := connectedDevice("dev:9000", 100)
	files := &fakeFileRepo{insertFn: func(*model.Chunk) error { return errs.ErrInsufficientCapacity }}
	tr := &fakeTransport{}
	c := newCoordinator(files, &fakeRegistry{candidates: []model.Device{dev}}, tr)

	_, err := c.UploadChunk(context.Background(),
		uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), 0, []byte("data"), nil, model.EncryptionMeta{})
	require.ErrorIs(t, err, errs.ErrInsufficientCapacity)
	require.Equal(t, []string{"dev:9000"}, tr.deletes)
}

// Two concurrent chunks each sized over half the device's remaining space:
// at most one may land; the loser sees the capacity guard, never both succeed.
func TestUploadChunk_ConcurrentOverdrawPrevented(t *testing.T) {
	t.Parallel()

	const capacity = 100
	dev := connectedDevice("dev:9000", capacity)

	remaining := int64(capacity)
	files := &fakeFileRepo{}
	files.insertFn = func(c *model.Chunk) error {
		// mirrors the guarded decrement: check and write under one lock
		if remaining < c.SizeBytes {
			return errs.ErrInsufficientCapacity
		}
		remaining -= c.SizeBytes
		return nil
	}
	tr := &fakeTransport{}
	c := newCoordinator(files, &fakeRegistry{candidates: []model.Device{dev}}, tr)

	userID := uuid.Must(uuid.NewV4())
	fileID := uuid.Must(uuid.NewV4())
	data := make([]byte, 60) // 60% of remaining capacity

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.UploadChunk(context.Background(), userID, fileID, i, data, nil, model.EncryptionMeta{})
			results[i] = err
		}(i)
	}
	wg.Wait()

	var ok, failed int
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		failed++
		require.ErrorIs(t, err, errs.ErrInsufficientCapacity)
	}
	require.Equal(t, 1, ok, "exactly one upload may claim the remaining space")
	require.Equal(t, 1, failed)
	require.GreaterOrEqual(t, remaining, int64(0))
}

// --- retrieve ---

func TestRetrieveChunk_DeviceOffline(t *testing.T) {
	t.Parallel()

	files := &fakeFileRepo{getChunkOut: &model.Chunk{
		DeviceID:     uuid.Must(uuid.NewV4()),
		DeviceStatus: model.StatusUnreachable,
	}}
	c := newCoordinator(files, &fakeRegistry{}, &fakeTransport{})

	_, _, err := c.RetrieveChunk(context.Background(), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), 0)
	require.ErrorIs(t, err, errs.ErrDeviceOffline)
}

func TestRetrieveChunk_VerifiesHash(t *testing.T) {
	t.Parallel()

	data := []byte("stored bytes")
	sum := sha256.Sum256(data)

	files := &fakeFileRepo{getChunkOut: &model.Chunk{
		Hash:          hex.EncodeToString(sum[:]),
		DeviceStatus:  model.StatusConnected,
		DeviceAddress: "dev:9000",
	}}
	tr := &fakeTransport{fetchOut: data}
	c := newCoordinator(files, &fakeRegistry{}, tr)

	got, chunk, err := c.RetrieveChunk(context.Background(), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), 0)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.NotNil(t, chunk)
}

func TestRetrieveChunk_IntegrityMismatch(t *testing.T) {
	t.Parallel()

	files := &fakeFileRepo{getChunkOut: &model.Chunk{
		Hash:          "0000",
		DeviceStatus:  model.StatusConnected,
		DeviceAddress: "dev:9000",
	}}
	tr := &fakeTransport{fetchOut: []byte("tampered")}
	c := newCoordinator(files, &fakeRegistry{}, tr)

	_, _, err := c.RetrieveChunk(context.Background(), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), 0)
	require.ErrorIs(t, err, errs.ErrIntegrity)
}

// --- delete ---

func TestDeleteFile_DropsDeviceBytes(t *testing.T) {
	t.Parallel()

	files := &fakeFileRepo{deletedOut: []model.Chunk{
		{Order: 0, DeviceAddress: "d1:9000"},
		{Order: 1, DeviceAddress: "d2:9000"},
	}}
	tr := &fakeTransport{}
	c := newCoordinator(files, &fakeRegistry{}, tr)

	require.NoError(t, c.DeleteFile(context.Background(), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())))
	require.ElementsMatch(t, []string{"d1:9000", "d2:9000"}, tr.deletes)
}

func TestDeleteFile_NotOwned(t *testing.T) {
	t.Parallel()

	files := &fakeFileRepo{deletedErr: errs.ErrNotFound}
	tr := &fakeTransport{}
	c := newCoordinator(files, &fakeRegistry{}, tr)

	err := c.DeleteFile(context.Background(), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Empty(t, tr.deletes)
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/vkuzn/peerstore/internal/errs"
	"github.com/vkuzn/peerstore/internal/model"
)

// --- auth ---

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "empty username/password")
		return
	}
	userID, err := s.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": userID})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	tok, u, err := s.auth.LoginWithIP(r.Context(), req.Username, req.Password, r.RemoteAddr)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": tok.AccessToken,
		"expires_at":   tok.ExpiresAt,
		"user_id":      u.ID.String(),
	})
}

// --- devices ---

type registerDeviceRequest struct {
	Address       string `json:"address"`
	HardwareID    string `json:"hardware_id"`
	DeviceType    string `json:"device_type"`
	CapacityBytes int64  `json:"capacity_bytes"`
}

type deviceResponse struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"user_id"`
	Address       string    `json:"address"`
	HardwareID    string    `json:"hardware_id"`
	DeviceType    string    `json:"device_type"`
	CapacityBytes int64     `json:"capacity_bytes"`
	FreeBytes     int64     `json:"free_bytes"`
	Status        string    `json:"status"`
	LastSeen      time.Time `json:"last_seen"`
}

func toDeviceResponse(d model.Device) deviceResponse {
	return deviceResponse{
		ID:            d.ID,
		UserID:        d.UserID,
		Address:       d.Address,
		HardwareID:    d.HardwareID,
		DeviceType:    d.DeviceType,
		CapacityBytes: d.CapacityBytes,
		FreeBytes:     d.FreeBytes,
		Status:        string(d.Status),
		LastSeen:      d.LastSeen,
	}
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	d, err := s.registry.Register(r.Context(), userID, req.Address, req.HardwareID, req.DeviceType, req.CapacityBytes)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeviceResponse(*d))
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.ListAll(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDeviceResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

type availabilityRequest struct {
	DeviceIDs []uuid.UUID `json:"device_ids"`
}

func (s *Server) handleCheckAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if len(req.DeviceIDs) == 0 {
		writeError(w, http.StatusBadRequest, "no device ids")
		return
	}
	devices, err := s.registry.ListCandidates(r.Context(), req.DeviceIDs, model.StatusConnected)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDeviceResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requested": len(req.DeviceIDs),
		"available": len(out),
		"devices":   out,
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := uuid.FromString(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad device id")
		return
	}
	d, err := s.registry.Get(r.Context(), deviceID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(*d))
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID, err := uuid.FromString(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad device id")
		return
	}
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	st := model.DeviceStatus(req.Status)
	if !st.Valid() {
		writeError(w, http.StatusBadRequest, "bad status")
		return
	}
	if err := s.registry.UpdateStatus(r.Context(), deviceID, st, time.Now()); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateAddressRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleUpdateDeviceAddress(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())
	deviceID, err := uuid.FromString(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad device id")
		return
	}
	var req updateAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "empty address")
		return
	}
	if err := s.registry.UpdateAddress(r.Context(), userID, deviceID, req.Address); err != nil {
		s.writeServiceError(w, err)
		return
	}
	d, err := s.registry.Get(r.Context(), deviceID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(*d))
}

type adjustCapacityRequest struct {
	Delta int64 `json:"delta"`
}

func (s *Server) handleAdjustCapacity(w http.ResponseWriter, r *http.Request) {
	deviceID, err := uuid.FromString(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad device id")
		return
	}
	var req adjustCapacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if err := s.registry.AdjustFreeCapacity(r.Context(), deviceID, req.Delta); err != nil {
		s.writeServiceError(w, err)
		return
	}
	d, err := s.registry.Get(r.Context(), deviceID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(*d))
}

// --- files ---

type registerFileRequest struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	FileHash  string `json:"file_hash"`
	KeyHash   string `json:"key_hash"`
}

type fileResponse struct {
	ID        uuid.UUID `json:"id"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	FileHash  string    `json:"file_hash"`
	CreatedAt time.Time `json:"created_at"`
}

func toFileResponse(f model.File) fileResponse {
	return fileResponse{
		ID:        f.ID,
		Filename:  f.Filename,
		SizeBytes: f.SizeBytes,
		FileHash:  f.FileHash,
		CreatedAt: f.CreatedAt,
	}
}

func (s *Server) handleRegisterFile(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())
	var req registerFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	f, err := s.index.RegisterFile(r.Context(), userID, req.Filename, req.SizeBytes, req.FileHash, req.KeyHash)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFileResponse(*f))
}

type fileInfoResponse struct {
	fileResponse
	Chunks    []chunkResponse `json:"chunks"`
	Available bool            `json:"available"`
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())
	infos, err := s.index.ListFiles(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]fileInfoResponse, 0, len(infos))
	for _, fi := range infos {
		out = append(out, fileInfoResponse{
			fileResponse: toFileResponse(fi.File),
			Chunks:       toChunkResponses(fi.Chunks),
			Available:    fi.Available,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())
	fileID, err := uuid.FromString(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad file id")
		return
	}
	if err := s.coord.DeleteFile(r.Context(), userID, fileID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- chunks ---

type chunkResponse struct {
	ID           uuid.UUID `json:"id"`
	FileID       uuid.UUID `json:"file_id"`
	DeviceID     uuid.UUID `json:"device_id"`
	Order        int       `json:"chunk_order"`
	SizeBytes    int64     `json:"size_bytes"`
	Hash         string    `json:"chunk_hash"`
	DeviceStatus string    `json:"device_status,omitempty"`
}

func toChunkResponse(c model.Chunk) chunkResponse {
	return chunkResponse{
		ID:           c.ID,
		FileID:       c.FileID,
		DeviceID:     c.DeviceID,
		Order:        c.Order,
		SizeBytes:    c.SizeBytes,
		Hash:         c.Hash,
		DeviceStatus: string(c.DeviceStatus),
	}
}

func toChunkResponses(chunks []model.Chunk) []chunkResponse {
	out := make([]chunkResponse, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, toChunkResponse(c))
	}
	return out
}

type uploadChunkRequest struct {
	Order       int         `json:"chunk_order"`
	Data        []byte      `json:"chunk_data"`
	DeviceHints []uuid.UUID `json:"device_hints"`
	Encryption  struct {
		Algorithm  string `json:"algorithm"`
		WrappedKey []byte `json:"wrapped_key"`
		IV         []byte `json:"iv"`
	} `json:"encryption"`
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())
	fileID, err := uuid.FromString(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad file id")
		return
	}
	var req uploadChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "empty chunk data")
		return
	}
	enc := model.EncryptionMeta{
		Algorithm:  req.Encryption.Algorithm,
		WrappedKey: req.Encryption.WrappedKey,
		IV:         req.Encryption.IV,
	}
	chunk, err := s.coord.UploadChunk(r.Context(), userID, fileID, req.Order, req.Data, req.DeviceHints, enc)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChunkResponse(*chunk))
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())
	fileID, err := uuid.FromString(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad file id")
		return
	}
	chunks, err := s.index.Manifest(r.Context(), userID, fileID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chunks":    toChunkResponses(chunks),
		"available": model.Available(chunks),
	})
}

func (s *Server) handleRetrieveChunk(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())
	fileID, err := uuid.FromString(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad file id")
		return
	}
	order, err := strconv.Atoi(r.PathValue("order"))
	if err != nil || order < 0 {
		writeError(w, http.StatusBadRequest, "bad chunk order")
		return
	}
	data, chunk, err := s.coord.RetrieveChunk(r.Context(), userID, fileID, order)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chunk_data": data,
		"chunk":      toChunkResponse(*chunk),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps sentinel errors onto HTTP status codes. Unknown
// errors are logged and surfaced as 500 without details.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, errs.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, errs.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "bad credentials")
	case errors.Is(err, errs.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, errs.ErrNoDevicesAvailable):
		writeError(w, http.StatusServiceUnavailable, "no devices available")
	case errors.Is(err, errs.ErrNoCapacity), errors.Is(err, errs.ErrInsufficientCapacity):
		writeError(w, http.StatusInsufficientStorage, err.Error())
	case errors.Is(err, errs.ErrDeviceOffline):
		writeError(w, http.StatusServiceUnavailable, "device offline")
	case errors.Is(err, errs.ErrTransferFailed), errors.Is(err, errs.ErrIntegrity):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

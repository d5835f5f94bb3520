// Package httpapi exposes the coordinator over a thin JSON HTTP API.
package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/vkuzn/peerstore/internal/service"
)

// Server wires services into HTTP handlers.
type Server struct {
	auth     service.AuthService
	registry service.DeviceRegistry
	coord    service.ChunkCoordinator
	index    service.FileIndex
	signKey  []byte
	log      *zap.Logger
}

// New constructs the API server with injected services.
func New(auth service.AuthService, registry service.DeviceRegistry, coord service.ChunkCoordinator, index service.FileIndex, signKey []byte, log *zap.Logger) *Server {
	return &Server{
		auth:     auth,
		registry: registry,
		coord:    coord,
		index:    index,
		signKey:  signKey,
		log:      log,
	}
}

// Handler returns the routed handler with recover and logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/login", s.handleLogin)

	mux.Handle("POST /api/devices", s.requireAuth(s.handleRegisterDevice))
	mux.Handle("GET /api/devices", s.requireAuth(s.handleListDevices))
	mux.Handle("POST /api/devices/availability", s.requireAuth(s.handleCheckAvailability))
	mux.Handle("GET /api/devices/{id}", s.requireAuth(s.handleGetDevice))
	mux.Handle("POST /api/devices/{id}/status", s.requireAuth(s.handleUpdateDeviceStatus))
	mux.Handle("POST /api/devices/{id}/address", s.requireAuth(s.handleUpdateDeviceAddress))
	mux.Handle("POST /api/devices/{id}/capacity", s.requireAuth(s.handleAdjustCapacity))

	mux.Handle("POST /api/files", s.requireAuth(s.handleRegisterFile))
	mux.Handle("GET /api/files", s.requireAuth(s.handleListFiles))
	mux.Handle("DELETE /api/files/{id}", s.requireAuth(s.handleDeleteFile))
	mux.Handle("GET /api/files/{id}/chunks", s.requireAuth(s.handleManifest))
	mux.Handle("POST /api/files/{id}/chunks", s.requireAuth(s.handleUploadChunk))
	mux.Handle("GET /api/files/{id}/chunks/{order}", s.requireAuth(s.handleRetrieveChunk))

	return s.recoverMiddleware(s.loggingMiddleware(mux))
}

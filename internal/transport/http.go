package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Device agents expose a small fixed HTTP surface:
//
//	POST /receive-chunk        store chunk bytes + metadata
//	GET  /chunk/{file}/{order} return stored chunk bytes
//	GET  /ping                 liveness
//	POST /delete-chunk         drop a stored chunk
//
// HTTPTransport is the client side of that contract.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTP constructs an HTTP transport. timeout bounds every call end to end
// and is the cap even when the caller's context allows more.
func NewHTTP(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

type chunkMetadata struct {
	FileID        uuid.UUID `json:"file_id"`
	ChunkOrder    int       `json:"chunk_order"`
	ChunkHash     string    `json:"chunk_hash"`
	EncAlgorithm  string    `json:"encryption_algorithm"`
	EncWrappedKey []byte    `json:"encrypted_key"`
	EncIV         []byte    `json:"iv"`
}

type receiveChunkRequest struct {
	ChunkData []byte        `json:"chunk_data"`
	Metadata  chunkMetadata `json:"metadata"`
}

type chunkDataResponse struct {
	ChunkData []byte `json:"chunk_data"`
}

type deleteChunkRequest struct {
	FileID     uuid.UUID `json:"file_id"`
	ChunkOrder int       `json:"chunk_order"`
}

// Push implements DeviceTransport.
func (t *HTTPTransport) Push(ctx context.Context, addr string, p Payload) error {
	body := receiveChunkRequest{
		ChunkData: p.Data,
		Metadata: chunkMetadata{
			FileID:        p.FileID,
			ChunkOrder:    p.Order,
			ChunkHash:     p.Hash,
			EncAlgorithm:  p.Enc.Algorithm,
			EncWrappedKey: p.Enc.WrappedKey,
			EncIV:         p.Enc.IV,
		},
	}
	return t.post(ctx, "http://"+addr+"/receive-chunk", body)
}

// Fetch implements DeviceTransport.
func (t *HTTPTransport) Fetch(ctx context.Context, addr string, fileID uuid.UUID, order int) ([]byte, error) {
	url := fmt.Sprintf("http://%s/chunk/%s/%d", addr, fileID, order)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device returned %s", resp.Status)
	}
	var out chunkDataResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode chunk response: %w", err)
	}
	return out.ChunkData, nil
}

// Ping implements DeviceTransport.
func (t *HTTPTransport) Ping(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("device returned %s", resp.Status)
	}
	return nil
}

// Delete implements DeviceTransport.
func (t *HTTPTransport) Delete(ctx context.Context, addr string, fileID uuid.UUID, order int) error {
	return t.post(ctx, "http://"+addr+"/delete-chunk", deleteChunkRequest{FileID: fileID, ChunkOrder: order})
}

func (t *HTTPTransport) post(ctx context.Context, url string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("device returned %s", resp.Status)
	}
	return nil
}

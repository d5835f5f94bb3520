// Package placement decides which device receives a given chunk.
package placement

import (
	"github.com/vkuzn/peerstore/internal/errs"
	"github.com/vkuzn/peerstore/internal/model"
)

// Policy selects a destination device for a chunk of the given size from an
// ordered candidate set. Implementations must not mutate the slice.
type Policy interface {
	// Select returns the chosen device or errs.ErrNoCapacity when no
	// candidate can hold the chunk.
	Select(candidates []model.Device, sizeBytes int64) (*model.Device, error)
}

// FirstFit walks candidates in the order supplied by the registry and picks
// the first connected device with enough free space. Deliberately simple; a
// least-loaded or weighted policy can replace it without touching callers.
type FirstFit struct{}

// Select implements Policy.
func (FirstFit) Select(candidates []model.Device, sizeBytes int64) (*model.Device, error) {
	for i := range candidates {
		d := &candidates[i]
		if d.Status != model.StatusConnected {
			continue
		}
		if d.FreeBytes >= sizeBytes {
			return d, nil
		}
	}
	return nil, errs.ErrNoCapacity
}

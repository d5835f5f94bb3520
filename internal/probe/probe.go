// Package probe sweeps registered devices for reachability and reports
// liveness transitions to the device registry.
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/vkuzn/peerstore/internal/model"
)

// Pinger checks reachability of a device agent address.
// Satisfied by transport.DeviceTransport.
type Pinger interface {
	Ping(ctx context.Context, addr string) error
}

// Registry is the slice of the device registry the sweeper needs.
type Registry interface {
	ListAll(ctx context.Context) ([]model.Device, error)
	UpdateStatus(ctx context.Context, deviceID uuid.UUID, status model.DeviceStatus, observedAt time.Time) error
}

// Sweeper probes every registered device on a fixed cadence, outside the
// request path. Probe failures of any kind classify uniformly as
// unreachable; a sweep only changes status, never removes devices.
type Sweeper struct {
	registry    Registry
	pinger      Pinger
	interval    time.Duration
	timeout     time.Duration
	maxParallel int
	log         *zap.Logger
}

// NewSweeper constructs a sweeper. timeout bounds each individual probe;
// maxParallel bounds in-flight probes per sweep.
func NewSweeper(registry Registry, pinger Pinger, interval, timeout time.Duration, maxParallel int, log *zap.Logger) *Sweeper {
	if maxParallel <= 0 {
		maxParallel = 8
	}
	return &Sweeper{
		registry:    registry,
		pinger:      pinger,
		interval:    interval,
		timeout:     timeout,
		maxParallel: maxParallel,
		log:         log,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep probes every device once and records transitions.
func (s *Sweeper) Sweep(ctx context.Context) {
	devices, err := s.registry.ListAll(ctx)
	if err != nil {
		s.log.Error("liveness sweep: list devices", zap.Error(err))
		return
	}

	sem := make(chan struct{}, s.maxParallel)
	var wg sync.WaitGroup
	for i := range devices {
		wg.Add(1)
		sem <- struct{}{}
		go func(d model.Device) {
			defer wg.Done()
			defer func() { <-sem }()
			s.probeOne(ctx, d)
		}(devices[i])
	}
	wg.Wait()
}

func (s *Sweeper) probeOne(ctx context.Context, d model.Device) {
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	newStatus := model.StatusConnected
	if err := s.pinger.Ping(pctx, d.Address); err != nil {
		newStatus = model.StatusUnreachable
	}
	if newStatus == d.Status {
		return
	}

	if err := s.registry.UpdateStatus(ctx, d.ID, newStatus, time.Now()); err != nil {
		s.log.Error("liveness sweep: update status",
			zap.Stringer("device", d.ID),
			zap.Error(err),
		)
		return
	}
	s.log.Info("device liveness transition",
		zap.Stringer("device", d.ID),
		zap.String("addr", d.Address),
		zap.String("from", string(d.Status)),
		zap.String("to", string(newStatus)),
	)
}

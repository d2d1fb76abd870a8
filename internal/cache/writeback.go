package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lavaroute/internal/core"
)

// Write-back outcomes reported to the observer.
const (
	WritebackSubmitted = "submitted"
	WritebackFailed    = "failed"
	WritebackDropped   = "dropped"
)

// WritebackObserver is notified of every write-back outcome.
type WritebackObserver func(status string)

// WritebackStats is a snapshot of pool counters.
type WritebackStats struct {
	Submitted uint64
	Failed    uint64
	Dropped   uint64
	Queued    int
}

// WritebackPool submits tracks to a store on a fixed set of workers.
type WritebackPool struct {
	store    Store
	logger   *zap.Logger
	timeout  time.Duration
	observer WritebackObserver

	queue  chan core.TrackMetadata
	group  errgroup.Group
	mu     sync.RWMutex
	closed bool

	submitted atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewWritebackPool starts workers that drain a queue of the given capacity.
func NewWritebackPool(store Store, workers, capacity int, timeout time.Duration, logger *zap.Logger, observer WritebackObserver) *WritebackPool {
	if workers <= 0 {
		workers = core.DefaultWritebackWorkers
	}
	if capacity <= 0 {
		capacity = core.DefaultWritebackQueue
	}
	if timeout <= 0 {
		timeout = core.DefaultHTTPTimeout
	}
	if observer == nil {
		observer = func(string) {}
	}

	p := &WritebackPool{
		store:    store,
		logger:   logger,
		timeout:  timeout,
		observer: observer,
		queue:    make(chan core.TrackMetadata, capacity),
	}
	for range workers {
		p.group.Go(p.worker)
	}
	return p
}

// Enqueue schedules track for submission without blocking.
// It returns false when the queue is full or the pool is closed.
func (p *WritebackPool) Enqueue(track core.TrackMetadata) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	select {
	case p.queue <- track:
		return true
	default:
		p.dropped.Add(1)
		p.observer(WritebackDropped)
		p.logger.Warn("Write-back queue full, dropping track", zap.String("track_id", track.ID))
		return false
	}
}

// Close stops accepting tracks and waits for queued ones to be submitted.
func (p *WritebackPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	return p.group.Wait()
}

// Stats returns the current counters.
func (p *WritebackPool) Stats() WritebackStats {
	return WritebackStats{
		Submitted: p.submitted.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.queue),
	}
}

func (p *WritebackPool) worker() error {
	for track := range p.queue {
		p.submit(track)
	}
	return nil
}

func (p *WritebackPool) submit(track core.TrackMetadata) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.store.Submit(ctx, track); err != nil {
		p.failed.Add(1)
		p.observer(WritebackFailed)
		p.logger.Warn("Failed to write track back to cache",
			zap.String("track_id", track.ID), zap.Error(err))
		return
	}

	p.submitted.Add(1)
	p.observer(WritebackSubmitted)
	p.logger.Debug("Track written back to cache", zap.String("track_id", track.ID))
}

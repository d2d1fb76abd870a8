package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"lavaroute/internal/core"
)

// Client is the resolver's view of the cache. Lookups never fail: transport
// errors are logged and reported as misses.
type Client struct {
	store   Store
	pool    *WritebackPool
	logger  *zap.Logger
	enabled bool
}

// NewClient wires a client around store. A nil store yields a disabled client.
func NewClient(store Store, pool *WritebackPool, logger *zap.Logger) *Client {
	return &Client{
		store:   store,
		pool:    pool,
		logger:  logger,
		enabled: store != nil && pool != nil,
	}
}

// NewClientFromConfig builds the configured store and write-back pool.
// The client is disabled unless caching is enabled and the selected driver is
// fully configured; that decision is fixed for the client's lifetime.
func NewClientFromConfig(ctx context.Context, cfg core.CacheConfig, httpClient *http.Client, logger *zap.Logger, observer WritebackObserver) (*Client, error) {
	if !cfg.Enabled {
		logger.Info("Cache disabled")
		return NewClient(nil, nil, logger), nil
	}

	var store Store
	switch strings.ToLower(cfg.Driver) {
	case core.CacheDriverHTTP, "":
		if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Token) == "" {
			logger.Info("Cache endpoint or token not configured, cache disabled")
			return NewClient(nil, nil, logger), nil
		}
		store = NewHTTPStore(cfg.Endpoint, cfg.Token, httpClient)
	case core.CacheDriverSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			logger.Info("Cache database path not configured, cache disabled")
			return NewClient(nil, nil, logger), nil
		}
		sqlite, err := OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache database: %w", err)
		}
		store = sqlite
	default:
		return nil, core.NewConfigurationError("cache", cfg.Driver, errors.New("unknown cache driver"))
	}

	timeout := core.DefaultHTTPTimeout
	if httpClient != nil && httpClient.Timeout > 0 {
		timeout = httpClient.Timeout
	}
	pool := NewWritebackPool(store, cfg.WritebackWorkers, cfg.WritebackQueue, timeout, logger.Named("writeback"), observer)

	logger.Info("Cache enabled",
		zap.String("driver", cfg.Driver),
		zap.Int("writeback_workers", cfg.WritebackWorkers),
		zap.Int("writeback_queue", cfg.WritebackQueue))

	return NewClient(store, pool, logger), nil
}

// Enabled reports whether the client talks to a store.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Get looks id up in the store. It returns a miss when the client is
// disabled or the store fails.
func (c *Client) Get(ctx context.Context, id string) core.LookupResult {
	if !c.enabled {
		return core.LookupResult{}
	}

	result, err := c.store.Lookup(ctx, id)
	if err != nil {
		c.logger.Warn("Cache lookup failed", zap.String("track_id", id), zap.Error(err))
		return core.LookupResult{}
	}
	if result.Found && result.Track == nil {
		return core.LookupResult{}
	}
	return result
}

// AddToIndex schedules track for asynchronous submission. Every call with a
// valid track is one write-back; it reports whether the track was queued.
func (c *Client) AddToIndex(track core.TrackMetadata) bool {
	if !c.enabled || !track.Valid() {
		return false
	}
	return c.pool.Enqueue(track.Clone())
}

// AddPlaylistToIndex schedules every distinct track of a playlist and
// returns how many were queued.
func (c *Client) AddPlaylistToIndex(tracks []core.TrackMetadata) int {
	if !c.enabled {
		return 0
	}
	seen := make(map[string]struct{}, len(tracks))
	queued := 0
	for _, track := range tracks {
		if _, dup := seen[track.ID]; dup {
			continue
		}
		seen[track.ID] = struct{}{}
		if c.AddToIndex(track) {
			queued++
		}
	}
	return queued
}

// Close drains pending write-backs and releases the store.
func (c *Client) Close() error {
	if !c.enabled {
		return nil
	}
	err := c.pool.Close()
	if closer, ok := c.store.(io.Closer); ok {
		err = errors.Join(err, closer.Close())
	}
	return err
}

// Stats returns write-back counters, or zero values when disabled.
func (c *Client) Stats() WritebackStats {
	if !c.enabled {
		return WritebackStats{}
	}
	return c.pool.Stats()
}

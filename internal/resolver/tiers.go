package resolver

import (
	"context"
	"errors"

	"lavaroute/internal/cache"
	"lavaroute/internal/core"
)

// ErrUnsupported is returned by tiers that cannot serve an operation.
var ErrUnsupported = errors.New("resolver: operation not supported by tier")

// Tier is one stage of the resolution pipeline.
type Tier interface {
	Name() core.Tier
	Enabled() bool
	Track(ctx context.Context, id string) (*core.TrackMetadata, error)
	Playlist(ctx context.Context, id, cursor string, withName bool) (*core.PlaylistPage, error)
}

// Source is a metadata backend that can resolve tracks and playlist pages.
type Source interface {
	core.TrackSource
	core.PlaylistSource
}

// CacheTier serves single tracks from the look-aside cache.
type CacheTier struct {
	client *cache.Client
}

func NewCacheTier(client *cache.Client) *CacheTier {
	return &CacheTier{client: client}
}

func (c *CacheTier) Name() core.Tier { return core.TierCache }

func (c *CacheTier) Enabled() bool { return c.client != nil && c.client.Enabled() }

func (c *CacheTier) Track(ctx context.Context, id string) (*core.TrackMetadata, error) {
	result := c.client.Get(ctx, id)
	if !result.Found || result.Track == nil {
		return nil, core.ErrNotFound
	}
	return result.Track, nil
}

// Playlist is unsupported: the cache only stores individual tracks.
func (c *CacheTier) Playlist(context.Context, string, string, bool) (*core.PlaylistPage, error) {
	return nil, ErrUnsupported
}

// SourceTier adapts a Source to the pipeline. Searches are forwarded when
// the source implements core.Searcher.
type SourceTier struct {
	name    core.Tier
	source  Source
	enabled bool
}

// NewAuthoritativeTier wraps the metadata API provider.
func NewAuthoritativeTier(source Source, enabled bool) *SourceTier {
	return &SourceTier{name: core.TierAuthoritative, source: source, enabled: enabled && source != nil}
}

// NewFallbackTier wraps the live extractor. It is always enabled.
func NewFallbackTier(source Source) *SourceTier {
	return &SourceTier{name: core.TierFallback, source: source, enabled: source != nil}
}

func (s *SourceTier) Name() core.Tier { return s.name }

func (s *SourceTier) Enabled() bool { return s.enabled }

func (s *SourceTier) Track(ctx context.Context, id string) (*core.TrackMetadata, error) {
	return s.source.Track(ctx, id)
}

func (s *SourceTier) Playlist(ctx context.Context, id, cursor string, withName bool) (*core.PlaylistPage, error) {
	return s.source.PlaylistPage(ctx, id, cursor, withName)
}

// Search forwards to the source, or returns ErrUnsupported.
func (s *SourceTier) Search(ctx context.Context, query string) (*core.TrackMetadata, error) {
	searcher, ok := s.source.(core.Searcher)
	if !ok {
		return nil, ErrUnsupported
	}
	return searcher.Search(ctx, query)
}

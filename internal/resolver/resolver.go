// Package resolver runs the tiered resolution pipeline: cache first, then the
// metadata API, then live extraction, stopping at the first valid hit.
package resolver

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lavaroute/internal/core"
	"lavaroute/internal/track"
)

// Resolution outcomes reported per tier.
const (
	OutcomeHit     = "hit"
	OutcomeMiss    = "miss"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

// Observer is notified of each tier outcome.
type Observer func(tier core.Tier, outcome string)

// Indexer receives fallback hits for asynchronous cache write-back.
type Indexer interface {
	AddToIndex(track core.TrackMetadata) bool
	AddPlaylistToIndex(tracks []core.TrackMetadata) int
}

// PlaylistResult is a resolved playlist.
type PlaylistResult struct {
	ID       string
	Name     string
	Tracks   []*track.StandIn
	Selected *track.StandIn
	Origin   core.Tier
}

// Options tune a Resolver.
type Options struct {
	PlaylistPageLimit int
	Opener            track.StreamOpener
	Observer          Observer
}

// Resolver resolves tracks, playlists and searches across ordered tiers.
type Resolver struct {
	tiers     []Tier
	indexer   Indexer
	opener    track.StreamOpener
	observer  Observer
	pageLimit int
	logger    *zap.Logger
}

// New creates a resolver trying tiers in the given order.
func New(tiers []Tier, indexer Indexer, logger *zap.Logger, opts Options) *Resolver {
	if opts.PlaylistPageLimit <= 0 {
		opts.PlaylistPageLimit = core.DefaultPlaylistPageLimit
	}
	if opts.Observer == nil {
		opts.Observer = func(core.Tier, string) {}
	}
	return &Resolver{
		tiers:     tiers,
		indexer:   indexer,
		opener:    opts.Opener,
		observer:  opts.Observer,
		pageLimit: opts.PlaylistPageLimit,
		logger:    logger,
	}
}

// ResolveTrack returns a stand-in for id from the first tier with a valid
// hit. Fallback hits are queued for cache write-back. It returns
// core.ErrNotFound when every tier misses.
func (r *Resolver) ResolveTrack(ctx context.Context, id string) (*track.StandIn, error) {
	logger := r.logger.With(zap.String("request_id", uuid.NewString()), zap.String("track_id", id))

	for _, tier := range r.tiers {
		if !tier.Enabled() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		meta, err := tier.Track(ctx, id)
		if !r.accept(logger, tier.Name(), meta, err) {
			continue
		}

		if tier.Name() == core.TierFallback {
			r.writeBack(logger, *meta)
		}
		logger.Debug("Track resolved", zap.Stringer("tier", tier.Name()))
		return track.NewStandIn(*meta, tier.Name(), r.opener), nil
	}

	logger.Debug("Track not found in any tier")
	return nil, core.ErrNotFound
}

// ResolvePlaylist loads a playlist from the first non-cache tier that can
// name it. Pages are followed while a cursor is returned, up to the page
// limit including the first page. A tier that reports the playlist missing
// ends the resolution; failures fall through to the next tier.
func (r *Resolver) ResolvePlaylist(ctx context.Context, id, selectedID string) (*PlaylistResult, error) {
	logger := r.logger.With(zap.String("request_id", uuid.NewString()), zap.String("playlist_id", id))

	for _, tier := range r.tiers {
		if !tier.Enabled() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := tier.Name()
		first, err := tier.Playlist(ctx, id, "", true)
		switch {
		case errors.Is(err, ErrUnsupported):
			continue
		case errors.Is(err, core.ErrNotFound), err == nil && first == nil:
			r.observer(name, OutcomeMiss)
			logger.Debug("Playlist not found", zap.Stringer("tier", name))
			return nil, core.ErrNotFound
		case err != nil:
			r.observer(name, OutcomeError)
			logger.Warn("Playlist lookup failed, trying next tier", zap.Error(core.Transient(name, err)))
			continue
		}

		tracks, err := r.remainingPages(ctx, tier, id, first)
		if err != nil {
			r.observer(name, OutcomeError)
			logger.Warn("Playlist page failed, trying next tier", zap.Error(core.Transient(name, err)))
			continue
		}

		valid := make([]core.TrackMetadata, 0, len(tracks))
		for _, meta := range tracks {
			if meta.Valid() {
				valid = append(valid, meta)
				continue
			}
			logger.Debug("Skipping invalid playlist entry", zap.String("track_id", meta.ID), zap.Error(core.ErrInvalidMetadata))
		}
		if len(valid) == 0 {
			r.observer(name, OutcomeMiss)
			logger.Debug("Playlist is empty", zap.Stringer("tier", name))
			return nil, core.ErrNotFound
		}

		result := &PlaylistResult{ID: id, Name: first.Title, Origin: name, Tracks: make([]*track.StandIn, 0, len(valid))}
		for _, meta := range valid {
			standIn := track.NewStandIn(meta, name, r.opener)
			if result.Selected == nil && selectedID != "" && meta.ID == selectedID {
				result.Selected = standIn
			}
			result.Tracks = append(result.Tracks, standIn)
		}

		if name == core.TierFallback && r.indexer != nil {
			queued := r.indexer.AddPlaylistToIndex(valid)
			logger.Debug("Queued playlist tracks for cache write-back", zap.Int("queued", queued))
		}

		r.observer(name, OutcomeHit)
		logger.Debug("Playlist resolved",
			zap.Stringer("tier", name),
			zap.Int("tracks", len(result.Tracks)),
			zap.Bool("selected", result.Selected != nil))
		return result, nil
	}

	return nil, core.ErrNotFound
}

// remainingPages follows cursors from first and returns every accumulated track.
func (r *Resolver) remainingPages(ctx context.Context, tier Tier, id string, first *core.PlaylistPage) ([]core.TrackMetadata, error) {
	tracks := append([]core.TrackMetadata(nil), first.Tracks...)
	cursor := first.Cursor

	for fetched := 1; cursor != "" && fetched < r.pageLimit; fetched++ {
		page, err := tier.Playlist(ctx, id, cursor, false)
		if err != nil {
			return nil, err
		}
		if page == nil {
			break
		}
		tracks = append(tracks, page.Tracks...)
		cursor = page.Cursor
	}
	return tracks, nil
}

// Search returns the top match for query from the first searching tier
// with a valid hit.
func (r *Resolver) Search(ctx context.Context, query string) (*track.StandIn, error) {
	logger := r.logger.With(zap.String("request_id", uuid.NewString()), zap.String("query", query))

	for _, tier := range r.tiers {
		searcher, ok := tier.(core.Searcher)
		if !ok || !tier.Enabled() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		meta, err := searcher.Search(ctx, query)
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		if !r.accept(logger, tier.Name(), meta, err) {
			continue
		}

		if tier.Name() == core.TierFallback {
			r.writeBack(logger, *meta)
		}
		logger.Debug("Search resolved", zap.Stringer("tier", tier.Name()), zap.String("track_id", meta.ID))
		return track.NewStandIn(*meta, tier.Name(), r.opener), nil
	}

	return nil, core.ErrNotFound
}

// accept reports whether a tier answer is a usable hit, logging and
// counting everything else as a miss.
func (r *Resolver) accept(logger *zap.Logger, tier core.Tier, meta *core.TrackMetadata, err error) bool {
	switch {
	case errors.Is(err, ErrUnsupported):
		return false
	case errors.Is(err, core.ErrNotFound), err == nil && meta == nil:
		r.observer(tier, OutcomeMiss)
		logger.Debug("Tier miss", zap.Stringer("tier", tier))
		return false
	case err != nil:
		r.observer(tier, OutcomeError)
		logger.Warn("Tier failed, trying next tier", zap.Error(core.Transient(tier, err)))
		return false
	case !meta.Valid():
		r.observer(tier, OutcomeInvalid)
		logger.Debug("Tier returned invalid metadata",
			zap.Stringer("tier", tier), zap.Error(core.ErrInvalidMetadata))
		return false
	default:
		r.observer(tier, OutcomeHit)
		return true
	}
}

func (r *Resolver) writeBack(logger *zap.Logger, meta core.TrackMetadata) {
	if r.indexer == nil {
		return
	}
	if r.indexer.AddToIndex(meta) {
		logger.Debug("Queued track for cache write-back")
	}
}

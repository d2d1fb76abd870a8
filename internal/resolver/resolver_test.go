package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lavaroute/internal/cache"
	"lavaroute/internal/core"
)

type fakeSource struct {
	mu            sync.Mutex
	tracks        map[string]core.TrackMetadata
	trackErr      error
	playlistErr   error
	pageErrAfter  int
	endlessPages  bool
	pages         []core.PlaylistPage
	searchResult  *core.TrackMetadata
	trackCalls    int
	playlistCalls int
	searchCalls   int
}

func (f *fakeSource) Track(_ context.Context, id string) (*core.TrackMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackCalls++
	if f.trackErr != nil {
		return nil, f.trackErr
	}
	meta, ok := f.tracks[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &meta, nil
}

func (f *fakeSource) PlaylistPage(_ context.Context, id, cursor string, withName bool) (*core.PlaylistPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playlistCalls++
	if f.playlistErr != nil {
		return nil, f.playlistErr
	}
	if f.pageErrAfter > 0 && f.playlistCalls > f.pageErrAfter {
		return nil, errors.New("quota exceeded")
	}

	if f.endlessPages {
		n := f.playlistCalls
		page := &core.PlaylistPage{
			ID:     id,
			Cursor: fmt.Sprintf("page-%d", n+1),
			Tracks: []core.TrackMetadata{meta(fmt.Sprintf("t%d", n))},
		}
		if withName {
			page.Title = "Endless"
		}
		return page, nil
	}

	index := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "page-%d", &index); err != nil {
			return nil, err
		}
	}
	if index >= len(f.pages) {
		return &core.PlaylistPage{ID: id}, nil
	}
	page := f.pages[index]
	if withName && page.Title == "" {
		return nil, core.ErrNotFound
	}
	return &page, nil
}

func (f *fakeSource) calls() (tracks, playlists int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trackCalls, f.playlistCalls
}

// searchingSource adds search support to fakeSource.
type searchingSource struct {
	*fakeSource
}

func (s searchingSource) Search(_ context.Context, _ string) (*core.TrackMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchCalls++
	if s.searchResult == nil {
		return nil, core.ErrNotFound
	}
	result := *s.searchResult
	return &result, nil
}

type fakeIndexer struct {
	mu     sync.Mutex
	tracks []core.TrackMetadata
}

func (f *fakeIndexer) AddToIndex(track core.TrackMetadata) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return true
}

func (f *fakeIndexer) AddPlaylistToIndex(tracks []core.TrackMetadata) int {
	for _, track := range tracks {
		f.AddToIndex(track)
	}
	return len(tracks)
}

func (f *fakeIndexer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tracks)
}

// staticTier is a cache-like tier answering from a map.
type staticTier struct {
	tracks map[string]core.TrackMetadata
	calls  int
}

func (s *staticTier) Name() core.Tier { return core.TierCache }

func (s *staticTier) Enabled() bool { return true }

func (s *staticTier) Track(_ context.Context, id string) (*core.TrackMetadata, error) {
	s.calls++
	meta, ok := s.tracks[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &meta, nil
}

func (s *staticTier) Playlist(context.Context, string, string, bool) (*core.PlaylistPage, error) {
	return nil, ErrUnsupported
}

func meta(id string) core.TrackMetadata {
	return core.TrackMetadata{
		ID:       id,
		Title:    "Title " + id,
		Author:   "Author",
		URI:      core.WatchURL(id),
		Metadata: map[string]string{core.MetadataArtworkURL: core.ArtworkURL(id)},
	}
}

type pipeline struct {
	cache         *staticTier
	authoritative *fakeSource
	fallback      *fakeSource
	indexer       *fakeIndexer
	outcomes      map[string]int
	resolver      *Resolver
}

func newPipeline(t *testing.T, pageLimit int) *pipeline {
	t.Helper()
	p := &pipeline{
		cache:         &staticTier{tracks: map[string]core.TrackMetadata{}},
		authoritative: &fakeSource{tracks: map[string]core.TrackMetadata{}},
		fallback:      &fakeSource{tracks: map[string]core.TrackMetadata{}},
		indexer:       &fakeIndexer{},
		outcomes:      map[string]int{},
	}
	var mu sync.Mutex
	p.resolver = New([]Tier{
		p.cache,
		NewAuthoritativeTier(searchingSource{p.authoritative}, true),
		NewFallbackTier(p.fallback),
	}, p.indexer, zap.NewNop(), Options{
		PlaylistPageLimit: pageLimit,
		Observer: func(tier core.Tier, outcome string) {
			mu.Lock()
			p.outcomes[tier.String()+"/"+outcome]++
			mu.Unlock()
		},
	})
	return p
}

func TestResolveTrack_CacheHitShortCircuits(t *testing.T) {
	p := newPipeline(t, 0)
	p.cache.tracks["abc"] = meta("abc")
	p.authoritative.tracks["abc"] = meta("abc")

	standIn, err := p.resolver.ResolveTrack(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, standIn.FromCache())

	authCalls, _ := p.authoritative.calls()
	fallbackCalls, _ := p.fallback.calls()
	assert.Zero(t, authCalls)
	assert.Zero(t, fallbackCalls)
	assert.Zero(t, p.indexer.count(), "cache hits are never written back")
}

func TestResolveTrack_AuthoritativeBeforeFallback(t *testing.T) {
	p := newPipeline(t, 0)
	p.authoritative.tracks["abc"] = meta("abc")
	p.fallback.tracks["abc"] = meta("abc")

	standIn, err := p.resolver.ResolveTrack(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, core.TierAuthoritative, standIn.Origin)

	fallbackCalls, _ := p.fallback.calls()
	assert.Zero(t, fallbackCalls)
	assert.Zero(t, p.indexer.count(), "authoritative hits are not written back")
	assert.Equal(t, 1, p.cache.calls)
}

func TestResolveTrack_FallbackHitWrittenBackOnce(t *testing.T) {
	p := newPipeline(t, 0)
	p.authoritative.trackErr = errors.New("quota exceeded")
	p.fallback.tracks["abc"] = meta("abc")

	standIn, err := p.resolver.ResolveTrack(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, core.TierFallback, standIn.Origin)
	assert.Equal(t, "Title abc", standIn.Info.Title)

	require.Equal(t, 1, p.indexer.count())
	assert.Equal(t, "abc", p.indexer.tracks[0].ID)
	assert.Equal(t, 1, p.outcomes["authoritative/error"])
	assert.Equal(t, 1, p.outcomes["fallback/hit"])
}

func TestResolveTrack_InvalidMetadataIsMiss(t *testing.T) {
	p := newPipeline(t, 0)
	p.cache.tracks["abc"] = core.TrackMetadata{ID: "abc", Title: "No author"}
	p.authoritative.tracks["abc"] = core.TrackMetadata{ID: "abc", Author: "No title"}
	p.fallback.tracks["abc"] = meta("abc")

	standIn, err := p.resolver.ResolveTrack(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, core.TierFallback, standIn.Origin)
	assert.Equal(t, 1, p.outcomes["cache/invalid"])
	assert.Equal(t, 1, p.outcomes["authoritative/invalid"])
}

func TestResolveTrack_NotFound(t *testing.T) {
	p := newPipeline(t, 0)
	p.fallback.trackErr = errors.New("extraction failed")

	_, err := p.resolver.ResolveTrack(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Zero(t, p.indexer.count())
}

func TestResolveTrack_DisabledTierSkipped(t *testing.T) {
	authoritative := &fakeSource{tracks: map[string]core.TrackMetadata{"abc": meta("abc")}}
	fallback := &fakeSource{tracks: map[string]core.TrackMetadata{"abc": meta("abc")}}
	resolver := New([]Tier{
		NewAuthoritativeTier(authoritative, false),
		NewFallbackTier(fallback),
	}, nil, zap.NewNop(), Options{})

	standIn, err := resolver.ResolveTrack(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, core.TierFallback, standIn.Origin)

	authCalls, _ := authoritative.calls()
	assert.Zero(t, authCalls)
}

func TestResolveTrack_CanceledContext(t *testing.T) {
	p := newPipeline(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.resolver.ResolveTrack(ctx, "abc")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolvePlaylist_PageBound(t *testing.T) {
	p := newPipeline(t, 3)
	p.authoritative.endlessPages = true

	result, err := p.resolver.ResolvePlaylist(context.Background(), "PL1", "")
	require.NoError(t, err)

	_, pages := p.authoritative.calls()
	assert.Equal(t, 3, pages, "first page counts towards the bound")
	assert.Len(t, result.Tracks, 3)
	assert.Equal(t, "Endless", result.Name)
	assert.Nil(t, result.Selected)
}

func TestResolvePlaylist_DefaultPageBound(t *testing.T) {
	p := newPipeline(t, 0)
	p.authoritative.endlessPages = true

	_, err := p.resolver.ResolvePlaylist(context.Background(), "PL1", "")
	require.NoError(t, err)

	_, pages := p.authoritative.calls()
	assert.Equal(t, core.DefaultPlaylistPageLimit, pages)
}

func TestResolvePlaylist_SelectedTrack(t *testing.T) {
	p := newPipeline(t, 0)
	p.authoritative.pages = []core.PlaylistPage{
		{ID: "PL1", Title: "Mix", Cursor: "page-1", Tracks: []core.TrackMetadata{meta("a"), meta("b")}},
		{ID: "PL1", Tracks: []core.TrackMetadata{meta("c"), meta("d")}},
	}

	result, err := p.resolver.ResolvePlaylist(context.Background(), "PL1", "c")
	require.NoError(t, err)
	require.Len(t, result.Tracks, 4)
	require.NotNil(t, result.Selected)
	assert.Same(t, result.Tracks[2], result.Selected)
	assert.Equal(t, core.TierAuthoritative, result.Origin)

	result, err = p.resolver.ResolvePlaylist(context.Background(), "PL1", "zzz")
	require.NoError(t, err)
	assert.Nil(t, result.Selected)
}

func TestResolvePlaylist_MissingNameIsMiss(t *testing.T) {
	p := newPipeline(t, 0)
	p.authoritative.pages = []core.PlaylistPage{{ID: "PL1", Tracks: []core.TrackMetadata{meta("a")}}}
	p.fallback.pages = []core.PlaylistPage{{ID: "PL1", Title: "Mix", Tracks: []core.TrackMetadata{meta("a")}}}

	_, err := p.resolver.ResolvePlaylist(context.Background(), "PL1", "")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, fallbackPages := p.fallback.calls()
	assert.Zero(t, fallbackPages, "an unnamed playlist is not retried on lower tiers")
}

func TestResolvePlaylist_FailureFallsThrough(t *testing.T) {
	p := newPipeline(t, 0)
	p.authoritative.pages = []core.PlaylistPage{
		{ID: "PL1", Title: "Mix", Cursor: "page-1", Tracks: []core.TrackMetadata{meta("a")}},
		{ID: "PL1", Tracks: []core.TrackMetadata{meta("b")}},
	}
	p.authoritative.pageErrAfter = 1
	p.fallback.pages = []core.PlaylistPage{{ID: "PL1", Title: "Mix", Tracks: []core.TrackMetadata{
		meta("a"), {ID: "broken"}, meta("b"),
	}}}

	result, err := p.resolver.ResolvePlaylist(context.Background(), "PL1", "b")
	require.NoError(t, err)
	assert.Equal(t, core.TierFallback, result.Origin)
	assert.Len(t, result.Tracks, 2, "invalid entries are dropped")
	require.NotNil(t, result.Selected)
	assert.Equal(t, "b", result.Selected.ID())
	assert.Equal(t, 2, p.indexer.count(), "fallback playlist tracks fan out to write-back")
}

func TestResolvePlaylist_Empty(t *testing.T) {
	p := newPipeline(t, 0)
	p.authoritative.pages = []core.PlaylistPage{{ID: "PL1", Title: "Empty"}}

	_, err := p.resolver.ResolvePlaylist(context.Background(), "PL1", "")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSearch(t *testing.T) {
	p := newPipeline(t, 0)
	hit := meta("abc")
	p.authoritative.searchResult = &hit

	standIn, err := p.resolver.Search(context.Background(), "some song")
	require.NoError(t, err)
	assert.Equal(t, "abc", standIn.ID())
	assert.Equal(t, core.TierAuthoritative, standIn.Origin)
	assert.Zero(t, p.indexer.count())

	p.authoritative.searchResult = nil
	_, err = p.resolver.Search(context.Background(), "nothing")
	assert.ErrorIs(t, err, core.ErrNotFound, "the fallback cannot search")
}

func TestResolveTrack_WritesBackIntoCache(t *testing.T) {
	ctx := context.Background()
	store, err := cache.OpenSQLiteStore(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	logger := zap.NewNop()
	pool := cache.NewWritebackPool(store, 1, 8, time.Second, logger, nil)
	defer pool.Close()
	client := cache.NewClient(store, pool, logger)

	fallback := &fakeSource{tracks: map[string]core.TrackMetadata{"abc": meta("abc")}}
	resolver := New([]Tier{NewCacheTier(client), NewFallbackTier(fallback)}, client, logger, Options{})

	standIn, err := resolver.ResolveTrack(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, core.TierFallback, standIn.Origin)

	require.Eventually(t, func() bool {
		return client.Get(ctx, "abc").Found
	}, time.Second, 10*time.Millisecond)

	standIn, err = resolver.ResolveTrack(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, standIn.FromCache())
	assert.Equal(t, core.ArtworkURL("abc"), standIn.Info.ArtworkURL())

	fallbackCalls, _ := fallback.calls()
	assert.Equal(t, 1, fallbackCalls)
}

type flakyStore struct {
	mu       sync.Mutex
	failures int
	submits  int
}

func (f *flakyStore) Lookup(context.Context, string) (core.LookupResult, error) {
	return core.LookupResult{}, nil
}

func (f *flakyStore) Submit(context.Context, core.TrackMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("cache unavailable")
	}
	f.submits++
	return nil
}

func (f *flakyStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func TestResolveTrack_WritesBackEveryFallbackHit(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{failures: 1}
	logger := zap.NewNop()
	pool := cache.NewWritebackPool(store, 1, 8, time.Second, logger, nil)
	client := cache.NewClient(store, pool, logger)

	fallback := &fakeSource{tracks: map[string]core.TrackMetadata{"abc": meta("abc")}}
	resolver := New([]Tier{NewCacheTier(client), NewFallbackTier(fallback)}, client, logger, Options{})

	for range 3 {
		standIn, err := resolver.ResolveTrack(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, core.TierFallback, standIn.Origin)
	}

	require.NoError(t, client.Close())
	assert.Equal(t, 2, store.count(), "a failed write-back does not suppress later ones")
	assert.Equal(t, uint64(1), client.Stats().Failed)
}

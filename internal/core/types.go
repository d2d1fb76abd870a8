package core

import (
	"context"
	"fmt"
	"maps"
	"time"
)

const (
	// MetadataArtworkURL is the metadata key holding a track's artwork URL.
	MetadataArtworkURL = "artworkUrl"
	// SourceYouTube is the type discriminator stored alongside cached payloads.
	SourceYouTube = "youtube"
)

// Tier identifies one stage of the resolution pipeline.
type Tier int

const (
	// TierCache is the look-aside cache store.
	TierCache Tier = iota
	// TierAuthoritative is the external metadata API.
	TierAuthoritative
	// TierFallback is the live extraction collaborator.
	TierFallback
)

func (t Tier) String() string {
	switch t {
	case TierCache:
		return "cache"
	case TierAuthoritative:
		return "authoritative"
	case TierFallback:
		return "fallback"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// TrackMetadata describes a single playable item.
type TrackMetadata struct {
	ID       string
	Title    string
	Author   string
	Duration time.Duration
	IsStream bool
	URI      string
	Metadata map[string]string
}

// Valid reports whether the metadata may be surfaced as a hit.
func (t *TrackMetadata) Valid() bool {
	return t != nil && t.Title != "" && t.Author != ""
}

// Clone returns a copy that shares no mutable state with t.
func (t *TrackMetadata) Clone() TrackMetadata {
	c := *t
	if t.Metadata != nil {
		c.Metadata = maps.Clone(t.Metadata)
	}
	return c
}

// ArtworkURL returns the artwork URL stored in the metadata map, if any.
func (t *TrackMetadata) ArtworkURL() string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata[MetadataArtworkURL]
}

// PlaylistPage is one page of a paged playlist listing.
// An empty Cursor marks the last page.
type PlaylistPage struct {
	ID     string
	Title  string
	Cursor string
	Tracks []TrackMetadata
}

// LookupResult is the outcome of a cache point lookup.
type LookupResult struct {
	Found bool
	Track *TrackMetadata
	Raw   []byte
}

// TrackSource resolves single tracks.
type TrackSource interface {
	Track(ctx context.Context, id string) (*TrackMetadata, error)
}

// PlaylistSource fetches playlist pages. When withName is set the playlist
// title must be resolved first; its absence is reported as ErrNotFound.
type PlaylistSource interface {
	PlaylistPage(ctx context.Context, id, cursor string, withName bool) (*PlaylistPage, error)
}

// Searcher returns the single best match for a free-text query.
type Searcher interface {
	Search(ctx context.Context, query string) (*TrackMetadata, error)
}

// ArtworkURL derives the thumbnail URL for a YouTube video id.
func ArtworkURL(videoID string) string {
	return fmt.Sprintf("https://img.youtube.com/vi/%s/0.jpg", videoID)
}

// WatchURL returns the canonical watch URL for a YouTube video id.
func WatchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

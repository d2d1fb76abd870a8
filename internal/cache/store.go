// Package cache implements the look-aside track cache: store backends, the
// non-failing client the resolver talks to, and the asynchronous write-back pool.
package cache

import (
	"context"
	"time"

	"lavaroute/internal/core"
)

// Store is a cache backend keyed by track identifier.
type Store interface {
	Lookup(ctx context.Context, id string) (core.LookupResult, error)
	Submit(ctx context.Context, track core.TrackMetadata) error
}

// cachedTrack is the wire and storage representation of a cached track.
type cachedTrack struct {
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	URI        string `json:"uri"`
	Type       string `json:"type"`
}

func fromMetadata(track core.TrackMetadata) cachedTrack {
	return cachedTrack{
		Identifier: track.ID,
		Title:      track.Title,
		Author:     track.Author,
		Length:     track.Duration.Milliseconds(),
		IsStream:   track.IsStream,
		URI:        track.URI,
		Type:       core.SourceYouTube,
	}
}

func (c cachedTrack) toMetadata() *core.TrackMetadata {
	track := &core.TrackMetadata{
		ID:       c.Identifier,
		Title:    c.Title,
		Author:   c.Author,
		Duration: time.Duration(c.Length) * time.Millisecond,
		IsStream: c.IsStream,
		URI:      c.URI,
	}
	if c.Type == "" || c.Type == core.SourceYouTube {
		track.Metadata = map[string]string{core.MetadataArtworkURL: core.ArtworkURL(c.Identifier)}
	}
	return track
}

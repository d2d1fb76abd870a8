// Package track holds the playable stand-in returned by the resolver.
package track

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"lavaroute/internal/core"
)

// ErrNoOpener is returned when a stand-in has no way to open its stream.
var ErrNoOpener = errors.New("track: no stream opener configured")

// StreamOpener opens the audio stream for a track id.
type StreamOpener interface {
	OpenStream(ctx context.Context, id string) (io.ReadCloser, error)
}

// StandIn is a playable track built from metadata alone. Opening the stream
// is deferred until playback starts.
type StandIn struct {
	Info   core.TrackMetadata
	Origin core.Tier

	opener StreamOpener
	mu     sync.Mutex
}

// NewStandIn builds a stand-in that owns a copy of info.
func NewStandIn(info core.TrackMetadata, origin core.Tier, opener StreamOpener) *StandIn {
	return &StandIn{
		Info:   info.Clone(),
		Origin: origin,
		opener: opener,
	}
}

// ID returns the track identifier.
func (s *StandIn) ID() string {
	return s.Info.ID
}

// FromCache reports whether the metadata came from the cache tier.
func (s *StandIn) FromCache() bool {
	return s.Origin == core.TierCache
}

// Open prepares the audio stream. Concurrent calls on the same stand-in are serialized.
func (s *StandIn) Open(ctx context.Context) (io.ReadCloser, error) {
	if s.opener == nil {
		return nil, ErrNoOpener
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream, err := s.opener.OpenStream(ctx, s.Info.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", s.Info.ID, err)
	}
	return stream, nil
}

func (s *StandIn) String() string {
	return fmt.Sprintf("%s - %s [%s] (%s)", s.Info.Author, s.Info.Title, s.Info.ID, s.Origin)
}

// Package extractor is the live-extraction fallback: it scrapes YouTube
// watch and playlist pages when neither the cache nor the API can answer.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kkdai/youtube/v2"
	"go.uber.org/zap"

	"lavaroute/internal/core"
)

// ErrNoAudioFormat is returned when a video exposes no audio stream.
var ErrNoAudioFormat = errors.New("extractor: no audio format available")

// videoClient is the subset of the kkdai client the extractor uses.
type videoClient interface {
	GetVideoContext(ctx context.Context, url string) (*youtube.Video, error)
	GetPlaylistContext(ctx context.Context, url string) (*youtube.Playlist, error)
	GetStreamContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (io.ReadCloser, int64, error)
}

// YouTube extracts metadata and audio streams directly from YouTube.
type YouTube struct {
	client  videoClient
	timeout time.Duration
	logger  *zap.Logger
}

// NewYouTube creates an extractor whose requests go through httpClient.
// httpClient carries audio streams, so it must not set its own timeout;
// metadata requests are bounded by timeout instead.
func NewYouTube(httpClient *http.Client, timeout time.Duration, logger *zap.Logger) *YouTube {
	return &YouTube{
		client:  &youtube.Client{HTTPClient: httpClient},
		timeout: timeout,
		logger:  logger,
	}
}

// metadataContext bounds a metadata scrape. A non-positive timeout leaves
// ctx untouched.
func (y *YouTube) metadataContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if y.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, y.timeout)
}

func (y *YouTube) video(ctx context.Context, id string) (*youtube.Video, error) {
	ctx, cancel := y.metadataContext(ctx)
	defer cancel()
	return y.client.GetVideoContext(ctx, id)
}

// Track extracts metadata for a single video.
func (y *YouTube) Track(ctx context.Context, id string) (*core.TrackMetadata, error) {
	video, err := y.video(ctx, id)
	if err != nil {
		return nil, classify(err)
	}

	return &core.TrackMetadata{
		ID:       video.ID,
		Title:    video.Title,
		Author:   video.Author,
		Duration: video.Duration,
		IsStream: video.HLSManifestURL != "" && video.Duration == 0,
		URI:      core.WatchURL(video.ID),
		Metadata: map[string]string{core.MetadataArtworkURL: core.ArtworkURL(video.ID)},
	}, nil
}

// PlaylistPage extracts a playlist. The whole listing arrives in one page,
// so any non-empty cursor yields an empty terminal page.
func (y *YouTube) PlaylistPage(ctx context.Context, id, cursor string, withName bool) (*core.PlaylistPage, error) {
	if cursor != "" {
		return &core.PlaylistPage{ID: id}, nil
	}

	metaCtx, cancel := y.metadataContext(ctx)
	defer cancel()
	playlist, err := y.client.GetPlaylistContext(metaCtx, id)
	if err != nil {
		return nil, classify(err)
	}
	if withName && strings.TrimSpace(playlist.Title) == "" {
		return nil, core.ErrNotFound
	}

	page := &core.PlaylistPage{
		ID:     id,
		Title:  playlist.Title,
		Tracks: make([]core.TrackMetadata, 0, len(playlist.Videos)),
	}
	for _, entry := range playlist.Videos {
		if entry == nil || entry.ID == "" {
			continue
		}
		page.Tracks = append(page.Tracks, core.TrackMetadata{
			ID:       entry.ID,
			Title:    entry.Title,
			Author:   entry.Author,
			Duration: entry.Duration,
			URI:      core.WatchURL(entry.ID),
			Metadata: map[string]string{core.MetadataArtworkURL: core.ArtworkURL(entry.ID)},
		})
	}
	return page, nil
}

// OpenStream opens the highest bitrate audio stream of a video. Only the
// metadata lookup is time-bound; the stream lives as long as ctx.
func (y *YouTube) OpenStream(ctx context.Context, id string) (io.ReadCloser, error) {
	video, err := y.video(ctx, id)
	if err != nil {
		return nil, classify(err)
	}

	format, err := bestAudioFormat(video.Formats)
	if err != nil {
		return nil, err
	}

	y.logger.Debug("Opening audio stream",
		zap.String("video_id", id),
		zap.Int("itag", format.ItagNo),
		zap.String("mime_type", format.MimeType),
		zap.Int("bitrate", format.Bitrate))

	stream, _, err := y.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream for %s: %w", id, err)
	}
	return stream, nil
}

// bestAudioFormat prefers audio-only formats and picks the highest bitrate.
func bestAudioFormat(formats youtube.FormatList) (*youtube.Format, error) {
	var best *youtube.Format
	bestAudioOnly := false
	withAudio := formats.WithAudioChannels()
	for i := range withAudio {
		format := &withAudio[i]
		audioOnly := strings.HasPrefix(format.MimeType, "audio/")
		switch {
		case best == nil,
			audioOnly && !bestAudioOnly,
			audioOnly == bestAudioOnly && format.Bitrate > best.Bitrate:
			best = format
			bestAudioOnly = audioOnly
		}
	}
	if best == nil {
		return nil, ErrNoAudioFormat
	}
	return best, nil
}

func classify(err error) error {
	var (
		playability    *youtube.ErrPlayabiltyStatus
		playlistStatus youtube.ErrPlaylistStatus
	)
	switch {
	case errors.Is(err, youtube.ErrVideoPrivate),
		errors.Is(err, youtube.ErrVideoIDMinLength),
		errors.Is(err, youtube.ErrInvalidCharactersInVideoID),
		errors.Is(err, youtube.ErrInvalidPlaylist),
		errors.As(err, &playability),
		errors.As(err, &playlistStatus):
		return fmt.Errorf("extractor: %w: %v", core.ErrNotFound, err)
	default:
		return fmt.Errorf("extractor: %w", err)
	}
}

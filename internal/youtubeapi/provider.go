// Package youtubeapi resolves track and playlist metadata through the
// YouTube Data API v3 with rotating API keys.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"lavaroute/internal/core"
	"lavaroute/internal/routing"
	"lavaroute/pkg/fuzzy"
)

const (
	playlistPageSize = 20
	liveBroadcast    = "live"

	// lowMatchScore is the similarity below which a top search result is
	// reported as a likely mismatch.
	lowMatchScore = 0.3
)

// Config configures a Provider.
type Config struct {
	Keys              []string
	Endpoint          string
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Provider implements track lookup, search and paged playlist listing.
type Provider struct {
	service    *youtube.Service
	keys       *KeyPool
	limiter    *rate.Limiter
	normalizer *fuzzy.Normalizer
	logger     *zap.Logger
}

// NewProvider creates a provider. The HTTP client carries the route planner;
// an empty endpoint uses the public API.
func NewProvider(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: core.DefaultHTTPTimeout}
	}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.HasSuffix(endpoint, "/") {
			endpoint += "/"
		}
		opts = append(opts, option.WithEndpoint(endpoint))
	}

	service, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create YouTube service: %w", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
	}

	keys := NewKeyPool(cfg.Keys)
	if keys.Len() == 0 {
		logger.Warn("YouTube API enabled without API keys, every call will fail")
	}

	return &Provider{
		service:    service,
		keys:       keys,
		limiter:    limiter,
		normalizer: fuzzy.NewNormalizer(),
		logger:     logger,
	}, nil
}

// Track resolves a single video id.
func (p *Provider) Track(ctx context.Context, id string) (*core.TrackMetadata, error) {
	tracks, err := p.videos(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return nil, core.ErrNotFound
	}
	return &tracks[0], nil
}

// Search returns the top video result for query.
func (p *Provider) Search(ctx context.Context, query string) (*core.TrackMetadata, error) {
	query = p.normalizer.NormalizeQuery(query)
	if query == "" {
		return nil, core.ErrNotFound
	}

	key, err := p.callOption(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := p.service.Search.List([]string{"snippet"}).
		Q(query).
		Type("video").
		MaxResults(1).
		Fields("items(id/kind,id/videoId,snippet/title)").
		Context(routing.WithRequestKind(ctx, routing.KindSearch)).
		Do(key)
	if err != nil {
		return nil, classify("search", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Id == nil || resp.Items[0].Id.VideoId == "" {
		return nil, core.ErrNotFound
	}

	track, err := p.Track(ctx, resp.Items[0].Id.VideoId)
	if err != nil {
		return nil, err
	}

	score := p.matchScore(query, track)
	fields := []zap.Field{
		zap.String("query", query),
		zap.String("video_id", track.ID),
		zap.Float64("score", score),
	}
	if score < lowMatchScore {
		p.logger.Warn("Top search result barely matches the query", fields...)
	} else {
		p.logger.Debug("Search matched", fields...)
	}
	return track, nil
}

// matchScore compares query with the author and title of track.
func (p *Provider) matchScore(query string, track *core.TrackMetadata) float64 {
	return p.normalizer.CalculateSimilarity(
		p.normalizer.Fold(query), p.normalizer.Fold(track.Author+" "+track.Title))
}

// PlaylistPage fetches one page of playlist entries starting at cursor.
// When withName is set the playlist title is resolved first and a missing
// title makes the whole call a miss.
func (p *Provider) PlaylistPage(ctx context.Context, id, cursor string, withName bool) (*core.PlaylistPage, error) {
	var title string
	if withName {
		var err error
		if title, err = p.playlistTitle(ctx, id); err != nil {
			return nil, err
		}
	}

	key, err := p.callOption(ctx)
	if err != nil {
		return nil, err
	}

	call := p.service.PlaylistItems.List([]string{"snippet", "contentDetails"}).
		PlaylistId(id).
		MaxResults(playlistPageSize).
		Fields("nextPageToken,items(contentDetails/videoId)")
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	resp, err := call.Context(ctx).Do(key)
	if err != nil {
		return nil, classify("playlistItems", err)
	}

	// A page can be empty while more pages follow.
	page := &core.PlaylistPage{ID: id, Title: title, Cursor: resp.NextPageToken}
	if len(resp.Items) == 0 {
		return page, nil
	}

	ids := make([]string, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.ContentDetails != nil && item.ContentDetails.VideoId != "" {
			ids = append(ids, item.ContentDetails.VideoId)
		}
	}

	tracks, err := p.videos(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]core.TrackMetadata, len(tracks))
	for _, track := range tracks {
		byID[track.ID] = track
	}
	for _, videoID := range ids {
		// Private and deleted entries have no video resource.
		if track, ok := byID[videoID]; ok {
			page.Tracks = append(page.Tracks, track)
		}
	}

	return page, nil
}

func (p *Provider) playlistTitle(ctx context.Context, id string) (string, error) {
	key, err := p.callOption(ctx)
	if err != nil {
		return "", err
	}

	resp, err := p.service.Playlists.List([]string{"snippet"}).
		Id(id).
		Fields("items(snippet/title)").
		Context(ctx).
		Do(key)
	if err != nil {
		return "", classify("playlists", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Snippet == nil || resp.Items[0].Snippet.Title == "" {
		return "", core.ErrNotFound
	}
	return resp.Items[0].Snippet.Title, nil
}

// videos resolves ids with a single videos.list call.
func (p *Provider) videos(ctx context.Context, ids []string) ([]core.TrackMetadata, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	key, err := p.callOption(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := p.service.Videos.List([]string{"id", "snippet", "contentDetails"}).
		Id(ids...).
		Fields("items(id,snippet/title,snippet/channelTitle,snippet/liveBroadcastContent,contentDetails/duration)").
		Context(ctx).
		Do(key)
	if err != nil {
		return nil, classify("videos", err)
	}

	tracks := make([]core.TrackMetadata, 0, len(resp.Items))
	for _, video := range resp.Items {
		if video.Snippet == nil {
			continue
		}
		tracks = append(tracks, p.videoToTrack(video))
	}
	return tracks, nil
}

func (p *Provider) videoToTrack(video *youtube.Video) core.TrackMetadata {
	track := core.TrackMetadata{
		ID:       video.Id,
		Title:    video.Snippet.Title,
		Author:   video.Snippet.ChannelTitle,
		IsStream: video.Snippet.LiveBroadcastContent == liveBroadcast,
		URI:      core.WatchURL(video.Id),
		Metadata: map[string]string{core.MetadataArtworkURL: core.ArtworkURL(video.Id)},
	}

	if video.ContentDetails != nil && video.ContentDetails.Duration != "" {
		duration, err := parseDuration(video.ContentDetails.Duration)
		if err != nil {
			p.logger.Debug("Unparseable video duration",
				zap.String("video_id", video.Id), zap.Error(err))
		}
		track.Duration = duration
	}
	return track
}

// callOption waits for the rate limiter and draws the next API key.
func (p *Provider) callOption(ctx context.Context) (googleapi.CallOption, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("youtube api rate limiter: %w", err)
	}
	key, err := p.keys.Next()
	if err != nil {
		return nil, err
	}
	return googleapi.QueryParameter("key", key), nil
}

func classify(method string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("youtube api %s: %w", method, core.ErrNotFound)
	}
	return fmt.Errorf("youtube api %s: %w", method, err)
}

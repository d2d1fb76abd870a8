// Package ytlink turns user input into a YouTube track, playlist or search reference.
package ytlink

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"lavaroute/pkg/fuzzy"
)

// Kind is the kind of item a reference points at.
type Kind int

const (
	KindTrack Kind = iota
	KindPlaylist
	KindSearch
)

func (k Kind) String() string {
	switch k {
	case KindTrack:
		return "track"
	case KindPlaylist:
		return "playlist"
	case KindSearch:
		return "search"
	default:
		return "unknown"
	}
}

// ErrUnrecognized is returned for input that is neither an id, a YouTube URL nor a search.
var ErrUnrecognized = errors.New("unrecognized YouTube reference")

var (
	videoIDPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	playlistIDPattern = regexp.MustCompile(`^(PL|OL|UU|FL|RD|LL)[A-Za-z0-9_-]+$`)
)

// Reference is parsed user input.
type Reference struct {
	Kind Kind
	// VideoID is the track id, or the selected track of a playlist.
	VideoID    string
	PlaylistID string
	Query      string
}

// IsYouTubeURL checks if the URL points at YouTube or YouTube Music.
func IsYouTubeURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	switch strings.ToLower(u.Hostname()) {
	case "youtube.com", "www.youtube.com", "m.youtube.com", "music.youtube.com", "youtu.be":
		return true
	}
	return false
}

// Parse accepts a bare video or playlist id, a YouTube URL or a ytsearch: query.
func Parse(input string) (Reference, error) {
	input = strings.TrimSpace(input)

	if len(input) >= len(fuzzy.SearchPrefix) && strings.EqualFold(input[:len(fuzzy.SearchPrefix)], fuzzy.SearchPrefix) {
		query := strings.TrimSpace(input[len(fuzzy.SearchPrefix):])
		if query == "" {
			return Reference{}, ErrUnrecognized
		}
		return Reference{Kind: KindSearch, Query: query}, nil
	}

	if IsYouTubeURL(input) {
		return parseURL(input)
	}

	switch {
	case videoIDPattern.MatchString(input):
		return Reference{Kind: KindTrack, VideoID: input}, nil
	case playlistIDPattern.MatchString(input):
		return Reference{Kind: KindPlaylist, PlaylistID: input}, nil
	}
	return Reference{}, ErrUnrecognized
}

func parseURL(rawURL string) (Reference, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Reference{}, err
	}

	var videoID string
	if strings.EqualFold(u.Hostname(), "youtu.be") {
		videoID = strings.Trim(u.Path, "/")
	} else {
		videoID = u.Query().Get("v")
		if videoID == "" {
			if rest, ok := strings.CutPrefix(u.Path, "/shorts/"); ok {
				videoID = strings.Trim(rest, "/")
			}
		}
	}
	if videoID != "" && !videoIDPattern.MatchString(videoID) {
		return Reference{}, ErrUnrecognized
	}

	if list := u.Query().Get("list"); list != "" {
		return Reference{Kind: KindPlaylist, PlaylistID: list, VideoID: videoID}, nil
	}
	if videoID == "" {
		return Reference{}, ErrUnrecognized
	}
	return Reference{Kind: KindTrack, VideoID: videoID}, nil
}

package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"lavaroute/internal/core"
)

const maxResponseBytes = 1 << 20

// HTTPStore talks to a remote cache service over HTTP.
type HTTPStore struct {
	endpoint string
	token    string
	client   *http.Client
}

type lookupResponse struct {
	Found bool            `json:"found"`
	Track json.RawMessage `json:"track"`
}

// NewHTTPStore creates a store for the cache service at endpoint.
func NewHTTPStore(endpoint, token string, client *http.Client) *HTTPStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStore{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   client,
	}
}

// Lookup fetches a track by id. A 404 or a negative answer is a miss, not an error.
func (s *HTTPStore) Lookup(ctx context.Context, id string) (core.LookupResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/tracks/"+url.PathEscape(id), http.NoBody)
	if err != nil {
		return core.LookupResult{}, fmt.Errorf("failed to build cache lookup: %w", err)
	}
	req.Header.Set("Authorization", s.token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return core.LookupResult{}, fmt.Errorf("cache lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return core.LookupResult{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return core.LookupResult{}, fmt.Errorf("cache lookup returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return core.LookupResult{}, fmt.Errorf("failed to read cache response: %w", err)
	}

	var payload lookupResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return core.LookupResult{}, fmt.Errorf("failed to decode cache response: %w", err)
	}
	if !payload.Found || len(payload.Track) == 0 || bytes.Equal(payload.Track, []byte("null")) {
		return core.LookupResult{}, nil
	}

	var cached cachedTrack
	if err := json.Unmarshal(payload.Track, &cached); err != nil {
		return core.LookupResult{}, fmt.Errorf("failed to decode cached track: %w", err)
	}
	if cached.Identifier == "" {
		cached.Identifier = id
	}

	return core.LookupResult{Found: true, Track: cached.toMetadata(), Raw: payload.Track}, nil
}

// Submit indexes a track on the cache service.
func (s *HTTPStore) Submit(ctx context.Context, track core.TrackMetadata) error {
	body, err := json.Marshal(fromMetadata(track))
	if err != nil {
		return fmt.Errorf("failed to encode track: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/tracks", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build cache submit: %w", err)
	}
	req.Header.Set("Authorization", s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("cache submit failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cache submit returned status %d", resp.StatusCode)
	}
	return nil
}

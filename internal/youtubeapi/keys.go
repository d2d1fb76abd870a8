package youtubeapi

import (
	"errors"
	"strings"
	"sync/atomic"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("youtube api: no API key configured")

// KeyPool hands out API keys in round-robin order.
type KeyPool struct {
	keys   []string
	cursor atomic.Uint64
}

// NewKeyPool builds a pool from keys, skipping blank entries.
func NewKeyPool(keys []string) *KeyPool {
	pool := &KeyPool{}
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			pool.keys = append(pool.keys, key)
		}
	}
	return pool
}

// Next returns the next key in rotation.
func (p *KeyPool) Next() (string, error) {
	if len(p.keys) == 0 {
		return "", ErrNoAPIKey
	}
	n := p.cursor.Add(1) - 1
	return p.keys[n%uint64(len(p.keys))], nil
}

// Len returns the number of usable keys.
func (p *KeyPool) Len() int {
	return len(p.keys)
}

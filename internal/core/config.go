package core

import (
	"time"
)

const (
	// DefaultPlaylistPageLimit caps pages fetched per playlist, first page included.
	DefaultPlaylistPageLimit = 6
	// DefaultRetryLimit disables retry wrapping around route-planned calls.
	DefaultRetryLimit = -1
	// DefaultHTTPTimeout bounds every outbound call.
	DefaultHTTPTimeout = 10 * time.Second
	// DefaultWritebackWorkers is the number of cache write-back workers.
	DefaultWritebackWorkers = 4
	// DefaultWritebackQueue is the write-back queue capacity.
	DefaultWritebackQueue = 512
	// DefaultStrategy is the route planner strategy used when none is configured.
	DefaultStrategy = "rotateonban"
)

// Cache store drivers.
const (
	CacheDriverHTTP   = "http"
	CacheDriverSQLite = "sqlite"
)

// Config holds the complete service configuration.
type Config struct {
	Cache     CacheConfig
	YouTube   YouTubeConfig
	RateLimit RateLimitConfig
	Resolver  ResolverConfig
	Server    ServerConfig
	Log       LogConfig
}

type CacheConfig struct {
	Enabled          bool
	Driver           string
	Endpoint         string
	Token            string
	SQLitePath       string
	WritebackWorkers int
	WritebackQueue   int
}

type YouTubeConfig struct {
	APIEnabled        bool
	APIKeys           []string
	APIEndpoint       string
	RequestsPerSecond float64
}

type RateLimitConfig struct {
	IPBlocks           []string
	ExcludedIPs        []string
	Strategy           string
	RetryLimit         int
	SearchTriggersFail bool
	FailingTTL         time.Duration
}

type ResolverConfig struct {
	PlaylistPageLimit int
	HTTPTimeout       time.Duration
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Enabled:          true,
			Driver:           CacheDriverHTTP,
			WritebackWorkers: DefaultWritebackWorkers,
			WritebackQueue:   DefaultWritebackQueue,
		},
		YouTube: YouTubeConfig{
			APIEnabled: false,
		},
		RateLimit: RateLimitConfig{
			Strategy:           DefaultStrategy,
			RetryLimit:         DefaultRetryLimit,
			SearchTriggersFail: true,
		},
		Resolver: ResolverConfig{
			PlaylistPageLimit: DefaultPlaylistPageLimit,
			HTTPTimeout:       DefaultHTTPTimeout,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         2333,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

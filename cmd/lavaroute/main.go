// Package main provides the lavaroute CLI application entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"lavaroute/internal/cache"
	"lavaroute/internal/core"
	"lavaroute/internal/extractor"
	httpserver "lavaroute/internal/http"
	"lavaroute/internal/resolver"
	"lavaroute/internal/routing"
	"lavaroute/internal/track"
	"lavaroute/internal/youtubeapi"
	"lavaroute/pkg/ytlink"
)

const defaultServerHost = "0.0.0.0"

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "lavaroute",
	Short: "lavaroute - tiered YouTube track resolution",
	Long: `lavaroute resolves YouTube tracks, playlists and searches through a look-aside cache,
the YouTube Data API and live extraction, sending outbound traffic through a route planner
that rotates source addresses when YouTube rate limits them.`,
	RunE: runLavaroute,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <id|url|ytsearch:query>",
	Short: "Resolve a track, playlist or search and print the result as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	defaults := core.DefaultConfig()
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&cfgFile, "config", "", "config file (default is .env)")
	flags.String("log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", defaults.Log.Format, "log format (json, text)")
	flags.String("server-host", defaultServerHost, "HTTP server host")
	flags.Int("server-port", defaults.Server.Port, "HTTP server port")

	flags.Bool("cache-enabled", defaults.Cache.Enabled, "Enable the look-aside track cache")
	flags.String("cache-driver", defaults.Cache.Driver, "Cache store driver (http, sqlite)")
	flags.String("cache-endpoint", "", "Cache service base URL")
	flags.String("cache-token", "", "Cache service authorization token")
	flags.String("cache-sqlite-path", "", "Cache database path for the sqlite driver")
	flags.Int("cache-writeback-workers", defaults.Cache.WritebackWorkers, "Number of cache write-back workers")
	flags.Int("cache-writeback-queue", defaults.Cache.WritebackQueue, "Cache write-back queue capacity")

	flags.Bool("youtube-api-enabled", defaults.YouTube.APIEnabled, "Enable the YouTube Data API tier")
	flags.String("youtube-api-keys", "", "Comma-separated YouTube Data API keys")
	flags.String("youtube-api-endpoint", "", "YouTube Data API base URL (default is the public API)")
	flags.Float64("youtube-api-rps", 0, "Maximum YouTube Data API requests per second (0 is unlimited)")

	flags.Int("playlist-page-limit", defaults.Resolver.PlaylistPageLimit, "Maximum playlist pages fetched per playlist, first page included")
	flags.Duration("http-timeout", defaults.Resolver.HTTPTimeout, "Timeout for outbound metadata calls")

	flags.String("ratelimit-ip-blocks", "", "Comma-separated CIDR blocks for the route planner")
	flags.String("ratelimit-excluded-ips", "", "Comma-separated addresses or host names never used as source")
	flags.String("ratelimit-strategy", defaults.RateLimit.Strategy,
		"Route planner strategy (rotateonban, loadbalance, nanoswitch, rotatingnanoswitch)")
	flags.Int("ratelimit-retry-limit", defaults.RateLimit.RetryLimit,
		"Attempts per request on rate limit (-1 disables retries, 0 is unlimited)")
	flags.Bool("ratelimit-search-triggers-fail", defaults.RateLimit.SearchTriggersFail,
		"Whether rate limited searches mark the address failing")
	flags.Duration("ratelimit-failing-ttl", defaults.RateLimit.FailingTTL,
		"How long an address stays failing (0 keeps it until freed)")

	flags.Bool("generate-env-example", false, "Generate .env.example file from current configuration and exit")

	rootCmd.AddCommand(resolveCmd)

	if err := viper.BindPFlags(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	envFile := ".env"
	if cfgFile != "" {
		envFile = cfgFile
	}

	if err := gotenv.Load(envFile); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		}
	}

	viper.SetEnvPrefix("LAVAROUTE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	config = buildConfig()
	logger = buildLogger(config.Log.Level, config.Log.Format)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	configureCache(cfg)
	configureYouTube(cfg)
	configureRateLimit(cfg)
	configureResolver(cfg)
	configureServer(cfg)

	return cfg
}

func configureCache(cfg *core.Config) {
	cfg.Cache.Enabled = viper.GetBool("cache-enabled")
	cfg.Cache.Driver = strings.ToLower(viper.GetString("cache-driver"))
	cfg.Cache.Endpoint = viper.GetString("cache-endpoint")
	cfg.Cache.Token = viper.GetString("cache-token")
	cfg.Cache.SQLitePath = viper.GetString("cache-sqlite-path")

	if workers := viper.GetInt("cache-writeback-workers"); workers > 0 {
		cfg.Cache.WritebackWorkers = workers
	}
	if queue := viper.GetInt("cache-writeback-queue"); queue > 0 {
		cfg.Cache.WritebackQueue = queue
	}
}

func configureYouTube(cfg *core.Config) {
	cfg.YouTube.APIEnabled = viper.GetBool("youtube-api-enabled")
	cfg.YouTube.APIKeys = splitList(viper.GetString("youtube-api-keys"))
	cfg.YouTube.APIEndpoint = viper.GetString("youtube-api-endpoint")
	cfg.YouTube.RequestsPerSecond = viper.GetFloat64("youtube-api-rps")
}

func configureRateLimit(cfg *core.Config) {
	cfg.RateLimit.IPBlocks = splitList(viper.GetString("ratelimit-ip-blocks"))
	cfg.RateLimit.ExcludedIPs = splitList(viper.GetString("ratelimit-excluded-ips"))
	cfg.RateLimit.Strategy = viper.GetString("ratelimit-strategy")
	if cfg.RateLimit.Strategy == "" {
		cfg.RateLimit.Strategy = core.DefaultStrategy
	}
	cfg.RateLimit.RetryLimit = viper.GetInt("ratelimit-retry-limit")
	cfg.RateLimit.SearchTriggersFail = viper.GetBool("ratelimit-search-triggers-fail")
	cfg.RateLimit.FailingTTL = viper.GetDuration("ratelimit-failing-ttl")
}

func configureResolver(cfg *core.Config) {
	cfg.Resolver.PlaylistPageLimit = viper.GetInt("playlist-page-limit")
	if cfg.Resolver.PlaylistPageLimit <= 0 {
		fmt.Printf("Warning: Invalid playlist page limit (%d), using default (%d)\n",
			cfg.Resolver.PlaylistPageLimit, core.DefaultPlaylistPageLimit)
		cfg.Resolver.PlaylistPageLimit = core.DefaultPlaylistPageLimit
	}

	cfg.Resolver.HTTPTimeout = viper.GetDuration("http-timeout")
	if cfg.Resolver.HTTPTimeout <= 0 {
		cfg.Resolver.HTTPTimeout = core.DefaultHTTPTimeout
	}
}

func configureServer(cfg *core.Config) {
	cfg.Server.Host = viper.GetString("server-host")
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultServerHost
	}
	cfg.Server.Port = viper.GetInt("server-port")
	cfg.Log.Level = viper.GetString("log-level")
	cfg.Log.Format = viper.GetString("log-format")
}

// splitList splits a comma-separated value and drops blank entries.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func buildLogger(level, format string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	if strings.EqualFold(format, "text") {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

func runLavaroute(cmd *cobra.Command, _ []string) error {
	if viper.GetBool("generate-env-example") {
		return generateEnvExample(cmd)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting lavaroute",
		zap.Bool("cache_enabled", config.Cache.Enabled),
		zap.String("cache_driver", config.Cache.Driver),
		zap.Bool("youtube_api_enabled", config.YouTube.APIEnabled),
		zap.Int("ip_blocks", len(config.RateLimit.IPBlocks)),
		zap.String("strategy", config.RateLimit.Strategy))

	svcs, err := initializeServices(ctx)
	if err != nil {
		return err
	}

	return runServices(ctx, svcs)
}

type services struct {
	planner        *routing.Planner
	cache          *cache.Client
	httpServer     *httpserver.Server
	metadataClient *http.Client
	streamClient   *http.Client
}

func initializeServices(ctx context.Context) (*services, error) {
	planner, err := createPlanner(ctx)
	if err != nil {
		return nil, err
	}

	// A nil *routing.Planner must not become a non-nil interface value.
	var plannerSurface httpserver.RoutePlanner
	if planner != nil {
		plannerSurface = planner
	}
	httpServer := httpserver.NewServer(&config.Server, plannerSurface, logger.Named("http"))

	metadataClient, streamClient, err := createHTTPClients(planner)
	if err != nil {
		return nil, err
	}

	cacheHTTPClient := &http.Client{Timeout: config.Resolver.HTTPTimeout}
	cacheClient, err := cache.NewClientFromConfig(ctx, config.Cache, cacheHTTPClient,
		logger.Named("cache"), httpServer.RecordWriteback)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache client: %w", err)
	}

	return &services{
		planner:        planner,
		cache:          cacheClient,
		httpServer:     httpServer,
		metadataClient: metadataClient,
		streamClient:   streamClient,
	}, nil
}

// newResolver assembles the tier chain on top of svcs. Only the resolve
// subcommand drives resolution; the server exposes planner and metrics surfaces.
func newResolver(ctx context.Context, svcs *services) (*resolver.Resolver, error) {
	tiers := []resolver.Tier{resolver.NewCacheTier(svcs.cache)}

	if config.YouTube.APIEnabled {
		provider, err := youtubeapi.NewProvider(ctx, youtubeapi.Config{
			Keys:              config.YouTube.APIKeys,
			Endpoint:          config.YouTube.APIEndpoint,
			RequestsPerSecond: config.YouTube.RequestsPerSecond,
			HTTPClient:        svcs.metadataClient,
		}, logger.Named("youtubeapi"))
		if err != nil {
			return nil, fmt.Errorf("failed to create YouTube API provider: %w", err)
		}
		tiers = append(tiers, resolver.NewAuthoritativeTier(provider, true))
	}

	yt := extractor.NewYouTube(svcs.streamClient, config.Resolver.HTTPTimeout, logger.Named("extractor"))
	tiers = append(tiers, resolver.NewFallbackTier(yt))

	return resolver.New(tiers, svcs.cache, logger.Named("resolver"), resolver.Options{
		PlaylistPageLimit: config.Resolver.PlaylistPageLimit,
		Opener:            yt,
		Observer:          svcs.httpServer.RecordResolution,
	}), nil
}

// createPlanner returns nil when no IP blocks are configured.
func createPlanner(ctx context.Context) (*routing.Planner, error) {
	if len(config.RateLimit.IPBlocks) == 0 {
		logger.Info("No IP blocks configured, route planner disabled")
		return nil, nil
	}

	planner, err := routing.NewPlanner(routing.PlannerConfig{
		Blocks:             config.RateLimit.IPBlocks,
		Excluded:           config.RateLimit.ExcludedIPs,
		Strategy:           config.RateLimit.Strategy,
		SearchTriggersFail: config.RateLimit.SearchTriggersFail,
		FailingTTL:         config.RateLimit.FailingTTL,
	}, logger.Named("routeplanner"))
	if err != nil {
		if core.IsConfigurationError(err) {
			return nil, fmt.Errorf("invalid route planner configuration: %w", err)
		}
		return nil, fmt.Errorf("failed to create route planner: %w", err)
	}

	logger.Info("Route planner enabled",
		zap.String("strategy", planner.Strategy().String()),
		zap.String("total_addresses", planner.TotalAddresses().String()),
		zap.Int("retry_limit", config.RateLimit.RetryLimit))

	return planner, nil
}

// createHTTPClients returns the metadata client, bounded by the configured
// timeout, and the stream client, bounded only by the request context.
func createHTTPClients(planner *routing.Planner) (*http.Client, *http.Client, error) {
	if planner == nil {
		return &http.Client{Timeout: config.Resolver.HTTPTimeout}, &http.Client{}, nil
	}

	transport, err := routing.NewTransport(planner, routing.NewRetryPolicy(config.RateLimit.RetryLimit),
		logger.Named("transport"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create route-planned transport: %w", err)
	}
	return transport.Client(config.Resolver.HTTPTimeout), transport.Client(0), nil
}

func runServices(ctx context.Context, svcs *services) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svcs.httpServer.Start(gCtx)
	})

	svcs.httpServer.SetReady(true)

	logger.Info("lavaroute started successfully",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	err := g.Wait()
	svcs.httpServer.SetReady(false)

	if closeErr := svcs.cache.Close(); closeErr != nil {
		logger.Debug("Failed to close cache client", zap.Error(closeErr))
	}
	stats := svcs.cache.Stats()
	logger.Info("Cache write-back drained",
		zap.Uint64("submitted", stats.Submitted),
		zap.Uint64("failed", stats.Failed),
		zap.Uint64("dropped", stats.Dropped))

	if err != nil {
		logger.Error("lavaroute stopped with error", zap.Error(err))
		return err
	}

	logger.Info("lavaroute stopped gracefully")
	return nil
}

type resolveOutput struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Origin   string          `json:"origin"`
	Tracks   []resolvedTrack `json:"tracks"`
	Selected *resolvedTrack  `json:"selected,omitempty"`
}

type resolvedTrack struct {
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	Author     string `json:"author"`
	LengthMs   int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	URI        string `json:"uri"`
	ArtworkURL string `json:"artworkUrl,omitempty"`
}

func toResolvedTrack(s *track.StandIn) resolvedTrack {
	return resolvedTrack{
		Identifier: s.Info.ID,
		Title:      s.Info.Title,
		Author:     s.Info.Author,
		LengthMs:   s.Info.Duration.Milliseconds(),
		IsStream:   s.Info.IsStream,
		URI:        s.Info.URI,
		ArtworkURL: s.Info.ArtworkURL(),
	}
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svcs, err := initializeServices(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := svcs.cache.Close(); closeErr != nil {
			logger.Debug("Failed to close cache client", zap.Error(closeErr))
		}
	}()

	res, err := newResolver(ctx, svcs)
	if err != nil {
		return err
	}

	output, err := resolveArgument(ctx, res, args[0])
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func resolveArgument(ctx context.Context, res *resolver.Resolver, arg string) (*resolveOutput, error) {
	ref, err := ytlink.Parse(arg)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %q: %w", arg, err)
	}

	switch ref.Kind {
	case ytlink.KindPlaylist:
		playlist, err := res.ResolvePlaylist(ctx, ref.PlaylistID, ref.VideoID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve playlist %q: %w", ref.PlaylistID, err)
		}
		output := &resolveOutput{ID: playlist.ID, Name: playlist.Name, Origin: playlist.Origin.String()}
		for _, t := range playlist.Tracks {
			output.Tracks = append(output.Tracks, toResolvedTrack(t))
		}
		if playlist.Selected != nil {
			selectedTrack := toResolvedTrack(playlist.Selected)
			output.Selected = &selectedTrack
		}
		return output, nil

	case ytlink.KindSearch:
		result, err := res.Search(ctx, ref.Query)
		if err != nil {
			return nil, fmt.Errorf("failed to search %q: %w", ref.Query, err)
		}
		return &resolveOutput{Origin: result.Origin.String(), Tracks: []resolvedTrack{toResolvedTrack(result)}}, nil

	default:
		result, err := res.ResolveTrack(ctx, ref.VideoID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve track %q: %w", ref.VideoID, err)
		}
		return &resolveOutput{ID: result.ID(), Origin: result.Origin.String(),
			Tracks: []resolvedTrack{toResolvedTrack(result)}}, nil
	}
}

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func generateEnvExample(cmd *cobra.Command) error {
	fmt.Println("Generating .env.example file from current configuration...")

	content := generateEnvExampleContent(cmd)

	if err := os.WriteFile(".env.example", []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write .env.example: %w", err)
	}

	fmt.Println("✅ Successfully generated .env.example file")
	return nil
}

func generateEnvExampleContent(cmd *cobra.Command) string {
	var content strings.Builder

	content.WriteString("# =============================================================================\n")
	content.WriteString("# lavaroute Configuration\n")
	content.WriteString("# =============================================================================\n")
	content.WriteString("#\n")
	content.WriteString("# Copy this file to .env and update with your values\n")
	content.WriteString("# All environment variables have CLI flag equivalents (use --help to see them)\n")
	content.WriteString("#\n")
	content.WriteString("# Format: LAVAROUTE_<SECTION>_<SETTING>=value\n")
	content.WriteString("# CLI equivalent: --<section>-<setting>\n")
	content.WriteString("#\n\n")

	generateCacheSection(&content, cmd)
	generateYouTubeSection(&content, cmd)
	generateRateLimitSection(&content, cmd)
	generateResolverSection(&content, cmd)
	generateServerSection(&content, cmd)
	generateLoggingSection(&content, cmd)

	return content.String()
}

func flagToEnvVar(flagName string) string {
	return "LAVAROUTE_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func getDefaultValueString(cmd *cobra.Command, flagName string) string {
	if f := cmd.PersistentFlags().Lookup(flagName); f != nil {
		return f.DefValue
	}
	return ""
}

func writeSectionHeader(content *strings.Builder, title string, flags ...string) {
	content.WriteString("# -----------------------------------------------------------------------------\n")
	fmt.Fprintf(content, "# %s\n", title)
	content.WriteString("# -----------------------------------------------------------------------------\n")
	if len(flags) > 0 {
		fmt.Fprintf(content, "# CLI: --%s\n", strings.Join(flags, ", --"))
	}
}

func writeDefaultEntry(content *strings.Builder, cmd *cobra.Command, flagName, comment string) {
	def := getDefaultValueString(cmd, flagName)
	fmt.Fprintf(content, "%s=%s    # %s (default: %s)\n", flagToEnvVar(flagName), def, comment, def)
}

func generateCacheSection(content *strings.Builder, cmd *cobra.Command) {
	writeSectionHeader(content, "Track Cache - look-aside store consulted before YouTube",
		"cache-enabled", "cache-driver", "cache-endpoint", "cache-token", "cache-sqlite-path")

	writeDefaultEntry(content, cmd, "cache-enabled", "Enable the cache tier")
	writeDefaultEntry(content, cmd, "cache-driver", "Store driver: http, sqlite")
	fmt.Fprintf(content, "%s=https://cache.example.com    # Cache service base URL (http driver)\n",
		flagToEnvVar("cache-endpoint"))
	fmt.Fprintf(content, "%s=your_cache_token_here    # Sent as the Authorization header (http driver)\n",
		flagToEnvVar("cache-token"))
	fmt.Fprintf(content, "# %s=./tracks.db    # Database path (sqlite driver)\n",
		flagToEnvVar("cache-sqlite-path"))
	writeDefaultEntry(content, cmd, "cache-writeback-workers", "Concurrent write-back workers")
	writeDefaultEntry(content, cmd, "cache-writeback-queue", "Write-back queue capacity, overflow is dropped")
	content.WriteString("\n")
}

func generateYouTubeSection(content *strings.Builder, cmd *cobra.Command) {
	writeSectionHeader(content, "YouTube Data API - authoritative metadata tier",
		"youtube-api-enabled", "youtube-api-keys", "youtube-api-endpoint", "youtube-api-rps")

	writeDefaultEntry(content, cmd, "youtube-api-enabled", "Enable the YouTube Data API tier")
	fmt.Fprintf(content, "%s=key1,key2    # Comma-separated API keys, used round-robin\n",
		flagToEnvVar("youtube-api-keys"))
	fmt.Fprintf(content, "# %s=https://www.googleapis.com/    # API base URL override\n",
		flagToEnvVar("youtube-api-endpoint"))
	writeDefaultEntry(content, cmd, "youtube-api-rps", "Requests per second, 0 is unlimited")
	content.WriteString("\n")
}

func generateRateLimitSection(content *strings.Builder, cmd *cobra.Command) {
	writeSectionHeader(content, "Route Planner - rotates source addresses on rate limits",
		"ratelimit-ip-blocks", "ratelimit-excluded-ips", "ratelimit-strategy", "ratelimit-retry-limit")

	fmt.Fprintf(content, "# %s=2001:db8::/64    # Comma-separated CIDR blocks (empty disables the planner)\n",
		flagToEnvVar("ratelimit-ip-blocks"))
	fmt.Fprintf(content, "# %s=2001:db8::1    # Addresses or host names never used as source\n",
		flagToEnvVar("ratelimit-excluded-ips"))
	writeDefaultEntry(content, cmd, "ratelimit-strategy", "rotateonban, loadbalance, nanoswitch, rotatingnanoswitch")
	writeDefaultEntry(content, cmd, "ratelimit-retry-limit", "Attempts per request, -1 disables retries, 0 is unlimited")
	writeDefaultEntry(content, cmd, "ratelimit-search-triggers-fail", "Rate limited searches mark the address failing")
	writeDefaultEntry(content, cmd, "ratelimit-failing-ttl", "How long an address stays failing, 0s until freed")
	content.WriteString("\n")
}

func generateResolverSection(content *strings.Builder, cmd *cobra.Command) {
	writeSectionHeader(content, "Resolution", "playlist-page-limit", "http-timeout")

	writeDefaultEntry(content, cmd, "playlist-page-limit", "Playlist pages fetched, first page included")
	writeDefaultEntry(content, cmd, "http-timeout", "Timeout for outbound metadata calls")
	content.WriteString("\n")
}

func generateServerSection(content *strings.Builder, cmd *cobra.Command) {
	writeSectionHeader(content, "HTTP Server Configuration", "server-host", "server-port")

	hostDefault := getDefaultValueString(cmd, "server-host")
	fmt.Fprintf(content, "%s=%s    # Server bind address (default: %s)\n",
		flagToEnvVar("server-host"), "127.0.0.1", hostDefault)
	writeDefaultEntry(content, cmd, "server-port", "Server port")
	content.WriteString("\n")
}

func generateLoggingSection(content *strings.Builder, cmd *cobra.Command) {
	writeSectionHeader(content, "Logging Configuration", "log-level", "log-format")

	writeDefaultEntry(content, cmd, "log-level", "Log level: debug, info, warn, error")
	writeDefaultEntry(content, cmd, "log-format", "Log format: json, text")
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"
)

const (
	DefaultBlueskyHost    = "https://bsky.social"
	DefaultFetchTimeout   = 30 * time.Second
	DefaultPublishTimeout = 60 * time.Second
	DefaultFetchRetries   = 2
	DefaultRedditAgent    = "rss2social/1.0"
)

var (
	ErrNoStatePath  = errors.New("LAST_RUNS_PATH must be set")
	ErrNoFeeds      = errors.New("no feed URLs found in RSS_FEED_URLS")
	ErrInvalidForce = errors.New("force-latest must be a non-negative integer")
)

// Config is assembled once at startup and handed to every component
type Config struct {
	StatePath    string
	FeedURLs     []string
	Destinations []string
	ForceLatest  int
	DryRun       bool
	MetricsFile  string

	FetchTimeout   time.Duration
	FetchRetries   uint64
	PublishTimeout time.Duration

	Media   MediaConfig
	Bluesky BlueskyConfig
	Reddit  RedditConfig
	Discord DiscordConfig
}

type MediaConfig struct {
	Heights          []int
	Format           string
	Quality          int
	MaxDownloadBytes int64
	TempDir          string
}

type BlueskyConfig struct {
	Host       string
	Identifier string
	Password   string
	// Languages are ISO 639-1 codes the post language is detected among
	Languages     []string
	MaxImageBytes int64
}

type RedditConfig struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	Subreddit    string
	UserAgent    string
}

type DiscordConfig struct {
	WebhookURL string
	Username   string
}

// Default returns a config with every optional setting filled in
func Default() *Config {
	return &Config{
		FetchTimeout:   DefaultFetchTimeout,
		FetchRetries:   DefaultFetchRetries,
		PublishTimeout: DefaultPublishTimeout,
		Bluesky: BlueskyConfig{
			Host: DefaultBlueskyHost,
		},
		Reddit: RedditConfig{
			UserAgent: DefaultRedditAgent,
		},
	}
}

// Validate reports the first missing piece of required configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StatePath) == "" {
		return ErrNoStatePath
	}
	if len(c.FeedURLs) == 0 {
		return ErrNoFeeds
	}
	if c.ForceLatest < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidForce, c.ForceLatest)
	}
	return nil
}

// ParseFeedURLs splits a newline separated list, dropping blanks, comments and
// duplicates while keeping the original order
func ParseFeedURLs(s string) []string {
	lines := strings.Split(s, "\n")
	lines = lo.Map(lines, func(l string, _ int) string { return strings.TrimSpace(l) })
	lines = lo.Filter(lines, func(l string, _ int) bool { return l != "" && !strings.HasPrefix(l, "#") })
	return lo.Uniq(lines)
}

// ParseForceLatest reads the forced replay count. Blank means zero.
func ParseForceLatest(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: got %q", ErrInvalidForce, s)
	}
	return n, nil
}

// ParseDestinations splits a comma, space or newline separated list of names
func ParseDestinations(s string) []string {
	names := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})
	names = lo.Map(names, func(n string, _ int) string { return strings.ToLower(strings.TrimSpace(n)) })
	return lo.Uniq(lo.Compact(names))
}

// Duration wraps time.Duration for TOML strings like "30s"
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// TomlConfig holds the non-secret tuning that may live in a config file
type TomlConfig struct {
	HTTP    TomlHTTP    `toml:"http"`
	Media   TomlMedia   `toml:"media"`
	Bluesky TomlBluesky `toml:"bluesky"`
	Reddit  TomlReddit  `toml:"reddit"`
	Discord TomlDiscord `toml:"discord"`
}

type TomlHTTP struct {
	FetchTimeout   Duration `toml:"fetch_timeout"`
	FetchRetries   *uint64  `toml:"fetch_retries"`
	PublishTimeout Duration `toml:"publish_timeout"`
}

type TomlMedia struct {
	Heights          []int  `toml:"heights"`
	Format           string `toml:"format"`
	Quality          int    `toml:"quality"`
	MaxDownloadBytes int64  `toml:"max_download_bytes"`
	TempDir          string `toml:"temp_dir"`
}

type TomlBluesky struct {
	Host          string   `toml:"host"`
	Languages     []string `toml:"languages"`
	MaxImageBytes int64    `toml:"max_image_bytes"`
}

type TomlReddit struct {
	Subreddit string `toml:"subreddit"`
	UserAgent string `toml:"user_agent"`
}

type TomlDiscord struct {
	Username string `toml:"username"`
}

func LoadConfig(path string) (*TomlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config TomlConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

// Apply copies every value set in the file onto c
func (c *Config) Apply(t *TomlConfig) {
	if t == nil {
		return
	}

	if t.HTTP.FetchTimeout.Duration > 0 {
		c.FetchTimeout = t.HTTP.FetchTimeout.Duration
	}
	if t.HTTP.FetchRetries != nil {
		c.FetchRetries = *t.HTTP.FetchRetries
	}
	if t.HTTP.PublishTimeout.Duration > 0 {
		c.PublishTimeout = t.HTTP.PublishTimeout.Duration
	}

	if len(t.Media.Heights) > 0 {
		c.Media.Heights = t.Media.Heights
	}
	c.Media.Format = lo.CoalesceOrEmpty(t.Media.Format, c.Media.Format)
	c.Media.Quality = lo.CoalesceOrEmpty(t.Media.Quality, c.Media.Quality)
	c.Media.MaxDownloadBytes = lo.CoalesceOrEmpty(t.Media.MaxDownloadBytes, c.Media.MaxDownloadBytes)
	c.Media.TempDir = lo.CoalesceOrEmpty(t.Media.TempDir, c.Media.TempDir)

	c.Bluesky.Host = lo.CoalesceOrEmpty(t.Bluesky.Host, c.Bluesky.Host)
	if len(t.Bluesky.Languages) > 0 {
		c.Bluesky.Languages = t.Bluesky.Languages
	}
	c.Bluesky.MaxImageBytes = lo.CoalesceOrEmpty(t.Bluesky.MaxImageBytes, c.Bluesky.MaxImageBytes)

	c.Reddit.Subreddit = lo.CoalesceOrEmpty(t.Reddit.Subreddit, c.Reddit.Subreddit)
	c.Reddit.UserAgent = lo.CoalesceOrEmpty(t.Reddit.UserAgent, c.Reddit.UserAgent)

	c.Discord.Username = lo.CoalesceOrEmpty(t.Discord.Username, c.Discord.Username)
}

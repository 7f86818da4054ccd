/*
Copyright © 2024 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"rss2social/config"
	"rss2social/feeds"
	"rss2social/media"
	"rss2social/publish"
	"rss2social/runner"
	"rss2social/state"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// Exit codes of a polling pass
const (
	exitNoStatePath = 1
	exitNoFeeds     = 2
	exitBadForce    = 3
	exitStorage     = 4
)

func stateFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "state",
		Aliases: []string{"s"},
		Usage:   "Watermark file (.json) or SQLite database (.db, .sqlite, sqlite://path)",
		EnvVars: []string{"LAST_RUNS_PATH"},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		stateFlag(),
		&cli.StringFlag{
			Name:    "feeds",
			Aliases: []string{"f"},
			Usage:   "Newline separated list of feed URLs",
			EnvVars: []string{"RSS_FEED_URLS"},
		},
		// Parsed by hand so a malformed count gets its own exit code
		&cli.StringFlag{
			Name:    "force-latest",
			Usage:   "Publish the N most recent entries of every feed regardless of the watermark",
			EnvVars: []string{"RSS2SOCIAL_FORCE_LATEST"},
			Value:   "0",
		},
		&cli.StringFlag{
			Name:    "destinations",
			Aliases: []string{"d"},
			Usage:   "Comma separated list of destinations (bluesky, reddit, discord)",
			EnvVars: []string{"ACTIVE_DESTINATIONS"},
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Optional TOML file with non-secret settings",
			EnvVars: []string{"RSS2SOCIAL_CONFIG"},
		},
		&cli.BoolFlag{
			Name:    "dry-run",
			Usage:   "Fetch and select entries without publishing or saving watermarks",
			EnvVars: []string{"RSS2SOCIAL_DRY_RUN"},
		},
		&cli.StringFlag{
			Name:    "metrics-file",
			Usage:   "Write Prometheus metrics to this file after the run (textfile collector format)",
			EnvVars: []string{"RSS2SOCIAL_METRICS_FILE"},
		},
		&cli.DurationFlag{
			Name:    "fetch-timeout",
			Usage:   "Timeout for a single feed fetch attempt",
			EnvVars: []string{"RSS2SOCIAL_FETCH_TIMEOUT"},
			Value:   config.DefaultFetchTimeout,
		},
		&cli.DurationFlag{
			Name:    "publish-timeout",
			Usage:   "Timeout for publishing one post to one destination",
			EnvVars: []string{"RSS2SOCIAL_PUBLISH_TIMEOUT"},
			Value:   config.DefaultPublishTimeout,
		},
		&cli.StringFlag{
			Name:    "bluesky-host",
			Usage:   "Bluesky PDS host",
			EnvVars: []string{"BLUESKY_HOST"},
		},
		&cli.StringFlag{
			Name:    "bluesky-identifier",
			Usage:   "Bluesky handle or DID",
			EnvVars: []string{"BLUESKY_IDENTIFIER"},
		},
		&cli.StringFlag{
			Name:    "bluesky-password",
			Usage:   "Bluesky app password",
			EnvVars: []string{"BLUESKY_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "reddit-client-id",
			Usage:   "Reddit script app client ID",
			EnvVars: []string{"REDDIT_CLIENT_ID"},
		},
		&cli.StringFlag{
			Name:    "reddit-client-secret",
			Usage:   "Reddit script app client secret",
			EnvVars: []string{"REDDIT_CLIENT_SECRET"},
		},
		&cli.StringFlag{
			Name:    "reddit-username",
			Usage:   "Reddit account username",
			EnvVars: []string{"REDDIT_USERNAME"},
		},
		&cli.StringFlag{
			Name:    "reddit-password",
			Usage:   "Reddit account password",
			EnvVars: []string{"REDDIT_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "reddit-subreddit",
			Usage:   "Subreddit to submit links to",
			EnvVars: []string{"REDDIT_SUBREDDIT"},
		},
		&cli.StringFlag{
			Name:    "discord-webhook-url",
			Usage:   "Discord webhook URL",
			EnvVars: []string{"DISCORD_WEBHOOK_URL"},
		},
	}
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Poll every feed once and publish new entries",
		Description: `Fetches every configured feed, selects the entries published since the
feed was last processed (plus the --force-latest most recent ones) and
publishes them to every active destination. Watermarks are saved once at
the end of the run.

Exit codes: 1 state location missing, 2 no feeds, 3 invalid --force-latest,
4 watermark storage failure. Feed and publish failures are logged and do not
change the exit code.`,
		Flags:  runFlags(),
		Action: runAction,
	}
}

func runAction(ctx *cli.Context) error {
	cfg, err := buildConfig(ctx)
	if err != nil {
		return exitError(err)
	}

	store, err := state.Open(cfg.StatePath)
	if err != nil {
		if errors.Is(err, state.ErrNoLocation) {
			return exitError(err)
		}
		return cli.Exit(err, exitStorage)
	}
	defer store.Close()

	resolver, err := newResolver(cfg.Media)
	if err != nil {
		return err
	}

	publishers := publish.Active(cfg, cfg.Destinations)
	if len(publishers) == 0 && !cfg.DryRun {
		log.WithField("known", publish.Names()).Warn("No active destinations, entries will only advance the watermarks")
	}

	r := runner.New(runner.Options{
		FeedURLs:       cfg.FeedURLs,
		ForceLatest:    cfg.ForceLatest,
		DryRun:         cfg.DryRun,
		PublishTimeout: cfg.PublishTimeout,
		Source: feeds.NewSource(feeds.SourceConfig{
			Timeout:    cfg.FetchTimeout,
			MaxRetries: cfg.FetchRetries,
		}),
		Resolver:   resolver,
		Publishers: publishers,
		Store:      store,
	})

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := r.Run(runCtx)

	if cfg.MetricsFile != "" {
		if merr := runner.WriteMetrics(cfg.MetricsFile); merr != nil {
			log.WithFields(log.Fields{
				"path":  cfg.MetricsFile,
				"error": merr,
			}).Warn("Failed to write metrics")
		}
	}

	if err != nil {
		return exitError(err)
	}

	logSummary(report)
	log.Info("Done")
	return nil
}

// buildConfig layers defaults, the optional TOML file and flags, then validates
func buildConfig(ctx *cli.Context) (*config.Config, error) {
	str := func(name string) string { return flagSource(ctx, name).String(name) }

	cfg := config.Default()

	if path := str("config"); path != "" {
		file, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg.Apply(file)
	}

	cfg.StatePath = str("state")
	cfg.FeedURLs = config.ParseFeedURLs(str("feeds"))
	cfg.Destinations = config.ParseDestinations(str("destinations"))
	cfg.DryRun = flagSource(ctx, "dry-run").Bool("dry-run")
	cfg.MetricsFile = str("metrics-file")

	if c := flagSource(ctx, "fetch-timeout"); c.IsSet("fetch-timeout") {
		cfg.FetchTimeout = c.Duration("fetch-timeout")
	}
	if c := flagSource(ctx, "publish-timeout"); c.IsSet("publish-timeout") {
		cfg.PublishTimeout = c.Duration("publish-timeout")
	}

	if host := str("bluesky-host"); host != "" {
		cfg.Bluesky.Host = host
	}
	cfg.Bluesky.Identifier = str("bluesky-identifier")
	cfg.Bluesky.Password = str("bluesky-password")

	cfg.Reddit.ClientID = str("reddit-client-id")
	cfg.Reddit.ClientSecret = str("reddit-client-secret")
	cfg.Reddit.Username = str("reddit-username")
	cfg.Reddit.Password = str("reddit-password")
	if sub := str("reddit-subreddit"); sub != "" {
		cfg.Reddit.Subreddit = sub
	}

	cfg.Discord.WebhookURL = str("discord-webhook-url")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	force, err := config.ParseForceLatest(str("force-latest"))
	if err != nil {
		return nil, err
	}
	cfg.ForceLatest = force

	return cfg, nil
}

// flagSource returns the nearest context on which name was set. Run flags are
// defined on both the app and the run command, and a plain lookup stops at the
// innermost definition even when only the app level was given.
func flagSource(ctx *cli.Context, name string) *cli.Context {
	for _, c := range ctx.Lineage() {
		if c.IsSet(name) {
			return c
		}
	}
	return ctx
}

func newResolver(c config.MediaConfig) (*media.Resolver, error) {
	var opts []media.Option
	if len(c.Heights) > 0 {
		opts = append(opts, media.WithHeights(c.Heights))
	}
	if c.Format != "" {
		format, err := media.ParseFormat(c.Format)
		if err != nil {
			return nil, err
		}
		opts = append(opts, media.WithFormat(format))
	}
	if c.Quality > 0 {
		opts = append(opts, media.WithQuality(c.Quality))
	}
	if c.MaxDownloadBytes > 0 {
		opts = append(opts, media.WithMaxDownload(c.MaxDownloadBytes))
	}
	if c.TempDir != "" {
		opts = append(opts, media.WithTempDir(c.TempDir))
	}
	return media.NewResolver(opts...)
}

// exitError maps configuration and storage failures to their exit codes
func exitError(err error) error {
	switch {
	case errors.Is(err, config.ErrNoStatePath), errors.Is(err, state.ErrNoLocation):
		log.Error("You must set LAST_RUNS_PATH")
		return cli.Exit(err, exitNoStatePath)
	case errors.Is(err, config.ErrNoFeeds):
		log.Warn("No feed URLs found in RSS_FEED_URLS")
		return cli.Exit(err, exitNoFeeds)
	case errors.Is(err, config.ErrInvalidForce):
		return cli.Exit(err, exitBadForce)
	case errors.Is(err, runner.ErrStorage):
		return cli.Exit(err, exitStorage)
	}
	return err
}

func logSummary(report *runner.Report) {
	var failed, skipped int
	for _, f := range report.Feeds {
		if f.Reached(runner.Failed) {
			failed++
		}
		if f.Reached(runner.SkippedNoNew) {
			skipped++
		}
	}

	fields := log.Fields{
		"feeds":   len(report.Feeds),
		"failed":  failed,
		"skipped": skipped,
		"saved":   report.Saved,
	}
	for name, c := range report.Destinations {
		fields[name+"_ok"] = c.Succeeded
		fields[name+"_failed"] = c.Failed
	}
	log.WithFields(fields).Info("Run summary")
}

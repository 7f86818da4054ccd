/*
Copyright © 2024 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "rss2social",
		Usage: "Post new RSS and Atom entries to social platforms",
		Description: `Polls a list of RSS and Atom feeds and posts every entry published
		since the previous run to Bluesky, Reddit and Discord.

		The time each feed was last processed is kept in a JSON file or an
		SQLite database so entries are only posted once. Run it from cron or a
		scheduled CI job.

		Flags can generally be set via environment variables, e.g.:

		--feeds => RSS_FEED_URLS="https://example.com/feed"
		--state => LAST_RUNS_PATH=last_runs.json
		`,
		Flags: append(loggingFlags(), runFlags()...),
		Before: func(ctx *cli.Context) error {
			return setupLogging(ctx.String("log-level"), ctx.String("log-format"))
		},
		Commands: []*cli.Command{
			runCmd(),
			stateCmd(),
			migrateCmd(),
			rollbackCmd(),
		},
		// A bare invocation performs one polling pass
		Action: runAction,
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (trace, debug, info, warn, error)",
			EnvVars: []string{"RSS2SOCIAL_LOG_LEVEL"},
			Value:   "info",
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text or json)",
			EnvVars: []string{"RSS2SOCIAL_LOG_FORMAT"},
			Value:   "text",
		},
	}
}

func setupLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid log level: %v", err), 1)
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)

	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return cli.Exit(fmt.Sprintf("invalid log format %q", format), 1)
	}
	return nil
}

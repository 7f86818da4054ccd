/*
Copyright © 2024 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"rss2social/state"

	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
)

func stateCmd() *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "Print the stored watermarks",
		Description: `Prints every feed with the time it was last processed, one per line,
sorted by feed URL. Feeds that were never processed are not listed.`,
		Flags: []cli.Flag{stateFlag()},
		Action: func(ctx *cli.Context) error {
			store, err := state.Open(ctx.String("state"))
			if errors.Is(err, state.ErrNoLocation) {
				return cli.Exit("You must set LAST_RUNS_PATH", exitNoStatePath)
			}
			if err != nil {
				return cli.Exit(err, exitStorage)
			}
			defer store.Close()

			wm, err := store.Load(ctx.Context)
			if err != nil {
				return cli.Exit(err, exitStorage)
			}

			feeds := lo.Keys(wm)
			slices.Sort(feeds)
			for _, feed := range feeds {
				fmt.Fprintf(ctx.App.Writer, "%s\t%s\n", wm[feed].UTC().Format(time.RFC3339), feed)
			}
			return nil
		},
	}
}

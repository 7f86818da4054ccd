/*
Copyright © 2024 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"strings"

	"rss2social/db"
	"rss2social/state"

	"github.com/urfave/cli/v2"
)

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:        "migrate",
		Usage:       "Run database migrations",
		Description: `Runs migrations on the SQLite watermark database. Will create the database if it does not exist. Runs also happen automatically when the state is opened.`,
		Flags:       []cli.Flag{stateFlag()},
		Action: func(ctx *cli.Context) error {
			path, err := sqliteState(ctx.String("state"))
			if err != nil {
				return err
			}
			fmt.Printf("Database configured: %s\n", path)
			if err := db.Migrate(path); err != nil {
				return cli.Exit(err, exitStorage)
			}
			return nil
		},
	}
}

func rollbackCmd() *cli.Command {
	return &cli.Command{
		Name:        "rollback",
		Usage:       "Rollback database migration",
		Description: `Rolls back the last migration of the SQLite watermark database`,
		Flags:       []cli.Flag{stateFlag()},
		Action: func(ctx *cli.Context) error {
			path, err := sqliteState(ctx.String("state"))
			if err != nil {
				return err
			}
			fmt.Printf("Database configured: %s\n", path)
			if err := db.Rollback(path); err != nil {
				return cli.Exit(err, exitStorage)
			}
			return nil
		},
	}
}

// sqliteState returns the database path of a SQLite state location
func sqliteState(location string) (string, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", cli.Exit("You must set LAST_RUNS_PATH", exitNoStatePath)
	}
	if path, ok := state.SQLitePath(location); ok {
		return path, nil
	}
	return "", cli.Exit(fmt.Sprintf("%s is a JSON state file, migrations only apply to SQLite", location), 1)
}

package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Registers the "sqlite" driver
)

func connection(database string) (*sql.DB, error) {
	// WAL keeps readers of the state file working while a run commits
	db, err := sql.Open("sqlite", fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", database))
	if err != nil {
		return nil, err
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(`PRAGMA synchronous = FULL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	return db, nil
}

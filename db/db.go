package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

// DB stores feed watermarks in SQLite
type DB struct {
	db   *sql.DB
	path string
}

// Open migrates the database at path, creating it if needed, and connects to it
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create watermark directory: %w", err)
	}

	if err := Migrate(path); err != nil {
		return nil, fmt.Errorf("failed to migrate watermark database: %w", err)
	}

	conn, err := connection(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open watermark database: %w", err)
	}

	return &DB{db: conn, path: path}, nil
}

func (d *DB) Path() string {
	return d.path
}

func (d *DB) Close() error {
	return d.db.Close()
}

// LoadWatermarks returns every stored watermark keyed by feed URL
func (d *DB) LoadWatermarks(ctx context.Context) (map[string]time.Time, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	query, args := sb.Select("feed_url", "processed_at").From("watermarks").Build()

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query watermarks: %w", err)
	}
	defer rows.Close()

	wm := make(map[string]time.Time)
	for rows.Next() {
		var feedURL string
		var processedAt int64
		if err := rows.Scan(&feedURL, &processedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		wm[feedURL] = time.Unix(processedAt, 0).UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate watermarks: %w", err)
	}

	log.WithFields(log.Fields{
		"path":  d.path,
		"feeds": len(wm),
	}).Info("Loaded watermarks")

	return wm, nil
}

// SaveWatermarks upserts all of wm in a single transaction
func (d *DB) SaveWatermarks(ctx context.Context, wm map[string]time.Time) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for feedURL, at := range wm {
		ib := sqlbuilder.SQLite.NewInsertBuilder()
		ib.InsertInto("watermarks").Cols("feed_url", "processed_at").Values(feedURL, at.Unix())
		query, args := ib.Build()
		query += " ON CONFLICT (feed_url) DO UPDATE SET processed_at = excluded.processed_at"

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert watermark for %s: %w", feedURL, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit watermarks: %w", err)
	}

	log.WithFields(log.Fields{
		"path":  d.path,
		"feeds": len(wm),
	}).Info("Saved watermarks")

	return nil
}

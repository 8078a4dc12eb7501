// Package frameindex records captured frames in a SQLite image table.
package frameindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"meteorcal/internal/frame"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS images (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	image_name  TEXT NOT NULL UNIQUE,
	image_path  TEXT NOT NULL,
	server      TEXT NOT NULL DEFAULT '',
	dateobs     DATETIME,
	station     TEXT NOT NULL DEFAULT '',
	format      TEXT NOT NULL,
	event_id    INTEGER NOT NULL DEFAULT 0,
	inserted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_images_station_dateobs ON images(station, dateobs);
`

// Image formats.
const (
	FormatFITS2D = "FITS2D"
	FormatFITS3D = "FITS3D"
)

// ErrUnsupportedFormat marks a file whose dimensionality has no format id.
var ErrUnsupportedFormat = errors.New("unsupported image dimensionality")

// Image is one row of the image table.
type Image struct {
	ID      int64
	Name    string
	Path    string // directory holding the file
	Server  string
	DateObs time.Time
	Station string
	Format  string
	EventID int64
}

// IngestReport counts the outcome of an Ingest call.
type IngestReport struct {
	Inserted   int
	Duplicates int
	Errors     int
}

// DB wraps the image table.
type DB struct {
	conn *sql.DB
	log  *slog.Logger

	readHeader func(string) (frame.Metadata, error)
	hostname   func() (string, error)
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string, logger *slog.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("frameindex: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("frameindex: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("frameindex: apply schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{conn: conn, log: logger, readHeader: frame.ReadHeader, hostname: os.Hostname}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// FormatFor maps a header NAXIS to the image format name.
func FormatFor(naxis int) (string, error) {
	switch naxis {
	case 2:
		return FormatFITS2D, nil
	case 3:
		return FormatFITS3D, nil
	}
	return "", fmt.Errorf("%w: NAXIS=%d", ErrUnsupportedFormat, naxis)
}

// Ingest inserts every regular file of dir into the image table. Files
// already present (by name) are counted as duplicates and left untouched.
// Files that are not readable FITS images are counted as errors.
func (db *DB) Ingest(ctx context.Context, dir string) (IngestReport, error) {
	var rep IngestReport

	entries, err := os.ReadDir(dir)
	if err != nil {
		return rep, err
	}
	server, err := db.hostname()
	if err != nil {
		server = ""
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return rep, err
	}
	defer tx.Rollback()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()

		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM images WHERE image_name = ?`, name).Scan(&n); err != nil {
			return rep, err
		}
		if n != 0 {
			db.log.Warn("frameindex: image already inserted", slog.String("image", name))
			rep.Duplicates++
			continue
		}

		meta, err := db.readHeader(filepath.Join(dir, name))
		if err != nil {
			db.log.Warn("frameindex: not a FITS file", slog.String("image", name), slog.String("error", err.Error()))
			rep.Errors++
			continue
		}
		format, err := FormatFor(meta.Naxis)
		if err != nil {
			db.log.Warn("frameindex: skipping image", slog.String("image", name), slog.String("error", err.Error()))
			rep.Errors++
			continue
		}

		var dateobs any
		if !meta.ObservedAt.IsZero() {
			dateobs = meta.ObservedAt.UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO images (image_name, image_path, server, dateobs, station, format) VALUES (?, ?, ?, ?, ?, ?)`,
			name, abs, server, dateobs, meta.Station, format); err != nil {
			return rep, fmt.Errorf("frameindex: insert %s: %w", name, err)
		}
		rep.Inserted++
	}

	if err := tx.Commit(); err != nil {
		return rep, err
	}
	db.log.Info("frameindex: ingest done",
		slog.String("dir", abs),
		slog.Int("inserted", rep.Inserted),
		slog.Int("duplicates", rep.Duplicates),
		slog.Int("errors", rep.Errors))
	return rep, nil
}

// Images lists the frames of a station observed in [from, to), oldest first.
func (db *DB) Images(ctx context.Context, station string, from, to time.Time) ([]Image, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, image_name, image_path, server, dateobs, station, format, event_id
		 FROM images WHERE station = ? AND dateobs >= ? AND dateobs < ?`,
		station, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Image
	for rows.Next() {
		var im Image
		var dateobs sql.NullTime
		if err := rows.Scan(&im.ID, &im.Name, &im.Path, &im.Server, &dateobs, &im.Station, &im.Format, &im.EventID); err != nil {
			return nil, err
		}
		im.DateObs = dateobs.Time
		out = append(out, im)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DateObs.Before(out[j].DateObs) })
	return out, nil
}

// Count returns the number of indexed images.
func (db *DB) Count(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&n)
	return n, err
}

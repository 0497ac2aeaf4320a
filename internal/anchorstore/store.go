// Package anchorstore persists anchors placed in the scene so they can be
// restored when a new session establishes its origin.
package anchorstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/geo-origin/model"
)

// ErrNotFound is returned when no anchor has the requested id.
var ErrNotFound = errors.New("anchor not found")

const schema = `
	CREATE TABLE IF NOT EXISTS anchors (
		anchor_id     TEXT PRIMARY KEY,
		name          TEXT NOT NULL DEFAULT '',
		latitude      DOUBLE NOT NULL,
		longitude     DOUBLE NOT NULL,
		altitude      DOUBLE NOT NULL,
		max_distance  DOUBLE NOT NULL,
		origin_cell   TEXT,
		created_at_ns INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_anchors_created ON anchors (created_at_ns);
`

// Record is a persisted anchor.
type Record struct {
	ID          string              `json:"id"`
	Name        string              `json:"name,omitempty"`
	Coordinate  model.GeoCoordinate `json:"coordinate"`
	Altitude    float64             `json:"altitude"`
	MaxDistance float64             `json:"max_distance"`
	// OriginCell is the origin the anchor was placed against, zero if unknown.
	OriginCell model.CellID `json:"origin_cell,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Store is a SQLite-backed anchor store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open anchor store: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises
	// writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create anchor schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces rec. An empty ID is filled with a new UUID and a
// zero CreatedAt with the current time.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec == nil {
		return errors.New("save anchor: nil record")
	}
	if err := rec.Coordinate.Validate(); err != nil {
		return fmt.Errorf("save anchor: %w", err)
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO anchors (
			anchor_id, name, latitude, longitude, altitude,
			max_distance, origin_cell, created_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(anchor_id) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			altitude = excluded.altitude,
			max_distance = excluded.max_distance,
			origin_cell = excluded.origin_cell
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Name,
		rec.Coordinate.Latitude,
		rec.Coordinate.Longitude,
		rec.Altitude,
		rec.MaxDistance,
		nullCell(rec.OriginCell),
		rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save anchor %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the anchor with id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE anchor_id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("anchor %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get anchor %s: %w", id, err)
	}
	return rec, nil
}

// List returns every anchor in creation order.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY created_at_ns, anchor_id")
	if err != nil {
		return nil, fmt.Errorf("list anchors: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes the anchor with id.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM anchors WHERE anchor_id = ?", id)
	if err != nil {
		return fmt.Errorf("delete anchor %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete anchor rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("anchor %s: %w", id, ErrNotFound)
	}
	return nil
}

const selectColumns = `
	SELECT anchor_id, name, latitude, longitude, altitude,
	       max_distance, origin_cell, created_at_ns
	FROM anchors`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	rec := &Record{}
	var cell sql.NullString
	var created int64
	err := sc.Scan(
		&rec.ID, &rec.Name, &rec.Coordinate.Latitude, &rec.Coordinate.Longitude,
		&rec.Altitude, &rec.MaxDistance, &cell, &created,
	)
	if err != nil {
		return nil, err
	}
	if cell.Valid {
		id, err := model.ParseCellID(cell.String)
		if err != nil {
			return nil, err
		}
		rec.OriginCell = id
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return rec, nil
}

func nullCell(id model.CellID) sql.NullString {
	if id == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

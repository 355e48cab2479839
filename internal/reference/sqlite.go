package reference

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore persists the reference bundle in a local SQLite database.
// Save replaces every table and the meta row in one transaction.
type SQLiteStore struct {
	conn    *sql.DB
	writeMu sync.Mutex
	logger  *log.Logger
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the schema
func OpenSQLite(ctx context.Context, path string, logger *log.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = log.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; reads are rare and small
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Printf("Reference: opened SQLite cache %s", path)
	return &SQLiteStore{conn: conn, logger: logger}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// Load reads the stored bundle
func (s *SQLiteStore) Load(ctx context.Context) (*models.SyncResponse, Meta, error) {
	var meta Meta
	var lastSync, generatedAt string
	err := s.conn.QueryRowContext(ctx,
		"SELECT version, etag, last_sync, generated_at FROM ref_meta WHERE id = 1",
	).Scan(&meta.Version, &meta.ETag, &lastSync, &generatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Meta{}, ErrNoCache
	}
	if err != nil {
		return nil, Meta{}, fmt.Errorf("failed to read meta: %w", err)
	}

	bundle := &models.SyncResponse{Version: meta.Version}
	if meta.LastSync, err = parseTime(lastSync); err != nil {
		return nil, Meta{}, fmt.Errorf("failed to parse last_sync: %w", err)
	}
	if bundle.GeneratedAt, err = parseTime(generatedAt); err != nil {
		return nil, Meta{}, fmt.Errorf("failed to parse generated_at: %w", err)
	}

	if bundle.Routes, err = s.loadRoutes(ctx); err != nil {
		return nil, Meta{}, err
	}
	if bundle.Stops, err = s.loadStops(ctx); err != nil {
		return nil, Meta{}, err
	}
	if bundle.Calendars, err = s.loadCalendars(ctx); err != nil {
		return nil, Meta{}, err
	}
	if bundle.CalendarDates, err = s.loadCalendarDates(ctx); err != nil {
		return nil, Meta{}, err
	}

	return bundle, meta, nil
}

func (s *SQLiteStore) loadRoutes(ctx context.Context) ([]models.Route, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT id, short_name, long_name, type, color, text_color FROM ref_routes ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}
	defer rows.Close()

	var out []models.Route
	for rows.Next() {
		var r models.Route
		if err := rows.Scan(&r.ID, &r.ShortName, &r.LongName, &r.Type, &r.Color, &r.TextColor); err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadStops(ctx context.Context) ([]models.Stop, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT id, code, name, lat, lon, zone FROM ref_stops ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query stops: %w", err)
	}
	defer rows.Close()

	var out []models.Stop
	for rows.Next() {
		var st models.Stop
		if err := rows.Scan(&st.ID, &st.Code, &st.Name, &st.Lat, &st.Lon, &st.Zone); err != nil {
			return nil, fmt.Errorf("failed to scan stop: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadCalendars(ctx context.Context) ([]models.Calendar, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT service_id, monday, tuesday, wednesday, thursday, friday, saturday, sunday, start_date, end_date
		FROM ref_calendars ORDER BY service_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendars: %w", err)
	}
	defer rows.Close()

	var out []models.Calendar
	for rows.Next() {
		var c models.Calendar
		if err := rows.Scan(&c.ServiceID, &c.Monday, &c.Tuesday, &c.Wednesday, &c.Thursday,
			&c.Friday, &c.Saturday, &c.Sunday, &c.StartDate, &c.EndDate); err != nil {
			return nil, fmt.Errorf("failed to scan calendar: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadCalendarDates(ctx context.Context) ([]models.CalendarDate, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT service_id, date, exception_type FROM ref_calendar_dates ORDER BY service_id, date")
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar dates: %w", err)
	}
	defer rows.Close()

	var out []models.CalendarDate
	for rows.Next() {
		var d models.CalendarDate
		if err := rows.Scan(&d.ServiceID, &d.Date, &d.ExceptionType); err != nil {
			return nil, fmt.Errorf("failed to scan calendar date: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Save replaces all reference tables and the meta row
func (s *SQLiteStore) Save(ctx context.Context, bundle *models.SyncResponse, meta Meta) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"ref_routes", "ref_stops", "ref_calendars", "ref_calendar_dates"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := insertAll(ctx, tx,
		"INSERT OR REPLACE INTO ref_routes (id, short_name, long_name, type, color, text_color) VALUES (?, ?, ?, ?, ?, ?)",
		len(bundle.Routes), func(i int) []any {
			r := bundle.Routes[i]
			return []any{r.ID, r.ShortName, r.LongName, int(r.Type), r.Color, r.TextColor}
		}); err != nil {
		return fmt.Errorf("failed to insert routes: %w", err)
	}

	if err := insertAll(ctx, tx,
		"INSERT OR REPLACE INTO ref_stops (id, code, name, lat, lon, zone) VALUES (?, ?, ?, ?, ?, ?)",
		len(bundle.Stops), func(i int) []any {
			st := bundle.Stops[i]
			return []any{st.ID, st.Code, st.Name, st.Lat, st.Lon, st.Zone}
		}); err != nil {
		return fmt.Errorf("failed to insert stops: %w", err)
	}

	if err := insertAll(ctx, tx, `
		INSERT OR REPLACE INTO ref_calendars
			(service_id, monday, tuesday, wednesday, thursday, friday, saturday, sunday, start_date, end_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		len(bundle.Calendars), func(i int) []any {
			c := bundle.Calendars[i]
			return []any{c.ServiceID, c.Monday, c.Tuesday, c.Wednesday, c.Thursday,
				c.Friday, c.Saturday, c.Sunday, c.StartDate, c.EndDate}
		}); err != nil {
		return fmt.Errorf("failed to insert calendars: %w", err)
	}

	if err := insertAll(ctx, tx,
		"INSERT OR REPLACE INTO ref_calendar_dates (service_id, date, exception_type) VALUES (?, ?, ?)",
		len(bundle.CalendarDates), func(i int) []any {
			d := bundle.CalendarDates[i]
			return []any{d.ServiceID, d.Date, d.ExceptionType}
		}); err != nil {
		return fmt.Errorf("failed to insert calendar dates: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ref_meta (id, version, etag, last_sync, generated_at) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			version = excluded.version,
			etag = excluded.etag,
			last_sync = excluded.last_sync,
			generated_at = excluded.generated_at`,
		meta.Version, meta.ETag, formatTime(meta.LastSync), formatTime(bundle.GeneratedAt),
	); err != nil {
		return fmt.Errorf("failed to write meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MarkSynced moves last_sync on the existing meta row
func (s *SQLiteStore) MarkSynced(ctx context.Context, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.conn.ExecContext(ctx, "UPDATE ref_meta SET last_sync = ? WHERE id = 1", formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to update last_sync: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNoCache
	}
	return nil
}

func insertAll(ctx context.Context, tx *sql.Tx, query string, n int, args func(i int) []any) error {
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

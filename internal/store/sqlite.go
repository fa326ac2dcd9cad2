package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"watchpost/internal/pipeline"
)

// SQLiteRepository handles SQLite database operations
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLite opens the database file and runs migrations
func NewSQLite(ctx context.Context, dbPath string) (*SQLiteRepository, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps seq assignment and pragmas on a single connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		// Every commit reaches disk before InsertEvent returns
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	r := &SQLiteRepository{db: db}
	if err := r.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Migrate runs database migrations
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			timestamp TEXT NOT NULL,
			threat_type TEXT NOT NULL,
			confidence REAL NOT NULL,
			image_evidence_path TEXT,
			status TEXT NOT NULL DEFAULT 'UNREAD'
		)`,
		`CREATE TABLE IF NOT EXISTS criminals (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			age INTEGER,
			crime_type TEXT,
			threat_level TEXT,
			image_path TEXT,
			last_seen TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// InsertEvent saves a threat event
func (r *SQLiteRepository) InsertEvent(ctx context.Context, event *pipeline.ThreatEvent) error {
	query := `INSERT INTO alerts (id, timestamp, threat_type, confidence, image_evidence_path, status)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query, event.ID, event.FormattedTime(), event.ThreatSummary,
		event.Confidence, event.EvidenceImageRef, string(event.Status))
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// RecentEvents returns the newest n alerts
func (r *SQLiteRepository) RecentEvents(ctx context.Context, n int) ([]*pipeline.ThreatEvent, error) {
	query := `SELECT id, timestamp, threat_type, confidence, image_evidence_path, status
		FROM alerts ORDER BY seq DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	events := []*pipeline.ThreatEvent{}
	for rows.Next() {
		var event pipeline.ThreatEvent
		var ts, status string
		var evidence sql.NullString
		if err := rows.Scan(&event.ID, &ts, &event.ThreatSummary, &event.Confidence, &evidence, &status); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		event.Timestamp = parseTimestamp(ts)
		event.EvidenceImageRef = evidence.String
		event.Status = pipeline.EventStatus(status)
		events = append(events, &event)
	}
	return events, rows.Err()
}

// MarkEventRead updates the status of one alert
func (r *SQLiteRepository) MarkEventRead(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "UPDATE alerts SET status = ? WHERE id = ?", string(pipeline.EventStatusRead), id)
	if err != nil {
		return fmt.Errorf("failed to update alert status: %w", err)
	}
	return requireAffected(res)
}

// InsertCriminal saves a gallery record, assigning an id when empty
func (r *SQLiteRepository) InsertCriminal(ctx context.Context, c *Criminal) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	query := `INSERT INTO criminals (id, name, age, crime_type, threat_level, image_path, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query, c.ID, c.Name, c.Age, c.CrimeType, c.ThreatLevel,
		c.ImagePath, c.LastSeen.Format(pipeline.TimestampLayout))
	if err != nil {
		return fmt.Errorf("failed to save criminal: %w", err)
	}
	return nil
}

// ListCriminals returns the gallery ordered by name
func (r *SQLiteRepository) ListCriminals(ctx context.Context) ([]*Criminal, error) {
	query := `SELECT id, name, age, crime_type, threat_level, image_path, last_seen
		FROM criminals ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list criminals: %w", err)
	}
	defer rows.Close()

	criminals := []*Criminal{}
	for rows.Next() {
		c, err := scanCriminal(rows)
		if err != nil {
			return nil, err
		}
		criminals = append(criminals, c)
	}
	return criminals, rows.Err()
}

// DeleteCriminal removes a gallery record and returns what was removed
func (r *SQLiteRepository) DeleteCriminal(ctx context.Context, id string) (*Criminal, error) {
	query := `SELECT id, name, age, crime_type, threat_level, image_path, last_seen
		FROM criminals WHERE id = ?`

	c, err := scanCriminal(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := r.db.ExecContext(ctx, "DELETE FROM criminals WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to delete criminal: %w", err)
	}
	return c, nil
}

// CountCriminals returns the gallery size
func (r *SQLiteRepository) CountCriminals(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM criminals").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count criminals: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCriminal(row rowScanner) (*Criminal, error) {
	var c Criminal
	var age sql.NullInt64
	var crime, level, image, lastSeen sql.NullString
	if err := row.Scan(&c.ID, &c.Name, &age, &crime, &level, &image, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan criminal: %w", err)
	}
	c.Age = int(age.Int64)
	c.CrimeType = crime.String
	c.ThreatLevel = level.String
	c.ImagePath = image.String
	c.LastSeen = parseTimestamp(lastSeen.String)
	return &c, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// parseTimestamp reads the legacy local-time record format
func parseTimestamp(s string) time.Time {
	t, err := time.ParseInLocation(pipeline.TimestampLayout, s, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ Repository = (*SQLiteRepository)(nil)

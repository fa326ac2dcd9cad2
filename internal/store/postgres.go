package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"watchpost/internal/pipeline"
)

// PostgresRepository stores events and criminals in PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, pings and migrates
func NewPostgres(ctx context.Context, connectionString string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	r := &PostgresRepository{pool: pool}
	if err := r.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Migrate creates the alerts and criminals tables
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			timestamp TIMESTAMPTZ NOT NULL,
			threat_type TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			image_evidence_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'UNREAD'
		)`,
		`CREATE TABLE IF NOT EXISTS criminals (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			age INTEGER NOT NULL DEFAULT 0,
			crime_type TEXT NOT NULL DEFAULT '',
			threat_level TEXT NOT NULL DEFAULT '',
			image_path TEXT NOT NULL DEFAULT '',
			last_seen TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts (status)`,
	}
	for _, migration := range migrations {
		if _, err := r.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) InsertEvent(ctx context.Context, event *pipeline.ThreatEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO alerts (id, timestamp, threat_type, confidence, image_evidence_path, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Timestamp, event.ThreatSummary, event.Confidence, event.EvidenceImageRef, string(event.Status))
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RecentEvents(ctx context.Context, n int) ([]*pipeline.ThreatEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, timestamp, threat_type, confidence, image_evidence_path, status
		FROM alerts ORDER BY seq DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	events := []*pipeline.ThreatEvent{}
	for rows.Next() {
		var event pipeline.ThreatEvent
		var status string
		if err := rows.Scan(&event.ID, &event.Timestamp, &event.ThreatSummary, &event.Confidence,
			&event.EvidenceImageRef, &status); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		event.Status = pipeline.EventStatus(status)
		events = append(events, &event)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) MarkEventRead(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE alerts SET status = $1 WHERE id = $2`, string(pipeline.EventStatusRead), id)
	if err != nil {
		return fmt.Errorf("failed to update alert status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) InsertCriminal(ctx context.Context, c *Criminal) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO criminals (id, name, age, crime_type, threat_level, image_path, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Name, c.Age, c.CrimeType, c.ThreatLevel, c.ImagePath, c.LastSeen)
	if err != nil {
		return fmt.Errorf("failed to save criminal: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListCriminals(ctx context.Context) ([]*Criminal, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, age, crime_type, threat_level, image_path, COALESCE(last_seen, created_at)
		FROM criminals ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list criminals: %w", err)
	}
	defer rows.Close()

	criminals := []*Criminal{}
	for rows.Next() {
		var c Criminal
		if err := rows.Scan(&c.ID, &c.Name, &c.Age, &c.CrimeType, &c.ThreatLevel, &c.ImagePath, &c.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan criminal: %w", err)
		}
		criminals = append(criminals, &c)
	}
	return criminals, rows.Err()
}

func (r *PostgresRepository) DeleteCriminal(ctx context.Context, id string) (*Criminal, error) {
	var c Criminal
	err := r.pool.QueryRow(ctx,
		`DELETE FROM criminals WHERE id = $1
		RETURNING id, name, age, crime_type, threat_level, image_path, COALESCE(last_seen, created_at)`, id).
		Scan(&c.ID, &c.Name, &c.Age, &c.CrimeType, &c.ThreatLevel, &c.ImagePath, &c.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete criminal: %w", err)
	}
	return &c, nil
}

func (r *PostgresRepository) CountCriminals(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM criminals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count criminals: %w", err)
	}
	return n, nil
}

var _ Repository = (*PostgresRepository)(nil)

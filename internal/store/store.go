package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"watchpost/internal/pipeline"
)

var (
	// ErrNotFound is returned when an event or criminal id does not exist
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedDriver is returned for an unknown repository driver
	ErrUnsupportedDriver = errors.New("store: unsupported driver")
)

// Criminal is one entry of the criminal gallery
type Criminal struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Age         int       `json:"age"`
	CrimeType   string    `json:"crime_type"`
	ThreatLevel string    `json:"threat_level"`
	ImagePath   string    `json:"image_path"`
	LastSeen    time.Time `json:"last_seen"`
}

// Repository is the durable backend for threat events and the criminal gallery.
// InsertEvent must not return before the event is durable.
// RecentEvents returns newest first, ties broken by insertion order.
type Repository interface {
	InsertEvent(ctx context.Context, event *pipeline.ThreatEvent) error
	RecentEvents(ctx context.Context, n int) ([]*pipeline.ThreatEvent, error)
	MarkEventRead(ctx context.Context, id string) error

	InsertCriminal(ctx context.Context, c *Criminal) error
	ListCriminals(ctx context.Context) ([]*Criminal, error)
	DeleteCriminal(ctx context.Context, id string) (*Criminal, error)
	CountCriminals(ctx context.Context) (int, error)

	Close() error
}

// Options wires the optional parts of a Store
type Options struct {
	Evidence *EvidenceWriter
	Cache    *RecentCache // nil disables the Redis cache
	CSV      *CSVLog      // nil disables the CSV log
	Logger   *logrus.Logger
}

// Store composes the evidence writer, the event repository and its optional
// cache and CSV log into a pipeline.Store.
type Store struct {
	repo     Repository
	evidence *EvidenceWriter
	cache    *RecentCache
	csv      *CSVLog
	log      *logrus.Entry
}

// New creates a store over an opened repository
func New(repo Repository, opts Options) (*Store, error) {
	if repo == nil {
		return nil, errors.New("store: repository is required")
	}
	if opts.Evidence == nil {
		return nil, errors.New("store: evidence writer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Store{
		repo:     repo,
		evidence: opts.Evidence,
		cache:    opts.Cache,
		csv:      opts.CSV,
		log:      logger.WithField("component", "store"),
	}, nil
}

// SaveEvidenceImage writes the frame as a uniquely named JPEG and returns its path
func (s *Store) SaveEvidenceImage(ctx context.Context, frame *pipeline.FrameData) (string, error) {
	if frame == nil || len(frame.Data) == 0 {
		return "", pipeline.ErrInvalidFrame
	}
	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return s.evidence.Save(frame.Data, ts)
}

// AppendEvent persists the event, then updates the cache and CSV log.
// Cache and CSV failures are logged and do not fail the append.
func (s *Store) AppendEvent(ctx context.Context, event *pipeline.ThreatEvent) error {
	if event == nil {
		return errors.New("store: nil event")
	}
	if err := s.repo.InsertEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Push(ctx, event); err != nil {
			s.log.WithError(err).Warn("Failed to update recent-events cache")
		}
	}
	if s.csv != nil {
		if err := s.csv.Append(event); err != nil {
			s.log.WithError(err).Warn("Failed to append detection log")
		}
	}
	return nil
}

// ListRecentEvents returns up to n events, most recent first
func (s *Store) ListRecentEvents(ctx context.Context, n int) ([]*pipeline.ThreatEvent, error) {
	if n <= 0 {
		return []*pipeline.ThreatEvent{}, nil
	}
	if s.cache != nil {
		events, ok, err := s.cache.Recent(ctx, n)
		if err != nil {
			s.log.WithError(err).Debug("Recent-events cache unavailable")
		}
		if ok {
			return events, nil
		}
	}
	return s.repo.RecentEvents(ctx, n)
}

// MarkEventRead flips an event to READ
func (s *Store) MarkEventRead(ctx context.Context, id string) error {
	if err := s.repo.MarkEventRead(ctx, id); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.log.WithError(err).Warn("Failed to invalidate recent-events cache")
		}
	}
	return nil
}

// CountCriminalRecords returns the gallery size
func (s *Store) CountCriminalRecords(ctx context.Context) (int, error) {
	return s.repo.CountCriminals(ctx)
}

// AddCriminal stores a gallery record. LastSeen defaults to now.
func (s *Store) AddCriminal(ctx context.Context, c *Criminal) error {
	if c == nil || c.Name == "" {
		return errors.New("store: criminal name is required")
	}
	if c.LastSeen.IsZero() {
		c.LastSeen = time.Now()
	}
	return s.repo.InsertCriminal(ctx, c)
}

func (s *Store) ListCriminals(ctx context.Context) ([]*Criminal, error) {
	return s.repo.ListCriminals(ctx)
}

// DeleteCriminal removes a gallery record and returns it so callers can clean up its image
func (s *Store) DeleteCriminal(ctx context.Context, id string) (*Criminal, error) {
	return s.repo.DeleteCriminal(ctx, id)
}

// Evidence exposes the evidence directory for serving images
func (s *Store) Evidence() *EvidenceWriter {
	return s.evidence
}

// Close releases the repository and cache connections
func (s *Store) Close() error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.csv != nil {
		errs = append(errs, s.csv.Close())
	}
	errs = append(errs, s.repo.Close())
	return errors.Join(errs...)
}

// Ensure Store implements pipeline.Store
var _ pipeline.Store = (*Store)(nil)

package camera

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"watchpost/internal/pipeline"
)

// SnapshotSource polls an HTTP endpoint that returns one JPEG per request
type SnapshotSource struct {
	cfg    Config
	client *http.Client
	log    *logrus.Entry

	mu    sync.Mutex
	open  bool
	seq   atomic.Uint64
	stats statsRecorder
}

// NewSnapshotSource creates a polling source for an IP camera snapshot URL
func NewSnapshotSource(cfg Config, logger *logrus.Logger) *SnapshotSource {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg = cfg.withDefaults()
	return &SnapshotSource{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.ReadTimeout},
		log:    logger.WithFields(logrus.Fields{"component": "camera", "device": cfg.Device}),
		stats:  statsRecorder{stats: Stats{Device: cfg.Device}},
	}
}

func (s *SnapshotSource) Device() string {
	return s.cfg.Device
}

// Stats returns capture counters
func (s *SnapshotSource) Stats() Stats {
	return s.stats.snapshot()
}

// Open fetches one frame to verify the endpoint
func (s *SnapshotSource) Open(ctx context.Context) error {
	if _, err := s.fetch(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	s.log.Info("Snapshot source ready")
	return nil
}

func (s *SnapshotSource) Read(ctx context.Context) (*pipeline.FrameData, error) {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if !open {
		return nil, unavailable("camera %s is not open", s.cfg.Device)
	}

	data, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	frame, err := pipeline.DecodeFrame(s.seq.Add(1), now, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrSourceUnavailable, err)
	}
	s.stats.captured(now)
	return frame, nil
}

func (s *SnapshotSource) Close() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}

func (s *SnapshotSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Device, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, unavailable("error fetching frame from %s: %v", s.cfg.Device, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, unavailable("snapshot returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable("error reading frame: %v", err)
	}
	return data, nil
}

var _ Source = (*SnapshotSource)(nil)

// Package session runs one camera through the pipeline on a fixed tick
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"watchpost/internal/camera"
	"watchpost/internal/metrics"
	"watchpost/internal/pipeline"
)

var (
	// ErrNotRunning is returned by Stop and Tick outside a running session
	ErrNotRunning = errors.New("session is not running")
	// ErrAlreadyRunning is returned by Start while running
	ErrAlreadyRunning = errors.New("session is already running")
)

// ConfigSource supplies the runtime config read at the start of every tick
type ConfigSource interface {
	Current() pipeline.Config
}

// Encoder turns the annotated frame into JPEG bytes for the live feeds
type Encoder interface {
	Encode(img image.Image) ([]byte, error)
}

// StaticConfig is a ConfigSource that never changes
type StaticConfig pipeline.Config

// Current implements ConfigSource
func (c StaticConfig) Current() pipeline.Config { return pipeline.Config(c) }

// Options wires a Session. Source, Pipeline and Config are required.
type Options struct {
	Source   camera.Source
	Pipeline *pipeline.Pipeline
	Config   ConfigSource
	Encoder  Encoder
	Bus      *pipeline.EventBus
	Logger   *logrus.Logger
	Interval time.Duration // Tick period; defaults to 15 ticks per second
}

// Info is a point-in-time view of the session
type Info struct {
	Status     pipeline.SessionStatus `json:"status"`
	Reason     string                 `json:"reason,omitempty"`
	Device     string                 `json:"device"`
	StartedAt  time.Time              `json:"started_at,omitempty"`
	LastTick   *pipeline.TickResult   `json:"last_tick,omitempty"`
	TicksTotal uint64                 `json:"ticks_total"`
	Capture    camera.Stats           `json:"capture"`
}

// Session owns the camera handle and the pipeline for one feed.
// Ticks and lifecycle transitions are serialized, so a stop waits for at
// most the tick in flight.
type Session struct {
	source   camera.Source
	pipe     *pipeline.Pipeline
	config   ConfigSource
	encoder  Encoder
	bus      *pipeline.EventBus
	interval time.Duration
	log      *logrus.Entry

	tickMu sync.Mutex

	mu        sync.RWMutex
	status    pipeline.SessionStatus
	reason    string
	startedAt time.Time
	last      *pipeline.TickResult
	ticks     uint64
}

// New creates a session in STANDBY
func New(opts Options) (*Session, error) {
	if opts.Source == nil || opts.Pipeline == nil || opts.Config == nil {
		return nil, errors.New("session: source, pipeline and config are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second / 15
	}
	bus := opts.Bus
	if bus == nil {
		bus = pipeline.NewEventBus()
	}
	return &Session{
		source:   opts.Source,
		pipe:     opts.Pipeline,
		config:   opts.Config,
		encoder:  opts.Encoder,
		bus:      bus,
		interval: interval,
		log:      logger.WithField("component", "session"),
		status:   pipeline.SessionStandby,
	}, nil
}

// Bus returns the event bus tick and status events are published on
func (s *Session) Bus() *pipeline.EventBus {
	return s.bus
}

// Status returns the lifecycle state
func (s *Session) Status() pipeline.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Info returns the current session view
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		Status:     s.status,
		Reason:     s.reason,
		Device:     s.source.Device(),
		StartedAt:  s.startedAt,
		LastTick:   s.last,
		TicksTotal: s.ticks,
		Capture:    s.source.Stats(),
	}
}

// Start acquires the camera and resets the pipeline's rolling state.
// The store is not touched.
func (s *Session) Start(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if s.Status() == pipeline.SessionRunning {
		return ErrAlreadyRunning
	}
	if err := s.source.Open(ctx); err != nil {
		s.setStatus(pipeline.SessionStopped, err.Error())
		s.log.WithError(err).Error("Failed to open camera")
		return fmt.Errorf("failed to start session: %w", err)
	}

	s.pipe.Start()
	s.mu.Lock()
	s.startedAt = time.Now()
	s.last = nil
	s.mu.Unlock()
	s.setStatus(pipeline.SessionRunning, "")
	s.log.WithField("device", s.source.Device()).Info("Surveillance started")
	return nil
}

// Stop silences the alarm, releases the camera and moves to STOPPED
func (s *Session) Stop(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if s.Status() != pipeline.SessionRunning {
		return ErrNotRunning
	}
	s.halt(ctx, pipeline.SessionStopped, "stopped by operator")
	return nil
}

// Restart stops a running session and starts it again with fresh rolling state
func (s *Session) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return s.Start(ctx)
}

// Tick reads one frame and processes it. A camera failure ends the session
// and is returned wrapped in pipeline.ErrSourceUnavailable.
func (s *Session) Tick(ctx context.Context) (*pipeline.TickResult, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if s.Status() != pipeline.SessionRunning {
		return nil, ErrNotRunning
	}

	frame, err := s.source.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.fail(ctx, err)
	}

	res, err := s.pipe.ProcessTick(ctx, frame, s.config.Current())
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	for _, w := range res.Warnings {
		s.log.WithError(w).WithField("frame", res.FrameCounter).Debug("Tick warning")
	}

	s.mu.Lock()
	s.last = res
	s.ticks++
	s.mu.Unlock()

	ev := &pipeline.TickEvent{Status: pipeline.SessionRunning, Result: res, Timestamp: res.Timestamp}
	if res.Annotated != nil && s.encoder != nil {
		if data, err := s.encoder.Encode(res.Annotated); err == nil {
			ev.Frame = data
		} else {
			s.log.WithError(err).Warn("Failed to encode annotated frame")
		}
	}
	s.bus.Publish(ev)

	if res.StopRequested {
		s.log.Info("Threat event raised with auto-stop enabled, stopping surveillance")
		s.halt(ctx, pipeline.SessionStopped, "auto-stop after threat event")
	}
	return res, nil
}

// Run ticks every interval while the session is running, until ctx is done.
// A running session is stopped on exit.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// a concurrent stop may win the race
			if err := s.Stop(context.Background()); err != nil && !errors.Is(err, ErrNotRunning) {
				s.log.WithError(err).Warn("Failed to stop session on shutdown")
			}
			return nil
		case <-ticker.C:
			if s.Status() != pipeline.SessionRunning {
				continue
			}
			if _, err := s.Tick(ctx); err != nil && !errors.Is(err, ErrNotRunning) && ctx.Err() == nil {
				s.log.WithError(err).Debug("Tick ended with error")
			}
		}
	}
}

// fail handles a fatal camera error. Caller holds tickMu.
func (s *Session) fail(ctx context.Context, cause error) error {
	err := cause
	if !errors.Is(err, pipeline.ErrSourceUnavailable) {
		err = fmt.Errorf("%w: %w", pipeline.ErrSourceUnavailable, cause)
	}
	s.log.WithError(err).Error("Camera failed, stopping surveillance")
	s.halt(ctx, pipeline.SessionStopped, err.Error())
	return err
}

// halt releases the camera before reporting the new state. Caller holds tickMu.
func (s *Session) halt(ctx context.Context, status pipeline.SessionStatus, reason string) {
	s.pipe.Halt(ctx)
	if err := s.source.Close(); err != nil {
		s.log.WithError(err).Warn("Failed to release camera")
	}
	s.setStatus(status, reason)
	s.log.WithField("reason", reason).Info("Surveillance stopped")
}

func (s *Session) setStatus(status pipeline.SessionStatus, reason string) {
	s.mu.Lock()
	s.status = status
	s.reason = reason
	s.mu.Unlock()

	metrics.BoolGauge(metrics.SessionRunning, status == pipeline.SessionRunning)
	s.bus.Publish(&pipeline.TickEvent{Status: status, Reason: reason, Timestamp: time.Now()})
}

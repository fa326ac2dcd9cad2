package session

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchpost/internal/camera"
	"watchpost/internal/overlay"
	"watchpost/internal/pipeline"
)

type fakeSource struct {
	mu      sync.Mutex
	opened  bool
	opens   int
	closes  int
	seq     uint64
	failAt  uint64 // Read fails once seq reaches this value; zero never fails
	openErr error
}

func (s *fakeSource) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.opened = true
	s.opens++
	return nil
}

func (s *fakeSource) Read(context.Context) (*pipeline.FrameData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil, pipeline.ErrSourceUnavailable
	}
	s.seq++
	if s.failAt != 0 && s.seq >= s.failAt {
		return nil, errors.New("device disconnected")
	}
	return pipeline.NewFrame(s.seq, time.Now(), image.NewRGBA(image.Rect(0, 0, 64, 48)))
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	s.closes++
	return nil
}

func (s *fakeSource) Device() string { return "fake0" }

func (s *fakeSource) Stats() camera.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return camera.Stats{Device: "fake0", FramesCaptured: s.seq}
}

func (s *fakeSource) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

type fakeDetector struct {
	mu     sync.Mutex
	threat bool
}

func (d *fakeDetector) Name() string { return "fake" }

func (d *fakeDetector) Detect(context.Context, *pipeline.FrameData, float64) ([]pipeline.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.threat {
		return nil, nil
	}
	return []pipeline.Detection{{
		Label: "KNIFE", Confidence: 0.9, IsThreat: true,
		BBox: pipeline.BBox{X1: 4, Y1: 4, X2: 30, Y2: 30},
	}}, nil
}

func (d *fakeDetector) Close() error { return nil }

type fakeStore struct {
	mu     sync.Mutex
	events []*pipeline.ThreatEvent
}

func (s *fakeStore) SaveEvidenceImage(context.Context, *pipeline.FrameData) (string, error) {
	return "evidence/fake.jpg", nil
}

func (s *fakeStore) AppendEvent(_ context.Context, e *pipeline.ThreatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *fakeStore) ListRecentEvents(context.Context, int) ([]*pipeline.ThreatEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*pipeline.ThreatEvent(nil), s.events...), nil
}

func (s *fakeStore) CountCriminalRecords(context.Context) (int, error) { return 0, nil }

type fakeAlarm struct {
	mu       sync.Mutex
	triggers int
	stops    int
}

func (a *fakeAlarm) TriggerAlarm(context.Context, string) {
	a.mu.Lock()
	a.triggers++
	a.mu.Unlock()
}

func (a *fakeAlarm) StopAlarm(context.Context) {
	a.mu.Lock()
	a.stops++
	a.mu.Unlock()
}

type fixture struct {
	session  *Session
	source   *fakeSource
	detector *fakeDetector
	store    *fakeStore
	alarm    *fakeAlarm
	events   <-chan *pipeline.TickEvent
}

func newFixture(t *testing.T, cfg pipeline.Config) *fixture {
	t.Helper()
	f := &fixture{
		source:   &fakeSource{},
		detector: &fakeDetector{},
		store:    &fakeStore{},
		alarm:    &fakeAlarm{},
	}
	renderer := overlay.NewRenderer()
	pipe, err := pipeline.New(pipeline.Options{
		Detector: f.detector,
		Store:    f.store,
		Alarm:    f.alarm,
		Renderer: renderer,
	})
	require.NoError(t, err)

	bus := pipeline.NewEventBus()
	events, unsubscribe := bus.SubscribeChannel(64)
	t.Cleanup(unsubscribe)
	f.events = events

	f.session, err = New(Options{
		Source:   f.source,
		Pipeline: pipe,
		Config:   StaticConfig(cfg),
		Encoder:  renderer,
		Bus:      bus,
		Interval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return f
}

func testConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.DetectionCadence = 1
	return cfg
}

// drain returns every event published so far
func (f *fixture) drain() []*pipeline.TickEvent {
	var out []*pipeline.TickEvent
	for {
		select {
		case ev := <-f.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	assert.Equal(t, pipeline.SessionStandby, f.session.Status())
	assert.ErrorIs(t, f.session.Stop(ctx), ErrNotRunning)

	require.NoError(t, f.session.Start(ctx))
	assert.Equal(t, pipeline.SessionRunning, f.session.Status())
	assert.True(t, f.source.isOpen())
	assert.ErrorIs(t, f.session.Start(ctx), ErrAlreadyRunning)

	require.NoError(t, f.session.Stop(ctx))
	assert.Equal(t, pipeline.SessionStopped, f.session.Status())
	assert.False(t, f.source.isOpen(), "camera released on stop")
	assert.Equal(t, "stopped by operator", f.session.Info().Reason)

	statuses := []pipeline.SessionStatus{}
	for _, ev := range f.drain() {
		statuses = append(statuses, ev.Status)
	}
	assert.Equal(t, []pipeline.SessionStatus{pipeline.SessionRunning, pipeline.SessionStopped}, statuses)
}

func TestStart_OpenFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	f.source.openErr = errors.New("no such device")

	err := f.session.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, pipeline.SessionStopped, f.session.Status())
	assert.Contains(t, f.session.Info().Reason, "no such device")
}

func TestTick_PublishesAnnotatedFrame(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.session.Tick(ctx)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, f.session.Start(ctx))
	f.drain()

	res, err := f.session.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.FrameCounter)

	events := f.drain()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, pipeline.SessionRunning, ev.Status)
	assert.Same(t, res, ev.Result)
	require.True(t, len(ev.Frame) > 2)
	assert.Equal(t, []byte{0xFF, 0xD8}, ev.Frame[:2])

	info := f.session.Info()
	assert.Equal(t, uint64(1), info.TicksTotal)
	assert.Equal(t, "fake0", info.Device)
	assert.Equal(t, "fake0", info.Capture.Device)
	assert.Equal(t, uint64(1), info.Capture.FramesCaptured)
}

func TestTick_SourceFailureStopsSession(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.source.failAt = 2

	require.NoError(t, f.session.Start(ctx))
	_, err := f.session.Tick(ctx)
	require.NoError(t, err)
	f.drain()

	_, err = f.session.Tick(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrSourceUnavailable)
	assert.Equal(t, pipeline.SessionStopped, f.session.Status())
	assert.False(t, f.source.isOpen())

	events := f.drain()
	require.Len(t, events, 1)
	assert.Equal(t, pipeline.SessionStopped, events[0].Status)
	assert.Contains(t, events[0].Reason, "source unavailable")
}

func TestTick_AutoStopAfterEvent(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStop = true
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.detector.threat = true

	require.NoError(t, f.session.Start(ctx))
	res, err := f.session.Tick(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Event)
	assert.True(t, res.StopRequested)

	assert.Equal(t, pipeline.SessionStopped, f.session.Status())
	assert.False(t, f.source.isOpen())
	f.alarm.mu.Lock()
	assert.Equal(t, 1, f.alarm.stops, "alarm silenced on stop")
	f.alarm.mu.Unlock()

	events, err := f.store.ListRecentEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRestart_KeepsStoredEvents(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.detector.threat = true

	require.NoError(t, f.session.Start(ctx))
	_, err := f.session.Tick(ctx)
	require.NoError(t, err)

	require.NoError(t, f.session.Restart(ctx))
	assert.Equal(t, pipeline.SessionRunning, f.session.Status())
	assert.Equal(t, 2, f.source.opens)
	assert.Nil(t, f.session.Info().LastTick)

	res, err := f.session.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.FrameCounter, "rolling state reset")
	assert.True(t, res.WeaponPresent)
	assert.Nil(t, res.Event, "cooldown spans the restart")

	events, err := f.store.ListRecentEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.session.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.session.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.session.Info().TicksTotal >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, pipeline.SessionStopped, f.session.Status())
	assert.False(t, f.source.isOpen())
}

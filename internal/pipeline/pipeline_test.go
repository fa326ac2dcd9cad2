package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---------------------------------------------------------------

type fakeDetector struct {
	mu      sync.Mutex
	calls   int
	respond func(call int) ([]Detection, error)
}

func (d *fakeDetector) Name() string { return "fake" }

func (d *fakeDetector) Detect(ctx context.Context, frame *FrameData, thr float64) ([]Detection, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.mu.Unlock()
	if d.respond == nil {
		return nil, nil
	}
	return d.respond(call)
}

func (d *fakeDetector) Close() error { return nil }

func (d *fakeDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func always(dets ...Detection) func(int) ([]Detection, error) {
	return func(int) ([]Detection, error) { return dets, nil }
}

type fakeIdentity struct {
	mu        sync.Mutex
	faceCalls int
	regions   []BBox
	identity  *Identity
	threshold float64
}

func (f *fakeIdentity) Name() string { return "fake-face" }

func (f *fakeIdentity) DetectFaces(ctx context.Context, frame *FrameData) ([]BBox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faceCalls++
	return f.regions, nil
}

func (f *fakeIdentity) Identify(ctx context.Context, crop image.Image) (*Identity, error) {
	return f.identity, nil
}

func (f *fakeIdentity) MatchThreshold() float64 { return f.threshold }
func (f *fakeIdentity) Close() error            { return nil }

func (f *fakeIdentity) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faceCalls
}

type recorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *recorder) add(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

type fakeStore struct {
	rec       *recorder
	events    []*ThreatEvent
	appendErr error
}

func (s *fakeStore) SaveEvidenceImage(ctx context.Context, frame *FrameData) (string, error) {
	s.rec.add("evidence")
	return "data/evidence/THREAT_test.jpg", nil
}

func (s *fakeStore) AppendEvent(ctx context.Context, event *ThreatEvent) error {
	s.rec.add("append")
	if s.appendErr != nil {
		return s.appendErr
	}
	s.events = append(s.events, event)
	return nil
}

func (s *fakeStore) ListRecentEvents(ctx context.Context, n int) ([]*ThreatEvent, error) {
	return nil, nil
}

func (s *fakeStore) CountCriminalRecords(ctx context.Context) (int, error) { return 0, nil }

type fakeNotifier struct {
	rec    *recorder
	calls  int
	result bool
	last   *Alert
	dest   string
}

func (n *fakeNotifier) SendAlert(ctx context.Context, alert *Alert, ref, destination string) bool {
	n.rec.add("notify")
	n.calls++
	n.last = alert
	n.dest = destination
	return n.result
}

type fakeAlarm struct {
	triggers int
	stops    int
}

func (a *fakeAlarm) TriggerAlarm(ctx context.Context, threat string) { a.triggers++ }
func (a *fakeAlarm) StopAlarm(ctx context.Context)                   { a.stops++ }

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// --- harness -------------------------------------------------------------

type harness struct {
	p        *Pipeline
	detector *fakeDetector
	identity *fakeIdentity
	store    *fakeStore
	notifier *fakeNotifier
	alarm    *fakeAlarm
	clock    *fakeClock
	rec      *recorder
	frame    *FrameData
}

func newHarness(t *testing.T, respond func(int) ([]Detection, error)) *harness {
	t.Helper()
	rec := &recorder{}
	h := &harness{
		detector: &fakeDetector{respond: respond},
		identity: &fakeIdentity{threshold: 0.5},
		store:    &fakeStore{rec: rec},
		notifier: &fakeNotifier{rec: rec, result: true},
		alarm:    &fakeAlarm{},
		clock:    &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		rec:      rec,
		frame:    &FrameData{Seq: 1, Image: image.NewRGBA(image.Rect(0, 0, 64, 48))},
	}
	p, err := New(Options{
		Detector: h.detector,
		Identity: h.identity,
		Store:    h.store,
		Notifier: h.notifier,
		Alarm:    h.alarm,
		Now:      h.clock.Now,
	})
	require.NoError(t, err)
	p.Start()
	h.p = p
	return h
}

func (h *harness) tick(t *testing.T, cfg Config) *TickResult {
	t.Helper()
	res, err := h.p.ProcessTick(context.Background(), h.frame, cfg)
	require.NoError(t, err)
	return res
}

func knife(conf float64) Detection {
	return Detection{Label: "KNIFE", Confidence: conf, BBox: BBox{X1: 10, Y1: 10, X2: 30, Y2: 30}, IsThreat: true}
}

func person(conf float64) Detection {
	return Detection{Label: "PERSON", Confidence: conf, BBox: BBox{X1: 5, Y1: 5, X2: 40, Y2: 45}}
}

func everyTick() Config {
	cfg := DefaultConfig()
	cfg.DetectionCadence = 1
	return cfg
}

// --- tests ---------------------------------------------------------------

func TestNew_RequiresDetectorAndStore(t *testing.T) {
	_, err := New(Options{Store: &fakeStore{rec: &recorder{}}})
	assert.Error(t, err)

	_, err = New(Options{Detector: &fakeDetector{}})
	assert.Error(t, err)
}

func TestProcessTick_WeaponPresent(t *testing.T) {
	tests := []struct {
		name       string
		detections []Detection
		threshold  float64
		want       bool
	}{
		{"no detections", nil, 0.25, false},
		{"threat above threshold", []Detection{knife(0.9)}, 0.25, true},
		{"threat exactly at threshold", []Detection{knife(0.25)}, 0.25, true},
		{"threat below threshold", []Detection{knife(0.1)}, 0.25, false},
		{"non-threat only", []Detection{person(0.95)}, 0.25, false},
		{"mixed", []Detection{person(0.95), knife(0.3)}, 0.25, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, always(tt.detections...))
			cfg := everyTick()
			cfg.ConfidenceThreshold = tt.threshold

			res := h.tick(t, cfg)
			assert.Equal(t, tt.want, res.WeaponPresent)
			for _, d := range res.Detections {
				assert.GreaterOrEqual(t, d.Confidence, tt.threshold)
			}
		})
	}
}

func TestProcessTick_DebugNonThreatsNeverArm(t *testing.T) {
	h := newHarness(t, always(person(0.99)))
	cfg := everyTick()
	cfg.DebugMode = true

	res := h.tick(t, cfg)
	assert.False(t, res.WeaponPresent)
	assert.Len(t, res.Detections, 1)
	assert.False(t, res.AlarmActive)
	assert.Nil(t, res.Event)
}

func TestProcessTick_DetectionCadence(t *testing.T) {
	for _, cadence := range []int{1, 2, 3, 5} {
		h := newHarness(t, always(person(0.9)))
		cfg := DefaultConfig()
		cfg.DetectionCadence = cadence

		windows := 4
		for w := 0; w < windows; w++ {
			before := h.detector.Calls()
			for i := 0; i < cadence; i++ {
				h.tick(t, cfg)
			}
			assert.Equal(t, 1, h.detector.Calls()-before, "cadence %d window %d", cadence, w)
		}
	}
}

func TestProcessTick_ReusesLastDetectionsBetweenRuns(t *testing.T) {
	h := newHarness(t, always(knife(0.9)))
	cfg := DefaultConfig() // cadence 2

	first := h.tick(t, cfg)
	assert.False(t, first.DetectionRan)
	assert.False(t, first.WeaponPresent, "nothing cached before the first run")

	second := h.tick(t, cfg)
	assert.True(t, second.DetectionRan)
	assert.True(t, second.WeaponPresent)

	third := h.tick(t, cfg)
	assert.False(t, third.DetectionRan)
	assert.True(t, third.WeaponPresent)
}

func TestProcessTick_SingleThreatCreatesOneEvent(t *testing.T) {
	h := newHarness(t, always(knife(0.9)))
	cfg := everyTick()
	cfg.ConfidenceThreshold = 0.25

	res := h.tick(t, cfg)

	require.NotNil(t, res.Event)
	assert.True(t, res.AlarmActive)
	assert.Len(t, h.store.events, 1)
	assert.Equal(t, []string{"evidence", "append"}, h.rec.ops)

	ev := h.store.events[0]
	assert.Equal(t, EventConfidence, ev.Confidence)
	assert.Equal(t, EventStatusUnread, ev.Status)
	assert.Equal(t, "Weapon: KNIFE | Suspect: Unidentified individual", ev.ThreatSummary)
	assert.Equal(t, "data/evidence/THREAT_test.jpg", ev.EvidenceImageRef)
	assert.Equal(t, "2024-05-01 12:00:00", ev.FormattedTime())
	assert.NotEmpty(t, ev.ID)
}

func TestProcessTick_SustainedThreatWithinCooldown(t *testing.T) {
	h := newHarness(t, always(knife(0.9)))
	cfg := everyTick()

	events := 0
	for i := 0; i < 30; i++ {
		res := h.tick(t, cfg)
		if res.Event != nil {
			events++
			assert.Equal(t, uint64(1), res.FrameCounter, "only the first tick creates an event")
		}
		assert.True(t, res.AlarmActive)
		h.clock.Advance(100 * time.Millisecond)
	}

	assert.Equal(t, 1, events)
	assert.Len(t, h.store.events, 1)
	assert.Equal(t, 30, h.alarm.triggers, "alarm re-triggers on every threat tick")
	assert.Zero(t, h.alarm.stops)
}

func TestProcessTick_CooldownSpacing(t *testing.T) {
	h := newHarness(t, always(knife(0.9)))
	cfg := everyTick()
	cfg.CooldownSeconds = 5

	for i := 0; i < 20; i++ {
		h.tick(t, cfg)
		h.clock.Advance(time.Second)
	}

	require.Len(t, h.store.events, 4) // t=0, 6, 12, 18
	for i := 1; i < len(h.store.events); i++ {
		gap := h.store.events[i].Timestamp.Sub(h.store.events[i-1].Timestamp)
		assert.GreaterOrEqual(t, gap, cfg.Cooldown())
	}
}

func TestProcessTick_LowConfidenceFiltered(t *testing.T) {
	h := newHarness(t, always(knife(0.1)))
	cfg := everyTick()
	cfg.ConfidenceThreshold = 0.25

	res := h.tick(t, cfg)
	assert.False(t, res.WeaponPresent)
	assert.Nil(t, res.Event)
	assert.False(t, res.AlarmActive)
	assert.Empty(t, h.store.events)
	assert.Zero(t, h.alarm.triggers)
}

func TestProcessTick_AlarmLiveness(t *testing.T) {
	threat := true
	h := newHarness(t, func(int) ([]Detection, error) {
		if threat {
			return []Detection{knife(0.9)}, nil
		}
		return nil, nil
	})
	cfg := everyTick()

	for i := 0; i < 3; i++ {
		assert.True(t, h.tick(t, cfg).AlarmActive)
	}

	threat = false
	res := h.tick(t, cfg)
	assert.False(t, res.AlarmActive, "alarm clears on the first threat-free tick despite cooldown")
	assert.True(t, res.AlarmStopped)

	res = h.tick(t, cfg)
	assert.False(t, res.AlarmStopped, "stop is signalled once")
	assert.Equal(t, 1, h.alarm.stops)
	assert.Equal(t, 3, h.alarm.triggers)
}

func TestProcessTick_AlarmClearsWhenSoundDisabled(t *testing.T) {
	h := newHarness(t, always(knife(0.9)))
	cfg := everyTick()

	assert.True(t, h.tick(t, cfg).AlarmActive)

	cfg.SoundEnabled = false
	res := h.tick(t, cfg)
	assert.True(t, res.WeaponPresent)
	assert.False(t, res.AlarmActive)
	assert.Equal(t, 1, h.alarm.stops)
}

func TestProcessTick_EmailDisabledNeverNotifies(t *testing.T) {
	h := newHarness(t, always(knife(0.9)))
	cfg := everyTick()
	cfg.EmailEnabled = false
	cfg.AlertDestination = "ops@example.com"

	res := h.tick(t, cfg)
	require.NotNil(t, res.Event)
	assert.Zero(t, h.notifier.calls)
}

func TestProcessTick_MissingDestinationIsNoop(t *testing.T) {
	h := newHarness(t, always(knife(0.9)))
	cfg := everyTick()
	cfg.EmailEnabled = true

	res := h.tick(t, cfg)
	require.NotNil(t, res.Event)
	assert.Zero(t, h.notifier.calls)
	assert.Empty(t, res.Warnings)
}

func TestProcessTick_NotifiesAfterPersisting(t *testing.T) {
	h := newHarness(t, always(knife(0.9)))
	cfg := everyTick()
	cfg.EmailEnabled = true
	cfg.AlertDestination = "ops@example.com"
	cfg.AlertMessage = "Leave the lobby"

	res := h.tick(t, cfg)
	assert.True(t, res.Notified)
	assert.Equal(t, []string{"evidence", "append", "notify"}, h.rec.ops)
	assert.Equal(t, "ops@example.com", h.notifier.dest)
	require.NotNil(t, h.notifier.last)
	assert.Equal(t, "WEAPON DETECTED: KNIFE", h.notifier.last.Type)
	assert.Equal(t, "Leave the lobby", h.notifier.last.Message)
	assert.Equal(t, 0.9, h.notifier.last.Confidence)
}

func TestProcessTick_NotifierFailureKeepsEvent(t *testing.T) {
	h := newHarness(t, always(knife(0.9)))
	h.notifier.result = false
	cfg := everyTick()
	cfg.EmailEnabled = true
	cfg.AlertDestination = "ops@example.com"

	res := h.tick(t, cfg)
	assert.False(t, res.Notified)
	assert.Len(t, h.store.events, 1)
	assert.Len(t, res.Warnings, 1)

	h.clock.Advance(time.Second)
	_, err := h.p.ProcessTick(context.Background(), h.frame, cfg)
	assert.NoError(t, err, "later ticks keep running")
}

func TestProcessTick_StoreFailureIsWarning(t *testing.T) {
	h := newHarness(t, always(knife(0.9)))
	h.store.appendErr = errors.New("disk full")
	cfg := everyTick()
	cfg.EmailEnabled = true
	cfg.AlertDestination = "ops@example.com"

	res := h.tick(t, cfg)
	require.NotNil(t, res.Event)
	assert.NotEmpty(t, res.Warnings)
	assert.Equal(t, 1, h.notifier.calls)
}

func TestProcessTick_DetectionFailureDegrades(t *testing.T) {
	h := newHarness(t, func(call int) ([]Detection, error) {
		if call == 2 {
			return nil, errors.New("model crashed")
		}
		return []Detection{knife(0.9)}, nil
	})
	cfg := DefaultConfig() // cadence 2: detection on ticks 2 and 4

	h.tick(t, cfg)
	assert.True(t, h.tick(t, cfg).WeaponPresent)

	failed := h.tick(t, cfg) // tick 3 reuses tick 2
	assert.True(t, failed.WeaponPresent)

	failed = h.tick(t, cfg) // tick 4 fails
	assert.True(t, failed.DetectionRan)
	assert.False(t, failed.WeaponPresent)
	assert.Len(t, failed.Warnings, 1)

	next := h.tick(t, cfg) // tick 5 reuses the last successful run
	assert.False(t, next.DetectionRan)
	assert.True(t, next.WeaponPresent)
}

func TestProcessTick_MalformedDetectionIsPerceptionFailure(t *testing.T) {
	bad := Detection{Label: "KNIFE", Confidence: 1.7, BBox: BBox{X1: 1, Y1: 1, X2: 2, Y2: 2}, IsThreat: true}
	h := newHarness(t, always(bad))

	res := h.tick(t, everyTick())
	assert.False(t, res.WeaponPresent)
	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], ErrMalformedResult)
}

func TestProcessTick_FaceCadenceOnThreatOnly(t *testing.T) {
	threat := false
	h := newHarness(t, func(int) ([]Detection, error) {
		if threat {
			return []Detection{knife(0.9)}, nil
		}
		return []Detection{person(0.9)}, nil
	})
	h.identity.regions = []BBox{{X1: 0, Y1: 0, X2: 20, Y2: 20}}
	cfg := DefaultConfig()

	for i := 0; i < 4; i++ {
		assert.False(t, h.tick(t, cfg).IdentityRan)
	}

	threat = true
	res := h.tick(t, cfg) // tick 5: no detection run, cache still has no threat
	assert.False(t, res.IdentityRan)
	res = h.tick(t, cfg) // tick 6: detection runs and finds a threat
	assert.True(t, res.IdentityRan)
	res = h.tick(t, cfg) // tick 7: weapon present from cache but not a detection tick
	assert.False(t, res.IdentityRan)
	assert.Len(t, res.Faces, 1, "last observations are reused")
	assert.Equal(t, 1, h.identity.Calls())
}

func TestProcessTick_FaceCadenceContinuous(t *testing.T) {
	h := newHarness(t, always())
	cfg := DefaultConfig()
	cfg.FaceMode = FaceModeContinuous

	var ran []uint64
	for i := 0; i < 15; i++ {
		res := h.tick(t, cfg)
		if res.IdentityRan {
			ran = append(ran, res.FrameCounter)
		}
	}
	assert.Equal(t, []uint64{5, 10, 15}, ran)
}

func TestProcessTick_IdentityFusion(t *testing.T) {
	tests := []struct {
		name     string
		identity *Identity
		want     string
	}{
		{"no match", nil, "Weapon: KNIFE | Suspect: Unidentified individual"},
		{"weak match", &Identity{Name: "JOHN DOE", Confidence: 0.4}, "Weapon: KNIFE | Suspect: Unidentified individual"},
		{"strong match", &Identity{Name: "JOHN DOE", Confidence: 0.8}, "Weapon: KNIFE | Suspect: Known suspect: JOHN DOE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, always(knife(0.9)))
			h.identity.regions = []BBox{{X1: 40, Y1: 0, X2: 90, Y2: 30}} // partly out of frame
			h.identity.identity = tt.identity

			res := h.tick(t, DefaultConfig()) // tick 1 has nothing cached
			assert.Nil(t, res.Event)
			res = h.tick(t, DefaultConfig())
			require.NotNil(t, res.Event)
			assert.Equal(t, tt.want, res.Event.ThreatSummary)
			require.Len(t, res.Faces, 1)
			assert.Equal(t, BBox{X1: 40, Y1: 0, X2: 64, Y2: 30}, res.Faces[0].BBox)
		})
	}
}

func TestProcessTick_IdentityNeverArms(t *testing.T) {
	h := newHarness(t, always(person(0.9)))
	h.identity.regions = []BBox{{X1: 0, Y1: 0, X2: 20, Y2: 20}}
	h.identity.identity = &Identity{Name: "JOHN DOE", Confidence: 0.99}
	cfg := everyTick()
	cfg.FaceMode = FaceModeContinuous
	cfg.ContinuousFaceCadence = 1

	res := h.tick(t, cfg)
	assert.Equal(t, "Known suspect: JOHN DOE", res.Suspect)
	assert.False(t, res.WeaponPresent)
	assert.Nil(t, res.Event)
}

func TestProcessTick_AutoStop(t *testing.T) {
	h := newHarness(t, always(knife(0.9)))
	cfg := everyTick()
	cfg.AutoStop = true

	res := h.tick(t, cfg)
	assert.True(t, res.StopRequested)
	require.NotNil(t, res.Event)
}

func TestProcessTick_RejectsMissingFrame(t *testing.T) {
	h := newHarness(t, always())
	_, err := h.p.ProcessTick(context.Background(), nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidFrame)
	assert.Zero(t, h.p.State().FrameCounter)
}

func TestStart_ResetsRollingState(t *testing.T) {
	h := newHarness(t, always(knife(0.9)))
	h.tick(t, everyTick())
	require.NotZero(t, h.p.State().FrameCounter)
	require.NotEmpty(t, h.p.State().LastDetections)

	h.p.Halt(context.Background())
	assert.Equal(t, 1, h.alarm.stops, "halting silences the alarm")
	assert.False(t, h.p.State().Running)

	h.p.Start()
	st := h.p.State()
	assert.True(t, st.Running)
	assert.Zero(t, st.FrameCounter)
	assert.Empty(t, st.LastDetections)
	assert.False(t, st.AlarmActive)
	assert.False(t, st.LastEventTime.IsZero(), "cooldown anchor survives restarts")
	assert.Len(t, h.store.events, 1, "store survives restarts")

	h.clock.Advance(time.Second)
	res := h.tick(t, everyTick())
	assert.True(t, res.WeaponPresent)
	assert.Nil(t, res.Event, "restart inside the cooldown records no event")
	assert.Len(t, h.store.events, 1)

	h.clock.Advance(5 * time.Second)
	assert.NotNil(t, h.tick(t, everyTick()).Event)
	assert.Len(t, h.store.events, 2)
}

func TestState_ReturnsCopy(t *testing.T) {
	h := newHarness(t, always(knife(0.9)))
	h.tick(t, everyTick())

	st := h.p.State()
	st.LastDetections[0].Label = "CHANGED"
	assert.Equal(t, "KNIFE", h.p.State().LastDetections[0].Label)
}

func TestProcessTick_FPS(t *testing.T) {
	h := newHarness(t, always())
	assert.Zero(t, h.tick(t, DefaultConfig()).FPS)
	h.clock.Advance(100 * time.Millisecond)
	assert.InDelta(t, 10.0, h.tick(t, DefaultConfig()).FPS, 0.001)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"watchpost/internal/metrics"
)

// Options wires a Pipeline to its collaborators.
// Detector and Store are required; the rest are optional.
type Options struct {
	Detector DetectionProvider
	Identity IdentityProvider
	Store    Store
	Notifier Notifier
	Alarm    Alarm
	Renderer Renderer
	Logger   *logrus.Logger
	Now      func() time.Time
}

// Pipeline turns one frame per tick into an annotated frame and side effects.
// It owns its State exclusively and is not safe for concurrent ticks.
type Pipeline struct {
	detector DetectionProvider
	identity IdentityProvider
	store    Store
	notifier Notifier
	alarm    Alarm
	renderer Renderer
	log      *logrus.Entry
	now      func() time.Time

	state State
}

// New creates a pipeline in the stopped state
func New(opts Options) (*Pipeline, error) {
	if opts.Detector == nil {
		return nil, errors.New("pipeline: detection provider is required")
	}
	if opts.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		detector: opts.Detector,
		identity: opts.Identity,
		store:    opts.Store,
		notifier: opts.Notifier,
		alarm:    opts.Alarm,
		renderer: opts.Renderer,
		log:      logger.WithField("component", "pipeline"),
		now:      now,
	}, nil
}

// Start resets the rolling state for a new session.
// The store and the cooldown anchor survive, so a restart after an
// auto-stop cannot record a second event inside the cooldown.
func (p *Pipeline) Start() {
	p.state = State{Running: true, LastEventTime: p.state.LastEventTime}
}

// Halt marks the session stopped and silences a sounding alarm
func (p *Pipeline) Halt(ctx context.Context) {
	if p.state.AlarmActive {
		p.state.AlarmActive = false
		p.stopAlarm(ctx)
	}
	p.state.Running = false
}

// State returns a copy of the rolling state
func (p *Pipeline) State() State {
	return p.state.clone()
}

// ProcessTick runs one frame through detection, identification, fusion,
// alarm, cooldown-gated event creation and overlay rendering.
// Provider, store and notifier failures are reported as warnings on the result;
// an error is returned only for an unusable frame.
func (p *Pipeline) ProcessTick(ctx context.Context, frame *FrameData, cfg Config) (*TickResult, error) {
	if frame == nil || frame.Image == nil {
		return nil, ErrInvalidFrame
	}
	cfg = cfg.normalized()
	started := p.now()

	p.state.FrameCounter++
	n := p.state.FrameCounter
	res := &TickResult{FrameCounter: n, Timestamp: started}

	// Detection and CONTINUOUS identification do not depend on each other,
	// so they run concurrently and are joined before fusion.
	runDetect := shouldDetect(n, cfg)
	runFaces := p.identity != nil && shouldIdentifyContinuous(n, cfg)

	var (
		rawDetections []Detection
		detectErr     error
		faces         []FaceObservation
		faceErr       error
		g             errgroup.Group
	)
	if runDetect {
		g.Go(func() error {
			rawDetections, detectErr = p.detect(ctx, frame, cfg.ConfidenceThreshold)
			return nil
		})
	}
	if runFaces {
		g.Go(func() error {
			faces, faceErr = p.identifyFaces(ctx, frame)
			return nil
		})
	}
	_ = g.Wait()

	var current []Detection
	if runDetect {
		res.DetectionRan = true
		if detectErr != nil {
			p.log.WithError(detectErr).WithField("frame", n).Warn("Detection failed, treating tick as empty")
			res.Warnings = append(res.Warnings, detectErr)
		} else {
			p.state.LastDetections = rawDetections
			current = rawDetections
		}
	} else {
		current = p.state.LastDetections
	}

	kept, threats := filterDetections(current, cfg.ConfidenceThreshold)
	weaponPresent := len(threats) > 0
	res.Detections = kept
	res.Threats = threats
	res.WeaponPresent = weaponPresent

	if !runFaces && p.identity != nil && shouldIdentifyOnThreat(n, cfg, weaponPresent) {
		runFaces = true
		faces, faceErr = p.identifyFaces(ctx, frame)
	}

	if runFaces {
		res.IdentityRan = true
		if faceErr != nil {
			p.log.WithError(faceErr).WithField("frame", n).Warn("Face identification failed, treating tick as faceless")
			res.Warnings = append(res.Warnings, faceErr)
		} else {
			p.state.LastFaceObservations = faces
			res.Faces = faces
		}
	} else {
		res.Faces = p.state.LastFaceObservations
	}

	threshold := 0.0
	if p.identity != nil {
		threshold = p.identity.MatchThreshold()
	}
	res.Suspect = fuseIdentities(res.Faces, threshold)

	// The alarm follows the fused state every tick, independent of the cooldown.
	if weaponPresent && cfg.SoundEnabled {
		p.state.AlarmActive = true
		if p.alarm != nil {
			p.alarm.TriggerAlarm(ctx, res.ThreatLabel())
		}
	} else if p.state.AlarmActive {
		p.state.AlarmActive = false
		res.AlarmStopped = true
		p.stopAlarm(ctx)
	}
	res.AlarmActive = p.state.AlarmActive
	metrics.BoolGauge(metrics.AlarmActive, p.state.AlarmActive)

	now := p.now()
	if weaponPresent && now.Sub(p.state.LastEventTime) > cfg.Cooldown() {
		p.state.LastEventTime = now
		p.raiseEvent(ctx, frame, cfg, res, now)
		if cfg.AutoStop {
			res.StopRequested = true
		}
	}

	if !p.state.lastTickAt.IsZero() {
		if dt := started.Sub(p.state.lastTickAt); dt > 0 {
			res.FPS = float64(time.Second) / float64(dt)
		}
	}
	p.state.lastTickAt = started

	if p.renderer != nil {
		res.Annotated = p.renderer.Render(frame, Scene{
			Detections:  kept,
			Faces:       res.Faces,
			DebugMode:   cfg.DebugMode,
			ThreatLabel: res.ThreatLabel(),
			AlarmActive: res.AlarmActive,
			FPS:         res.FPS,
			Timestamp:   now,
		})
	}

	metrics.TicksProcessed.Inc()
	metrics.TickDuration.Observe(p.now().Sub(started).Seconds())
	return res, nil
}

// detect calls the detection provider and validates its output
func (p *Pipeline) detect(ctx context.Context, frame *FrameData, threshold float64) ([]Detection, error) {
	name := p.detector.Name()
	metrics.ProviderRuns.WithLabelValues(name).Inc()

	detections, err := p.detector.Detect(ctx, frame, threshold)
	if err != nil {
		metrics.ProviderFailures.WithLabelValues(name).Inc()
		return nil, fmt.Errorf("detection provider %s: %w", name, err)
	}
	for _, d := range detections {
		if err := d.Validate(); err != nil {
			metrics.ProviderFailures.WithLabelValues(name).Inc()
			return nil, fmt.Errorf("detection provider %s: %w", name, err)
		}
	}
	return detections, nil
}

// identifyFaces detects face regions and resolves each crop against the gallery.
// Identities at or below the provider's match threshold are dropped so every
// stored observation is either known or unidentified.
func (p *Pipeline) identifyFaces(ctx context.Context, frame *FrameData) ([]FaceObservation, error) {
	name := p.identity.Name()
	metrics.ProviderRuns.WithLabelValues(name).Inc()

	regions, err := p.identity.DetectFaces(ctx, frame)
	if err != nil {
		metrics.ProviderFailures.WithLabelValues(name).Inc()
		return nil, fmt.Errorf("identity provider %s: %w", name, err)
	}

	bounds := frame.Bounds()
	threshold := p.identity.MatchThreshold()
	faces := make([]FaceObservation, 0, len(regions))
	for _, region := range regions {
		box := region.Clamp(bounds)
		if !box.Valid() {
			continue
		}
		obs := FaceObservation{BBox: box}

		id, err := p.identity.Identify(ctx, cropImage(frame.Image, box.Rect()))
		if err != nil {
			metrics.ProviderFailures.WithLabelValues(name).Inc()
			p.log.WithError(err).Debug("Face crop identification failed")
		} else if id != nil && id.Name != "" && id.Confidence > threshold {
			obs.Identity = id
		}
		faces = append(faces, obs)
	}
	return faces, nil
}

// raiseEvent captures evidence, persists the event and notifies.
// The store write always happens before the notifier is consulted.
func (p *Pipeline) raiseEvent(ctx context.Context, frame *FrameData, cfg Config, res *TickResult, now time.Time) {
	event := &ThreatEvent{
		ID:            uuid.New().String(),
		Timestamp:     now,
		ThreatSummary: summarize(res.Threats, res.Suspect),
		Confidence:    EventConfidence,
		Status:        EventStatusUnread,
	}
	res.Event = event
	metrics.ThreatEvents.Inc()

	ref, err := p.store.SaveEvidenceImage(ctx, frame)
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("evidence").Inc()
		p.log.WithError(err).Warn("Failed to save evidence image")
		res.Warnings = append(res.Warnings, fmt.Errorf("failed to save evidence: %w", err))
	} else {
		event.EvidenceImageRef = ref
	}

	if err := p.store.AppendEvent(ctx, event); err != nil {
		metrics.PersistenceFailures.WithLabelValues("event").Inc()
		p.log.WithError(err).WithField("event_id", event.ID).Warn("Failed to persist threat event")
		res.Warnings = append(res.Warnings, fmt.Errorf("failed to persist event: %w", err))
	}

	p.log.WithFields(logrus.Fields{
		"event_id": event.ID,
		"summary":  event.ThreatSummary,
		"evidence": event.EvidenceImageRef,
	}).Info("Threat event recorded")

	if !cfg.EmailEnabled || p.notifier == nil {
		return
	}
	if cfg.AlertDestination == "" {
		p.log.Debug("Alerts enabled without a destination, skipping notification")
		return
	}

	alert := &Alert{
		Event:      event,
		Type:       "WEAPON DETECTED: " + res.ThreatLabel(),
		Confidence: event.Confidence,
		Time:       event.FormattedTime(),
		Suspect:    res.Suspect,
		Message:    cfg.AlertMessage,
	}
	if p.notifier.SendAlert(ctx, alert, event.EvidenceImageRef, cfg.AlertDestination) {
		res.Notified = true
		metrics.Notifications.WithLabelValues("sent").Inc()
		return
	}
	metrics.Notifications.WithLabelValues("failed").Inc()
	p.log.WithField("event_id", event.ID).Warn("Alert notification failed")
	res.Warnings = append(res.Warnings, fmt.Errorf("notification for event %s failed", event.ID))
}

func (p *Pipeline) stopAlarm(ctx context.Context) {
	metrics.AlarmActive.Set(0)
	if p.alarm != nil {
		p.alarm.StopAlarm(ctx)
	}
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// cropImage returns the region of img, sharing pixels when the image supports it
func cropImage(img image.Image, r image.Rectangle) image.Image {
	if si, ok := img.(subImager); ok {
		return si.SubImage(r)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			dst.Set(x-r.Min.X, y-r.Min.Y, img.At(x, y))
		}
	}
	return dst
}

package pipeline

import (
	"context"
	"errors"
	"image"
	"time"
)

var (
	// ErrSourceUnavailable is reported when the camera cannot deliver a frame.
	// It is fatal to the running session.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrMalformedResult marks provider output that failed validation at the adapter boundary
	ErrMalformedResult = errors.New("malformed provider result")

	// ErrInvalidFrame is returned for nil or undecoded frames
	ErrInvalidFrame = errors.New("invalid frame")
)

// DetectionProvider wraps an object detector.
// Implementations must not mutate the frame and must return an empty slice,
// not an error, when nothing is found.
type DetectionProvider interface {
	// Name returns the provider identifier (e.g., "http", "grpc")
	Name() string

	// Detect returns scored detections at or above the provider's internal floor
	Detect(ctx context.Context, frame *FrameData, confThreshold float64) ([]Detection, error)

	// Close releases provider resources
	Close() error
}

// IdentityProvider wraps a face detector and gallery matcher
type IdentityProvider interface {
	Name() string

	// DetectFaces returns face regions in frame coordinates
	DetectFaces(ctx context.Context, frame *FrameData) ([]BBox, error)

	// Identify returns the best gallery match for a face crop, or nil when the
	// gallery is empty or no entry clears the similarity floor
	Identify(ctx context.Context, crop image.Image) (*Identity, error)

	// MatchThreshold is the confidence an identity must exceed to be reported as known
	MatchThreshold() float64

	Close() error
}

// Store persists evidence images, threat events and the criminal gallery.
// AppendEvent must be durable before it returns.
type Store interface {
	SaveEvidenceImage(ctx context.Context, frame *FrameData) (string, error)
	AppendEvent(ctx context.Context, event *ThreatEvent) error
	ListRecentEvents(ctx context.Context, n int) ([]*ThreatEvent, error)
	CountCriminalRecords(ctx context.Context) (int, error)
}

// Notifier delivers alerts to a destination.
// SendAlert reports failure through its return value and never panics.
type Notifier interface {
	SendAlert(ctx context.Context, alert *Alert, evidenceRef string, destination string) bool
}

// Alarm is the live audible/visual alarm channel.
// TriggerAlarm is called on every tick while a threat is present with sound enabled,
// StopAlarm once when that condition ends.
type Alarm interface {
	TriggerAlarm(ctx context.Context, threat string)
	StopAlarm(ctx context.Context)
}

// Scene carries everything the overlay renderer draws for one tick
type Scene struct {
	Detections  []Detection
	Faces       []FaceObservation
	DebugMode   bool
	ThreatLabel string
	AlarmActive bool
	FPS         float64
	Timestamp   time.Time
}

// Renderer draws overlays onto a copy of the frame
type Renderer interface {
	Render(frame *FrameData, scene Scene) *image.RGBA
}

// TickHandler receives tick events published on the EventBus
type TickHandler interface {
	OnTick(event *TickEvent)
}

// TickHandlerFunc adapts a function to TickHandler
type TickHandlerFunc func(event *TickEvent)

// OnTick implements TickHandler
func (f TickHandlerFunc) OnTick(event *TickEvent) { f(event) }

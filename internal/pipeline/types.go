package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"time"
)

// TimestampLayout is the wall-clock format used in persisted event records and alerts
const TimestampLayout = "2006-01-02 15:04:05"

// EventConfidence is the representative score stored on every ThreatEvent.
// Multiple detections are fused into one event, so no single detection score applies.
const EventConfidence = 0.9

// DefaultAlertMessage is sent with notifications when no custom message is configured
const DefaultAlertMessage = "URGENT WARNING: You are in a threat zone! Please evacuate immediately."

// FaceMode controls when the identity provider is consulted
type FaceMode string

const (
	// FaceModeOnThreatOnly - identify faces only on detection ticks that found a threat
	FaceModeOnThreatOnly FaceMode = "on_threat_only"
	// FaceModeContinuous - identify faces on a fixed cadence regardless of threats
	FaceModeContinuous FaceMode = "continuous"
)

// ParseFaceMode accepts the canonical names as well as the upper-case forms
// ("ON_THREAT_ONLY", "CONTINUOUS") used by older dashboards.
func ParseFaceMode(s string) (FaceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on_threat_only", "on-threat-only", "on threat only":
		return FaceModeOnThreatOnly, nil
	case "continuous", "continuous scan":
		return FaceModeContinuous, nil
	default:
		return "", fmt.Errorf("unknown face mode %q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so YAML and JSON configs can use either spelling
func (m *FaceMode) UnmarshalText(text []byte) error {
	mode, err := ParseFaceMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// FrameData represents one captured video frame.
// Image is the decoded frame, Data its JPEG encoding. Neither is mutated once built.
type FrameData struct {
	Seq       uint64      // Frame sequence number from the source
	Timestamp time.Time   // Capture timestamp
	Data      []byte      // JPEG frame data
	Image     image.Image // Decoded frame
}

// NewFrame builds a frame from an already decoded image, encoding it to JPEG for
// providers that consume bytes.
func NewFrame(seq uint64, ts time.Time, img image.Image) (*FrameData, error) {
	if img == nil {
		return nil, ErrInvalidFrame
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return &FrameData{Seq: seq, Timestamp: ts, Data: buf.Bytes(), Image: img}, nil
}

// DecodeFrame builds a frame from JPEG bytes
func DecodeFrame(seq uint64, ts time.Time, data []byte) (*FrameData, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &FrameData{Seq: seq, Timestamp: ts, Data: data, Image: img}, nil
}

// Bounds returns the pixel bounds of the frame
func (f *FrameData) Bounds() image.Rectangle {
	if f == nil || f.Image == nil {
		return image.Rectangle{}
	}
	return f.Image.Bounds()
}

// BBox is an axis-aligned rectangle in frame pixel coordinates
type BBox struct {
	X1 int `json:"x1"` // Left
	Y1 int `json:"y1"` // Top
	X2 int `json:"x2"` // Right
	Y2 int `json:"y2"` // Bottom
}

// Valid reports whether the box has positive area
func (b BBox) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// Rect converts the box to an image.Rectangle
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Clamp restricts the box to the given bounds. The result may be invalid
// when the box lies entirely outside.
func (b BBox) Clamp(bounds image.Rectangle) BBox {
	r := b.Rect().Intersect(bounds)
	return BBox{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

// Detection represents one candidate object observed by a detection provider
type Detection struct {
	Label      string  `json:"label"`      // Provider class name
	Confidence float64 `json:"confidence"` // Detection confidence [0-1]
	BBox       BBox    `json:"bbox"`       // Bounding box in pixels
	IsThreat   bool    `json:"is_threat"`  // Label belongs to the threat taxonomy
}

// Validate checks the fields every provider must fill
func (d Detection) Validate() error {
	if strings.TrimSpace(d.Label) == "" {
		return fmt.Errorf("%w: empty label", ErrMalformedResult)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f out of range", ErrMalformedResult, d.Confidence)
	}
	if !d.BBox.Valid() {
		return fmt.Errorf("%w: degenerate bbox %+v", ErrMalformedResult, d.BBox)
	}
	return nil
}

// Identity is a gallery match for a face crop
type Identity struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"` // 1 - cosine distance
}

// FaceObservation is one face region plus its resolved identity, if any.
// A nil Identity means the face is unidentified.
type FaceObservation struct {
	BBox     BBox      `json:"bbox"`
	Identity *Identity `json:"identity,omitempty"`
}

// Known reports whether the face was matched to a gallery entry
func (f FaceObservation) Known() bool {
	return f.Identity != nil
}

// EventStatus is the read state of a persisted ThreatEvent
type EventStatus string

const (
	EventStatusUnread EventStatus = "UNREAD"
	EventStatusRead   EventStatus = "READ"
)

// ThreatEvent is a cooldown-gated alert produced by the pipeline
type ThreatEvent struct {
	ID               string      `json:"id"`
	Timestamp        time.Time   `json:"-"`
	ThreatSummary    string      `json:"threat_summary"`
	Confidence       float64     `json:"confidence"`
	EvidenceImageRef string      `json:"evidence_image_path"`
	Status           EventStatus `json:"status"`
}

// FormattedTime returns the legacy record timestamp (YYYY-MM-DD HH:MM:SS)
func (e *ThreatEvent) FormattedTime() string {
	return e.Timestamp.Format(TimestampLayout)
}

// Alert is the notification payload derived from a ThreatEvent
type Alert struct {
	Event      *ThreatEvent `json:"-"`
	Type       string       `json:"type"`
	Confidence float64      `json:"confidence"`
	Time       string       `json:"time"`
	Suspect    string       `json:"suspect"`
	Message    string       `json:"message"`
}

// Config is the per-tick configuration supplied by the caller.
// The pipeline never mutates it.
type Config struct {
	ConfidenceThreshold   float64  `yaml:"confidence_threshold" json:"confidence_threshold"`
	DebugMode             bool     `yaml:"debug_mode" json:"debug_mode"`
	FaceMode              FaceMode `yaml:"face_mode" json:"face_mode"`
	AutoStop              bool     `yaml:"auto_stop" json:"auto_stop"`
	SoundEnabled          bool     `yaml:"sound_enabled" json:"sound_enabled"`
	EmailEnabled          bool     `yaml:"email_enabled" json:"email_enabled"` // Enables the alert notifier
	CooldownSeconds       float64  `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	DetectionCadence      int      `yaml:"detection_cadence" json:"detection_cadence"`
	ContinuousFaceCadence int      `yaml:"continuous_face_cadence" json:"continuous_face_cadence"`
	AlertDestination      string   `yaml:"alert_destination" json:"alert_destination"`
	AlertMessage          string   `yaml:"alert_message" json:"alert_message"`
}

// DefaultConfig returns the out-of-the-box tick configuration
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:   0.25,
		FaceMode:              FaceModeOnThreatOnly,
		SoundEnabled:          true,
		CooldownSeconds:       5,
		DetectionCadence:      2,
		ContinuousFaceCadence: 5,
		AlertMessage:          DefaultAlertMessage,
	}
}

// Cooldown returns the minimum spacing between two ThreatEvents
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds * float64(time.Second))
}

// Validate reports every out-of-range field
func (c Config) Validate() error {
	var errs []error
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence_threshold must be within [0,1], got %v", c.ConfidenceThreshold))
	}
	if c.FaceMode != FaceModeOnThreatOnly && c.FaceMode != FaceModeContinuous {
		errs = append(errs, fmt.Errorf("face_mode %q is not supported", c.FaceMode))
	}
	if c.CooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("cooldown_seconds must not be negative"))
	}
	if c.DetectionCadence < 1 {
		errs = append(errs, fmt.Errorf("detection_cadence must be at least 1"))
	}
	if c.ContinuousFaceCadence < 1 {
		errs = append(errs, fmt.Errorf("continuous_face_cadence must be at least 1"))
	}
	return errors.Join(errs...)
}

// normalized fills zero-valued cadence fields so a partially built Config
// cannot cause a modulo by zero.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.DetectionCadence < 1 {
		c.DetectionCadence = def.DetectionCadence
	}
	if c.ContinuousFaceCadence < 1 {
		c.ContinuousFaceCadence = def.ContinuousFaceCadence
	}
	if c.FaceMode == "" {
		c.FaceMode = def.FaceMode
	}
	if c.AlertMessage == "" {
		c.AlertMessage = DefaultAlertMessage
	}
	return c
}

// State is the rolling per-session state owned by one Pipeline
type State struct {
	Running              bool              `json:"running"`
	LastDetections       []Detection       `json:"last_detections"`
	LastFaceObservations []FaceObservation `json:"last_face_observations"`
	AlarmActive          bool              `json:"alarm_active"`
	LastEventTime        time.Time         `json:"last_event_time"`
	FrameCounter         uint64            `json:"frame_counter"`

	lastTickAt time.Time
}

// clone returns a copy whose slices do not alias the pipeline's own
func (s State) clone() State {
	out := s
	out.LastDetections = append([]Detection(nil), s.LastDetections...)
	out.LastFaceObservations = append([]FaceObservation(nil), s.LastFaceObservations...)
	return out
}

// TickResult is the side-effect record of one processed frame
type TickResult struct {
	FrameCounter  uint64            `json:"frame_counter"`
	Timestamp     time.Time         `json:"timestamp"`
	DetectionRan  bool              `json:"detection_ran"`
	IdentityRan   bool              `json:"identity_ran"`
	Detections    []Detection       `json:"detections"` // Retained after the threshold filter
	Faces         []FaceObservation `json:"faces"`
	WeaponPresent bool              `json:"weapon_present"`
	Threats       []string          `json:"threats"`
	Suspect       string            `json:"suspect"`
	AlarmActive   bool              `json:"alarm_active"`
	AlarmStopped  bool              `json:"alarm_stopped"`
	Event         *ThreatEvent      `json:"event,omitempty"`
	Notified      bool              `json:"notified"`
	StopRequested bool              `json:"stop_requested"`
	FPS           float64           `json:"fps"`
	Annotated     *image.RGBA       `json:"-"`
	Warnings      []error           `json:"-"`
}

// ThreatLabel joins the distinct threat labels of the tick
func (r *TickResult) ThreatLabel() string {
	return strings.Join(r.Threats, ", ")
}

package camera

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"watchpost/internal/pipeline"
)

// Source delivers frames from one camera.
// Read errors wrap pipeline.ErrSourceUnavailable and are fatal to the session using the source.
type Source interface {
	// Open acquires the device. It must be paired with Close.
	Open(ctx context.Context) error
	// Read blocks until the next frame is available
	Read(ctx context.Context) (*pipeline.FrameData, error)
	// Close releases the device. It is safe to call more than once.
	Close() error
	Device() string
	Stats() Stats
}

// Config describes the capture device
type Config struct {
	Device      string        `yaml:"device" json:"device"` // /dev/videoN, rtsp://, http(s):// stream or snapshot URL
	FPS         int           `yaml:"fps" json:"fps"`
	Width       int           `yaml:"width" json:"width"`
	Height      int           `yaml:"height" json:"height"`
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"` // Longest wait for one frame
	FFmpegPath  string        `yaml:"ffmpeg_path" json:"ffmpeg_path"`
}

// DefaultConfig returns a 640x480 webcam at 15 fps
func DefaultConfig() Config {
	return Config{
		Device:      "/dev/video0",
		FPS:         15,
		Width:       640,
		Height:      480,
		ReadTimeout: 10 * time.Second,
		FFmpegPath:  "ffmpeg",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FPS <= 0 {
		c.FPS = def.FPS
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = def.Width, def.Height
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = def.FFmpegPath
	}
	return c
}

// NewSource picks the capture strategy for the configured device:
// HTTP image endpoints are polled, everything else goes through ffmpeg.
func NewSource(cfg Config, logger *logrus.Logger) (Source, error) {
	if strings.TrimSpace(cfg.Device) == "" {
		return nil, fmt.Errorf("camera device is required")
	}
	cfg = cfg.withDefaults()
	if isHTTPImageEndpoint(cfg.Device) {
		return NewSnapshotSource(cfg, logger), nil
	}
	return NewFFmpegSource(cfg, logger), nil
}

// Stats reports capture counters
type Stats struct {
	Device         string    `json:"device"`
	FramesCaptured uint64    `json:"frames_captured"`
	FramesDropped  uint64    `json:"frames_dropped"`
	LastFrameTime  time.Time `json:"last_frame_time"`
}

type statsRecorder struct {
	mu    sync.RWMutex
	stats Stats
}

func (r *statsRecorder) captured(at time.Time) {
	r.mu.Lock()
	r.stats.FramesCaptured++
	r.stats.LastFrameTime = at
	r.mu.Unlock()
}

func (r *statsRecorder) dropped() {
	r.mu.Lock()
	r.stats.FramesDropped++
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// isNetworkSource checks if device is an HTTP/RTSP URL
func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

// isHTTPImageEndpoint matches single-image URLs that must be polled rather than streamed
func isHTTPImageEndpoint(device string) bool {
	return (strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://")) &&
		(strings.Contains(device, ".jpg") || strings.Contains(device, ".jpeg") || strings.Contains(device, "snapshot"))
}

// deviceAccessible checks that a local device node exists and can be opened
func deviceAccessible(device string) error {
	if isNetworkSource(device) {
		return nil
	}
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("camera device %s is not accessible: %w", device, err)
	}
	return file.Close()
}

func unavailable(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", pipeline.ErrSourceUnavailable, fmt.Sprintf(format, args...))
}

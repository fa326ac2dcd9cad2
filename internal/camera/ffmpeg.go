package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"watchpost/internal/pipeline"
)

// FFmpegSource captures frames by piping ffmpeg's MJPEG output.
// Only the newest frame is kept; older unread frames are dropped.
type FFmpegSource struct {
	cfg Config
	log *logrus.Entry

	mu     sync.Mutex
	cmd    *exec.Cmd
	frames chan []byte
	done   chan struct{}
	err    error // capture loop exit reason, valid once done is closed

	seq   atomic.Uint64
	stats statsRecorder
}

// NewFFmpegSource creates an ffmpeg-backed source. Nothing is started until Open.
func NewFFmpegSource(cfg Config, logger *logrus.Logger) *FFmpegSource {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg = cfg.withDefaults()
	return &FFmpegSource{
		cfg:   cfg,
		log:   logger.WithFields(logrus.Fields{"component": "camera", "device": cfg.Device}),
		stats: statsRecorder{stats: Stats{Device: cfg.Device}},
	}
}

func (s *FFmpegSource) Device() string {
	return s.cfg.Device
}

// Stats returns capture counters
func (s *FFmpegSource) Stats() Stats {
	return s.stats.snapshot()
}

// Open starts the ffmpeg process
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("camera %s already open", s.cfg.Device)
	}
	if err := deviceAccessible(s.cfg.Device); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrSourceUnavailable, err)
	}

	cmd := exec.Command(s.cfg.FFmpegPath, ffmpegArgs(s.cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return unavailable("failed to start ffmpeg: %v", err)
	}

	s.cmd = cmd
	s.frames = make(chan []byte, 1)
	s.done = make(chan struct{})
	s.err = nil

	go s.drainStderr(stderr)
	go s.capture(stdout, s.frames, s.done)

	s.log.WithField("fps", s.cfg.FPS).Info("Started capture")
	return nil
}

// Read returns the newest captured frame, waiting up to the read timeout
func (s *FFmpegSource) Read(ctx context.Context) (*pipeline.FrameData, error) {
	s.mu.Lock()
	frames, done := s.frames, s.done
	s.mu.Unlock()
	if frames == nil {
		return nil, unavailable("camera %s is not open", s.cfg.Device)
	}

	timer := time.NewTimer(s.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case data := <-frames:
		frame, err := pipeline.DecodeFrame(s.seq.Add(1), time.Now(), data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", pipeline.ErrSourceUnavailable, err)
		}
		return frame, nil
	case <-done:
		return nil, unavailable("capture ended: %v", s.exitErr())
	case <-timer.C:
		return nil, unavailable("no frame within %s", s.cfg.ReadTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close kills ffmpeg and waits for the capture loop to exit
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.cmd, s.frames, s.done = nil, nil, nil
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.WithError(err).Warn("Failed to kill ffmpeg")
		}
	}
	<-done
	// a killed ffmpeg always exits with an error
	if err := cmd.Wait(); err != nil {
		s.log.WithError(err).Debug("ffmpeg exited")
	}

	s.log.Info("Stopped capture")
	return nil
}

func (s *FFmpegSource) exitErr() error {
	if s.err == nil {
		return io.EOF
	}
	return s.err
}

func (s *FFmpegSource) capture(stdout io.Reader, frames chan []byte, done chan struct{}) {
	err := readFrames(stdout, func(data []byte) {
		s.stats.captured(time.Now())
		if !offerLatest(frames, data) {
			s.stats.dropped()
		}
	})
	s.err = err
	if err != nil && !errors.Is(err, io.EOF) {
		s.log.WithError(err).Error("Capture loop failed")
	}
	close(done)
}

func (s *FFmpegSource) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.log.Debug(scanner.Text())
	}
}

// offerLatest puts data in a one-slot channel, replacing any unread frame.
// It reports false when a frame was replaced. Only one goroutine may send.
func offerLatest(ch chan []byte, data []byte) bool {
	select {
	case ch <- data:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- data:
	default:
	}
	return false
}

// readFrames splits a concatenated MJPEG byte stream into JPEG images
func readFrames(r io.Reader, emit func([]byte)) error {
	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			frameBuffer = append(frameBuffer, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&frameBuffer)
				if frame == nil {
					break
				}
				emit(frame)
			}
		}
		if err != nil {
			return err
		}
	}
}

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	// Find JPEG start marker (FFD8)
	startIdx := -1
	for i := 0; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		// Keep the last byte in case it is the first half of a marker
		*buffer = (*buffer)[len(*buffer)-1:]
		return nil
	}

	// Find JPEG end marker (FFD9)
	endIdx := -1
	for i := startIdx + 2; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}

// ffmpegArgs builds the image2pipe command line for the device type
func ffmpegArgs(cfg Config) []string {
	fps := fmt.Sprintf("%d", cfg.FPS)
	out := []string{"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-"}

	switch {
	case strings.HasPrefix(cfg.Device, "rtsp://"):
		return append([]string{"-rtsp_transport", "tcp", "-i", cfg.Device, "-r", fps}, out...)
	case strings.HasPrefix(cfg.Device, "http://"), strings.HasPrefix(cfg.Device, "https://"):
		return append([]string{"-i", cfg.Device, "-r", fps}, out...)
	default:
		// V4L2 device (USB camera)
		return append([]string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"-framerate", fps,
			"-i", cfg.Device,
		}, out...)
	}
}

var _ Source = (*FFmpegSource)(nil)

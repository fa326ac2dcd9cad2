// Package stream serves the annotated frames as an MJPEG stream and as single snapshots
package stream

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"watchpost/internal/pipeline"
)

// Broadcaster keeps the latest annotated frame and pushes every new one to
// connected MJPEG clients. Slow clients skip frames.
type Broadcaster struct {
	clients   map[chan []byte]bool
	clientsMu sync.RWMutex

	currentFrame []byte
	frameTime    time.Time
	frameSeq     uint64
	frameMu      sync.RWMutex

	log *logrus.Entry
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster(logger *logrus.Logger) *Broadcaster {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Broadcaster{
		clients: make(map[chan []byte]bool),
		log:     logger.WithField("component", "mjpeg"),
	}
}

// OnTick implements pipeline.TickHandler, publishing the tick's annotated frame
func (b *Broadcaster) OnTick(ev *pipeline.TickEvent) {
	if len(ev.Frame) == 0 {
		return
	}
	b.Publish(ev.Frame, ev.Timestamp)
}

// Publish replaces the current frame and broadcasts it
func (b *Broadcaster) Publish(frame []byte, ts time.Time) {
	b.frameMu.Lock()
	b.currentFrame = frame
	b.frameTime = ts
	b.frameSeq++
	seq := b.frameSeq
	b.frameMu.Unlock()

	b.clientsMu.RLock()
	for ch := range b.clients {
		select {
		case ch <- frame:
		default:
		}
	}
	b.clientsMu.RUnlock()

	if seq%100 == 0 {
		b.log.WithField("seq", seq).Debug("Frame sequence")
	}
}

// Latest returns the most recent frame and its capture time
func (b *Broadcaster) Latest() ([]byte, time.Time, bool) {
	b.frameMu.RLock()
	defer b.frameMu.RUnlock()
	return b.currentFrame, b.frameTime, b.currentFrame != nil
}

// FrameSeq returns the number of frames published so far
func (b *Broadcaster) FrameSeq() uint64 {
	b.frameMu.RLock()
	defer b.frameMu.RUnlock()
	return b.frameSeq
}

// ClientCount returns the number of connected stream clients
func (b *Broadcaster) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

// ServeHTTP serves the MJPEG stream until the client disconnects
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	clientCh := make(chan []byte, 5)
	b.clientsMu.Lock()
	b.clients[clientCh] = true
	b.clientsMu.Unlock()
	defer func() {
		b.clientsMu.Lock()
		delete(b.clients, clientCh)
		b.clientsMu.Unlock()
	}()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	b.log.WithField("remote", r.RemoteAddr).Debug("Stream client connected")

	// Start with the current frame so the viewer is not blank until the next tick
	if frame, _, ok := b.Latest(); ok {
		if writePart(w, frame) != nil {
			return
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			b.log.WithField("remote", r.RemoteAddr).Debug("Stream client disconnected")
			return
		case frame := <-clientCh:
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w io.Writer, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// SnapshotHandler serves the latest frame as a single JPEG
type SnapshotHandler struct {
	source interface {
		Latest() ([]byte, time.Time, bool)
	}
}

// NewSnapshotHandler creates a new snapshot handler
func NewSnapshotHandler(b *Broadcaster) *SnapshotHandler {
	return &SnapshotHandler{source: b}
}

// ServeHTTP serves a single JPEG snapshot
func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frame, ts, ok := h.source.Latest()
	if !ok {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Header().Set("Last-Modified", ts.UTC().Format(http.TimeFormat))
	w.Write(frame)
}

var _ pipeline.TickHandler = (*Broadcaster)(nil)

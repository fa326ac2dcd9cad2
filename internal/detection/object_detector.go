package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"
	"time"
)

// ObjectDetector is an HTTP client for a YOLO-style object detection service
type ObjectDetector struct {
	endpoint    string
	client      *http.Client
	healthy     bool
	healthCheck time.Time
	mu          sync.Mutex
}

// Detection represents a detected object as returned by the service
type Detection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

// DetectionResult represents the full detection response
type DetectionResult struct {
	Detections      []Detection `json:"detections"`
	Count           int         `json:"count"`
	InferenceTimeMs float32     `json:"inference_time_ms"`
	Device          string      `json:"device"`
	ModelSize       string      `json:"model_size"`
}

// ObjectDetectorConfig configures the HTTP detection client
type ObjectDetectorConfig struct {
	Endpoint string
	Timeout  time.Duration // Zero disables the per-request timeout
}

// NewObjectDetector creates a new HTTP object detection client
func NewObjectDetector(cfg ObjectDetectorConfig) *ObjectDetector {
	return &ObjectDetector{
		endpoint: cfg.Endpoint,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Endpoint returns the service base URL
func (od *ObjectDetector) Endpoint() string {
	return od.endpoint
}

// IsHealthy checks if the detection service is available.
// A positive result is cached for 30 seconds.
func (od *ObjectDetector) IsHealthy(ctx context.Context) bool {
	od.mu.Lock()
	if od.healthy && time.Since(od.healthCheck) < 30*time.Second {
		od.mu.Unlock()
		return true
	}
	od.mu.Unlock()

	healthy := checkHealth(ctx, od.client, od.endpoint+"/health") == nil

	od.mu.Lock()
	od.healthy = healthy
	if healthy {
		od.healthCheck = time.Now()
	}
	od.mu.Unlock()
	return healthy
}

// DetectObjects posts a JPEG frame and returns every detection at or above confThreshold
func (od *ObjectDetector) DetectObjects(ctx context.Context, imageData []byte, confThreshold float64) (*DetectionResult, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(imageData); err != nil {
		return nil, err
	}
	if err := w.WriteField("conf_threshold", fmt.Sprintf("%.2f", confThreshold)); err != nil {
		return nil, err
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, od.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := od.client.Do(req)
	if err != nil {
		od.markUnhealthy()
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("detection failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result DetectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode detection response: %w", err)
	}
	return &result, nil
}

func (od *ObjectDetector) markUnhealthy() {
	od.mu.Lock()
	od.healthy = false
	od.mu.Unlock()
}

// checkHealth issues a GET and expects 200
func checkHealth(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

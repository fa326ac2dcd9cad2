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
	"net/url"
	"sync"
	"time"
)

// FaceRecognizer is an HTTP client for the face detection and gallery matching service
type FaceRecognizer struct {
	endpoint   string
	client     *http.Client
	threshold  float32 // similarity a match must exceed
	mu         sync.RWMutex
	healthy    bool
	knownFaces int
	lastHealth time.Time
}

// FaceRecognizerConfig holds configuration for the face recognition service
type FaceRecognizerConfig struct {
	ServiceEndpoint     string
	SimilarityThreshold float32
	Timeout             time.Duration
}

// FaceDetection represents a detected face
type FaceDetection struct {
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
	Confidence float32   `json:"confidence"`
}

// FaceRecognition represents a recognized face.
// Similarity is 1 - cosine distance to the closest gallery embedding.
type FaceRecognition struct {
	BBox       []float32 `json:"bbox"`
	Confidence float32   `json:"confidence"`
	Identity   *string   `json:"identity"`
	Similarity float32   `json:"similarity"`
	IsKnown    bool      `json:"is_known"`
}

// FaceRecognitionResult represents the result of face recognition
type FaceRecognitionResult struct {
	Recognitions        []FaceRecognition `json:"recognitions"`
	Count               int               `json:"count"`
	KnownCount          int               `json:"known_count"`
	InferenceTimeMs     float32           `json:"inference_time_ms"`
	SimilarityThreshold float32           `json:"similarity_threshold"`
}

// FaceDetectResult represents the result of face detection (without recognition)
type FaceDetectResult struct {
	Faces           []FaceDetection `json:"faces"`
	Count           int             `json:"count"`
	InferenceTimeMs float32         `json:"inference_time_ms"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status          string `json:"status"`
	Device          string `json:"device"`
	ModelLoaded     bool   `json:"model_loaded"`
	KnownFacesCount int    `json:"known_faces_count"`
}

// NewFaceRecognizer creates a new face recognition client
func NewFaceRecognizer(config FaceRecognizerConfig) *FaceRecognizer {
	threshold := config.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.5 // default threshold
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &FaceRecognizer{
		endpoint:  config.ServiceEndpoint,
		threshold: threshold,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Threshold returns the similarity threshold used for matching
func (fr *FaceRecognizer) Threshold() float32 {
	return fr.threshold
}

// IsHealthy returns the result of the last health check
func (fr *FaceRecognizer) IsHealthy() bool {
	fr.mu.RLock()
	defer fr.mu.RUnlock()
	return fr.healthy
}

// KnownFaces returns the gallery size reported by the last health check
func (fr *FaceRecognizer) KnownFaces() int {
	fr.mu.RLock()
	defer fr.mu.RUnlock()
	return fr.knownFaces
}

// CheckHealth checks if the face recognition service is available
func (fr *FaceRecognizer) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fr.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := fr.client.Do(req)
	if err != nil {
		fr.setHealth(false, 0)
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fr.setHealth(false, 0)
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fr.setHealth(false, 0)
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	ok := health.Status == "healthy" && health.ModelLoaded
	fr.setHealth(ok, health.KnownFacesCount)
	if !ok {
		return fmt.Errorf("service unhealthy: status=%s, model_loaded=%v", health.Status, health.ModelLoaded)
	}
	return nil
}

func (fr *FaceRecognizer) setHealth(healthy bool, known int) {
	fr.mu.Lock()
	fr.healthy = healthy
	fr.knownFaces = known
	fr.lastHealth = time.Now()
	fr.mu.Unlock()
}

// DetectFaces finds face regions in a full frame without recognition
func (fr *FaceRecognizer) DetectFaces(ctx context.Context, imageData []byte) (*FaceDetectResult, error) {
	body, err := fr.sendImageRequest(ctx, fr.endpoint+"/detect", imageData, nil)
	if err != nil {
		return nil, err
	}

	var result FaceDetectResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode detect response: %w", err)
	}
	return &result, nil
}

// RecognizeFaces detects and matches faces in an image (typically a single face crop)
func (fr *FaceRecognizer) RecognizeFaces(ctx context.Context, imageData []byte) (*FaceRecognitionResult, error) {
	fields := map[string]string{"threshold": fmt.Sprintf("%.2f", fr.threshold)}
	body, err := fr.sendImageRequest(ctx, fr.endpoint+"/recognize", imageData, fields)
	if err != nil {
		return nil, err
	}

	var result FaceRecognitionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode recognize response: %w", err)
	}
	return &result, nil
}

// RegisterFace adds a named face to the service gallery
func (fr *FaceRecognizer) RegisterFace(ctx context.Context, name string, imageData []byte) error {
	_, err := fr.sendImageRequest(ctx, fr.endpoint+"/faces/register", imageData, map[string]string{"name": name})
	return err
}

// DeleteFace removes a named face from the service gallery
func (fr *FaceRecognizer) DeleteFace(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fr.endpoint+"/faces/"+url.PathEscape(name), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := fr.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("delete face failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// sendImageRequest posts an image (plus optional form fields) to a recognition endpoint
func (fr *FaceRecognizer) sendImageRequest(ctx context.Context, url string, imageData []byte, fields map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := fr.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// Close releases idle connections
func (fr *FaceRecognizer) Close() error {
	fr.client.CloseIdleConnections()
	return nil
}

// BestMatch returns the known recognition with the highest similarity, or nil
func (result *FaceRecognitionResult) BestMatch() *FaceRecognition {
	var best *FaceRecognition
	for i := range result.Recognitions {
		rec := &result.Recognitions[i]
		if !rec.IsKnown || rec.Identity == nil || *rec.Identity == "" {
			continue
		}
		if best == nil || rec.Similarity > best.Similarity {
			best = rec
		}
	}
	return best
}

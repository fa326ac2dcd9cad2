package detectors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"watchpost/internal/detection"
	"watchpost/internal/pipeline"
)

// Provider kinds understood by the default registry
const (
	KindHTTP = "http"
	KindGRPC = "grpc"
	KindNone = "none"
)

// ErrUnknownProvider is returned when a configured kind has no factory
var ErrUnknownProvider = errors.New("unknown provider")

// ProviderConfig selects and configures one provider
type ProviderConfig struct {
	Kind           string        `yaml:"kind" json:"kind"`
	Endpoint       string        `yaml:"endpoint" json:"endpoint"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	ThreatClasses  []string      `yaml:"threat_classes" json:"threat_classes"`   // Extra taxonomy entries (detection only)
	MatchThreshold float64       `yaml:"match_threshold" json:"match_threshold"` // Gallery similarity floor (identity only)
}

// DetectionFactory builds a detection provider from its configuration
type DetectionFactory func(cfg ProviderConfig) (pipeline.DetectionProvider, error)

// IdentityFactory builds an identity provider from its configuration
type IdentityFactory func(cfg ProviderConfig) (pipeline.IdentityProvider, error)

// HealthChecker is implemented by providers backed by a remote service
type HealthChecker interface {
	Name() string
	IsHealthy(ctx context.Context) bool
}

var (
	_ HealthChecker = (*HTTPAdapter)(nil)
	_ HealthChecker = (*GRPCAdapter)(nil)
	_ HealthChecker = (*FaceAdapter)(nil)
)

// Registry maps provider kinds to factories.
// Selection is always by explicit kind; there is no fallback.
type Registry struct {
	detection map[string]DetectionFactory
	identity  map[string]IdentityFactory
	mu        sync.RWMutex
}

// NewRegistry creates a registry preloaded with the built-in providers
func NewRegistry() *Registry {
	r := &Registry{
		detection: make(map[string]DetectionFactory),
		identity:  make(map[string]IdentityFactory),
	}
	r.RegisterDetection(KindHTTP, newHTTPDetection)
	r.RegisterDetection(KindGRPC, newGRPCDetection)
	r.RegisterIdentity(KindHTTP, newHTTPIdentity)
	r.RegisterIdentity(KindGRPC, newGRPCIdentity)
	r.RegisterIdentity(KindNone, func(ProviderConfig) (pipeline.IdentityProvider, error) {
		return DisabledIdentity{}, nil
	})
	return r
}

// RegisterDetection adds a detection factory
func (r *Registry) RegisterDetection(kind string, factory DetectionFactory) error {
	if kind == "" {
		return fmt.Errorf("provider kind cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.detection[kind]; exists {
		return fmt.Errorf("detection provider %q already registered", kind)
	}
	r.detection[kind] = factory
	return nil
}

// RegisterIdentity adds an identity factory
func (r *Registry) RegisterIdentity(kind string, factory IdentityFactory) error {
	if kind == "" {
		return fmt.Errorf("provider kind cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.identity[kind]; exists {
		return fmt.Errorf("identity provider %q already registered", kind)
	}
	r.identity[kind] = factory
	return nil
}

// NewDetection builds the detection provider named by cfg.Kind
func (r *Registry) NewDetection(cfg ProviderConfig) (pipeline.DetectionProvider, error) {
	r.mu.RLock()
	factory, ok := r.detection[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: detection kind %q", ErrUnknownProvider, cfg.Kind)
	}
	return factory(cfg)
}

// NewIdentity builds the identity provider named by cfg.Kind
func (r *Registry) NewIdentity(cfg ProviderConfig) (pipeline.IdentityProvider, error) {
	r.mu.RLock()
	factory, ok := r.identity[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: identity kind %q", ErrUnknownProvider, cfg.Kind)
	}
	return factory(cfg)
}

// DetectionKinds returns the registered detection kinds, sorted
func (r *Registry) DetectionKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.detection))
	for name := range r.detection {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IdentityKinds returns the registered identity kinds, sorted
func (r *Registry) IdentityKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.identity))
	for name := range r.identity {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newHTTPDetection(cfg ProviderConfig) (pipeline.DetectionProvider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("http detection provider requires an endpoint")
	}
	client := detection.NewObjectDetector(detection.ObjectDetectorConfig{
		Endpoint: cfg.Endpoint,
		Timeout:  cfg.Timeout,
	})
	return NewHTTPAdapter(client, NewTaxonomy(cfg.ThreatClasses...)), nil
}

func newGRPCDetection(cfg ProviderConfig) (pipeline.DetectionProvider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("grpc detection provider requires an endpoint")
	}
	client, err := detection.NewGRPCDetector(detection.GRPCDetectorConfig{
		Endpoint: cfg.Endpoint,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return NewGRPCAdapter(client, NewTaxonomy(cfg.ThreatClasses...)), nil
}

func newHTTPIdentity(cfg ProviderConfig) (pipeline.IdentityProvider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("http identity provider requires an endpoint")
	}
	recognizer := detection.NewFaceRecognizer(detection.FaceRecognizerConfig{
		ServiceEndpoint:     cfg.Endpoint,
		SimilarityThreshold: float32(cfg.MatchThreshold),
		Timeout:             cfg.Timeout,
	})
	return NewFaceAdapter(recognizer), nil
}

func newGRPCIdentity(cfg ProviderConfig) (pipeline.IdentityProvider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("grpc identity provider requires an endpoint")
	}
	recognizer, err := detection.NewGRPCFaceRecognizer(detection.GRPCFaceRecognizerConfig{
		Endpoint:            cfg.Endpoint,
		SimilarityThreshold: float32(cfg.MatchThreshold),
		Timeout:             cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return NewGRPCFaceAdapter(recognizer), nil
}

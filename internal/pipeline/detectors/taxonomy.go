package detectors

import (
	"strings"
)

// DefaultFloor is the lowest confidence requested from a detection service.
// Lower user thresholds are passed through unchanged.
const DefaultFloor = 0.15

// ProxyConfidence is the score a proxy class must exceed to count as a threat
const ProxyConfidence = 0.35

// DefaultThreatClasses are matched as substrings of the lower-cased class name
var DefaultThreatClasses = []string{
	"knife", "scissors", "baseball bat", "fork", "fire extinguisher",
	"tools", "blade", "gun", "weapon", "handgun", "pistol", "rifle",
	"bottle", "umbrella", "hammer", "screwdriver",
}

// DefaultProxyClasses stand in for weapons during testing and only count above ProxyConfidence
var DefaultProxyClasses = []string{"remote", "cell phone"}

// Taxonomy decides which detector classes are threats
type Taxonomy struct {
	classes []string
	proxies map[string]float64
	floor   float64
}

// NewTaxonomy builds the default taxonomy plus any extra threat classes
func NewTaxonomy(extra ...string) *Taxonomy {
	t := &Taxonomy{
		proxies: make(map[string]float64, len(DefaultProxyClasses)),
		floor:   DefaultFloor,
	}
	t.classes = append(t.classes, DefaultThreatClasses...)
	for _, c := range extra {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			t.classes = append(t.classes, c)
		}
	}
	for _, p := range DefaultProxyClasses {
		t.proxies[p] = ProxyConfidence
	}
	return t
}

// IsThreat classifies a raw class name at the given confidence
func (t *Taxonomy) IsThreat(class string, confidence float64) bool {
	name := strings.ToLower(strings.TrimSpace(class))
	if name == "" {
		return false
	}
	for _, c := range t.classes {
		if strings.Contains(name, c) {
			return true
		}
	}
	if above, ok := t.proxies[name]; ok {
		return confidence > above
	}
	return false
}

// QueryThreshold is the confidence sent to the detection service
func (t *Taxonomy) QueryThreshold(userThreshold float64) float64 {
	if userThreshold < t.floor {
		return userThreshold
	}
	return t.floor
}


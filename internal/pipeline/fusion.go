package pipeline

import (
	"fmt"
	"strings"
)

const (
	// SuspectUnidentified labels a scene with no gallery match
	SuspectUnidentified = "Unidentified individual"
	suspectKnownPrefix  = "Known suspect: "
)

// filterDetections drops detections below the threshold and collects the
// distinct threat labels in first-seen order.
func filterDetections(raw []Detection, threshold float64) (kept []Detection, threats []string) {
	seen := make(map[string]bool)
	for _, d := range raw {
		if d.Confidence < threshold {
			continue
		}
		kept = append(kept, d)
		if d.IsThreat && !seen[d.Label] {
			seen[d.Label] = true
			threats = append(threats, d.Label)
		}
	}
	return kept, threats
}

// fuseIdentities turns face observations into the suspect label of the scene
func fuseIdentities(faces []FaceObservation, matchThreshold float64) string {
	var names []string
	seen := make(map[string]bool)
	for _, f := range faces {
		if f.Identity == nil || f.Identity.Confidence <= matchThreshold {
			continue
		}
		if !seen[f.Identity.Name] {
			seen[f.Identity.Name] = true
			names = append(names, f.Identity.Name)
		}
	}
	if len(names) == 0 {
		return SuspectUnidentified
	}
	return suspectKnownPrefix + strings.Join(names, ", ")
}

// summarize builds the persisted threat summary
func summarize(threats []string, suspect string) string {
	return fmt.Sprintf("Weapon: %s | Suspect: %s", strings.Join(threats, ", "), suspect)
}

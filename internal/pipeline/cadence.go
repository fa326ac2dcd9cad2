package pipeline

// shouldDetect reports whether the detection provider runs on tick n
func shouldDetect(n uint64, cfg Config) bool {
	return n%uint64(cfg.DetectionCadence) == 0
}

// shouldIdentifyContinuous reports whether CONTINUOUS face mode is due on tick n.
// It does not depend on the detection outcome, so it can be scheduled alongside detection.
func shouldIdentifyContinuous(n uint64, cfg Config) bool {
	return cfg.FaceMode == FaceModeContinuous && n%uint64(cfg.ContinuousFaceCadence) == 0
}

// shouldIdentifyOnThreat reports whether ON_THREAT_ONLY face mode is due on tick n
func shouldIdentifyOnThreat(n uint64, cfg Config, weaponPresent bool) bool {
	return cfg.FaceMode == FaceModeOnThreatOnly && weaponPresent && n%uint64(cfg.DetectionCadence) == 0
}

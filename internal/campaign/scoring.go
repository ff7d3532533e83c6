package campaign

// methodWeights sum to 1.0. Strictly decreasing in pipeline order, so a
// campaign supported only by earlier methods always outscores one carried
// by the same evidence in later methods.
var methodWeights = map[string]float64{
	MethodIP:             0.25,
	MethodInfrastructure: 0.20,
	MethodBehavioral:     0.18,
	MethodTemporal:       0.15,
	MethodGeospatial:     0.12,
	MethodNetwork:        0.10,
}

// combine folds the stage verdicts into one confidence score. Only fired
// methods contribute; each adds its weight scaled by its contribution.
// The fired list comes back in pipeline order.
func combine(results []stageResult) (float64, []string) {
	score := 0.0
	firedSet := make(map[string]bool)
	for _, r := range results {
		if !r.fired {
			continue
		}
		firedSet[r.method] = true
		score += methodWeights[r.method] * clamp01(r.contribution)
	}
	fired := make([]string, 0, len(firedSet))
	for _, m := range methodOrder {
		if firedSet[m] {
			fired = append(fired, m)
		}
	}
	if score > 1 {
		score = 1
	}
	return round4(score), fired
}

// tierFor maps a score to its confidence tier.
func tierFor(score float64) string {
	switch {
	case score < 0.25:
		return TierLow
	case score < 0.5:
		return TierMedium
	case score < 0.75:
		return TierHigh
	default:
		return TierCritical
	}
}

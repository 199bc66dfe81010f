package publish

// referenceFPS is the frame rate treated as fully healthy when
// scoring. IP cameras in this fleet stream 25 or 30 fps.
const referenceFPS = 25.0

// qualityScore condenses stream health into 0-100: frame-rate
// shortfall against the reference costs up to 60 points, dropped
// frames cost up to 40. This is a derived health score, unrelated to
// the encoder's q value.
func qualityScore(fps float64, frames, dropped int64) int {
	if frames == 0 && fps == 0 {
		return 0
	}

	score := 100.0

	if fps < referenceFPS {
		score -= 60 * (referenceFPS - fps) / referenceFPS
	}

	if total := frames + dropped; total > 0 {
		score -= 40 * float64(dropped) / float64(total)
	}

	if score < 0 {
		return 0
	}
	return int(score + 0.5)
}

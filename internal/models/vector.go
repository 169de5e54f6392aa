package models

import "math"

// CosineSimilarity returns the cosine of the angle between a and b, in
// [-1, 1]. Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// clamp rounding drift
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

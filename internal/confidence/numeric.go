package confidence

// clamp01 bounds a score to [0.0, 1.0]. Every formula applies this as its
// final step; intermediate sums are allowed to grow past the bounds.
func clamp01(v float64) float64 {
	if v < 0.0 {
		return 0.0
	}
	if v > 1.0 {
		return 1.0
	}
	return v
}

// ratioCapped returns value/reference capped at cap. A zero or negative
// reference yields the cap, treating a missing baseline as fully elapsed.
func ratioCapped(value, reference, cap float64) float64 {
	if reference <= 0 {
		return cap
	}
	r := value / reference
	if r > cap {
		return cap
	}
	if r < 0 {
		return 0
	}
	return r
}

package runtime

// EMA is an exponential moving average with a fixed smoothing factor.
// The first sample seeds the average. Not safe for concurrent use; owners
// guard it with their own locks.
type EMA struct {
	alpha  float64
	value  float64
	seeded bool
}

func NewEMA(alpha float64) *EMA {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	return &EMA{alpha: alpha}
}

func (e *EMA) Observe(sample float64) float64 {
	if !e.seeded {
		e.value = sample
		e.seeded = true
		return e.value
	}
	e.value = e.alpha*sample + (1-e.alpha)*e.value
	return e.value
}

func (e *EMA) Value() float64 {
	return e.value
}

package aggregate

import "sync"

// Calibrator reports altitude relative to the first reading of a session.
// The baseline is latched on the first call and never re-derived.
type Calibrator struct {
	mu       sync.Mutex
	baseline float64
	set      bool
}

func NewCalibrator() *Calibrator {
	return &Calibrator{}
}

// ApplyAltitude returns raw minus the session baseline. The first call
// records raw as the baseline and returns 0.
func (c *Calibrator) ApplyAltitude(raw float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		c.baseline = raw
		c.set = true
		return 0
	}
	return raw - c.baseline
}

// Baseline returns the latched baseline, if any.
func (c *Calibrator) Baseline() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseline, c.set
}

// Reset forgets the baseline. Only used when a new session starts.
func (c *Calibrator) Reset() {
	c.mu.Lock()
	c.baseline = 0
	c.set = false
	c.mu.Unlock()
}

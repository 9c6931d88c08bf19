package recording

import (
	"fmt"
	"math"
)

// Timeline restricts a capture to a frame interval at a frame rate
type Timeline struct {
	Start int
	End   int
	FPS   float64
}

// Validate checks the interval and frame rate
func (t Timeline) Validate() error {
	if t.Start < 0 || t.End < t.Start {
		return fmt.Errorf("invalid frame interval %d-%d", t.Start, t.End)
	}
	if t.FPS <= 0 || math.IsNaN(t.FPS) || math.IsInf(t.FPS, 0) {
		return fmt.Errorf("invalid frame rate %v", t.FPS)
	}
	return nil
}

// standardFrameRates are the rates recorders offer as presets
var standardFrameRates = []float64{
	24000.0 / 1001.0,
	24,
	25,
	30000.0 / 1001.0,
	30,
	50,
	60000.0 / 1001.0,
	60,
}

// Snapped returns t with FPS replaced by the closest standard rate within
// 0.01. Other rates are kept as a custom rate.
func (t Timeline) Snapped() Timeline {
	for _, rate := range standardFrameRates {
		if math.Abs(t.FPS-rate) < 0.01 {
			t.FPS = rate
			return t
		}
	}
	return t
}

package regulator

import (
	"fmt"

	"github.com/nimdanitro/humidity-manager-go/pkg/vesync"
)

// Mode selects how the outlet is driven.
type Mode string

const (
	// ModeHysteresis keeps the outlet on while humidity recovers to the high threshold.
	ModeHysteresis Mode = "hysteresis"
	// ModePulse runs the outlet for a short burst, then waits out a cooldown.
	ModePulse Mode = "pulse"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeHysteresis, "":
		return ModeHysteresis, nil
	case ModePulse:
		return ModePulse, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Thresholds is the humidity dead band in percent relative humidity.
type Thresholds struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

func (t Thresholds) Validate() error {
	if t.Low >= t.High {
		return fmt.Errorf("low threshold %.1f must be below high threshold %.1f", t.Low, t.High)
	}
	return nil
}

// Decide returns the outlet state for humidity h given the previous state.
// Inside the dead band the previous state is kept, which may be Unknown.
func Decide(h float64, t Thresholds, prev vesync.State) vesync.State {
	switch {
	case h < t.Low:
		return vesync.On
	case h > t.High:
		return vesync.Off
	default:
		return prev
	}
}

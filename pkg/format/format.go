// Package format converts raw source readings into the public values
// delivered to subscribers.
package format

import (
	"fmt"
	"math"

	"github.com/neuroplastio/neio-stream/streamapi"
)

const unknown = "Unknown"

// Battery renders a battery reading as an integer percentage, e.g. "80%".
// Negative inputs or a zero scale produce "Unknown".
func Battery(level, scale int) string {
	if level < 0 || scale <= 0 {
		return unknown
	}
	pct := int(math.Round(float64(level) * 100 / float64(scale)))
	pct = min(max(pct, 0), 100)
	return fmt.Sprintf("%d%%", pct)
}

// Vector is the public value of the motion channel. Components are kept
// as sampled; String rounds to two decimals.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func Motion(x, y, z float64) Vector {
	return Vector{X: x, Y: y, Z: z}
}

func (v Vector) String() string {
	return fmt.Sprintf("X: %.2f\nY: %.2f\nZ: %.2f", v.X, v.Y, v.Z)
}

// Rounded returns the vector with every component rounded to two decimals.
func (v Vector) Rounded() Vector {
	return Vector{X: round2(v.X), Y: round2(v.Y), Z: round2(v.Z)}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// BatteryReading is the Formatter of the battery channel.
func BatteryReading(r streamapi.Reading) (streamapi.Value, error) {
	level, ok := r.Data.(streamapi.BatteryLevel)
	if !ok {
		return nil, fmt.Errorf("unexpected battery reading %T", r.Data)
	}
	return Battery(level.Level, level.Scale), nil
}

// MotionReading is the Formatter of the motion channel.
func MotionReading(r streamapi.Reading) (streamapi.Value, error) {
	acc, ok := r.Data.(streamapi.Acceleration)
	if !ok {
		return nil, fmt.Errorf("unexpected motion reading %T", r.Data)
	}
	return Motion(acc.X, acc.Y, acc.Z), nil
}

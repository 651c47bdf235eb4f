package streamapi

import (
	"fmt"
	"time"
)

// Reading is a single timestamped sample produced by a Driver.
// Data is one of BatteryLevel or Acceleration for the built-in drivers;
// custom channel types may carry their own payloads.
type Reading struct {
	Time time.Time
	Data any
}

func NewReading(t time.Time, data any) Reading {
	return Reading{Time: t, Data: data}
}

// BatteryLevel is a raw battery reading. Negative values mean the platform
// could not report the level.
type BatteryLevel struct {
	Level int `json:"level"`
	Scale int `json:"scale"`
}

// UnknownBatteryLevel is reported by sources that are present but cannot
// determine the current charge.
var UnknownBatteryLevel = BatteryLevel{Level: -1, Scale: -1}

func (b BatteryLevel) String() string {
	return fmt.Sprintf("%d/%d", b.Level, b.Scale)
}

// Acceleration is a tri-axis accelerometer sample in m/s².
type Acceleration struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Value is the formatted, public representation of a Reading as seen by
// subscribers.
type Value any

// Formatter turns a channel's raw Reading into its public Value.
type Formatter func(r Reading) (Value, error)

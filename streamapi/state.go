package streamapi

import "time"

type DriverState uint8

const (
	DriverIdle DriverState = iota
	DriverStarting
	DriverRunning
	DriverStopping
)

func (s DriverState) String() string {
	switch s {
	case DriverIdle:
		return "idle"
	case DriverStarting:
		return "starting"
	case DriverRunning:
		return "running"
	case DriverStopping:
		return "stopping"
	}
	return "unknown"
}

func (s DriverState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateEvent is published on every driver state transition of a channel.
// Err is set when the transition was caused by a driver failure.
type StateEvent struct {
	Channel    string
	State      DriverState
	Activation uint64
	Err        *Error
	Time       time.Time
}

// ChannelInfo is a point-in-time snapshot of a channel.
type ChannelInfo struct {
	Name        string      `json:"name"`
	State       DriverState `json:"state"`
	Subscribers int         `json:"subscribers"`
	Activation  uint64      `json:"activation"`
}

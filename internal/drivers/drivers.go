// Package drivers binds the built-in channel drivers to a platform's sources.
package drivers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/neuroplastio/neio-stream/internal/configsvc"
	"github.com/neuroplastio/neio-stream/internal/drivers/battery"
	"github.com/neuroplastio/neio-stream/internal/drivers/motion"
	"github.com/neuroplastio/neio-stream/internal/platform/linux"
	"github.com/neuroplastio/neio-stream/internal/platform/sim"
	"github.com/neuroplastio/neio-stream/internal/streamsvc"
	"github.com/neuroplastio/neio-stream/pkg/registry"
	"github.com/neuroplastio/neio-stream/streamapi"
	"go.uber.org/zap"
)

const (
	PlatformLinux = "linux"
	PlatformSim   = "sim"
)

// Platform holds the hardware sources the built-in channels read from.
type Platform struct {
	Battery       battery.Source
	Accelerometer motion.Source
}

type SimConfig struct {
	BatteryStart    int                `json:"batteryStart,omitempty" validate:"gte=0,lte=100"`
	BatteryStep     streamapi.Duration `json:"batteryStep,omitempty" validate:"gte=0"`
	NoBattery       bool               `json:"noBattery,omitempty"`
	NoAccelerometer bool               `json:"noAccelerometer,omitempty"`
}

type PlatformRegistry = registry.Registry[Platform, *zap.Logger]

// NewPlatformRegistry returns the platforms the service can run on.
func NewPlatformRegistry(log *zap.Logger, now func() time.Time) *PlatformRegistry {
	r := registry.NewRegistry[Platform, *zap.Logger](log)
	r.MustRegister(PlatformLinux, func(_ json.RawMessage, log *zap.Logger) (Platform, error) {
		return Platform{
			Battery:       linux.NewBattery(log.Named("battery")),
			Accelerometer: linux.NewAccelerometer(log.Named("accelerometer")),
		}, nil
	})
	r.MustRegister(PlatformSim, func(config json.RawMessage, log *zap.Logger) (Platform, error) {
		var cfg SimConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return Platform{}, fmt.Errorf("failed to parse sim config: %w", err)
			}
		}
		batteryOpts := sim.DefaultBatteryOptions
		if cfg.BatteryStart > 0 {
			batteryOpts.Start = cfg.BatteryStart
		}
		if cfg.BatteryStep > 0 {
			batteryOpts.Step = cfg.BatteryStep.Duration()
		}
		batteryOpts.Unavailable = cfg.NoBattery
		accOpts := sim.DefaultAccelerometerOptions
		accOpts.Unavailable = cfg.NoAccelerometer
		return Platform{
			Battery:       sim.NewBattery(batteryOpts),
			Accelerometer: sim.NewAccelerometer(now, accOpts),
		}, nil
	})
	return r
}

// Options registers the battery and motion channels over p.
func Options(p Platform, now func() time.Time) []streamsvc.Option {
	return []streamsvc.Option{
		streamsvc.WithChannel(battery.ChannelName, battery.ChannelType(p.Battery, now)),
		streamsvc.WithChannel(motion.ChannelName, motion.ChannelType(p.Accelerometer, now)),
	}
}

// ValidateChannelConfig checks a channel's driver configuration before it is
// handed to the service. Unknown channels are accepted so that externally
// registered channel types can carry their own settings.
func ValidateChannelConfig(channel string, config json.RawMessage) error {
	var target any
	switch channel {
	case battery.ChannelName:
		target = &battery.Config{}
	case motion.ChannelName:
		target = &motion.Config{}
	default:
		return nil
	}
	if err := json.Unmarshal(config, target); err != nil {
		return fmt.Errorf("channel %s: %w", channel, err)
	}
	if err := configsvc.Validate(target); err != nil {
		return fmt.Errorf("channel %s: %w", channel, err)
	}
	return nil
}

package linux

import (
	"fmt"

	"github.com/jochenvg/go-udev"
	"github.com/neuroplastio/neio-stream/streamapi"
	"go.uber.org/zap"
)

// Accelerometer samples the first iio device exposing in_accel_* channels.
type Accelerometer struct {
	log  *zap.Logger
	udev *udev.Udev
}

func NewAccelerometer(log *zap.Logger) *Accelerometer {
	return &Accelerometer{
		log:  log,
		udev: &udev.Udev{},
	}
}

func (a *Accelerometer) find() (string, error) {
	e := a.udev.NewEnumerate()
	if err := e.AddMatchSubsystem("iio"); err != nil {
		return "", fmt.Errorf("failed to match iio: %w", err)
	}
	devices, err := e.Devices()
	if err != nil {
		return "", fmt.Errorf("failed to enumerate iio devices: %w", err)
	}
	for _, dev := range devices {
		if hasAccelerometer(dev.Syspath()) {
			return dev.Syspath(), nil
		}
	}
	return "", streamapi.ErrNoSensor
}

func (a *Accelerometer) ReadCurrent() (streamapi.Acceleration, error) {
	syspath, err := a.find()
	if err != nil {
		return streamapi.Acceleration{}, err
	}
	return readAcceleration(syspath)
}

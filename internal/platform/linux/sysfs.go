package linux

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/neuroplastio/neio-stream/streamapi"
)

var errNoAttr = errors.New("attribute not present")

// readAttr reads a sysfs attribute directly. udev caches attribute values on
// the device handle, so live readings go through the filesystem.
func readAttr(syspath, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(syspath, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", name, errNoAttr)
		}
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func readFloat(syspath, name string) (float64, error) {
	s, err := readAttr(syspath, name)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, s, err)
	}
	return f, nil
}

// readBatteryLevel prefers capacity (percent) and falls back to
// energy_now/energy_full or charge_now/charge_full.
func readBatteryLevel(syspath string) (streamapi.BatteryLevel, error) {
	if s, err := readAttr(syspath, "capacity"); err == nil {
		level, err := strconv.Atoi(s)
		if err != nil {
			return streamapi.UnknownBatteryLevel, fmt.Errorf("invalid capacity %q: %w", s, err)
		}
		return streamapi.BatteryLevel{Level: level, Scale: 100}, nil
	} else if !errors.Is(err, errNoAttr) {
		return streamapi.UnknownBatteryLevel, err
	}
	for _, prefix := range []string{"energy", "charge"} {
		now, err := readFloat(syspath, prefix+"_now")
		if err != nil {
			continue
		}
		full, err := readFloat(syspath, prefix+"_full")
		if err != nil || full <= 0 {
			continue
		}
		return streamapi.BatteryLevel{Level: int(now), Scale: int(full)}, nil
	}
	return streamapi.UnknownBatteryLevel, nil
}

// readAcceleration reads in_accel_{x,y,z}_raw scaled to m/s². The scale is
// either shared (in_accel_scale) or per axis (in_accel_x_scale).
func readAcceleration(syspath string) (streamapi.Acceleration, error) {
	var out [3]float64
	shared, sharedErr := readFloat(syspath, "in_accel_scale")
	for i, axis := range []string{"x", "y", "z"} {
		raw, err := readFloat(syspath, "in_accel_"+axis+"_raw")
		if err != nil {
			return streamapi.Acceleration{}, err
		}
		scale := shared
		if sharedErr != nil {
			scale, err = readFloat(syspath, "in_accel_"+axis+"_scale")
			if err != nil {
				return streamapi.Acceleration{}, err
			}
		}
		out[i] = raw * scale
	}
	return streamapi.Acceleration{X: out[0], Y: out[1], Z: out[2]}, nil
}

func hasAccelerometer(syspath string) bool {
	_, err := os.Stat(filepath.Join(syspath, "in_accel_x_raw"))
	return err == nil
}

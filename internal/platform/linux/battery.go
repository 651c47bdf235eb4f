package linux

import (
	"context"
	"fmt"
	"sync"

	"github.com/jochenvg/go-udev"
	"github.com/neuroplastio/neio-stream/streamapi"
	"go.uber.org/zap"
)

// Battery reads the system battery from the power_supply class and listens
// for change uevents on the udev netlink socket.
type Battery struct {
	log  *zap.Logger
	udev *udev.Udev

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewBattery(log *zap.Logger) *Battery {
	return &Battery{
		log:  log,
		udev: &udev.Udev{},
	}
}

func isBattery(dev *udev.Device) bool {
	return dev.SysattrValue("type") == "Battery"
}

func (b *Battery) find() (string, error) {
	e := b.udev.NewEnumerate()
	if err := e.AddMatchSubsystem("power_supply"); err != nil {
		return "", fmt.Errorf("failed to match power_supply: %w", err)
	}
	devices, err := e.Devices()
	if err != nil {
		return "", fmt.Errorf("failed to enumerate power supplies: %w", err)
	}
	for _, dev := range devices {
		if isBattery(dev) {
			return dev.Syspath(), nil
		}
	}
	return "", streamapi.ErrNoSource
}

func (b *Battery) ReadCurrent() (streamapi.BatteryLevel, error) {
	syspath, err := b.find()
	if err != nil {
		return streamapi.UnknownBatteryLevel, err
	}
	return readBatteryLevel(syspath)
}

func (b *Battery) SubscribeToChanges(fn func(streamapi.BatteryLevel)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return fmt.Errorf("already subscribed")
	}
	m := b.udev.NewMonitorFromNetlink("udev")
	if m == nil {
		return fmt.Errorf("failed to open udev monitor")
	}
	if err := m.FilterAddMatchSubsystem("power_supply"); err != nil {
		return fmt.Errorf("failed to filter power_supply: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	devices, err := m.DeviceChan(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start udev monitor: %w", err)
	}
	done := make(chan struct{})
	b.cancel, b.done = cancel, done
	go func() {
		defer close(done)
		// devices is closed by the monitor once ctx is cancelled.
		for dev := range devices {
			if isBattery(dev) {
				b.changed(dev.Syspath(), fn)
			}
		}
	}()
	return nil
}

func (b *Battery) changed(syspath string, fn func(streamapi.BatteryLevel)) {
	level, err := readBatteryLevel(syspath)
	if err != nil {
		b.log.Warn("Failed to read battery after change", zap.String("syspath", syspath), zap.Error(err))
		return
	}
	fn(level)
}

func (b *Battery) Unsubscribe() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

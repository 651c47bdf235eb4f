// Package sim provides simulated battery and accelerometer sources for hosts
// without the hardware.
package sim

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/neuroplastio/neio-stream/streamapi"
)

const standardGravity = 9.80665

type BatteryOptions struct {
	// Start is the level at creation, in percent.
	Start int
	// Step is how often the level drops by one percent.
	Step time.Duration
	// Unavailable makes every read fail with streamapi.ErrNoSource.
	Unavailable bool
}

var DefaultBatteryOptions = BatteryOptions{
	Start: 100,
	Step:  30 * time.Second,
}

// Battery drains by one percent every Step and notifies the change
// subscriber after each drop. It recharges to 100 when empty.
type Battery struct {
	opts BatteryOptions

	mu    sync.Mutex
	level int
	fn    func(streamapi.BatteryLevel)
	stop  chan struct{}
	done  chan struct{}
}

func NewBattery(opts BatteryOptions) *Battery {
	if opts.Step <= 0 {
		opts.Step = DefaultBatteryOptions.Step
	}
	return &Battery{
		opts:  opts,
		level: min(max(opts.Start, 0), 100),
	}
}

func (b *Battery) ReadCurrent() (streamapi.BatteryLevel, error) {
	if b.opts.Unavailable {
		return streamapi.UnknownBatteryLevel, streamapi.ErrNoSource
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return streamapi.BatteryLevel{Level: b.level, Scale: 100}, nil
}

// Set changes the level and notifies the subscriber, as a charger event would.
func (b *Battery) Set(level int) {
	b.mu.Lock()
	b.level = min(max(level, 0), 100)
	fn := b.fn
	current := streamapi.BatteryLevel{Level: b.level, Scale: 100}
	b.mu.Unlock()
	if fn != nil {
		fn(current)
	}
}

func (b *Battery) drain() {
	b.mu.Lock()
	level := b.level - 1
	if level < 0 {
		level = 100
	}
	b.mu.Unlock()
	b.Set(level)
}

func (b *Battery) SubscribeToChanges(fn func(streamapi.BatteryLevel)) error {
	if b.opts.Unavailable {
		return streamapi.ErrNoSource
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fn != nil {
		return fmt.Errorf("already subscribed")
	}
	b.fn = fn
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.run(b.stop, b.done)
	return nil
}

func (b *Battery) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.opts.Step)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.drain()
		}
	}
}

func (b *Battery) Unsubscribe() error {
	b.mu.Lock()
	stop, done := b.stop, b.done
	b.fn, b.stop, b.done = nil, nil, nil
	b.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

type AccelerometerOptions struct {
	// Period of the simulated tilt.
	Period time.Duration
	// Amplitude of the X and Y swing in m/s².
	Amplitude float64
	// Unavailable makes every read fail with streamapi.ErrNoSensor.
	Unavailable bool
}

var DefaultAccelerometerOptions = AccelerometerOptions{
	Period:    4 * time.Second,
	Amplitude: 2,
}

// Accelerometer reports a device tilting slowly around its resting position,
// with gravity on Z.
type Accelerometer struct {
	opts  AccelerometerOptions
	now   func() time.Time
	start time.Time
}

func NewAccelerometer(now func() time.Time, opts AccelerometerOptions) *Accelerometer {
	if opts.Period <= 0 {
		opts.Period = DefaultAccelerometerOptions.Period
	}
	return &Accelerometer{
		opts:  opts,
		now:   now,
		start: now(),
	}
}

func (a *Accelerometer) ReadCurrent() (streamapi.Acceleration, error) {
	if a.opts.Unavailable {
		return streamapi.Acceleration{}, streamapi.ErrNoSensor
	}
	phase := 2 * math.Pi * float64(a.now().Sub(a.start)) / float64(a.opts.Period)
	return streamapi.Acceleration{
		X: a.opts.Amplitude * math.Sin(phase),
		Y: a.opts.Amplitude * math.Cos(phase),
		Z: standardGravity,
	}, nil
}

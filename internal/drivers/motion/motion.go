// Package motion implements the accelerometer channel driver. It samples the
// source at a fixed nominal rate.
package motion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/neuroplastio/neio-stream/pkg/format"
	"github.com/neuroplastio/neio-stream/streamapi"
	"go.uber.org/zap"
)

const ChannelName = "motion"

type Source = streamapi.Reader[streamapi.Acceleration]

type Rate string

const (
	RateNormal  Rate = "normal"
	RateUI      Rate = "ui"
	RateGame    Rate = "game"
	RateFastest Rate = "fastest"
)

var rateIntervals = map[Rate]time.Duration{
	RateNormal:  200 * time.Millisecond,
	RateUI:      60 * time.Millisecond,
	RateGame:    20 * time.Millisecond,
	RateFastest: 10 * time.Millisecond,
}

type Config struct {
	Rate Rate `json:"rate" yaml:"rate" validate:"omitempty,oneof=normal ui game fastest"`
	// Interval overrides Rate when set.
	Interval streamapi.Duration `json:"interval,omitempty" yaml:"interval,omitempty" validate:"gte=0"`
}

var DefaultConfig = Config{
	Rate: RateNormal,
}

// SamplingInterval resolves the configured rate.
func (c Config) SamplingInterval() (time.Duration, error) {
	if c.Interval > 0 {
		return c.Interval.Duration(), nil
	}
	if c.Rate == "" {
		return rateIntervals[RateNormal], nil
	}
	d, ok := rateIntervals[c.Rate]
	if !ok {
		return 0, fmt.Errorf("unknown sampling rate: %s", c.Rate)
	}
	return d, nil
}

func ChannelType(source Source, now func() time.Time) streamapi.ChannelType {
	return streamapi.ChannelType{
		NewDriver: Creator(source, now),
		Format:    format.MotionReading,
	}
}

func Creator(source Source, now func() time.Time) streamapi.DriverCreator {
	return func(config json.RawMessage, log *zap.Logger) (streamapi.Driver, error) {
		cfg := DefaultConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse motion config: %w", err)
			}
		}
		interval, err := cfg.SamplingInterval()
		if err != nil {
			return nil, err
		}
		return New(log, source, now, interval), nil
	}
}

type Driver struct {
	log      *zap.Logger
	source   Source
	now      func() time.Time
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(log *zap.Logger, source Source, now func() time.Time, interval time.Duration) *Driver {
	return &Driver{
		log:      log,
		source:   source,
		now:      now,
		interval: interval,
	}
}

func (d *Driver) Start(ctx context.Context, emit streamapi.Emitter) error {
	sample, err := d.source.ReadCurrent()
	if err != nil {
		return fmt.Errorf("failed to detect accelerometer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	emit.Emit(streamapi.NewReading(d.now(), sample))

	sampleCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.mu.Lock()
	d.cancel = cancel
	d.done = done
	d.mu.Unlock()

	go d.sample(sampleCtx, emit, done)
	d.log.Debug("Motion driver started", zap.Duration("interval", d.interval))
	return nil
}

func (d *Driver) sample(ctx context.Context, emit streamapi.Emitter, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := d.source.ReadCurrent()
			if err != nil {
				emit.Fail(fmt.Errorf("failed to sample accelerometer: %w", err))
				return
			}
			emit.Emit(streamapi.NewReading(d.now(), sample))
		}
	}
}

func (d *Driver) Stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

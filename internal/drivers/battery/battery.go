// Package battery implements the battery-level channel driver.
//
// The driver emits the current level as soon as it starts, then on every
// change notification from the source and on a fallback poll interval for
// platforms whose notifications are unreliable.
package battery

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

const ChannelName = "battery"

type Source = streamapi.Source[streamapi.BatteryLevel]

type Config struct {
	PollInterval streamapi.Duration `json:"pollInterval" yaml:"pollInterval" validate:"gte=0"`
}

var DefaultConfig = Config{
	PollInterval: streamapi.Duration(2 * time.Second),
}

// ChannelType binds the battery driver over source to the percentage formatter.
func ChannelType(source Source, now func() time.Time) streamapi.ChannelType {
	return streamapi.ChannelType{
		NewDriver: Creator(source, now),
		Format:    format.BatteryReading,
	}
}

func Creator(source Source, now func() time.Time) streamapi.DriverCreator {
	return func(config json.RawMessage, log *zap.Logger) (streamapi.Driver, error) {
		cfg := DefaultConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse battery config: %w", err)
			}
		}
		if cfg.PollInterval <= 0 {
			cfg.PollInterval = DefaultConfig.PollInterval
		}
		return New(log, source, now, cfg), nil
	}
}

type Driver struct {
	log    *zap.Logger
	source Source
	now    func() time.Time
	config Config

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	subscribed bool
}

func New(log *zap.Logger, source Source, now func() time.Time, config Config) *Driver {
	return &Driver{
		log:    log,
		source: source,
		now:    now,
		config: config,
	}
}

func (d *Driver) reading(level streamapi.BatteryLevel) streamapi.Reading {
	return streamapi.NewReading(d.now(), level)
}

func (d *Driver) Start(ctx context.Context, emit streamapi.Emitter) error {
	level, err := d.source.ReadCurrent()
	if err != nil {
		return fmt.Errorf("failed to read battery level: %w", err)
	}
	emit.Emit(d.reading(level))

	err = d.source.SubscribeToChanges(func(level streamapi.BatteryLevel) {
		emit.Emit(d.reading(level))
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to battery changes: %w", err)
	}
	if err := ctx.Err(); err != nil {
		if uerr := d.source.Unsubscribe(); uerr != nil {
			d.log.Warn("Failed to unsubscribe from battery changes", zap.Error(uerr))
		}
		return err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.mu.Lock()
	d.cancel = cancel
	d.done = done
	d.subscribed = true
	d.mu.Unlock()

	go d.poll(pollCtx, emit, done)
	d.log.Debug("Battery driver started", zap.Duration("pollInterval", d.config.PollInterval.Duration()))
	return nil
}

func (d *Driver) poll(ctx context.Context, emit streamapi.Emitter, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.config.PollInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level, err := d.source.ReadCurrent()
			if err != nil {
				emit.Fail(fmt.Errorf("failed to poll battery level: %w", err))
				return
			}
			emit.Emit(d.reading(level))
		}
	}
}

func (d *Driver) Stop() error {
	d.mu.Lock()
	cancel, done, subscribed := d.cancel, d.done, d.subscribed
	d.cancel, d.done, d.subscribed = nil, nil, false
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if !subscribed {
		return nil
	}
	if err := d.source.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from battery changes: %w", err)
	}
	return nil
}

package streamsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/neuroplastio/neio-stream/internal/metrics"
	"github.com/neuroplastio/neio-stream/pkg/bus"
	"github.com/neuroplastio/neio-stream/pkg/registry"
	"github.com/neuroplastio/neio-stream/streamapi"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrClosed         = errors.New("stream service closed")
)

type (
	StateBus        = bus.Bus[string, streamapi.StateEvent]
	StateMessage    = bus.Message[string, streamapi.StateEvent]
	driverRegistry  = registry.Registry[streamapi.Driver, *zap.Logger]
	channelRegistry = xsync.MapOf[string, *channelEntry]
)

var defaultOptions = serviceOptions{
	startTimeout:    5 * time.Second,
	shutdownTimeout: 5 * time.Second,
	mailboxSize:     64,
	queueSize:       64,
	stallTimeout:    100 * time.Millisecond,
}

type serviceOptions struct {
	channels        []namedChannel
	startTimeout    time.Duration
	shutdownTimeout time.Duration
	mailboxSize     int
	queueSize       int
	stallTimeout    time.Duration
	metrics         *metrics.StreamMetrics
}

type namedChannel struct {
	name string
	typ  streamapi.ChannelType
}

type Option func(*serviceOptions)

// WithChannel registers a channel type under name.
func WithChannel(name string, typ streamapi.ChannelType) Option {
	return func(o *serviceOptions) {
		o.channels = append(o.channels, namedChannel{name: name, typ: typ})
	}
}

// WithStartTimeout bounds Driver.Start. Exceeding it is reported as TIMEOUT.
func WithStartTimeout(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.startTimeout = d
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.shutdownTimeout = d
	}
}

// WithMailboxSize sets how many undelivered values a single subscriber may
// hold. Fan-out waits for room before dropping values; see WithStallTimeout.
func WithMailboxSize(n int) Option {
	return func(o *serviceOptions) {
		o.mailboxSize = n
	}
}

// WithStallTimeout sets how long fan-out waits for a full subscriber mailbox
// before the subscriber is considered stalled and starts losing values.
func WithStallTimeout(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.stallTimeout = d
	}
}

// WithQueueSize sets the per-channel buffer between a driver and its dispatcher.
func WithQueueSize(n int) Option {
	return func(o *serviceOptions) {
		o.queueSize = n
	}
}

func WithMetrics(m *metrics.StreamMetrics) Option {
	return func(o *serviceOptions) {
		o.metrics = m
	}
}

// Service is the event-stream broker. It owns the channel registry and every
// subscription; drivers are created from the registered channel types.
type Service struct {
	log     *zap.Logger
	options serviceOptions
	now     func() time.Time
	ready   chan struct{}
	metrics *metrics.StreamMetrics

	drivers *driverRegistry
	configs *xsync.MapOf[string, json.RawMessage]
	entries *channelRegistry
	states  *StateBus

	closed *atomic.Bool
	wg     sync.WaitGroup
}

func New(log *zap.Logger, now func() time.Time, opts ...Option) (*Service, error) {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.mailboxSize < 1 || options.queueSize < 1 {
		return nil, fmt.Errorf("mailbox and queue sizes must be at least 1")
	}
	s := &Service{
		log:     log,
		options: options,
		now:     now,
		ready:   make(chan struct{}),
		metrics: options.metrics,

		drivers: registry.NewRegistry[streamapi.Driver, *zap.Logger](log.Named("driver")),
		configs: xsync.NewMapOf[string, json.RawMessage](),
		entries: xsync.NewMapOf[string, *channelEntry](),
		states:  bus.NewBus[string, streamapi.StateEvent](log.Named("states")),

		closed: atomic.NewBool(false),
	}
	for _, ch := range options.channels {
		if err := s.Register(ch.name, ch.typ); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register adds a channel type. Channels can be registered at any time;
// registering the same name twice fails.
func (s *Service) Register(name string, typ streamapi.ChannelType) error {
	if typ.NewDriver == nil || typ.Format == nil {
		return fmt.Errorf("channel %s: driver and formatter are required", name)
	}
	err := s.drivers.Register(name, func(config json.RawMessage, log *zap.Logger) (streamapi.Driver, error) {
		return typ.NewDriver(config, log.Named(name))
	})
	if err != nil {
		return fmt.Errorf("failed to register channel: %w", err)
	}
	s.entries.Store(name, newChannelEntry(name, typ.Format))
	return nil
}

// Configure stores the driver configuration of a channel. It is applied on the
// channel's next activation; a running driver keeps its configuration.
func (s *Service) Configure(name string, config json.RawMessage) error {
	if !s.drivers.Has(name) {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	s.configs.Store(name, config)
	return nil
}

// Start runs the state bus and blocks until ctx is cancelled, then shuts the
// service down.
func (s *Service) Start(ctx context.Context) error {
	err := s.states.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start state bus: %w", err)
	}
	close(s.ready)
	s.log.Info("Stream service started", zap.Strings("channels", s.drivers.IDs()))
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.options.shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("Stream service shutdown incomplete", zap.Error(err))
	}
	s.log.Info("Stream service stopped")
	return nil
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Shutdown completes every subscription, stops all drivers and waits for them
// to release their sources. It must not be called from a subscriber callback.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.entries.Range(func(_ string, e *channelEntry) bool {
		e.mu.Lock()
		subs := e.takeSubscribers()
		s.ensureStopped(e, nil)
		e.mu.Unlock()
		s.metrics.SetSubscribers(e.name, 0)
		for _, sub := range subs {
			sub.finish(item{complete: true})
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeStates returns driver state transitions of the given channels, or
// of all channels when none are given, until ctx is done. Transitions are
// published only after Start.
func (s *Service) SubscribeStates(ctx context.Context, channels ...string) <-chan StateMessage {
	return s.states.Subscribe(ctx, channels...)
}

// Channels returns a snapshot of every registered channel sorted by name.
func (s *Service) Channels() []streamapi.ChannelInfo {
	var infos []streamapi.ChannelInfo
	s.entries.Range(func(_ string, e *channelEntry) bool {
		infos = append(infos, e.info())
		return true
	})
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

func (s *Service) Channel(name string) (streamapi.ChannelInfo, bool) {
	e, ok := s.entries.Load(name)
	if !ok {
		return streamapi.ChannelInfo{}, false
	}
	return e.info(), true
}

func (s *Service) driverConfig(name string) json.RawMessage {
	config, _ := s.configs.Load(name)
	return config
}

package streamsvc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neuroplastio/neio-stream/streamapi"
	"go.uber.org/zap"
)

// channelEntry is the registry record of one channel. mu guards the
// subscriber set, the driver state and the current activation; no lock is
// shared between channels.
//
// Invariant: len(subs) > 0 if and only if active != nil.
type channelEntry struct {
	name   string
	format streamapi.Formatter

	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription
	state  streamapi.DriverState
	active *activation
	last   *activation
	gen    uint64
}

func newChannelEntry(name string, format streamapi.Formatter) *channelEntry {
	return &channelEntry{
		name:   name,
		format: format,
		subs:   make(map[uuid.UUID]*Subscription),
	}
}

func (e *channelEntry) info() streamapi.ChannelInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return streamapi.ChannelInfo{
		Name:        e.name,
		State:       e.state,
		Subscribers: len(e.subs),
		Activation:  e.gen,
	}
}

// takeSubscribers empties the subscriber set. Callers hold e.mu.
func (e *channelEntry) takeSubscribers() []*Subscription {
	subs := make([]*Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	e.subs = make(map[uuid.UUID]*Subscription)
	return subs
}

func (e *channelEntry) snapshot() []*Subscription {
	subs := make([]*Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	return subs
}

// activation is one incarnation of a channel's driver, from the 0→1
// subscriber transition until the driver is released. It implements
// streamapi.Emitter for the driver it runs.
type activation struct {
	svc   *Service
	entry *channelEntry
	gen   uint64
	log   *zap.Logger

	prev    *activation
	ctx     context.Context
	cancel  context.CancelFunc
	queue   chan streamapi.Reading
	stopped chan struct{}
}

func (a *activation) Emit(r streamapi.Reading) {
	if a.ctx.Err() != nil {
		return
	}
	select {
	case <-a.ctx.Done():
	case a.queue <- r:
	}
}

func (a *activation) Fail(err error) {
	a.svc.fail(a, streamapi.FailureError(err))
}

// ensureStarted creates an activation for e if it has none. Callers hold e.mu.
func (s *Service) ensureStarted(e *channelEntry) {
	if e.active != nil {
		return
	}
	e.gen++
	ctx, cancel := context.WithCancel(context.Background())
	a := &activation{
		svc:     s,
		entry:   e,
		gen:     e.gen,
		log:     s.log.With(zap.String("channel", e.name), zap.Uint64("activation", e.gen)),
		prev:    e.last,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan streamapi.Reading, s.options.queueSize),
		stopped: make(chan struct{}),
	}
	e.active = a
	e.last = a
	s.setState(e, streamapi.DriverStarting, nil)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(a)
	}()
}

// ensureStopped releases the current activation of e, if any. The driver is
// stopped asynchronously. Callers hold e.mu.
func (s *Service) ensureStopped(e *channelEntry, cause *streamapi.Error) {
	a := e.active
	if a == nil {
		return
	}
	e.active = nil
	a.cancel()
	s.setState(e, streamapi.DriverStopping, cause)
}

// setState records a transition and publishes it once the service has been
// started. Callers hold e.mu, which keeps the published order equal to the
// transition order.
func (s *Service) setState(e *channelEntry, state streamapi.DriverState, cause *streamapi.Error) {
	e.state = state
	select {
	case <-s.ready:
	default:
		return
	}
	s.states.Publish(context.Background(), e.name, streamapi.StateEvent{
		Channel:    e.name,
		State:      state,
		Activation: e.gen,
		Err:        cause,
		Time:       s.now(),
	})
}

func (s *Service) run(a *activation) {
	e := a.entry
	e.mu.Lock()
	prev := a.prev
	a.prev = nil
	e.mu.Unlock()

	// a predecessor still stuck in Start keeps this activation's stopped
	// channel open, so at most one driver per channel is ever live
	var pending *activation
	defer func() {
		if pending == nil {
			close(a.stopped)
			return
		}
		go func() {
			<-pending.stopped
			close(a.stopped)
		}()
	}()
	defer s.settle(a)
	if prev != nil && !s.awaitPrevious(a, prev) {
		pending = prev
		return
	}
	if a.ctx.Err() != nil {
		return
	}

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		s.dispatch(a)
	}()
	defer func() {
		a.cancel()
		<-dispatched
	}()

	name := a.entry.name
	drv, err := s.drivers.New(name, s.driverConfig(name))
	if err != nil {
		s.metrics.DriverStarted(name, "error")
		s.fail(a, streamapi.NewError(streamapi.ErrorKindNoSource, "failed to create driver").WithDetails(err.Error()))
		return
	}

	startCtx, cancel := context.WithTimeout(a.ctx, s.options.startTimeout)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- drv.Start(startCtx, a)
	}()

	select {
	case err = <-errCh:
	case <-startCtx.Done():
		if a.ctx.Err() == nil {
			s.metrics.DriverStarted(name, "timeout")
			s.fail(a, s.timeoutError())
		}
		if err := <-errCh; err == nil {
			s.stopDriver(a, drv)
		}
		return
	}

	if err != nil {
		switch {
		case a.ctx.Err() != nil:
		case errors.Is(startCtx.Err(), context.DeadlineExceeded):
			s.metrics.DriverStarted(name, "timeout")
			s.fail(a, s.timeoutError())
		default:
			s.metrics.DriverStarted(name, "error")
			serr := streamapi.StartError(err)
			a.log.Warn("Driver failed to start", zap.String("kind", string(serr.Kind)), zap.Error(err))
			s.fail(a, serr)
		}
		return
	}

	e.mu.Lock()
	if e.active != a {
		e.mu.Unlock()
		s.stopDriver(a, drv)
		return
	}
	s.setState(e, streamapi.DriverRunning, nil)
	e.mu.Unlock()
	s.metrics.DriverStarted(name, "ok")
	s.metrics.SetRunning(name, true)
	a.log.Info("Driver running")

	<-a.ctx.Done()
	s.stopDriver(a, drv)
	s.metrics.SetRunning(name, false)
}

// awaitPrevious waits for prev to release its driver. The wait counts
// against a's start timeout; it reports false if prev is still running when
// a is cancelled or times out.
func (s *Service) awaitPrevious(a, prev *activation) bool {
	timer := time.NewTimer(s.options.startTimeout)
	defer timer.Stop()
	select {
	case <-prev.stopped:
		return true
	case <-a.ctx.Done():
		select {
		case <-prev.stopped:
			return true
		default:
			return false
		}
	case <-timer.C:
		s.metrics.DriverStarted(a.entry.name, "timeout")
		a.log.Warn("Previous driver still starting")
		s.fail(a, s.timeoutError())
		return false
	}
}

func (s *Service) timeoutError() *streamapi.Error {
	return streamapi.NewError(streamapi.ErrorKindTimeout, "driver start timed out").WithDetails(s.options.startTimeout.String())
}

func (s *Service) stopDriver(a *activation, drv streamapi.Driver) {
	if err := drv.Stop(); err != nil {
		a.log.Error("Failed to stop driver", zap.Error(err))
		return
	}
	a.log.Info("Driver stopped")
}

// settle moves the channel to Idle once the most recent activation has fully
// released its driver and no newer activation is pending.
func (s *Service) settle(a *activation) {
	a.cancel()
	e := a.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil && e.last == a {
		s.setState(e, streamapi.DriverIdle, nil)
	}
}

// fail terminates activation a: every subscriber attached to it receives err
// and its subscription ends. The next Subscribe starts a fresh activation.
func (s *Service) fail(a *activation, err *streamapi.Error) {
	e := a.entry
	e.mu.Lock()
	if e.active != a {
		e.mu.Unlock()
		return
	}
	subs := e.takeSubscribers()
	s.ensureStopped(e, err)
	e.mu.Unlock()

	s.metrics.SetSubscribers(e.name, 0)
	a.log.Warn("Channel failed", zap.String("kind", string(err.Kind)), zap.String("message", err.Message), zap.Int("subscribers", len(subs)))
	for _, sub := range subs {
		sub.finish(item{err: err})
	}
}

// dispatch is the channel's single delivery context: readings are formatted
// and fanned out one at a time, in emission order.
func (s *Service) dispatch(a *activation) {
	for {
		select {
		case <-a.ctx.Done():
			return
		case r := <-a.queue:
			s.publish(a, r)
		}
	}
}

func (s *Service) publish(a *activation, r streamapi.Reading) {
	e := a.entry
	value, err := e.format(r)
	if err != nil {
		s.metrics.EventDropped(e.name, "format")
		a.log.Warn("Failed to format reading", zap.Error(err))
		return
	}
	e.mu.Lock()
	if e.active != a {
		e.mu.Unlock()
		return
	}
	subs := e.snapshot()
	e.mu.Unlock()

	s.metrics.EventPublished(e.name)
	for _, sub := range subs {
		sub.enqueue(value)
	}
}

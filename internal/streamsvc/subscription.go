package streamsvc

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neuroplastio/neio-stream/streamapi"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type item struct {
	value    streamapi.Value
	err      *streamapi.Error
	complete bool
}

func (i item) final() bool {
	return i.complete || (i.err != nil && i.err.Terminal())
}

// Subscription is the caller's handle on one subscriber of one channel.
//
// Every subscription owns a bounded mailbox drained by its own goroutine, so
// a slow or failing subscriber cannot hold up the channel's other
// subscribers. Values are delivered in the order the driver emitted them.
type Subscription struct {
	id    uuid.UUID
	svc   *Service
	entry *channelEntry
	cb    streamapi.Subscriber
	log   *zap.Logger

	cancelled *atomic.Bool
	failLog   rate.Sometimes
	dropLog   rate.Sometimes

	mu      sync.Mutex
	items   []item
	closed  bool
	stalled bool
	notify  chan struct{}
	space   chan struct{}
	done    chan struct{}
}

func newSubscription(s *Service, e *channelEntry, cb streamapi.Subscriber) *Subscription {
	id := uuid.New()
	return &Subscription{
		id:        id,
		svc:       s,
		entry:     e,
		cb:        cb,
		log:       s.log.With(zap.String("channel", e.name), zap.Stringer("subscription", id)),
		cancelled: atomic.NewBool(false),
		failLog:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
		dropLog:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
		notify:    make(chan struct{}, 1),
		space:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (s *Subscription) ID() uuid.UUID {
	return s.id
}

func (s *Subscription) Channel() string {
	return s.entry.name
}

// Cancel is equivalent to Service.Unsubscribe(s).
func (s *Subscription) Cancel() {
	s.svc.Unsubscribe(s)
}

// Done is closed once the subscription has ended (cancelled, failed or
// completed) and its delivery goroutine has returned.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// enqueue appends v to the mailbox. When the mailbox is full it waits up to
// the stall timeout for the delivery goroutine to make room; a subscriber
// that does not is marked stalled and loses values until its mailbox drains.
func (s *Subscription) enqueue(v streamapi.Value) {
	var timer *time.Timer
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.items) < s.svc.options.mailboxSize {
			s.items = append(s.items, item{value: v})
			s.mu.Unlock()
			s.wake()
			return
		}
		stalled := s.stalled
		s.mu.Unlock()
		if stalled {
			s.drop()
			return
		}
		if timer == nil {
			timer = time.NewTimer(s.svc.options.stallTimeout)
			defer timer.Stop()
		}
		select {
		case <-s.space:
		case <-s.done:
			return
		case <-timer.C:
			s.mu.Lock()
			s.stalled = true
			s.mu.Unlock()
			s.drop()
			return
		}
	}
}

func (s *Subscription) drop() {
	s.svc.metrics.EventDropped(s.entry.name, "mailbox")
	s.dropLog.Do(func() {
		s.log.Warn("Subscriber stalled, dropping values")
	})
}

func (s *Subscription) freed() {
	select {
	case s.space <- struct{}{}:
	default:
	}
}

// finish queues a last item; nothing is accepted after it.
func (s *Subscription) finish(it item) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.items = append(s.items, it)
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

// close discards pending items and ends the delivery goroutine.
func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.items = nil
	s.mu.Unlock()
	s.wake()
	s.freed()
}

func (s *Subscription) next() (item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return item{}, false
	}
	it := s.items[0]
	s.items[0] = item{}
	s.items = s.items[1:]
	if len(s.items) == 0 {
		s.stalled = false
	}
	s.freed()
	return it, true
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) run() {
	defer close(s.done)
	for range s.notify {
		for {
			it, ok := s.next()
			if !ok {
				break
			}
			if s.cancelled.Load() {
				return
			}
			s.deliver(it)
			if it.final() {
				return
			}
		}
		if s.isClosed() {
			return
		}
	}
}

func (s *Subscription) deliver(it item) {
	switch {
	case it.complete:
		s.guard("OnComplete", s.cb.OnComplete)
	case it.err != nil:
		s.guard("OnError", func() { s.cb.OnError(it.err) })
	default:
		if err := s.onEvent(it.value); err != nil {
			s.subscriberFailed(err)
			return
		}
		s.svc.metrics.EventDelivered(s.entry.name)
	}
}

func (s *Subscription) onEvent(v streamapi.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in OnEvent: %v", r)
		}
	}()
	return s.cb.OnEvent(v)
}

func (s *Subscription) subscriberFailed(err error) {
	s.svc.metrics.SubscriberFailed(s.entry.name)
	s.failLog.Do(func() {
		s.log.Warn("Subscriber callback failed", zap.Error(err))
	})
	if s.cancelled.Load() {
		return
	}
	serr := streamapi.NewError(streamapi.ErrorKindSubscriberFailure, err.Error())
	s.guard("OnError", func() { s.cb.OnError(serr) })
}

// guard runs a callback and contains its panics to this subscription.
func (s *Subscription) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.svc.metrics.SubscriberFailed(s.entry.name)
			s.log.Error("Subscriber callback panicked", zap.String("callback", name), zap.Any("panic", r))
		}
	}()
	fn()
}

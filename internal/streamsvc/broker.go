package streamsvc

import (
	"fmt"

	"github.com/neuroplastio/neio-stream/streamapi"
)

// Subscribe registers cb on the named channel and returns its handle. The
// first subscriber of a channel starts the channel's driver in the
// background; Subscribe itself only updates bookkeeping.
func (s *Service) Subscribe(channel string, cb streamapi.Subscriber) (*Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	e, ok := s.entries.Load(channel)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	sub := newSubscription(s, e, cb)

	e.mu.Lock()
	if s.closed.Load() {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.subs[sub.id] = sub
	if len(e.subs) == 1 {
		s.ensureStarted(e)
	}
	n := len(e.subs)
	s.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer s.wg.Done()
		sub.run()
	}()
	s.metrics.SetSubscribers(channel, n)
	return sub, nil
}

// Unsubscribe cancels sub. No callback starts after Unsubscribe returns; a
// callback already in progress is allowed to finish. The last subscriber of a
// channel stops its driver asynchronously. Calling it again is a no-op.
func (s *Service) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.cancelled.CompareAndSwap(false, true) {
		return
	}
	e := sub.entry
	e.mu.Lock()
	if _, ok := e.subs[sub.id]; ok {
		delete(e.subs, sub.id)
		if len(e.subs) == 0 {
			s.ensureStopped(e, nil)
		}
	}
	n := len(e.subs)
	e.mu.Unlock()

	sub.close()
	s.metrics.SetSubscribers(e.name, n)
}

// Package bus is a keyed, in-process notification bus. Publishing never
// blocks: when the queue or a subscriber's buffer is full the message is
// dropped for that subscriber and counted.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type key interface {
	comparable
}

type message interface {
	any
}

type Message[K key, M message] struct {
	Key     K
	Message M
}

type Publisher[M message] func(ctx context.Context, msg M)
type Subscriber[K key, M message] func(ctx context.Context) <-chan Message[K, M]

var defaultOptions = busOptions{
	concurrency: 1,
	queueSize:   256,
	bufferSize:  64,
}

type busOptions struct {
	concurrency int
	queueSize   int
	bufferSize  int
}

type Option func(*busOptions)

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(o *busOptions) {
		o.bufferSize = n
	}
}

func WithQueueSize(n int) Option {
	return func(o *busOptions) {
		o.queueSize = n
	}
}

type subscription[K key, M message] struct {
	mu     sync.Mutex
	ch     chan Message[K, M]
	closed bool
}

func (s *subscription[K, M]) send(msg Message[K, M]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *subscription[K, M]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type subscriptionSet[K key, M message] map[*subscription[K, M]]struct{}

type Bus[K key, M message] struct {
	log     *zap.Logger
	options busOptions
	ready   chan struct{}

	ch         chan Message[K, M]
	keySubs    *xsync.MapOf[K, subscriptionSet[K, M]]
	globalSubs *xsync.MapOf[*subscription[K, M], struct{}]

	dropped *atomic.Uint64
}

func NewBus[K key, M message](logger *zap.Logger, opts ...Option) *Bus[K, M] {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Bus[K, M]{
		log:     logger,
		options: options,
		ready:   make(chan struct{}),

		ch:         make(chan Message[K, M], options.queueSize),
		keySubs:    xsync.NewMapOf[K, subscriptionSet[K, M]](),
		globalSubs: xsync.NewMapOf[*subscription[K, M], struct{}](),

		dropped: atomic.NewUint64(0),
	}
}

// Start launches the dispatch workers. They exit when ctx is cancelled.
func (b *Bus[K, M]) Start(ctx context.Context) error {
	if b.options.concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	for i := 0; i < b.options.concurrency; i++ {
		go b.worker(ctx)
	}
	close(b.ready)
	return nil
}

func (b *Bus[K, M]) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.ch:
			b.process(msg)
		}
	}
}

func (b *Bus[K, M]) Ready() <-chan struct{} {
	return b.ready
}

// Dropped returns the number of messages that could not be queued or delivered.
func (b *Bus[K, M]) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus[K, M]) Publish(ctx context.Context, key K, msg M) {
	select {
	case <-ctx.Done():
	case b.ch <- Message[K, M]{key, msg}:
	default:
		b.dropped.Inc()
		b.log.Warn("bus queue full, message dropped", zap.Any("key", key))
	}
}

func (b *Bus[K, M]) CreatePublisher(key K) Publisher[M] {
	return func(ctx context.Context, msg M) {
		b.Publish(ctx, key, msg)
	}
}

func (b *Bus[K, M]) CreateSubscriber(key ...K) Subscriber[K, M] {
	return func(ctx context.Context) <-chan Message[K, M] {
		return b.Subscribe(ctx, key...)
	}
}

func (b *Bus[K, M]) process(msg Message[K, M]) {
	b.globalSubs.Range(func(sub *subscription[K, M], _ struct{}) bool {
		b.deliver(sub, msg)
		return true
	})
	subs, ok := b.keySubs.Load(msg.Key)
	if !ok {
		return
	}
	for sub := range subs {
		b.deliver(sub, msg)
	}
}

func (b *Bus[K, M]) deliver(sub *subscription[K, M], msg Message[K, M]) {
	if !sub.send(msg) {
		b.dropped.Inc()
		b.log.Warn("subscriber buffer full, message dropped", zap.Any("key", msg.Key))
	}
}

// Subscribe returns a channel receiving messages for the given keys, or for
// every key when none is given. The channel is closed once ctx is done.
func (b *Bus[K, M]) Subscribe(ctx context.Context, key ...K) <-chan Message[K, M] {
	sub := &subscription[K, M]{
		ch: make(chan Message[K, M], b.options.bufferSize),
	}
	if len(key) == 0 {
		b.globalSubs.Store(sub, struct{}{})
		go func() {
			<-ctx.Done()
			b.globalSubs.Delete(sub)
			sub.close()
		}()
		return sub.ch
	}
	for _, k := range key {
		b.keySubs.Compute(k, func(val subscriptionSet[K, M], _ bool) (subscriptionSet[K, M], bool) {
			next := make(subscriptionSet[K, M], len(val)+1)
			for s := range val {
				next[s] = struct{}{}
			}
			next[sub] = struct{}{}
			return next, false
		})
	}
	go func() {
		<-ctx.Done()
		for _, k := range key {
			b.keySubs.Compute(k, func(val subscriptionSet[K, M], _ bool) (subscriptionSet[K, M], bool) {
				next := make(subscriptionSet[K, M], len(val))
				for s := range val {
					if s != sub {
						next[s] = struct{}{}
					}
				}
				return next, len(next) == 0
			})
		}
		sub.close()
	}()
	return sub.ch
}

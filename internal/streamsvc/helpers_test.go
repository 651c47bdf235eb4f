package streamsvc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/neuroplastio/neio-stream/streamapi"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

// harness is a controllable driver factory that tracks live driver instances.
type harness struct {
	mu       sync.Mutex
	live     int
	maxLive  int
	starts   int
	stops    int
	configs  []string
	current  streamapi.Emitter
	startErr error
	block    bool
	// hang, when set, makes Start ignore its context until hang is closed.
	hang chan struct{}
}

func (h *harness) creator() streamapi.DriverCreator {
	return func(config json.RawMessage, log *zap.Logger) (streamapi.Driver, error) {
		h.mu.Lock()
		h.configs = append(h.configs, string(config))
		h.mu.Unlock()
		return &fakeDriver{h: h}, nil
	}
}

func (h *harness) setStartErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startErr = err
}

func (h *harness) setBlock(b bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.block = b
}

func (h *harness) emitter() streamapi.Emitter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *harness) liveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}

func (h *harness) counts() (starts, stops, maxLive int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts, h.stops, h.maxLive
}

// emit sends v through the running driver, waiting for it to be started.
func (h *harness) emit(t *testing.T, v any) {
	t.Helper()
	var em streamapi.Emitter
	require.Eventually(t, func() bool {
		em = h.emitter()
		return em != nil
	}, waitFor, tick)
	em.Emit(streamapi.NewReading(time.Now(), v))
}

type fakeDriver struct {
	h *harness
}

func (d *fakeDriver) Start(ctx context.Context, emit streamapi.Emitter) error {
	d.h.mu.Lock()
	block, startErr, hang := d.h.block, d.h.startErr, d.h.hang
	d.h.starts++
	d.h.mu.Unlock()
	if hang != nil {
		<-hang
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if startErr != nil {
		return startErr
	}
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	d.h.live++
	d.h.maxLive = max(d.h.maxLive, d.h.live)
	d.h.current = emit
	return nil
}

func (d *fakeDriver) Stop() error {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	d.h.live--
	d.h.stops++
	d.h.current = nil
	return nil
}

func identity(r streamapi.Reading) (streamapi.Value, error) {
	if err, ok := r.Data.(error); ok {
		return nil, err
	}
	return r.Data, nil
}

// recorder is a Subscriber that records every callback.
type recorder struct {
	mu        sync.Mutex
	events    []streamapi.Value
	errs      []*streamapi.Error
	completed int
	onEvent   func(v streamapi.Value) error
}

func (r *recorder) OnEvent(v streamapi.Value) error {
	r.mu.Lock()
	r.events = append(r.events, v)
	fn := r.onEvent
	r.mu.Unlock()
	if fn != nil {
		return fn(v)
	}
	return nil
}

func (r *recorder) OnError(err *streamapi.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) OnComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func (r *recorder) Events() []streamapi.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]streamapi.Value(nil), r.events...)
}

func (r *recorder) Errors() []*streamapi.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*streamapi.Error(nil), r.errs...)
}

func (r *recorder) Completed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

func newTestService(t *testing.T, h *harness, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{
		WithChannel("test", streamapi.ChannelType{NewDriver: h.creator(), Format: identity}),
		WithStartTimeout(200 * time.Millisecond),
	}, opts...)
	svc, err := New(zap.NewNop(), time.Now, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, svc.Shutdown(ctx))
	})
	return svc
}

func waitState(t *testing.T, svc *Service, channel string, state streamapi.DriverState) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, ok := svc.Channel(channel)
		return ok && info.State == state
	}, waitFor, tick, "channel %s never reached %s", channel, state)
}

var errBoom = errors.New("boom")

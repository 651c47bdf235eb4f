package streamsvc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/neuroplastio/neio-stream/streamapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubscribeStartsAndStopsDriver(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h)

	rec := &recorder{}
	sub, err := svc.Subscribe("test", rec)
	require.NoError(t, err)
	assert.Equal(t, "test", sub.Channel())

	waitState(t, svc, "test", streamapi.DriverRunning)
	h.emit(t, 1)
	h.emit(t, 2)
	require.Eventually(t, func() bool { return len(rec.Events()) == 2 }, waitFor, tick)
	assert.Equal(t, []streamapi.Value{1, 2}, rec.Events())

	sub.Cancel()
	waitState(t, svc, "test", streamapi.DriverIdle)
	<-sub.Done()
	starts, stops, _ := h.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)

	// idempotent
	sub.Cancel()
	svc.Unsubscribe(sub)
	svc.Unsubscribe(nil)
	_, stops, _ = h.counts()
	assert.Equal(t, 1, stops)
}

func TestIntermediateSubscribersInvisibleToDriver(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h)

	a, err := svc.Subscribe("test", &recorder{})
	require.NoError(t, err)
	waitState(t, svc, "test", streamapi.DriverRunning)

	b, err := svc.Subscribe("test", &recorder{})
	require.NoError(t, err)
	c, err := svc.Subscribe("test", &recorder{})
	require.NoError(t, err)
	c.Cancel()
	b.Cancel()

	info, _ := svc.Channel("test")
	assert.Equal(t, 1, info.Subscribers)
	assert.Equal(t, streamapi.DriverRunning, info.State)
	starts, stops, _ := h.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 0, stops)

	a.Cancel()
	waitState(t, svc, "test", streamapi.DriverIdle)
	_, stops, _ = h.counts()
	assert.Equal(t, 1, stops)
}

func TestDriverRunningIffSubscribers(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h)
	rng := rand.New(rand.NewSource(1))

	var subs []*Subscription
	for i := 0; i < 200; i++ {
		if len(subs) == 0 || rng.Intn(2) == 0 {
			sub, err := svc.Subscribe("test", &recorder{})
			require.NoError(t, err)
			subs = append(subs, sub)
		} else {
			j := rng.Intn(len(subs))
			subs[j].Cancel()
			subs = append(subs[:j], subs[j+1:]...)
		}
		if i%20 != 0 {
			continue
		}
		if len(subs) > 0 {
			waitState(t, svc, "test", streamapi.DriverRunning)
			assert.Equal(t, 1, h.liveCount())
		} else {
			waitState(t, svc, "test", streamapi.DriverIdle)
			assert.Equal(t, 0, h.liveCount())
		}
	}
	for _, sub := range subs {
		sub.Cancel()
	}
	waitState(t, svc, "test", streamapi.DriverIdle)
	assert.Equal(t, 0, h.liveCount())
	_, _, maxLive := h.counts()
	assert.Equal(t, 1, maxLive)
}

func TestRapidResubscribeKeepsSingleDriver(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h)

	for i := 0; i < 50; i++ {
		sub, err := svc.Subscribe("test", &recorder{})
		require.NoError(t, err)
		sub.Cancel()
	}
	sub, err := svc.Subscribe("test", &recorder{})
	require.NoError(t, err)
	waitState(t, svc, "test", streamapi.DriverRunning)
	assert.Equal(t, 1, h.liveCount())

	sub.Cancel()
	waitState(t, svc, "test", streamapi.DriverIdle)
	starts, stops, maxLive := h.counts()
	assert.Equal(t, 1, maxLive)
	assert.Equal(t, starts, stops)
}

func TestNoEventsAfterUnsubscribe(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h)

	cancelled := &recorder{}
	sub, err := svc.Subscribe("test", cancelled)
	require.NoError(t, err)
	other := &recorder{}
	_, err = svc.Subscribe("test", other)
	require.NoError(t, err)

	waitState(t, svc, "test", streamapi.DriverRunning)
	h.emit(t, "before")
	require.Eventually(t, func() bool { return len(cancelled.Events()) == 1 }, waitFor, tick)

	sub.Cancel()
	for i := 0; i < 10; i++ {
		h.emit(t, i)
	}
	require.Eventually(t, func() bool { return len(other.Events()) == 11 }, waitFor, tick)
	assert.Equal(t, []streamapi.Value{"before"}, cancelled.Events())
	assert.Empty(t, cancelled.Errors())
	assert.Zero(t, cancelled.Completed())
}

func TestCancelFromCallback(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h)

	rec := &recorder{}
	var sub *Subscription
	ready := make(chan struct{})
	rec.onEvent = func(v streamapi.Value) error {
		<-ready
		sub.Cancel()
		return nil
	}
	sub, err := svc.Subscribe("test", rec)
	require.NoError(t, err)
	close(ready)

	waitState(t, svc, "test", streamapi.DriverRunning)
	em := h.emitter()
	require.NotNil(t, em)
	em.Emit(streamapi.NewReading(time.Now(), 1))
	<-sub.Done()
	waitState(t, svc, "test", streamapi.DriverIdle)
	// emissions after the driver was released are ignored
	em.Emit(streamapi.NewReading(time.Now(), 2))
	assert.Equal(t, []streamapi.Value{1}, rec.Events())
}

func TestFanOutIsolation(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h)

	failing := &recorder{onEvent: func(v streamapi.Value) error {
		return errBoom
	}}
	panicking := &recorder{onEvent: func(v streamapi.Value) error {
		panic("subscriber bug")
	}}
	healthy := &recorder{}
	for _, rec := range []*recorder{failing, panicking, healthy} {
		_, err := svc.Subscribe("test", rec)
		require.NoError(t, err)
	}
	waitState(t, svc, "test", streamapi.DriverRunning)

	for i := 0; i < 5; i++ {
		h.emit(t, i)
	}
	require.Eventually(t, func() bool { return len(healthy.Events()) == 5 }, waitFor, tick)
	assert.Equal(t, []streamapi.Value{0, 1, 2, 3, 4}, healthy.Events())
	assert.Empty(t, healthy.Errors())

	require.Eventually(t, func() bool {
		return len(failing.Errors()) == 5 && len(panicking.Errors()) == 5
	}, waitFor, tick)
	for _, err := range append(failing.Errors(), panicking.Errors()...) {
		assert.Equal(t, streamapi.ErrorKindSubscriberFailure, err.Kind)
	}
	assert.Contains(t, failing.Errors()[0].Message, "boom")
	assert.Contains(t, panicking.Errors()[0].Message, "subscriber bug")

	info, _ := svc.Channel("test")
	assert.Equal(t, streamapi.DriverRunning, info.State)
	assert.Equal(t, 3, info.Subscribers)
}

func TestPanickingErrorCallbackIsContained(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h)

	bad := streamapi.SubscriberFuncs{
		Event: func(v streamapi.Value) error { return errBoom },
		Error: func(err *streamapi.Error) { panic("error handler bug") },
	}
	_, err := svc.Subscribe("test", bad)
	require.NoError(t, err)
	healthy := &recorder{}
	_, err = svc.Subscribe("test", healthy)
	require.NoError(t, err)

	waitState(t, svc, "test", streamapi.DriverRunning)
	h.emit(t, 1)
	h.emit(t, 2)
	require.Eventually(t, func() bool { return len(healthy.Events()) == 2 }, waitFor, tick)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h, WithMailboxSize(2), WithStallTimeout(10*time.Millisecond))

	release := make(chan struct{})
	slow := &recorder{onEvent: func(v streamapi.Value) error {
		<-release
		return nil
	}}
	fast := &recorder{}
	_, err := svc.Subscribe("test", slow)
	require.NoError(t, err)
	_, err = svc.Subscribe("test", fast)
	require.NoError(t, err)
	waitState(t, svc, "test", streamapi.DriverRunning)

	for i := 0; i < 20; i++ {
		h.emit(t, i)
	}
	require.Eventually(t, func() bool { return len(fast.Events()) == 20 }, waitFor, tick)
	close(release)

	// the slow subscriber keeps the in-flight value plus a full mailbox
	require.Eventually(t, func() bool { return len(slow.Events()) >= 1 }, waitFor, tick)
	assert.LessOrEqual(t, len(slow.Events()), 3)
}

func TestBurstReachesHealthySubscriber(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h, WithMailboxSize(2))

	rec := &recorder{onEvent: func(v streamapi.Value) error {
		time.Sleep(time.Millisecond)
		return nil
	}}
	_, err := svc.Subscribe("test", rec)
	require.NoError(t, err)
	waitState(t, svc, "test", streamapi.DriverRunning)

	var expected []streamapi.Value
	for i := 0; i < 20; i++ {
		h.emit(t, i)
		expected = append(expected, i)
	}
	require.Eventually(t, func() bool { return len(rec.Events()) == 20 }, waitFor, tick)
	assert.Equal(t, expected, rec.Events())
}

func TestStartFailureNotifiesOnceAndAllowsRetry(t *testing.T) {
	h := &harness{}
	h.setStartErr(fmt.Errorf("open accelerometer: %w", streamapi.ErrNoSensor))
	svc := newTestService(t, h)

	a, b := &recorder{}, &recorder{}
	subA, err := svc.Subscribe("test", a)
	require.NoError(t, err)
	subB, err := svc.Subscribe("test", b)
	require.NoError(t, err)

	<-subA.Done()
	<-subB.Done()
	for _, rec := range []*recorder{a, b} {
		require.Len(t, rec.Errors(), 1)
		assert.Equal(t, streamapi.ErrorKindNoSensor, rec.Errors()[0].Kind)
		assert.Empty(t, rec.Events())
		assert.Zero(t, rec.Completed())
	}
	waitState(t, svc, "test", streamapi.DriverIdle)
	info, _ := svc.Channel("test")
	assert.Zero(t, info.Subscribers)

	before, _, _ := h.counts()
	h.setStartErr(nil)
	retry := &recorder{}
	_, err = svc.Subscribe("test", retry)
	require.NoError(t, err)
	waitState(t, svc, "test", streamapi.DriverRunning)
	h.emit(t, "ok")
	require.Eventually(t, func() bool { return len(retry.Events()) == 1 }, waitFor, tick)
	starts, _, _ := h.counts()
	assert.Equal(t, before+1, starts)
}

func TestStartErrorKinds(t *testing.T) {
	type testCase struct {
		err      error
		expected streamapi.ErrorKind
	}
	testCases := []testCase{
		{err: streamapi.ErrNoSource, expected: streamapi.ErrorKindNoSource},
		{err: errBoom, expected: streamapi.ErrorKindNoSource},
		{err: streamapi.ErrNoSensor, expected: streamapi.ErrorKindNoSensor},
		{err: streamapi.NewError(streamapi.ErrorKindSourceFailure, "custom"), expected: streamapi.ErrorKindSourceFailure},
	}
	for _, tc := range testCases {
		h := &harness{}
		h.setStartErr(tc.err)
		svc := newTestService(t, h)
		rec := &recorder{}
		sub, err := svc.Subscribe("test", rec)
		require.NoError(t, err)
		<-sub.Done()
		require.Len(t, rec.Errors(), 1)
		assert.Equal(t, tc.expected, rec.Errors()[0].Kind, "%v", tc.err)
	}
}

func TestStartTimeout(t *testing.T) {
	h := &harness{}
	h.setBlock(true)
	svc := newTestService(t, h, WithStartTimeout(20*time.Millisecond))

	rec := &recorder{}
	sub, err := svc.Subscribe("test", rec)
	require.NoError(t, err)
	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription did not end after start timeout")
	}
	require.Len(t, rec.Errors(), 1)
	assert.Equal(t, streamapi.ErrorKindTimeout, rec.Errors()[0].Kind)
	waitState(t, svc, "test", streamapi.DriverIdle)
}

func TestHungStartDoesNotWedgeChannel(t *testing.T) {
	h := &harness{hang: make(chan struct{})}
	release := sync.OnceFunc(func() { close(h.hang) })
	svc := newTestService(t, h, WithStartTimeout(20*time.Millisecond))
	t.Cleanup(release)

	awaitTimeout := func() {
		t.Helper()
		rec := &recorder{}
		sub, err := svc.Subscribe("test", rec)
		require.NoError(t, err)
		select {
		case <-sub.Done():
		case <-time.After(waitFor):
			t.Fatal("subscription did not end while the driver was hung")
		}
		require.Len(t, rec.Errors(), 1)
		assert.Equal(t, streamapi.ErrorKindTimeout, rec.Errors()[0].Kind)
	}
	awaitTimeout()
	waitState(t, svc, "test", streamapi.DriverStopping)

	// the first driver is still inside Start; retries time out instead of
	// queueing behind it
	awaitTimeout()
	waitState(t, svc, "test", streamapi.DriverIdle)
	awaitTimeout()
	waitState(t, svc, "test", streamapi.DriverIdle)
	starts, _, _ := h.counts()
	assert.Equal(t, 1, starts)

	release()
	require.Eventually(t, func() bool {
		_, stops, _ := h.counts()
		return stops == 1
	}, waitFor, tick)
	e, ok := svc.entries.Load("test")
	require.True(t, ok)
	e.mu.Lock()
	last := e.last
	e.mu.Unlock()
	select {
	case <-last.stopped:
	case <-time.After(waitFor):
		t.Fatal("timed out retries were not released with the hung driver")
	}

	rec := &recorder{}
	sub, err := svc.Subscribe("test", rec)
	require.NoError(t, err)
	waitState(t, svc, "test", streamapi.DriverRunning)
	h.emit(t, "ok")
	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, waitFor, tick)
	sub.Cancel()
	waitState(t, svc, "test", streamapi.DriverIdle)
	_, _, maxLive := h.counts()
	assert.Equal(t, 1, maxLive)
}

func TestActivationsReleasePredecessors(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h)

	for i := 0; i < 50; i++ {
		sub, err := svc.Subscribe("test", &recorder{})
		require.NoError(t, err)
		waitState(t, svc, "test", streamapi.DriverRunning)
		sub.Cancel()
		waitState(t, svc, "test", streamapi.DriverIdle)
	}

	e, ok := svc.entries.Load("test")
	require.True(t, ok)
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotNil(t, e.last)
	assert.Nil(t, e.last.prev, "settled activation still references its predecessor")
}

func TestUnsubscribeDuringStart(t *testing.T) {
	h := &harness{}
	h.setBlock(true)
	svc := newTestService(t, h, WithStartTimeout(time.Minute))

	rec := &recorder{}
	sub, err := svc.Subscribe("test", rec)
	require.NoError(t, err)
	waitState(t, svc, "test", streamapi.DriverStarting)
	sub.Cancel()
	waitState(t, svc, "test", streamapi.DriverIdle)
	assert.Empty(t, rec.Errors())
	assert.Equal(t, 0, h.liveCount())
}

func TestSourceFailureTerminatesChannel(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h)

	a, b := &recorder{}, &recorder{}
	subA, err := svc.Subscribe("test", a)
	require.NoError(t, err)
	subB, err := svc.Subscribe("test", b)
	require.NoError(t, err)
	waitState(t, svc, "test", streamapi.DriverRunning)

	h.emit(t, 1)
	require.Eventually(t, func() bool { return len(a.Events()) == 1 && len(b.Events()) == 1 }, waitFor, tick)
	h.emitter().Fail(errors.New("read failed"))

	<-subA.Done()
	<-subB.Done()
	for _, rec := range []*recorder{a, b} {
		require.Len(t, rec.Errors(), 1)
		assert.Equal(t, streamapi.ErrorKindSourceFailure, rec.Errors()[0].Kind)
		assert.Equal(t, "read failed", rec.Errors()[0].Message)
	}
	waitState(t, svc, "test", streamapi.DriverIdle)
	assert.Equal(t, 0, h.liveCount())

	// handles of a failed activation are inert
	subA.Cancel()
	_, stops, _ := h.counts()
	assert.Equal(t, 1, stops)
}

func TestFormatErrorDropsReading(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h)

	rec := &recorder{}
	_, err := svc.Subscribe("test", rec)
	require.NoError(t, err)
	waitState(t, svc, "test", streamapi.DriverRunning)

	h.emit(t, errBoom)
	h.emit(t, "after")
	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, waitFor, tick)
	assert.Equal(t, []streamapi.Value{"after"}, rec.Events())
	assert.Empty(t, rec.Errors())
}

func TestShutdownCompletesSubscribers(t *testing.T) {
	h := &harness{}
	svc, err := New(zap.NewNop(), time.Now,
		WithChannel("test", streamapi.ChannelType{NewDriver: h.creator(), Format: identity}),
	)
	require.NoError(t, err)

	rec := &recorder{}
	sub, err := svc.Subscribe("test", rec)
	require.NoError(t, err)
	waitState(t, svc, "test", streamapi.DriverRunning)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
	<-sub.Done()
	assert.Equal(t, 1, rec.Completed())
	assert.Equal(t, 0, h.liveCount())

	_, err = svc.Subscribe("test", &recorder{})
	assert.ErrorIs(t, err, ErrClosed)
	sub.Cancel()
}

func TestUnknownChannel(t *testing.T) {
	svc := newTestService(t, &harness{})
	_, err := svc.Subscribe("nope", &recorder{})
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.ErrorIs(t, svc.Configure("nope", nil), ErrUnknownChannel)
}

func TestRegisterValidation(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h)
	assert.Error(t, svc.Register("test", streamapi.ChannelType{NewDriver: h.creator(), Format: identity}))
	assert.Error(t, svc.Register("other", streamapi.ChannelType{NewDriver: h.creator()}))
	require.NoError(t, svc.Register("other", streamapi.ChannelType{NewDriver: h.creator(), Format: identity}))

	names := []string{}
	for _, info := range svc.Channels() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"other", "test"}, names)

	_, err := New(zap.NewNop(), time.Now, WithMailboxSize(0))
	assert.Error(t, err)
}

func TestConfigureAppliesOnNextActivation(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h)

	require.NoError(t, svc.Configure("test", []byte(`{"v":1}`)))
	sub, err := svc.Subscribe("test", &recorder{})
	require.NoError(t, err)
	waitState(t, svc, "test", streamapi.DriverRunning)

	require.NoError(t, svc.Configure("test", []byte(`{"v":2}`)))
	sub.Cancel()
	waitState(t, svc, "test", streamapi.DriverIdle)
	sub, err = svc.Subscribe("test", &recorder{})
	require.NoError(t, err)
	waitState(t, svc, "test", streamapi.DriverRunning)
	sub.Cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{`{"v":1}`, `{"v":2}`}, h.configs)
}

func TestNoStateEventsBeforeStart(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h)

	for i := 0; i < 100; i++ {
		sub, err := svc.Subscribe("test", &recorder{})
		require.NoError(t, err)
		waitState(t, svc, "test", streamapi.DriverRunning)
		sub.Cancel()
		waitState(t, svc, "test", streamapi.DriverIdle)
	}
	assert.Zero(t, svc.states.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)
	<-svc.Ready()
	states := svc.SubscribeStates(ctx, "test")

	sub, err := svc.Subscribe("test", &recorder{})
	require.NoError(t, err)
	select {
	case msg := <-states:
		assert.Equal(t, streamapi.DriverStarting, msg.Message.State)
		assert.Equal(t, uint64(101), msg.Message.Activation)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for the first state event")
	}
	sub.Cancel()
	assert.Zero(t, svc.states.Dropped())
}

func TestStateEvents(t *testing.T) {
	h := &harness{}
	svc := newTestService(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)
	<-svc.Ready()
	states := svc.SubscribeStates(ctx, "test")

	sub, err := svc.Subscribe("test", &recorder{})
	require.NoError(t, err)
	waitState(t, svc, "test", streamapi.DriverRunning)
	sub.Cancel()

	expected := []streamapi.DriverState{
		streamapi.DriverStarting,
		streamapi.DriverRunning,
		streamapi.DriverStopping,
		streamapi.DriverIdle,
	}
	for _, state := range expected {
		select {
		case msg := <-states:
			assert.Equal(t, "test", msg.Key)
			assert.Equal(t, state, msg.Message.State)
			assert.Equal(t, uint64(1), msg.Message.Activation)
		case <-time.After(waitFor):
			t.Fatalf("timed out waiting for %s", state)
		}
	}
}

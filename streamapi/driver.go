package streamapi

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// Emitter is handed to a Driver on start. Both methods are safe to call from
// any goroutine; calls after the driver has been stopped are ignored.
type Emitter interface {
	// Emit forwards a reading to the channel's delivery queue.
	Emit(r Reading)
	// Fail reports a mid-stream source failure and terminates the driver.
	Fail(err error)
}

// Driver owns a physical or OS source for one channel.
//
// Start acquires the source, emits the first readings and returns; emission
// continues in the background until Stop. Start must honour ctx cancellation,
// which signals that the start bound has expired or the channel is no longer
// wanted. Stop releases every listener and timer registered by Start and
// returns once no further Emit calls will be made.
type Driver interface {
	Start(ctx context.Context, emit Emitter) error
	Stop() error
}

type DriverCreator func(config json.RawMessage, log *zap.Logger) (Driver, error)

// ChannelType binds a driver constructor to the formatter that turns its
// readings into public values.
type ChannelType struct {
	NewDriver DriverCreator
	Format    Formatter
}

// Reader is a source that can be sampled on demand.
type Reader[T any] interface {
	ReadCurrent() (T, error)
}

// Source is a platform capability that can be read on demand and that can
// push change notifications.
type Source[T any] interface {
	Reader[T]
	SubscribeToChanges(fn func(T)) error
	Unsubscribe() error
}

package streamapi

// Subscriber receives values of one channel. Callbacks for a single
// subscription are never invoked concurrently.
//
// OnEvent returning an error (or panicking) is reported back through OnError
// with ErrorKindSubscriberFailure and does not affect other subscribers.
type Subscriber interface {
	OnEvent(v Value) error
	OnError(err *Error)
	OnComplete()
}

// SubscriberFuncs adapts plain functions to Subscriber. Nil fields are no-ops.
type SubscriberFuncs struct {
	Event    func(v Value) error
	Error    func(err *Error)
	Complete func()
}

func (f SubscriberFuncs) OnEvent(v Value) error {
	if f.Event == nil {
		return nil
	}
	return f.Event(v)
}

func (f SubscriberFuncs) OnError(err *Error) {
	if f.Error != nil {
		f.Error(err)
	}
}

func (f SubscriberFuncs) OnComplete() {
	if f.Complete != nil {
		f.Complete()
	}
}

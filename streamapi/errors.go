package streamapi

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrorKindNoSource          ErrorKind = "NO_SOURCE"
	ErrorKindNoSensor          ErrorKind = "NO_SENSOR"
	ErrorKindSourceFailure     ErrorKind = "SOURCE_FAILURE"
	ErrorKindSubscriberFailure ErrorKind = "SUBSCRIBER_FAILURE"
	ErrorKindTimeout           ErrorKind = "TIMEOUT"
)

var (
	// ErrNoSource is returned by sources whose hardware or OS service is not available.
	ErrNoSource = errors.New("source not available")
	// ErrNoSensor is returned by motion sources when no accelerometer exists.
	ErrNoSensor = errors.New("sensor not available")
)

// Error is delivered to subscribers through OnError. Details is opaque and
// may be empty.
type Error struct {
	Kind    ErrorKind
	Message string
	Details string
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func (e *Error) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
}

func (e *Error) WithDetails(details string) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// Terminal reports whether the error ends the channel's current driver.
func (e *Error) Terminal() bool {
	return e.Kind != ErrorKindSubscriberFailure
}

// StartError classifies an error returned from Driver.Start.
func StartError(err error) *Error {
	var serr *Error
	switch {
	case errors.As(err, &serr):
		return serr
	case errors.Is(err, ErrNoSensor):
		return NewError(ErrorKindNoSensor, err.Error())
	default:
		return NewError(ErrorKindNoSource, err.Error())
	}
}

// FailureError classifies an error reported by a running driver.
func FailureError(err error) *Error {
	var serr *Error
	if errors.As(err, &serr) {
		return serr
	}
	return NewError(ErrorKindSourceFailure, err.Error())
}

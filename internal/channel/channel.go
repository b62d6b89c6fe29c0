// Package channel defines the contract every delivery channel implements
// and the error classification the dispatcher's retry policy relies on.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/notify-engine/internal/model"
)

// ErrorKind classifies a delivery failure for the retry policy.
type ErrorKind int

const (
	// Transient failures (timeouts, 5xx, rate limits) are retried.
	Transient ErrorKind = iota
	// Permanent failures (bad address, rejected credentials) are not.
	Permanent
)

func (k ErrorKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// DeliveryError is returned by adapters when a provider refuses or fails a
// delivery.
type DeliveryError struct {
	Channel model.Channel
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s delivery error (%s): %s: %v", e.Channel, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s delivery error (%s): %s", e.Channel, e.Kind, e.Message)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// TransientError builds a retryable DeliveryError.
func TransientError(ch model.Channel, err error, format string, args ...interface{}) *DeliveryError {
	return &DeliveryError{Channel: ch, Kind: Transient, Message: fmt.Sprintf(format, args...), Err: err}
}

// PermanentError builds a non-retryable DeliveryError.
func PermanentError(ch model.Channel, err error, format string, args ...interface{}) *DeliveryError {
	return &DeliveryError{Channel: ch, Kind: Permanent, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsPermanent reports whether err (or any error in its chain) is a
// permanent DeliveryError.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == Permanent
}

// IsTransient reports whether err should be retried. Errors an adapter did
// not classify, including context deadlines, count as transient.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// Recipient is where a delivery goes.
type Recipient struct {
	Name  string
	Email string
	Phone string
}

// Content is a rendered notification, ready for one channel.
type Content struct {
	Event   model.Event
	Subject string
	Text    string
	HTML    string

	// ActionLinks maps each action to its single-use RSVP URL (email).
	ActionLinks map[model.Action]string

	// Script is spoken before the key-press prompt (call).
	Script string
	// GatherURL receives the pressed digit; StatusURL receives call
	// progress callbacks (call).
	GatherURL string
	StatusURL string
}

// Receipt is what a provider returned for an accepted delivery.
type Receipt struct {
	ProviderRef string
	// Pending is set when the outcome arrives later through a callback,
	// as it does for calls.
	Pending bool
}

// Adapter delivers content over one channel. Implementations must honor
// ctx cancellation; the dispatcher applies the provider timeout through
// it.
type Adapter interface {
	Channel() model.Channel
	Send(ctx context.Context, to Recipient, c Content) (Receipt, error)
}

// Registry looks adapters up by channel.
type Registry map[model.Channel]Adapter

// NewRegistry indexes adapters by their channel.
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Channel()] = a
	}
	return r
}

// Get returns the adapter for ch.
func (r Registry) Get(ch model.Channel) (Adapter, error) {
	a, ok := r[ch]
	if !ok {
		return nil, PermanentError(ch, nil, "no adapter configured")
	}
	return a, nil
}

// Package channel provides named, bidirectional message paths between a UI
// layer and platform handler code.
//
// A Messenger routes opaque byte messages by channel name. A MethodChannel
// sits on top of a Messenger and a MethodCodec and turns messages into
// method calls and replies into success, error or not-implemented outcomes.
//
//	loop := channel.NewMainLoop()
//	defer loop.Close()
//
//	messenger := channel.NewMessenger(loop)
//	ch := channel.NewMethodChannel(messenger, "play_integrity", channel.JSONMethodCodec{})
//	ch.SetMethodCallHandler(channel.MethodCallHandlerFunc(func(call channel.MethodCall, result channel.Result) {
//	    result.Success("pong")
//	}))
//
//	reply, err := ch.InvokeMethod(ctx, "ping", nil)
package channel

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrNotImplemented is returned by InvokeMethod when no handler is bound
	// to the channel or the handler does not implement the method.
	ErrNotImplemented = errors.New("method not implemented")

	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrInvalidCall     = errors.New("invalid method call")
	ErrClosed          = errors.New("executor is closed")
)

// MethodCall is a decoded inbound request.
type MethodCall struct {
	// Method is the method name.
	Method string

	// Arguments holds the decoded arguments, nil when there are none.
	Arguments any
}

// Error is the structured failure delivered across a channel.
type Error struct {
	// Code is a machine-readable error code (e.g., "INTEGRITY_ERROR").
	Code string

	// Message is a human-readable description.
	Message string

	// Details carries optional structured data.
	Details any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result receives the single outcome of a method call.
// Only the first call to any of its methods has an effect.
type Result interface {
	Success(value any)
	Error(code, message string, details any)
	NotImplemented()
}

// MethodCallHandler handles method calls arriving on a MethodChannel.
type MethodCallHandler interface {
	OnMethodCall(call MethodCall, result Result)
}

// MethodCallHandlerFunc adapts a function to MethodCallHandler.
type MethodCallHandlerFunc func(call MethodCall, result Result)

// OnMethodCall calls f(call, result).
func (f MethodCallHandlerFunc) OnMethodCall(call MethodCall, result Result) {
	f(call, result)
}

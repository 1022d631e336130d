package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// MethodChannel exchanges method calls over a BinaryMessenger.
type MethodChannel struct {
	name      string
	messenger BinaryMessenger
	codec     MethodCodec
	logger    *slog.Logger

	mu    sync.Mutex
	bound *callDispatcher
}

// NewMethodChannel creates a method channel. A nil codec defaults to
// JSONMethodCodec.
func NewMethodChannel(messenger BinaryMessenger, name string, codec MethodCodec) *MethodChannel {
	if codec == nil {
		codec = JSONMethodCodec{}
	}
	return &MethodChannel{
		name:      name,
		messenger: messenger,
		codec:     codec,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger used for dropped or undeliverable replies.
func (c *MethodChannel) WithLogger(logger *slog.Logger) *MethodChannel {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Name returns the channel name.
func (c *MethodChannel) Name() string {
	return c.name
}

// Codec returns the channel codec.
func (c *MethodChannel) Codec() MethodCodec {
	return c.codec
}

// SetMethodCallHandler binds h to the channel, replacing any previous
// handler. A nil handler unbinds the channel whatever is bound to it.
func (c *MethodChannel) SetMethodCallHandler(h MethodCallHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h == nil {
		c.messenger.SetMessageHandler(c.name, nil)
		c.bound = nil
		return
	}

	d := &callDispatcher{channel: c, handler: h}
	c.messenger.SetMessageHandler(c.name, d)
	c.bound = d
}

// ClearMethodCallHandler unbinds the handler set through this channel. A
// handler bound since by another channel of the same name is left alone.
// It reports whether a binding was removed.
func (c *MethodChannel) ClearMethodCallHandler() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.bound
	c.bound = nil
	if d == nil {
		return false
	}
	return c.messenger.ClearMessageHandler(c.name, d)
}

// callDispatcher decodes messages into method calls for one handler.
type callDispatcher struct {
	channel *MethodChannel
	handler MethodCallHandler
}

func (d *callDispatcher) OnMessage(message []byte, reply Reply) {
	c := d.channel
	call, err := c.codec.DecodeMethodCall(message)
	if err != nil {
		c.logger.Warn("failed to decode method call", "channel", c.name, "error", err)
		envelope, encErr := c.codec.EncodeErrorEnvelope("error", err.Error(), nil)
		if encErr != nil {
			reply(nil)
			return
		}
		reply(envelope)
		return
	}

	d.handler.OnMethodCall(call, &methodResult{
		channel: c,
		method:  call.Method,
		reply:   reply,
	})
}

// InvokeMethod sends a method call and waits for the outcome.
//
// A failure reported by the handler is returned as *Error. A channel with no
// handler, or a handler that answers NotImplemented, yields ErrNotImplemented.
func (c *MethodChannel) InvokeMethod(ctx context.Context, method string, args any) (any, error) {
	message, err := c.codec.EncodeMethodCall(MethodCall{Method: method, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("failed to encode method call: %w", err)
	}

	response, err := c.messenger.Send(ctx, c.name, message)
	if err != nil {
		return nil, err
	}
	if len(response) == 0 {
		return nil, fmt.Errorf("%w: %s on channel %s", ErrNotImplemented, method, c.name)
	}

	return c.codec.DecodeEnvelope(response)
}

// methodResult encodes the outcome of one call and replies at most once.
type methodResult struct {
	channel *MethodChannel
	method  string
	reply   Reply
	done    atomic.Bool
}

func (r *methodResult) claim() bool {
	if r.done.CompareAndSwap(false, true) {
		return true
	}
	r.channel.logger.Debug("dropping duplicate reply", "channel", r.channel.name, "method", r.method)
	return false
}

func (r *methodResult) Success(value any) {
	if !r.claim() {
		return
	}
	envelope, err := r.channel.codec.EncodeSuccessEnvelope(value)
	if err != nil {
		r.channel.logger.Error("failed to encode success envelope", "channel", r.channel.name, "method", r.method, "error", err)
		envelope, err = r.channel.codec.EncodeErrorEnvelope("error", err.Error(), nil)
		if err != nil {
			r.reply(nil)
			return
		}
	}
	r.reply(envelope)
}

func (r *methodResult) Error(code, message string, details any) {
	if !r.claim() {
		return
	}
	envelope, err := r.channel.codec.EncodeErrorEnvelope(code, message, details)
	if err != nil {
		r.channel.logger.Error("failed to encode error envelope", "channel", r.channel.name, "method", r.method, "error", err)
		r.reply(nil)
		return
	}
	r.reply(envelope)
}

func (r *methodResult) NotImplemented() {
	if !r.claim() {
		return
	}
	r.reply(nil)
}

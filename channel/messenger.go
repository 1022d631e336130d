package channel

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
)

// Reply delivers the response to one message. A nil reply means no handler
// answered. Only the first call has an effect.
type Reply func(response []byte)

// MessageHandler handles raw messages arriving on a named channel.
type MessageHandler interface {
	OnMessage(message []byte, reply Reply)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(message []byte, reply Reply)

// OnMessage calls f(message, reply).
func (f MessageHandlerFunc) OnMessage(message []byte, reply Reply) {
	f(message, reply)
}

// BinaryMessenger routes messages by channel name.
type BinaryMessenger interface {
	// SetMessageHandler binds h to name, replacing any existing handler.
	// A nil handler removes the binding.
	SetMessageHandler(name string, h MessageHandler)

	// ClearMessageHandler removes the binding of name only while h is the
	// bound handler, and reports whether it did.
	ClearMessageHandler(name string, h MessageHandler) bool

	// Send delivers message to the handler bound to name and waits for the
	// reply. A nil reply with a nil error means nothing handled it.
	Send(ctx context.Context, name string, message []byte) ([]byte, error)
}

// Messenger is the in-process BinaryMessenger. Handlers are invoked on the
// executor given to NewMessenger.
type Messenger struct {
	executor Executor

	mu       sync.RWMutex
	handlers map[string]MessageHandler
}

var _ BinaryMessenger = (*Messenger)(nil)

// NewMessenger creates a messenger that runs handlers on executor.
// A nil executor runs handlers on the sending goroutine.
func NewMessenger(executor Executor) *Messenger {
	if executor == nil {
		executor = Inline
	}
	return &Messenger{
		executor: executor,
		handlers: make(map[string]MessageHandler),
	}
}

// SetMessageHandler implements BinaryMessenger.
func (m *Messenger) SetMessageHandler(name string, h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h == nil {
		delete(m.handlers, name)
		return
	}
	m.handlers[name] = h
}

// ClearMessageHandler implements BinaryMessenger.
func (m *Messenger) ClearMessageHandler(name string, h MessageHandler) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.handlers[name]
	if !ok || !sameHandler(current, h) {
		return false
	}
	delete(m.handlers, name)
	return true
}

// sameHandler compares handlers by identity. Function handlers are not
// comparable and never match.
func sameHandler(a, b MessageHandler) bool {
	if a == nil || b == nil {
		return false
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// Send implements BinaryMessenger.
func (m *Messenger) Send(ctx context.Context, name string, message []byte) ([]byte, error) {
	m.mu.RLock()
	h, ok := m.handlers[name]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}

	replyCh := make(chan []byte, 1)
	var replied atomic.Bool
	reply := func(response []byte) {
		if replied.CompareAndSwap(false, true) {
			replyCh <- response
		}
	}

	if !m.executor.Post(func() { h.OnMessage(message, reply) }) {
		return nil, ErrClosed
	}

	select {
	case response := <-replyCh:
		return response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Executor returns the executor handlers run on.
func (m *Messenger) Executor() Executor {
	return m.executor
}

// Channels returns the sorted names of channels with a bound handler.
func (m *Messenger) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a handler is bound to name.
func (m *Messenger) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handlers[name]
	return ok
}

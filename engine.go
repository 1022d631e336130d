package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kacy/integrity-bridge/channel"
	"github.com/kacy/integrity-bridge/integrity"
	"github.com/kacy/integrity-bridge/nonce"
	"github.com/kacy/integrity-bridge/verdict"
)

// Engine hosts the channels of one application engine: a UI executor, a
// messenger and the integrity handler registered on it.
//
// This is the recommended way to use the bridge. For custom hosting, create
// a channel.Messenger and call Handler.RegisterWith directly.
type Engine struct {
	loop      *channel.MainLoop
	messenger *channel.Messenger
	handler   *Handler
	nonces    nonce.Store
	ownNonces bool
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Config holds configuration for an Engine.
type Config struct {
	// PackageName is the package identity of the hosted app (required).
	PackageName string

	// Provider issues integrity tokens (required).
	Provider integrity.Provider

	// Nonces overrides the nonce store. When nil, an in-memory store is
	// created and closed with the engine.
	Nonces nonce.Store

	// NonceTTL is how long issued nonces remain valid (default: 5 minutes).
	NonceTTL time.Duration

	// Verdicts decodes tokens (default: verdict.Placeholder).
	Verdicts verdict.Source

	// CloudProjectNumber is forwarded with every token request (optional).
	CloudProjectNumber int64

	// Codec is the channel codec (default: channel.JSONMethodCodec).
	Codec channel.MethodCodec

	// Logger receives engine logs (default: slog.Default()).
	Logger *slog.Logger
}

// NewEngine creates an engine and registers the integrity handler.
//
// Example:
//
//	engine, err := bridge.NewEngine(bridge.Config{
//	    PackageName: "dev.fiaz.calculator",
//	    Provider:    provider,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	ch := channel.NewMethodChannel(engine.Messenger(), bridge.ChannelName, nil)
//	verdict, err := ch.InvokeMethod(ctx, bridge.MethodRequestIntegrityVerdict, nil)
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.PackageName == "" {
		return nil, errors.New("package name is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("integrity provider is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nonces := cfg.Nonces
	ownNonces := false
	if nonces == nil {
		nonces = nonce.NewMemoryStore(nonce.Config{TTL: cfg.NonceTTL})
		ownNonces = true
	}

	handler, err := NewHandler(HandlerConfig{
		PackageName:        cfg.PackageName,
		Provider:           cfg.Provider,
		Nonces:             nonces,
		Verdicts:           cfg.Verdicts,
		CloudProjectNumber: cfg.CloudProjectNumber,
		Codec:              cfg.Codec,
		Logger:             logger,
	})
	if err != nil {
		if ownNonces {
			nonces.Close()
		}
		return nil, err
	}

	loop := channel.NewMainLoop()
	messenger := channel.NewMessenger(loop)
	handler.RegisterWith(messenger)

	logger.Info("engine attached", "channels", messenger.Channels())

	return &Engine{
		loop:      loop,
		messenger: messenger,
		handler:   handler,
		nonces:    nonces,
		ownNonces: ownNonces,
		logger:    logger,
	}, nil
}

// Messenger returns the engine's messenger.
func (e *Engine) Messenger() *channel.Messenger {
	return e.messenger
}

// Handler returns the registered integrity handler.
func (e *Engine) Handler() *Handler {
	return e.handler
}

// Nonces returns the nonce store.
func (e *Engine) Nonces() nonce.Store {
	return e.nonces
}

// Shutdown stops accepting calls and waits for in-flight verdict requests to
// reply before closing the engine. The engine is closed even when ctx ends
// first, in which case the remaining outcomes are dropped and ctx's error is
// returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.handler.Dispose()

	err := e.handler.Wait(ctx)
	if err != nil {
		e.logger.Warn("engine shutdown before in-flight requests finished", "error", err)
	}

	if closeErr := e.Close(); closeErr != nil {
		return closeErr
	}
	return err
}

// Close detaches the engine: the handler is disposed and the UI executor
// stops. Outcomes of requests still awaiting the provider are dropped; use
// Shutdown to let them finish.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	e.handler.Dispose()
	e.loop.Close()
	if e.ownNonces {
		e.nonces.Close()
	}

	e.logger.Info("engine detached")
	return nil
}

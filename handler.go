package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kacy/integrity-bridge/channel"
	"github.com/kacy/integrity-bridge/integrity"
	"github.com/kacy/integrity-bridge/nonce"
	"github.com/kacy/integrity-bridge/verdict"
)

// Channel and method names exposed to the UI layer.
const (
	ChannelName                   = "play_integrity"
	MethodRequestIntegrityVerdict = "requestIntegrityVerdict"
)

// ErrorCode is the channel error code for every failed verdict request.
const ErrorCode = "INTEGRITY_ERROR"

// Keys of the verdict payload returned on success.
const (
	KeyToken                 = "token"
	KeyDeviceIntegrity       = "deviceIntegrity"
	KeyAppRecognitionVerdict = "appRecognitionVerdict"
	KeyRequestHash           = "requestHash"
	KeyPackageName           = "packageName"
	KeyTimestampMillis       = "timestampMillis"
)

// HandlerConfig holds the dependencies of a Handler.
type HandlerConfig struct {
	// PackageName is the package identity of the calling app (required).
	PackageName string

	// Provider issues integrity tokens (required).
	Provider integrity.Provider

	// Nonces issues the per-request nonces (required).
	Nonces nonce.Store

	// Verdicts decodes tokens (default: verdict.Placeholder).
	Verdicts verdict.Source

	// CloudProjectNumber is forwarded with every token request (optional).
	CloudProjectNumber int64

	// Codec is the channel codec (default: channel.JSONMethodCodec).
	Codec channel.MethodCodec

	// Logger receives handler logs (default: slog.Default()).
	Logger *slog.Logger
}

// Handler answers integrity verdict requests on the play_integrity channel.
//
// Method calls arrive on the messenger's executor. The provider wait runs on
// its own goroutine and the reply is posted back to the same executor.
type Handler struct {
	packageName        string
	provider           integrity.Provider
	nonces             nonce.Store
	verdicts           verdict.Source
	cloudProjectNumber int64
	codec              channel.MethodCodec
	logger             *slog.Logger
	now                func() time.Time

	mu       sync.Mutex
	channel  *channel.MethodChannel
	executor channel.Executor
	inflight int
	idle     chan struct{}
}

var _ channel.MethodCallHandler = (*Handler)(nil)

// NewHandler creates a handler. It is not bound to any channel until
// RegisterWith is called.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.PackageName == "" {
		return nil, errors.New("package name is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("integrity provider is required")
	}
	if cfg.Nonces == nil {
		return nil, errors.New("nonce store is required")
	}

	verdicts := cfg.Verdicts
	if verdicts == nil {
		verdicts = verdict.Placeholder{}
	}
	codec := cfg.Codec
	if codec == nil {
		codec = channel.JSONMethodCodec{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		packageName:        cfg.PackageName,
		provider:           cfg.Provider,
		nonces:             cfg.Nonces,
		verdicts:           verdicts,
		cloudProjectNumber: cfg.CloudProjectNumber,
		codec:              codec,
		logger:             logger.With("channel", ChannelName),
		now:                time.Now,
		executor:           channel.Inline,
	}, nil
}

// RegisterWith binds the handler to the play_integrity channel of m.
// Replies are delivered on m's executor when m is a *channel.Messenger.
// Registering again moves the binding; the channel name keeps exactly one
// handler per messenger. A binding another handler has taken over since is
// left in place.
func (h *Handler) RegisterWith(m channel.BinaryMessenger) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channel != nil {
		h.channel.ClearMethodCallHandler()
	}

	executor := channel.Inline
	if withExec, ok := m.(interface{ Executor() channel.Executor }); ok {
		executor = withExec.Executor()
	}

	ch := channel.NewMethodChannel(m, ChannelName, h.codec).WithLogger(h.logger)
	ch.SetMethodCallHandler(h)

	h.channel = ch
	h.executor = executor
}

// Dispose unbinds the handler. It is a no-op when the handler was never
// registered, is already disposed, or was replaced by a later registration.
func (h *Handler) Dispose() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channel == nil {
		return
	}
	h.channel.ClearMethodCallHandler()
	h.channel = nil
}

// Wait blocks until every verdict request started so far has handed its
// outcome to the executor, or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	h.mu.Lock()
	if h.inflight == 0 {
		h.mu.Unlock()
		return nil
	}
	if h.idle == nil {
		h.idle = make(chan struct{})
	}
	idle := h.idle
	h.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) done() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.inflight--
	if h.inflight == 0 && h.idle != nil {
		close(h.idle)
		h.idle = nil
	}
}

// OnMethodCall implements channel.MethodCallHandler.
func (h *Handler) OnMethodCall(call channel.MethodCall, result channel.Result) {
	switch call.Method {
	case MethodRequestIntegrityVerdict:
		h.requestIntegrityVerdict(result)
	default:
		result.NotImplemented()
	}
}

func (h *Handler) requestIntegrityVerdict(result channel.Result) {
	h.mu.Lock()
	executor := h.executor
	h.inflight++
	h.mu.Unlock()

	go func() {
		defer h.done()

		payload, err := h.verdictPayload(context.Background())

		delivered := executor.Post(func() {
			if err != nil {
				result.Error(ErrorCode, err.Error(), nil)
				return
			}
			result.Success(payload)
		})
		if !delivered {
			h.logger.Warn("dropping integrity verdict reply, executor closed")
		}
	}()
}

// verdictPayload runs one request to its terminal outcome.
func (h *Handler) verdictPayload(ctx context.Context) (map[string]any, error) {
	requestID := uuid.NewString()
	logger := h.logger.With("request_id", requestID)

	n, err := h.nonces.Issue(ctx, requestID)
	if err != nil {
		logger.Error("error issuing nonce", "error", err)
		return nil, fmt.Errorf("failed to issue nonce: %w", err)
	}
	// Sources that verify tokens consume the nonce first; this releases it
	// for the rest.
	defer h.nonces.Consume(context.Background(), requestID, n)

	task := h.provider.RequestIntegrityToken(ctx, integrity.TokenRequest{
		Nonce:              n,
		CloudProjectNumber: h.cloudProjectNumber,
	})
	resp, err := await(task)
	if err != nil {
		logger.Error("error requesting integrity verdict", "error", err)
		return nil, err
	}

	v, err := h.verdicts.Verdict(ctx, verdict.Request{
		Token:     resp.Token,
		RequestID: requestID,
		Nonce:     n,
	})
	if err != nil {
		logger.Error("error decoding integrity verdict", "error", err)
		return nil, err
	}

	packageName := h.packageName
	if v.PackageName != "" {
		packageName = v.PackageName
	}

	logger.Debug("integrity verdict ready",
		"device_integrity", v.DeviceIntegrity,
		"app_recognition", v.AppRecognitionVerdict,
	)

	return map[string]any{
		KeyToken:                 resp.Token,
		KeyDeviceIntegrity:       v.DeviceIntegrity,
		KeyAppRecognitionVerdict: v.AppRecognitionVerdict,
		KeyRequestHash:           v.RequestHash,
		KeyPackageName:           packageName,
		KeyTimestampMillis:       strconv.FormatInt(h.now().UnixMilli(), 10),
	}, nil
}

// await turns the listener-based task into a single outcome. Only the first
// completion is kept should a provider complete twice.
func await(task *integrity.Task[*integrity.TokenResponse]) (*integrity.TokenResponse, error) {
	if task == nil {
		return nil, errors.New("provider returned no task")
	}

	type outcome struct {
		resp *integrity.TokenResponse
		err  error
	}
	ch := make(chan outcome, 1)
	deliver := func(o outcome) {
		select {
		case ch <- o:
		default:
		}
	}

	task.AddOnSuccessListener(func(resp *integrity.TokenResponse) {
		if resp == nil {
			deliver(outcome{err: integrity.ErrEmptyToken})
			return
		}
		deliver(outcome{resp: resp})
	}).AddOnFailureListener(func(err error) {
		deliver(outcome{err: err})
	})

	o := <-ch
	return o.resp, o.err
}

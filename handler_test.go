package bridge

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacy/integrity-bridge/channel"
	"github.com/kacy/integrity-bridge/integrity"
	"github.com/kacy/integrity-bridge/nonce"
	"github.com/kacy/integrity-bridge/verdict"
)

const testPackage = "dev.fiaz.calculator"

// recordingProvider completes every request through fn and records nonces.
type recordingProvider struct {
	mu     sync.Mutex
	calls  int
	nonces []string
	fn     func(req integrity.TokenRequest) *integrity.Task[*integrity.TokenResponse]
}

func (p *recordingProvider) RequestIntegrityToken(_ context.Context, req integrity.TokenRequest) *integrity.Task[*integrity.TokenResponse] {
	p.mu.Lock()
	p.calls++
	p.nonces = append(p.nonces, req.Nonce)
	p.mu.Unlock()
	return p.fn(req)
}

func (p *recordingProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func succeedWith(token string) func(integrity.TokenRequest) *integrity.Task[*integrity.TokenResponse] {
	return func(integrity.TokenRequest) *integrity.Task[*integrity.TokenResponse] {
		source := integrity.NewCompletionSource[*integrity.TokenResponse]()
		go source.SetResult(&integrity.TokenResponse{Token: token})
		return source.Task()
	}
}

func failWith(msg string) func(integrity.TokenRequest) *integrity.Task[*integrity.TokenResponse] {
	return func(integrity.TokenRequest) *integrity.Task[*integrity.TokenResponse] {
		source := integrity.NewCompletionSource[*integrity.TokenResponse]()
		go source.SetError(errors.New(msg))
		return source.Task()
	}
}

type harness struct {
	loop      *channel.MainLoop
	messenger *channel.Messenger
	handler   *Handler
	provider  *recordingProvider
	nonces    *nonce.MemoryStore
	channel   *channel.MethodChannel
}

func newHarness(t *testing.T, provider *recordingProvider, verdicts verdict.Source) *harness {
	t.Helper()

	nonces := nonce.NewMemoryStore(nonce.Config{})
	t.Cleanup(nonces.Close)

	handler, err := NewHandler(HandlerConfig{
		PackageName: testPackage,
		Provider:    provider,
		Nonces:      nonces,
		Verdicts:    verdicts,
	})
	require.NoError(t, err)

	loop := channel.NewMainLoop()
	t.Cleanup(loop.Close)

	messenger := channel.NewMessenger(loop)
	handler.RegisterWith(messenger)

	return &harness{
		loop:      loop,
		messenger: messenger,
		handler:   handler,
		provider:  provider,
		nonces:    nonces,
		channel:   channel.NewMethodChannel(messenger, ChannelName, nil),
	}
}

func (h *harness) invoke(t *testing.T, method string) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.channel.InvokeMethod(ctx, method, nil)
}

func TestNewHandler_Validation(t *testing.T) {
	nonces := nonce.NewMemoryStore(nonce.Config{})
	defer nonces.Close()
	provider := integrity.StaticProvider{Token: "t"}

	tests := []struct {
		name   string
		config HandlerConfig
		errMsg string
	}{
		{name: "missing package name", config: HandlerConfig{Provider: provider, Nonces: nonces}, errMsg: "package name is required"},
		{name: "missing provider", config: HandlerConfig{PackageName: testPackage, Nonces: nonces}, errMsg: "integrity provider is required"},
		{name: "missing nonce store", config: HandlerConfig{PackageName: testPackage, Provider: provider}, errMsg: "nonce store is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, err := NewHandler(tt.config)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
			assert.Nil(t, handler)
		})
	}
}

func TestHandler_UnknownMethod(t *testing.T) {
	provider := &recordingProvider{fn: succeedWith("token")}
	h := newHarness(t, provider, nil)

	for _, method := range []string{"getPlatformVersion", "requestintegrityverdict", "requestIntegrityToken"} {
		_, err := h.invoke(t, method)
		assert.ErrorIs(t, err, channel.ErrNotImplemented, method)
	}

	assert.Equal(t, 0, provider.Calls())
}

func TestHandler_RequestIntegrityVerdict_Success(t *testing.T) {
	provider := &recordingProvider{fn: succeedWith("opaque-token")}
	h := newHarness(t, provider, nil)

	start := time.Now().UnixMilli()
	value, err := h.invoke(t, MethodRequestIntegrityVerdict)
	require.NoError(t, err)

	payload, ok := value.(map[string]any)
	require.True(t, ok, "payload is %T", value)

	assert.Len(t, payload, 6)
	assert.Equal(t, "opaque-token", payload[KeyToken])
	assert.Equal(t, verdict.MeetsBasicIntegrity, payload[KeyDeviceIntegrity])
	assert.Equal(t, verdict.PlayRecognized, payload[KeyAppRecognitionVerdict])
	assert.Equal(t, verdict.PlaceholderRequestHash, payload[KeyRequestHash])
	assert.Equal(t, testPackage, payload[KeyPackageName])

	ts, ok := payload[KeyTimestampMillis].(string)
	require.True(t, ok)
	millis, err := strconv.ParseInt(ts, 10, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, millis, int64(0))
	assert.GreaterOrEqual(t, millis, start)

	assert.Equal(t, 1, provider.Calls())
}

func TestHandler_RequestIntegrityVerdict_ProviderFailure(t *testing.T) {
	msg := "Integrity API error (-9): Binding to the service in the Play Store has failed."
	provider := &recordingProvider{fn: failWith(msg)}
	h := newHarness(t, provider, nil)

	_, err := h.invoke(t, MethodRequestIntegrityVerdict)

	var chErr *channel.Error
	require.True(t, errors.As(err, &chErr))
	assert.Equal(t, ErrorCode, chErr.Code)
	assert.Equal(t, msg, chErr.Message)
	assert.Nil(t, chErr.Details)
}

func TestHandler_RequestIntegrityVerdict_VerdictFailure(t *testing.T) {
	provider := &recordingProvider{fn: succeedWith("token")}
	verdicts := verdict.SourceFunc(func(context.Context, verdict.Request) (*verdict.Verdict, error) {
		return nil, errors.New("decode failed")
	})
	h := newHarness(t, provider, verdicts)

	_, err := h.invoke(t, MethodRequestIntegrityVerdict)

	var chErr *channel.Error
	require.True(t, errors.As(err, &chErr))
	assert.Equal(t, ErrorCode, chErr.Code)
	assert.Equal(t, "decode failed", chErr.Message)
}

func TestHandler_NilResponseIsFailure(t *testing.T) {
	provider := &recordingProvider{fn: func(integrity.TokenRequest) *integrity.Task[*integrity.TokenResponse] {
		return integrity.ForResult[*integrity.TokenResponse](nil)
	}}
	h := newHarness(t, provider, nil)

	_, err := h.invoke(t, MethodRequestIntegrityVerdict)

	var chErr *channel.Error
	require.True(t, errors.As(err, &chErr))
	assert.Equal(t, integrity.ErrEmptyToken.Error(), chErr.Message)
}

func TestHandler_FreshNoncePerCall(t *testing.T) {
	provider := &recordingProvider{fn: succeedWith("token")}
	h := newHarness(t, provider, nil)

	for i := 0; i < 3; i++ {
		_, err := h.invoke(t, MethodRequestIntegrityVerdict)
		require.NoError(t, err)
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	require.Len(t, provider.nonces, 3)
	seen := make(map[string]struct{})
	for _, n := range provider.nonces {
		assert.NoError(t, integrity.TokenRequest{Nonce: n}.Validate())
		_, dup := seen[n]
		assert.False(t, dup)
		seen[n] = struct{}{}
	}
}

func TestHandler_VerdictSourceSeesIssuedNonce(t *testing.T) {
	provider := &recordingProvider{fn: succeedWith("token")}

	var got verdict.Request
	verdicts := verdict.SourceFunc(func(_ context.Context, req verdict.Request) (*verdict.Verdict, error) {
		got = req
		return &verdict.Verdict{
			DeviceIntegrity:       verdict.MeetsStrongIntegrity,
			AppRecognitionVerdict: verdict.PlayRecognized,
			RequestHash:           "real-hash",
			PackageName:           "dev.fiaz.calculator.debug",
		}, nil
	})
	h := newHarness(t, provider, verdicts)

	value, err := h.invoke(t, MethodRequestIntegrityVerdict)
	require.NoError(t, err)

	payload := value.(map[string]any)
	assert.Equal(t, verdict.MeetsStrongIntegrity, payload[KeyDeviceIntegrity])
	assert.Equal(t, "real-hash", payload[KeyRequestHash])
	assert.Equal(t, "dev.fiaz.calculator.debug", payload[KeyPackageName])

	assert.Equal(t, "token", got.Token)
	assert.NotEmpty(t, got.RequestID)
	provider.mu.Lock()
	assert.Equal(t, provider.nonces[0], got.Nonce)
	provider.mu.Unlock()
}

func TestHandler_ReplyDeliveredOnExecutor(t *testing.T) {
	provider := &recordingProvider{fn: succeedWith("token")}

	nonces := nonce.NewMemoryStore(nonce.Config{})
	defer nonces.Close()

	handler, err := NewHandler(HandlerConfig{PackageName: testPackage, Provider: provider, Nonces: nonces})
	require.NoError(t, err)

	var posts atomic.Int32
	executor := channel.ExecutorFunc(func(fn func()) bool {
		posts.Add(1)
		fn()
		return true
	})

	messenger := channel.NewMessenger(executor)
	handler.RegisterWith(messenger)

	ch := channel.NewMethodChannel(messenger, ChannelName, nil)
	_, err = ch.InvokeMethod(context.Background(), MethodRequestIntegrityVerdict, nil)
	require.NoError(t, err)

	// One post to dispatch the call, one to deliver the reply
	assert.Equal(t, int32(2), posts.Load())
}

func TestHandler_DisposeBeforeRegister(t *testing.T) {
	nonces := nonce.NewMemoryStore(nonce.Config{})
	defer nonces.Close()

	handler, err := NewHandler(HandlerConfig{
		PackageName: testPackage,
		Provider:    integrity.StaticProvider{Token: "t"},
		Nonces:      nonces,
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		handler.Dispose()
		handler.Dispose()
	})
}

func TestHandler_Dispose(t *testing.T) {
	provider := &recordingProvider{fn: succeedWith("token")}
	h := newHarness(t, provider, nil)

	other := channel.NewMethodChannel(h.messenger, "other", nil)
	other.SetMethodCallHandler(channel.MethodCallHandlerFunc(func(_ channel.MethodCall, result channel.Result) {
		result.Success("still here")
	}))

	h.handler.Dispose()

	_, err := h.invoke(t, MethodRequestIntegrityVerdict)
	assert.ErrorIs(t, err, channel.ErrNotImplemented)
	assert.Equal(t, 0, provider.Calls())

	value, err := other.InvokeMethod(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "still here", value)
}

func TestHandler_RegisterTwiceKeepsLatest(t *testing.T) {
	nonces := nonce.NewMemoryStore(nonce.Config{})
	defer nonces.Close()

	first := &recordingProvider{fn: succeedWith("first")}
	second := &recordingProvider{fn: succeedWith("second")}

	h1, err := NewHandler(HandlerConfig{PackageName: testPackage, Provider: first, Nonces: nonces})
	require.NoError(t, err)
	h2, err := NewHandler(HandlerConfig{PackageName: testPackage, Provider: second, Nonces: nonces})
	require.NoError(t, err)

	messenger := channel.NewMessenger(nil)
	h1.RegisterWith(messenger)
	h2.RegisterWith(messenger)

	ch := channel.NewMethodChannel(messenger, ChannelName, nil)
	value, err := ch.InvokeMethod(context.Background(), MethodRequestIntegrityVerdict, nil)
	require.NoError(t, err)

	assert.Equal(t, "second", value.(map[string]any)[KeyToken])
	assert.Equal(t, 0, first.Calls())
	assert.Equal(t, 1, second.Calls())
	assert.Equal(t, []string{ChannelName}, messenger.Channels())
}

func TestHandler_ReregisterMovesBinding(t *testing.T) {
	provider := &recordingProvider{fn: succeedWith("token")}
	nonces := nonce.NewMemoryStore(nonce.Config{})
	defer nonces.Close()

	handler, err := NewHandler(HandlerConfig{PackageName: testPackage, Provider: provider, Nonces: nonces})
	require.NoError(t, err)

	old := channel.NewMessenger(nil)
	current := channel.NewMessenger(nil)
	handler.RegisterWith(old)
	handler.RegisterWith(current)

	assert.False(t, old.Has(ChannelName))
	assert.True(t, current.Has(ChannelName))
}

func TestHandler_StaleDisposeKeepsLatest(t *testing.T) {
	nonces := nonce.NewMemoryStore(nonce.Config{})
	defer nonces.Close()

	first := &recordingProvider{fn: succeedWith("first")}
	second := &recordingProvider{fn: succeedWith("second")}

	h1, err := NewHandler(HandlerConfig{PackageName: testPackage, Provider: first, Nonces: nonces})
	require.NoError(t, err)
	h2, err := NewHandler(HandlerConfig{PackageName: testPackage, Provider: second, Nonces: nonces})
	require.NoError(t, err)

	messenger := channel.NewMessenger(nil)
	h1.RegisterWith(messenger)
	h2.RegisterWith(messenger)
	h1.Dispose()

	require.True(t, messenger.Has(ChannelName))

	ch := channel.NewMethodChannel(messenger, ChannelName, nil)
	value, err := ch.InvokeMethod(context.Background(), MethodRequestIntegrityVerdict, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", value.(map[string]any)[KeyToken])

	h2.Dispose()
	assert.False(t, messenger.Has(ChannelName))
}

func TestHandler_MoveKeepsOtherBinding(t *testing.T) {
	nonces := nonce.NewMemoryStore(nonce.Config{})
	defer nonces.Close()

	moving := &recordingProvider{fn: succeedWith("moving")}
	staying := &recordingProvider{fn: succeedWith("staying")}

	h1, err := NewHandler(HandlerConfig{PackageName: testPackage, Provider: moving, Nonces: nonces})
	require.NoError(t, err)
	h3, err := NewHandler(HandlerConfig{PackageName: testPackage, Provider: staying, Nonces: nonces})
	require.NoError(t, err)

	shared := channel.NewMessenger(nil)
	target := channel.NewMessenger(nil)

	h1.RegisterWith(shared)
	h3.RegisterWith(shared)
	h1.RegisterWith(target)

	assert.True(t, target.Has(ChannelName))
	require.True(t, shared.Has(ChannelName))

	ch := channel.NewMethodChannel(shared, ChannelName, nil)
	value, err := ch.InvokeMethod(context.Background(), MethodRequestIntegrityVerdict, nil)
	require.NoError(t, err)
	assert.Equal(t, "staying", value.(map[string]any)[KeyToken])
	assert.Equal(t, 0, moving.Calls())
}

func TestHandler_ReleasesNonces(t *testing.T) {
	tests := []struct {
		name     string
		provider *recordingProvider
		wantErr  bool
	}{
		{name: "success", provider: &recordingProvider{fn: succeedWith("token")}},
		{name: "provider failure", provider: &recordingProvider{fn: failWith("no Play Store")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.provider, nil)

			_, err := h.invoke(t, MethodRequestIntegrityVerdict)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, 0, h.nonces.Len())
		})
	}
}

func TestHandler_Wait(t *testing.T) {
	release := make(chan struct{})
	provider := &recordingProvider{fn: func(integrity.TokenRequest) *integrity.Task[*integrity.TokenResponse] {
		source := integrity.NewCompletionSource[*integrity.TokenResponse]()
		go func() {
			<-release
			source.SetResult(&integrity.TokenResponse{Token: "late"})
		}()
		return source.Task()
	}}
	h := newHarness(t, provider, nil)

	// Nothing in flight
	require.NoError(t, h.handler.Wait(context.Background()))

	results := make(chan error, 1)
	go func() {
		_, err := h.invoke(t, MethodRequestIntegrityVerdict)
		results <- err
	}()
	require.Eventually(t, func() bool { return provider.Calls() == 1 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.handler.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, h.handler.Wait(context.Background()))
	require.NoError(t, <-results)
}

func TestHandler_ConcurrentRequestsIndependent(t *testing.T) {
	release := make(chan struct{})
	var n atomic.Int32

	provider := &recordingProvider{fn: func(req integrity.TokenRequest) *integrity.Task[*integrity.TokenResponse] {
		source := integrity.NewCompletionSource[*integrity.TokenResponse]()
		first := n.Add(1) == 1
		go func() {
			<-release
			if first {
				source.SetResult(&integrity.TokenResponse{Token: "token-" + req.Nonce})
				return
			}
			source.SetError(errors.New("quota exceeded"))
		}()
		return source.Task()
	}}
	h := newHarness(t, provider, nil)

	type outcome struct {
		value any
		err   error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			v, err := h.invoke(t, MethodRequestIntegrityVerdict)
			results <- outcome{value: v, err: err}
		}()
	}

	require.Eventually(t, func() bool { return provider.Calls() == 2 }, 5*time.Second, time.Millisecond)
	close(release)

	var successes, failures int
	for i := 0; i < 2; i++ {
		o := <-results
		if o.err != nil {
			var chErr *channel.Error
			require.True(t, errors.As(o.err, &chErr))
			assert.Equal(t, "quota exceeded", chErr.Message)
			failures++
			continue
		}
		payload := o.value.(map[string]any)
		provider.mu.Lock()
		assert.Contains(t, []any{"token-" + provider.nonces[0], "token-" + provider.nonces[1]}, payload[KeyToken])
		provider.mu.Unlock()
		successes++
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, failures)
}

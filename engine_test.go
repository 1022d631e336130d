package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacy/integrity-bridge/channel"
	"github.com/kacy/integrity-bridge/integrity"
	"github.com/kacy/integrity-bridge/nonce"
)

func TestNewEngine_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		errMsg string
	}{
		{
			name:   "missing package name",
			config: Config{Provider: integrity.StaticProvider{Token: "t"}},
			errMsg: "package name is required",
		},
		{
			name:   "missing provider",
			config: Config{PackageName: testPackage},
			errMsg: "integrity provider is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := NewEngine(tt.config)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
			assert.Nil(t, engine)
		})
	}
}

func TestEngine_RequestIntegrityVerdict(t *testing.T) {
	codecs := map[string]channel.MethodCodec{
		"json": channel.JSONMethodCodec{},
		"cbor": channel.CBORMethodCodec{},
	}

	for name, codec := range codecs {
		t.Run(name, func(t *testing.T) {
			engine, err := NewEngine(Config{
				PackageName: testPackage,
				Provider:    integrity.StaticProvider{Token: "dev-token"},
				Codec:       codec,
			})
			require.NoError(t, err)
			defer engine.Close()

			assert.Equal(t, []string{ChannelName}, engine.Messenger().Channels())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			ch := channel.NewMethodChannel(engine.Messenger(), ChannelName, codec)
			value, err := ch.InvokeMethod(ctx, MethodRequestIntegrityVerdict, nil)
			require.NoError(t, err)

			payload, ok := value.(map[string]any)
			require.True(t, ok, "payload is %T", value)
			assert.Equal(t, "dev-token", payload[KeyToken])
			assert.Equal(t, testPackage, payload[KeyPackageName])
		})
	}
}

func TestEngine_Close(t *testing.T) {
	engine, err := NewEngine(Config{
		PackageName: testPackage,
		Provider:    integrity.StaticProvider{Token: "dev-token"},
	})
	require.NoError(t, err)

	// Should not panic
	assert.NoError(t, engine.Close())
	assert.NoError(t, engine.Close())

	assert.False(t, engine.Messenger().Has(ChannelName))

	ch := channel.NewMethodChannel(engine.Messenger(), ChannelName, nil)
	_, err = ch.InvokeMethod(context.Background(), MethodRequestIntegrityVerdict, nil)
	assert.True(t, errors.Is(err, channel.ErrNotImplemented))
}

func TestEngine_ExternalNonceStoreNotClosed(t *testing.T) {
	nonces := nonce.NewMemoryStore(nonce.Config{})
	defer nonces.Close()

	engine, err := NewEngine(Config{
		PackageName: testPackage,
		Provider:    integrity.StaticProvider{Token: "dev-token"},
		Nonces:      nonces,
	})
	require.NoError(t, err)
	assert.Same(t, nonces, engine.Nonces())
	require.NoError(t, engine.Close())

	// Still usable after the engine is gone
	n, err := nonces.Issue(context.Background(), "req")
	require.NoError(t, err)
	assert.True(t, nonces.Consume(context.Background(), "req", n))
}

func TestEngine_Accessors(t *testing.T) {
	engine, err := NewEngine(Config{
		PackageName: testPackage,
		Provider:    integrity.StaticProvider{Token: "dev-token"},
	})
	require.NoError(t, err)
	defer engine.Close()

	assert.NotNil(t, engine.Messenger())
	assert.NotNil(t, engine.Handler())
	assert.NotNil(t, engine.Nonces())
}

func TestEngine_ShutdownDeliversInflight(t *testing.T) {
	release := make(chan struct{})
	called := make(chan struct{})
	provider := integrity.ProviderFunc(func(context.Context, integrity.TokenRequest) *integrity.Task[*integrity.TokenResponse] {
		close(called)
		source := integrity.NewCompletionSource[*integrity.TokenResponse]()
		go func() {
			<-release
			source.SetResult(&integrity.TokenResponse{Token: "late-token"})
		}()
		return source.Task()
	})

	engine, err := NewEngine(Config{PackageName: testPackage, Provider: provider})
	require.NoError(t, err)

	type outcome struct {
		value any
		err   error
	}
	results := make(chan outcome, 1)
	go func() {
		ch := channel.NewMethodChannel(engine.Messenger(), ChannelName, nil)
		v, err := ch.InvokeMethod(context.Background(), MethodRequestIntegrityVerdict, nil)
		results <- outcome{value: v, err: err}
	}()
	<-called

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown <- engine.Shutdown(ctx)
	}()

	// New calls are refused while the in-flight one finishes
	require.Eventually(t, func() bool { return !engine.Messenger().Has(ChannelName) }, 5*time.Second, time.Millisecond)
	close(release)

	require.NoError(t, <-shutdown)
	o := <-results
	require.NoError(t, o.err)
	assert.Equal(t, "late-token", o.value.(map[string]any)[KeyToken])
}

func TestEngine_ShutdownDeadline(t *testing.T) {
	called := make(chan struct{})
	provider := integrity.ProviderFunc(func(context.Context, integrity.TokenRequest) *integrity.Task[*integrity.TokenResponse] {
		close(called)
		// Never completes
		return integrity.NewCompletionSource[*integrity.TokenResponse]().Task()
	})

	engine, err := NewEngine(Config{PackageName: testPackage, Provider: provider})
	require.NoError(t, err)

	go func() {
		callCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ch := channel.NewMethodChannel(engine.Messenger(), ChannelName, nil)
		_, _ = ch.InvokeMethod(callCtx, MethodRequestIntegrityVerdict, nil)
	}()
	<-called

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, engine.Shutdown(ctx), context.DeadlineExceeded)

	// Closed regardless
	assert.NoError(t, engine.Close())
	assert.False(t, engine.Messenger().Has(ChannelName))
}

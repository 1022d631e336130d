// Package integrity defines the contract for Play Integrity token providers.
//
// A Provider issues an opaque integrity token for a nonce. Issuance is
// asynchronous: the provider returns a Task that completes exactly once,
// with a TokenResponse or an error.
//
// See: https://developer.android.com/google/play/integrity
package integrity

import (
	"context"
	"errors"
	"fmt"
)

// Nonce length limits enforced by the Play Integrity API.
const (
	MinNonceLength = 16
	MaxNonceLength = 500
)

// Common errors.
var (
	ErrNonceRequired  = errors.New("nonce is required")
	ErrNonceTooShort  = errors.New("nonce is too short")
	ErrNonceTooLong   = errors.New("nonce is too long")
	ErrNonceNotBase64 = errors.New("nonce is not URL-safe base64")
	ErrEmptyToken     = errors.New("provider returned an empty token")
)

// TokenRequest is a request for an integrity token.
type TokenRequest struct {
	// Nonce binds the token to one request. It must be URL-safe base64
	// without line wrapping, between MinNonceLength and MaxNonceLength
	// characters.
	Nonce string

	// CloudProjectNumber is the Google Cloud project number linked to the
	// app (optional).
	CloudProjectNumber int64
}

// Validate checks the request against the Play Integrity nonce rules.
func (r TokenRequest) Validate() error {
	if r.Nonce == "" {
		return ErrNonceRequired
	}
	if len(r.Nonce) < MinNonceLength {
		return fmt.Errorf("%w: %d characters, need at least %d", ErrNonceTooShort, len(r.Nonce), MinNonceLength)
	}
	if len(r.Nonce) > MaxNonceLength {
		return fmt.Errorf("%w: %d characters, at most %d allowed", ErrNonceTooLong, len(r.Nonce), MaxNonceLength)
	}
	for i := 0; i < len(r.Nonce); i++ {
		if !isURLSafeBase64(r.Nonce[i]) {
			return fmt.Errorf("%w: invalid character at offset %d", ErrNonceNotBase64, i)
		}
	}
	return nil
}

func isURLSafeBase64(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '_', c == '=':
		return true
	}
	return false
}

// TokenResponse carries an issued integrity token.
type TokenResponse struct {
	// Token is the opaque, signed integrity token.
	Token string
}

// Provider issues integrity tokens.
type Provider interface {
	// RequestIntegrityToken starts token issuance. The returned task
	// completes exactly once. Implementations must not block.
	RequestIntegrityToken(ctx context.Context, req TokenRequest) *Task[*TokenResponse]
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req TokenRequest) *Task[*TokenResponse]

// RequestIntegrityToken calls f(ctx, req).
func (f ProviderFunc) RequestIntegrityToken(ctx context.Context, req TokenRequest) *Task[*TokenResponse] {
	return f(ctx, req)
}

// StaticProvider returns the same token for every valid request.
// Useful for development hosts without a device.
type StaticProvider struct {
	Token string
}

// RequestIntegrityToken implements Provider.
func (p StaticProvider) RequestIntegrityToken(_ context.Context, req TokenRequest) *Task[*TokenResponse] {
	if err := req.Validate(); err != nil {
		return ForError[*TokenResponse](err)
	}
	if p.Token == "" {
		return ForError[*TokenResponse](ErrEmptyToken)
	}
	return ForResult(&TokenResponse{Token: p.Token})
}

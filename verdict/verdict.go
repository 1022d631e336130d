// Package verdict turns integrity tokens into verdicts: the device and app
// trust signals reported back to the UI layer.
package verdict

import (
	"context"
)

// Device recognition verdicts, from weakest to strongest.
const (
	NoIntegrity          = "NO_INTEGRITY"
	MeetsBasicIntegrity  = "MEETS_BASIC_INTEGRITY"
	MeetsDeviceIntegrity = "MEETS_DEVICE_INTEGRITY"
	MeetsStrongIntegrity = "MEETS_STRONG_INTEGRITY"
)

// App recognition verdicts.
const (
	PlayRecognized      = "PLAY_RECOGNIZED"
	UnrecognizedVersion = "UNRECOGNIZED_VERSION"
	Unevaluated         = "UNEVALUATED"
)

// PlaceholderRequestHash is reported by Placeholder in place of a decoded
// request hash.
const PlaceholderRequestHash = "mock-hash"

// Request identifies the token to evaluate.
type Request struct {
	// Token is the integrity token issued by the provider.
	Token string

	// RequestID identifies the request the nonce was issued for.
	RequestID string

	// Nonce is the nonce sent with the token request.
	Nonce string
}

// Verdict is the decoded meaning of an integrity token.
type Verdict struct {
	// DeviceIntegrity is the strongest device recognition verdict.
	DeviceIntegrity string

	// DeviceRecognitionVerdicts lists every device verdict reported.
	DeviceRecognitionVerdicts []string

	// AppRecognitionVerdict is the app recognition result.
	AppRecognitionVerdict string

	// RequestHash is the request hash bound into the token, if any.
	RequestHash string

	// PackageName is the package the token was requested for. Empty when
	// the source did not decode the token.
	PackageName string

	// LicensingVerdict is the Play licensing status, if available.
	LicensingVerdict string
}

// Source produces verdicts for tokens.
type Source interface {
	Verdict(ctx context.Context, req Request) (*Verdict, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, req Request) (*Verdict, error)

// Verdict calls f(ctx, req).
func (f SourceFunc) Verdict(ctx context.Context, req Request) (*Verdict, error) {
	return f(ctx, req)
}

// Placeholder reports fixed verdicts without decoding the token. It stands
// in until a server-side decoder is configured.
type Placeholder struct{}

// Verdict implements Source.
func (Placeholder) Verdict(context.Context, Request) (*Verdict, error) {
	return &Verdict{
		DeviceIntegrity:           MeetsBasicIntegrity,
		DeviceRecognitionVerdicts: []string{MeetsBasicIntegrity},
		AppRecognitionVerdict:     PlayRecognized,
		RequestHash:               PlaceholderRequestHash,
	}, nil
}

// Strongest returns the strongest device verdict in verdicts, or
// NoIntegrity if none is recognized.
func Strongest(verdicts []string) string {
	best := NoIntegrity
	rank := 0
	for _, v := range verdicts {
		r := 0
		switch v {
		case MeetsBasicIntegrity:
			r = 1
		case MeetsDeviceIntegrity:
			r = 2
		case MeetsStrongIntegrity:
			r = 3
		}
		if r > rank {
			best, rank = v, r
		}
	}
	return best
}

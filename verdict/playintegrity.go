package verdict

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/playintegrity/v1"

	"github.com/kacy/integrity-bridge/nonce"
)

// Config holds configuration for server-side Play Integrity decoding.
type Config struct {
	// PackageNames is the list of allowed app package names.
	PackageNames []string

	// APKCertDigests is the list of allowed APK signing certificate SHA-256
	// digests. Only checked when Enforce is set.
	APKCertDigests []string

	// GCPProjectID is your Google Cloud project ID.
	GCPProjectID string

	// GCPCredentialsFile is the path to the service account credentials file.
	// If empty, uses Application Default Credentials.
	GCPCredentialsFile string

	// MaxTokenAge is the maximum age of a token (default: 5 minutes).
	MaxTokenAge time.Duration

	// Nonces is the store the request nonce is consumed from (required).
	Nonces nonce.Store

	// Enforce rejects tokens whose device or app verdicts fall short,
	// instead of reporting them.
	Enforce bool

	// RequireStrongIntegrity requires MEETS_STRONG_INTEGRITY when enforcing.
	// When false, MEETS_DEVICE_INTEGRITY is sufficient.
	RequireStrongIntegrity bool

	// AllowBasicIntegrity accepts MEETS_BASIC_INTEGRITY when enforcing.
	AllowBasicIntegrity bool
}

// Common errors.
var (
	ErrVerificationFailed = errors.New("verification failed")
	ErrInvalidPackageName = errors.New("invalid package name")
	ErrInvalidNonce       = errors.New("invalid nonce")
	ErrTokenExpired       = errors.New("token expired")
	ErrDeviceCompromised  = errors.New("device integrity check failed")
	ErrAppNotRecognized   = errors.New("app not recognized")
	ErrCertDigestMismatch = errors.New("APK certificate digest mismatch")
)

// tokenDecoder decodes a token through the Play Integrity API.
type tokenDecoder interface {
	Decode(ctx context.Context, packageName, token string) (*playintegrity.TokenPayloadExternal, error)
}

type serviceDecoder struct {
	service *playintegrity.Service
}

func (d serviceDecoder) Decode(ctx context.Context, packageName, token string) (*playintegrity.TokenPayloadExternal, error) {
	req := &playintegrity.DecodeIntegrityTokenRequest{IntegrityToken: token}
	resp, err := d.service.V1.DecodeIntegrityToken(packageName, req).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.TokenPayloadExternal, nil
}

// PlayIntegrity decodes tokens with Google's Play Integrity API and checks
// them against the issued nonce.
type PlayIntegrity struct {
	decoder        tokenDecoder
	nonces         nonce.Store
	packageNameSet map[string]struct{}
	certDigestSet  map[string]struct{}
	packageName    string
	maxAge         time.Duration
	enforce        bool
	requireStrong  bool
	allowBasic     bool
	now            func() time.Time
}

var _ Source = (*PlayIntegrity)(nil)

// NewPlayIntegrity creates a Play Integrity backed verdict source.
func NewPlayIntegrity(ctx context.Context, cfg Config) (*PlayIntegrity, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.GCPProjectID == "" {
		return nil, errors.New("GCP project ID is required")
	}

	var opts []option.ClientOption
	if cfg.GCPCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GCPCredentialsFile))
	}
	opts = append(opts, option.WithQuotaProject(cfg.GCPProjectID))

	service, err := playintegrity.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Play Integrity service: %w", err)
	}

	return newPlayIntegrity(cfg, serviceDecoder{service: service}), nil
}

func validateConfig(cfg Config) error {
	if len(cfg.PackageNames) == 0 {
		return errors.New("at least one package name is required")
	}
	if cfg.Nonces == nil {
		return errors.New("nonce store is required")
	}
	return nil
}

func newPlayIntegrity(cfg Config, decoder tokenDecoder) *PlayIntegrity {
	packageNameSet := make(map[string]struct{}, len(cfg.PackageNames))
	for _, name := range cfg.PackageNames {
		packageNameSet[name] = struct{}{}
	}

	certDigestSet := make(map[string]struct{}, len(cfg.APKCertDigests))
	for _, digest := range cfg.APKCertDigests {
		certDigestSet[strings.ToUpper(digest)] = struct{}{}
	}

	maxAge := cfg.MaxTokenAge
	if maxAge == 0 {
		maxAge = 5 * time.Minute
	}

	return &PlayIntegrity{
		decoder:        decoder,
		nonces:         cfg.Nonces,
		packageNameSet: packageNameSet,
		certDigestSet:  certDigestSet,
		packageName:    cfg.PackageNames[0],
		maxAge:         maxAge,
		enforce:        cfg.Enforce,
		requireStrong:  cfg.RequireStrongIntegrity,
		allowBasic:     cfg.AllowBasicIntegrity,
		now:            time.Now,
	}
}

// Verdict implements Source.
func (p *PlayIntegrity) Verdict(ctx context.Context, req Request) (*Verdict, error) {
	payload, err := p.decoder.Decode(ctx, p.packageName, req.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode integrity token: %v", ErrVerificationFailed, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: empty token payload", ErrVerificationFailed)
	}

	if err := p.verifyRequestDetails(ctx, payload.RequestDetails, req); err != nil {
		return nil, err
	}
	if payload.AppIntegrity == nil {
		return nil, fmt.Errorf("%w: missing app integrity", ErrVerificationFailed)
	}
	if payload.DeviceIntegrity == nil {
		return nil, fmt.Errorf("%w: missing device integrity", ErrVerificationFailed)
	}

	if p.enforce {
		if err := p.verifyAppIntegrity(payload.AppIntegrity); err != nil {
			return nil, err
		}
		if err := p.verifyDeviceIntegrity(payload.DeviceIntegrity); err != nil {
			return nil, err
		}
	}

	v := &Verdict{
		DeviceIntegrity:           Strongest(payload.DeviceIntegrity.DeviceRecognitionVerdict),
		DeviceRecognitionVerdicts: payload.DeviceIntegrity.DeviceRecognitionVerdict,
		AppRecognitionVerdict:     payload.AppIntegrity.AppRecognitionVerdict,
		RequestHash:               payload.RequestDetails.RequestHash,
		PackageName:               payload.RequestDetails.RequestPackageName,
	}
	if payload.AccountDetails != nil {
		v.LicensingVerdict = payload.AccountDetails.AppLicensingVerdict
	}

	return v, nil
}

func (p *PlayIntegrity) verifyRequestDetails(ctx context.Context, details *playintegrity.RequestDetails, req Request) error {
	if details == nil {
		return fmt.Errorf("%w: missing request details", ErrVerificationFailed)
	}

	// The API may echo the nonce re-encoded with padding or the standard
	// alphabet; compare on decoded bytes when possible.
	if !sameNonce(details.Nonce, req.Nonce) {
		return ErrInvalidNonce
	}
	if !p.nonces.Consume(ctx, req.RequestID, req.Nonce) {
		return fmt.Errorf("%w: nonce unknown, expired or already used", ErrInvalidNonce)
	}

	packageName := details.RequestPackageName
	if _, ok := p.packageNameSet[packageName]; !ok {
		return fmt.Errorf("%w: unexpected package name: %s", ErrInvalidPackageName, packageName)
	}

	requestTime := time.UnixMilli(details.TimestampMillis)
	age := p.now().Sub(requestTime)

	if age > p.maxAge {
		return fmt.Errorf("%w: token too old (%v)", ErrTokenExpired, age)
	}
	if age < -1*time.Minute {
		return fmt.Errorf("%w: token from the future", ErrTokenExpired)
	}

	return nil
}

func sameNonce(echoed, issued string) bool {
	if echoed == issued {
		return true
	}
	a, errA := decodeNonce(echoed)
	b, errB := decodeNonce(issued)
	return errA == nil && errB == nil && string(a) == string(b)
}

func decodeNonce(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return base64.RawURLEncoding.DecodeString(s)
}

func (p *PlayIntegrity) verifyAppIntegrity(appIntegrity *playintegrity.AppIntegrity) error {
	verdict := appIntegrity.AppRecognitionVerdict
	switch verdict {
	case PlayRecognized:
	case UnrecognizedVersion:
		return fmt.Errorf("%w: app version not recognized by Play Store", ErrAppNotRecognized)
	case Unevaluated:
		return fmt.Errorf("%w: app integrity not evaluated", ErrAppNotRecognized)
	default:
		return fmt.Errorf("%w: unknown app recognition verdict: %s", ErrAppNotRecognized, verdict)
	}

	if _, ok := p.packageNameSet[appIntegrity.PackageName]; !ok {
		return fmt.Errorf("%w: package name mismatch in app integrity", ErrInvalidPackageName)
	}

	if len(p.certDigestSet) > 0 {
		found := false
		for _, digest := range appIntegrity.CertificateSha256Digest {
			if _, ok := p.certDigestSet[strings.ToUpper(digest)]; ok {
				found = true
				break
			}
		}
		if !found {
			return ErrCertDigestMismatch
		}
	}

	return nil
}

func (p *PlayIntegrity) verifyDeviceIntegrity(deviceIntegrity *playintegrity.DeviceIntegrity) error {
	verdicts := deviceIntegrity.DeviceRecognitionVerdict

	switch Strongest(verdicts) {
	case MeetsStrongIntegrity:
		return nil
	case MeetsDeviceIntegrity:
		if p.requireStrong {
			return fmt.Errorf("%w: device does not meet strong integrity requirements (verdicts: %v)", ErrDeviceCompromised, verdicts)
		}
		return nil
	case MeetsBasicIntegrity:
		if p.requireStrong {
			return fmt.Errorf("%w: device does not meet strong integrity requirements (verdicts: %v)", ErrDeviceCompromised, verdicts)
		}
		if p.allowBasic {
			return nil
		}
		return fmt.Errorf("%w: device only meets basic integrity (may be rooted/modified)", ErrDeviceCompromised)
	default:
		return fmt.Errorf("%w: device integrity check failed (verdicts: %v)", ErrDeviceCompromised, verdicts)
	}
}

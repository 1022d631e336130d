// Package bridge exposes Android Play Integrity verdicts to a UI layer over
// a named method channel.
//
// The UI layer calls requestIntegrityVerdict on the play_integrity channel.
// The bridge issues a fresh nonce, asks the integrity provider for a token,
// resolves the provider's asynchronous outcome exactly once and replies with
// either a verdict map or an INTEGRITY_ERROR.
//
// See: https://developer.android.com/google/play/integrity
//
// # Basic Usage
//
//	engine, err := bridge.NewEngine(bridge.Config{
//	    PackageName: "dev.fiaz.calculator",
//	    Provider:    integrity.StaticProvider{Token: "dev-token"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	ch := channel.NewMethodChannel(engine.Messenger(), bridge.ChannelName, nil)
//	result, err := ch.InvokeMethod(ctx, bridge.MethodRequestIntegrityVerdict, nil)
//
// The success value is a map with the keys token, deviceIntegrity,
// appRecognitionVerdict, requestHash, packageName and timestampMillis, all
// strings. Failures are *channel.Error values with Code INTEGRITY_ERROR.
//
// # Subpackages
//
//   - channel: messengers, method channels, codecs and executors
//   - integrity: token provider contract and the one-shot Task future
//   - nonce: per-request nonce issuance and consumption
//   - verdict: placeholder and Play Integrity server-side verdict sources
//   - httpapi: HTTP gateway exposing channels to remote UI clients
package bridge

package channel

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// MethodCodec encodes method calls and their result envelopes.
//
// A success envelope wraps one value. An error envelope carries a code, a
// message and optional details. An empty reply is not an envelope; it means
// the method is not implemented.
type MethodCodec interface {
	EncodeMethodCall(call MethodCall) ([]byte, error)
	DecodeMethodCall(data []byte) (MethodCall, error)
	EncodeSuccessEnvelope(value any) ([]byte, error)
	EncodeErrorEnvelope(code, message string, details any) ([]byte, error)

	// DecodeEnvelope returns the success value, or a *Error for an error
	// envelope.
	DecodeEnvelope(data []byte) (any, error)
}

// wireCall is the on-the-wire shape of a method call for both codecs.
type wireCall struct {
	Method string `json:"method" cbor:"method"`
	Args   any    `json:"args" cbor:"args"`
}

// JSONMethodCodec encodes calls as {"method": ..., "args": ...}, success
// envelopes as [value] and error envelopes as [code, message, details].
type JSONMethodCodec struct{}

// EncodeMethodCall implements MethodCodec.
func (JSONMethodCodec) EncodeMethodCall(call MethodCall) ([]byte, error) {
	return json.Marshal(wireCall{Method: call.Method, Args: call.Arguments})
}

// DecodeMethodCall implements MethodCodec.
func (JSONMethodCodec) DecodeMethodCall(data []byte) (MethodCall, error) {
	var w wireCall
	if err := json.Unmarshal(data, &w); err != nil {
		return MethodCall{}, fmt.Errorf("%w: %v", ErrInvalidCall, err)
	}
	if w.Method == "" {
		return MethodCall{}, fmt.Errorf("%w: missing method name", ErrInvalidCall)
	}
	return MethodCall{Method: w.Method, Arguments: w.Args}, nil
}

// EncodeSuccessEnvelope implements MethodCodec.
func (JSONMethodCodec) EncodeSuccessEnvelope(value any) ([]byte, error) {
	return json.Marshal([]any{value})
}

// EncodeErrorEnvelope implements MethodCodec.
func (JSONMethodCodec) EncodeErrorEnvelope(code, message string, details any) ([]byte, error) {
	return json.Marshal([]any{code, message, details})
}

// DecodeEnvelope implements MethodCodec.
func (JSONMethodCodec) DecodeEnvelope(data []byte) (any, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	switch len(parts) {
	case 1:
		var value any
		if err := json.Unmarshal(parts[0], &value); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		return value, nil
	case 3:
		var code, message string
		var details any
		if err := json.Unmarshal(parts[0], &code); err != nil {
			return nil, fmt.Errorf("%w: error code: %v", ErrInvalidEnvelope, err)
		}
		// message may be null
		if err := json.Unmarshal(parts[1], &message); err != nil {
			return nil, fmt.Errorf("%w: error message: %v", ErrInvalidEnvelope, err)
		}
		if err := json.Unmarshal(parts[2], &details); err != nil {
			return nil, fmt.Errorf("%w: error details: %v", ErrInvalidEnvelope, err)
		}
		return nil, &Error{Code: code, Message: message, Details: details}
	default:
		return nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidEnvelope, len(parts))
	}
}

// CBORMethodCodec is the binary counterpart of JSONMethodCodec. Calls and
// envelopes have the same shape, encoded with CBOR (RFC 8949).
type CBORMethodCodec struct{}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode

	mapStringAnyType = reflect.TypeOf(map[string]any(nil))
)

func init() {
	var err error
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	// Decode maps as map[string]any so values survive a JSON re-encode.
	cborDec, err = cbor.DecOptions{
		DefaultMapType: mapStringAnyType,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeMethodCall implements MethodCodec.
func (CBORMethodCodec) EncodeMethodCall(call MethodCall) ([]byte, error) {
	return cborEnc.Marshal(wireCall{Method: call.Method, Args: call.Arguments})
}

// DecodeMethodCall implements MethodCodec.
func (CBORMethodCodec) DecodeMethodCall(data []byte) (MethodCall, error) {
	var w wireCall
	if err := cborDec.Unmarshal(data, &w); err != nil {
		return MethodCall{}, fmt.Errorf("%w: %v", ErrInvalidCall, err)
	}
	if w.Method == "" {
		return MethodCall{}, fmt.Errorf("%w: missing method name", ErrInvalidCall)
	}
	return MethodCall{Method: w.Method, Arguments: w.Args}, nil
}

// EncodeSuccessEnvelope implements MethodCodec.
func (CBORMethodCodec) EncodeSuccessEnvelope(value any) ([]byte, error) {
	return cborEnc.Marshal([]any{value})
}

// EncodeErrorEnvelope implements MethodCodec.
func (CBORMethodCodec) EncodeErrorEnvelope(code, message string, details any) ([]byte, error) {
	return cborEnc.Marshal([]any{code, message, details})
}

// DecodeEnvelope implements MethodCodec.
func (CBORMethodCodec) DecodeEnvelope(data []byte) (any, error) {
	var parts []cbor.RawMessage
	if err := cborDec.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	switch len(parts) {
	case 1:
		var value any
		if err := cborDec.Unmarshal(parts[0], &value); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		return value, nil
	case 3:
		var code, message string
		var details any
		if err := cborDec.Unmarshal(parts[0], &code); err != nil {
			return nil, fmt.Errorf("%w: error code: %v", ErrInvalidEnvelope, err)
		}
		if err := cborDec.Unmarshal(parts[1], &message); err != nil {
			return nil, fmt.Errorf("%w: error message: %v", ErrInvalidEnvelope, err)
		}
		if err := cborDec.Unmarshal(parts[2], &details); err != nil {
			return nil, fmt.Errorf("%w: error details: %v", ErrInvalidEnvelope, err)
		}
		return nil, &Error{Code: code, Message: message, Details: details}
	default:
		return nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidEnvelope, len(parts))
	}
}

// Package codec serializes envelopes for links that carry bytes: WebSocket
// and TCP links, the message bus, and durable stores.
//
// Three codecs are provided:
//
//   - JSON: human readable, the default.
//   - CBOR: compact, core deterministic encoding (sorted keys, shortest ints).
//   - Zstd: wraps another codec and compresses its output.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/vinayprograms/agentfabric/envelope"
)

// Common errors.
var (
	ErrUnknownCodec = errors.New("unknown codec")
)

// Codec converts envelopes to and from bytes.
type Codec interface {
	// Name identifies the codec in configuration.
	Name() string

	// Encode serializes an envelope.
	Encode(env envelope.Envelope) ([]byte, error)

	// Decode parses and validates an envelope.
	Decode(data []byte) (envelope.Envelope, error)
}

// ByName returns the codec for name ("json" or "cbor"), optionally wrapped
// with compression ("none" or "zstd").
func ByName(name, compression string) (Codec, error) {
	var c Codec
	switch name {
	case "", "json":
		c = JSON{}
	case "cbor":
		c = CBOR{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	switch compression {
	case "", "none":
		return c, nil
	case "zstd":
		return NewZstd(c), nil
	default:
		return nil, fmt.Errorf("%w: compression %q", ErrUnknownCodec, compression)
	}
}

// JSON encodes envelopes with encoding/json.
type JSON struct{}

// Name returns "json".
func (JSON) Name() string { return "json" }

// Encode serializes env as JSON.
func (JSON) Encode(env envelope.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a JSON envelope.
func (JSON) Decode(data []byte) (envelope.Envelope, error) {
	return envelope.Unmarshal(data)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	cborEnc, err = opts.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR encodes envelopes with core deterministic CBOR. Struct fields use
// their json tag names.
type CBOR struct{}

// Name returns "cbor".
func (CBOR) Name() string { return "cbor" }

// Encode serializes env as CBOR.
func (CBOR) Encode(env envelope.Envelope) ([]byte, error) {
	return cborEnc.Marshal(env)
}

// Decode parses a CBOR envelope.
func (CBOR) Decode(data []byte) (envelope.Envelope, error) {
	var env envelope.Envelope
	if err := cborDec.Unmarshal(data, &env); err != nil {
		return envelope.Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return envelope.Envelope{}, err
	}
	return env, nil
}

// MarshalCBOR encodes an arbitrary value with the deterministic mode.
func MarshalCBOR(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

// UnmarshalCBOR decodes a value encoded by MarshalCBOR.
func UnmarshalCBOR(data []byte, v any) error {
	return cborDec.Unmarshal(data, v)
}

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Zstd compresses the output of an inner codec.
type Zstd struct {
	inner Codec
}

// NewZstd wraps inner with zstd compression.
func NewZstd(inner Codec) *Zstd {
	return &Zstd{inner: inner}
}

// Name returns "<inner>+zstd".
func (z *Zstd) Name() string { return z.inner.Name() + "+zstd" }

// Encode serializes with the inner codec and compresses the result.
func (z *Zstd) Encode(env envelope.Envelope) ([]byte, error) {
	data, err := z.inner.Encode(env)
	if err != nil {
		return nil, err
	}
	return zstdEncoder.EncodeAll(data, nil), nil
}

// Decode decompresses and parses with the inner codec.
func (z *Zstd) Decode(data []byte) (envelope.Envelope, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("zstd: %w", err)
	}
	return z.inner.Decode(raw)
}

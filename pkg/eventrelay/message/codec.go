package message

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes envelopes.
type Codec interface {
	// Name identifies the codec in logs and errors.
	Name() string

	// ContentType is the media type of encoded payloads.
	ContentType() string

	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// CodecByName returns the codec registered under name.
// Supported names: json, cbor, msgpack.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	case "msgpack":
		return MsgPackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec: %q", name)
	}
}

// JSONCodec encodes envelopes as JSON. It is the default and what the
// HTTP ingestion endpoint accepts.
type JSONCodec struct{}

func (JSONCodec) Name() string        { return "json" }
func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// cborEnc uses Core Deterministic Encoding so identical envelopes
// produce identical bytes, which keeps Verify byte-exact.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encOptions.Time = cbor.TimeRFC3339Nano

	var err error
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("message: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{
		// Payloads decoded into any must look like JSON-decoded maps.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("message: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec encodes envelopes as deterministic CBOR.
type CBORCodec struct{}

func (CBORCodec) Name() string        { return "cbor" }
func (CBORCodec) ContentType() string { return "application/cbor" }

func (CBORCodec) Marshal(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func (CBORCodec) Unmarshal(data []byte, v any) error {
	return cborDec.Unmarshal(data, v)
}

// MsgPackCodec encodes envelopes as MessagePack.
type MsgPackCodec struct{}

func (MsgPackCodec) Name() string        { return "msgpack" }
func (MsgPackCodec) ContentType() string { return "application/msgpack" }

func (MsgPackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgPackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

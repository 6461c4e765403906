package v2x

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/daohu527/vlink/pkg/security"
)

// Codec serialises signed messages for transport. The signature does not
// depend on the codec, only on the field values.
type Codec interface {
	Name() string
	Encode(SignedMessage) ([]byte, error)
	Decode([]byte) (SignedMessage, error)
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

// CodecByName resolves "json" or "cbor".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("v2x: unknown codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(m SignedMessage) ([]byte, error) {
	return json.Marshal(map[string]any(m))
}

func (jsonCodec) Decode(data []byte) (SignedMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, security.WrapError(security.KindProtocol, "decode json message", err)
	}
	if m == nil {
		return nil, security.NewError(security.KindProtocol, "empty message")
	}
	return SignedMessage(m), nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return "cbor" }

func (c cborCodec) Encode(m SignedMessage) ([]byte, error) {
	return c.enc.Marshal(map[string]any(m))
}

func (c cborCodec) Decode(data []byte) (SignedMessage, error) {
	var m map[string]any
	if err := c.dec.Unmarshal(data, &m); err != nil {
		return nil, security.WrapError(security.KindProtocol, "decode cbor message", err)
	}
	if m == nil {
		return nil, security.NewError(security.KindProtocol, "empty message")
	}
	return SignedMessage(m), nil
}

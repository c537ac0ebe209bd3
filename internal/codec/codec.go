// Package codec provides the example application payload codecs
// bundled with the CLI demos (cmd/stryker): a value travels as a
// Request/Response/Push payload ([]byte on the wire), and a Codec
// marshals/unmarshals an application value to and from that payload.
// Grounded on the teacher's internal/protocol/msgpack.go, generalized
// from a pair of free functions into a small interface so a CLI can
// pick identity or msgpack by name (internal/config's codec.name).
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec marshals and unmarshals application values to and from the
// raw payload bytes carried by Request, Response, and Push frames.
type Codec interface {
	Name() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// ByName resolves a Codec by the name used in configuration and the
// Hello frame's encoding list ("identity", "msgpack", "json").
func ByName(name string) (Codec, error) {
	switch name {
	case "", "identity":
		return Identity{}, nil
	case "msgpack":
		return Msgpack{}, nil
	case "json":
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// Identity treats the payload as an opaque []byte, for callers that
// already have wire-ready bytes.
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("codec: identity requires []byte, got %T", v)
	}
	return b, nil
}

func (Identity) Unmarshal(data []byte, v interface{}) error {
	out, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("codec: identity requires *[]byte, got %T", v)
	}
	*out = append((*out)[:0], data...)
	return nil
}

// Msgpack encodes application values as MessagePack, the encoding
// this module's server advertises first by default (spec.md §4.5's
// negotiation picks the client's first mutually supported entry).
type Msgpack struct{}

func (Msgpack) Name() string { return "msgpack" }

func (Msgpack) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (Msgpack) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// JSON encodes application values as JSON, useful for debugging
// payloads captured by internal/frametap.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

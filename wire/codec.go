// Package wire encodes and decodes pykernel.Message frames for transport.
// The primary format is CBOR (github.com/fxamacker/cbor/v2), a binary
// self-describing encoding that preserves raw bytes without the escaping
// overhead of JSON — spec §4.B asks for "a binary self-describing format
// (msgpack-style)"; CBOR is the IETF-standardized sibling of msgpack and is
// the serialization library the wider example pack reaches for where a
// compact self-describing wire format is needed. JSON remains available as
// the debug fallback spec §4.B explicitly permits.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/corvusrun/pykernel"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: build cbor encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: build cbor decode mode: %v", err))
	}
}

// Encode serializes a Message to its CBOR wire form.
func Encode(msg pykernel.Message) ([]byte, error) {
	b, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode message: %w", err)
	}
	return b, nil
}

// Decode deserializes a Message from its CBOR wire form.
//
// Unknown message type tags are not an error here — decoding a struct with
// known fields never fails on unexpected ones; the compatibility rule
// (ignore unknown types) is enforced by the caller inspecting msg.Type
// against the types it understands, per spec §4.B.
func Decode(data []byte) (pykernel.Message, error) {
	var msg pykernel.Message
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return pykernel.Message{}, fmt.Errorf("wire: decode message: %w", err)
	}
	return msg, nil
}

// EncodeJSON serializes a Message to JSON, the debug fallback format
// (spec §4.B: "JSON MAY be used as a fallback debug format"). Session and
// the worker always use the CBOR Encode/Decode pair; nothing in this
// repository selects JSON on the wire.
func EncodeJSON(msg pykernel.Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: json encode message: %w", err)
	}
	return b, nil
}

// DecodeJSON deserializes a Message from JSON.
func DecodeJSON(data []byte) (pykernel.Message, error) {
	var msg pykernel.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return pykernel.Message{}, fmt.Errorf("wire: json decode message: %w", err)
	}
	return msg, nil
}

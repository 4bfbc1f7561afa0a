package router

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// marshalValue and unmarshalValue encode/decode a handler's typed payload
// or response value using the same named-struct-field convention as the
// outer datapack codec (internal/transport), so a plugin's MessagePack
// bytes are consistent whether they came from the envelope or from a
// handler's own payload.
func marshalValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("msgpack")
	enc.UseArrayEncodedStructs(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalValue(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("msgpack")
	return dec.Decode(v)
}

// Package transport frames a duplex byte stream into a sequence of
// datapacks and provides the Peer abstraction that binds a stream to
// either the current process's stdio or a spawned child's stdin/stdout.
package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kestrelbots/sithra/internal/protocol"
)

// maxFrameSize bounds a single frame so a corrupt length prefix cannot
// trigger an unbounded allocation.
const maxFrameSize = 64 << 20 // 64 MiB

// Encode serializes p into a length-prefixed MessagePack frame: a 4-byte
// little-endian length header followed by the named-field-encoded body.
// Named encoding (map, not array, per field) mirrors the original's use of
// rmp_serde::encode::write_named, so the wire body is self-describing and
// forward-compatible with field additions.
func Encode(p *protocol.Datapack) ([]byte, error) {
	body, err := marshalNamed(p)
	if err != nil {
		return nil, fmt.Errorf("encode datapack: %w", err)
	}
	if len(body) > maxFrameSize {
		return nil, fmt.Errorf("encode datapack: frame too large (%d bytes)", len(body))
	}

	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// Decode deserializes a MessagePack body (without its length prefix) into
// a datapack. Malformed bodies return a decode error, distinct from the
// framing-level errors ReadFrame returns. The host's loader skips such a
// frame and keeps reading; a plugin's serve loop ends on it.
func Decode(body []byte) (*protocol.Datapack, error) {
	var p protocol.Datapack
	if err := unmarshalNamed(body, &p); err != nil {
		return nil, fmt.Errorf("decode datapack: %w", err)
	}
	return &p, nil
}

// DecodeRaw wraps a frame body as a RawDatapack without parsing its
// MessagePack structure — the bypass-outer-decoding path a relay uses
// when it only needs to forward the frame, not inspect its fields.
func DecodeRaw(body []byte) *protocol.RawDatapack {
	return &protocol.RawDatapack{Body: body}
}

// EncodeRaw frames p's body as-is: a 4-byte little-endian length header
// followed by the body unchanged, with no struct encoding step.
func EncodeRaw(p *protocol.RawDatapack) ([]byte, error) {
	if len(p.Body) > maxFrameSize {
		return nil, fmt.Errorf("encode raw datapack: frame too large (%d bytes)", len(p.Body))
	}
	frame := make([]byte, 4+len(p.Body))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(p.Body)))
	copy(frame[4:], p.Body)
	return frame, nil
}

func marshalNamed(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("msgpack")
	enc.UseArrayEncodedStructs(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalNamed(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("msgpack")
	return dec.Decode(v)
}

// ReadFrame reads one length-prefixed frame from r and returns its raw
// MessagePack body. A zero-byte read at EOF on the length header is
// reported as io.EOF; a short header or body is reported as a partial-frame
// error, so callers can distinguish a clean stream close from a truncated
// frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("read frame header: partial frame: %w", err)
		}
		return nil, err
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("read frame: declared length %d exceeds maximum", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: partial frame: %w", err)
	}
	return body, nil
}

// WriteFrame writes a pre-encoded frame (as returned by Encode) to w.
func WriteFrame(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	return err
}

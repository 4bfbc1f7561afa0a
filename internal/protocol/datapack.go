// Package protocol defines the wire types exchanged between the host and
// its plugin processes: the datapack envelope, channel addressing, and the
// reserved-path payload shapes (initialize, log, message, channel mute).
package protocol

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// ID is a 128-bit lexicographically-sortable, monotonic, time-ordered
// identifier. It is carried on the wire as a ULID string so it round-trips
// losslessly through JSON-only transports (notably OneBot's echo field)
// while remaining a fixed-size value internally.
type ID ulid.ULID

// NilID is the zero-value ID; used by callers that must send a well-formed
// but meaningless id (e.g. an adapter's out-of-band get_status probe).
var NilID = ID(ulid.ULID{})

// NewID returns a fresh, monotonically-increasing ID. Safe for concurrent
// use; monotonic entropy is guarded by a package-level mutex.
func NewID() ID {
	return ID(newULID())
}

// String renders the ID in its canonical 26-character Crockford base32 form.
func (id ID) String() string {
	return ulid.ULID(id).String()
}

// IsZero reports whether id is the nil ID.
func (id ID) IsZero() bool {
	return id == NilID
}

// ParseID parses the canonical string form produced by String.
func ParseID(s string) (ID, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse id %q: %w", s, err)
	}
	return ID(u), nil
}

// MarshalText implements encoding.TextMarshaler so ID round-trips through
// msgpack (which the codec package configures for string-keyed structs) and
// through JSON when embedded in OneBot echo fields.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Datapack is the atomic wire record of the bus. Exactly one of Path or
// Correlate is set in well-formed traffic: a request carries Path, a
// response carries Correlate.
type Datapack struct {
	ID        ID      `msgpack:"id"`
	Correlate *ID     `msgpack:"correlate,omitempty"`
	Path      *string `msgpack:"path,omitempty"`
	BotID     *string `msgpack:"bot_id,omitempty"`
	Channel   *Channel `msgpack:"channel,omitempty"`
	Payload   []byte  `msgpack:"payload"`
}

// NewRequest builds a datapack addressed to path carrying payload, with a
// freshly-minted id.
func NewRequest(path string, payload []byte) *Datapack {
	return &Datapack{
		ID:      NewID(),
		Path:    &path,
		Payload: payload,
	}
}

// Link derives a new datapack responding to parent: it copies BotID and
// Channel from parent (unless overridden by the caller afterward) and sets
// Correlate to parent's id. The returned packet has no Path — it is a
// response, not a request.
func (p *Datapack) Link(payload []byte) *Datapack {
	corr := p.ID
	return &Datapack{
		ID:        NewID(),
		Correlate: &corr,
		BotID:     p.BotID,
		Channel:   p.Channel,
		Payload:   payload,
	}
}

// IsRequest reports whether the packet is a request (has a path).
func (p *Datapack) IsRequest() bool {
	return p.Path != nil
}

// IsResponse reports whether the packet is a response (has a correlation id).
func (p *Datapack) IsResponse() bool {
	return p.Correlate != nil
}

// RawDatapack carries one frame's body exactly as it came off the wire,
// with no outer MessagePack struct decoding applied. It mirrors the
// original's RawDataPackCodec alongside the normal DataPackCodec: a
// relay that only needs to forward a frame unchanged (the host's loader
// bridging one plugin's output to every other plugin's input) can skip
// the decode/re-encode round trip entirely.
type RawDatapack struct {
	Body []byte
}

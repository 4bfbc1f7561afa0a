package protocol

import "log/slog"

// LevelTrace is a custom slog level below Debug, matching the teacher's
// convention (internal/config/logging.go) for especially chatty traces.
const LevelTrace = slog.Level(-8)

// KVKind tags which variant of KV.Value is populated. Mirrors the
// original's `log::kv::Value` enum, reduced to the scalar kinds that have
// a natural Go representation (no char/i128/u128 — see DESIGN.md).
type KVKind string

const (
	KVNone   KVKind = "none"
	KVBool   KVKind = "bool"
	KVString KVKind = "string"
	KVInt64  KVKind = "i64"
	KVUint64 KVKind = "u64"
	KVFloat  KVKind = "f64"
	KVError  KVKind = "error"
)

// KV is one structured logging key/value pair, tagged so it survives the
// msgpack round trip with its original scalar kind rather than collapsing
// to a string.
type KV struct {
	Key  string `msgpack:"key"`
	Kind KVKind `msgpack:"kind"`
	Bool bool   `msgpack:"bool,omitempty"`
	Str  string `msgpack:"str,omitempty"`
	I64  int64  `msgpack:"i64,omitempty"`
	U64  uint64 `msgpack:"u64,omitempty"`
	F64  float64 `msgpack:"f64,omitempty"`
}

// FromAttr converts an slog.Attr into a tagged KV pair, dispatching on the
// attr's slog.Kind the way the original's KvVisitor dispatches on
// log::kv::Value's variant.
func FromAttr(a slog.Attr) KV {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindBool:
		return KV{Key: a.Key, Kind: KVBool, Bool: v.Bool()}
	case slog.KindInt64:
		return KV{Key: a.Key, Kind: KVInt64, I64: v.Int64()}
	case slog.KindUint64:
		return KV{Key: a.Key, Kind: KVUint64, U64: v.Uint64()}
	case slog.KindFloat64:
		return KV{Key: a.Key, Kind: KVFloat, F64: v.Float64()}
	case slog.KindDuration:
		return KV{Key: a.Key, Kind: KVInt64, I64: int64(v.Duration())}
	default:
		if err, ok := v.Any().(error); ok {
			return KV{Key: a.Key, Kind: KVError, Str: err.Error()}
		}
		return KV{Key: a.Key, Kind: KVString, Str: v.String()}
	}
}

// Attr converts a tagged KV pair back into an slog.Attr for replay through
// the host's own logger.
func (kv KV) Attr() slog.Attr {
	switch kv.Kind {
	case KVBool:
		return slog.Bool(kv.Key, kv.Bool)
	case KVInt64:
		return slog.Int64(kv.Key, kv.I64)
	case KVUint64:
		return slog.Uint64(kv.Key, kv.U64)
	case KVFloat:
		return slog.Float64(kv.Key, kv.F64)
	case KVError:
		return slog.String(kv.Key, kv.Str)
	default:
		return slog.String(kv.Key, kv.Str)
	}
}

// Log is the payload of PathLogCreate: a single log record forwarded from
// a plugin to the host for replay through the host's own logger.
type Log struct {
	Level      int64  `msgpack:"level"`
	Message    string `msgpack:"message"`
	Target     string `msgpack:"target"`
	ModulePath string `msgpack:"module_path,omitempty"`
	LocFile    string `msgpack:"loc_file,omitempty"`
	LocLine    uint32 `msgpack:"loc_line,omitempty"`
	KVs        []KV   `msgpack:"kvs,omitempty"`
}

// SlogLevel converts the wire-encoded level back into an slog.Level.
func (l Log) SlogLevel() slog.Level {
	return slog.Level(l.Level)
}

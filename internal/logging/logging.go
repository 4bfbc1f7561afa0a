// Package logging provides the plugin-side log forwarder: an slog.Handler
// that, instead of printing locally, encodes every record as a
// `/log.create` datapack and sends it to the host (spec §4.4 step 3). The
// host replays received records through its own slog.Logger (see
// Replay below, which internal/loader's readLoop calls).
//
// Level parsing is grounded on the teacher's internal/config/logging.go
// (a custom Trace level below Debug, case-insensitive names).
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kestrelbots/sithra/internal/protocol"
)

// ParseLevel parses a case-insensitive level name (trace/debug/info/warn/
// error), returning an error for anything else.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return protocol.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
}

// ReplaceLevelNames is an slog.HandlerOptions.ReplaceAttr hook that renders
// the custom Trace level as "TRACE" instead of slog's default "DEBUG-4".
func ReplaceLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == protocol.LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// Sender is the minimal capability the forwarding handler needs: fire off
// a datapack without waiting for a response. *client.Client satisfies
// this; kept as an interface to avoid importing internal/client here.
type Sender interface {
	Send(p *protocol.Datapack) error
}

// forwardingHandler is an slog.Handler that serializes every record as a
// Log payload and sends it to the host on PathLogCreate.
type forwardingHandler struct {
	sender Sender
	target string
	attrs  []slog.Attr
	groups []string
	level  slog.Leveler
}

// NewForwardingLogger builds a *slog.Logger backed by the forwarding
// handler. The plugin should install this immediately after the handshake
// succeeds (spec §4.4 step 3), before the init hook runs, so even
// init-time diagnostics reach the host.
func NewForwardingLogger(sender Sender) *slog.Logger {
	return slog.New(&forwardingHandler{sender: sender, target: "plugin", level: protocol.LevelTrace})
}

func (h *forwardingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *forwardingHandler) Handle(_ context.Context, r slog.Record) error {
	kvs := make([]protocol.KV, 0, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		kvs = append(kvs, protocol.FromAttr(a))
	}
	r.Attrs(func(a slog.Attr) bool {
		kvs = append(kvs, h.prefixed(a))
		return true
	})

	var file string
	var line uint32
	if r.PC != 0 {
		fs := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := fs.Next()
		file = f.File
		line = uint32(f.Line)
	}

	logRecord := protocol.Log{
		Level:   int64(r.Level),
		Message: r.Message,
		Target:  h.target,
		LocFile: file,
		LocLine: line,
		KVs:     kvs,
	}

	payload, err := msgpack.Marshal(logRecord)
	if err != nil {
		return fmt.Errorf("encode log record: %w", err)
	}

	return h.sender.Send(protocol.NewRequest(protocol.PathLogCreate, payload))
}

// prefixed qualifies a's key with the handler's open group path (set by
// WithGroup), joined with ".", matching slog's own convention for
// group-scoped attrs. An attr recorded with no open group is left as-is.
// Attrs passed to WithAttrs are qualified there, with the groups open at
// that time.
func (h *forwardingHandler) prefixed(a slog.Attr) protocol.KV {
	if len(h.groups) == 0 {
		return protocol.FromAttr(a)
	}
	key := strings.Join(h.groups, ".") + "." + a.Key
	return protocol.FromAttr(slog.Any(key, a.Value.Any()))
}

func (h *forwardingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		if len(h.groups) > 0 {
			a = slog.Any(strings.Join(h.groups, ".")+"."+a.Key, a.Value.Any())
		}
		merged = append(merged, a)
	}
	return &forwardingHandler{sender: h.sender, target: h.target, attrs: merged, groups: h.groups, level: h.level}
}

func (h *forwardingHandler) WithGroup(name string) slog.Handler {
	return &forwardingHandler{sender: h.sender, target: h.target, attrs: h.attrs, groups: append(h.groups, name), level: h.level}
}

// Replay decodes a received PathLogCreate payload and emits an equivalent
// record through logger, preserving level, message, and structured
// key/values. Used by the host's loader (spec §4.5's read loop: "`/log.create`
// packets are intercepted and replayed into the local logger").
func Replay(logger *slog.Logger, pluginID string, payload []byte) error {
	var rec protocol.Log
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("decode log record: %w", err)
	}

	args := make([]any, 0, len(rec.KVs)*2+2)
	args = append(args, "plugin", pluginID)
	if rec.Target != "" {
		args = append(args, "target", rec.Target)
	}
	for _, kv := range rec.KVs {
		a := kv.Attr()
		args = append(args, a.Key, a.Value.Any())
	}

	logger.Log(context.Background(), rec.SlogLevel(), rec.Message, args...)
	return nil
}

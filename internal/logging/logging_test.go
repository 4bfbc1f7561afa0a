package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kestrelbots/sithra/internal/protocol"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace": protocol.LevelTrace,
		"Debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for input, want := range cases {
		got, err := ParseLevel(input)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}

	if _, err := ParseLevel("bogus"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

type recordingSender struct {
	packets []*protocol.Datapack
}

func (s *recordingSender) Send(p *protocol.Datapack) error {
	s.packets = append(s.packets, p)
	return nil
}

func TestForwardingHandlerSendsLogCreate(t *testing.T) {
	sender := &recordingSender{}
	logger := NewForwardingLogger(sender)
	logger.Info("hello", "key", "value")

	if len(sender.packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(sender.packets))
	}
	pkt := sender.packets[0]
	if pkt.Path == nil || *pkt.Path != protocol.PathLogCreate {
		t.Fatalf("path = %v, want %s", pkt.Path, protocol.PathLogCreate)
	}
}

func TestWithGroupPrefixesKeys(t *testing.T) {
	sender := &recordingSender{}
	logger := NewForwardingLogger(sender)
	logger.WithGroup("db").Info("query", "host", "localhost")

	if len(sender.packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(sender.packets))
	}

	var rec protocol.Log
	if err := msgpack.Unmarshal(sender.packets[0].Payload, &rec); err != nil {
		t.Fatalf("decode log record: %v", err)
	}

	found := false
	for _, kv := range rec.KVs {
		if kv.Key == "db.host" {
			found = true
		}
		if kv.Key == "host" {
			t.Fatalf("attr key was not group-prefixed, got bare %q", kv.Key)
		}
	}
	if !found {
		t.Fatalf("expected a db.host key, got %+v", rec.KVs)
	}
}

func TestReplayEmitsEquivalentRecord(t *testing.T) {
	sender := &recordingSender{}
	src := NewForwardingLogger(sender)
	src.Warn("disk low", "percent", int64(5))

	var buf bytes.Buffer
	dst := slog.New(slog.NewTextHandler(&buf, nil))

	if err := Replay(dst, "plugin-a", sender.packets[0].Payload); err != nil {
		t.Fatalf("Replay error: %v", err)
	}

	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("disk low")) {
		t.Fatalf("replayed output missing message: %s", out)
	}
	if !bytes.Contains([]byte(out), []byte("plugin-a")) {
		t.Fatalf("replayed output missing plugin id: %s", out)
	}
}

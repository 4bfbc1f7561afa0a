package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kestrelbots/sithra/internal/bus"
	"github.com/kestrelbots/sithra/internal/pluginconfig"
	"github.com/kestrelbots/sithra/internal/protocol"
	"github.com/kestrelbots/sithra/internal/transport"
)

// TestMain lets this test binary re-exec itself as a fake plugin child
// process (the standard library's own exec tests use the same trick):
// when SITHRA_TEST_HELPER is set, it performs the relevant helper
// behavior over stdio/argv and exits instead of running the suite.
func TestMain(m *testing.M) {
	switch os.Getenv("SITHRA_TEST_HELPER") {
	case "plugin":
		runHelperPlugin()
		os.Exit(0)
	case "describe":
		runHelperDescribe()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelperDescribe() {
	for _, a := range os.Args[1:] {
		switch a {
		case "--name":
			fmt.Println("helper-plugin")
			return
		case "--version":
			fmt.Println("0.1.0")
			return
		}
	}
}

func runHelperPlugin() {
	peer := transport.Stdio()
	read, write := peer.Split()

	req, err := read.ReadDatapack()
	if err != nil {
		return
	}

	result := protocol.InitializeResult{}
	if os.Getenv("SITHRA_TEST_HELPER_FAIL") == "1" {
		result.Err = &protocol.InitError{Kind: protocol.InitErrCustom, Detail: "forced failure"}
	}
	body, err := msgpack.Marshal(result)
	if err != nil {
		return
	}
	_ = write.WriteDatapack(req.Link(body))

	if out := os.Getenv("SITHRA_TEST_RELAY_OUT"); out != "" {
		relayed, err := read.ReadDatapack()
		if err == nil {
			_ = os.WriteFile(out, relayed.Payload, 0o644)
		}
		return
	}

	// stay alive briefly so the loader's read loop observes a live child
	// rather than an immediate EOF.
	time.Sleep(150 * time.Millisecond)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadPerformsHandshakeAndTracksLivePlugin(t *testing.T) {
	t.Setenv("SITHRA_TEST_HELPER", "plugin")

	l := New(testLogger())
	cfg := &pluginconfig.BaseConfig{Path: os.Args[0], Enable: true}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.Load(ctx, "helper", cfg, t.TempDir()); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	defer l.AbortAll()

	if !l.IsLive("helper") {
		t.Fatal("expected helper to be live after a successful handshake")
	}
}

func TestLoadIsIdempotentForLivePlugin(t *testing.T) {
	t.Setenv("SITHRA_TEST_HELPER", "plugin")

	l := New(testLogger())
	cfg := &pluginconfig.BaseConfig{Path: os.Args[0], Enable: true}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.Load(ctx, "helper", cfg, t.TempDir()); err != nil {
		t.Fatalf("first Load error: %v", err)
	}
	defer l.AbortAll()

	if err := l.Load(ctx, "helper", cfg, t.TempDir()); err != nil {
		t.Fatalf("second Load should be a no-op, got error: %v", err)
	}
}

func TestLoadRejectsDisabledPlugin(t *testing.T) {
	l := New(testLogger())
	cfg := &pluginconfig.BaseConfig{Path: os.Args[0], Enable: false}

	if err := l.Load(context.Background(), "helper", cfg, t.TempDir()); err == nil {
		t.Fatal("expected error loading a disabled plugin")
	}
	if l.IsLive("helper") {
		t.Fatal("disabled plugin must not become live")
	}
}

func TestLoadFailsWhenInitializeIsRejected(t *testing.T) {
	t.Setenv("SITHRA_TEST_HELPER", "plugin")
	t.Setenv("SITHRA_TEST_HELPER_FAIL", "1")

	l := New(testLogger())
	cfg := &pluginconfig.BaseConfig{Path: os.Args[0], Enable: true}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.Load(ctx, "helper", cfg, t.TempDir()); err == nil {
		t.Fatal("expected error when the child rejects initialization")
	}
	if l.IsLive("helper") {
		t.Fatal("rejected plugin must not become live")
	}
}

func TestDescribeRunsNameAndVersionFlags(t *testing.T) {
	t.Setenv("SITHRA_TEST_HELPER", "describe")

	name, version, err := Describe(context.Background(), os.Args[0], nil)
	if err != nil {
		t.Fatalf("Describe error: %v", err)
	}
	if name != "helper-plugin" || version != "0.1.0" {
		t.Fatalf("got name=%q version=%q", name, version)
	}
}

// TestWriteLoopRelaysRawDatapackUnchanged exercises the host's forwarding
// path end to end: a packet published on the bus (as readLoop would
// publish one read from a different plugin) is relayed by this plugin's
// writeLoop as a raw frame, with no decode/re-encode step, and the live
// child receives exactly that packet's payload.
func TestWriteLoopRelaysRawDatapackUnchanged(t *testing.T) {
	t.Setenv("SITHRA_TEST_HELPER", "plugin")
	outPath := t.TempDir() + "/relayed.bin"
	t.Setenv("SITHRA_TEST_RELAY_OUT", outPath)

	l := New(testLogger())
	cfg := &pluginconfig.BaseConfig{Path: os.Args[0], Enable: true}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.Load(ctx, "helper", cfg, t.TempDir()); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	defer l.AbortAll()

	relayed := protocol.NewRequest("/test.relay", []byte("relayed-payload"))
	frame, err := transport.Encode(relayed)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	body, err := transport.ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame error: %v", err)
	}
	l.Bus().Publish(bus.Envelope{SourceID: "other-plugin", Packet: transport.DecodeRaw(body)})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, readErr := os.ReadFile(outPath)
		if readErr == nil && len(got) > 0 {
			if string(got) != "relayed-payload" {
				t.Fatalf("relayed payload = %q, want %q", got, "relayed-payload")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("helper never observed the relayed packet")
}

func TestAbortRemovesLivePlugin(t *testing.T) {
	t.Setenv("SITHRA_TEST_HELPER", "plugin")

	l := New(testLogger())
	cfg := &pluginconfig.BaseConfig{Path: os.Args[0], Enable: true}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.Load(ctx, "helper", cfg, t.TempDir()); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	l.Abort("helper")
	if l.IsLive("helper") {
		t.Fatal("expected helper to be removed after Abort")
	}
}

// Package pluginrt bootstraps a plugin process: it frames the process's
// own stdio, performs the `/initialize` handshake, installs a logger that
// forwards records to the host, and runs the serve loop that dispatches
// inbound requests through a router.Router and writes produced responses
// back out.
//
// Grounded on original_source/crates/kit/src/plugin.rs's Plugin::new /
// run, adapted to Go's explicit-error, no-async-runtime idiom; the
// --name/--version short-circuit and the init-error-then-exit behavior
// follow that file's handle_options/Plugin::new exactly. The serve loop's
// read/dispatch/write shape is grounded on the teacher's
// internal/signal.Client readLoop (reads frames, routes responses to a
// pending table, everything else is forwarded onward).
package pluginrt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kestrelbots/sithra/internal/client"
	"github.com/kestrelbots/sithra/internal/logging"
	"github.com/kestrelbots/sithra/internal/protocol"
	"github.com/kestrelbots/sithra/internal/router"
	"github.com/kestrelbots/sithra/internal/transport"
)

// HandleCLIFlags checks os.Args for --name or --version and, if present,
// prints it and exits 0 without serving. Call this before New. Mirrors
// handle_options/handle_name/handle_version in the original's plugin.rs.
func HandleCLIFlags(name, version string) {
	for _, arg := range os.Args[1:] {
		switch arg {
		case "--name":
			fmt.Println(name)
			os.Exit(0)
		case "--version":
			fmt.Println(version)
			os.Exit(0)
		}
	}
}

// Plugin is a bootstrapped, initialized plugin ready to serve.
type Plugin struct {
	id       string
	dataPath string

	read   *transport.ReadStream
	write  *transport.WriteStream
	client *client.Client
	router *router.Router
	logger *slog.Logger
}

// ID returns the plugin id assigned by the loader's init packet.
func (p *Plugin) ID() string { return p.id }

// DataPath returns the per-plugin data directory the loader created.
func (p *Plugin) DataPath() string { return p.dataPath }

// Client returns the plugin's request/response correlator, for handlers
// and application code that need to post outbound requests directly.
func (p *Plugin) Client() *client.Client { return p.client }

// Router returns the plugin's path router so the caller can register
// handlers before calling Run. Handlers may also be registered by New's
// caller prior to Run being invoked.
func (p *Plugin) Router() *router.Router { return p.router }

// initGrace is how long a plugin waits after reporting an init error
// before exiting, giving the loader time to read the error response off
// the wire before the process (and its stdio pipes) disappears.
const initGrace = 200 * time.Millisecond

// New performs the full bootstrap handshake: it frames the process's own
// stdio, awaits the `/initialize` packet, decodes its config payload into
// C, installs the log-forwarding handler, runs initHook (which may reject
// the config), and replies with InitializeResult. If the config cannot be
// decoded or initHook rejects it, it reports the error on the initialize
// path and terminates the process (os.Exit(1)) after initGrace. If the
// initialize packet cannot be read, has another path, or the success reply
// cannot be written, it prints the error to stderr and exits 1 at once.
// Control never returns past a failed handshake.
func New[C any](ctx context.Context, state any, initHook func(ctx context.Context, cfg C, id, dataPath string) error) (*Plugin, C) {
	peer := transport.Stdio()
	read, write := peer.Split()

	req, err := read.ReadDatapack()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pluginrt: failed to read initialize packet: %v\n", err)
		os.Exit(1)
	}
	if req.Path == nil || *req.Path != protocol.PathInitialize {
		fmt.Fprintf(os.Stderr, "pluginrt: expected %s, got %v\n", protocol.PathInitialize, req.Path)
		os.Exit(1)
	}

	var initPkt protocol.Initialize
	if err := decodeMsgpack(req.Payload, &initPkt); err != nil {
		failInit(write, req, protocol.InitErrConfigDeserialize, err.Error())
	}

	var cfg C
	if err := decodeMsgpack(initPkt.Config, &cfg); err != nil {
		failInit(write, req, protocol.InitErrConfigDeserialize, err.Error())
	}

	c := client.New(write)
	logger := logging.NewForwardingLogger(c)

	if initHook != nil {
		if err := initHook(ctx, cfg, initPkt.ID, initPkt.DataPath); err != nil {
			failInit(write, req, protocol.InitErrCustom, err.Error())
		}
	}

	okPayload, err := encodeMsgpack(protocol.InitializeResult{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pluginrt: failed to encode init ok response: %v\n", err)
		os.Exit(1)
	}
	if err := write.WriteDatapack(req.Link(okPayload)); err != nil {
		fmt.Fprintf(os.Stderr, "pluginrt: failed to write init ok response: %v\n", err)
		os.Exit(1)
	}

	return &Plugin{
		id:       initPkt.ID,
		dataPath: initPkt.DataPath,
		read:     read,
		write:    write,
		client:   c,
		router:   router.New(state, logger),
		logger:   logger,
	}, cfg
}

func failInit(write *transport.WriteStream, req *protocol.Datapack, kind protocol.InitErrorKind, detail string) {
	payload, encErr := encodeMsgpack(protocol.InitializeResult{
		Err: &protocol.InitError{Kind: kind, Detail: detail},
	})
	if encErr == nil {
		_ = write.WriteDatapack(req.Link(payload))
	}
	time.Sleep(initGrace)
	os.Exit(1)
}

// requestPoster adapts a single inbound packet plus the plugin's shared
// client into the router.Poster interface expected by handlers and
// extractors.
type requestPoster struct {
	packet *protocol.Datapack
	client *client.Client
}

func (p *requestPoster) Packet() *protocol.Datapack { return p.packet }

func (p *requestPoster) Post(ctx context.Context, pkt *protocol.Datapack) (*protocol.Datapack, error) {
	return p.client.Post(ctx, pkt)
}

func (p *requestPoster) Send(pkt *protocol.Datapack) error {
	return p.client.Send(pkt)
}

// Run reads packets from stdin until the stream closes or ctx is
// cancelled. Response packets (Correlate set) are handed to the client
// correlator; everything else is dispatched through the router in its own
// goroutine so that a slow handler does not stall the read loop (handlers
// for the same path may interleave, per spec §5's ordering rules).
func (p *Plugin) Run(ctx context.Context) error {
	defer p.client.Close()

	type frame struct {
		pkt *protocol.Datapack
		err error
	}
	frames := make(chan frame)
	go func() {
		for {
			pkt, err := p.read.ReadDatapack()
			frames <- frame{pkt, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-frames:
			if f.err != nil {
				return f.err
			}
			p.handle(ctx, f.pkt)
		}
	}
}

func (p *Plugin) handle(ctx context.Context, pkt *protocol.Datapack) {
	if pkt.IsResponse() {
		if p.client.Dispatch(pkt) {
			return
		}
		// No pending awaiter for this correlation id — logged and
		// dropped per spec §7's correlation error policy, never fatal.
		p.logger.Debug("dropping response with no pending correlation", "correlate", pkt.Correlate.String())
		return
	}

	go func() {
		poster := &requestPoster{packet: pkt, client: p.client}
		resp, err := p.router.Dispatch(ctx, poster)
		if err != nil {
			p.logger.Warn("handler dispatch failed", "path", *pkt.Path, "error", err)
			return
		}
		if resp == nil {
			return
		}
		if err := p.client.Send(resp); err != nil {
			p.logger.Warn("failed to write response", "error", err)
		}
	}()
}

func decodeMsgpack(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func encodeMsgpack(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

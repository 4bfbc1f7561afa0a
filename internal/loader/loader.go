// Package loader implements the host-side plugin supervisor of spec §4.5:
// it spawns plugin child processes, performs the `/initialize` handshake,
// and runs a write-loop/read-loop task pair per plugin that bridges the
// child's stdin/stdout to the process-wide broadcast bus.
//
// Grounded directly on original_source/crates/sithra/src/loader.rs: the
// broadcast-channel-of-32 bus (internal/bus), the enable-check before
// spawn, the idempotent load-if-already-live check, the per-plugin data
// directory creation, piped stdin/stdout with inherited stderr
// (internal/transport.FromCommand), the write_loop/read_loop task shape,
// and map_log's interception of `/log.create` packets before broadcast.
// The weak-reference back-pointer in the original's Entry has no Go
// equivalent need: an *entry here is owned by the Loader's map exactly
// once and handed to its two goroutines by plain pointer, with a
// sync.Once guarding idempotent teardown instead of a destructor — see
// SPEC_FULL.md §4.5 for the Go-native resolution of that design note.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kestrelbots/sithra/internal/bus"
	"github.com/kestrelbots/sithra/internal/logging"
	"github.com/kestrelbots/sithra/internal/pluginconfig"
	"github.com/kestrelbots/sithra/internal/protocol"
	"github.com/kestrelbots/sithra/internal/transport"
)

// entry is one live plugin's process handle and task-pair teardown state.
type entry struct {
	id   string
	cmd  *exec.Cmd
	peer *transport.Peer
	once sync.Once
}

// Loader spawns and supervises plugin processes and owns the broadcast
// bus every live plugin's write-loop subscribes to.
type Loader struct {
	mu      sync.RWMutex
	plugins map[string]*entry
	bus     *bus.Bus
	logger  *slog.Logger
}

// New creates an empty Loader.
func New(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		plugins: make(map[string]*entry),
		bus:     bus.New(),
		logger:  logger,
	}
}

// Bus returns the broadcast fabric, for components (e.g. an in-process
// admin API) that want to observe bus traffic directly.
func (l *Loader) Bus() *bus.Bus { return l.bus }

// List returns the ids of currently-live plugins.
func (l *Loader) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.plugins))
	for id := range l.plugins {
		ids = append(ids, id)
	}
	return ids
}

// IsLive reports whether id is in the live-plugins map.
func (l *Loader) IsLive(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.plugins[id]
	return ok
}

// Describe runs the plugin binary with --name and --version and returns
// the static metadata it prints, without entering the handshake. Grounded
// on loader.rs's plugin_details, used by an admin panel to list plugins it
// has not (or cannot) load.
func Describe(ctx context.Context, path string, args []string) (name, version string, err error) {
	nameOut, err := exec.CommandContext(ctx, path, append(append([]string{}, args...), "--name")...).Output()
	if err != nil {
		return "", "", fmt.Errorf("loader: describe %s --name: %w", path, err)
	}
	versionOut, err := exec.CommandContext(ctx, path, append(append([]string{}, args...), "--version")...).Output()
	if err != nil {
		return "", "", fmt.Errorf("loader: describe %s --version: %w", path, err)
	}
	return strings.TrimSpace(string(nameOut)), strings.TrimSpace(string(versionOut)), nil
}

// Load spawns cfg's executable, performs the initialize handshake, and —
// on success — starts its write-loop and read-loop and adds it to the
// live map. Load is idempotent: if id is already live, it returns nil
// without spawning a second process, matching spec §4.5's hot-reload
// contract ("load is idempotent").
func (l *Loader) Load(ctx context.Context, id string, cfg *pluginconfig.BaseConfig, dataDir string) error {
	if l.IsLive(id) {
		return nil
	}
	if !cfg.Enable {
		return fmt.Errorf("loader: plugin %s is disabled", id)
	}

	pluginDataDir := filepath.Join(dataDir, id)
	if err := os.MkdirAll(pluginDataDir, 0o755); err != nil {
		return fmt.Errorf("loader: create data dir for %s: %w", id, err)
	}

	cmd := exec.Command(cfg.Path, cfg.Args...)
	peer, err := transport.FromCommand(cmd)
	if err != nil {
		return fmt.Errorf("loader: spawn %s: %w", id, err)
	}

	read, write := peer.Split()

	configPayload, err := encodeConfigPayload(cfg.Config)
	if err != nil {
		_ = peer.Close()
		_, _ = cmd.Process.Wait()
		return fmt.Errorf("loader: encode config for %s: %w", id, err)
	}

	initBody, err := msgpack.Marshal(protocol.Initialize{
		Config:   configPayload,
		ID:       id,
		DataPath: pluginDataDir,
	})
	if err != nil {
		_ = peer.Close()
		return fmt.Errorf("loader: encode initialize payload for %s: %w", id, err)
	}
	initPkt := protocol.NewRequest(protocol.PathInitialize, initBody)

	if err := write.WriteDatapack(initPkt); err != nil {
		killAndClose(cmd, peer)
		return fmt.Errorf("loader: send initialize to %s: %w", id, err)
	}

	if err := l.awaitInitResult(ctx, id, read); err != nil {
		killAndClose(cmd, peer)
		return err
	}

	e := &entry{id: id, cmd: cmd, peer: peer}
	l.mu.Lock()
	l.plugins[id] = e
	l.mu.Unlock()

	sub := l.bus.Subscribe(bus.DefaultHistory)
	go l.writeLoop(e, write, sub)
	go l.readLoop(e, read)

	l.logger.Info("plugin loaded", "plugin", id, "path", cfg.Path)
	return nil
}

func (l *Loader) awaitInitResult(ctx context.Context, id string, read *transport.ReadStream) error {
	type readResult struct {
		pkt *protocol.Datapack
		err error
	}
	ch := make(chan readResult, 1)
	go func() {
		pkt, err := read.ReadDatapack()
		ch <- readResult{pkt, err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("loader: read initialize response from %s: %w", id, r.err)
		}
		var result protocol.InitializeResult
		if err := msgpack.Unmarshal(r.pkt.Payload, &result); err != nil {
			return fmt.Errorf("loader: decode initialize response from %s: %w", id, err)
		}
		if !result.Ok() {
			return fmt.Errorf("loader: plugin %s failed to initialize: %s: %s", id, result.Err.Kind, result.Err.Detail)
		}
		return nil
	}
}

func encodeConfigPayload(cfg *toml.Tree) ([]byte, error) {
	if cfg == nil {
		return msgpack.Marshal(map[string]any{})
	}
	return msgpack.Marshal(cfg.ToMap())
}

func killAndClose(cmd *exec.Cmd, peer *transport.Peer) {
	_ = peer.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}
}

// writeLoop subscribes to the broadcast bus and writes every packet it
// receives to the child's stdin — including packets the plugin itself
// emitted, per spec §4.5 ("a plugin receives its own messages back");
// self-delivery is filtered at the router/client layer inside the
// plugin, not here. Envelopes carry the raw frame body readLoop already
// received, so relaying it onward here is a pure passthrough write with
// no re-encode step. Any I/O error tears the plugin down.
func (l *Loader) writeLoop(e *entry, write *transport.WriteStream, sub <-chan bus.Envelope) {
	defer l.teardown(e)
	defer l.bus.Unsubscribe(sub)

	for env := range sub {
		raw, ok := env.Packet.(*protocol.RawDatapack)
		if !ok {
			continue
		}
		if err := write.WriteRawDatapack(raw); err != nil {
			l.logger.Warn("plugin write loop failed", "plugin", e.id, "error", err)
			return
		}
	}
}

// readLoop reads frames from the child's stdout. Each frame is decoded
// once just far enough to check its path; `/log.create` packets are
// intercepted and replayed into the local logger rather than broadcast,
// everything else is republished as a RawDatapack so writeLoop can relay
// the original bytes to every live plugin, the source included, without
// re-encoding them.
func (l *Loader) readLoop(e *entry, read *transport.ReadStream) {
	defer l.teardown(e)

	for {
		raw, err := read.ReadRawDatapack()
		if err != nil {
			l.logger.Info("plugin read loop ended", "plugin", e.id, "error", err)
			return
		}

		pkt, decodeErr := transport.Decode(raw.Body)
		if decodeErr != nil {
			l.logger.Warn("dropping malformed datapack from plugin", "plugin", e.id, "error", decodeErr)
			continue
		}

		if pkt.Path != nil && *pkt.Path == protocol.PathLogCreate {
			if replayErr := logging.Replay(l.logger, e.id, pkt.Payload); replayErr != nil {
				l.logger.Warn("failed to replay plugin log record", "plugin", e.id, "error", replayErr)
			}
			continue
		}

		l.bus.Publish(bus.Envelope{SourceID: e.id, Packet: raw})
	}
}

// teardown closes e's stdio streams, kills its process, and removes it
// from the live map. readLoop ends at once on the closed stream; writeLoop
// stays subscribed to the bus until the next envelope arrives, whose write
// fails on the closed stream and ends it. Safe to call from either task's
// exit path, or from Abort/AbortAll concurrently — only the first caller
// does any work.
func (l *Loader) teardown(e *entry) {
	e.once.Do(func() {
		_ = e.peer.Close()
		if e.cmd.Process != nil {
			_ = e.cmd.Process.Kill()
		}
		_, _ = e.cmd.Process.Wait()

		l.mu.Lock()
		if cur, ok := l.plugins[e.id]; ok && cur == e {
			delete(l.plugins, e.id)
		}
		l.mu.Unlock()

		l.logger.Info("plugin removed from live set", "plugin", e.id)
	})
}

// Abort removes id from the live map and tears it down (see teardown for
// when each of its two tasks ends). A no-op if id is not live.
func (l *Loader) Abort(id string) {
	l.mu.RLock()
	e, ok := l.plugins[id]
	l.mu.RUnlock()
	if !ok {
		return
	}
	l.teardown(e)
}

// AbortAll tears down every live plugin.
func (l *Loader) AbortAll() {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.plugins))
	for _, e := range l.plugins {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	for _, e := range entries {
		l.teardown(e)
	}
}

// Close is the Go-native analog of the original's Drop impl: it aborts
// every live plugin so the Loader can be discarded cleanly.
func (l *Loader) Close() error {
	l.AbortAll()
	return nil
}

// LoadAll enumerates every enabled entry in store and loads it, returning
// the first error encountered per id (loading continues for the remaining
// ids — one misbehaving plugin must not prevent the others from starting,
// per spec §7's "the host never terminates because a plugin misbehaves").
func (l *Loader) LoadAll(ctx context.Context, store *pluginconfig.Store, dataDir string) map[string]error {
	errs := make(map[string]error)
	for _, id := range store.KeysEnabled() {
		cfg, ok := store.Get(id)
		if !ok {
			continue
		}
		if err := l.Load(ctx, id, cfg, dataDir); err != nil {
			errs[id] = err
			l.logger.Error("failed to load plugin", "plugin", id, "error", err)
		}
	}
	return errs
}

// Package client implements the plugin-facing send endpoint described in
// spec §4.2: fire-and-forget Send, and correlated Post/await via a
// pending-response table. Grounded on the teacher's
// internal/signal.Client, whose `pending map[int64]chan rpcResponse`
// guarded by a mutex is generalized here from int64 JSON-RPC ids to the
// bus's ULID-based protocol.ID, and from a single subprocess sink to any
// Sink implementation (a transport.WriteStream in production, a fake in
// tests).
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kestrelbots/sithra/internal/protocol"
)

// ErrConnectionClosed is returned to every pending Post when the client is
// closed, matching the "ConnectionClosed" error class in spec §4.2.
var ErrConnectionClosed = errors.New("client: connection closed")

// Sink is anything a Client can hand an outbound datapack to. In
// production this is a *transport.WriteStream; tests use a recording
// fake.
type Sink interface {
	WriteDatapack(p *protocol.Datapack) error
}

// Client correlates outbound requests with inbound responses by id. It
// does not read from the wire itself — the plugin's serve loop feeds
// inbound packets to Dispatch as they arrive.
type Client struct {
	sink Sink

	// writeMu serializes writes to the sink; a stream has exactly one
	// writer per the concurrency model's single-writer-per-stream rule.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[protocol.ID]chan *protocol.Datapack
}

// New creates a Client that writes outbound packets through sink.
func New(sink Sink) *Client {
	return &Client{
		sink:    sink,
		pending: make(map[protocol.ID]chan *protocol.Datapack),
	}
}

// Send enqueues p to the sink without waiting for a response
// (fire-and-forget).
func (c *Client) Send(p *protocol.Datapack) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sink.WriteDatapack(p)
}

// Post assigns a fresh id to p if unset, registers a one-shot responder
// keyed by that id, sends p, and blocks until a matching response arrives,
// ctx is cancelled, or the client is closed. On any exit path other than a
// delivered response, the pending-table entry is removed before Post
// returns — the "entry guard" discipline from spec §9 that prevents a late
// response from filling a dead slot, implemented here as a deferred
// cleanup rather than a destructor since Go has no RAII.
func (c *Client) Post(ctx context.Context, p *protocol.Datapack) (*protocol.Datapack, error) {
	if p.ID.IsZero() {
		p.ID = protocol.NewID()
	}

	ch := make(chan *protocol.Datapack, 1)
	c.mu.Lock()
	c.pending[p.ID] = ch
	c.mu.Unlock()

	// Entry guard: whichever path below returns, the pending slot is gone.
	defer func() {
		c.mu.Lock()
		delete(c.pending, p.ID)
		c.mu.Unlock()
	}()

	if err := c.Send(p); err != nil {
		return nil, fmt.Errorf("post %s: %w", stringPath(p), err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return resp, nil
	}
}

// Dispatch delivers an inbound response packet to its awaiting Post call,
// if one is registered. It returns true if the packet was consumed by a
// pending entry (the caller should not also route it through the router —
// responses are resolved here, not dispatched as requests). Packets with
// no Correlate, or whose Correlate does not match any pending entry in
// *this* process, return false: per spec §4.5, correlation is checked only
// against the local pending table, which is what prevents a plugin from
// mistakenly "answering" its own broadcast echo.
func (c *Client) Dispatch(p *protocol.Datapack) bool {
	if p.Correlate == nil {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[*p.Correlate]
	if ok {
		delete(c.pending, *p.Correlate)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- p
	return true
}

// Close resolves every pending Post with ErrConnectionClosed and clears
// the table. Call when the underlying stream has failed.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// PendingCount reports the number of outstanding Post calls. Exposed for
// the package's own leak tests (spec §8 invariant 1).
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func stringPath(p *protocol.Datapack) string {
	if p.Path != nil {
		return *p.Path
	}
	return "(response)"
}

// Package router implements the path-dispatched handler map and extractor
// model described in spec §4.3. A handler is registered once per path with
// a concrete payload type; the router's public surface stores it behind a
// single Handler interface (the "boxed trait object at the router
// boundary, concrete types inside" design note in spec §9), so dispatch
// itself has no generics and no reflection.
//
// Structurally grounded on the teacher's internal/router package (a
// mutex-protected registration map plus a Config/logger field) — though
// that package routes LLM requests to models, not datapacks to handlers;
// the routing table shape is reused, the routing subject is not.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kestrelbots/sithra/internal/protocol"
)

// Poster is the subset of the plugin client a handler needs: posting a new
// request and reading the packet that triggered dispatch. Kept as an
// interface here (rather than importing internal/client directly) to avoid
// a router → client → router import cycle; internal/pluginrt supplies the
// concrete implementation.
type Poster interface {
	Packet() *protocol.Datapack
	Post(ctx context.Context, p *protocol.Datapack) (*protocol.Datapack, error)
	Send(p *protocol.Datapack) error
}

// Request is what a handler and its extractors see: the inbound datapack
// (via Poster) and the router's shared state.
type Request struct {
	Poster Poster
	State  any
}

// Response is what a handler produces. Empty means "no reply" (the
// no-payload handler return variant in spec §4.3); otherwise Payload is
// the MessagePack-encoded body for the response datapack linked to the
// request.
type Response struct {
	Empty   bool
	Payload []byte
}

// Handler is the router-boundary interface every registration is
// monomorphized down to.
type Handler interface {
	Handle(ctx context.Context, req *Request) (Response, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (Response, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (Response, error) {
	return f(ctx, req)
}

// Router maps paths to handlers. Safe for concurrent registration and
// dispatch.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	state    any
	logger   *slog.Logger
}

// New creates an empty Router carrying state (accessible to handlers via
// the State extractor).
func New(state any, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[string]Handler),
		state:    state,
		logger:   logger,
	}
}

// Handle registers handler for path, replacing any existing registration.
func (r *Router) Handle(path string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[path] = handler
}

// HandleFunc is the function-literal convenience form of Handle.
func (r *Router) HandleFunc(path string, fn HandlerFunc) {
	r.Handle(path, fn)
}

// Dispatch routes an inbound request packet to its handler. If no handler
// is registered for the packet's path, the packet is silently dropped (nil,
// nil) per spec §4.3 ("if absent, drop"). Otherwise it runs the handler and
// converts its Response into a reply datapack linked to the request — or
// returns nil if the handler produced no reply.
//
// Dispatch only handles request packets (Path set); response packets are
// resolved by the plugin's client correlator before ever reaching the
// router (see internal/pluginrt).
func (r *Router) Dispatch(ctx context.Context, poster Poster) (*protocol.Datapack, error) {
	packet := poster.Packet()
	if packet.Path == nil {
		return nil, nil
	}

	r.mu.RLock()
	h, ok := r.handlers[*packet.Path]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("no handler registered, dropping", "path", *packet.Path)
		return nil, nil
	}

	req := &Request{Poster: poster, State: r.state}
	resp, err := h.Handle(ctx, req)
	if err != nil {
		payload, encErr := marshalValue(protocol.ErrorPayload{Detail: err.Error()})
		if encErr != nil {
			return nil, fmt.Errorf("encode error response: %w", encErr)
		}
		return packet.Link(payload), nil
	}
	if resp.Empty {
		return nil, nil
	}
	return packet.Link(resp.Payload), nil
}

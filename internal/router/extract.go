package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/kestrelbots/sithra/internal/protocol"
)

// ErrRejected is wrapped by every extractor's rejection error so handler
// authors (and the router's own error-response path) can recognize an
// extraction failure distinctly from a handler-level business error.
var ErrRejected = errors.New("router: extraction rejected")

// ErrNoChannel is returned by Channel extraction when the inbound packet
// has no channel metadata.
var ErrNoChannel = fmt.Errorf("%w: request has no channel", ErrRejected)

// Payload decodes req's packet payload as T. Use inside a handler body, or
// via the Typed helper below which does it automatically.
func Payload[T any](req *Request) (T, error) {
	var payload T
	if err := unmarshalValue(req.Poster.Packet().Payload, &payload); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: decode payload: %v", ErrRejected, err)
	}
	return payload, nil
}

// ChannelOf extracts the channel metadata, rejecting if absent.
func ChannelOf(req *Request) (*protocol.Channel, error) {
	ch := req.Poster.Packet().Channel
	if ch == nil {
		return nil, ErrNoChannel
	}
	return ch, nil
}

// BotIDOf extracts the optional bot identifier. Never rejects — an absent
// bot id simply extracts as nil, per spec §4.3.
func BotIDOf(req *Request) *string {
	return req.Poster.Packet().BotID
}

// StateOf type-asserts the router's shared state to S, rejecting with a
// clear error on mismatch rather than panicking.
func StateOf[S any](req *Request) (S, error) {
	s, ok := req.State.(S)
	if !ok {
		var zero S
		return zero, fmt.Errorf("%w: router state is not of the expected type", ErrRejected)
	}
	return s, nil
}

// Context is the composite extractor from spec §4.3: decoded payload plus
// state plus the original request handle, so a handler can call back into
// the client with a new outbound request that carries the bot id and
// channel of the one it is currently handling.
type Context[T any, S any] struct {
	Payload T
	State   S
	req     *Request
}

// ContextOf builds a Context[T, S] by decoding the payload and asserting
// the state, rejecting if either fails.
func ContextOf[T any, S any](req *Request) (*Context[T, S], error) {
	payload, err := Payload[T](req)
	if err != nil {
		return nil, err
	}
	state, err := StateOf[S](req)
	if err != nil {
		return nil, err
	}
	return &Context[T, S]{Payload: payload, State: state, req: req}, nil
}

// Post sends a new request datapack carrying the bot id and channel of the
// packet currently being handled (the recipient's response correlates to
// the new request's own id and comes back through the usual
// Client.Post path on the caller's side — see spec §4.3's "typed request
// contract") and decodes the typed response into R.
func Post[T any, S any, R any](ctx context.Context, c *Context[T, S], path string, payload any) (R, error) {
	var zero R
	body, err := marshalValue(payload)
	if err != nil {
		return zero, fmt.Errorf("encode post payload: %w", err)
	}
	reqPacket := protocol.NewRequest(path, body)
	reqPacket.Correlate = nil // this is a new request, not a response
	current := c.req.Poster.Packet()
	reqPacket.BotID = current.BotID
	reqPacket.Channel = current.Channel

	resp, err := c.req.Poster.Post(ctx, reqPacket)
	if err != nil {
		return zero, err
	}
	var out R
	if err := unmarshalValue(resp.Payload, &out); err != nil {
		return zero, fmt.Errorf("decode post response: %w", err)
	}
	return out, nil
}

// Typed builds a Handler that decodes its payload as P, invokes fn, and
// converts the result: a nil error with a nil-valued any result means "no
// reply"; a non-nil result is encoded as the response payload. This is the
// monomorphization point referenced in spec §9 — the generic type
// parameter is resolved once, at registration, and the Handler interface
// stored in the router's map after that is fully concrete.
func Typed[P any](fn func(ctx context.Context, payload P, req *Request) (any, error)) HandlerFunc {
	return func(ctx context.Context, req *Request) (Response, error) {
		payload, err := Payload[P](req)
		if err != nil {
			return Response{}, err
		}
		result, err := fn(ctx, payload, req)
		if err != nil {
			return Response{}, err
		}
		if result == nil {
			return Response{Empty: true}, nil
		}
		data, err := marshalValue(result)
		if err != nil {
			return Response{}, fmt.Errorf("encode handler response: %w", err)
		}
		return Response{Payload: data}, nil
	}
}

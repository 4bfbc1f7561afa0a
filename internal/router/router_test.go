package router

import (
	"context"
	"errors"
	"testing"

	"github.com/kestrelbots/sithra/internal/protocol"
)

// fakePoster is a minimal Poster for router tests: it exposes a fixed
// inbound packet and records any outbound Post/Send calls.
type fakePoster struct {
	packet *protocol.Datapack
}

func (f *fakePoster) Packet() *protocol.Datapack { return f.packet }

func (f *fakePoster) Post(ctx context.Context, p *protocol.Datapack) (*protocol.Datapack, error) {
	return nil, errors.New("not implemented in this fake")
}

func (f *fakePoster) Send(p *protocol.Datapack) error { return nil }

func newTestPacket(t *testing.T, path string, payload any) *protocol.Datapack {
	t.Helper()
	body, err := marshalValue(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return protocol.NewRequest(path, body)
}

func TestDispatchRunsRegisteredHandler(t *testing.T) {
	r := New(nil, nil)
	r.HandleFunc("/command/message.create", Typed(func(ctx context.Context, payload protocol.SendMessage, req *Request) (any, error) {
		return protocol.Message{ID: "m1", Content: payload.Content}, nil
	}))

	req := newTestPacket(t, "/command/message.create", protocol.TextMessage("hi"))
	poster := &fakePoster{packet: req}

	resp, err := r.Dispatch(context.Background(), poster)
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a response packet")
	}
	if resp.Correlate == nil || *resp.Correlate != req.ID {
		t.Fatalf("response not correlated to request id")
	}

	var got protocol.Message
	if err := unmarshalValue(resp.Payload, &got); err != nil {
		t.Fatalf("decode response payload: %v", err)
	}
	if got.ID != "m1" {
		t.Fatalf("got id %q, want m1", got.ID)
	}
}

func TestDispatchDropsUnmatchedPath(t *testing.T) {
	r := New(nil, nil)
	req := newTestPacket(t, "/command/unknown", map[string]any{})
	poster := &fakePoster{packet: req}

	resp, err := r.Dispatch(context.Background(), poster)
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if resp != nil {
		t.Fatal("expected no response for an unmatched path")
	}
}

func TestDispatchOnResponsePacketIsNoop(t *testing.T) {
	r := New(nil, nil)
	corr := protocol.NewID()
	resp := &protocol.Datapack{ID: protocol.NewID(), Correlate: &corr}
	poster := &fakePoster{packet: resp}

	out, err := r.Dispatch(context.Background(), poster)
	if err != nil || out != nil {
		t.Fatalf("Dispatch on a response packet should be a no-op, got %v, %v", out, err)
	}
}

func TestDispatchConvertsHandlerErrorToErrorResponse(t *testing.T) {
	r := New(nil, nil)
	r.HandleFunc("/command/channel.mute", Typed(func(ctx context.Context, payload protocol.SetMute, req *Request) (any, error) {
		return nil, errors.New("boom")
	}))

	req := newTestPacket(t, "/command/channel.mute", protocol.SetMute{Duration: 60})
	poster := &fakePoster{packet: req}

	resp, err := r.Dispatch(context.Background(), poster)
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	var errPayload protocol.ErrorPayload
	if err := unmarshalValue(resp.Payload, &errPayload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if errPayload.Detail != "boom" {
		t.Fatalf("detail = %q, want boom", errPayload.Detail)
	}
}

func TestDispatchEmptyResponseMeansNoReply(t *testing.T) {
	r := New(nil, nil)
	r.HandleFunc("/command/channel.mute", Typed(func(ctx context.Context, payload protocol.SetMute, req *Request) (any, error) {
		return nil, nil
	}))

	req := newTestPacket(t, "/command/channel.mute", protocol.SetMute{Duration: 0})
	poster := &fakePoster{packet: req}

	resp, err := r.Dispatch(context.Background(), poster)
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if resp != nil {
		t.Fatal("expected no response packet for a nil-result handler")
	}
}

func TestChannelOfRejectsWhenAbsent(t *testing.T) {
	req := &Request{Poster: &fakePoster{packet: &protocol.Datapack{}}}
	if _, err := ChannelOf(req); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("err = %v, want ErrNoChannel", err)
	}
}

func TestBotIDOfNeverRejects(t *testing.T) {
	req := &Request{Poster: &fakePoster{packet: &protocol.Datapack{}}}
	if got := BotIDOf(req); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestStateOfRejectsOnTypeMismatch(t *testing.T) {
	req := &Request{Poster: &fakePoster{packet: &protocol.Datapack{}}, State: 42}
	if _, err := StateOf[string](req); !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kestrelbots/sithra/internal/protocol"
)

// recordingSink captures every datapack written to it.
type recordingSink struct {
	sent []*protocol.Datapack
}

func (s *recordingSink) WriteDatapack(p *protocol.Datapack) error {
	s.sent = append(s.sent, p)
	return nil
}

type failingSink struct{ err error }

func (s *failingSink) WriteDatapack(*protocol.Datapack) error { return s.err }

func TestPostResolvesOnMatchingResponse(t *testing.T) {
	sink := &recordingSink{}
	c := New(sink)

	path := "/command/message.create"
	req := &protocol.Datapack{ID: protocol.NewID(), Path: &path, Payload: []byte("hi")}

	type result struct {
		resp *protocol.Datapack
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := c.Post(context.Background(), req)
		done <- result{resp, err}
	}()

	// Give Post a moment to register before we dispatch the response.
	time.Sleep(10 * time.Millisecond)
	if c.PendingCount() != 1 {
		t.Fatalf("pending count = %d, want 1", c.PendingCount())
	}

	resp := req.Link([]byte("m1"))
	if !c.Dispatch(resp) {
		t.Fatal("Dispatch should have consumed the matching response")
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("Post returned error: %v", r.err)
	}
	if string(r.resp.Payload) != "m1" {
		t.Fatalf("payload = %q, want m1", r.resp.Payload)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("pending count after resolve = %d, want 0", c.PendingCount())
	}
}

func TestPostDeregistersOnContextCancel(t *testing.T) {
	c := New(&recordingSink{})

	path := "/command/message.create"
	req := &protocol.Datapack{Path: &path}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Post(ctx, req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("pending entry leaked after cancellation: count = %d", c.PendingCount())
	}
}

func TestDispatchIgnoresUnmatchedCorrelation(t *testing.T) {
	c := New(&recordingSink{})
	orphanID := protocol.NewID()
	resp := &protocol.Datapack{ID: protocol.NewID(), Correlate: &orphanID}

	if c.Dispatch(resp) {
		t.Fatal("Dispatch should not consume a response with no pending entry")
	}
}

func TestDispatchIgnoresRequests(t *testing.T) {
	c := New(&recordingSink{})
	path := "/event/message.created"
	req := &protocol.Datapack{ID: protocol.NewID(), Path: &path}

	if c.Dispatch(req) {
		t.Fatal("Dispatch should not consume a packet with no Correlate")
	}
}

func TestPostPropagatesSendFailure(t *testing.T) {
	sendErr := errors.New("broken pipe")
	c := New(&failingSink{err: sendErr})
	path := "/command/message.create"
	req := &protocol.Datapack{Path: &path}

	_, err := c.Post(context.Background(), req)
	if !errors.Is(err, sendErr) {
		t.Fatalf("err = %v, want wrapped %v", err, sendErr)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("pending entry leaked after send failure: count = %d", c.PendingCount())
	}
}

func TestCloseResolvesPendingWithConnectionClosed(t *testing.T) {
	c := New(&recordingSink{})
	path := "/command/message.create"
	req := &protocol.Datapack{Path: &path}

	done := make(chan error, 1)
	go func() {
		_, err := c.Post(context.Background(), req)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()

	err := <-done
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("err = %v, want ErrConnectionClosed", err)
	}
}

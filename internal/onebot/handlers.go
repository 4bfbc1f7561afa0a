package onebot

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kestrelbots/sithra/internal/protocol"
	"github.com/kestrelbots/sithra/internal/router"
)

// Register wires the adapter's outbound action handlers onto r, matching
// spec §4.6's "Outbound SendMessage"/"Outbound SetMute" translation.
func (a *Adapter) Register(r *router.Router) {
	r.Handle(protocol.PathMessageCreate, router.Typed(a.handleSendMessage))
	r.Handle(protocol.PathChannelMute, router.Typed(a.handleSetMute))
}

// handleSendMessage converts a SendMessage request into send_private_msg
// or send_group_msg, echoing the request's own packet id so the upstream
// reply can be correlated back to this call.
func (a *Adapter) handleSendMessage(ctx context.Context, payload protocol.SendMessage, req *router.Request) (any, error) {
	channel, err := router.ChannelOf(req)
	if err != nil {
		return nil, err
	}

	outbound := a.Outbound()
	if outbound == nil {
		return nil, fmt.Errorf("onebot: no live upstream connection")
	}

	echoID := req.Poster.Packet().ID
	waitCh := a.waiter.Register(echoID)
	defer a.waiter.Cancel(echoID)

	body, err := EncodeSendMessage(*channel, payload, echoID)
	if err != nil {
		return nil, fmt.Errorf("onebot: encode send message: %w", err)
	}

	select {
	case outbound <- body:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-waitCh:
		return sendMessageResult(resp, payload), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sendMessageResult(resp *protocol.Datapack, sent protocol.SendMessage) protocol.Message {
	var raw map[string]any
	if len(resp.Payload) > 0 {
		_ = msgpack.Unmarshal(resp.Payload, &raw)
	}
	return protocol.Message{
		ID:      fmt.Sprintf("%v", raw["message_id"]),
		Content: sent.Content,
	}
}

// handleSetMute converts a SetMute request into set_group_ban.
func (a *Adapter) handleSetMute(ctx context.Context, payload protocol.SetMute, req *router.Request) (any, error) {
	outbound := a.Outbound()
	if outbound == nil {
		return nil, fmt.Errorf("onebot: no live upstream connection")
	}

	echoID := req.Poster.Packet().ID
	waitCh := a.waiter.Register(echoID)
	defer a.waiter.Cancel(echoID)

	body, err := EncodeSetMute(payload, echoID)
	if err != nil {
		return nil, fmt.Errorf("onebot: encode set_group_ban: %w", err)
	}

	select {
	case outbound <- body:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-waitCh:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

package onebot

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kestrelbots/sithra/internal/protocol"
)

// isLoopback reports whether rawURL's host is localhost or a loopback IP.
// Ported from util.rs's is_loopback.
func isLoopback(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// orInBase64 inlines a file:// URL's content as a base64:// data URL,
// passing any other URL through unchanged. Ported from util.rs's
// or_in_base64.
func orInBase64(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, nil
	}
	if u.Scheme != "file" {
		return rawURL, nil
	}
	data, err := os.ReadFile(u.Path)
	if err != nil {
		return "", fmt.Errorf("onebot: read local image file: %w", err)
	}
	return "base64://" + base64.StdEncoding.EncodeToString(data), nil
}

// segmentsFromRaw normalizes OneBot segments into internal segments. Image
// segments are inlined as base64 only when the gateway is non-loopback —
// a loopback gateway shares a filesystem with plugins, so the file:// URL
// already resolves for them without the read-and-encode cost.
func segmentsFromRaw(loopback bool, raws []rawSegment) []protocol.Segment {
	segs := make([]protocol.Segment, 0, len(raws))
	for _, r := range raws {
		switch r.Type {
		case "text":
			if text, ok := r.Data["text"].(string); ok {
				segs = append(segs, protocol.Text(text))
				continue
			}
		case "image":
			rawURL, _ := r.Data["url"].(string)
			if !loopback {
				if inlined, err := orInBase64(rawURL); err == nil {
					rawURL = inlined
				}
			}
			segs = append(segs, protocol.Image(rawURL))
			continue
		case "at":
			if qq, ok := r.Data["qq"].(string); ok {
				segs = append(segs, protocol.At(qq))
				continue
			}
		}
		segs = append(segs, protocol.Custom(r.Type, r.Data))
	}
	return segs
}

func segmentsToRaw(segments []protocol.Segment) []rawSegment {
	out := make([]rawSegment, 0, len(segments))
	for _, s := range segments {
		data, ok := s.Data.(map[string]any)
		if !ok {
			data = map[string]any{}
		}
		out = append(out, rawSegment{Type: s.Type, Data: data})
	}
	return out
}

func channelFromEvent(ev rawEvent) protocol.Channel {
	selfID := ev.SelfID.String()
	if ev.MessageType == "group" {
		return protocol.Channel{ID: ev.GroupID.String(), Type: protocol.ChannelGroup, SelfID: &selfID}
	}
	return protocol.Channel{ID: ev.UserID.String(), Type: protocol.ChannelPrivate, SelfID: &selfID}
}

// eventToDatapack translates one inbound OneBot event into a request
// datapack. message events carry normalized segment content on
// PathMessageEvent; every other post_type forwards its raw_message and
// sub_type under "/event/<post_type>.created" since sithra-kit plugins
// that care about notices/requests/meta-events read those fields directly.
func eventToDatapack(loopback bool, ev rawEvent, botID string) *protocol.Datapack {
	if ev.PostType == "message" {
		channel := channelFromEvent(ev)
		msg := protocol.Message{
			ID:      ev.MessageID.String(),
			Content: segmentsFromRaw(loopback, ev.Message),
		}
		payload, _ := msgpack.Marshal(msg)
		path := protocol.PathMessageEvent
		return &protocol.Datapack{
			ID:      protocol.NewID(),
			Path:    &path,
			BotID:   &botID,
			Channel: &channel,
			Payload: payload,
		}
	}

	path := "/event/" + ev.PostType + ".created"
	raw := map[string]any{"raw_message": ev.RawMessage, "sub_type": ev.SubType}
	payload, _ := msgpack.Marshal(raw)
	return &protocol.Datapack{ID: protocol.NewID(), Path: &path, BotID: &botID, Payload: payload}
}

// DecodeIncoming parses one inbound WebSocket text frame per the untagged
// {Event, ApiResponse} union (spec §4.6). A non-nil health return means
// the frame was a get_status reply and must not be forwarded; otherwise a
// non-nil pkt is ready to hand to the adapter's echo waiter and/or the
// internal sink.
func DecodeIncoming(loopback bool, raw []byte, botID string) (pkt *protocol.Datapack, echo protocol.ID, health *bool, err error) {
	var probe probeEnvelope
	if jsonErr := json.Unmarshal(raw, &probe); jsonErr != nil {
		return nil, protocol.NilID, nil, fmt.Errorf("onebot: parse message: %w", jsonErr)
	}

	if probe.PostType != nil {
		var ev rawEvent
		if jsonErr := json.Unmarshal(raw, &ev); jsonErr != nil {
			return nil, protocol.NilID, nil, fmt.Errorf("onebot: parse event: %w", jsonErr)
		}
		return eventToDatapack(loopback, ev, botID), protocol.NilID, nil, nil
	}

	var resp apiResponse
	if jsonErr := json.Unmarshal(raw, &resp); jsonErr != nil {
		return nil, protocol.NilID, nil, fmt.Errorf("onebot: parse api response: %w", jsonErr)
	}

	id, parseErr := protocol.ParseID(resp.Echo)
	if parseErr != nil {
		id = protocol.NewID()
	}

	if id == protocol.NilID {
		var status statusData
		if len(resp.Data) > 0 {
			if jsonErr := json.Unmarshal(resp.Data, &status); jsonErr != nil {
				return nil, protocol.NilID, nil, fmt.Errorf("onebot: parse get_status data: %w", jsonErr)
			}
		}
		good := status.Good
		return nil, protocol.NilID, &good, nil
	}

	var payload []byte
	if len(resp.Data) > 0 {
		var v any
		if jsonErr := json.Unmarshal(resp.Data, &v); jsonErr == nil {
			if encoded, mpErr := msgpack.Marshal(v); mpErr == nil {
				payload = encoded
			}
		}
	}
	correlate := id
	responsePkt := &protocol.Datapack{
		ID:        protocol.NewID(),
		Correlate: &correlate,
		BotID:     &botID,
		Payload:   payload,
	}
	return responsePkt, id, nil, nil
}

// EncodeSendMessage builds a send_private_msg/send_group_msg action call
// echoing echoID, so the caller can correlate the upstream reply.
func EncodeSendMessage(channel protocol.Channel, msg protocol.SendMessage, echoID protocol.ID) ([]byte, error) {
	action := "send_private_msg"
	params := sendMsgParams{Message: segmentsToRaw(msg.Content)}
	if channel.Type == protocol.ChannelGroup {
		action = "send_group_msg"
		params.GroupID = channel.ID
	} else {
		params.UserID = channel.ID
	}
	return json.Marshal(apiCall{Action: action, Params: params, Echo: echoID.String()})
}

// EncodeSetMute builds a set_group_ban action call echoing echoID.
func EncodeSetMute(mute protocol.SetMute, echoID protocol.ID) ([]byte, error) {
	params := setBanParams{GroupID: mute.Channel.ID, UserID: mute.UserID, Duration: mute.Duration}
	return json.Marshal(apiCall{Action: "set_group_ban", Params: params, Echo: echoID.String()})
}

// EncodeGetStatus builds the health-check probe, echoed with the nil id
// per main.rs's `ApiCall::new("get_status", Value::Null, Ulid::nil())`.
func EncodeGetStatus() ([]byte, error) {
	return json.Marshal(apiCall{Action: "get_status", Params: struct{}{}, Echo: protocol.NilID.String()})
}

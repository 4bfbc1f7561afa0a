package protocol

// Segment is one atom of message content. Type names the segment kind
// ("text", "image", "at", or an adapter-specific value); Data carries the
// kind-specific payload as a generic msgpack value so adapters can round
// trip segment kinds the core doesn't know about.
type Segment struct {
	Type string `msgpack:"type"`
	Data any    `msgpack:"data"`
}

// Text builds a text segment.
func Text(s string) Segment {
	return Segment{Type: "text", Data: map[string]any{"text": s}}
}

// Image builds an image segment addressed by URL (which may later be
// rewritten to a base64:// URL by the OneBot adapter's file-inlining path).
func Image(url string) Segment {
	return Segment{Type: "image", Data: map[string]any{"url": url}}
}

// At builds an at-mention segment targeting the given user id.
func At(userID string) Segment {
	return Segment{Type: "at", Data: map[string]any{"user_id": userID}}
}

// Custom builds a segment of an adapter-defined kind.
func Custom(kind string, data any) Segment {
	return Segment{Type: kind, Data: data}
}

// SegmentText returns the segment's text content and whether it is a text
// segment.
func SegmentText(s Segment) (string, bool) {
	if s.Type != "text" {
		return "", false
	}
	m, ok := s.Data.(map[string]any)
	if !ok {
		return "", false
	}
	text, _ := m["text"].(string)
	return text, true
}

// Message is the normalized, directionless shape of a chat message: an id
// assigned by the sending side and its segment content. It is the payload
// of the `/event/message.created` event and the response of
// `/command/message.create`.
type Message struct {
	ID      string    `msgpack:"id"`
	Content []Segment `msgpack:"content"`
}

// SendMessage is the request payload of `/command/message.create`: the
// segment content to send, with no id yet assigned (the responder mints
// one and returns it in the resulting Message).
type SendMessage struct {
	Content []Segment `msgpack:"content"`
}

// NewSendMessage builds a SendMessage from one or more segments.
func NewSendMessage(segments ...Segment) SendMessage {
	return SendMessage{Content: segments}
}

// TextMessage is a convenience constructor for a single-segment text
// SendMessage, mirroring the original's `smsg!` macro.
func TextMessage(s string) SendMessage {
	return NewSendMessage(Text(s))
}

// SetMute is the request payload of `/command/channel.mute`: mute a
// channel (or, for per-user mutes, a user within it) for duration seconds.
// A duration of 0 means unmute.
type SetMute struct {
	Channel  Channel `msgpack:"channel"`
	UserID   string  `msgpack:"user_id,omitempty"`
	Duration int64   `msgpack:"duration"`
}


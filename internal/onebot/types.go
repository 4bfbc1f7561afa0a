// Package onebot implements the OneBot adapter's connection supervisor and
// protocol translation layer described in spec §4.6: a WebSocket client
// with exponential-backoff reconnect, a send/receive/health-check task
// group per connection, and bidirectional translation between the OneBot
// v11 wire schema and the internal datapack model.
//
// Grounded directly on original_source/adapters/onebot: util.rs's
// ConnectionManager/retry_with_backoff/is_loopback/or_in_base64, and
// main.rs's recv_loop/onebot_adaptation/handle_connection task group. The
// api/event submodules main.rs imports were not present in the retrieved
// source, so their wire shapes here are reconstructed from the fields
// main.rs and lib.rs's own test fixture actually touch (post_type,
// message_type, message/raw_message, sender/group/user ids, the untagged
// {Event, ApiResponse} union, echo-as-correlate, and the get_status
// {online, good} response body).
package onebot

import "encoding/json"

// apiCall is the outbound OneBot action envelope: {action, params, echo}.
type apiCall struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

// apiResponse is an inbound OneBot API response: {status, retcode, data, echo}.
type apiResponse struct {
	Status  string          `json:"status"`
	Retcode int64           `json:"retcode"`
	Data    json.RawMessage `json:"data,omitempty"`
	Echo    string          `json:"echo,omitempty"`
}

// statusData is the payload of a get_status response.
type statusData struct {
	Online bool `json:"online"`
	Good   bool `json:"good"`
}

// probeEnvelope is used only to decide which side of the untagged union a
// frame belongs to: events always carry post_type, API responses never do.
type probeEnvelope struct {
	PostType *string `json:"post_type"`
}

// rawSegment is one OneBot message segment: {type, data}.
type rawSegment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// rawEvent is an inbound OneBot event of any post_type. Not every field
// applies to every post_type; absent fields decode to their zero value.
type rawEvent struct {
	PostType    string       `json:"post_type"`
	MessageType string       `json:"message_type,omitempty"`
	SubType     string       `json:"sub_type,omitempty"`
	MessageID   json.Number  `json:"message_id,omitempty"`
	UserID      json.Number  `json:"user_id,omitempty"`
	GroupID     json.Number  `json:"group_id,omitempty"`
	SelfID      json.Number  `json:"self_id,omitempty"`
	Message     []rawSegment `json:"message,omitempty"`
	RawMessage  string       `json:"raw_message,omitempty"`
}

// sendMsgParams is the params object of send_private_msg/send_group_msg.
type sendMsgParams struct {
	UserID  string       `json:"user_id,omitempty"`
	GroupID string       `json:"group_id,omitempty"`
	Message []rawSegment `json:"message"`
}

// setBanParams is the params object of set_group_ban.
type setBanParams struct {
	GroupID  string `json:"group_id"`
	UserID   string `json:"user_id"`
	Duration int64  `json:"duration"`
}

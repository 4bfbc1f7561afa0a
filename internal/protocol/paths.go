package protocol

// Reserved path constants for the handshake and the built-in command/event
// surface. Leaf-plugin paths are not enumerated here — plugins register
// their own.
const (
	PathInitialize    = "/initialize"
	PathLogCreate     = "/log.create"
	PathMessageCreate = "/command/message.create"
	PathChannelMute   = "/command/channel.mute"
	PathMessageEvent  = "/event/message.created"
)

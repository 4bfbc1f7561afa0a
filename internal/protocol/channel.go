package protocol

// ChannelType distinguishes the kind of conversation context a Channel
// addresses.
type ChannelType string

const (
	ChannelPrivate ChannelType = "private"
	ChannelGroup   ChannelType = "group"
)

// Channel addresses a conversation context: a private chat, a group, or a
// private sub-conversation nested inside a group (ParentID set).
type Channel struct {
	ID       string      `msgpack:"id"`
	Type     ChannelType `msgpack:"type"`
	Name     string      `msgpack:"name,omitempty"`
	ParentID *string     `msgpack:"parent_id,omitempty"`
	SelfID   *string     `msgpack:"self_id,omitempty"`
}

// Equal compares two channels by (id, type, parent_id), per the data
// model's equality rule — Name and SelfID are descriptive, not identifying.
func (c Channel) Equal(other Channel) bool {
	if c.ID != other.ID || c.Type != other.Type {
		return false
	}
	switch {
	case c.ParentID == nil && other.ParentID == nil:
		return true
	case c.ParentID == nil || other.ParentID == nil:
		return false
	default:
		return *c.ParentID == *other.ParentID
	}
}

package ws

// Command types accepted from clients. Everything the server pushes is a
// model.Event; this file covers only the client-to-server direction.
const (
	CmdSendMessage = "send_message"
	CmdSetTyping   = "set_typing"
	CmdMarkRead    = "mark_read"
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
)

// IncomingCommand is the wire form of a client command. Conversation uses
// the "room:<id>" / "dm:<a>:<b>" notation; unused fields stay empty.
type IncomingCommand struct {
	Type         string `json:"type"`
	Conversation string `json:"conversation"`
	Body         string `json:"body,omitempty"`
	MessageID    string `json:"message_id,omitempty"`
}

package server

import "github.com/alimasry/go-collab-relay/protocol"

// action is what the gateway does with an incoming frame.
type action int

const (
	actionIgnore action = iota
	actionAppend
	actionAwareness
	actionUnexpected
)

// classify routes a client frame. Updates and non-empty step2 are appended,
// awareness is appended and tracked, step1 is already answered by the
// initial snapshot.
func classify(data []byte) (protocol.Message, action) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return msg, actionUnexpected
	}
	switch {
	case msg.Kind == protocol.MessageSync && (msg.SyncKind == protocol.SyncUpdate || msg.SyncKind == protocol.SyncStep2):
		return msg, actionAppend
	case msg.Kind == protocol.MessageAwareness:
		return msg, actionAwareness
	case msg.Kind == protocol.MessageSync && msg.SyncKind == protocol.SyncStep1:
		return msg, actionIgnore
	default:
		return msg, actionUnexpected
	}
}

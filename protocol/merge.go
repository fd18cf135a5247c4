package protocol

import (
	"encoding/base64"

	"github.com/alimasry/go-collab-relay/crdt"
	"github.com/alimasry/go-collab-relay/logging"
)

// MergeMessages replaces a batch of stream entries with at most two messages:
// one sync update carrying every update of the batch and one awareness update
// carrying the latest state of every client. Entries that fail to decode are
// logged and skipped. Batches shorter than two are returned as is.
func MergeMessages(messages [][]byte) [][]byte {
	if len(messages) < 2 {
		return messages
	}
	aw := NewAwareness()
	var updates [][]byte
	for _, m := range messages {
		msg, err := Decode(m)
		if err == nil {
			switch {
			case msg.Kind == MessageSync && msg.SyncKind == SyncUpdate:
				updates = append(updates, msg.Payload)
			case msg.Kind == MessageAwareness:
				err = aw.ApplyUpdate(msg.Payload)
			default:
				err = ErrUnexpectedMessage
			}
		}
		if err != nil {
			log := logging.Component("protocol")
			log.Warn().Err(err).Str("message", base64.StdEncoding.EncodeToString(m)).Msg("error parsing message")
		}
	}

	var out [][]byte
	if len(updates) > 0 {
		out = append(out, EncodeSyncUpdate(crdt.MergeUpdates(updates)))
	}
	if clients := aw.Clients(); len(clients) > 0 {
		out = append(out, EncodeAwarenessUpdate(aw, clients))
	}
	return out
}

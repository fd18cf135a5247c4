// Package protocol frames the sync and awareness messages exchanged with
// clients and stored in document streams.
//
// A message is a varuint kind, for sync messages a varuint sub-kind, and a
// varuint length-prefixed payload. Document payloads are opaque CRDT updates.
package protocol

import (
	"errors"
	"fmt"
)

// Message kinds.
const (
	MessageSync           = 0
	MessageAwareness      = 1
	MessageAuth           = 2
	MessageQueryAwareness = 3
)

// Sync sub-kinds.
const (
	SyncStep1  = 0
	SyncStep2  = 1
	SyncUpdate = 2
)

// ErrUnexpectedMessage is returned for kinds the relay does not handle.
var ErrUnexpectedMessage = errors.New("protocol: unexpected message")

// Message is a decoded frame. SyncKind is only meaningful for sync messages.
type Message struct {
	Kind     uint64
	SyncKind uint64
	Payload  []byte
}

// Decode parses one framed message. The payload aliases m.
func Decode(m []byte) (Message, error) {
	d := &decoder{buf: m}
	kind, err := d.varUint()
	if err != nil {
		return Message{}, err
	}
	msg := Message{Kind: kind}
	switch kind {
	case MessageSync:
		if msg.SyncKind, err = d.varUint(); err != nil {
			return Message{}, err
		}
		if msg.SyncKind > SyncUpdate {
			return Message{}, fmt.Errorf("%w: sync kind %d", ErrUnexpectedMessage, msg.SyncKind)
		}
		if msg.Payload, err = d.varBytes(); err != nil {
			return Message{}, err
		}
	case MessageAwareness:
		if msg.Payload, err = d.varBytes(); err != nil {
			return Message{}, err
		}
	case MessageAuth, MessageQueryAwareness:
	default:
		return Message{}, fmt.Errorf("%w: kind %d", ErrUnexpectedMessage, kind)
	}
	return msg, nil
}

func encodeSync(kind uint64, payload []byte) []byte {
	b := make([]byte, 0, len(payload)+8)
	b = appendVarUint(b, MessageSync)
	b = appendVarUint(b, kind)
	return appendVarBytes(b, payload)
}

// EncodeSyncStep1 frames a state vector request.
func EncodeSyncStep1(sv []byte) []byte { return encodeSync(SyncStep1, sv) }

// EncodeSyncStep2 frames a full state response.
func EncodeSyncStep2(update []byte) []byte { return encodeSync(SyncStep2, update) }

// EncodeSyncUpdate frames an incremental update.
func EncodeSyncUpdate(update []byte) []byte { return encodeSync(SyncUpdate, update) }

// EncodeAwareness frames an encoded awareness update.
func EncodeAwareness(update []byte) []byte {
	b := make([]byte, 0, len(update)+4)
	b = appendVarUint(b, MessageAwareness)
	return appendVarBytes(b, update)
}

// EncodeAwarenessUpdate frames the states of the given clients.
func EncodeAwarenessUpdate(a *Awareness, clients []uint64) []byte {
	return EncodeAwareness(a.Encode(clients))
}

// EncodeAwarenessUserDisconnected frames a notice clearing the presence of
// clientID, using a clock one past the last one seen.
func EncodeAwarenessUserDisconnected(clientID, lastClock uint64) []byte {
	return EncodeAwareness(EncodeAwarenessClients([]AwarenessClient{
		{ClientID: clientID, Clock: lastClock + 1, State: nullState},
	}))
}

// RetagStep2 returns a copy of a sync step2 message re-tagged as an update.
func RetagStep2(m []byte) []byte {
	out := make([]byte, len(m))
	copy(out, m)
	out[1] = SyncUpdate
	return out
}

// IsSync reports whether m is a sync message of the given sub-kind.
func IsSync(m []byte, kind byte) bool {
	return len(m) >= 2 && m[0] == MessageSync && m[1] == kind
}

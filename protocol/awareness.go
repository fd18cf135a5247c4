package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/goccy/go-json"
)

var nullState = []byte("null")

// ErrInvalidState is returned when an awareness state is not valid JSON.
var ErrInvalidState = errors.New("protocol: invalid awareness state")

// AwarenessClient is one entry of an awareness update.
type AwarenessClient struct {
	ClientID uint64
	Clock    uint64
	// State is the raw JSON state; "null" marks a departed client.
	State json.RawMessage
}

// Removed reports whether the entry clears the client.
func (c AwarenessClient) Removed() bool {
	return bytes.Equal(bytes.TrimSpace(c.State), nullState)
}

// DecodeAwarenessUpdate parses an awareness update payload.
func DecodeAwarenessUpdate(update []byte) ([]AwarenessClient, error) {
	d := &decoder{buf: update}
	n, err := d.varUint()
	if err != nil {
		return nil, err
	}
	clients := make([]AwarenessClient, 0, min(n, 64))
	for i := uint64(0); i < n; i++ {
		var c AwarenessClient
		if c.ClientID, err = d.varUint(); err != nil {
			return nil, err
		}
		if c.Clock, err = d.varUint(); err != nil {
			return nil, err
		}
		s, err := d.varString()
		if err != nil {
			return nil, err
		}
		if !json.Valid([]byte(s)) {
			return nil, fmt.Errorf("%w: client %d", ErrInvalidState, c.ClientID)
		}
		c.State = json.RawMessage(s)
		clients = append(clients, c)
	}
	return clients, nil
}

// EncodeAwarenessClients encodes entries as an awareness update payload.
func EncodeAwarenessClients(clients []AwarenessClient) []byte {
	var b []byte
	b = appendVarUint(b, uint64(len(clients)))
	for _, c := range clients {
		state := []byte(c.State)
		if state == nil {
			state = nullState
		}
		b = appendVarUint(b, c.ClientID)
		b = appendVarUint(b, c.Clock)
		b = appendVarBytes(b, state)
	}
	return b
}

type awarenessMeta struct {
	clock uint64
	state json.RawMessage
}

// Awareness tracks the latest presence state per client id.
// It is not safe for concurrent use.
type Awareness struct {
	meta map[uint64]awarenessMeta
}

// NewAwareness returns an empty presence set.
func NewAwareness() *Awareness {
	return &Awareness{meta: make(map[uint64]awarenessMeta)}
}

// ApplyUpdate merges an encoded awareness update. An entry wins when its clock
// is newer, or when it removes a present client at the same clock.
func (a *Awareness) ApplyUpdate(update []byte) error {
	clients, err := DecodeAwarenessUpdate(update)
	if err != nil {
		return err
	}
	for _, c := range clients {
		cur, known := a.meta[c.ClientID]
		present := known && cur.state != nil
		if cur.clock < c.Clock || (cur.clock == c.Clock && c.Removed() && present) {
			m := awarenessMeta{clock: c.Clock}
			if !c.Removed() {
				m.state = c.State
			}
			a.meta[c.ClientID] = m
		}
	}
	return nil
}

// States returns the ids of clients with a live state, sorted.
func (a *Awareness) States() []uint64 {
	ids := make([]uint64, 0, len(a.meta))
	for id, m := range a.meta {
		if m.state != nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Clients returns the ids of every client seen, including departed ones, sorted.
func (a *Awareness) Clients() []uint64 {
	ids := make([]uint64, 0, len(a.meta))
	for id := range a.meta {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// State returns the live state of a client.
func (a *Awareness) State(clientID uint64) (json.RawMessage, bool) {
	m, ok := a.meta[clientID]
	if !ok || m.state == nil {
		return nil, false
	}
	return m.state, true
}

// Encode encodes the given clients. Unknown or departed clients are encoded
// with a null state.
func (a *Awareness) Encode(clients []uint64) []byte {
	var b []byte
	b = appendVarUint(b, uint64(len(clients)))
	for _, id := range clients {
		m := a.meta[id]
		state := []byte(m.state)
		if state == nil {
			state = nullState
		}
		b = appendVarUint(b, id)
		b = appendVarUint(b, m.clock)
		b = appendVarBytes(b, state)
	}
	return b
}

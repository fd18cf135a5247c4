package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/automerge/automerge-go"

	"github.com/alimasry/go-collab-relay/crdt"
	"github.com/alimasry/go-collab-relay/logging"
)

func TestMergeMessages_PassThroughShortBatch(t *testing.T) {
	m := [][]byte{EncodeSyncUpdate([]byte{1})}
	out := MergeMessages(m)
	if len(out) != 1 || &out[0][0] != &m[0][0] {
		t.Error("single message batch should be returned unchanged")
	}
}

func TestMergeMessages_DuplicateUpdateIdempotent(t *testing.T) {
	src := crdt.New()
	u, err := src.Change("set a", func(am *automerge.Doc) error { return am.Path("a").Set(1) })
	if err != nil {
		t.Fatal(err)
	}

	out := MergeMessages([][]byte{EncodeSyncUpdate(u), EncodeSyncUpdate(u)})
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	msg, err := Decode(out[0])
	if err != nil {
		t.Fatal(err)
	}

	d := crdt.New()
	if err := d.ApplyUpdate(msg.Payload); err != nil {
		t.Fatal(err)
	}
	once := crdt.New()
	if err := once.ApplyUpdate(u); err != nil {
		t.Fatal(err)
	}
	if string(d.EncodeStateVector()) != string(once.EncodeStateVector()) {
		t.Error("merged duplicate differs from a single apply")
	}
}

func TestMergeMessages_LatestAwarenessPerClient(t *testing.T) {
	out := MergeMessages([][]byte{
		EncodeAwareness(awarenessUpdate(AwarenessClient{1, 1, []byte(`{"v":1}`)})),
		EncodeAwareness(awarenessUpdate(AwarenessClient{2, 1, []byte(`{"v":"b"}`)})),
		EncodeAwareness(awarenessUpdate(AwarenessClient{1, 2, []byte(`{"v":2}`)})),
		EncodeAwarenessUserDisconnected(2, 1),
	})
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	msg, err := Decode(out[0])
	if err != nil {
		t.Fatal(err)
	}
	clients, err := DecodeAwarenessUpdate(msg.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(clients) != 2 {
		t.Fatalf("got %d clients, want 2", len(clients))
	}
	if c := clients[0]; c.ClientID != 1 || c.Clock != 2 || string(c.State) != `{"v":2}` {
		t.Errorf("client 1 = %+v", c)
	}
	if c := clients[1]; c.ClientID != 2 || !c.Removed() {
		t.Errorf("client 2 should carry the disconnect notice, got %+v", c)
	}
}

func TestMergeMessages_SkipsMalformed(t *testing.T) {
	out := MergeMessages([][]byte{
		{0xff, 0xff},
		EncodeSyncStep1([]byte{1}),
		EncodeSyncUpdate([]byte{}),
	})
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	if !IsSync(out[0], SyncUpdate) {
		t.Error("expected a merged update")
	}
}

func TestMergeMessages_LogsOnlyMalformed(t *testing.T) {
	var buf bytes.Buffer
	logging.Init(logging.Config{Level: "debug", Format: "json", Output: &buf})
	defer logging.Init(logging.DefaultConfig())

	MergeMessages([][]byte{EncodeSyncUpdate([]byte{}), EncodeSyncUpdate([]byte{})})
	if buf.Len() != 0 {
		t.Fatalf("clean batch logged: %s", buf.String())
	}

	MergeMessages([][]byte{{0xff, 0xff}, EncodeSyncStep1([]byte{1})})
	out := buf.String()
	if n := strings.Count(out, `"component":"protocol"`); n != 2 {
		t.Errorf("got %d protocol entries, want 2: %s", n, out)
	}
}

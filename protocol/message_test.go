package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecode_Sync(t *testing.T) {
	m := EncodeSyncUpdate([]byte{1, 2, 3})
	msg, err := Decode(m)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != MessageSync || msg.SyncKind != SyncUpdate {
		t.Errorf("got kind %d/%d", msg.Kind, msg.SyncKind)
	}
	if !bytes.Equal(msg.Payload, []byte{1, 2, 3}) {
		t.Errorf("payload = %v", msg.Payload)
	}
}

func TestDecode_LongPayload(t *testing.T) {
	payload := bytes.Repeat([]byte{7}, 300)
	msg, err := Decode(EncodeSyncStep2(payload))
	if err != nil {
		t.Fatal(err)
	}
	if msg.SyncKind != SyncStep2 || len(msg.Payload) != 300 {
		t.Errorf("got sync kind %d, payload length %d", msg.SyncKind, len(msg.Payload))
	}
}

func TestDecode_Truncated(t *testing.T) {
	m := EncodeSyncUpdate([]byte{1, 2, 3})
	if _, err := Decode(m[:len(m)-1]); !errors.Is(err, ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
	if _, err := Decode(nil); !errors.Is(err, ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	if _, err := Decode([]byte{9}); !errors.Is(err, ErrUnexpectedMessage) {
		t.Errorf("err = %v, want ErrUnexpectedMessage", err)
	}
}

func TestRetagStep2(t *testing.T) {
	m := EncodeSyncStep2([]byte{1, 2, 3})
	out := RetagStep2(m)
	if !IsSync(out, SyncUpdate) {
		t.Error("retagged message is not an update")
	}
	if !IsSync(m, SyncStep2) {
		t.Error("original message was modified")
	}
}

func TestEncodeAwarenessUserDisconnected(t *testing.T) {
	msg, err := Decode(EncodeAwarenessUserDisconnected(42, 7))
	if err != nil {
		t.Fatal(err)
	}
	clients, err := DecodeAwarenessUpdate(msg.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(clients) != 1 {
		t.Fatalf("got %d clients, want 1", len(clients))
	}
	c := clients[0]
	if c.ClientID != 42 || c.Clock != 8 || !c.Removed() {
		t.Errorf("got %+v", c)
	}
}

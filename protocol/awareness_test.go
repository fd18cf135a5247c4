package protocol

import (
	"errors"
	"testing"
)

func awarenessUpdate(entries ...AwarenessClient) []byte {
	var b []byte
	b = appendVarUint(b, uint64(len(entries)))
	for _, e := range entries {
		b = appendVarUint(b, e.ClientID)
		b = appendVarUint(b, e.Clock)
		b = appendVarBytes(b, e.State)
	}
	return b
}

func TestAwareness_NewerClockWins(t *testing.T) {
	a := NewAwareness()
	mustApply(t, a, awarenessUpdate(AwarenessClient{1, 2, []byte(`{"x":2}`)}))
	mustApply(t, a, awarenessUpdate(AwarenessClient{1, 1, []byte(`{"x":1}`)}))

	s, ok := a.State(1)
	if !ok || string(s) != `{"x":2}` {
		t.Errorf("state = %s, want {\"x\":2}", s)
	}
}

func TestAwareness_NullAtSameClockRemoves(t *testing.T) {
	a := NewAwareness()
	mustApply(t, a, awarenessUpdate(AwarenessClient{1, 3, []byte(`{"x":1}`)}))
	mustApply(t, a, awarenessUpdate(AwarenessClient{1, 3, []byte(`null`)}))

	if _, ok := a.State(1); ok {
		t.Error("client should be removed")
	}
	if len(a.States()) != 0 {
		t.Errorf("States() = %v, want empty", a.States())
	}
	if got := a.Clients(); len(got) != 1 || got[0] != 1 {
		t.Errorf("Clients() = %v, want [1]", got)
	}
}

func TestAwareness_EncodeRoundTrip(t *testing.T) {
	a := NewAwareness()
	mustApply(t, a, awarenessUpdate(
		AwarenessClient{5, 1, []byte(`{"name":"ann"}`)},
		AwarenessClient{3, 4, []byte(`{"name":"bob"}`)},
	))

	b := NewAwareness()
	mustApply(t, b, a.Encode(a.States()))
	if got := b.States(); len(got) != 2 || got[0] != 3 || got[1] != 5 {
		t.Errorf("States() = %v, want [3 5]", got)
	}
}

func TestAwareness_InvalidState(t *testing.T) {
	a := NewAwareness()
	err := a.ApplyUpdate(awarenessUpdate(AwarenessClient{1, 1, []byte(`{nope`)}))
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func mustApply(t *testing.T, a *Awareness, update []byte) {
	t.Helper()
	if err := a.ApplyUpdate(update); err != nil {
		t.Fatal(err)
	}
}

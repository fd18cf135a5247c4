package server

import (
	"testing"

	"github.com/alimasry/go-collab-relay/protocol"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want action
	}{
		{"update", protocol.EncodeSyncUpdate([]byte{1, 2}), actionAppend},
		{"step2", protocol.EncodeSyncStep2([]byte{1, 2}), actionAppend},
		{"step1", protocol.EncodeSyncStep1(nil), actionIgnore},
		{"awareness", protocol.EncodeAwarenessUserDisconnected(1, 0), actionAwareness},
		{"query awareness", []byte{protocol.MessageQueryAwareness}, actionUnexpected},
		{"unknown kind", []byte{9, 9}, actionUnexpected},
		{"truncated", []byte{protocol.MessageSync}, actionUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, got := classify(tt.data); got != tt.want {
				t.Errorf("classify() = %d, want %d", got, tt.want)
			}
		})
	}
}

package logstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID is a parsed stream id of the form "<ms>-<seq>".
type ID struct {
	Ms  uint64
	Seq uint64
}

// ParseID parses a stream id. A missing sequence defaults to 0.
func ParseID(s string) (ID, error) {
	ms, seq, hasSeq := strings.Cut(s, "-")
	var id ID
	var err error
	if id.Ms, err = strconv.ParseUint(ms, 10, 64); err != nil {
		return ID{}, fmt.Errorf("parse stream id %q: %w", s, err)
	}
	if hasSeq {
		if id.Seq, err = strconv.ParseUint(seq, 10, 64); err != nil {
			return ID{}, fmt.Errorf("parse stream id %q: %w", s, err)
		}
	}
	return id, nil
}

func (id ID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Compare orders ids by milliseconds, then sequence.
func (id ID) Compare(o ID) int {
	switch {
	case id.Ms < o.Ms:
		return -1
	case id.Ms > o.Ms:
		return 1
	case id.Seq < o.Seq:
		return -1
	case id.Seq > o.Seq:
		return 1
	}
	return 0
}

// Less reports whether stream id a is smaller than b. Unparsable ids are
// treated as zero.
func Less(a, b string) bool {
	ia, _ := ParseID(a)
	ib, _ := ParseID(b)
	return ia.Compare(ib) < 0
}

// Ms returns the millisecond component of an id, or zero if it does not parse.
func Ms(s string) uint64 {
	id, _ := ParseID(s)
	return id.Ms
}

// MinID returns the trim floor for entries that must survive for lifetime
// after lastMs.
func MinID(lastMs uint64, lifetime time.Duration) string {
	l := uint64(lifetime.Milliseconds())
	if lastMs < l {
		return "0"
	}
	return strconv.FormatUint(lastMs-l, 10)
}

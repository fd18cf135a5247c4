package protocol

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned when a message ends before a field is complete.
var ErrTruncated = errors.New("protocol: message truncated")

func appendVarUint(b []byte, v uint64) []byte {
	return binary.AppendUvarint(b, v)
}

func appendVarBytes(b, p []byte) []byte {
	b = appendVarUint(b, uint64(len(p)))
	return append(b, p...)
}

// decoder reads lib0 varuint framed fields.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) varUint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	d.pos += n
	return v, nil
}

func (d *decoder) varBytes() ([]byte, error) {
	n, err := d.varUint()
	if err != nil {
		return nil, err
	}
	if uint64(len(d.buf)-d.pos) < n {
		return nil, ErrTruncated
	}
	p := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return p, nil
}

func (d *decoder) varString() (string, error) {
	p, err := d.varBytes()
	return string(p), err
}

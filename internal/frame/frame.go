// Package frame implements the fixed-length wire frame carried by the
// shuffle backends.
//
// Frame layout (fixed per run):
//
//	[fname_len bytes identifier, zero padded][0x00][data_len bytes payload][extra zeros]
//
// The identifier is bounded by the single 0x00 terminator; there is no
// separate length field on the wire, which is why the total frame size is
// capped at 255 bytes.
package frame

import (
	"bytes"
	"errors"
	"fmt"
)

// MaxWireLen is the largest frame the wire format can carry. The cap comes
// from the single-byte length fields used by the original on-wire encoding.
const MaxWireLen = 255

// ErrBadFrame is returned when an inbound byte slice cannot be a frame of
// the configured layout.
var ErrBadFrame = errors.New("frame: malformed frame")

// Layout describes the fixed frame geometry for a run. All ranks must use
// the same layout; receivers validate every inbound frame against it.
type Layout struct {
	FnameLen int // identifier field width in bytes, 1..254
	DataLen  int // payload field width in bytes
	ExtraLen int // zero-filled padding reserved for per-rank metadata
}

// WireLen returns the total frame size in bytes.
func (l Layout) WireLen() int {
	return l.FnameLen + 1 + l.DataLen + l.ExtraLen
}

// Validate checks the layout against the wire format limits.
func (l Layout) Validate() error {
	if l.FnameLen < 1 || l.FnameLen > MaxWireLen-1 {
		return fmt.Errorf("frame: bad fname len %d", l.FnameLen)
	}
	if l.DataLen < 0 || l.ExtraLen < 0 {
		return fmt.Errorf("frame: negative field len")
	}
	if l.WireLen() > MaxWireLen {
		return fmt.Errorf("frame: wire len %d exceeds %d", l.WireLen(), MaxWireLen)
	}
	return nil
}

// Encode assembles a frame into dst and returns the number of bytes
// written. dst must hold at least WireLen() bytes; callers on the write
// path pass a stack buffer. The identifier is zero padded to FnameLen and
// the payload must match DataLen exactly.
func (l Layout) Encode(dst []byte, name string, data []byte) (int, error) {
	if len(name) == 0 || len(name) > l.FnameLen {
		return 0, fmt.Errorf("frame: identifier len %d not in [1,%d]", len(name), l.FnameLen)
	}
	if len(data) != l.DataLen {
		return 0, fmt.Errorf("frame: payload len %d, want %d", len(data), l.DataLen)
	}
	n := l.WireLen()
	if len(dst) < n {
		return 0, fmt.Errorf("frame: buffer len %d, need %d", len(dst), n)
	}
	copy(dst, name)
	for i := len(name); i < l.FnameLen+1; i++ {
		dst[i] = 0
	}
	copy(dst[l.FnameLen+1:], data)
	for i := l.FnameLen + 1 + l.DataLen; i < n; i++ {
		dst[i] = 0
	}
	return n, nil
}

// Decode splits an inbound frame into identifier and payload. The
// identifier is the prefix of the fname field up to its first 0x00. The
// returned payload aliases b; callers that retain it must copy.
func (l Layout) Decode(b []byte) (string, []byte, error) {
	if len(b) != l.WireLen() {
		return "", nil, fmt.Errorf("%w: len %d, want %d", ErrBadFrame, len(b), l.WireLen())
	}
	if b[l.FnameLen] != 0 {
		return "", nil, fmt.Errorf("%w: missing terminator", ErrBadFrame)
	}
	field := b[:l.FnameLen]
	end := bytes.IndexByte(field, 0)
	if end < 0 {
		end = l.FnameLen
	}
	if end == 0 {
		return "", nil, fmt.Errorf("%w: empty identifier", ErrBadFrame)
	}
	return string(field[:end]), b[l.FnameLen+1 : l.FnameLen+1+l.DataLen], nil
}

package protocol

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// payloadReader walks a fixed-layout payload. Callers check the total length
// up front, so reads never run past the end.
type payloadReader struct {
	b   []byte
	off int
}

func (r *payloadReader) uint16() uint16 {
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *payloadReader) uint32() uint32 {
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *payloadReader) bytes(n int) []byte {
	v := make([]byte, n)
	copy(v, r.b[r.off:r.off+n])
	r.off += n
	return v
}

func (r *payloadReader) clientID() ClientID {
	var id ClientID
	copy(id[:], r.b[r.off:r.off+ClientIDSize])
	r.off += ClientIDSize
	return id
}

func (r *payloadReader) name() string {
	v := DecodeName(r.b[r.off : r.off+NameSize])
	r.off += NameSize
	return v
}

type payloadWriter struct {
	buf bytes.Buffer
}

func (w *payloadWriter) uint16(v uint16) {
	_ = binary.Write(&w.buf, binary.LittleEndian, v)
}

func (w *payloadWriter) uint32(v uint32) {
	_ = binary.Write(&w.buf, binary.LittleEndian, v)
}

// fixed writes b into a slot of exactly n bytes, zero padded or truncated.
func (w *payloadWriter) fixed(b []byte, n int) {
	slot := make([]byte, n)
	copy(slot, b)
	w.buf.Write(slot)
}

func (w *payloadWriter) clientID(id ClientID) {
	w.buf.Write(id[:])
}

func (w *payloadWriter) name(s string) {
	w.buf.Write(EncodeName(s))
}

func (w *payloadWriter) Bytes() []byte {
	return w.buf.Bytes()
}

// DecodeName turns a NUL padded name slot into a string. Everything from the
// first NUL on is ignored and invalid UTF-8 sequences are dropped.
func DecodeName(slot []byte) string {
	if i := bytes.IndexByte(slot, 0); i >= 0 {
		slot = slot[:i]
	}
	return strings.ToValidUTF8(string(slot), "")
}

// EncodeName returns a NameSize slot holding s, keeping the last byte as a
// NUL terminator.
func EncodeName(s string) []byte {
	slot := make([]byte, NameSize)
	copy(slot[:NameSize-1], s)
	return slot
}

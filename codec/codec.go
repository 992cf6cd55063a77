package codec

import (
	"encoding/binary"

	"bptdb/types"
)

/*
Fixed-width little-endian encoding helpers shared by the header codec,
the node codec and the WAL. Appenders grow a byte slice; the Reader
walks a decode cursor and remembers the first failure.
*/

func PutUint8(buf []byte, n uint8) []byte {
	return append(buf, n)
}

func PutUint16(buf []byte, n uint16) []byte {
	return binary.LittleEndian.AppendUint16(buf, n)
}

func PutUint32(buf []byte, n uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, n)
}

func PutUint64(buf []byte, n uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, n)
}

func PutPageID(buf []byte, id types.PageID) []byte {
	return PutUint64(buf, id)
}

// Reader decodes fields sequentially from a buffer.
// After a short read every further call returns zero and Err() is set.
type Reader struct {
	buf  []byte
	off  int
	fail bool
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) take(n int) []byte {
	if r.fail || r.off+n > len(r.buf) {
		r.fail = true
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) PageID() types.PageID {
	return r.Uint64()
}

// Bytes returns a copy of the next n bytes.
func (r *Reader) Bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Offset reports how many bytes have been consumed.
func (r *Reader) Offset() int {
	return r.off
}

// Remaining reports how many bytes are left.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Err reports whether a decode ran past the end of the buffer.
func (r *Reader) Err() bool {
	return r.fail
}

package protocol

import (
	"encoding/binary"
	"errors"
	"math"
	"unicode/utf8"
)

// MaxVarIntLen is the longest encoding of a 32-bit VarInt.
const MaxVarIntLen = 5

// ErrShortBuffer is returned by ReadVarInt when b ends inside the VarInt.
var ErrShortBuffer = errors.New("short buffer")

var (
	errVarIntTooLong = errors.New("varint too long")
	errStringTooLong = errors.New("string too long")
	errInvalidUTF8   = errors.New("string is not valid UTF-8")
	errNegativeLen   = errors.New("negative length")
)

// AppendVarInt appends the VarInt encoding of v to b.
func AppendVarInt(b []byte, v int32) []byte {
	u := uint32(v)
	for u >= 0x80 {
		b = append(b, byte(u)|0x80)
		u >>= 7
	}
	return append(b, byte(u))
}

// ReadVarInt decodes a VarInt from the start of b and returns it with the
// number of bytes consumed.
func ReadVarInt(b []byte) (int32, int, error) {
	var result uint32
	for i := 0; i < MaxVarIntLen; i++ {
		if i >= len(b) {
			return 0, 0, ErrShortBuffer
		}
		c := b[i]
		result |= uint32(c&0x7F) << (7 * i)
		if c&0x80 == 0 {
			return int32(result), i + 1, nil
		}
	}
	return 0, 0, errVarIntTooLong
}

// ---------------------------------------------------------------------------
// writer
// ---------------------------------------------------------------------------

type writer struct {
	buf []byte
}

func (w *writer) varInt(v int32) { w.buf = AppendVarInt(w.buf, v) }
func (w *writer) u8(v uint8)     { w.buf = append(w.buf, v) }
func (w *writer) raw(b []byte)   { w.buf = append(w.buf, b...) }

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) i16(v int16)  { w.u16(uint16(v)) }
func (w *writer) i32(v int32)  { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v)) }
func (w *writer) i64(v int64)  { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }
func (w *writer) f32(v float32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, math.Float32bits(v))
}
func (w *writer) f64(v float64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *writer) str(s string) {
	w.varInt(int32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) prefixed(b []byte) {
	w.varInt(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// ---------------------------------------------------------------------------
// reader
// ---------------------------------------------------------------------------

// reader decodes fields from a payload. The first failure is sticky: later
// reads return zero values and err keeps the original cause.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 {
		r.fail(errNegativeLen)
		return nil
	}
	if r.remaining() < n {
		r.fail(ErrShortBuffer)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) varInt() int32 {
	if r.err != nil {
		return 0
	}
	v, n, err := ReadVarInt(r.buf[r.off:])
	if err != nil {
		r.fail(err)
		return 0
	}
	r.off += n
	return v
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) boolean() bool { return r.u8() != 0 }

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) i16() int16 { return int16(r.u16()) }

func (r *reader) i32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *reader) i64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *reader) f32() float32 { return math.Float32frombits(uint32(r.i32())) }
func (r *reader) f64() float64 { return math.Float64frombits(uint64(r.i64())) }

// str reads a VarInt-prefixed UTF-8 string of at most maxChars characters.
func (r *reader) str(maxChars int) string {
	n := r.varInt()
	if r.err != nil {
		return ""
	}
	if int(n) > maxChars*utf8.UTFMax {
		r.fail(errStringTooLong)
		return ""
	}
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.fail(errInvalidUTF8)
		return ""
	}
	if utf8.RuneCount(b) > maxChars {
		r.fail(errStringTooLong)
		return ""
	}
	return string(b)
}

func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) prefixedBytes(max int) []byte {
	n := r.varInt()
	if r.err != nil {
		return nil
	}
	if int(n) > max {
		r.fail(errStringTooLong)
		return nil
	}
	return r.bytes(int(n))
}

func (r *reader) rest() []byte {
	return r.bytes(r.remaining())
}

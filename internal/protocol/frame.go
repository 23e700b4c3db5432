package protocol

import (
	"bufio"
	"fmt"
	"io"
)

// ReaderSize is the bufio.Reader size that lets ReadFrame hold any legal
// frame in the buffer before consuming it.
const ReaderSize = MaxFrameSize + MaxVarIntLen

// ReadFrame reads one length-prefixed frame from a byte stream and returns it
// whole, length prefix included, ready for Decode. A declared length beyond
// MaxFrameSize is reported as ErrMalformedLength without consuming the body.
//
// When r was created with at least ReaderSize bytes of buffer, a read error
// (a deadline, for example) leaves r at the frame boundary: nothing of a
// partial frame is consumed and the stream can be handed to someone else.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	n, size, err := peekVarInt(r)
	if err != nil {
		if err == errVarIntTooLong {
			return nil, decodeErr(0, -1, ErrMalformedLength, err)
		}
		return nil, err
	}
	if n < 0 || n > MaxFrameSize {
		return nil, decodeErr(0, -1, ErrMalformedLength,
			fmt.Errorf("declared %d bytes, limit %d", n, MaxFrameSize))
	}

	total := size + int(n)
	if total > r.Size() {
		frame := make([]byte, total)
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil, err
		}
		return frame, nil
	}

	buf, err := r.Peek(total)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, total)
	copy(frame, buf)
	_, _ = r.Discard(total)
	return frame, nil
}

// peekVarInt decodes the VarInt at the head of r without consuming it.
func peekVarInt(r *bufio.Reader) (int32, int, error) {
	for i := 1; i <= MaxVarIntLen; i++ {
		b, err := r.Peek(i)
		if err != nil {
			return 0, 0, err
		}
		if b[i-1]&0x80 == 0 {
			return ReadVarInt(b)
		}
	}
	return 0, 0, errVarIntTooLong
}

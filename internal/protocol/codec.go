package protocol

import (
	"fmt"
)

// MaxFrameSize bounds the body of a single frame (everything after the
// length prefix). A captcha map fits comfortably.
const MaxFrameSize = 32 * 1024

// Encode serializes a packet into a length-prefixed frame for revision v:
//
//	VarInt length | VarInt version | VarInt packet ID | payload
//
// It panics if p's kind has no ID in v, which is a programming error.
func Encode(p Packet, v Version) []byte {
	id, ok := PacketID(p.Kind(), v)
	if !ok {
		panic(fmt.Sprintf("protocol: %s has no packet ID in version %d", p.Kind(), int32(v)))
	}

	body := &writer{buf: make([]byte, 0, 64)}
	body.varInt(int32(v))
	body.varInt(id)
	p.write(body, v)

	frame := make([]byte, 0, len(body.buf)+MaxVarIntLen)
	frame = AppendVarInt(frame, int32(len(body.buf)))
	return append(frame, body.buf...)
}

// Decode deserializes a serverbound play-state frame that must be tagged
// with revision v. Errors are always *DecodeError.
func Decode(frame []byte, v Version) (Packet, error) {
	return decode(frame, v, true)
}

// DecodeClientbound deserializes a clientbound frame. Used by test clients
// and tooling that plays the client side.
func DecodeClientbound(frame []byte, v Version) (Packet, error) {
	return decode(frame, v, false)
}

// DecodeHandshake reads the opening frame of a connection. The version tag of
// the frame is the revision the client declares, so there is nothing to match
// it against yet; it must agree with the handshake body.
func DecodeHandshake(frame []byte) (*Handshake, error) {
	body, err := unframe(frame, 0)
	if err != nil {
		return nil, err
	}

	r := &reader{buf: body}
	tag := Version(r.varInt())
	id := r.varInt()
	if r.err != nil {
		return nil, decodeErr(tag, -1, ErrMalformedPayload, r.err)
	}
	if id != handshakeID {
		return nil, decodeErr(tag, id, ErrUnsupportedType, nil)
	}

	hs := &Handshake{}
	hs.read(r, tag)
	if err := finish(r, tag, id); err != nil {
		return nil, err
	}
	if Version(hs.ProtocolVersion) != tag {
		return nil, decodeErr(tag, id, ErrVersionMismatch,
			fmt.Errorf("handshake declares %d", hs.ProtocolVersion))
	}
	return hs, nil
}

func decode(frame []byte, v Version, serverbound bool) (Packet, error) {
	body, err := unframe(frame, v)
	if err != nil {
		return nil, err
	}

	r := &reader{buf: body}
	tag := Version(r.varInt())
	if r.err != nil {
		return nil, decodeErr(v, -1, ErrMalformedPayload, r.err)
	}
	if tag != v {
		return nil, decodeErr(v, -1, ErrVersionMismatch,
			fmt.Errorf("frame tagged %d", int32(tag)))
	}

	id := r.varInt()
	if r.err != nil {
		return nil, decodeErr(v, -1, ErrMalformedPayload, r.err)
	}
	kind, ok := lookupKind(id, v, serverbound)
	if !ok {
		return nil, decodeErr(v, id, ErrUnsupportedType, nil)
	}

	p := newPacket(kind)
	p.read(r, v)
	if err := finish(r, v, id); err != nil {
		return nil, err
	}
	return p, nil
}

// unframe checks the length prefix against the bytes actually present and
// returns the frame body.
func unframe(frame []byte, v Version) ([]byte, error) {
	n, size, err := ReadVarInt(frame)
	if err != nil {
		return nil, decodeErr(v, -1, ErrMalformedLength, err)
	}
	if n < 0 || n > MaxFrameSize {
		return nil, decodeErr(v, -1, ErrMalformedLength,
			fmt.Errorf("declared %d bytes, limit %d", n, MaxFrameSize))
	}
	if int(n) != len(frame)-size {
		return nil, decodeErr(v, -1, ErrMalformedLength,
			fmt.Errorf("declared %d bytes, got %d", n, len(frame)-size))
	}
	return frame[size:], nil
}

func finish(r *reader, v Version, id int32) error {
	if r.err != nil {
		return decodeErr(v, id, ErrMalformedPayload, r.err)
	}
	if r.remaining() != 0 {
		return decodeErr(v, id, ErrMalformedPayload,
			fmt.Errorf("%d trailing bytes", r.remaining()))
	}
	return nil
}

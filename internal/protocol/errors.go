package protocol

import (
	"errors"
	"fmt"
)

// Decode failure classes. Every error returned by Decode wraps exactly one.
var (
	ErrMalformedLength  = errors.New("declared length does not match frame")
	ErrVersionMismatch  = errors.New("protocol version mismatch")
	ErrUnsupportedType  = errors.New("unsupported packet type for version")
	ErrMalformedPayload = errors.New("malformed packet payload")
)

// DecodeError describes a frame that could not be turned into a Packet.
type DecodeError struct {
	Version  Version // version the frame was decoded against
	PacketID int32   // -1 when the ID could not be read
	Err      error   // one of the Err* classes above
	Cause    error   // low-level reason, may be nil
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode packet (version %d", int32(e.Version))
	if e.PacketID >= 0 {
		msg += fmt.Sprintf(", id 0x%02X", e.PacketID)
	}
	msg += "): " + e.Err.Error()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(v Version, id int32, class, cause error) *DecodeError {
	return &DecodeError{Version: v, PacketID: id, Err: class, Cause: cause}
}

// IsDecodeError reports whether err came out of the codec.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

package fallback

import (
	"errors"
	"fmt"

	"github.com/1ureka/limbo/internal/protocol"
)

// ErrTimeout is the cause of a rejection by an expired state deadline.
var ErrTimeout = errors.New("verification timed out")

// Errors recorded as the cause of a session that ended without a verdict of
// its own.
var (
	ErrClientGone     = errors.New("client disconnected during verification")
	ErrInboxOverflow  = errors.New("client sent frames faster than they could be processed")
	ErrNonceMismatch  = errors.New("keep-alive echoed the wrong nonce")
	ErrTooManyPackets = errors.New("client sent more frames than a login needs")
)

// Reason explains a verdict or a refused connection.
type Reason uint8

const (
	ReasonVerified Reason = iota + 1
	ReasonBlacklisted
	ReasonLockdown
	ReasonTooFastReconnect
	ReasonTooManyPlayers
	ReasonAlreadyVerifying
	ReasonUnsupportedVersion
	ReasonTimeout
	ReasonNonceMismatch
	ReasonViolations
	ReasonCaptchaFailed
	ReasonFlood
	ReasonDisconnected
	ReasonShutdown
	ReasonInternal
)

var reasonNames = map[Reason]string{
	ReasonVerified:           "verified",
	ReasonBlacklisted:        "blacklisted",
	ReasonLockdown:           "lockdown",
	ReasonTooFastReconnect:   "too_fast_reconnect",
	ReasonTooManyPlayers:     "too_many_players",
	ReasonAlreadyVerifying:   "already_verifying",
	ReasonUnsupportedVersion: "unsupported_version",
	ReasonTimeout:            "timeout",
	ReasonNonceMismatch:      "nonce_mismatch",
	ReasonViolations:         "violations",
	ReasonCaptchaFailed:      "captcha_failed",
	ReasonFlood:              "flood",
	ReasonDisconnected:       "disconnected",
	ReasonShutdown:           "shutdown",
	ReasonInternal:           "internal",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Blacklists reports whether a rejection for r is remembered against the
// client address. Rejections the client did not cause are not.
func (r Reason) Blacklists() bool {
	switch r {
	case ReasonTimeout, ReasonNonceMismatch, ReasonViolations, ReasonCaptchaFailed, ReasonFlood:
		return true
	}
	return false
}

// ViolationKind classifies a scored protocol violation.
type ViolationKind uint8

const (
	TooFast ViolationKind = iota + 1
	OutOfState
	OutOfBounds
	Malformed
	InvalidBrand
	MovementStall
	InvalidLocale
)

func (k ViolationKind) String() string {
	switch k {
	case TooFast:
		return "too_fast"
	case OutOfState:
		return "out_of_state"
	case OutOfBounds:
		return "out_of_bounds"
	case Malformed:
		return "malformed"
	case InvalidBrand:
		return "invalid_brand"
	case MovementStall:
		return "movement_stall"
	case InvalidLocale:
		return "invalid_locale"
	}
	return fmt.Sprintf("violation(%d)", uint8(k))
}

// Weights maps each violation kind to the score it adds.
type Weights map[ViolationKind]int

// DefaultWeights scores every violation as 1.
func DefaultWeights() Weights {
	return Weights{
		TooFast:       1,
		OutOfState:    1,
		OutOfBounds:   1,
		Malformed:     1,
		InvalidBrand:  1,
		MovementStall: 1,
		InvalidLocale: 1,
	}
}

// ProtocolViolation is a scored misbehavior. Whether it ends the session
// depends on the score accumulated so far.
type ProtocolViolation struct {
	Kind   ViolationKind
	Weight int
	State  State
	Packet protocol.Kind // zero when no packet was involved
	Err    error         // underlying decode error, if any
}

func (v *ProtocolViolation) Error() string {
	msg := fmt.Sprintf("protocol violation: %s in %s", v.Kind, v.State)
	if v.Packet != 0 {
		msg += fmt.Sprintf(" (%s)", v.Packet)
	}
	if v.Err != nil {
		msg += ": " + v.Err.Error()
	}
	return msg
}

func (v *ProtocolViolation) Unwrap() error { return v.Err }

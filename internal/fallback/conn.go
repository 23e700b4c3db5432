package fallback

import (
	"net"
	"net/netip"

	"github.com/1ureka/limbo/internal/protocol"
	"github.com/1ureka/limbo/internal/verdict"
)

// Conn is the engine's view of one client connection. The host transport
// implements it; see package adapter.
type Conn interface {
	// Send queues a packet for the client. It must not block on network I/O.
	Send(p protocol.Packet)
	// Disconnect shows reason to the client and closes the connection.
	Disconnect(reason string)
	// Release hands the connection over to the backend. The engine calls
	// either Release or Disconnect, once.
	Release()
	RemoteAddr() net.Addr
	Version() protocol.Version
}

// Recorder persists verdicts. Its methods must return without waiting on
// storage I/O.
type Recorder interface {
	RecordVerified(addr netip.Addr)
	RecordBlacklisted(addr netip.Addr, e verdict.Entry)
	// Forget drops both kinds of record for addr.
	Forget(addr netip.Addr)
}

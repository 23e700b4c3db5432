// Package adapter connects client transports to the fallback engine. Every
// transport is wrapped in a fallback.Conn whose writes go through a single
// sender goroutine, while the serving goroutine reads the client's frames and
// feeds them to the session. A released connection is passed on as a Handoff
// carrying everything the client sent that the engine did not consume.
package adapter

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/1ureka/limbo/internal/fallback"
	"github.com/1ureka/limbo/internal/protocol"
	"github.com/1ureka/limbo/internal/util"
)

// sendQueueSize is the outgoing frame queue capacity per connection. A
// session sends a handful of packets per state, so a full queue means the
// client stopped reading.
const sendQueueSize = 64

// Acceptor admits connections. *fallback.Engine implements it.
type Acceptor interface {
	Accept(ctx context.Context, conn fallback.Conn) *fallback.Session
}

// Handoff is a connection released by the engine.
type Handoff struct {
	Addr      net.Addr
	Handshake *protocol.Handshake
	// Raw is the handshake frame to replay to the backend.
	Raw []byte
	// Pending holds the frames the client sent after the handshake that
	// the engine did not process, in arrival order.
	Pending [][]byte
	// Stream carries the rest of the connection. The handoff function owns
	// it and must close it.
	Stream io.ReadWriteCloser
}

// HandoffFunc takes over a released connection.
type HandoffFunc func(ctx context.Context, h *Handoff)

// link is the transport under a conn.
type link interface {
	writeFrame(frame []byte) error
	// interrupt wakes up a reader blocked on the transport after release.
	interrupt()
	close() error
}

type outboundKind uint8

const (
	outFrame outboundKind = iota
	outDisconnect
	outRelease
)

type outbound struct {
	kind  outboundKind
	frame []byte
}

// conn implements fallback.Conn over a link. Only the sender goroutine
// touches the link until it stops; after a release the handoff owns it.
type conn struct {
	link    link
	version protocol.Version
	remote  net.Addr

	queue    chan outbound
	endOnce  sync.Once
	released atomic.Bool
	done     chan struct{} // closed when the sender stops
}

func newConn(l link, v protocol.Version, remote net.Addr) *conn {
	c := &conn{
		link:    l,
		version: v,
		remote:  remote,
		queue:   make(chan outbound, sendQueueSize),
		done:    make(chan struct{}),
	}
	go c.loop()
	return c
}

// loop is the single-writer goroutine. It stops after writing the terminal
// item queued by Disconnect or Release, or on the first write error.
func (c *conn) loop() {
	defer close(c.done)

	for out := range c.queue {
		if out.frame != nil {
			if err := c.link.writeFrame(out.frame); err != nil {
				util.LogDebug("Write to %s failed: %v", c.remote, err)
				_ = c.link.close()
				return
			}
		}

		switch out.kind {
		case outDisconnect:
			_ = c.link.close()
			return
		case outRelease:
			c.released.Store(true)
			c.link.interrupt()
			return
		}
	}
}

func (c *conn) Send(p protocol.Packet) {
	frame := c.encode(p)
	select {
	case c.queue <- outbound{kind: outFrame, frame: frame}:
	case <-c.done:
	default:
		util.LogWarning("Send queue of %s is full, dropping %s", c.remote, p.Kind())
	}
}

func (c *conn) Disconnect(reason string) {
	c.endOnce.Do(func() {
		c.finish(outbound{kind: outDisconnect, frame: c.encode(&protocol.Disconnect{Reason: reason})})
	})
}

func (c *conn) Release() {
	c.endOnce.Do(func() {
		c.finish(outbound{kind: outRelease})
	})
}

func (c *conn) RemoteAddr() net.Addr      { return c.remote }
func (c *conn) Version() protocol.Version { return c.version }
func (c *conn) Done() <-chan struct{}     { return c.done }
func (c *conn) Released() bool            { return c.released.Load() }

// finish queues the terminal item. It waits for room rather than dropping,
// unless the sender has already stopped.
func (c *conn) finish(out outbound) {
	select {
	case c.queue <- out:
	case <-c.done:
	}
}

// encode falls back to the newest revision for clients the codec does not
// know, so they can still be told why they were turned away.
func (c *conn) encode(p protocol.Packet) []byte {
	v := c.version
	if !v.Supported() {
		v = protocol.Versions[len(protocol.Versions)-1]
	}
	return protocol.Encode(p, v)
}

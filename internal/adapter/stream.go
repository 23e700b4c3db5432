package adapter

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/1ureka/limbo/internal/protocol"
	"github.com/1ureka/limbo/internal/util"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 10 * time.Second
)

// streamLink writes frames to a byte stream such as TCP.
type streamLink struct {
	nc net.Conn
}

func (l *streamLink) writeFrame(frame []byte) error {
	_ = l.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := l.nc.Write(frame)
	return err
}

// interrupt makes the blocked ReadFrame return. ReadFrame consumes nothing
// of a partial frame, so the stream stays at a frame boundary.
func (l *streamLink) interrupt()   { _ = l.nc.SetReadDeadline(time.Now()) }
func (l *streamLink) close() error { return l.nc.Close() }

// StreamConn is a fallback.Conn over a net.Conn.
type StreamConn struct {
	*conn
}

// NewStreamConn wraps nc for a client speaking version v. Frames sent on it
// are written by a sender goroutine.
func NewStreamConn(nc net.Conn, v protocol.Version) *StreamConn {
	return &StreamConn{conn: newConn(&streamLink{nc: nc}, v, nc.RemoteAddr())}
}

// bufferedStream reads through the reader that already holds the client's
// unread bytes.
type bufferedStream struct {
	net.Conn
	r *bufio.Reader
}

func (s *bufferedStream) Read(p []byte) (int, error) { return s.r.Read(p) }

// ServeStream runs one stream connection through a: it reads the handshake,
// lets a admit the client and feeds the session until it ends. A released
// connection is passed to handoff, status requests included; anything else
// is closed. ServeStream returns when the connection has been handed off or
// closed.
func ServeStream(ctx context.Context, a Acceptor, nc net.Conn, handoff HandoffFunc) {
	br := bufio.NewReaderSize(nc, protocol.ReaderSize)

	_ = nc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	raw, err := protocol.ReadFrame(br)
	var hs *protocol.Handshake
	if err == nil {
		hs, err = protocol.DecodeHandshake(raw)
	}
	if err != nil {
		util.LogDebug("Dropped %s before the handshake: %v", nc.RemoteAddr(), err)
		_ = nc.Close()
		return
	}
	_ = nc.SetReadDeadline(time.Time{})

	h := &Handoff{
		Addr:      nc.RemoteAddr(),
		Handshake: hs,
		Raw:       raw,
		Stream:    &bufferedStream{Conn: nc, r: br},
	}

	// Server list pings carry no player; they go straight through.
	if hs.NextState == protocol.NextStateStatus {
		handoff(ctx, h)
		return
	}

	c := NewStreamConn(nc, protocol.Version(hs.ProtocolVersion))
	var pending [][]byte

	if sess := a.Accept(ctx, c); sess != nil {
		for {
			frame, err := protocol.ReadFrame(br)
			if err != nil {
				if !c.Released() {
					sess.Close(err)
				}
				break
			}
			if !sess.Feed(frame) {
				pending = append(pending, frame)
				break
			}
		}
		<-sess.Done()
		pending = append(sess.Leftover(), pending...)
	}

	<-c.Done()
	if !c.Released() {
		_ = nc.Close()
		return
	}

	_ = nc.SetDeadline(time.Time{})
	h.Pending = pending
	handoff(ctx, h)
}

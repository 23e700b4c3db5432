package adapter

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/limbo/internal/protocol"
	"github.com/1ureka/limbo/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
)

var errDrainTimeout = errors.New("data channel did not drain in time")

// DataChannel is the part of *webrtc.DataChannel the adapter uses.
type DataChannel interface {
	Send(data []byte) error
	Close() error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	OnClose(f func())
}

// dcLink sends one frame per message, pausing while the channel's send
// buffer is above the high water mark.
type dcLink struct {
	dc          DataChannel
	drainSignal chan struct{}
	closed      chan struct{}
}

func (l *dcLink) writeFrame(frame []byte) error {
	if l.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-l.drainSignal:
		case <-l.closed:
			return net.ErrClosed
		case <-time.After(writeTimeout):
			return errDrainTimeout
		}
	}
	return l.dc.Send(frame)
}

func (l *dcLink) interrupt()   {}
func (l *dcLink) close() error { return l.dc.Close() }

// DataChannelConn is a fallback.Conn over a WebRTC DataChannel.
type DataChannelConn struct {
	*conn
}

// ServeDataChannel serves a client on an ordered DataChannel. The first
// message must be the handshake frame; every later message is one frame.
// The callbacks are registered before ServeDataChannel returns, so it must
// be called before the channel opens, from OnDataChannel. The connection
// itself is served on a new goroutine.
func ServeDataChannel(ctx context.Context, a Acceptor, dc DataChannel, remote net.Addr, handoff HandoffFunc) {
	l := &dcLink{
		dc:          dc,
		drainSignal: make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
	in := newInbound()

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case l.drainSignal <- struct{}{}:
		default:
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		in.push(msg.Data)
	})
	dc.OnClose(func() {
		close(l.closed)
		in.fail(io.EOF)
	})

	go serveDataChannel(ctx, a, l, in, remote, handoff)
}

func serveDataChannel(ctx context.Context, a Acceptor, l *dcLink, in *inbound, remote net.Addr, handoff HandoffFunc) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	raw, err := in.next(hctx.Done())
	cancel()

	var hs *protocol.Handshake
	if err == nil {
		hs, err = protocol.DecodeHandshake(raw)
	}
	if err != nil {
		util.LogDebug("Dropped %s before the handshake: %v", remote, err)
		in.fail(net.ErrClosed)
		_ = l.close()
		return
	}

	h := &Handoff{Addr: remote, Handshake: hs, Raw: raw}
	if hs.NextState == protocol.NextStateStatus {
		h.Stream = &messageStream{in: in, link: l}
		handoff(ctx, h)
		return
	}

	c := &DataChannelConn{conn: newConn(l, protocol.Version(hs.ProtocolVersion), remote)}
	serveMessages(ctx, a, c.conn, in, h, handoff)
}

package adapter

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/1ureka/limbo/internal/protocol"
)

// inboundQueueSize bounds the messages read ahead of the session.
const inboundQueueSize = 16

var errStopped = errors.New("stopped waiting for messages")

// inbound carries the messages of a message-based transport from its read
// callback or goroutine to whoever consumes the connection. It survives the
// release so nothing read after the verdict is lost.
type inbound struct {
	ch        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	err       error
}

func newInbound() *inbound {
	return &inbound{
		ch:     make(chan []byte, inboundQueueSize),
		closed: make(chan struct{}),
	}
}

// push queues msg, blocking while the queue is full. It reports false once
// the transport has failed.
func (in *inbound) push(msg []byte) bool {
	select {
	case in.ch <- msg:
		return true
	case <-in.closed:
		return false
	}
}

// fail marks the transport gone. Messages already queued are still
// delivered before err.
func (in *inbound) fail(err error) {
	in.closeOnce.Do(func() {
		in.err = err
		close(in.closed)
	})
}

// next returns the next message, or the transport error once the queue is
// drained, or errStopped when stop fires first.
func (in *inbound) next(stop <-chan struct{}) ([]byte, error) {
	select {
	case msg := <-in.ch:
		return msg, nil
	default:
	}

	select {
	case msg := <-in.ch:
		return msg, nil
	case <-in.closed:
		select {
		case msg := <-in.ch:
			return msg, nil
		default:
			return nil, in.err
		}
	case <-stop:
		return nil, errStopped
	}
}

// serveMessages runs a message-based connection whose handshake has already
// been read. It mirrors ServeStream.
func serveMessages(ctx context.Context, a Acceptor, c *conn, in *inbound, h *Handoff, handoff HandoffFunc) {
	var pending [][]byte

	if sess := a.Accept(ctx, c); sess != nil {
		for {
			msg, err := in.next(sess.Done())
			if errors.Is(err, errStopped) {
				break
			}
			if err != nil {
				sess.Close(err)
				break
			}
			if !sess.Feed(msg) {
				pending = append(pending, msg)
				break
			}
		}
		<-sess.Done()
		pending = append(sess.Leftover(), pending...)
	}

	<-c.Done()
	if !c.Released() {
		in.fail(net.ErrClosed)
		return
	}

	h.Pending = pending
	h.Stream = &messageStream{in: in, link: c.link}
	handoff(ctx, h)
}

// messageStream turns a message-based transport into a byte stream. Reads
// return the client's messages back to back. Writes are cut into frames on
// their length prefixes and each frame goes out as one message.
type messageStream struct {
	in   *inbound
	link link

	rbuf []byte
	wbuf []byte
}

func (s *messageStream) Read(p []byte) (int, error) {
	for len(s.rbuf) == 0 {
		msg, err := s.in.next(nil)
		if err != nil {
			return 0, eofOn(err)
		}
		s.rbuf = msg
	}
	n := copy(p, s.rbuf)
	s.rbuf = s.rbuf[n:]
	return n, nil
}

func (s *messageStream) Write(p []byte) (int, error) {
	s.wbuf = append(s.wbuf, p...)
	for {
		n, size, err := protocol.ReadVarInt(s.wbuf)
		if err != nil {
			if errors.Is(err, protocol.ErrShortBuffer) {
				return len(p), nil // prefix not complete yet
			}
			return 0, err
		}
		if n < 0 {
			return 0, errors.New("negative frame length")
		}
		end := size + int(n)
		if len(s.wbuf) < end {
			return len(p), nil
		}
		if err := s.link.writeFrame(s.wbuf[:end:end]); err != nil {
			return 0, err
		}
		s.wbuf = append([]byte(nil), s.wbuf[end:]...)
	}
}

func (s *messageStream) Close() error { return s.link.close() }

// eofOn maps a transport closing normally to io.EOF so stream copies end
// without an error.
func eofOn(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	return err
}

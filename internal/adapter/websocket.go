package adapter

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/limbo/internal/protocol"
	"github.com/1ureka/limbo/internal/util"
)

// maxMessageSize bounds a single WebSocket message. It is above
// MaxFrameSize because the limit stays in force after the handoff.
const maxMessageSize = 1 << 20

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsLink sends one frame per binary message.
type wsLink struct {
	ws *websocket.Conn
}

func (l *wsLink) writeFrame(frame []byte) error {
	_ = l.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (l *wsLink) interrupt() {}

func (l *wsLink) close() error {
	_ = l.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return l.ws.Close()
}

// WebSocketConn is a fallback.Conn over a gorilla WebSocket connection.
type WebSocketConn struct {
	*conn
}

// NewWebSocketConn wraps ws for a client speaking version v from remote.
func NewWebSocketConn(ws *websocket.Conn, v protocol.Version, remote net.Addr) *WebSocketConn {
	return &WebSocketConn{conn: newConn(&wsLink{ws: ws}, v, remote)}
}

// WebSocketHandler serves clients connecting over WebSocket. The client
// declares its revision in the protocol query parameter and then sends its
// frames as binary messages, one frame per message.
type WebSocketHandler struct {
	ctx      context.Context
	acceptor Acceptor
	handoff  HandoffFunc

	// TrustProxy takes the client address from X-Real-IP, CF-Connecting-IP
	// or X-Forwarded-For when set.
	TrustProxy bool
	// DefaultVersion is assumed when the protocol parameter is missing. Zero
	// makes the parameter mandatory.
	DefaultVersion protocol.Version
}

// NewWebSocketHandler returns a handler serving connections until ctx is
// cancelled.
func NewWebSocketHandler(ctx context.Context, a Acceptor, handoff HandoffFunc) *WebSocketHandler {
	return &WebSocketHandler{ctx: ctx, acceptor: a, handoff: handoff}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	version, err := h.version(r)
	if err != nil {
		http.Error(w, "Invalid protocol version", http.StatusBadRequest)
		return
	}

	remote, err := h.remoteAddr(r)
	if err != nil {
		http.Error(w, "Invalid client address", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogDebug("WebSocket upgrade from %s failed: %v", remote, err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	in := newInbound()
	go readMessages(ws, in)

	hs := &protocol.Handshake{
		ProtocolVersion: int32(version),
		ServerAddress:   hostOnly(r.Host),
		ServerPort:      portOf(r.Host),
		NextState:       protocol.NextStateLogin,
	}
	handoff := &Handoff{
		Addr:      remote,
		Handshake: hs,
		Raw:       protocol.Encode(hs, version),
	}

	c := NewWebSocketConn(ws, version, remote)
	serveMessages(h.ctx, h.acceptor, c.conn, in, handoff, h.handoff)
}

func (h *WebSocketHandler) version(r *http.Request) (protocol.Version, error) {
	raw := r.URL.Query().Get("protocol")
	if raw == "" && h.DefaultVersion != 0 {
		return h.DefaultVersion, nil
	}
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return protocol.Version(v), nil
}

// readMessages pumps binary messages into in until the connection fails.
func readMessages(ws *websocket.Conn, in *inbound) {
	for {
		kind, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = io.EOF
			}
			in.fail(err)
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if !in.push(msg) {
			return
		}
	}
}

func (h *WebSocketHandler) remoteAddr(r *http.Request) (net.Addr, error) {
	host := r.RemoteAddr
	if h.TrustProxy {
		if ip := forwardedFor(r.Header); ip != "" {
			host = ip
		}
	}

	if ap, err := netip.ParseAddrPort(host); err == nil {
		return net.TCPAddrFromAddrPort(ap), nil
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return nil, err
	}
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(addr, 0)), nil
}

// forwardedFor returns the client address set by a reverse proxy, if any.
func forwardedFor(h http.Header) string {
	if ip := strings.TrimSpace(h.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if ip := strings.TrimSpace(h.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	// The first entry is the original client.
	if list := h.Get("X-Forwarded-For"); list != "" {
		first, _, _ := strings.Cut(list, ",")
		return strings.TrimSpace(first)
	}
	return ""
}

func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

func portOf(hostport string) uint16 {
	_, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}

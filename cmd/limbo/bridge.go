package main

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/1ureka/limbo/internal/adapter"
	"github.com/1ureka/limbo/internal/util"
)

const dialTimeout = 5 * time.Second

// bridge connects released players to the backend server.
type bridge struct {
	backend string
}

// handoff replays what the player already sent, then copies bytes both ways
// until either side closes.
func (b *bridge) handoff(ctx context.Context, h *adapter.Handoff) {
	defer h.Stream.Close()

	d := net.Dialer{Timeout: dialTimeout}
	upstream, err := d.DialContext(ctx, "tcp", b.backend)
	if err != nil {
		util.LogWarning("Unable to reach backend %s for %s: %v", b.backend, h.Addr, err)
		return
	}
	defer upstream.Close()

	replay := append([]byte(nil), h.Raw...)
	for _, frame := range h.Pending {
		replay = append(replay, frame...)
	}
	if _, err := upstream.Write(replay); err != nil {
		util.LogWarning("Unable to replay %s to backend: %v", h.Addr, err)
		return
	}

	util.LogDebug("Bridging %s to %s (%d pending frames)", h.Addr, b.backend, len(h.Pending))
	pipe(h.Stream, upstream)
}

// pipe copies both ways until one direction ends, then closes both sides.
func pipe(client io.ReadWriteCloser, upstream net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, client)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		done <- struct{}{}
	}()

	<-done
	client.Close()
	upstream.Close()
	<-done
}

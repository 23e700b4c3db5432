package store

import (
	"context"
	"net/netip"
	"time"

	"github.com/1ureka/limbo/internal/util"
	"github.com/1ureka/limbo/internal/verdict"
)

const (
	writeQueueSize = 1024
	opTimeout      = 5 * time.Second
)

type opKind uint8

const (
	opAdd opKind = iota
	opBan
	opRemove
)

type op struct {
	kind     opKind
	addr     netip.Addr
	at       time.Time // verification time, or ban expiry
	offenses int
}

// Writer applies verdict changes to a Store from a single goroutine, so the
// engine never waits on storage. It implements fallback.Recorder.
type Writer struct {
	store Store
	ops   chan op
	done  chan struct{}
}

// NewWriter returns a writer for s. Call Run to start applying changes.
func NewWriter(s Store) *Writer {
	return &Writer{
		store: s,
		ops:   make(chan op, writeQueueSize),
		done:  make(chan struct{}),
	}
}

func (w *Writer) RecordVerified(addr netip.Addr) { w.enqueue(op{kind: opAdd, addr: addr, at: time.Now()}) }
func (w *Writer) Forget(addr netip.Addr)         { w.enqueue(op{kind: opRemove, addr: addr}) }

func (w *Writer) RecordBlacklisted(addr netip.Addr, e verdict.Entry) {
	w.enqueue(op{kind: opBan, addr: addr, at: e.Expiry, offenses: e.Offenses})
}

func (w *Writer) enqueue(o op) {
	select {
	case w.ops <- o:
	default:
		util.LogWarning("Store queue is full, dropping update for %s", o.addr)
	}
}

// Run applies queued changes until ctx is cancelled, then applies whatever
// is still queued and returns.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case o := <-w.ops:
			w.apply(o)
		case <-ctx.Done():
			for {
				select {
				case o := <-w.ops:
					w.apply(o)
				default:
					return
				}
			}
		}
	}
}

// Done is closed when Run has returned.
func (w *Writer) Done() <-chan struct{} { return w.done }

func (w *Writer) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	switch o.kind {
	case opAdd:
		err = w.store.Add(ctx, o.addr, o.at)
	case opBan:
		err = w.store.AddBan(ctx, Ban{Addr: o.addr, Expiry: o.at, Offenses: o.offenses})
	case opRemove:
		err = w.store.Remove(ctx, o.addr)
	}
	if err != nil {
		util.LogWarning("Failed to update stored verdict of %s: %v", o.addr, err)
	}
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/limbo/internal/util"
)

// ErrNoRemoteAddr means the client's address could not be read from the
// selected ICE candidate pair, e.g. behind an mDNS host candidate.
var ErrNoRemoteAddr = errors.New("no usable remote address")

// ChannelFunc receives a DataChannel opened by the client, before it opens,
// with the client's address.
type ChannelFunc func(dc *webrtc.DataChannel, remote net.Addr)

// Answer accepts a client's SDP offer. It returns the answer once ICE
// gathering has completed, so no trickle signaling is needed. Ordered
// DataChannels the client opens are passed to onChannel; unordered ones are
// closed. The PeerConnection closes itself when it fails.
func Answer(ctx context.Context, offer webrtc.SessionDescription, onChannel ChannelFunc) (*webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return nil, fmt.Errorf("expected an offer, got %s", offer.Type)
	}

	pc, err := newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			_ = pc.Close()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if !dc.Ordered() {
			util.LogDebug("Closing unordered DataChannel %q", dc.Label())
			_ = dc.Close()
			return
		}
		remote, err := remoteAddr(pc)
		if err != nil {
			util.LogWarning("Closing DataChannel %q: %v", dc.Label(), err)
			_ = dc.Close()
			return
		}
		onChannel(dc, remote)
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	}

	return pc.LocalDescription(), nil
}

// remoteAddr reads the client's address from the selected candidate pair.
func remoteAddr(pc *webrtc.PeerConnection) (net.Addr, error) {
	sctp := pc.SCTP()
	if sctp == nil {
		return nil, ErrNoRemoteAddr
	}
	pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoRemoteAddr, err)
	}
	if pair == nil || pair.Remote == nil {
		return nil, ErrNoRemoteAddr
	}

	ip := net.ParseIP(pair.Remote.Address)
	if ip == nil {
		return nil, fmt.Errorf("%w: candidate address %q", ErrNoRemoteAddr, pair.Remote.Address)
	}
	return &net.UDPAddr{IP: ip, Port: int(pair.Remote.Port)}, nil
}

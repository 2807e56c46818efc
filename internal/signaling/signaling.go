// Package signaling answers WebRTC offers so the peer can use a data channel
// instead of the WebSocket. The answer is returned as soon as the local
// description is set; ICE and the data channel finish in the background.
package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/connector"
)

// CandidateFunc receives local ICE candidates as they are gathered.
type CandidateFunc func(webrtc.ICECandidateInit)

// Signaler creates peer connections whose data channels attach to a Connector.
type Signaler struct {
	connector *connector.Connector
	api       *webrtc.API
	logger    *slog.Logger

	mu      sync.Mutex
	current *webrtc.PeerConnection
	peers   map[*webrtc.PeerConnection]struct{}
}

// New creates a Signaler. No ICE servers are configured; peers are expected
// on the same host or a trusted network.
func New(c *connector.Connector) *Signaler {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	return &Signaler{
		connector: c,
		api:       webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		logger:    slog.With("component", "signaling"),
		peers:     make(map[*webrtc.PeerConnection]struct{}),
	}
}

// HandleOffer answers offer. onCandidate may be nil when the caller cannot
// trickle candidates; the answer then carries whatever was gathered by the
// time it was created.
func (s *Signaler) HandleOffer(ctx context.Context, offer webrtc.SessionDescription, onCandidate CandidateFunc) (webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return webrtc.SessionDescription{}, apperrors.Validation("offer", "expected an SDP offer")
	}
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return webrtc.SessionDescription{}, apperrors.Internal("signaling.new_peer", err)
	}
	s.connector.BeginConnecting()

	var session atomic.Pointer[connector.Session]
	logger := s.logger.With("peer", fmt.Sprintf("%p", pc))

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || onCandidate == nil {
			return
		}
		onCandidate(c.ToJSON())
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		logger.Debug("Inbound data channel", "label", dc.Label())
		dc.OnOpen(func() {
			sess := s.connector.Attach(&dataChannel{dc: dc, pc: pc})
			session.Store(sess)
			logger.Info("Data channel open", "label", dc.Label(), "session", sess.ID())
			s.supersede(pc)
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if sess := session.Load(); sess != nil {
				s.connector.Deliver(sess, msg.Data)
			}
		})
		dc.OnClose(func() {
			if sess := session.Load(); sess != nil {
				s.connector.Detach(sess)
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("Peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			if sess := session.Load(); sess != nil {
				s.connector.Detach(sess)
			} else {
				s.connector.AbortConnecting()
			}
			if state != webrtc.PeerConnectionStateClosed {
				_ = pc.Close()
			}
			s.forget(pc)
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		s.abandon(pc)
		return webrtc.SessionDescription{}, apperrors.Validation("offer", err.Error())
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.abandon(pc)
		return webrtc.SessionDescription{}, apperrors.Internal("signaling.create_answer", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.abandon(pc)
		return webrtc.SessionDescription{}, apperrors.Internal("signaling.set_local", err)
	}

	s.mu.Lock()
	s.current = pc
	s.peers[pc] = struct{}{}
	s.mu.Unlock()

	logger.Info("Offer answered")
	return *pc.LocalDescription(), nil
}

// AddCandidate applies a remote ICE candidate to the most recent peer.
func (s *Signaler) AddCandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	pc := s.current
	s.mu.Unlock()
	if pc == nil {
		return apperrors.Validation("candidate", "no peer connection awaiting candidates")
	}
	if err := pc.AddICECandidate(candidate); err != nil {
		return apperrors.Validation("candidate", err.Error())
	}
	return nil
}

// Close closes every peer connection.
func (s *Signaler) Close() error {
	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[*webrtc.PeerConnection]struct{})
	s.current = nil
	s.mu.Unlock()

	var firstErr error
	for pc := range peers {
		if err := pc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// supersede closes every peer except keep.
func (s *Signaler) supersede(keep *webrtc.PeerConnection) {
	s.mu.Lock()
	var stale []*webrtc.PeerConnection
	for pc := range s.peers {
		if pc != keep {
			stale = append(stale, pc)
			delete(s.peers, pc)
		}
	}
	s.mu.Unlock()
	for _, pc := range stale {
		_ = pc.Close()
	}
}

func (s *Signaler) forget(pc *webrtc.PeerConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, pc)
	if s.current == pc {
		s.current = nil
	}
}

func (s *Signaler) abandon(pc *webrtc.PeerConnection) {
	_ = pc.Close()
	s.forget(pc)
	s.connector.AbortConnecting()
}

// dataChannel adapts a pion data channel to connector.Transport.
type dataChannel struct {
	dc *webrtc.DataChannel
	pc *webrtc.PeerConnection
}

func (d *dataChannel) Kind() connector.Kind { return connector.KindPeerChannel }

func (d *dataChannel) IsOpen() bool {
	return d.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (d *dataChannel) Send(data []byte) error {
	return d.dc.SendText(string(data))
}

func (d *dataChannel) Close() error {
	return d.pc.Close()
}

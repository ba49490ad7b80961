package negotiation

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/protocol"
)

// DefaultWebRTCConfig uses a public STUN server.
func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// PionConnection adapts a pion PeerConnection to Connection.
type PionConnection struct {
	pc *webrtc.PeerConnection
}

func NewPionConnection(cfg webrtc.Configuration) (*PionConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &PionConnection{pc: pc}, nil
}

// Bind forwards local candidates and transport state changes to peer.
func (c *PionConnection) Bind(ctx context.Context, peer *Peer) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		peer.Post(ctx, LocalCandidate{Candidate: fromPionCandidate(cand.ToJSON())})
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "negotiation").Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			peer.Post(ctx, TransportConnected{})
		case webrtc.PeerConnectionStateFailed:
			peer.Post(ctx, TransportFailed{})
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "negotiation").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		go drain(track)
	})
}

// drain reads a remote track until it ends so its buffers never fill.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (c *PionConnection) CreateOffer(iceRestart bool) (protocol.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	return fromPionDescription(offer), nil
}

func (c *PionConnection) CreateAnswer() (protocol.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	return fromPionDescription(answer), nil
}

func (c *PionConnection) SetLocalDescription(d protocol.SessionDescription) error {
	return c.pc.SetLocalDescription(toPionDescription(d))
}

func (c *PionConnection) SetRemoteDescription(d protocol.SessionDescription) error {
	return c.pc.SetRemoteDescription(toPionDescription(d))
}

func (c *PionConnection) Rollback() error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (c *PionConnection) AddICECandidate(cand protocol.ICECandidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (c *PionConnection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *PionConnection) SignalingStable() bool {
	return c.pc.SignalingState() == webrtc.SignalingStateStable
}

// AttachMedia adds the tracks of media created by SyntheticMedia or any other
// source exposing pion tracks.
func (c *PionConnection) AttachMedia(m Media) error {
	tm, ok := m.(interface{ Tracks() []webrtc.TrackLocal })
	if !ok {
		return errors.New("negotiation: media has no pion tracks")
	}
	for _, t := range tm.Tracks() {
		if _, err := c.pc.AddTrack(t); err != nil {
			return err
		}
	}
	return nil
}

func (c *PionConnection) Close() error {
	return c.pc.Close()
}

func toPionDescription(d protocol.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromPionDescription(d webrtc.SessionDescription) protocol.SessionDescription {
	return protocol.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func fromPionCandidate(c webrtc.ICECandidateInit) protocol.ICECandidate {
	return protocol.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

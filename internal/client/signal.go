package client

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/negotiation"
	"github.com/tandem/server/internal/protocol"
)

// Signaler sends negotiation messages through a Client.
type Signaler struct {
	c *Client
}

func NewSignaler(c *Client) *Signaler { return &Signaler{c: c} }

func (s *Signaler) SendOffer(_ context.Context, roomID string, sdp protocol.SessionDescription) error {
	return s.c.Send(protocol.TypeRTCOffer, protocol.SignalMsg{RoomID: roomID, SDP: &sdp})
}

func (s *Signaler) SendAnswer(_ context.Context, roomID string, sdp protocol.SessionDescription) error {
	return s.c.Send(protocol.TypeRTCAnswer, protocol.SignalMsg{RoomID: roomID, SDP: &sdp})
}

func (s *Signaler) SendCandidate(_ context.Context, roomID string, cand protocol.ICECandidate) error {
	return s.c.Send(protocol.TypeRTCCandidate, protocol.SignalMsg{RoomID: roomID, Candidate: &cand})
}

func (s *Signaler) SendLeave(_ context.Context, roomID string) error {
	return s.c.Send(protocol.TypeRTCLeave, protocol.RoomMsg{RoomID: roomID})
}

// Bridge turns the server's signaling events for roomID into events on p.
// Events for other rooms are ignored.
func Bridge(ctx context.Context, c *Client, roomID string, p *negotiation.Peer) {
	post := func(ev negotiation.Event) {
		if !p.Post(ctx, ev) {
			log.Debug().Str("module", "client").Str("room", roomID).Msg("peer stopped, dropping event")
		}
	}

	c.On(protocol.TypeRTCReady, func(raw json.RawMessage) {
		var m protocol.RTCReadyMsg
		if json.Unmarshal(raw, &m) == nil && m.RoomID == roomID {
			post(negotiation.Ready{Offerer: m.Offerer})
		}
	})
	signal := func(raw json.RawMessage) (protocol.SignalMsg, bool) {
		var m protocol.SignalMsg
		if err := json.Unmarshal(raw, &m); err != nil || m.RoomID != roomID {
			return m, false
		}
		return m, true
	}
	c.On(protocol.TypeRTCOffer, func(raw json.RawMessage) {
		if m, ok := signal(raw); ok && m.SDP != nil {
			post(negotiation.RemoteOffer{SDP: *m.SDP})
		}
	})
	c.On(protocol.TypeRTCAnswer, func(raw json.RawMessage) {
		if m, ok := signal(raw); ok && m.SDP != nil {
			post(negotiation.RemoteAnswer{SDP: *m.SDP})
		}
	})
	c.On(protocol.TypeRTCCandidate, func(raw json.RawMessage) {
		if m, ok := signal(raw); ok && m.Candidate != nil {
			post(negotiation.RemoteCandidate{Candidate: *m.Candidate})
		}
	})
	c.On(protocol.TypeRTCPeerLeft, func(raw json.RawMessage) {
		var m protocol.RTCPeerLeftMsg
		if json.Unmarshal(raw, &m) == nil && m.RoomID == roomID {
			post(negotiation.PeerLeft{})
		}
	})
}

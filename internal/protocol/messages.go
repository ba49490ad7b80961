// Package protocol defines the WebSocket events exchanged between clients and
// the Tandem server. Every frame is a JSON object whose "type" field names
// the event; the remaining fields are the event payload.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Server event types.
const (
	TypeMatchRequest = "match:request"
	TypeRoomJoin     = "room:join"
	TypeRoomLeave    = "room:leave"
	TypeChatSend     = "chat:send"
	TypeRoomEnd      = "room:end"
	TypeRTCLeave     = "rtc:leave"
	TypePing         = "ping"
)

// Signaling event types. Clients send them and the server forwards them to
// the other room member with the sender filled in.
const (
	TypeRTCOffer     = "rtc:offer"
	TypeRTCAnswer    = "rtc:answer"
	TypeRTCCandidate = "rtc:candidate"
)

// Server -> Client event types.
const (
	TypeSessionCreated = "session:created"
	TypeMatchFound     = "match:found"
	TypeMatchQueued    = "match:queued"
	TypeMatchError     = "match:error"
	TypeChatMessage    = "chat:message"
	TypeChatSystem     = "chat:system"
	TypeChatError      = "chat:error"
	TypeEndOK          = "end:ok"
	TypeEndError       = "end:error"
	TypeRTCReady       = "rtc:ready"
	TypeRTCPeerLeft    = "rtc:peer-left"
	TypeError          = "error"
	TypePong           = "pong"
)

// Envelope holds the event type and the raw JSON frame for deferred
// decoding into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the whole frame and extracts only "type".
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// SessionDescription is an SDP offer or answer. Its JSON form matches the
// browser RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"` // offer | answer
	SDP  string `json:"sdp"`
}

// ICECandidate matches the browser RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

type MatchRequestMsg struct{}

// RoomMsg carries just a room id: room:join, room:leave, room:end, rtc:leave.
type RoomMsg struct {
	RoomID string `json:"roomId"`
}

// ChatSendMsg may omit the room, in which case the connection's last joined
// room is used.
type ChatSendMsg struct {
	RoomID string `json:"roomId,omitempty"`
	Text   string `json:"text"`
}

// SignalMsg is an rtc:offer, rtc:answer or rtc:candidate. From is set by the
// server when forwarding; a client-supplied value is overwritten.
type SignalMsg struct {
	RoomID    string              `json:"roomId"`
	From      string              `json:"from,omitempty"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
}

type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

type SessionCreatedMsg struct {
	ConnID string `json:"connId"`
	UserID string `json:"userId"`
}

type MatchFoundMsg struct {
	PeerID    string `json:"peerId"`
	RoomID    string `json:"roomId"`
	Offerer   string `json:"offerer"`
	MatchedAt int64  `json:"matchedAt"`
}

type MatchQueuedMsg struct{}

type MatchErrorMsg struct {
	Error  string `json:"error"`
	RoomID string `json:"roomId,omitempty"`
}

type ChatMessageMsg struct {
	ID     string `json:"id"`
	From   string `json:"from"`
	Text   string `json:"text"`
	Ts     int64  `json:"ts"`
	RoomID string `json:"roomId"`
}

type ChatSystemMsg struct {
	RoomID string `json:"roomId,omitempty"`
	Text   string `json:"text"`
}

type ChatErrorMsg struct {
	Error string `json:"error"`
}

// PartMeta is per-participant room metadata in an end:ok reply.
type PartMeta struct {
	JoinedAt int64 `json:"joinedAt"`
}

// EndOKMsg echoes the finalized room snapshot to the requester.
type EndOKMsg struct {
	RoomID       string              `json:"roomId"`
	Participants []string            `json:"participants"`
	PartsMeta    map[string]PartMeta `json:"partsMeta"`
	StartedAt    int64               `json:"startedAt"`
	FinalizedAt  int64               `json:"finalizedAt"`
	State        string              `json:"state"`
}

type EndErrorMsg struct {
	RoomID string `json:"roomId,omitempty"`
	Error  string `json:"error"`
}

// RTCReadyMsg tells both members that the room is full and who offers.
type RTCReadyMsg struct {
	RoomID  string `json:"roomId"`
	Offerer string `json:"offerer"`
}

type RTCPeerLeftMsg struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func decode[T any](raw json.RawMessage) (T, error) {
	var m T
	err := json.Unmarshal(raw, &m)
	return m, err
}

// ParseClientMessage decodes a client frame into its typed struct. Unknown
// and server-only types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)
	switch env.Type {
	case TypeMatchRequest:
		msg, err = decode[MatchRequestMsg](env.Raw)
	case TypeRoomJoin, TypeRoomLeave, TypeRoomEnd, TypeRTCLeave:
		msg, err = decode[RoomMsg](env.Raw)
	case TypeChatSend:
		msg, err = decode[ChatSendMsg](env.Raw)
	case TypeRTCOffer, TypeRTCAnswer, TypeRTCCandidate:
		var m SignalMsg
		m, err = decode[SignalMsg](env.Raw)
		if err == nil {
			err = m.validate(env.Type)
		}
		msg = m
	case TypePing:
		msg, err = decode[PingMsg](env.Raw)
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

func (m SignalMsg) validate(msgType string) error {
	if m.RoomID == "" {
		return fmt.Errorf("missing roomId")
	}
	if msgType == TypeRTCCandidate {
		if m.Candidate == nil {
			return fmt.Errorf("missing candidate")
		}
		return nil
	}
	if m.SDP == nil || m.SDP.SDP == "" {
		return fmt.Errorf("missing sdp")
	}
	return nil
}

// NewServerMessage encodes payload as a frame of type msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{}, 1)
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewClientMessage encodes a client frame. Client and server frames share
// the same shape.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return NewServerMessage(msgType, payload)
}

// MustServerMessage is NewServerMessage for payloads that always encode.
func MustServerMessage(msgType string, payload interface{}) []byte {
	b, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return b
}

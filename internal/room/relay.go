// Package room manages room membership for WebSocket connections and relays
// chat, system and signaling frames to the members of a room.
//
// Membership is tracked per server instance. Every frame is published through
// a Fanout so that members connected to other instances receive it too; each
// instance delivers what it receives to its local members.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/metrics"
	"github.com/tandem/server/internal/presence"
	"github.com/tandem/server/internal/protocol"
)

const (
	MaxTextRunes = 2000
	MaxTextBytes = 4096
)

var (
	ErrNoRoomSpecified = errors.New("room: no room specified")
	ErrEmptyText       = errors.New("room: empty text")
	ErrTextTooLong     = errors.New("room: message too long")
	ErrNoRoom          = errors.New("room: no such room")
	ErrRoomEnded       = errors.New("room: room has ended")
	ErrNotParticipant  = errors.New("room: not a participant")
	ErrInOtherRoom     = errors.New("room: already in another room")
	ErrNotMember       = errors.New("room: connection has not joined the room")
)

// Session is one client connection as seen by the relay.
type Session interface {
	ConnID() string
	UserID() string
	ActiveRoom() string
	SetActiveRoom(roomID string)
	Send(frame []byte) error
}

// Store is the slice of the presence store the relay needs.
type Store interface {
	Room(ctx context.Context, roomID string) (*presence.Room, error)
	RecordJoin(ctx context.Context, roomID, userID string, at time.Time) (bool, int64, error)
	ClaimRoom(ctx context.Context, userID, roomID string) (bool, error)
	ReleaseRoom(ctx context.Context, userID, roomID string) (bool, error)
}

// Envelope is a room-scoped frame crossing server instances. Exclude names a
// connection that must not receive the frame. Evict tells every instance to
// drop its local members of the room.
type Envelope struct {
	RoomID  string          `json:"roomId"`
	Exclude string          `json:"exclude,omitempty"`
	Frame   json.RawMessage `json:"frame,omitempty"`
	Evict   bool            `json:"evict,omitempty"`
}

// Fanout carries envelopes to every instance with members in the room,
// including the publishing one. Subscribe is called when an instance gets its
// first local member of a room and Unsubscribe when it loses the last.
type Fanout interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(roomID string) error
	Unsubscribe(roomID string) error
}

// Relay is the room lifecycle and chat relay for one server instance.
type Relay struct {
	store  Store
	fanout Fanout

	mu    sync.RWMutex
	rooms map[string]map[string]Session // roomID -> connID -> session

	now func() time.Time
}

// NewRelay creates a relay that delivers only to local members until
// SetFanout installs a cross-instance fanout.
func NewRelay(store Store) *Relay {
	r := &Relay{
		store: store,
		rooms: make(map[string]map[string]Session),
		now:   time.Now,
	}
	r.fanout = localFanout{r}
	return r
}

// SetFanout replaces the local fanout. It must be called before the relay
// serves connections.
func (r *Relay) SetFanout(f Fanout) {
	r.fanout = f
}

// Join adds s to roomID. Repeating a join on the same connection only
// refreshes the active-room pointer.
func (r *Relay) Join(ctx context.Context, s Session, roomID string) error {
	if roomID == "" {
		return ErrNoRoomSpecified
	}
	rm, err := r.store.Room(ctx, roomID)
	if err != nil {
		return fmt.Errorf("room: join %s: %w", roomID, err)
	}
	switch {
	case rm == nil:
		return ErrNoRoom
	case rm.Ended():
		return ErrRoomEnded
	case !rm.Has(s.UserID()):
		return ErrNotParticipant
	}

	ok, err := r.store.ClaimRoom(ctx, s.UserID(), roomID)
	if err != nil {
		return fmt.Errorf("room: join %s: %w", roomID, err)
	}
	if !ok {
		return ErrInOtherRoom
	}

	already, err := r.addMember(roomID, s)
	if err != nil {
		return err
	}
	s.SetActiveRoom(roomID)
	if already {
		return nil
	}

	_, joined, err := r.store.RecordJoin(ctx, roomID, s.UserID(), r.now())
	if err != nil {
		return fmt.Errorf("room: join %s: %w", roomID, err)
	}

	log.Info().Str("module", "room").Str("room", roomID).Str("user", s.UserID()).Str("conn", s.ConnID()).Int64("joined", joined).Msg("joined")

	r.publish(ctx, roomID, s.ConnID(), protocol.TypeChatSystem, protocol.ChatSystemMsg{
		RoomID: roomID,
		Text:   s.UserID() + " joined the chat",
	})
	if joined >= 2 {
		offerer := rm.Offerer
		if offerer == "" && len(rm.Participants) == 2 {
			offerer = min(rm.Participants[0], rm.Participants[1])
		}
		r.publish(ctx, roomID, "", protocol.TypeRTCReady, protocol.RTCReadyMsg{RoomID: roomID, Offerer: offerer})
	}
	return nil
}

// Send relays text to every member of the room, the sender included. The
// room defaults to the connection's active room. Blank text is ignored.
func (r *Relay) Send(ctx context.Context, s Session, roomID, text string) error {
	text, err := ValidateText(text)
	if errors.Is(err, ErrEmptyText) {
		return nil
	}
	if err != nil {
		metrics.ChatMessagesTotal.WithLabelValues("rejected").Inc()
		return err
	}

	if roomID == "" {
		roomID = s.ActiveRoom()
	}
	if roomID == "" {
		return ErrNoRoomSpecified
	}
	if !r.IsMember(roomID, s.ConnID()) {
		return ErrNotMember
	}

	r.publish(ctx, roomID, "", protocol.TypeChatMessage, protocol.ChatMessageMsg{
		ID:     ulid.Make().String(),
		From:   s.UserID(),
		Text:   text,
		Ts:     r.now().UnixMilli(),
		RoomID: roomID,
	})
	metrics.ChatMessagesTotal.WithLabelValues("relayed").Inc()
	return nil
}

// Leave removes s from roomID, defaulting to its active room, and tells the
// remaining members. The user's presence room is released even when this
// connection never joined, so a user paired on a dropped connection can leave
// from a new one. Members are only notified when a membership was removed.
func (r *Relay) Leave(ctx context.Context, s Session, roomID string) error {
	if roomID == "" {
		roomID = s.ActiveRoom()
	}
	if roomID == "" {
		return ErrNoRoomSpecified
	}

	removed := r.removeMember(roomID, s.ConnID())
	if s.ActiveRoom() == roomID {
		s.SetActiveRoom("")
	}
	if _, err := r.store.ReleaseRoom(ctx, s.UserID(), roomID); err != nil {
		log.Error().Str("module", "room").Str("room", roomID).Str("user", s.UserID()).Err(err).Msg("release presence failed")
	}
	if !removed {
		return nil
	}

	log.Info().Str("module", "room").Str("room", roomID).Str("user", s.UserID()).Str("conn", s.ConnID()).Msg("left")

	r.publish(ctx, roomID, s.ConnID(), protocol.TypeChatSystem, protocol.ChatSystemMsg{
		RoomID: roomID,
		Text:   s.UserID() + " left the chat",
	})
	r.publish(ctx, roomID, s.ConnID(), protocol.TypeRTCPeerLeft, protocol.RTCPeerLeftMsg{
		RoomID: roomID,
		UserID: s.UserID(),
	})
	return nil
}

// Disconnect leaves every room the connection is still in.
func (r *Relay) Disconnect(ctx context.Context, s Session) {
	for _, roomID := range r.roomsOf(s.ConnID()) {
		if err := r.Leave(ctx, s, roomID); err != nil {
			log.Warn().Str("module", "room").Str("room", roomID).Err(err).Msg("leave on disconnect")
		}
	}
}

// Forward sends a frame from s to the other members of roomID.
func (r *Relay) Forward(ctx context.Context, s Session, roomID string, frame []byte) error {
	if !r.IsMember(roomID, s.ConnID()) {
		return ErrNotMember
	}
	return r.fanout.Publish(ctx, Envelope{RoomID: roomID, Exclude: s.ConnID(), Frame: frame})
}

// Broadcast sends a frame to every member of roomID on every instance.
func (r *Relay) Broadcast(ctx context.Context, roomID string, frame []byte) error {
	return r.fanout.Publish(ctx, Envelope{RoomID: roomID, Frame: frame})
}

// Evict removes every connection from roomID on every instance.
func (r *Relay) Evict(ctx context.Context, roomID string) error {
	return r.fanout.Publish(ctx, Envelope{RoomID: roomID, Evict: true})
}

// Receive delivers an envelope to the local members of its room.
func (r *Relay) Receive(env Envelope) {
	if env.Evict {
		r.evictLocal(env.RoomID)
		return
	}

	r.mu.RLock()
	targets := make([]Session, 0, len(r.rooms[env.RoomID]))
	for connID, s := range r.rooms[env.RoomID] {
		if connID != env.Exclude {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(env.Frame); err != nil {
			log.Warn().Str("module", "room").Str("room", env.RoomID).Str("conn", s.ConnID()).Err(err).Msg("deliver failed")
		}
	}
}

// IsMember reports whether the connection has joined the room locally.
func (r *Relay) IsMember(roomID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][connID]
	return ok
}

// Members returns the number of local connections in the room.
func (r *Relay) Members(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// CheckParticipant returns ErrNotParticipant when roomID exists and userID is
// not one of its participants. A missing room is not an error here.
func (r *Relay) CheckParticipant(ctx context.Context, roomID, userID string) error {
	rm, err := r.store.Room(ctx, roomID)
	if err != nil {
		return fmt.Errorf("room: load %s: %w", roomID, err)
	}
	if rm != nil && !rm.Has(userID) {
		return ErrNotParticipant
	}
	return nil
}

// ClientError is the text shown to the client for a relay error.
func ClientError(err error) string {
	switch {
	case errors.Is(err, ErrNoRoomSpecified):
		return "No room specified"
	case errors.Is(err, ErrTextTooLong):
		return "Message too long"
	case errors.Is(err, ErrNoRoom):
		return "no-room"
	case errors.Is(err, ErrRoomEnded):
		return "room-ended"
	case errors.Is(err, ErrNotParticipant):
		return "not-a-participant"
	case errors.Is(err, ErrInOtherRoom):
		return "already-in-room"
	case errors.Is(err, ErrNotMember):
		return "not-joined"
	default:
		return "internal-error"
	}
}

// ValidateText trims text and enforces the length limits.
func ValidateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if len(text) > MaxTextBytes || utf8.RuneCountInString(text) > MaxTextRunes {
		return "", ErrTextTooLong
	}
	return text, nil
}

func (r *Relay) publish(ctx context.Context, roomID, exclude, msgType string, payload interface{}) {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Str("module", "room").Str("type", msgType).Err(err).Msg("encode frame")
		return
	}
	if err := r.fanout.Publish(ctx, Envelope{RoomID: roomID, Exclude: exclude, Frame: frame}); err != nil {
		log.Error().Str("module", "room").Str("room", roomID).Str("type", msgType).Err(err).Msg("publish failed")
	}
}

func (r *Relay) addMember(roomID string, s Session) (already bool, err error) {
	r.mu.Lock()
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]Session)
		r.rooms[roomID] = members
	}
	_, already = members[s.ConnID()]
	members[s.ConnID()] = s
	r.mu.Unlock()

	if !ok {
		if err := r.fanout.Subscribe(roomID); err != nil {
			r.removeMember(roomID, s.ConnID())
			return false, fmt.Errorf("room: subscribe %s: %w", roomID, err)
		}
	}
	return already, nil
}

func (r *Relay) removeMember(roomID, connID string) bool {
	r.mu.Lock()
	members, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	_, present := members[connID]
	delete(members, connID)
	empty := len(members) == 0
	if empty {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	if empty {
		if err := r.fanout.Unsubscribe(roomID); err != nil {
			log.Warn().Str("module", "room").Str("room", roomID).Err(err).Msg("unsubscribe failed")
		}
	}
	return present
}

func (r *Relay) evictLocal(roomID string) {
	r.mu.Lock()
	members := r.rooms[roomID]
	delete(r.rooms, roomID)
	r.mu.Unlock()

	for _, s := range members {
		if s.ActiveRoom() == roomID {
			s.SetActiveRoom("")
		}
	}
	if members != nil {
		if err := r.fanout.Unsubscribe(roomID); err != nil {
			log.Warn().Str("module", "room").Str("room", roomID).Err(err).Msg("unsubscribe failed")
		}
		log.Info().Str("module", "room").Str("room", roomID).Int("connections", len(members)).Msg("evicted")
	}
}

func (r *Relay) roomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for roomID, members := range r.rooms {
		if _, ok := members[connID]; ok {
			ids = append(ids, roomID)
		}
	}
	return ids
}

// localFanout delivers straight to this instance's members.
type localFanout struct{ r *Relay }

func (f localFanout) Publish(_ context.Context, env Envelope) error {
	f.r.Receive(env)
	return nil
}

func (localFanout) Subscribe(string) error   { return nil }
func (localFanout) Unsubscribe(string) error { return nil }

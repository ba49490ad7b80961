package room

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tandem/server/internal/presence"
	"github.com/tandem/server/internal/protocol"
)

type fakeStore struct {
	mu      sync.Mutex
	rooms   map[string]*presence.Room
	joined  map[string]map[string]bool
	current map[string]string
}

func newFakeStore(rooms ...*presence.Room) *fakeStore {
	fs := &fakeStore{
		rooms:   make(map[string]*presence.Room),
		joined:  make(map[string]map[string]bool),
		current: make(map[string]string),
	}
	for _, r := range rooms {
		fs.rooms[r.ID] = r
	}
	return fs
}

func (f *fakeStore) Room(_ context.Context, roomID string) (*presence.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[roomID], nil
}

func (f *fakeStore) RecordJoin(_ context.Context, roomID, userID string, _ time.Time) (bool, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joined[roomID] == nil {
		f.joined[roomID] = make(map[string]bool)
	}
	first := !f.joined[roomID][userID]
	f.joined[roomID][userID] = true
	return first, int64(len(f.joined[roomID])), nil
}

func (f *fakeStore) ClaimRoom(_ context.Context, userID, roomID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur := f.current[userID]; cur != "" && cur != roomID {
		return false, nil
	}
	f.current[userID] = roomID
	return true, nil
}

func (f *fakeStore) ReleaseRoom(_ context.Context, userID, roomID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current[userID] != roomID {
		return false, nil
	}
	f.current[userID] = ""
	return true, nil
}

type fakeSession struct {
	connID, userID string

	mu     sync.Mutex
	active string
	frames []map[string]interface{}
}

func newSession(connID, userID string) *fakeSession {
	return &fakeSession{connID: connID, userID: userID}
}

func (s *fakeSession) ConnID() string { return s.connID }
func (s *fakeSession) UserID() string { return s.userID }

func (s *fakeSession) ActiveRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *fakeSession) SetActiveRoom(roomID string) {
	s.mu.Lock()
	s.active = roomID
	s.mu.Unlock()
}

func (s *fakeSession) Send(frame []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(frame, &m); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, m)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) ofType(typ string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range s.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func testRoom() *presence.Room {
	return &presence.Room{
		ID:           "room_1",
		State:        presence.RoomActive,
		Participants: []string{"alice", "bob"},
		Offerer:      "alice",
	}
}

func setup(t *testing.T) (*Relay, *fakeStore, *fakeSession, *fakeSession) {
	t.Helper()
	store := newFakeStore(testRoom())
	return NewRelay(store), store, newSession("c-alice", "alice"), newSession("c-bob", "bob")
}

func TestJoin_NotifiesExistingMembersOnly(t *testing.T) {
	r, _, alice, bob := setup(t)
	ctx := context.Background()

	if err := r.Join(ctx, alice, "room_1"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if got := alice.ofType(protocol.TypeChatSystem); len(got) != 0 {
		t.Errorf("expected joiner not to be notified of itself, got %v", got)
	}

	if err := r.Join(ctx, bob, "room_1"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	sys := alice.ofType(protocol.TypeChatSystem)
	if len(sys) != 1 || sys[0]["text"] != "bob joined the chat" {
		t.Errorf("expected alice notified of bob, got %v", sys)
	}
	if got := bob.ofType(protocol.TypeChatSystem); len(got) != 0 {
		t.Errorf("expected bob not notified of own join, got %v", got)
	}
	if alice.ActiveRoom() != "room_1" || bob.ActiveRoom() != "room_1" {
		t.Error("expected active room recorded on both connections")
	}
}

func TestJoin_EmitsReadyWhenFull(t *testing.T) {
	r, _, alice, bob := setup(t)
	ctx := context.Background()

	r.Join(ctx, alice, "room_1")
	if got := alice.ofType(protocol.TypeRTCReady); len(got) != 0 {
		t.Fatalf("expected no rtc:ready with one member, got %v", got)
	}
	r.Join(ctx, bob, "room_1")

	for _, s := range []*fakeSession{alice, bob} {
		ready := s.ofType(protocol.TypeRTCReady)
		if len(ready) != 1 {
			t.Fatalf("%s: expected one rtc:ready, got %d", s.userID, len(ready))
		}
		if ready[0]["offerer"] != "alice" || ready[0]["roomId"] != "room_1" {
			t.Errorf("%s: unexpected rtc:ready %v", s.userID, ready[0])
		}
	}
}

func TestJoin_RepeatIsIdempotent(t *testing.T) {
	r, _, alice, bob := setup(t)
	ctx := context.Background()

	r.Join(ctx, alice, "room_1")
	r.Join(ctx, bob, "room_1")
	if err := r.Join(ctx, bob, "room_1"); err != nil {
		t.Fatalf("repeat join: %v", err)
	}

	if got := alice.ofType(protocol.TypeChatSystem); len(got) != 1 {
		t.Errorf("expected a single join notice, got %d", len(got))
	}
	if got := alice.ofType(protocol.TypeRTCReady); len(got) != 1 {
		t.Errorf("expected a single rtc:ready, got %d", len(got))
	}
	if r.Members("room_1") != 2 {
		t.Errorf("expected 2 members, got %d", r.Members("room_1"))
	}
}

func TestJoin_Rejections(t *testing.T) {
	ended := testRoom()
	ended.ID = "room_ended"
	ended.State = presence.RoomEnded
	store := newFakeStore(testRoom(), ended)
	r := NewRelay(store)
	ctx := context.Background()

	cases := []struct {
		name   string
		s      *fakeSession
		roomID string
		want   error
	}{
		{"empty room", newSession("c1", "alice"), "", ErrNoRoomSpecified},
		{"missing room", newSession("c1", "alice"), "room_x", ErrNoRoom},
		{"ended room", newSession("c1", "alice"), "room_ended", ErrRoomEnded},
		{"stranger", newSession("c2", "mallory"), "room_1", ErrNotParticipant},
	}
	for _, tc := range cases {
		if err := r.Join(ctx, tc.s, tc.roomID); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	store.current["bob"] = "room_other"
	if err := r.Join(ctx, newSession("c3", "bob"), "room_1"); !errors.Is(err, ErrInOtherRoom) {
		t.Errorf("expected ErrInOtherRoom, got %v", err)
	}
}

func TestSend_DeliversToAllIncludingSender(t *testing.T) {
	r, _, alice, bob := setup(t)
	ctx := context.Background()
	r.Join(ctx, alice, "room_1")
	r.Join(ctx, bob, "room_1")

	if err := r.Send(ctx, alice, "", "  hello  "); err != nil {
		t.Fatalf("Send: %v", err)
	}

	for _, s := range []*fakeSession{alice, bob} {
		msgs := s.ofType(protocol.TypeChatMessage)
		if len(msgs) != 1 {
			t.Fatalf("%s: expected 1 chat:message, got %d", s.userID, len(msgs))
		}
		m := msgs[0]
		if m["text"] != "hello" || m["from"] != "alice" || m["roomId"] != "room_1" {
			t.Errorf("%s: unexpected message %v", s.userID, m)
		}
		if id, _ := m["id"].(string); len(id) != 26 {
			t.Errorf("%s: expected ULID id, got %v", s.userID, m["id"])
		}
	}
}

func TestSend_WhitespaceIsNoop(t *testing.T) {
	r, _, alice, bob := setup(t)
	ctx := context.Background()
	r.Join(ctx, alice, "room_1")
	r.Join(ctx, bob, "room_1")

	if err := r.Send(ctx, alice, "room_1", " \t\n "); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	if got := bob.ofType(protocol.TypeChatMessage); len(got) != 0 {
		t.Errorf("expected no delivery, got %v", got)
	}
}

func TestSend_Errors(t *testing.T) {
	r, _, alice, _ := setup(t)
	ctx := context.Background()

	if err := r.Send(ctx, alice, "", "hi"); !errors.Is(err, ErrNoRoomSpecified) {
		t.Errorf("expected ErrNoRoomSpecified, got %v", err)
	}
	if err := r.Send(ctx, alice, "room_1", "hi"); !errors.Is(err, ErrNotMember) {
		t.Errorf("expected ErrNotMember, got %v", err)
	}

	r.Join(ctx, alice, "room_1")
	long := strings.Repeat("é", MaxTextRunes+1)
	if err := r.Send(ctx, alice, "", long); !errors.Is(err, ErrTextTooLong) {
		t.Errorf("expected ErrTextTooLong, got %v", err)
	}
	if ClientError(ErrNoRoomSpecified) != "No room specified" {
		t.Errorf("unexpected client text %q", ClientError(ErrNoRoomSpecified))
	}
}

func TestValidateText_ByteLimit(t *testing.T) {
	// 1500 runes but 4500 bytes.
	text := strings.Repeat("€", 1500)
	if _, err := ValidateText(text); !errors.Is(err, ErrTextTooLong) {
		t.Errorf("expected byte limit to apply, got %v", err)
	}
	if got, err := ValidateText(" ok "); err != nil || got != "ok" {
		t.Errorf("expected trimmed ok, got %q, %v", got, err)
	}
}

func TestLeave_NotifiesAndReleases(t *testing.T) {
	r, store, alice, bob := setup(t)
	ctx := context.Background()
	r.Join(ctx, alice, "room_1")
	r.Join(ctx, bob, "room_1")

	if err := r.Leave(ctx, bob, ""); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	sys := alice.ofType(protocol.TypeChatSystem)
	if last := sys[len(sys)-1]; last["text"] != "bob left the chat" {
		t.Errorf("expected leave notice, got %v", last)
	}
	left := alice.ofType(protocol.TypeRTCPeerLeft)
	if len(left) != 1 || left[0]["userId"] != "bob" {
		t.Errorf("expected rtc:peer-left for bob, got %v", left)
	}
	if bob.ActiveRoom() != "" {
		t.Error("expected bob's active room cleared")
	}
	if store.current["bob"] != "" {
		t.Errorf("expected bob's presence room cleared, got %q", store.current["bob"])
	}
	if r.IsMember("room_1", bob.ConnID()) {
		t.Error("expected bob removed from membership")
	}

	// Leaving again is a no-op.
	if err := r.Leave(ctx, bob, "room_1"); err != nil {
		t.Errorf("expected idempotent leave, got %v", err)
	}
	if got := alice.ofType(protocol.TypeRTCPeerLeft); len(got) != 1 {
		t.Errorf("expected no second peer-left, got %d", len(got))
	}
}

func TestLeave_ReleasesPresenceFromNewConnection(t *testing.T) {
	r, store, alice, _ := setup(t)
	ctx := context.Background()
	r.Join(ctx, alice, "room_1")
	// bob was paired but his connection dropped before joining.
	store.current["bob"] = "room_1"
	bob2 := newSession("c-bob-2", "bob")

	if err := r.Leave(ctx, bob2, "room_1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if store.current["bob"] != "" {
		t.Errorf("expected bob's presence room cleared, still %q", store.current["bob"])
	}
	if got := alice.ofType(protocol.TypeRTCPeerLeft); len(got) != 0 {
		t.Errorf("expected no peer-left from a connection that never joined, got %v", got)
	}

	// A different room id leaves the presence record alone.
	store.current["bob"] = "room_1"
	r.Leave(ctx, bob2, "room_2")
	if store.current["bob"] != "room_1" {
		t.Errorf("expected presence kept for another room, got %q", store.current["bob"])
	}
}

func TestCheckParticipant(t *testing.T) {
	r, _, _, _ := setup(t)
	ctx := context.Background()

	if err := r.CheckParticipant(ctx, "room_1", "alice"); err != nil {
		t.Errorf("expected alice accepted, got %v", err)
	}
	if err := r.CheckParticipant(ctx, "room_1", "carol"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
	if err := r.CheckParticipant(ctx, "room_missing", "carol"); err != nil {
		t.Errorf("expected missing room left to the caller, got %v", err)
	}
}

func TestDisconnect_LeavesActiveRoom(t *testing.T) {
	r, _, alice, bob := setup(t)
	ctx := context.Background()
	r.Join(ctx, alice, "room_1")
	r.Join(ctx, bob, "room_1")

	r.Disconnect(ctx, bob)

	if got := alice.ofType(protocol.TypeRTCPeerLeft); len(got) != 1 {
		t.Errorf("expected peer-left after disconnect, got %d", len(got))
	}
	if r.Members("room_1") != 1 {
		t.Errorf("expected 1 member left, got %d", r.Members("room_1"))
	}
}

func TestForward_ExcludesSender(t *testing.T) {
	r, _, alice, bob := setup(t)
	ctx := context.Background()
	r.Join(ctx, alice, "room_1")
	r.Join(ctx, bob, "room_1")

	frame := protocol.MustServerMessage(protocol.TypeRTCOffer, protocol.SignalMsg{RoomID: "room_1", From: "alice"})
	if err := r.Forward(ctx, alice, "room_1", frame); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got := bob.ofType(protocol.TypeRTCOffer); len(got) != 1 {
		t.Errorf("expected bob to get the offer, got %d", len(got))
	}
	if got := alice.ofType(protocol.TypeRTCOffer); len(got) != 0 {
		t.Errorf("expected sender excluded, got %d", len(got))
	}

	stranger := newSession("c-x", "alice")
	if err := r.Forward(ctx, stranger, "room_1", frame); !errors.Is(err, ErrNotMember) {
		t.Errorf("expected ErrNotMember, got %v", err)
	}
}

func TestBroadcastThenEvict(t *testing.T) {
	r, _, alice, bob := setup(t)
	ctx := context.Background()
	r.Join(ctx, alice, "room_1")
	r.Join(ctx, bob, "room_1")

	r.Broadcast(ctx, "room_1", protocol.MustServerMessage(protocol.TypeChatSystem, protocol.ChatSystemMsg{RoomID: "room_1", Text: "Chat ended"}))
	r.Evict(ctx, "room_1")

	for _, s := range []*fakeSession{alice, bob} {
		sys := s.ofType(protocol.TypeChatSystem)
		if last := sys[len(sys)-1]; last["text"] != "Chat ended" {
			t.Errorf("%s: expected Chat ended, got %v", s.userID, last)
		}
		if s.ActiveRoom() != "" {
			t.Errorf("%s: expected active room cleared by eviction", s.userID)
		}
	}
	if r.Members("room_1") != 0 {
		t.Errorf("expected no members after eviction, got %d", r.Members("room_1"))
	}
	if err := r.Send(ctx, alice, "room_1", "still there?"); !errors.Is(err, ErrNotMember) {
		t.Errorf("expected evicted connection to be unable to send, got %v", err)
	}
}

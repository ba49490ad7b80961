package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tandem/server/internal/finalize"
	"github.com/tandem/server/internal/matching"
	"github.com/tandem/server/internal/presence"
	"github.com/tandem/server/internal/protocol"
	"github.com/tandem/server/internal/ratelimit"
	"github.com/tandem/server/internal/room"
)

// roomStore is an in-memory room.Store holding one active room.
type roomStore struct {
	mu      sync.Mutex
	rooms   map[string]*presence.Room
	joined  map[string]map[string]bool
	current map[string]string
}

func newRoomStore() *roomStore {
	return &roomStore{
		rooms: map[string]*presence.Room{
			"room_1": {ID: "room_1", State: presence.RoomActive, Participants: []string{"alice", "bob"}, Offerer: "alice"},
		},
		joined:  make(map[string]map[string]bool),
		current: make(map[string]string),
	}
}

func (f *roomStore) Room(_ context.Context, roomID string) (*presence.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[roomID], nil
}

func (f *roomStore) RecordJoin(_ context.Context, roomID, userID string, _ time.Time) (bool, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joined[roomID] == nil {
		f.joined[roomID] = make(map[string]bool)
	}
	first := !f.joined[roomID][userID]
	f.joined[roomID][userID] = true
	return first, int64(len(f.joined[roomID])), nil
}

func (f *roomStore) ClaimRoom(_ context.Context, userID, roomID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur := f.current[userID]; cur != "" && cur != roomID {
		return false, nil
	}
	f.current[userID] = roomID
	return true, nil
}

func (f *roomStore) ReleaseRoom(_ context.Context, userID, roomID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current[userID] != roomID {
		return false, nil
	}
	f.current[userID] = ""
	return true, nil
}

type session struct {
	connID, userID string

	mu     sync.Mutex
	active string
	frames []map[string]interface{}
}

func (s *session) ConnID() string { return s.connID }
func (s *session) UserID() string { return s.userID }

func (s *session) ActiveRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *session) SetActiveRoom(roomID string) {
	s.mu.Lock()
	s.active = roomID
	s.mu.Unlock()
}

func (s *session) Send(frame []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(frame, &m); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, m)
	s.mu.Unlock()
	return nil
}

func (s *session) ofType(typ string) []map[string]interface{} {
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

type fakeMatcher struct {
	match *matching.Match
	err   error
	calls int
}

func (m *fakeMatcher) Request(context.Context, string) (*matching.Match, error) {
	m.calls++
	return m.match, m.err
}

type fakeMatches struct {
	mu       sync.Mutex
	handlers map[string]func(matching.Notice)
	users    map[string]string
}

func (f *fakeMatches) SubscribeMatches(connID, userID string, handler func(matching.Notice)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[connID] = handler
	f.users[connID] = userID
	return nil
}

func (f *fakeMatches) UnsubscribeMatches(connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, connID)
	return nil
}

// notify delivers n to every connection of userID.
func (f *fakeMatches) notify(userID string, n matching.Notice) {
	f.mu.Lock()
	var hs []func(matching.Notice)
	for connID, h := range f.handlers {
		if f.users[connID] == userID {
			hs = append(hs, h)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(n)
	}
}

type fakeFinalizer struct {
	event     *finalize.Event
	err       error
	calls     int
	fallbacks []string
}

func (f *fakeFinalizer) Finalize(context.Context, string, time.Time) (*finalize.Event, error) {
	f.calls++
	return f.event, f.err
}

func (f *fakeFinalizer) RecordFallback(_ context.Context, roomID string, _ error, _ time.Time) error {
	f.fallbacks = append(f.fallbacks, roomID)
	return nil
}

type fakePresence struct {
	mu        sync.Mutex
	touched   []string
	withdrawn []string
}

func (p *fakePresence) Touch(_ context.Context, userID string, _ time.Time) error {
	p.mu.Lock()
	p.touched = append(p.touched, userID)
	p.mu.Unlock()
	return nil
}

func (p *fakePresence) Withdraw(_ context.Context, userID string) error {
	p.mu.Lock()
	p.withdrawn = append(p.withdrawn, userID)
	p.mu.Unlock()
	return nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

type harness struct {
	g         *Gateway
	relay     *room.Relay
	matcher   *fakeMatcher
	matches   *fakeMatches
	finalizer *fakeFinalizer
	presence  *fakePresence
	alice     *session
	bob       *session
}

func newHarness() *harness {
	h := &harness{
		relay:     room.NewRelay(newRoomStore()),
		matcher:   &fakeMatcher{},
		matches:   &fakeMatches{handlers: make(map[string]func(matching.Notice)), users: make(map[string]string)},
		finalizer: &fakeFinalizer{},
		presence:  &fakePresence{},
		alice:     &session{connID: "c-alice", userID: "alice"},
		bob:       &session{connID: "c-bob", userID: "bob"},
	}
	h.g = New(Deps{
		Relay:     h.relay,
		Matcher:   h.matcher,
		Matches:   h.matches,
		Finalizer: h.finalizer,
		Presence:  h.presence,
	})
	h.g.now = func() time.Time { return time.UnixMilli(5000) }
	return h
}

func (h *harness) joinBoth(t *testing.T) {
	t.Helper()
	h.g.Handle(h.alice, protocol.TypeRoomJoin, protocol.RoomMsg{RoomID: "room_1"})
	h.g.Handle(h.bob, protocol.TypeRoomJoin, protocol.RoomMsg{RoomID: "room_1"})
	if !h.relay.IsMember("room_1", "c-alice") || !h.relay.IsMember("room_1", "c-bob") {
		t.Fatal("expected both connections joined")
	}
}

func TestMatchRequest_FoundJoinsRequester(t *testing.T) {
	h := newHarness()
	h.matcher.match = &matching.Match{Requester: "alice", Peer: "bob", RoomID: "room_1", MatchedAt: 1000}

	h.g.Handle(h.alice, protocol.TypeMatchRequest, protocol.MatchRequestMsg{})

	found := h.alice.ofType(protocol.TypeMatchFound)
	if len(found) != 1 {
		t.Fatalf("expected 1 match:found, got %d", len(found))
	}
	if found[0]["peerId"] != "bob" || found[0]["roomId"] != "room_1" || found[0]["offerer"] != "alice" {
		t.Errorf("unexpected match:found %v", found[0])
	}
	if !h.relay.IsMember("room_1", "c-alice") {
		t.Error("expected requester joined to the room")
	}
	if h.alice.ActiveRoom() != "room_1" {
		t.Errorf("expected active room room_1, got %q", h.alice.ActiveRoom())
	}
}

func TestMatchRequest_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		limited bool
		typ     string
		errText string
	}{
		{"no peer", matching.ErrNoPeer, false, protocol.TypeMatchQueued, ""},
		{"stale peer", matching.ErrStalePeer, false, protocol.TypeMatchQueued, ""},
		{"not available", matching.ErrNotAvailable, false, protocol.TypeMatchQueued, ""},
		{"already in room", &matching.InRoomError{RoomID: "room_9"}, false, protocol.TypeMatchError, "already-in-room"},
		{"infrastructure", errors.New("connection refused"), false, protocol.TypeMatchError, "match_failed"},
		{"rate limited", nil, true, protocol.TypeMatchError, "rate-limited"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.matcher.err = tt.err
			if tt.limited {
				h.g.limiter = denyAll{}
			}

			h.g.Handle(h.alice, protocol.TypeMatchRequest, protocol.MatchRequestMsg{})

			got := h.alice.ofType(tt.typ)
			if len(got) != 1 {
				t.Fatalf("expected 1 %s, got %v", tt.typ, h.alice.frames)
			}
			if tt.errText != "" && got[0]["error"] != tt.errText {
				t.Errorf("expected error %q, got %v", tt.errText, got[0]["error"])
			}
			if _, ok := tt.err.(*matching.InRoomError); ok && got[0]["roomId"] != "room_9" {
				t.Errorf("expected roomId room_9, got %v", got[0]["roomId"])
			}
			if tt.limited && h.matcher.calls != 0 {
				t.Error("expected limited request not to reach the matcher")
			}
		})
	}
}

func TestMatchNotice_JoinsPeerAndSignalsReady(t *testing.T) {
	h := newHarness()
	h.matcher.match = &matching.Match{Requester: "alice", Peer: "bob", RoomID: "room_1", MatchedAt: 1000}
	h.g.Connect(h.bob)

	h.g.Handle(h.alice, protocol.TypeMatchRequest, protocol.MatchRequestMsg{})
	h.matches.notify("bob", matching.NoticeFor(h.matcher.match, "bob"))

	found := h.bob.ofType(protocol.TypeMatchFound)
	if len(found) != 1 || found[0]["peerId"] != "alice" {
		t.Fatalf("expected match:found with peer alice, got %v", found)
	}
	if !h.relay.IsMember("room_1", "c-bob") {
		t.Error("expected notified peer joined to the room")
	}

	sys := h.alice.ofType(protocol.TypeChatSystem)
	if len(sys) != 1 || sys[0]["text"] != "bob joined the chat" {
		t.Errorf("expected alice told bob joined, got %v", sys)
	}
	for _, s := range []*session{h.alice, h.bob} {
		ready := s.ofType(protocol.TypeRTCReady)
		if len(ready) != 1 || ready[0]["offerer"] != "alice" {
			t.Errorf("%s: expected rtc:ready with offerer alice, got %v", s.userID, ready)
		}
	}
}

func TestChatSend(t *testing.T) {
	h := newHarness()
	h.joinBoth(t)

	h.g.Handle(h.bob, protocol.TypeChatSend, protocol.ChatSendMsg{Text: "  hello  "})

	for _, s := range []*session{h.alice, h.bob} {
		msgs := s.ofType(protocol.TypeChatMessage)
		if len(msgs) != 1 || msgs[0]["text"] != "hello" || msgs[0]["from"] != "bob" {
			t.Errorf("%s: expected hello from bob, got %v", s.userID, msgs)
		}
	}

	loner := &session{connID: "c-carol", userID: "carol"}
	h.g.Handle(loner, protocol.TypeChatSend, protocol.ChatSendMsg{Text: "anyone?"})
	errs := loner.ofType(protocol.TypeChatError)
	if len(errs) != 1 || errs[0]["error"] != "No room specified" {
		t.Errorf("expected No room specified, got %v", errs)
	}
}

func TestChatSend_RateLimited(t *testing.T) {
	h := newHarness()
	h.joinBoth(t)
	h.g.limiter = denyAll{}

	h.g.Handle(h.alice, protocol.TypeChatSend, protocol.ChatSendMsg{Text: "hi"})

	if n := len(h.bob.ofType(protocol.TypeChatMessage)); n != 0 {
		t.Errorf("expected no delivery, got %d", n)
	}
	if errs := h.alice.ofType(protocol.TypeChatError); len(errs) != 1 || errs[0]["error"] != "rate-limited" {
		t.Errorf("expected rate-limited error, got %v", errs)
	}
}

func TestJoin_RejectsStranger(t *testing.T) {
	h := newHarness()
	carol := &session{connID: "c-carol", userID: "carol"}

	h.g.Handle(carol, protocol.TypeRoomJoin, protocol.RoomMsg{RoomID: "room_1"})

	errs := carol.ofType(protocol.TypeChatError)
	if len(errs) != 1 || errs[0]["error"] != "not-a-participant" {
		t.Errorf("expected not-a-participant, got %v", errs)
	}
}

func TestSignal_ForwardsWithSender(t *testing.T) {
	h := newHarness()
	h.joinBoth(t)

	h.g.Handle(h.alice, protocol.TypeRTCOffer, protocol.SignalMsg{
		RoomID: "room_1",
		From:   "mallory",
		SDP:    &protocol.SessionDescription{Type: "offer", SDP: "v=0"},
	})

	offers := h.bob.ofType(protocol.TypeRTCOffer)
	if len(offers) != 1 {
		t.Fatalf("expected 1 offer for bob, got %d", len(offers))
	}
	if offers[0]["from"] != "alice" {
		t.Errorf("expected from overwritten to alice, got %v", offers[0]["from"])
	}
	if n := len(h.alice.ofType(protocol.TypeRTCOffer)); n != 0 {
		t.Errorf("expected sender not to receive its own offer, got %d", n)
	}
}

func TestRTCLeave_NotifiesPeer(t *testing.T) {
	h := newHarness()
	h.joinBoth(t)

	h.g.Handle(h.alice, protocol.TypeRTCLeave, protocol.RoomMsg{RoomID: "room_1"})

	left := h.bob.ofType(protocol.TypeRTCPeerLeft)
	if len(left) != 1 || left[0]["userId"] != "alice" {
		t.Errorf("expected rtc:peer-left for alice, got %v", left)
	}
	if h.relay.IsMember("room_1", "c-alice") {
		t.Error("expected alice removed from the room")
	}
}

func TestEnd_FinalizesAndEvicts(t *testing.T) {
	h := newHarness()
	h.joinBoth(t)
	h.finalizer.event = &finalize.Event{
		RoomID:       "room_1",
		Participants: []string{"alice", "bob"},
		PartsMeta:    map[string]finalize.PartMeta{"alice": {JoinedAt: 1000}, "bob": {JoinedAt: 1200}},
		StartedAt:    1000,
		FinalizedAt:  5000,
		State:        finalize.StateEnded,
	}

	h.g.Handle(h.alice, protocol.TypeRoomEnd, protocol.RoomMsg{})

	ok := h.alice.ofType(protocol.TypeEndOK)
	if len(ok) != 1 {
		t.Fatalf("expected end:ok, got %v", h.alice.frames)
	}
	if ok[0]["state"] != "ENDED" || ok[0]["finalizedAt"] != float64(5000) {
		t.Errorf("unexpected snapshot %v", ok[0])
	}
	if n := len(h.bob.ofType(protocol.TypeEndOK)); n != 0 {
		t.Errorf("expected end:ok only for the requester, got %d for bob", n)
	}
	for _, s := range []*session{h.alice, h.bob} {
		var ended bool
		for _, m := range s.ofType(protocol.TypeChatSystem) {
			if m["text"] == "Chat ended" {
				ended = true
			}
		}
		if !ended {
			t.Errorf("%s: expected Chat ended", s.userID)
		}
		if s.ActiveRoom() != "" {
			t.Errorf("%s: expected active room cleared, got %q", s.userID, s.ActiveRoom())
		}
	}
	if h.relay.Members("room_1") != 0 {
		t.Errorf("expected room emptied, got %d members", h.relay.Members("room_1"))
	}
}

func TestEnd_Errors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		fallbacks int
	}{
		{"no room", finalize.ErrNoRoom, 0},
		{"already ended", finalize.ErrAlreadyEnded, 0},
		{"infrastructure", errors.New("finalize: run script for room_1: i/o timeout"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.finalizer.err = tt.err

			h.g.Handle(h.alice, protocol.TypeRoomEnd, protocol.RoomMsg{RoomID: "room_1"})

			errs := h.alice.ofType(protocol.TypeEndError)
			if len(errs) != 1 || errs[0]["error"] != tt.err.Error() {
				t.Errorf("expected end:error %q, got %v", tt.err, errs)
			}
			if len(h.finalizer.fallbacks) != tt.fallbacks {
				t.Errorf("expected %d fallback records, got %d", tt.fallbacks, len(h.finalizer.fallbacks))
			}
		})
	}
}

func TestEnd_RejectsNonParticipant(t *testing.T) {
	h := newHarness()
	carol := &session{connID: "c-carol", userID: "carol"}

	h.g.Handle(carol, protocol.TypeRoomEnd, protocol.RoomMsg{RoomID: "room_1"})

	errs := carol.ofType(protocol.TypeEndError)
	if len(errs) != 1 || errs[0]["error"] != "not-a-participant" {
		t.Errorf("expected not-a-participant, got %v", carol.frames)
	}
	if h.finalizer.calls != 0 {
		t.Errorf("expected the room not finalized, got %d calls", h.finalizer.calls)
	}
}

func TestEnd_RequiresRoom(t *testing.T) {
	h := newHarness()
	h.g.Handle(h.alice, protocol.TypeRoomEnd, protocol.RoomMsg{})

	errs := h.alice.ofType(protocol.TypeEndError)
	if len(errs) != 1 || errs[0]["error"] != "roomId required" {
		t.Errorf("expected roomId required, got %v", errs)
	}
}

func TestDisconnect(t *testing.T) {
	h := newHarness()
	h.g.Connect(h.alice)
	h.joinBoth(t)

	h.g.Disconnect(h.alice)

	if n := len(h.bob.ofType(protocol.TypeRTCPeerLeft)); n != 1 {
		t.Errorf("expected bob told alice left, got %d", n)
	}
	if _, ok := h.matches.handlers["c-alice"]; ok {
		t.Error("expected match subscription dropped")
	}
	if len(h.presence.withdrawn) != 1 || h.presence.withdrawn[0] != "alice" {
		t.Errorf("expected alice withdrawn, got %v", h.presence.withdrawn)
	}
}

func TestHeartbeat_TouchesPresence(t *testing.T) {
	h := newHarness()
	h.g.Heartbeat(h.bob)
	if len(h.presence.touched) != 1 || h.presence.touched[0] != "bob" {
		t.Errorf("expected bob touched, got %v", h.presence.touched)
	}
}

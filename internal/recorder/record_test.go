package recorder

import (
	"errors"
	"testing"
	"time"
)

var now = time.UnixMilli(9_000_000).UTC()

func TestDecode_FinalizeEvent(t *testing.T) {
	body := `{"roomId":"room_x","participants":["alice","bob"],
		"partsMeta":{"alice":{"joinedAt":1100}},
		"startedAt":1000,"finalizedAt":5000,"state":"ENDED"}`

	room, err := Decode([]byte(body), now)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if room.ID != "room_x" || room.Status != "ENDED" {
		t.Errorf("unexpected room: %+v", room)
	}
	if !room.StartedAt.Equal(time.UnixMilli(1000)) || !room.EndedAt.Equal(time.UnixMilli(5000)) {
		t.Errorf("expected started 1000 ended 5000, got %v %v", room.StartedAt, room.EndedAt)
	}
	if len(room.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(room.Participants))
	}
	alice, bob := room.Participants[0], room.Participants[1]
	if !alice.JoinedAt.Equal(time.UnixMilli(1100)) {
		t.Errorf("expected alice joinedAt from partsMeta, got %v", alice.JoinedAt)
	}
	if !bob.JoinedAt.Equal(time.UnixMilli(1000)) {
		t.Errorf("expected bob joinedAt to fall back to startedAt, got %v", bob.JoinedAt)
	}
	if bob.LeftAt == nil || !bob.LeftAt.Equal(time.UnixMilli(5000)) {
		t.Errorf("expected leftAt 5000, got %v", bob.LeftAt)
	}
}

func TestDecode_ParticipantObjects(t *testing.T) {
	body := `{"roomId":"room_x","participants":[
		{"userId":"alice","joinedAt":"2026-01-02T03:04:05Z"},
		{"userId":"bob"},
		{"userId":"alice"}],
		"startedAt":"1000"}`

	room, err := Decode([]byte(body), now)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(room.Participants) != 2 {
		t.Fatalf("expected duplicates collapsed to 2, got %d", len(room.Participants))
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !room.Participants[0].JoinedAt.Equal(want) {
		t.Errorf("expected ISO joinedAt, got %v", room.Participants[0].JoinedAt)
	}
	if !room.StartedAt.Equal(time.UnixMilli(1000)) {
		t.Errorf("expected digit-string startedAt, got %v", room.StartedAt)
	}
	if !room.EndedAt.Equal(now) {
		t.Errorf("expected endedAt to default to now, got %v", room.EndedAt)
	}
	if room.Participants[1].LeftAt != nil {
		t.Errorf("expected no leftAt without an end time, got %v", room.Participants[1].LeftAt)
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `nope`},
		{"array body", `[]`},
		{"missing roomId", `{"participants":["a"]}`},
		{"numeric roomId", `{"roomId":5,"participants":["a"]}`},
		{"empty participants", `{"roomId":"r","participants":[]}`},
		{"participants not array", `{"roomId":"r","participants":"a"}`},
		{"blank participant", `{"roomId":"r","participants":[""]}`},
		{"participant without userId", `{"roomId":"r","participants":[{"joinedAt":1}]}`},
		{"participant number", `{"roomId":"r","participants":[7]}`},
		{"bad startedAt", `{"roomId":"r","participants":["a"],"startedAt":"yesterday"}`},
		{"bool endedAt", `{"roomId":"r","participants":["a"],"endedAt":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body), now)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestDecode_EndedAtWinsOverFinalizedAt(t *testing.T) {
	room, err := Decode([]byte(`{"roomId":"r","participants":["a"],"endedAt":7000,"finalizedAt":5000}`), now)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !room.EndedAt.Equal(time.UnixMilli(7000)) {
		t.Errorf("expected endedAt 7000, got %v", room.EndedAt)
	}
}

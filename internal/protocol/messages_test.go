package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessage_ChatSend(t *testing.T) {
	input := []byte(`{"type":"chat:send","roomId":"room_1","text":"  hi  "}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeChatSend {
		t.Fatalf("expected type %q, got %q", TypeChatSend, msgType)
	}
	cm, ok := msg.(ChatSendMsg)
	if !ok {
		t.Fatalf("expected ChatSendMsg, got %T", msg)
	}
	if cm.RoomID != "room_1" || cm.Text != "  hi  " {
		t.Errorf("unexpected payload %+v", cm)
	}
}

func TestParseClientMessage_RoomEvents(t *testing.T) {
	for _, typ := range []string{TypeRoomJoin, TypeRoomLeave, TypeRoomEnd, TypeRTCLeave} {
		_, msg, err := ParseClientMessage([]byte(`{"type":"` + typ + `","roomId":"room_9"}`))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		rm, ok := msg.(RoomMsg)
		if !ok || rm.RoomID != "room_9" {
			t.Errorf("%s: expected RoomMsg{room_9}, got %#v", typ, msg)
		}
	}
}

func TestParseClientMessage_Offer(t *testing.T) {
	input := []byte(`{"type":"rtc:offer","roomId":"r","from":"spoofed","sdp":{"type":"offer","sdp":"v=0"}}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sm := msg.(SignalMsg)
	if sm.SDP == nil || sm.SDP.Type != "offer" || sm.SDP.SDP != "v=0" {
		t.Errorf("unexpected sdp %+v", sm.SDP)
	}
}

func TestParseClientMessage_SignalValidation(t *testing.T) {
	cases := map[string]string{
		"offer without sdp":       `{"type":"rtc:offer","roomId":"r"}`,
		"answer without room":     `{"type":"rtc:answer","sdp":{"type":"answer","sdp":"v=0"}}`,
		"candidate without value": `{"type":"rtc:candidate","roomId":"r"}`,
	}
	for name, input := range cases {
		if _, _, err := ParseClientMessage([]byte(input)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseClientMessage_Candidate(t *testing.T) {
	input := []byte(`{"type":"rtc:candidate","roomId":"r","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := msg.(SignalMsg).Candidate
	if c.SDPMid == nil || *c.SDPMid != "0" || c.SDPMLineIndex == nil || *c.SDPMLineIndex != 0 {
		t.Errorf("unexpected candidate %+v", c)
	}
}

func TestParseClientMessage_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown type":     `{"type":"chat:message","text":"x"}`,
		"missing type":     `{"roomId":"r"}`,
		"invalid json":     `{not json`,
		"wrong field type": `{"type":"chat:send","text":42}`,
	}
	for name, input := range cases {
		if _, _, err := ParseClientMessage([]byte(input)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeRTCReady, RTCReadyMsg{RoomID: "r", Offerer: "alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got["type"] != TypeRTCReady || got["roomId"] != "r" || got["offerer"] != "alice" {
		t.Errorf("unexpected frame %s", data)
	}
}

func TestNewServerMessage_EmptyPayload(t *testing.T) {
	data := MustServerMessage(TypePong, PongMsg{})
	if string(data) != `{"type":"pong"}` {
		t.Errorf("expected bare pong frame, got %s", data)
	}
}

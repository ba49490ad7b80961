// Package recorder is the persistence endpoint for finalized rooms. It
// accepts finalize events over HTTP and stores each room once, merging the
// participant list when the same room is delivered again.
package recorder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrInvalid wraps every request validation failure.
var ErrInvalid = errors.New("invalid request")

// DefaultStatus is stored when a request names no state.
const DefaultStatus = "ENDED"

// Participant is one member of a persisted room.
type Participant struct {
	UserID   string
	JoinedAt time.Time
	LeftAt   *time.Time
}

// Room is a validated request, ready to store.
type Room struct {
	ID           string
	Status       string
	StartedAt    time.Time
	EndedAt      time.Time
	Participants []Participant
}

// request accepts both the finalize event shape (participants as user ids
// plus partsMeta) and explicit participant objects.
type request struct {
	RoomID       *string                    `json:"roomId"`
	Participants []json.RawMessage          `json:"participants"`
	PartsMeta    map[string]json.RawMessage `json:"partsMeta"`
	StartedAt    json.RawMessage            `json:"startedAt"`
	EndedAt      json.RawMessage            `json:"endedAt"`
	FinalizedAt  json.RawMessage            `json:"finalizedAt"`
	State        *string                    `json:"state"`
}

type participantObject struct {
	UserID   *string         `json:"userId"`
	JoinedAt json.RawMessage `json:"joinedAt"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Decode validates body and resolves defaults: joinedAt falls back to
// startedAt, startedAt and endedAt fall back to now, and participants only
// get a leftAt when the request carries an end time.
func Decode(body []byte, now time.Time) (*Room, error) {
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, invalid("body must be a JSON object")
	}
	if req.RoomID == nil || *req.RoomID == "" {
		return nil, invalid("roomId is required and must be a string")
	}
	if len(req.Participants) == 0 {
		return nil, invalid("participants must be a non-empty array")
	}

	started, hasStart, err := parseTime(req.StartedAt, "startedAt")
	if err != nil {
		return nil, err
	}
	endRaw, endField := req.EndedAt, "endedAt"
	if isAbsent(endRaw) {
		endRaw, endField = req.FinalizedAt, "finalizedAt"
	}
	ended, hasEnd, err := parseTime(endRaw, endField)
	if err != nil {
		return nil, err
	}

	room := &Room{ID: *req.RoomID, Status: DefaultStatus, StartedAt: now, EndedAt: now}
	if req.State != nil && *req.State != "" {
		room.Status = *req.State
	}
	if hasStart {
		room.StartedAt = started
	}
	if hasEnd {
		room.EndedAt = ended
	}

	seen := make(map[string]bool, len(req.Participants))
	for i, raw := range req.Participants {
		p, err := decodeParticipant(i, raw, req.PartsMeta)
		if err != nil {
			return nil, err
		}
		if seen[p.UserID] {
			continue
		}
		seen[p.UserID] = true
		if p.JoinedAt.IsZero() {
			p.JoinedAt = room.StartedAt
		}
		if hasEnd {
			left := ended
			p.LeftAt = &left
		}
		room.Participants = append(room.Participants, p)
	}
	return room, nil
}

func decodeParticipant(i int, raw json.RawMessage, meta map[string]json.RawMessage) (Participant, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		if id == "" {
			return Participant{}, invalid("participant[%d] must not be empty", i)
		}
		p := Participant{UserID: id}
		var m participantObject
		if rawMeta, ok := meta[id]; ok && json.Unmarshal(rawMeta, &m) == nil {
			t, ok, err := parseTime(m.JoinedAt, fmt.Sprintf("partsMeta.%s.joinedAt", id))
			if err != nil {
				return Participant{}, err
			}
			if ok {
				p.JoinedAt = t
			}
		}
		return p, nil
	}

	var obj participantObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Participant{}, invalid("participant[%d] must be an object", i)
	}
	if obj.UserID == nil || *obj.UserID == "" {
		return Participant{}, invalid("participant[%d].userId is required and must be a string", i)
	}
	p := Participant{UserID: *obj.UserID}
	t, ok, err := parseTime(obj.JoinedAt, fmt.Sprintf("participant[%d].joinedAt", i))
	if err != nil {
		return Participant{}, err
	}
	if ok {
		p.JoinedAt = t
	}
	return p, nil
}

func isAbsent(raw json.RawMessage) bool {
	s := bytes.TrimSpace(raw)
	return len(s) == 0 || bytes.Equal(s, []byte("null"))
}

// parseTime accepts epoch milliseconds (as a number or a digit string) or an
// RFC 3339 string. A missing or null value reports ok=false.
func parseTime(raw json.RawMessage, field string) (t time.Time, ok bool, err error) {
	if isAbsent(raw) {
		return time.Time{}, false, nil
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return time.Time{}, false, invalid("%s has unsupported type", field)
	}

	switch val := v.(type) {
	case json.Number:
		n = val
	case string:
		if val == "" {
			return time.Time{}, false, invalid("%s is required", field)
		}
		if _, err := strconv.ParseInt(val, 10, 64); err == nil {
			n = json.Number(val)
			break
		}
		parsed, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}, false, invalid("%s is not a valid ISO date string", field)
		}
		return parsed.UTC(), true, nil
	default:
		return time.Time{}, false, invalid("%s has unsupported type", field)
	}

	msec, err := n.Int64()
	if err != nil {
		return time.Time{}, false, invalid("%s is not a valid timestamp", field)
	}
	return time.UnixMilli(msec).UTC(), true, nil
}

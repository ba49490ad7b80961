package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// RoomPrefix is the Redis key prefix for room hashes. A room's joined
	// participants live in RoomKey(id) + PartsSuffix.
	RoomPrefix  = "room:"
	PartsSuffix = ":parts"

	RoomActive = "active"
	RoomEnded  = "ended"
)

func RoomKey(roomID string) string  { return RoomPrefix + roomID }
func PartsKey(roomID string) string { return RoomPrefix + roomID + PartsSuffix }

// Room is the ephemeral record created by the matching script.
type Room struct {
	ID           string
	State        string
	StartedAt    int64
	FinalizedAt  int64
	Participants []string
	Offerer      string
}

// Has reports whether userID is one of the room's participants.
func (r *Room) Has(userID string) bool {
	for _, p := range r.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Ended reports whether the room has been finalized.
func (r *Room) Ended() bool { return r.State == RoomEnded }

// PartMeta is the per-participant value stored in the parts hash.
type PartMeta struct {
	JoinedAt int64 `json:"joinedAt"`
}

// Room returns the room record, or nil if it does not exist.
func (s *Store) Room(ctx context.Context, roomID string) (*Room, error) {
	fields, err := s.rdb.HGetAll(ctx, RoomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: room %s: %w", roomID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	room := &Room{
		ID:          roomID,
		State:       fields["state"],
		StartedAt:   parseMillis(fields["startedAt"]),
		FinalizedAt: parseMillis(fields["finalizedAt"]),
		Offerer:     fields["offerer"],
	}
	if raw := fields["participants"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &room.Participants); err != nil {
			return nil, fmt.Errorf("presence: room %s: decode participants: %w", roomID, err)
		}
	}
	return room, nil
}

// RecordJoin stores the participant's first join time and returns how many
// participants have joined the room so far. A repeat join keeps the original
// timestamp and reports first=false.
func (s *Store) RecordJoin(ctx context.Context, roomID, userID string, at time.Time) (first bool, joined int64, err error) {
	meta, _ := json.Marshal(PartMeta{JoinedAt: at.UnixMilli()})

	var setCmd *redis.BoolCmd
	var lenCmd *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		setCmd = pipe.HSetNX(ctx, PartsKey(roomID), userID, meta)
		lenCmd = pipe.HLen(ctx, PartsKey(roomID))
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("presence: record join %s in %s: %w", userID, roomID, err)
	}
	return setCmd.Val(), lenCmd.Val(), nil
}

// Parts returns the join metadata of every participant that has joined.
func (s *Store) Parts(ctx context.Context, roomID string) (map[string]PartMeta, error) {
	raw, err := s.rdb.HGetAll(ctx, PartsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: parts %s: %w", roomID, err)
	}
	parts := make(map[string]PartMeta, len(raw))
	for uid, v := range raw {
		var m PartMeta
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("presence: parts %s: decode %s: %w", roomID, uid, err)
		}
		parts[uid] = m
	}
	return parts, nil
}

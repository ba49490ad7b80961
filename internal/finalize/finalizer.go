// Package finalize ends rooms. A room is ended exactly once by a Lua script
// that captures its roster, releases its participants and appends one
// finalize event to the durable stream.
package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/metrics"
	"github.com/tandem/server/internal/presence"
)

const (
	// DefaultStreamKey holds finalize events for the relay worker.
	DefaultStreamKey = "stream:ended_rooms"

	// StreamField is the entry field carrying the serialized event.
	StreamField = "room"

	// FallbackKey collects rooms whose finalize step itself failed.
	FallbackKey = "persist:retry"

	// StateEnded is the state recorded in finalize events.
	StateEnded = "ENDED"

	// retention keeps ended room records around for late readers.
	retention = 24 * time.Hour
)

var (
	ErrNoRoom       = errors.New("no-room")
	ErrAlreadyEnded = errors.New("already-ended")
)

// PartMeta is the per-participant metadata carried in an event.
type PartMeta struct {
	JoinedAt int64 `json:"joinedAt"`
}

// Event is the terminal record of a room, as written to the stream and
// delivered to the persistence endpoint.
type Event struct {
	RoomID       string              `json:"roomId"`
	Participants []string            `json:"participants"`
	PartsMeta    map[string]PartMeta `json:"partsMeta"`
	StartedAt    int64               `json:"startedAt"`
	FinalizedAt  int64               `json:"finalizedAt"`
	State        string              `json:"state"`
}

// Validate checks the fields every consumer relies on.
func (e *Event) Validate() error {
	if e.RoomID == "" {
		return errors.New("roomId is required")
	}
	if len(e.Participants) == 0 {
		return errors.New("participants must be a non-empty array")
	}
	for i, p := range e.Participants {
		if p == "" {
			return fmt.Errorf("participants[%d] must be a non-empty string", i)
		}
	}
	if e.StartedAt < 0 || e.FinalizedAt < 0 {
		return errors.New("timestamps must not be negative")
	}
	return nil
}

// Fallback is the side record written when finalizing errors.
type Fallback struct {
	RoomID string `json:"roomId"`
	Error  string `json:"error"`
	At     int64  `json:"at"`
}

// Finalizer ends rooms against Redis.
type Finalizer struct {
	rdb       *redis.Client
	script    *redis.Script
	streamKey string
}

// NewFinalizer appends events to streamKey, or DefaultStreamKey when empty.
func NewFinalizer(rdb *redis.Client, streamKey string) *Finalizer {
	if streamKey == "" {
		streamKey = DefaultStreamKey
	}
	return &Finalizer{
		rdb:       rdb,
		script:    redis.NewScript(finalizeLua),
		streamKey: streamKey,
	}
}

// Load preloads the finalize script.
func (f *Finalizer) Load(ctx context.Context) error {
	if err := f.script.Load(ctx, f.rdb).Err(); err != nil {
		return fmt.Errorf("finalize: load script: %w", err)
	}
	return nil
}

// Finalize ends roomID at now and returns the captured snapshot. It fails
// with ErrNoRoom for unknown rooms and ErrAlreadyEnded for rooms that were
// finalized before; neither emits an event.
func (f *Finalizer) Finalize(ctx context.Context, roomID string, now time.Time) (*Event, error) {
	keys := []string{presence.RoomKey(roomID), presence.PartsKey(roomID), f.streamKey}
	args := []interface{}{roomID, now.UnixMilli(), presence.UserPrefix, int64(retention / time.Second), StreamField}

	raw, err := f.script.Run(ctx, f.rdb, keys, args...).Text()
	if err != nil {
		metrics.RoomsFinalized.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("finalize: run script for %s: %w", roomID, err)
	}

	var res struct {
		Err   string `json:"err"`
		Event Event  `json:"event"`
	}
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		metrics.RoomsFinalized.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("finalize: decode result for %s: %w", roomID, err)
	}

	switch res.Err {
	case "":
	case ErrNoRoom.Error():
		metrics.RoomsFinalized.WithLabelValues("no_room").Inc()
		return nil, ErrNoRoom
	case ErrAlreadyEnded.Error():
		metrics.RoomsFinalized.WithLabelValues("already_ended").Inc()
		return nil, ErrAlreadyEnded
	default:
		metrics.RoomsFinalized.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("finalize: %s: %s", roomID, res.Err)
	}

	ev := res.Event
	if ev.PartsMeta == nil {
		ev.PartsMeta = map[string]PartMeta{}
	}
	metrics.RoomsFinalized.WithLabelValues("ok").Inc()
	log.Info().Str("module", "finalize").Str("room", roomID).Strs("participants", ev.Participants).Msg("room finalized")
	return &ev, nil
}

// RecordFallback pushes a best-effort record of a failed finalize onto
// FallbackKey.
func (f *Finalizer) RecordFallback(ctx context.Context, roomID string, cause error, now time.Time) error {
	data, err := json.Marshal(Fallback{RoomID: roomID, Error: cause.Error(), At: now.UnixMilli()})
	if err != nil {
		return fmt.Errorf("finalize: encode fallback: %w", err)
	}
	if err := f.rdb.LPush(ctx, FallbackKey, data).Err(); err != nil {
		return fmt.Errorf("finalize: push fallback for %s: %w", roomID, err)
	}
	return nil
}

// Ordinary reports whether err is an expected outcome rather than an
// infrastructure fault, so no fallback record is needed.
func Ordinary(err error) bool {
	return errors.Is(err, ErrNoRoom) || errors.Is(err, ErrAlreadyEnded)
}

// finalizeLua ends a room.
//
//	KEYS  room hash, parts hash, stream
//	ARGV  roomId, now (ms), user key prefix, retention (s), stream field
//
// Rooms are created by the matching script with two participants, so the
// participants table always encodes as a JSON array.
const finalizeLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return cjson.encode({err = 'no-room'})
end
if redis.call('HGET', KEYS[1], 'state') == 'ended' then
    return cjson.encode({err = 'already-ended'})
end

local participants = cjson.decode(redis.call('HGET', KEYS[1], 'participants') or '[]')
local startedAt = tonumber(redis.call('HGET', KEYS[1], 'startedAt') or '0') or 0
local now = tonumber(ARGV[2])

local partsMeta = {}
local raw = redis.call('HGETALL', KEYS[2])
for i = 1, #raw, 2 do
    partsMeta[raw[i]] = cjson.decode(raw[i + 1])
end

redis.call('HSET', KEYS[1], 'state', 'ended', 'finalizedAt', ARGV[2])

for _, uid in ipairs(participants) do
    local ukey = ARGV[3] .. uid
    if redis.call('HGET', ukey, 'currentRoom') == ARGV[1] then
        redis.call('HSET', ukey, 'currentRoom', '', 'status', 'available')
    end
end

local event = {
    roomId = ARGV[1],
    participants = participants,
    partsMeta = partsMeta,
    startedAt = startedAt,
    finalizedAt = now,
    state = 'ENDED',
}
redis.call('XADD', KEYS[3], '*', ARGV[5], cjson.encode(event))

local ttl = tonumber(ARGV[4])
if ttl and ttl > 0 then
    redis.call('EXPIRE', KEYS[1], ttl)
    redis.call('EXPIRE', KEYS[2], ttl)
end

return cjson.encode({event = event})
`

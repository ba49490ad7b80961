package matching

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tandem/server/internal/presence"
)

// DefaultStaleAfter is how long a waiting user stays matchable without a
// heartbeat.
const DefaultStaleAfter = 30 * time.Second

var (
	ErrNoPeer        = errors.New("matching: NO_PEER")
	ErrStalePeer     = errors.New("matching: STALE_PEER")
	ErrNotAvailable  = errors.New("matching: NOT_AVAILABLE")
	ErrAlreadyInRoom = errors.New("matching: ALREADY_IN_ROOM")
)

// InRoomError is returned when the requester already holds a room. RoomID is
// the room recorded in its presence, empty if only the status was set.
type InRoomError struct {
	RoomID string
}

func (e *InRoomError) Error() string {
	return ErrAlreadyInRoom.Error() + ": " + e.RoomID
}

func (e *InRoomError) Unwrap() error { return ErrAlreadyInRoom }

// Queued reports whether err leaves the requester waiting in the pool. Such
// outcomes are recoverable: the requester is matched by a later request.
func Queued(err error) bool {
	return errors.Is(err, ErrNoPeer) || errors.Is(err, ErrStalePeer) || errors.Is(err, ErrNotAvailable)
}

// Match is a successful pairing.
type Match struct {
	Requester string
	Peer      string
	RoomID    string
	MatchedAt int64 // epoch ms, part of the room id
}

// Offerer is the participant that starts call negotiation.
func (m *Match) Offerer() string {
	return Offerer(m.Requester, m.Peer)
}

// Offerer returns the lexicographically smaller of two user ids.
func Offerer(a, b string) string {
	if b < a {
		return b
	}
	return a
}

// CanonicalRoomID derives the room id of a pairing. Either peer computes the
// same id from the pair and the match timestamp.
func CanonicalRoomID(a, b string, matchedAt int64) string {
	if b < a {
		a, b = b, a
	}
	sum := sha1.Sum([]byte(a + ":" + b + ":" + strconv.FormatInt(matchedAt, 10)))
	return "room_" + hex.EncodeToString(sum[:])[:24]
}

// Engine pairs waiting users with a single Lua script, so concurrent requests
// on any number of server instances never pair one user twice.
type Engine struct {
	rdb        *redis.Client
	script     *redis.Script
	staleAfter time.Duration
}

// NewEngine creates an engine. A non-positive staleAfter uses
// DefaultStaleAfter.
func NewEngine(rdb *redis.Client, staleAfter time.Duration) *Engine {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Engine{
		rdb:        rdb,
		script:     redis.NewScript(matchLua),
		staleAfter: staleAfter,
	}
}

// Load preloads the script into Redis.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.script.Load(ctx, e.rdb).Err(); err != nil {
		return fmt.Errorf("matching: load script: %w", err)
	}
	return nil
}

type scriptResult struct {
	OK        bool   `json:"ok"`
	Err       string `json:"err"`
	Candidate string `json:"candidate"`
	RoomID    string `json:"roomId"`
	MatchedAt string `json:"matchedAt"`
}

// RequestMatch declares requesterID available and tries to pair it with the
// longest-waiting valid candidate. On ErrNoPeer, ErrStalePeer and
// ErrNotAvailable the requester stays queued.
func (e *Engine) RequestMatch(ctx context.Context, requesterID string, now time.Time) (*Match, error) {
	keys := []string{presence.AvailableKey, presence.AvailableByTimeKey}
	args := []interface{}{
		requesterID,
		now.UnixMilli(),
		e.staleAfter.Milliseconds(),
		presence.UserPrefix,
		presence.RoomPrefix,
	}

	raw, err := e.script.Run(ctx, e.rdb, keys, args...).Text()
	if err != nil {
		return nil, fmt.Errorf("matching: request %s: %w", requesterID, err)
	}

	var res scriptResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("matching: decode result %q: %w", raw, err)
	}

	switch res.Err {
	case "":
	case "NO_PEER":
		return nil, ErrNoPeer
	case "STALE_PEER":
		return nil, fmt.Errorf("%w: evicted %s", ErrStalePeer, res.Candidate)
	case "NOT_AVAILABLE":
		return nil, fmt.Errorf("%w: evicted %s", ErrNotAvailable, res.Candidate)
	case "ALREADY_IN_ROOM":
		return nil, &InRoomError{RoomID: res.RoomID}
	default:
		return nil, fmt.Errorf("matching: unexpected result %q", res.Err)
	}

	matchedAt, _ := strconv.ParseInt(res.MatchedAt, 10, 64)
	return &Match{
		Requester: requesterID,
		Peer:      res.Candidate,
		RoomID:    res.RoomID,
		MatchedAt: matchedAt,
	}, nil
}

// matchLua runs the whole pairing decision atomically.
//
//	KEYS[1] availability set, KEYS[2] availability time index
//	ARGV requester, now (ms), stale window (ms), user key prefix, room key prefix
const matchLua = `
local avail = KEYS[1]
local byTime = KEYS[2]
local me = ARGV[1]
local now = tonumber(ARGV[2])
local stale = tonumber(ARGV[3])
local userPrefix = ARGV[4]
local roomPrefix = ARGV[5]

-- bytewise order, independent of the server's collation locale
local function before(x, y)
    local n = math.min(#x, #y)
    for i = 1, n do
        local bx, by = string.byte(x, i), string.byte(y, i)
        if bx ~= by then return bx < by end
    end
    return #x < #y
end

local meKey = userPrefix .. me
local status = redis.call('HGET', meKey, 'status')
local current = redis.call('HGET', meKey, 'currentRoom')
if status == 'matched' or (current and current ~= '') then
    return cjson.encode({err = 'ALREADY_IN_ROOM', roomId = current or ''})
end

redis.call('HSET', meKey, 'userId', me, 'status', 'available', 'lastSeen', ARGV[2], 'currentRoom', '')
redis.call('SADD', avail, me)
redis.call('ZADD', byTime, now, me)

local candidate = nil
for _, id in ipairs(redis.call('ZRANGE', byTime, 0, -1)) do
    if id ~= me then
        if redis.call('SISMEMBER', avail, id) == 1 then
            candidate = id
            break
        end
        redis.call('ZREM', byTime, id)
    end
end
if not candidate then
    return cjson.encode({err = 'NO_PEER'})
end

local cKey = userPrefix .. candidate
local cStatus = redis.call('HGET', cKey, 'status')
local cRoom = redis.call('HGET', cKey, 'currentRoom')
local cSeen = tonumber(redis.call('HGET', cKey, 'lastSeen') or '0') or 0

if cStatus ~= 'available' or (cRoom and cRoom ~= '') then
    redis.call('SREM', avail, candidate)
    redis.call('ZREM', byTime, candidate)
    return cjson.encode({err = 'NOT_AVAILABLE', candidate = candidate})
end
if now - cSeen > stale then
    redis.call('SREM', avail, candidate)
    redis.call('ZREM', byTime, candidate)
    return cjson.encode({err = 'STALE_PEER', candidate = candidate})
end

local a, b = me, candidate
if before(b, a) then a, b = b, a end
local roomId = 'room_' .. string.sub(redis.sha1hex(a .. ':' .. b .. ':' .. ARGV[2]), 1, 24)

redis.call('SREM', avail, me, candidate)
redis.call('ZREM', byTime, me, candidate)
redis.call('HSET', meKey, 'status', 'matched', 'currentRoom', roomId)
redis.call('HSET', cKey, 'status', 'matched', 'currentRoom', roomId)
redis.call('HSET', roomPrefix .. roomId,
    'state', 'active',
    'startedAt', ARGV[2],
    'participants', cjson.encode({a, b}),
    'offerer', a)

return cjson.encode({ok = true, candidate = candidate, roomId = roomId, matchedAt = ARGV[2]})
`

// Package presence is the shared Redis record of who is online, who is
// waiting for a partner and which room each user currently occupies. It also
// owns the key layout of room records so every component agrees on it.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// UserPrefix is the Redis key prefix for per-user presence hashes.
	UserPrefix = "user:"

	// AvailableKey is the set of user ids waiting for a partner.
	AvailableKey = "available"

	// AvailableByTimeKey orders waiting users by their last declared time.
	AvailableByTimeKey = "available_by_time"

	StatusAvailable = "available"
	StatusMatched   = "matched"
)

// UserKey returns the presence hash key for a user.
func UserKey(userID string) string { return UserPrefix + userID }

// Record is a user's presence hash.
type Record struct {
	UserID      string `redis:"userId"`
	Status      string `redis:"status"`      // available | matched
	LastSeen    int64  `redis:"lastSeen"`    // epoch ms
	CurrentRoom string `redis:"currentRoom"` // empty when not in a room
}

// InRoom reports whether the record points at a room.
func (r *Record) InRoom() bool { return r.CurrentRoom != "" }

// Store reads and mutates presence and room records. Multi-key updates run
// as Lua scripts so they stay atomic with respect to the matching script.
type Store struct {
	rdb *redis.Client

	touchScript   *redis.Script
	claimScript   *redis.Script
	releaseScript *redis.Script
	evictScript   *redis.Script
}

// NewStore wraps an existing Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:           rdb,
		touchScript:   redis.NewScript(touchLua),
		claimScript:   redis.NewScript(claimRoomLua),
		releaseScript: redis.NewScript(releaseRoomLua),
		evictScript:   redis.NewScript(evictStaleLua),
	}
}

// Load preloads every script so the first call does not pay for EVAL.
func (s *Store) Load(ctx context.Context) error {
	for _, sc := range []*redis.Script{s.touchScript, s.claimScript, s.releaseScript, s.evictScript} {
		if err := sc.Load(ctx, s.rdb).Err(); err != nil {
			return fmt.Errorf("presence: load script: %w", err)
		}
	}
	return nil
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// Get returns the presence record for a user, or nil if none exists.
func (s *Store) Get(ctx context.Context, userID string) (*Record, error) {
	var rec Record
	if err := s.rdb.HGetAll(ctx, UserKey(userID)).Scan(&rec); err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	if rec.Status == "" && rec.LastSeen == 0 && rec.CurrentRoom == "" {
		return nil, nil
	}
	rec.UserID = userID
	return &rec, nil
}

// Touch refreshes lastSeen and, if the user is waiting, its position in the
// time index.
func (s *Store) Touch(ctx context.Context, userID string, now time.Time) error {
	keys := []string{UserKey(userID), AvailableKey, AvailableByTimeKey}
	if err := s.touchScript.Run(ctx, s.rdb, keys, userID, now.UnixMilli()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("presence: touch %s: %w", userID, err)
	}
	return nil
}

// IsAvailable reports whether the user is in the availability set.
func (s *Store) IsAvailable(ctx context.Context, userID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, AvailableKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: is available %s: %w", userID, err)
	}
	return ok, nil
}

// AvailableCount returns the size of the availability set.
func (s *Store) AvailableCount(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, AvailableKey).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: available count: %w", err)
	}
	return n, nil
}

// Waiting returns waiting user ids, oldest first.
func (s *Store) Waiting(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.ZRange(ctx, AvailableByTimeKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: waiting: %w", err)
	}
	return ids, nil
}

// Withdraw removes the user from the availability set and time index.
func (s *Store) Withdraw(ctx context.Context, userID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, AvailableKey, userID)
	pipe.ZRem(ctx, AvailableByTimeKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: withdraw %s: %w", userID, err)
	}
	return nil
}

// EvictStale withdraws every waiting user whose time-index entry is older
// than cutoff and returns their ids.
func (s *Store) EvictStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	keys := []string{AvailableKey, AvailableByTimeKey}
	ids, err := s.evictScript.Run(ctx, s.rdb, keys, cutoff.UnixMilli()).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence: evict stale: %w", err)
	}
	return ids, nil
}

// ClaimRoom points the user at roomID, marks them matched and drops them from
// the availability set. It returns false when the user already occupies a
// different room.
func (s *Store) ClaimRoom(ctx context.Context, userID, roomID string) (bool, error) {
	keys := []string{UserKey(userID), AvailableKey, AvailableByTimeKey}
	n, err := s.claimScript.Run(ctx, s.rdb, keys, userID, roomID).Int()
	if err != nil {
		return false, fmt.Errorf("presence: claim room %s for %s: %w", roomID, userID, err)
	}
	return n == 1, nil
}

// ReleaseRoom clears the user's room and returns them to available, but only
// while their record still points at roomID. It reports whether it did.
func (s *Store) ReleaseRoom(ctx context.Context, userID, roomID string) (bool, error) {
	n, err := s.releaseScript.Run(ctx, s.rdb, []string{UserKey(userID)}, roomID).Int()
	if err != nil {
		return false, fmt.Errorf("presence: release room %s for %s: %w", roomID, userID, err)
	}
	return n == 1, nil
}

func parseMillis(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

const touchLua = `
redis.call('HSET', KEYS[1], 'userId', ARGV[1], 'lastSeen', ARGV[2])
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
    redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
end
return 1
`

const claimRoomLua = `
local current = redis.call('HGET', KEYS[1], 'currentRoom')
if current and current ~= '' and current ~= ARGV[2] then
    return 0
end
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], 'userId', ARGV[1], 'status', 'matched', 'currentRoom', ARGV[2])
return 1
`

const releaseRoomLua = `
if redis.call('HGET', KEYS[1], 'currentRoom') == ARGV[1] then
    redis.call('HSET', KEYS[1], 'currentRoom', '', 'status', 'available')
    return 1
end
return 0
`

const evictStaleLua = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(ids) do
    redis.call('SREM', KEYS[1], id)
    redis.call('ZREM', KEYS[2], id)
end
return ids
`

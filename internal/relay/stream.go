// Package relay delivers finalize events from the Redis stream to the
// persistence endpoint. Workers share a consumer group; entries that fail
// transiently stay pending and are reclaimed with exponential backoff, and
// entries that can never succeed are moved to a dead-letter list.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream is the consumer-group view of the finalize stream a Worker needs.
type Stream interface {
	// EnsureGroup creates the consumer group (and stream) if missing.
	EnsureGroup(ctx context.Context) error
	// ReadNew reads up to count never-delivered entries, blocking up to block.
	ReadNew(ctx context.Context, count int64, block time.Duration) ([]redis.XMessage, error)
	// Pending returns up to count of the oldest pending entries.
	Pending(ctx context.Context, count int64) ([]redis.XPendingExt, error)
	// Claim takes ownership of ids idle for at least minIdle, bumping their
	// delivery counters, and returns the claimed entries.
	Claim(ctx context.Context, minIdle time.Duration, ids []string) ([]redis.XMessage, error)
	// Fetch returns the entries with the given ids that still exist.
	Fetch(ctx context.Context, ids []string) ([]redis.XMessage, error)
	// AckDelete acknowledges and deletes entries together.
	AckDelete(ctx context.Context, ids ...string) error
	// Trim caps the stream length approximately.
	Trim(ctx context.Context, maxLen int64) error
	// PendingCount returns the group's total pending entries.
	PendingCount(ctx context.Context) (int64, error)
}

// RedisStream implements Stream with go-redis.
type RedisStream struct {
	rdb      *redis.Client
	key      string
	group    string
	consumer string
}

func NewRedisStream(rdb *redis.Client, key, group, consumer string) *RedisStream {
	return &RedisStream{rdb: rdb, key: key, group: group, consumer: consumer}
}

func (s *RedisStream) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.key, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("relay: create group %s on %s: %w", s.group, s.key, err)
	}
	return nil
}

func (s *RedisStream) ReadNew(ctx context.Context, count int64, block time.Duration) ([]redis.XMessage, error) {
	streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relay: read new: %w", err)
	}
	var out []redis.XMessage
	for _, st := range streams {
		out = append(out, st.Messages...)
	}
	return out, nil
}

func (s *RedisStream) Pending(ctx context.Context, count int64) ([]redis.XPendingExt, error) {
	rows, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.key,
		Group:  s.group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("relay: pending: %w", err)
	}
	return rows, nil
}

func (s *RedisStream) Claim(ctx context.Context, minIdle time.Duration, ids []string) ([]redis.XMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.key,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("relay: claim: %w", err)
	}
	return msgs, nil
}

func (s *RedisStream) Fetch(ctx context.Context, ids []string) ([]redis.XMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.XMessageSliceCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.XRange(ctx, s.key, id, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("relay: fetch: %w", err)
	}
	var out []redis.XMessage
	for _, cmd := range cmds {
		out = append(out, cmd.Val()...)
	}
	return out, nil
}

func (s *RedisStream) AckDelete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, s.key, s.group, ids...)
		pipe.XDel(ctx, s.key, ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("relay: ack+delete %v: %w", ids, err)
	}
	return nil
}

func (s *RedisStream) Trim(ctx context.Context, maxLen int64) error {
	if err := s.rdb.XTrimMaxLenApprox(ctx, s.key, maxLen, 0).Err(); err != nil {
		return fmt.Errorf("relay: trim: %w", err)
	}
	return nil
}

func (s *RedisStream) PendingCount(ctx context.Context) (int64, error) {
	info, err := s.rdb.XPending(ctx, s.key, s.group).Result()
	if err != nil {
		return 0, fmt.Errorf("relay: pending summary: %w", err)
	}
	return info.Count, nil
}

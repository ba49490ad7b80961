package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tandem/server/internal/redistest"
)

const (
	testStream = "stream:ended_rooms"
	testGroup  = "persist"
)

func TestRedisStream_Lifecycle(t *testing.T) {
	rdb := redistest.New(t, 12)
	ctx := context.Background()
	s := NewRedisStream(rdb, testStream, testGroup, "worker-1")

	if err := s.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup failed: %v", err)
	}
	if err := s.EnsureGroup(ctx); err != nil {
		t.Fatalf("expected EnsureGroup to tolerate an existing group, got %v", err)
	}

	id := rdb.XAdd(ctx, &redis.XAddArgs{Stream: testStream, Values: map[string]interface{}{"room": testEvent}}).Val()

	msgs, err := s.ReadNew(ctx, 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadNew failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("expected entry %s, got %+v", id, msgs)
	}

	again, err := s.ReadNew(ctx, 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadNew failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no new entries, got %d", len(again))
	}

	rows, err := s.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(rows) != 1 || rows[0].RetryCount != 1 {
		t.Fatalf("expected 1 pending entry delivered once, got %+v", rows)
	}

	claimed, err := s.Claim(ctx, 0, []string{id})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Values["room"] != testEvent {
		t.Fatalf("expected claimed entry with payload, got %+v", claimed)
	}
	rows, _ = s.Pending(ctx, 10)
	if len(rows) != 1 || rows[0].RetryCount != 2 {
		t.Errorf("expected claim to bump the delivery count to 2, got %+v", rows)
	}

	fetched, err := s.Fetch(ctx, []string{id, "0-1"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(fetched) != 1 || fetched[0].ID != id {
		t.Errorf("expected only the existing entry, got %+v", fetched)
	}

	if n, err := s.PendingCount(ctx); err != nil || n != 1 {
		t.Errorf("expected pending count 1, got %d (%v)", n, err)
	}

	if err := s.AckDelete(ctx, id); err != nil {
		t.Fatalf("AckDelete failed: %v", err)
	}
	if n := rdb.XLen(ctx, testStream).Val(); n != 0 {
		t.Errorf("expected stream empty, got %d", n)
	}
	if n, _ := s.PendingCount(ctx); n != 0 {
		t.Errorf("expected nothing pending, got %d", n)
	}
}

func TestRedisStream_Trim(t *testing.T) {
	rdb := redistest.New(t, 12)
	ctx := context.Background()
	s := NewRedisStream(rdb, testStream, testGroup, "worker-1")

	for i := 0; i < 500; i++ {
		rdb.XAdd(ctx, &redis.XAddArgs{Stream: testStream, Values: map[string]interface{}{"room": "{}"}})
	}
	if err := s.Trim(ctx, 10); err != nil {
		t.Fatalf("Trim failed: %v", err)
	}
	if n := rdb.XLen(ctx, testStream).Val(); n >= 500 {
		t.Errorf("expected stream trimmed, got %d entries", n)
	}
}

func TestRedisSink_Dead(t *testing.T) {
	rdb := redistest.New(t, 12)
	ctx := context.Background()
	sink := NewRedisSink(rdb, "persist:dlq")

	rec := Record{ID: "1-0", Reason: ReasonHTTP4xx, At: 42, Status: 400, BodyText: "bad", Payload: json.RawMessage(testEvent)}
	if err := sink.Dead(ctx, rec); err != nil {
		t.Fatalf("Dead failed: %v", err)
	}

	var got Record
	if err := json.Unmarshal([]byte(rdb.LIndex(ctx, "persist:dlq", 0).Val()), &got); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if got.ID != "1-0" || got.Reason != ReasonHTTP4xx || got.Status != 400 || got.BodyText != "bad" {
		t.Errorf("unexpected dead letter: %+v", got)
	}
	var ev map[string]interface{}
	if err := json.Unmarshal(got.Payload, &ev); err != nil || ev["roomId"] != "room_abc" {
		t.Errorf("expected payload stored as JSON, got %s", got.Payload)
	}
}

func TestWorker_EndToEndOnRedis(t *testing.T) {
	rdb := redistest.New(t, 12)
	ctx := context.Background()
	s := NewRedisStream(rdb, testStream, testGroup, "worker-1")
	if err := s.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup failed: %v", err)
	}
	rdb.XAdd(ctx, &redis.XAddArgs{Stream: testStream, Values: map[string]interface{}{"room": testEvent}})
	rdb.XAdd(ctx, &redis.XAddArgs{Stream: testStream, Values: map[string]interface{}{"room": "not json"}})

	c := &clock{now: time.Now()}
	deliv := &scriptedDeliverer{clock: c, results: []Result{created}}
	w := NewWorker(s, deliv, NewRedisSink(rdb, "persist:dlq"), Config{Block: 50 * time.Millisecond})

	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if len(deliv.attempts) != 1 {
		t.Errorf("expected 1 delivery, got %d", len(deliv.attempts))
	}
	if n := rdb.XLen(ctx, testStream).Val(); n != 0 {
		t.Errorf("expected both entries removed, got %d", n)
	}
	if n := rdb.LLen(ctx, "persist:dlq").Val(); n != 1 {
		t.Errorf("expected 1 dead letter, got %d", n)
	}
}

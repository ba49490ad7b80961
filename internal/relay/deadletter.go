package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Dead-letter reasons.
const (
	ReasonMalformed         = "malformed_payload"
	ReasonHTTP4xx           = "http_4xx"
	ReasonTooManyDeliveries = "too_many_deliveries"
)

// Record is a dead-lettered stream entry. Payload holds the event when it
// was valid JSON; Raw holds the field value otherwise.
type Record struct {
	ID       string          `json:"id"`
	Reason   string          `json:"reason"`
	At       int64           `json:"at"`
	Status   int             `json:"status,omitempty"`
	BodyText string          `json:"bodyText,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Raw      string          `json:"raw,omitempty"`
}

// Sink stores dead letters.
type Sink interface {
	Dead(ctx context.Context, rec Record) error
}

// RedisSink pushes dead letters onto a Redis list, newest first.
type RedisSink struct {
	rdb *redis.Client
	key string
}

func NewRedisSink(rdb *redis.Client, key string) *RedisSink {
	return &RedisSink{rdb: rdb, key: key}
}

func (s *RedisSink) Dead(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("relay: encode dead letter %s: %w", rec.ID, err)
	}
	if err := s.rdb.LPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("relay: push dead letter %s: %w", rec.ID, err)
	}
	return nil
}

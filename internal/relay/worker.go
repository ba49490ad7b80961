package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/metrics"
)

// payloadFields are the entry fields that may carry the event, in order of
// preference.
var payloadFields = []string{"room", "payload"}

// Config tunes a Worker. Zero values fall back to DefaultConfig, except
// MaxRetries where zero dead-letters after the first failed delivery and a
// negative value selects the default.
type Config struct {
	Batch          int64
	Block          time.Duration
	MaxRetries     int64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	TrimMaxLen     int64         // 0 disables trimming
	LoopIdle       time.Duration // pause between iterations
	SummaryEvery   time.Duration // pending summary log interval
}

func DefaultConfig() Config {
	return Config{
		Batch:          10,
		Block:          2 * time.Second,
		MaxRetries:     5,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     60 * time.Second,
		TrimMaxLen:     20000,
		LoopIdle:       300 * time.Millisecond,
		SummaryEvery:   15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Batch <= 0 {
		c.Batch = d.Batch
	}
	if c.Block <= 0 {
		c.Block = d.Block
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.InitialBackoff)
	}
	if c.LoopIdle <= 0 {
		c.LoopIdle = d.LoopIdle
	}
	if c.SummaryEvery <= 0 {
		c.SummaryEvery = d.SummaryEvery
	}
	return c
}

// Backoff is how long an entry delivered deliveries times must sit idle
// before it is retried: initial doubled per earlier delivery, capped at max.
func Backoff(deliveries int64, initial, max time.Duration) time.Duration {
	d := initial
	for i := int64(1); i < deliveries; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Worker is one consumer-group member.
type Worker struct {
	stream  Stream
	deliver Deliverer
	sink    Sink
	cfg     Config
	now     func() time.Time
}

func NewWorker(stream Stream, deliverer Deliverer, sink Sink, cfg Config) *Worker {
	return &Worker{
		stream:  stream,
		deliver: deliverer,
		sink:    sink,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// claimMinIdle guards against stealing an entry another worker is retrying.
func (w *Worker) claimMinIdle() time.Duration {
	return max(w.cfg.InitialBackoff, time.Second)
}

// Run ensures the consumer group exists and processes the stream until ctx
// is cancelled. An iteration in progress when ctx ends is allowed to finish
// its deliveries and acknowledgements.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.stream.EnsureGroup(ctx); err != nil {
		return err
	}
	log.Info().Str("module", "relay").
		Int64("batch", w.cfg.Batch).
		Int64("max_retries", w.cfg.MaxRetries).
		Dur("initial_backoff", w.cfg.InitialBackoff).
		Dur("max_backoff", w.cfg.MaxBackoff).
		Msg("worker started")

	go w.logSummaries(ctx)

	idle := time.NewTimer(0)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "relay").Msg("worker stopped")
			return nil
		case <-idle.C:
		}

		if err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Str("module", "relay").Err(err).Msg("iteration failed")
		}
		idle.Reset(w.cfg.LoopIdle)
	}
}

// RunOnce performs one fresh pass, one pending pass and an optional trim.
func (w *Worker) RunOnce(ctx context.Context) error {
	if err := w.freshPass(ctx); err != nil {
		return err
	}
	work := context.WithoutCancel(ctx)
	if err := w.pendingPass(work); err != nil {
		return err
	}
	if w.cfg.TrimMaxLen > 0 {
		if err := w.stream.Trim(work, w.cfg.TrimMaxLen); err != nil {
			log.Warn().Str("module", "relay").Err(err).Msg("trim failed")
		}
	}
	return nil
}

func (w *Worker) freshPass(ctx context.Context) error {
	msgs, err := w.stream.ReadNew(ctx, w.cfg.Batch, w.cfg.Block)
	if err != nil {
		return err
	}
	w.process(context.WithoutCancel(ctx), msgs, "fresh")
	return nil
}

func (w *Worker) pendingPass(ctx context.Context) error {
	rows, err := w.stream.Pending(ctx, w.cfg.Batch)
	if err != nil {
		return err
	}

	var exhausted, due []string
	for _, row := range rows {
		switch {
		case row.RetryCount > w.cfg.MaxRetries:
			exhausted = append(exhausted, row.ID)
		case row.Idle >= Backoff(row.RetryCount, w.cfg.InitialBackoff, w.cfg.MaxBackoff):
			due = append(due, row.ID)
		}
	}

	if len(exhausted) > 0 {
		w.exhaust(ctx, exhausted)
	}
	if len(due) == 0 {
		return nil
	}

	claimed, err := w.stream.Claim(ctx, w.claimMinIdle(), due)
	if err != nil {
		return err
	}
	w.process(ctx, claimed, "retry")
	return nil
}

// exhaust dead-letters entries that ran out of deliveries, keeping their
// payload when it is still readable.
func (w *Worker) exhaust(ctx context.Context, ids []string) {
	byID := make(map[string]redis.XMessage, len(ids))
	if msgs, err := w.stream.Fetch(ctx, ids); err != nil {
		log.Warn().Str("module", "relay").Err(err).Msg("fetch exhausted entries")
	} else {
		for _, m := range msgs {
			byID[m.ID] = m
		}
	}

	for _, id := range ids {
		rec := Record{ID: id, Reason: ReasonTooManyDeliveries}
		if m, ok := byID[id]; ok {
			if payload, raw, ok := payloadOf(m); ok {
				rec.Payload = payload
			} else {
				rec.Raw = raw
			}
		}
		log.Warn().Str("module", "relay").Str("id", id).Msg("too many deliveries, dead-lettering")
		w.deadLetter(ctx, rec)
	}
}

func (w *Worker) process(ctx context.Context, msgs []redis.XMessage, pass string) {
	var delivered []string
	for _, m := range msgs {
		payload, raw, ok := payloadOf(m)
		if !ok {
			log.Warn().Str("module", "relay").Str("pass", pass).Str("id", m.ID).Msg("malformed payload")
			w.deadLetter(ctx, Record{ID: m.ID, Reason: ReasonMalformed, Raw: raw})
			continue
		}

		res := w.deliver.Deliver(ctx, payload)
		metrics.RelayDeliveries.WithLabelValues(res.Outcome.String()).Inc()
		switch res.Outcome {
		case Delivered:
			delivered = append(delivered, m.ID)
			log.Info().Str("module", "relay").Str("pass", pass).Str("id", m.ID).Str("room", roomIDOf(payload)).Msg("persisted room")
		case Permanent:
			log.Warn().Str("module", "relay").Str("pass", pass).Str("id", m.ID).Int("status", res.Status).Str("body", res.Body).Msg("endpoint rejected event")
			w.deadLetter(ctx, Record{ID: m.ID, Reason: ReasonHTTP4xx, Status: res.Status, BodyText: res.Body, Payload: payload})
		default:
			log.Warn().Str("module", "relay").Str("pass", pass).Str("id", m.ID).Err(res.Err).Msg("delivery failed, will retry")
		}
	}

	if err := w.stream.AckDelete(ctx, delivered...); err != nil {
		log.Error().Str("module", "relay").Err(err).Msg("ack delivered entries")
	}
}

// deadLetter records rec and removes its entry. If the record cannot be
// stored the entry stays pending and is handled again later.
func (w *Worker) deadLetter(ctx context.Context, rec Record) {
	rec.At = w.now().UnixMilli()
	if err := w.sink.Dead(ctx, rec); err != nil {
		log.Error().Str("module", "relay").Str("id", rec.ID).Err(err).Msg("dead-letter failed, keeping entry pending")
		return
	}
	metrics.RelayDeadLetters.WithLabelValues(rec.Reason).Inc()
	if err := w.stream.AckDelete(ctx, rec.ID); err != nil {
		log.Error().Str("module", "relay").Str("id", rec.ID).Err(err).Msg("ack dead-lettered entry")
	}
}

func (w *Worker) logSummaries(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SummaryEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.stream.PendingCount(ctx)
			if err != nil {
				log.Warn().Str("module", "relay").Err(err).Msg("pending summary failed")
				continue
			}
			metrics.RelayPending.Set(float64(n))
			log.Info().Str("module", "relay").Int64("pending", n).Msg("pending summary")
		}
	}
}

// payloadOf extracts the event. ok is false when no field holds a JSON
// object; raw is then the offending value.
func payloadOf(m redis.XMessage) (payload json.RawMessage, raw string, ok bool) {
	for _, f := range payloadFields {
		v, found := m.Values[f]
		if !found {
			continue
		}
		s, _ := v.(string)
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
			return nil, s, false
		}
		return json.RawMessage(s), s, true
	}
	return nil, "", false
}

func roomIDOf(payload json.RawMessage) string {
	var ev struct {
		RoomID string `json:"roomId"`
	}
	if json.Unmarshal(payload, &ev) != nil || ev.RoomID == "" {
		return "(no-id)"
	}
	return ev.RoomID
}

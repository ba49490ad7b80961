package matching

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/metrics"
)

// Notice tells a user they have been paired. It is published on the user's
// match.found subject so whichever server instance holds their connection
// can deliver it.
type Notice struct {
	PeerID    string `json:"peerId"`
	RoomID    string `json:"roomId"`
	Offerer   string `json:"offerer"`
	MatchedAt int64  `json:"matchedAt"`
}

// Notifier delivers a Notice to a user wherever they are connected.
type Notifier interface {
	NotifyMatch(ctx context.Context, userID string, n Notice) error
}

// NoticeFor builds the notice addressed to userID.
func NoticeFor(m *Match, userID string) Notice {
	peer := m.Peer
	if userID == m.Peer {
		peer = m.Requester
	}
	return Notice{
		PeerID:    peer,
		RoomID:    m.RoomID,
		Offerer:   m.Offerer(),
		MatchedAt: m.MatchedAt,
	}
}

// Service runs match requests against the engine and notifies the paired
// candidate. The requester learns the result from the return value.
type Service struct {
	engine   *Engine
	notifier Notifier
	now      func() time.Time
}

// NewService creates a match service.
func NewService(engine *Engine, notifier Notifier) *Service {
	return &Service{engine: engine, notifier: notifier, now: time.Now}
}

// Request attempts a pairing for userID. On success the candidate has been
// notified before Request returns; a failed notification is logged and does
// not undo the pairing, since the candidate's presence record already points
// at the room.
func (s *Service) Request(ctx context.Context, userID string) (*Match, error) {
	m, err := s.engine.RequestMatch(ctx, userID, s.now())
	if err != nil {
		metrics.MatchOutcomes.WithLabelValues(outcomeLabel(err)).Inc()
		if Queued(err) {
			log.Debug().Str("module", "matcher").Str("user", userID).Err(err).Msg("queued")
		}
		return nil, err
	}
	metrics.MatchOutcomes.WithLabelValues("matched").Inc()

	if err := s.notifier.NotifyMatch(ctx, m.Peer, NoticeFor(m, m.Peer)); err != nil {
		log.Error().Str("module", "matcher").Str("user", m.Peer).Str("room", m.RoomID).Err(err).Msg("notify candidate failed")
	}

	log.Info().Str("module", "matcher").
		Str("room", m.RoomID).
		Str("requester", m.Requester).
		Str("peer", m.Peer).
		Msg("matched")
	return m, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrNoPeer):
		return "no_peer"
	case errors.Is(err, ErrStalePeer):
		return "stale_peer"
	case errors.Is(err, ErrNotAvailable):
		return "not_available"
	case errors.Is(err, ErrAlreadyInRoom):
		return "already_in_room"
	default:
		return "error"
	}
}

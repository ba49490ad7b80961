package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/matching"
	"github.com/tandem/server/internal/room"
)

// MatchNotifier publishes match notices on match.found.<user_id>.
type MatchNotifier struct {
	nc *NATSClient
}

func NewMatchNotifier(nc *NATSClient) *MatchNotifier {
	return &MatchNotifier{nc: nc}
}

// NotifyMatch implements matching.Notifier.
func (n *MatchNotifier) NotifyMatch(_ context.Context, userID string, notice matching.Notice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("messaging: marshal notice: %w", err)
	}
	subject, err := matchSubject(userID)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish match.found for %s: %w", userID, err)
	}
	return nil
}

// SubscribeMatches delivers notices for userID to handler. The subscription
// is keyed by connection so several connections of one user each get it.
func (n *MatchNotifier) SubscribeMatches(connID, userID string, handler func(matching.Notice)) error {
	subject, err := matchSubject(userID)
	if err != nil {
		return err
	}
	return n.nc.Subscribe(matchKey(connID), subject, func(data []byte) {
		var notice matching.Notice
		if err := json.Unmarshal(data, &notice); err != nil {
			log.Warn().Str("module", "nats").Str("user", userID).Err(err).Msg("bad match notice")
			return
		}
		handler(notice)
	})
}

// UnsubscribeMatches drops the connection's match subscription.
func (n *MatchNotifier) UnsubscribeMatches(connID string) error {
	return n.nc.Unsubscribe(matchKey(connID))
}

func matchKey(connID string) string { return "match:" + connID }

// matchSubject builds a user's notice subject. The id must be a single
// literal token; a wildcard would subscribe to other users' notices.
func matchSubject(userID string) (string, error) {
	if userID == "" || strings.ContainsAny(userID, ".*> \t\r\n") {
		return "", fmt.Errorf("messaging: user id %q is not a valid subject token", userID)
	}
	return SubjectMatchFound + "." + userID, nil
}

// RoomFanout carries room envelopes between instances on room.<room_id>.
// Received envelopes go to the relay's Receive.
type RoomFanout struct {
	nc      *NATSClient
	receive func(room.Envelope)
}

// NewRoomFanout creates a fanout delivering to receive, normally
// (*room.Relay).Receive.
func NewRoomFanout(nc *NATSClient, receive func(room.Envelope)) *RoomFanout {
	return &RoomFanout{nc: nc, receive: receive}
}

// Publish implements room.Fanout.
func (f *RoomFanout) Publish(_ context.Context, env room.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("messaging: marshal envelope: %w", err)
	}
	return f.nc.Publish(SubjectRoom+"."+env.RoomID, data)
}

// Subscribe implements room.Fanout.
func (f *RoomFanout) Subscribe(roomID string) error {
	if err := f.nc.Subscribe(roomKey(roomID), SubjectRoom+"."+roomID, func(data []byte) {
		var env room.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Str("module", "nats").Str("room", roomID).Err(err).Msg("bad room envelope")
			return
		}
		f.receive(env)
	}); err != nil {
		return err
	}
	// Make sure the subscription is live before the join notice is published.
	return f.nc.Flush()
}

// Unsubscribe implements room.Fanout.
func (f *RoomFanout) Unsubscribe(roomID string) error {
	return f.nc.Unsubscribe(roomKey(roomID))
}

func roomKey(roomID string) string { return "room:" + roomID }

// Package gateway turns client events into calls on the matching, room and
// finalize services and writes the replies back to the connection.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/finalize"
	"github.com/tandem/server/internal/matching"
	"github.com/tandem/server/internal/protocol"
	"github.com/tandem/server/internal/ratelimit"
	"github.com/tandem/server/internal/room"
	"github.com/tandem/server/internal/ws"
)

const defaultTimeout = 5 * time.Second

// Matcher pairs users. *matching.Service implements it.
type Matcher interface {
	Request(ctx context.Context, userID string) (*matching.Match, error)
}

// MatchSubscriber delivers match notices addressed to a user.
// *messaging.MatchNotifier implements it.
type MatchSubscriber interface {
	SubscribeMatches(connID, userID string, handler func(matching.Notice)) error
	UnsubscribeMatches(connID string) error
}

// Finalizer ends rooms. *finalize.Finalizer implements it.
type Finalizer interface {
	Finalize(ctx context.Context, roomID string, now time.Time) (*finalize.Event, error)
	RecordFallback(ctx context.Context, roomID string, cause error, now time.Time) error
}

// Presence is the part of the presence store driven by connection activity.
type Presence interface {
	Touch(ctx context.Context, userID string, now time.Time) error
	Withdraw(ctx context.Context, userID string) error
}

// Limiter throttles actions per user. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Deps are the services a Gateway drives. Limiter may be nil.
type Deps struct {
	Relay     *room.Relay
	Matcher   Matcher
	Matches   MatchSubscriber
	Finalizer Finalizer
	Presence  Presence
	Limiter   Limiter
}

// Gateway handles client events for one server instance.
type Gateway struct {
	relay     *room.Relay
	matcher   Matcher
	matches   MatchSubscriber
	finalizer Finalizer
	presence  Presence
	limiter   Limiter

	timeout time.Duration
	now     func() time.Time
}

func New(d Deps) *Gateway {
	return &Gateway{
		relay:     d.Relay,
		matcher:   d.Matcher,
		matches:   d.Matches,
		finalizer: d.Finalizer,
		presence:  d.Presence,
		limiter:   d.Limiter,
		timeout:   defaultTimeout,
		now:       time.Now,
	}
}

// Attach registers the gateway's handlers and connection callbacks.
func (g *Gateway) Attach(srv *ws.Server, d *ws.MessageDispatcher) {
	d.Register(func(c *ws.Connection, msgType string, msg interface{}) {
		g.Handle(c, msgType, msg)
	},
		protocol.TypeMatchRequest,
		protocol.TypeRoomJoin,
		protocol.TypeRoomLeave,
		protocol.TypeChatSend,
		protocol.TypeRoomEnd,
		protocol.TypeRTCOffer,
		protocol.TypeRTCAnswer,
		protocol.TypeRTCCandidate,
		protocol.TypeRTCLeave,
	)
	d.SetOnPing(func(c *ws.Connection) { g.Heartbeat(c) })
	srv.SetOnPong(func(c *ws.Connection) { g.Heartbeat(c) })
	srv.SetOnConnect(func(c *ws.Connection) { g.Connect(c) })
	srv.SetOnDisconnect(func(c *ws.Connection) { g.Disconnect(c) })
}

// Handle runs one parsed client event for s.
func (g *Gateway) Handle(s room.Session, msgType string, msg interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	switch m := msg.(type) {
	case protocol.MatchRequestMsg:
		g.requestMatch(ctx, s)
	case protocol.ChatSendMsg:
		g.send(ctx, s, m)
	case protocol.SignalMsg:
		g.signal(ctx, s, msgType, m)
	case protocol.RoomMsg:
		switch msgType {
		case protocol.TypeRoomJoin:
			g.join(ctx, s, m.RoomID)
		case protocol.TypeRoomLeave, protocol.TypeRTCLeave:
			g.leave(ctx, s, m.RoomID)
		case protocol.TypeRoomEnd:
			g.end(ctx, s, m.RoomID)
		}
	default:
		log.Warn().Str("module", "gateway").Str("type", msgType).Msgf("unexpected payload %T", msg)
	}
}

// Connect subscribes the connection to match notices for its user.
func (g *Gateway) Connect(s room.Session) {
	err := g.matches.SubscribeMatches(s.ConnID(), s.UserID(), func(n matching.Notice) {
		g.matched(s, n)
	})
	if err != nil {
		log.Error().Str("module", "gateway").Str("conn", s.ConnID()).Str("user", s.UserID()).Err(err).Msg("subscribe matches failed")
	}
}

// Disconnect leaves the connection's rooms and takes the user out of the
// pool.
func (g *Gateway) Disconnect(s room.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	g.relay.Disconnect(ctx, s)
	if err := g.matches.UnsubscribeMatches(s.ConnID()); err != nil {
		log.Warn().Str("module", "gateway").Str("conn", s.ConnID()).Err(err).Msg("unsubscribe matches failed")
	}
	if err := g.presence.Withdraw(ctx, s.UserID()); err != nil {
		log.Warn().Str("module", "gateway").Str("user", s.UserID()).Err(err).Msg("withdraw failed")
	}
}

// Heartbeat refreshes the user's lastSeen.
func (g *Gateway) Heartbeat(s room.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	if err := g.presence.Touch(ctx, s.UserID(), g.now()); err != nil {
		log.Warn().Str("module", "gateway").Str("user", s.UserID()).Err(err).Msg("touch failed")
	}
}

func (g *Gateway) allow(ctx context.Context, s room.Session, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	// Allow fails open and has already logged any error.
	ok, _ := g.limiter.Allow(ctx, s.UserID(), rule)
	return ok
}

func (g *Gateway) requestMatch(ctx context.Context, s room.Session) {
	if !g.allow(ctx, s, ratelimit.RuleMatch) {
		reply(s, protocol.TypeMatchError, protocol.MatchErrorMsg{Error: "rate-limited"})
		return
	}

	m, err := g.matcher.Request(ctx, s.UserID())
	switch {
	case err == nil:
	case matching.Queued(err):
		reply(s, protocol.TypeMatchQueued, protocol.MatchQueuedMsg{})
		return
	case errors.Is(err, matching.ErrAlreadyInRoom):
		// The room id lets a client that lost its connection leave the room.
		msg := protocol.MatchErrorMsg{Error: "already-in-room"}
		var inRoom *matching.InRoomError
		if errors.As(err, &inRoom) {
			msg.RoomID = inRoom.RoomID
		}
		reply(s, protocol.TypeMatchError, msg)
		return
	default:
		log.Error().Str("module", "gateway").Str("user", s.UserID()).Err(err).Msg("match request failed")
		reply(s, protocol.TypeMatchError, protocol.MatchErrorMsg{Error: "match_failed"})
		return
	}

	g.matched(s, matching.NoticeFor(m, s.UserID()))
}

// matched tells the connection about its pairing and joins it to the room.
func (g *Gateway) matched(s room.Session, n matching.Notice) {
	reply(s, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		PeerID:    n.PeerID,
		RoomID:    n.RoomID,
		Offerer:   n.Offerer,
		MatchedAt: n.MatchedAt,
	})

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	g.join(ctx, s, n.RoomID)
}

func (g *Gateway) join(ctx context.Context, s room.Session, roomID string) {
	if err := g.relay.Join(ctx, s, roomID); err != nil {
		log.Info().Str("module", "gateway").Str("user", s.UserID()).Str("room", roomID).Err(err).Msg("join rejected")
		reply(s, protocol.TypeChatError, protocol.ChatErrorMsg{Error: room.ClientError(err)})
	}
}

func (g *Gateway) leave(ctx context.Context, s room.Session, roomID string) {
	if err := g.relay.Leave(ctx, s, roomID); err != nil {
		reply(s, protocol.TypeChatError, protocol.ChatErrorMsg{Error: room.ClientError(err)})
	}
}

func (g *Gateway) send(ctx context.Context, s room.Session, m protocol.ChatSendMsg) {
	if !g.allow(ctx, s, ratelimit.RuleChat) {
		reply(s, protocol.TypeChatError, protocol.ChatErrorMsg{Error: "rate-limited"})
		return
	}
	if err := g.relay.Send(ctx, s, m.RoomID, m.Text); err != nil {
		reply(s, protocol.TypeChatError, protocol.ChatErrorMsg{Error: room.ClientError(err)})
	}
}

// signal forwards a negotiation message to the other member with the sender
// filled in.
func (g *Gateway) signal(ctx context.Context, s room.Session, msgType string, m protocol.SignalMsg) {
	m.From = s.UserID()
	frame, err := protocol.NewServerMessage(msgType, m)
	if err != nil {
		log.Error().Str("module", "gateway").Str("type", msgType).Err(err).Msg("encode signal")
		return
	}
	if err := g.relay.Forward(ctx, s, m.RoomID, frame); err != nil {
		log.Debug().Str("module", "gateway").Str("user", s.UserID()).Str("room", m.RoomID).Str("type", msgType).Err(err).Msg("signal dropped")
	}
}

// end finalizes the room, confirms to the requester, tells every member and
// removes them from the room.
func (g *Gateway) end(ctx context.Context, s room.Session, roomID string) {
	if roomID == "" {
		roomID = s.ActiveRoom()
	}
	if roomID == "" {
		reply(s, protocol.TypeEndError, protocol.EndErrorMsg{Error: "roomId required"})
		return
	}

	if err := g.relay.CheckParticipant(ctx, roomID, s.UserID()); err != nil {
		if !errors.Is(err, room.ErrNotParticipant) {
			log.Error().Str("module", "gateway").Str("room", roomID).Err(err).Msg("participant check failed")
		}
		reply(s, protocol.TypeEndError, protocol.EndErrorMsg{RoomID: roomID, Error: room.ClientError(err)})
		return
	}

	now := g.now()
	ev, err := g.finalizer.Finalize(ctx, roomID, now)
	if err != nil {
		if !finalize.Ordinary(err) {
			log.Error().Str("module", "gateway").Str("room", roomID).Err(err).Msg("finalize failed")
			if ferr := g.finalizer.RecordFallback(context.WithoutCancel(ctx), roomID, err, now); ferr != nil {
				log.Error().Str("module", "gateway").Str("room", roomID).Err(ferr).Msg("record fallback failed")
			}
		}
		reply(s, protocol.TypeEndError, protocol.EndErrorMsg{RoomID: roomID, Error: err.Error()})
		return
	}

	parts := make(map[string]protocol.PartMeta, len(ev.PartsMeta))
	for user, pm := range ev.PartsMeta {
		parts[user] = protocol.PartMeta{JoinedAt: pm.JoinedAt}
	}
	reply(s, protocol.TypeEndOK, protocol.EndOKMsg{
		RoomID:       ev.RoomID,
		Participants: ev.Participants,
		PartsMeta:    parts,
		StartedAt:    ev.StartedAt,
		FinalizedAt:  ev.FinalizedAt,
		State:        ev.State,
	})

	ended := protocol.MustServerMessage(protocol.TypeChatSystem, protocol.ChatSystemMsg{RoomID: roomID, Text: "Chat ended"})
	if err := g.relay.Broadcast(ctx, roomID, ended); err != nil {
		log.Warn().Str("module", "gateway").Str("room", roomID).Err(err).Msg("broadcast end failed")
	}
	if err := g.relay.Evict(ctx, roomID); err != nil {
		log.Warn().Str("module", "gateway").Str("room", roomID).Err(err).Msg("evict failed")
	}
}

func reply(s room.Session, msgType string, payload interface{}) {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Str("module", "gateway").Str("type", msgType).Err(err).Msg("encode reply")
		return
	}
	if err := s.Send(frame); err != nil {
		log.Warn().Str("module", "gateway").Str("conn", s.ConnID()).Str("type", msgType).Err(err).Msg("send reply")
	}
}

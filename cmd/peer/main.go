// Command peer is a headless Tandem participant. It connects to a websocket
// server, asks for a match, joins the room and negotiates a WebRTC call with
// a silent audio track, then ends or leaves the room.
//
// Usage:
//
//	go run ./cmd/peer -user alice [-url ws://localhost:8080/ws] [-hold 20s] [-end]
//
// Two peers started against the same server pair with each other.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/client"
	"github.com/tandem/server/internal/config"
	"github.com/tandem/server/internal/logging"
	"github.com/tandem/server/internal/negotiation"
	"github.com/tandem/server/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "websocket server URL")
	user := flag.String("user", "", "user id to connect as")
	wait := flag.Duration("wait", 2*time.Minute, "how long to wait for a match")
	hold := flag.Duration("hold", 20*time.Second, "how long to keep the call up")
	end := flag.Bool("end", false, "finalize the room instead of leaving it")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty)
	if *user == "" {
		log.Fatal().Msg("-user is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.Dial(dialCtx, *url, *user)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("connect")
	}
	defer c.Close()
	log.Info().Str("conn", c.ConnID()).Str("user", *user).Msg("connected")

	found, err := awaitMatch(ctx, c, *wait)
	if err != nil {
		log.Fatal().Err(err).Msg("match")
	}
	log.Info().Str("room", found.RoomID).Str("peer", found.PeerID).Str("offerer", found.Offerer).Msg("matched")

	conn, err := negotiation.NewPionConnection(negotiation.DefaultWebRTCConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("create peer connection")
	}
	peer := negotiation.NewPeer(negotiation.Config{
		RoomID:   found.RoomID,
		SelfID:   *user,
		Media:    negotiation.SyntheticMedia{StreamID: *user},
		Signaler: client.NewSignaler(c),
		OnState: func(s negotiation.State) {
			log.Info().Str("state", string(s)).Msg("call state")
		},
	}, conn)

	callCtx, callCancel := context.WithCancel(ctx)
	defer callCancel()
	conn.Bind(callCtx, peer)
	client.Bridge(callCtx, c, found.RoomID, peer)
	go peer.Run(callCtx)

	c.On(protocol.TypeChatSystem, func(raw json.RawMessage) {
		log.Info().RawJSON("event", raw).Msg("system")
	})
	if err := c.Send(protocol.TypeChatSend, protocol.ChatSendMsg{RoomID: found.RoomID, Text: "hello from " + *user}); err != nil {
		log.Warn().Err(err).Msg("send greeting")
	}

	select {
	case <-time.After(*hold):
	case <-peer.Done():
	case <-c.Done():
		log.Warn().Msg("server closed the connection")
	case <-ctx.Done():
	}

	if *end {
		finish(c, found.RoomID)
	} else {
		peer.Post(context.Background(), negotiation.Close{NotifyRemote: true})
		c.Send(protocol.TypeRoomLeave, protocol.RoomMsg{RoomID: found.RoomID})
	}
	callCancel()
	<-peer.Done()
	log.Info().Str("state", string(peer.State())).Msg("call over")
}

// awaitMatch requests a match and retries while queued until a match:found
// arrives, either as the reply or as a notice from another request.
func awaitMatch(ctx context.Context, c *client.Client, wait time.Duration) (protocol.MatchFoundMsg, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	found := make(chan protocol.MatchFoundMsg, 1)
	go func() {
		var m protocol.MatchFoundMsg
		if err := c.ExpectInto(ctx, protocol.TypeMatchFound, &m); err == nil {
			found <- m
		}
	}()

	// Stay under the match:request rate limit.
	retry := time.NewTicker(7 * time.Second)
	defer retry.Stop()
	for {
		if err := c.Send(protocol.TypeMatchRequest, protocol.MatchRequestMsg{}); err != nil {
			return protocol.MatchFoundMsg{}, err
		}
		select {
		case m := <-found:
			return m, nil
		case <-ctx.Done():
			return protocol.MatchFoundMsg{}, ctx.Err()
		case <-retry.C:
			log.Debug().Msg("still queued, asking again")
		}
	}
}

func finish(c *client.Client, roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Send(protocol.TypeRoomEnd, protocol.RoomMsg{RoomID: roomID}); err != nil {
		log.Error().Err(err).Msg("send room:end")
		return
	}
	var ok protocol.EndOKMsg
	if err := c.ExpectInto(ctx, protocol.TypeEndOK, &ok); err != nil {
		log.Error().Err(err).Msg("await end:ok")
		return
	}
	log.Info().Str("room", ok.RoomID).Strs("participants", ok.Participants).Int64("finalized_at", ok.FinalizedAt).Msg("room ended")
}

package ws

import (
	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/protocol"
)

// MessageHandler handles one parsed client event. msg is the struct returned
// by protocol.ParseClientMessage, e.g. protocol.ChatSendMsg.
type MessageHandler func(conn *Connection, msgType string, msg interface{})

// MessageDispatcher routes client frames to handlers by event type. It
// answers ping itself and replies with an error event to frames it cannot
// parse or route.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	onPing   func(conn *Connection)
}

func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a handler with one or more event types, replacing any
// previous registration.
func (d *MessageDispatcher) Register(handler MessageHandler, msgTypes ...string) {
	for _, t := range msgTypes {
		d.handlers[t] = handler
	}
}

// SetOnPing registers a callback run for every ping before the pong is sent.
func (d *MessageDispatcher) SetOnPing(fn func(conn *Connection)) {
	d.onPing = fn
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Debug().Str("module", "ws").Str("conn", conn.ID).Err(err).Msg("parse error")
		sendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		if d.onPing != nil {
			d.onPing(conn)
		}
		Reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Debug().Str("module", "ws").Str("conn", conn.ID).Str("type", msgType).Msg("unsupported type")
		sendError(conn, "unsupported_type", "unsupported message type")
		return
	}
	handler(conn, msgType, msg)
}

// Reply encodes and writes a server event to conn, logging failures.
func Reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Str("module", "ws").Str("type", msgType).Err(err).Msg("encode reply")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Warn().Str("module", "ws").Str("conn", conn.ID).Str("type", msgType).Err(err).Msg("send reply")
	}
}

func sendError(conn *Connection, code, message string) {
	Reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

package ws

import (
	"context"
	"log"
	"time"
	"unicode/utf8"

	"github.com/chessd/backend/internal/game"
	"github.com/chessd/backend/internal/protocol"
)

// Dispatcher routes a parsed WebSocket text frame to the game registry
// operation matching its "type" discriminator. Per the protocol's flat,
// fixed set of client message types, this is a single switch rather than a
// per-type handler registry — there is no runtime extension point to
// justify one.
type Dispatcher struct {
	games *game.Registry
}

// NewDispatcher binds a Dispatcher to the game registry it forwards to.
func NewDispatcher(games *game.Registry) *Dispatcher {
	return &Dispatcher{games: games}
}

// Dispatch validates and parses data as one client message and routes it.
// conn.GameID and conn.ID (the session id) identify which game and seat the
// message applies to; conn must already be attached (see Server.handleUpgrade).
func (d *Dispatcher) Dispatch(ctx context.Context, conn *Connection, data []byte) {
	if !utf8.Valid(data) {
		sendErrorFrame(conn, "frame is not valid UTF-8")
		return
	}

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[ws] parse error session=%s: %v", conn.ID, err)
		sendErrorFrame(conn, "malformed message")
		return
	}
	if msg == nil {
		log.Printf("[ws] unrecognized message type=%q session=%s, ignoring", msgType, conn.ID)
		return
	}

	switch msgType {
	case protocol.TypeHandshake:
		ack, encErr := protocol.NewServerMessage(protocol.TypeHandshakeAck, protocol.HandshakeAckMsg{Type: protocol.TypeHandshakeAck})
		if encErr == nil {
			_ = conn.WriteMessage(ack)
		}

	case protocol.TypeMove:
		m := msg.(protocol.MoveMsg)
		d.games.HandleMove(ctx, conn.GameID, conn.ID, m.Normalize())

	case protocol.TypeResign:
		d.games.HandleResign(ctx, conn.GameID, conn.ID)

	case protocol.TypeOfferDraw:
		d.games.HandleOfferDraw(conn.GameID, conn.ID)

	case protocol.TypeAcceptDraw:
		d.games.HandleAcceptDraw(ctx, conn.GameID, conn.ID)

	case protocol.TypeDeclineDraw:
		d.games.HandleDeclineDraw(conn.GameID, conn.ID)

	case protocol.TypeCancelDrawOffer:
		d.games.HandleCancelDrawOffer(conn.GameID, conn.ID)

	case protocol.TypePong:
		conn.LastPing = time.Now()

	default:
		log.Printf("[ws] unhandled message type=%q session=%s", msgType, conn.ID)
	}
}

// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeHandshake       = "handshake"
	TypeMove            = "move"
	TypeResign          = "resign"
	TypeOfferDraw       = "offer_draw"
	TypeAcceptDraw      = "accept_draw"
	TypeDeclineDraw     = "decline_draw"
	TypeCancelDrawOffer = "cancel_draw_offer"
	TypePong            = "pong"
)

// Server -> Client message types.
const (
	TypeGameStart            = "game_start"
	TypeMoveUpdate           = "move_update"
	TypeGameOver             = "game_over"
	TypeDrawOffered          = "draw_offered"
	TypeDrawAccepted         = "draw_accepted"
	TypeDrawDeclined         = "draw_declined"
	TypeDrawCancelled        = "draw_cancelled"
	TypeOpponentDisconnected = "opponent_disconnected"
	TypeHandshakeAck         = "handshake_ack"
	TypeError                = "error"
	TypeHeartbeat            = "heartbeat"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// HandshakeMsg is the first message a client sends once its WebSocket
// connection is attached to a paired game.
type HandshakeMsg struct {
	Type string `json:"type"`
}

// MoveMsg carries a move submission. Clients may send either the combined
// algebraic form ({"move":"e2e4"}) or the split form ({"from":"e2","to":"e4"});
// Normalize folds the latter into the former so downstream code only ever
// deals with one representation.
type MoveMsg struct {
	Type string `json:"type"`
	Move string `json:"move,omitempty"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// Normalize returns the move in combined algebraic form, deriving it from
// From and To when Move was not supplied directly.
func (m MoveMsg) Normalize() string {
	if m.Move != "" {
		return m.Move
	}
	return m.From + m.To
}

// ResignMsg is sent by a player to forfeit the game immediately.
type ResignMsg struct {
	Type string `json:"type"`
}

// OfferDrawMsg proposes a draw to the opponent.
type OfferDrawMsg struct {
	Type string `json:"type"`
}

// AcceptDrawMsg accepts the opponent's pending draw offer, ending the game.
type AcceptDrawMsg struct {
	Type string `json:"type"`
}

// DeclineDrawMsg rejects the opponent's pending draw offer.
type DeclineDrawMsg struct {
	Type string `json:"type"`
}

// CancelDrawOfferMsg withdraws a draw offer the sender previously made.
type CancelDrawOfferMsg struct {
	Type string `json:"type"`
}

// PongMsg answers a server heartbeat; receipt is proof of liveness only, no
// further action is taken on it.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// GameStartMsg is sent to both players as soon as their connections attach to
// a freshly paired game.
type GameStartMsg struct {
	Type        string   `json:"type"`
	Opponent    string   `json:"opponent"`
	Color       string   `json:"color"`
	FEN         string   `json:"fen"`
	LegalMoves  []string `json:"legal_moves"`
	CurrentTurn string   `json:"current_turn"`
}

// MoveUpdateMsg is broadcast to both players after an accepted, non-terminal
// move.
type MoveUpdateMsg struct {
	Type       string   `json:"type"`
	LastMove   string   `json:"last_move"`
	FEN        string   `json:"fen"`
	LegalMoves []string `json:"legal_moves"`
	NextTurn   string   `json:"next_turn"`
}

// GameOverMsg is broadcast once a game reaches a terminal state: checkmate,
// stalemate, resignation, an accepted draw, or an administrative inactivity
// close (which credits neither side).
type GameOverMsg struct {
	Type   string `json:"type"`
	Winner string `json:"winner"` // "white", "black", "draw", or "" when neither side is credited
	Reason string `json:"reason"`
}

// DrawOfferedMsg notifies a player's opponent that a draw has been proposed.
type DrawOfferedMsg struct {
	Type string `json:"type"`
}

// DrawAcceptedMsg notifies the offering player that their draw offer was
// accepted; a GameOverMsg follows immediately after.
type DrawAcceptedMsg struct {
	Type string `json:"type"`
}

// DrawDeclinedMsg notifies the offering player that their draw offer was
// rejected.
type DrawDeclinedMsg struct {
	Type string `json:"type"`
}

// DrawCancelledMsg notifies a player's opponent that a draw offer was
// withdrawn.
type DrawCancelledMsg struct {
	Type string `json:"type"`
}

// OpponentDisconnectedMsg notifies the remaining player that their opponent's
// connection has closed. The game is not ended by this message alone; the
// registry sweeper closes it, without a winner, once it has been idle past
// the inactivity limit.
type OpponentDisconnectedMsg struct {
	Type string `json:"type"`
}

// HandshakeAckMsg answers a client HandshakeMsg once the connection is fully
// attached.
type HandshakeAckMsg struct {
	Type string `json:"type"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// HeartbeatMsg is the shape of a text heartbeat message. The server's
// heartbeat sweep (see internal/ws/heartbeat.go) sends WebSocket ping frames
// and does not send this message.
type HeartbeatMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An unknown or server-only type is not an
// error: it is returned with a nil message and a nil error, and callers treat
// that case as "log and ignore" rather than as a protocol violation.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeHandshake:
		var m HandshakeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMove:
		var m MoveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeResign:
		var m ResignMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOfferDraw:
		var m OfferDrawMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAcceptDraw:
		var m AcceptDrawMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeclineDraw:
		var m DeclineDrawMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelDrawOffer:
		var m CancelDrawOfferMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		// Unrecognized type values are not a parse failure: spec §4.F
		// dispatches them to "log and ignore" rather than rejecting the
		// frame, so the envelope's type is returned with a nil message and
		// no error.
		return env.Type, nil, nil
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server -> client message structs above; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

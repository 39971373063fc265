// Package game holds the in-memory game registry: the per-game state
// machine covering move brokering through the engine pool, disconnection,
// resignation, draw negotiation, and ELO settlement.
package game

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/chessd/backend/internal/engine"
	"github.com/chessd/backend/internal/protocol"
	"github.com/chessd/backend/internal/session"
)

// Color identifies a side. Status identifies the game's lifecycle phase.
type Color string

const (
	ColorWhite Color = "white"
	ColorBlack Color = "black"
)

type Status string

const (
	StatusOngoing  Status = "ongoing"
	StatusFinished Status = "finished"
)

const inactivityLimit = 1800 * time.Second

// Conn is the minimal outbound-write surface a game needs from a
// WebSocket connection, satisfied by *ws.Connection without this package
// importing the transport layer.
type Conn interface {
	WriteMessage(data []byte) error
}

// Player is one side's seat at the board.
type Player struct {
	UserID      int64
	Username    string
	SessionID   string
	Color       Color
	Elo         int
	Conn        Conn
	DrawOffered bool // true iff this player currently has an outstanding draw offer
}

// Game is one ongoing or just-finished match. All access beyond
// construction goes through the Registry, which holds the lock.
type Game struct {
	GameID      string
	Player1     Player
	Player2     Player
	FEN         string
	Moves       []string
	CurrentTurn Color
	LegalMoves  []string
	Status      Status
	Winner      string // "white", "black", "draw", or ""
	Reason      string
	CreatedAt   time.Time
	LastMoveAt  time.Time
}

func (g *Game) playerByColor(c Color) *Player {
	if g.Player1.Color == c {
		return &g.Player1
	}
	return &g.Player2
}

func (g *Game) playerBySession(sessionID string) (*Player, *Player, bool) {
	if g.Player1.SessionID == sessionID {
		return &g.Player1, &g.Player2, true
	}
	if g.Player2.SessionID == sessionID {
		return &g.Player2, &g.Player1, true
	}
	return nil, nil, false
}

func (g *Game) playerByUser(userID int64) (*Player, bool) {
	if g.Player1.UserID == userID {
		return &g.Player1, true
	}
	if g.Player2.UserID == userID {
		return &g.Player2, true
	}
	return nil, false
}

// Registry holds every live game, keyed by game_id.
type Registry struct {
	pool  *engine.Pool
	users *session.UserStore

	mu    sync.Mutex
	games map[string]*Game
}

// NewRegistry constructs an empty Registry.
func NewRegistry(pool *engine.Pool, users *session.UserStore) *Registry {
	return &Registry{
		pool:  pool,
		users: users,
		games: make(map[string]*Game),
	}
}

// Register installs a freshly created game, normally called only by the
// matchmaking loop's create_game step.
func (r *Registry) Register(g *Game) {
	r.mu.Lock()
	r.games[g.GameID] = g
	r.mu.Unlock()
}

// Get returns the game for game_id, or nil if none exists.
func (r *Registry) Get(gameID string) *Game {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.games[gameID]
}

// GameIDForUser returns the id of an ongoing game the user is seated in,
// if any — used by /game and /home/search to reject a second match while
// one is active.
func (r *Registry) GameIDForUser(userID int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, g := range r.games {
		if g.Status != StatusOngoing {
			continue
		}
		if g.Player1.UserID == userID || g.Player2.UserID == userID {
			return id, true
		}
	}
	return "", false
}

// GameIDForSession returns the id of an ongoing game the session is seated
// in, if any — used by the WebSocket upgrade handler to support a
// reconnect into a game whose matchmaking result was already consumed by an
// earlier connection attempt.
func (r *Registry) GameIDForSession(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, g := range r.games {
		if g.Status != StatusOngoing {
			continue
		}
		if g.Player1.SessionID == sessionID || g.Player2.SessionID == sessionID {
			return id, true
		}
	}
	return "", false
}

// Attach installs a live connection into the player slot matching
// sessionID and returns the game and both players (self, opponent). It
// returns ok=false if the game or the session's seat doesn't exist.
func (r *Registry) Attach(gameID, sessionID string, conn Conn) (*Game, Player, Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[gameID]
	if !ok {
		return nil, Player{}, Player{}, false
	}
	self, opp, ok := g.playerBySession(sessionID)
	if !ok {
		return nil, Player{}, Player{}, false
	}
	self.Conn = conn
	return g, *self, *opp, true
}

// HandleDisconnect clears the player's connection slot and, if the game is
// still ongoing, notifies the remaining peer. The game itself is left
// ongoing; only the inactivity sweeper ever reaps it, closing it without a
// winner.
func (r *Registry) HandleDisconnect(gameID, sessionID string) {
	r.mu.Lock()
	g, ok := r.games[gameID]
	if !ok {
		r.mu.Unlock()
		return
	}
	self, opp, ok := g.playerBySession(sessionID)
	if !ok {
		r.mu.Unlock()
		return
	}
	self.Conn = nil
	stillOngoing := g.Status == StatusOngoing
	oppConn := opp.Conn
	r.mu.Unlock()

	if stillOngoing && oppConn != nil {
		sendTo(oppConn, protocol.TypeOpponentDisconnected, protocol.OpponentDisconnectedMsg{Type: protocol.TypeOpponentDisconnected})
	}
}

// HandleMove verifies turn order, submits the move to the engine pool, and
// applies the result. On success it broadcasts move_update (or runs
// terminal settlement if the engine reports a winner); on failure it
// replies to the moving player alone with a typed error.
func (r *Registry) HandleMove(ctx context.Context, gameID, sessionID, move string) {
	r.mu.Lock()
	g, ok := r.games[gameID]
	if !ok {
		r.mu.Unlock()
		return
	}
	self, _, ok := g.playerBySession(sessionID)
	if !ok {
		r.mu.Unlock()
		return
	}
	if g.Status != StatusOngoing {
		conn := self.Conn
		r.mu.Unlock()
		sendErr(conn, "game is not ongoing")
		return
	}
	if g.CurrentTurn != self.Color {
		conn := self.Conn
		r.mu.Unlock()
		sendErr(conn, "not your turn")
		return
	}
	fen := g.FEN
	moverConn := self.Conn
	r.mu.Unlock()

	resp := r.pool.Submit(gameID, engine.Request{Reason: engine.ReasonMove, FEN: fen, Moves: move}, 5*time.Second)
	if resp == nil || !resp.Valid() {
		sendErr(moverConn, "illegal move")
		return
	}

	r.mu.Lock()
	g, ok = r.games[gameID]
	if !ok {
		r.mu.Unlock()
		return
	}
	g.FEN = resp.FEN
	g.Moves = append(g.Moves, move)
	g.LegalMoves = resp.PossibleMoves
	g.LastMoveAt = time.Now()
	if resp.Winner != "" {
		winner := resp.Winner
		reason := resp.Reason
		r.mu.Unlock()
		r.settle(ctx, gameID, winner, reason)
		return
	}
	g.CurrentTurn = opposite(g.CurrentTurn)
	p1, p2 := g.Player1.Conn, g.Player2.Conn
	update := protocol.MoveUpdateMsg{
		Type:       protocol.TypeMoveUpdate,
		LastMove:   move,
		FEN:        g.FEN,
		LegalMoves: g.LegalMoves,
		NextTurn:   string(g.CurrentTurn),
	}
	r.mu.Unlock()

	broadcast(protocol.TypeMoveUpdate, update, p1, p2)
}

// HandleResign ends the game immediately in favor of the non-resigning
// color.
func (r *Registry) HandleResign(ctx context.Context, gameID, sessionID string) {
	r.mu.Lock()
	g, ok := r.games[gameID]
	if !ok || g.Status != StatusOngoing {
		r.mu.Unlock()
		return
	}
	self, _, ok := g.playerBySession(sessionID)
	if !ok {
		r.mu.Unlock()
		return
	}
	winner := string(opposite(self.Color))
	r.mu.Unlock()
	r.settle(ctx, gameID, winner, "resignation")
}

// HandleOfferDraw forwards a draw_offered notification to the opponent.
func (r *Registry) HandleOfferDraw(gameID, sessionID string) {
	r.mu.Lock()
	g, ok := r.games[gameID]
	if !ok || g.Status != StatusOngoing {
		r.mu.Unlock()
		return
	}
	self, opp, ok := g.playerBySession(sessionID)
	if !ok {
		r.mu.Unlock()
		return
	}
	self.DrawOffered = true
	oppConn := opp.Conn
	r.mu.Unlock()
	sendTo(oppConn, protocol.TypeDrawOffered, protocol.DrawOfferedMsg{Type: protocol.TypeDrawOffered})
}

// HandleAcceptDraw notifies the offering player their draw was accepted,
// then ends the game as a draw.
func (r *Registry) HandleAcceptDraw(ctx context.Context, gameID, sessionID string) {
	r.mu.Lock()
	g, ok := r.games[gameID]
	if !ok || g.Status != StatusOngoing {
		r.mu.Unlock()
		return
	}
	_, opp, ok := g.playerBySession(sessionID)
	if !ok || !opp.DrawOffered {
		r.mu.Unlock()
		return
	}
	oppConn := opp.Conn
	r.mu.Unlock()
	sendTo(oppConn, protocol.TypeDrawAccepted, protocol.DrawAcceptedMsg{Type: protocol.TypeDrawAccepted})
	r.settle(ctx, gameID, "draw", "agreement")
}

// HandleDeclineDraw notifies the offering player their offer was rejected.
func (r *Registry) HandleDeclineDraw(gameID, sessionID string) {
	r.mu.Lock()
	g, ok := r.games[gameID]
	if !ok || g.Status != StatusOngoing {
		r.mu.Unlock()
		return
	}
	_, opp, ok := g.playerBySession(sessionID)
	if !ok {
		r.mu.Unlock()
		return
	}
	opp.DrawOffered = false
	oppConn := opp.Conn
	r.mu.Unlock()
	sendTo(oppConn, protocol.TypeDrawDeclined, protocol.DrawDeclinedMsg{Type: protocol.TypeDrawDeclined})
}

// HandleCancelDrawOffer withdraws a draw offer the sender previously made.
func (r *Registry) HandleCancelDrawOffer(gameID, sessionID string) {
	r.mu.Lock()
	g, ok := r.games[gameID]
	if !ok || g.Status != StatusOngoing {
		r.mu.Unlock()
		return
	}
	self, opp, ok := g.playerBySession(sessionID)
	if !ok {
		r.mu.Unlock()
		return
	}
	self.DrawOffered = false
	oppConn := opp.Conn
	r.mu.Unlock()
	sendTo(oppConn, protocol.TypeDrawCancelled, protocol.DrawCancelledMsg{Type: protocol.TypeDrawCancelled})
}

// settle applies ELO and win/draw/loss updates, broadcasts game_over, and
// removes the game from the registry. winner is "white", "black", or
// "draw"; reason is a short machine-readable cause ("checkmate",
// "resignation", "agreement", "timeout", "opponent_disconnected", …).
func (r *Registry) settle(ctx context.Context, gameID, winner, reason string) {
	r.mu.Lock()
	g, ok := r.games[gameID]
	if !ok || g.Status != StatusOngoing {
		r.mu.Unlock()
		return
	}
	g.Status = StatusFinished
	g.Winner = winner
	g.Reason = reason
	p1, p2 := g.Player1, g.Player2
	conn1, conn2 := g.Player1.Conn, g.Player2.Conn
	r.mu.Unlock()

	applySettlement(ctx, r.users, p1, p2, winner)

	over := protocol.GameOverMsg{Type: protocol.TypeGameOver, Winner: winner, Reason: reason}
	broadcast(protocol.TypeGameOver, over, conn1, conn2)

	r.mu.Lock()
	delete(r.games, gameID)
	r.mu.Unlock()
}

// applySettlement computes and applies the ELO delta and counter increments
// for both players given the game outcome. K=32 throughout.
func applySettlement(ctx context.Context, users *session.UserStore, p1, p2 Player, winner string) {
	const k = 32.0
	e1 := 1.0 / (1.0 + math.Pow(10, float64(p2.Elo-p1.Elo)/400.0))
	e2 := 1.0 / (1.0 + math.Pow(10, float64(p1.Elo-p2.Elo)/400.0))

	var s1, s2 float64
	var out1, out2 session.Outcome
	switch winner {
	case "":
		return // administrative close (sweeper timeout): no result to settle
	case "draw":
		s1, s2 = 0.5, 0.5
		out1, out2 = session.OutcomeDraw, session.OutcomeDraw
	case string(p1.Color):
		s1, s2 = 1, 0
		out1, out2 = session.OutcomeWin, session.OutcomeLoss
	case string(p2.Color):
		s1, s2 = 0, 1
		out1, out2 = session.OutcomeLoss, session.OutcomeWin
	default:
		log.Printf("[game] settle: unrecognized winner %q, skipping ELO update", winner)
		return
	}

	d1 := int(math.Round(k * (s1 - e1)))
	d2 := int(math.Round(k * (s2 - e2)))

	if err := users.ApplyTerminalSettlement(ctx, p1.UserID, p1.Elo+d1, out1); err != nil {
		log.Printf("[game] settlement for user %d failed: %v", p1.UserID, err)
	}
	if err := users.ApplyTerminalSettlement(ctx, p2.UserID, p2.Elo+d2, out2); err != nil {
		log.Printf("[game] settlement for user %d failed: %v", p2.UserID, err)
	}
}

// Sweep removes every finished game and every game idle for more than
// inactivityLimit. An idle game is closed administratively with no winner:
// game_over carries an empty winner and neither player's ELO or counters
// change. Intended to run on the same tick as the engine pool's auto-scaler.
func (r *Registry) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-inactivityLimit)
	r.mu.Lock()
	var expired []string
	for id, g := range r.games {
		if g.Status == StatusFinished || g.LastMoveAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.mu.Lock()
		g, ok := r.games[id]
		if !ok {
			r.mu.Unlock()
			continue
		}
		alreadyFinished := g.Status == StatusFinished
		r.mu.Unlock()

		if alreadyFinished {
			r.mu.Lock()
			delete(r.games, id)
			r.mu.Unlock()
			continue
		}
		log.Printf("[game] sweeping inactive game %s", id)
		r.settle(ctx, id, "", "timeout")
	}
}

// Count returns the number of games currently held in the registry
// (ongoing or awaiting sweep), for statistics gauges.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.games)
}

func opposite(c Color) Color {
	if c == ColorWhite {
		return ColorBlack
	}
	return ColorWhite
}

func sendTo(c Conn, msgType string, payload interface{}) {
	if c == nil {
		return
	}
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[game] encoding %s: %v", msgType, err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("[game] writing %s: %v", msgType, err)
	}
}

func sendErr(c Conn, message string) {
	sendTo(c, protocol.TypeError, protocol.ErrorMsg{Type: protocol.TypeError, Message: message})
}

func broadcast(msgType string, payload interface{}, conns ...Conn) {
	for _, c := range conns {
		sendTo(c, msgType, payload)
	}
}

// Package matchmaking implements the FIFO candidate queue that turns a
// stream of players wanting a match into paired games: a dedup-by-user_id
// waiting list, a staleness purge, and a ticker-driven pairing loop that
// hands freshly created games to the game registry.
package matchmaking

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/chessd/backend/internal/engine"
	"github.com/chessd/backend/internal/game"
	"github.com/chessd/backend/internal/metrics"
	"github.com/chessd/backend/internal/serverstate"
	"github.com/chessd/backend/internal/session"
)

const startingFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Candidate is one session waiting to be paired.
type Candidate struct {
	UserID    int64
	Username  string
	SessionID string
	Timestamp time.Time
}

// Loop owns the waiting list and the result map consulted by the
// WebSocket upgrade handler. All exported methods are concurrency-safe.
type Loop struct {
	sessions  *session.Store
	users     *session.UserStore
	pool      *engine.Pool
	games     *game.Registry
	state     *serverstate.State
	staleness time.Duration

	incoming chan Candidate

	mu       sync.Mutex
	waiting []Candidate
	dedup   map[int64]struct{}
	results map[string]string // session_id -> game_id
}

// New constructs a Loop. Call Run in its own goroutine to start pairing.
func New(sessions *session.Store, users *session.UserStore, pool *engine.Pool, games *game.Registry, state *serverstate.State, staleness time.Duration) *Loop {
	return &Loop{
		sessions:  sessions,
		users:     users,
		pool:      pool,
		games:     games,
		state:     state,
		staleness: staleness,
		incoming:  make(chan Candidate, 256),
		dedup:     make(map[int64]struct{}),
		results:   make(map[string]string),
	}
}

// Enqueue submits a candidate for pairing. Returns false if the user is
// already waiting.
func (l *Loop) Enqueue(c Candidate) bool {
	l.mu.Lock()
	if _, dup := l.dedup[c.UserID]; dup {
		l.mu.Unlock()
		return false
	}
	l.dedup[c.UserID] = struct{}{}
	l.mu.Unlock()

	c.Timestamp = time.Now()
	select {
	case l.incoming <- c:
		return true
	case <-time.After(time.Second):
		l.mu.Lock()
		delete(l.dedup, c.UserID)
		l.mu.Unlock()
		return false
	}
}

// Cancel removes user_id from the waiting list if present.
func (l *Loop) Cancel(userID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, waiting := l.dedup[userID]; !waiting {
		return false
	}
	out := l.waiting[:0:0]
	removed := false
	for _, c := range l.waiting {
		if c.UserID == userID {
			removed = true
			continue
		}
		out = append(out, c)
	}
	l.waiting = out
	delete(l.dedup, userID)
	return removed
}

// ResultFor consults and clears the session's pairing result, if any.
func (l *Loop) ResultFor(sessionID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	gameID, ok := l.results[sessionID]
	if ok {
		delete(l.results, sessionID)
	}
	return gameID, ok
}

// QueueDepth reports the current waiting-list length, for statistics.
func (l *Loop) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiting)
}

// Run drains the incoming channel and pairs candidates until the
// process-wide shutdown latch is raised. Intended to be started once in
// its own goroutine.
func (l *Loop) Run() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-l.state.Done():
			return
		case c := <-l.incoming:
			l.admit(c)
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) admit(c Candidate) {
	l.mu.Lock()
	l.waiting = append(l.waiting, c)
	l.mu.Unlock()
}

func (l *Loop) tick() {
	l.purgeStale()
	for {
		p1, p2, ok := l.popPair()
		if !ok {
			return
		}
		if !l.pair(p1, p2) {
			l.mu.Lock()
			l.waiting = append([]Candidate{p1, p2}, l.waiting...)
			l.mu.Unlock()
			return
		}
	}
}

func (l *Loop) purgeStale() {
	cutoff := time.Now().Add(-l.staleness)
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.waiting[:0:0]
	for _, c := range l.waiting {
		if c.Timestamp.Before(cutoff) {
			delete(l.dedup, c.UserID)
			log.Printf("[matcher] purged stale candidate user=%d", c.UserID)
			continue
		}
		out = append(out, c)
	}
	l.waiting = out
}

func (l *Loop) popPair() (Candidate, Candidate, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiting) < 2 {
		return Candidate{}, Candidate{}, false
	}
	p1, p2 := l.waiting[0], l.waiting[1]
	l.waiting = l.waiting[2:]
	delete(l.dedup, p1.UserID)
	delete(l.dedup, p2.UserID)
	return p1, p2, true
}

// pair re-validates both sessions and attempts to create a game. Returns
// false (caller should retry the same pair later) only when createGame
// returns an error. An engine that does not answer the validate request is
// not such an error: createGame then registers the game with an empty
// legal-move list. An invalid session silently drops the pair and the
// function still returns true so the tick loop keeps making progress.
func (l *Loop) pair(c1, c2 Candidate) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s1, err1 := l.sessions.Get(ctx, c1.SessionID)
	s2, err2 := l.sessions.Get(ctx, c2.SessionID)
	if err1 != nil || err2 != nil || s1 == nil || s2 == nil {
		log.Printf("[matcher] dropping pair user=%d,%d: stale session", c1.UserID, c2.UserID)
		return true
	}
	if s1.UserID != c1.UserID || s2.UserID != c2.UserID {
		log.Printf("[matcher] dropping pair: session_id no longer matches enqueued user")
		return true
	}

	u1, err := l.users.GetUser(ctx, c1.UserID)
	if err != nil {
		log.Printf("[matcher] dropping pair: user %d lookup failed: %v", c1.UserID, err)
		return true
	}
	u2, err := l.users.GetUser(ctx, c2.UserID)
	if err != nil {
		log.Printf("[matcher] dropping pair: user %d lookup failed: %v", c2.UserID, err)
		return true
	}

	g, err := l.createGame(c1, u1, c2, u2)
	if err != nil {
		log.Printf("[matcher] create_game failed, reinserting pair: %v", err)
		return false
	}

	l.mu.Lock()
	l.results[c1.SessionID] = g.GameID
	l.results[c2.SessionID] = g.GameID
	l.mu.Unlock()

	oldest := c1.Timestamp
	if c2.Timestamp.Before(oldest) {
		oldest = c2.Timestamp
	}
	metrics.MatchDuration.Observe(time.Since(oldest).Seconds())

	log.Printf("[matcher] paired %s vs %s into %s", u1.Username, u2.Username, g.GameID)
	return true
}

func (l *Loop) createGame(c1 Candidate, u1 session.User, c2 Candidate, u2 session.User) (*game.Game, error) {
	gameID := fmt.Sprintf("game_%d_%04d", time.Now().Unix(), rand.Intn(10000))

	white, black := u1, u2
	whiteSess, blackSess := c1, c2
	if rand.Intn(2) == 1 {
		white, black = u2, u1
		whiteSess, blackSess = c2, c1
	}

	resp := l.pool.Submit(gameID, engine.Request{Reason: engine.ReasonValidate, FEN: startingFEN}, 5*time.Second)
	var legalMoves []string
	if resp != nil {
		legalMoves = resp.PossibleMoves
	}

	g := &game.Game{
		GameID: gameID,
		Player1: game.Player{
			UserID: white.UserID, Username: white.Username, SessionID: whiteSess.SessionID,
			Color: game.ColorWhite, Elo: white.Elo,
		},
		Player2: game.Player{
			UserID: black.UserID, Username: black.Username, SessionID: blackSess.SessionID,
			Color: game.ColorBlack, Elo: black.Elo,
		},
		FEN:         startingFEN,
		CurrentTurn: game.ColorWhite,
		LegalMoves:  legalMoves,
		Status:      game.StatusOngoing,
		CreatedAt:   time.Now(),
		LastMoveAt:  time.Now(),
	}

	l.games.Register(g)
	return g, nil
}

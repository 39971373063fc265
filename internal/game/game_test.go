package game

import (
	"context"
	"testing"
	"time"
)

type fakeConn struct {
	sent [][]byte
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}

func newTestGame(id string) *Game {
	return &Game{
		GameID:      id,
		Player1:     Player{UserID: 1, Username: "alice", SessionID: "s1", Color: ColorWhite, Elo: 500},
		Player2:     Player{UserID: 2, Username: "bob", SessionID: "s2", Color: ColorBlack, Elo: 500},
		FEN:         "startpos",
		CurrentTurn: ColorWhite,
		Status:      StatusOngoing,
		CreatedAt:   time.Now(),
		LastMoveAt:  time.Now(),
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil, nil)
	g := newTestGame("game_1")
	r.Register(g)

	if got := r.Get("game_1"); got != g {
		t.Fatalf("expected Get to return the registered game")
	}
	if id, ok := r.GameIDForUser(1); !ok || id != "game_1" {
		t.Errorf("expected GameIDForUser(1) to find game_1, got %q ok=%v", id, ok)
	}
	if id, ok := r.GameIDForUser(999); ok {
		t.Errorf("expected GameIDForUser(999) to find nothing, got %q", id)
	}
	if id, ok := r.GameIDForSession("s2"); !ok || id != "game_1" {
		t.Errorf("expected GameIDForSession(s2) to find game_1, got %q ok=%v", id, ok)
	}
}

func TestRegistry_Attach(t *testing.T) {
	r := NewRegistry(nil, nil)
	g := newTestGame("game_2")
	r.Register(g)

	conn := &fakeConn{}
	got, self, opp, ok := r.Attach("game_2", "s1", conn)
	if !ok {
		t.Fatalf("expected Attach to succeed for a known session")
	}
	if got.GameID != "game_2" {
		t.Errorf("expected the attached game to be game_2")
	}
	if self.Color != ColorWhite || opp.Color != ColorBlack {
		t.Errorf("expected self=white opp=black, got self=%s opp=%s", self.Color, opp.Color)
	}
	if g.Player1.Conn != conn {
		t.Errorf("expected the connection to be installed on player1's slot")
	}

	if _, _, _, ok := r.Attach("game_2", "unknown-session", &fakeConn{}); ok {
		t.Errorf("expected Attach to fail for an unknown session")
	}
	if _, _, _, ok := r.Attach("no-such-game", "s1", &fakeConn{}); ok {
		t.Errorf("expected Attach to fail for an unknown game")
	}
}

func TestRegistry_HandleDisconnect_NotifiesOpponent(t *testing.T) {
	r := NewRegistry(nil, nil)
	g := newTestGame("game_3")
	oppConn := &fakeConn{}
	g.Player1.Conn = &fakeConn{}
	g.Player2.Conn = oppConn
	r.Register(g)

	r.HandleDisconnect("game_3", "s1")

	if g.Player1.Conn != nil {
		t.Errorf("expected the disconnecting player's connection slot to be cleared")
	}
	if g.Status != StatusOngoing {
		t.Errorf("expected disconnect to leave the game ongoing (only the sweeper reaps it)")
	}
	if len(oppConn.sent) != 1 {
		t.Fatalf("expected exactly one message sent to the opponent, got %d", len(oppConn.sent))
	}
}

func TestRegistry_HandleDisconnect_UnknownGameIsNoop(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.HandleDisconnect("no-such-game", "s1")
}

func TestRegistry_Sweep_RemovesAlreadyFinishedGames(t *testing.T) {
	r := NewRegistry(nil, nil)
	g := newTestGame("game_4")
	g.Status = StatusFinished
	r.Register(g)

	r.Sweep(context.Background())

	if r.Get("game_4") != nil {
		t.Errorf("expected a finished game to be removed from the registry on sweep")
	}
}

func TestRegistry_Count(t *testing.T) {
	r := NewRegistry(nil, nil)
	if r.Count() != 0 {
		t.Fatalf("expected a fresh registry to be empty")
	}
	r.Register(newTestGame("game_5"))
	r.Register(newTestGame("game_6"))
	if r.Count() != 2 {
		t.Errorf("expected count 2, got %d", r.Count())
	}
}

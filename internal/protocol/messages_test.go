package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid move message, both wire shapes
// ---------------------------------------------------------------------------

func TestParseClientMessage_MoveCombined(t *testing.T) {
	input := []byte(`{"type":"move","move":"e2e4"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMove {
		t.Fatalf("expected type %q, got %q", TypeMove, msgType)
	}

	mv, ok := msg.(MoveMsg)
	if !ok {
		t.Fatalf("expected MoveMsg, got %T", msg)
	}
	if got := mv.Normalize(); got != "e2e4" {
		t.Errorf("expected normalized move %q, got %q", "e2e4", got)
	}
}

func TestParseClientMessage_MoveSplit(t *testing.T) {
	input := []byte(`{"type":"move","from":"e2","to":"e4"}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mv, ok := msg.(MoveMsg)
	if !ok {
		t.Fatalf("expected MoveMsg, got %T", msg)
	}
	if got := mv.Normalize(); got != "e2e4" {
		t.Errorf("expected normalized move %q, got %q", "e2e4", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid resign message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Resign(t *testing.T) {
	input := []byte(`{"type":"resign"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeResign {
		t.Fatalf("expected type %q, got %q", TypeResign, msgType)
	}
	if _, ok := msg.(ResignMsg); !ok {
		t.Fatalf("expected ResignMsg, got %T", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a game_start server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_GameStart(t *testing.T) {
	payload := GameStartMsg{
		Opponent:    "alice",
		Color:       "white",
		FEN:         "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
		LegalMoves:  []string{"e2e4", "d2d4"},
		CurrentTurn: "white",
	}

	data, err := NewServerMessage(TypeGameStart, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeGameStart {
		t.Errorf("expected type %q, got %v", TypeGameStart, result["type"])
	}
	if result["opponent"] != "alice" {
		t.Errorf("expected opponent %q, got %v", "alice", result["opponent"])
	}

	moves, ok := result["legal_moves"].([]interface{})
	if !ok {
		t.Fatalf("expected legal_moves to be an array, got %T", result["legal_moves"])
	}
	if len(moves) != 2 {
		t.Fatalf("expected 2 legal moves, got %d", len(moves))
	}
	if moves[0] != "e2e4" || moves[1] != "d2d4" {
		t.Errorf("unexpected legal moves: %v", moves)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type is reported, not rejected as
// malformed — spec §4.F dispatches unrecognized types to "log and ignore".
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("expected no error for unknown message type, got %v", err)
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity (marshal -> unmarshal)
// ---------------------------------------------------------------------------

func TestRoundTrip_Move(t *testing.T) {
	original := MoveMsg{
		Type: TypeMove,
		Move: "g1f3",
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMove {
		t.Fatalf("expected type %q, got %q", TypeMove, msgType)
	}

	decoded, ok := msg.(MoveMsg)
	if !ok {
		t.Fatalf("expected MoveMsg, got %T", msg)
	}
	if decoded.Normalize() != original.Normalize() {
		t.Errorf("move mismatch: expected %q, got %q", original.Normalize(), decoded.Normalize())
	}
}

func TestRoundTrip_ServerMessage(t *testing.T) {
	original := MoveUpdateMsg{
		Type:       TypeMoveUpdate,
		LastMove:   "e2e4",
		FEN:        "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1",
		LegalMoves: []string{"e7e5", "c7c5"},
		NextTurn:   "black",
	}

	data, err := NewServerMessage(TypeMoveUpdate, original)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	var decoded MoveUpdateMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Type != TypeMoveUpdate {
		t.Errorf("type mismatch: expected %q, got %q", TypeMoveUpdate, decoded.Type)
	}
	if decoded.LastMove != original.LastMove {
		t.Errorf("last_move mismatch: expected %q, got %q", original.LastMove, decoded.LastMove)
	}
	if decoded.NextTurn != original.NextTurn {
		t.Errorf("next_turn mismatch: expected %q, got %q", original.NextTurn, decoded.NextTurn)
	}
	if len(decoded.LegalMoves) != len(original.LegalMoves) {
		t.Fatalf("legal_moves length mismatch: expected %d, got %d", len(original.LegalMoves), len(decoded.LegalMoves))
	}
	for i := range original.LegalMoves {
		if decoded.LegalMoves[i] != original.LegalMoves[i] {
			t.Errorf("legal_moves[%d] mismatch: expected %q, got %q", i, original.LegalMoves[i], decoded.LegalMoves[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"handshake", `{"type":"handshake"}`, TypeHandshake},
		{"move", `{"type":"move","move":"e2e4"}`, TypeMove},
		{"resign", `{"type":"resign"}`, TypeResign},
		{"offer_draw", `{"type":"offer_draw"}`, TypeOfferDraw},
		{"accept_draw", `{"type":"accept_draw"}`, TypeAcceptDraw},
		{"decline_draw", `{"type":"decline_draw"}`, TypeDeclineDraw},
		{"cancel_draw_offer", `{"type":"cancel_draw_offer"}`, TypeCancelDrawOffer},
		{"pong", `{"type":"pong"}`, TypePong},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

func TestMoveMsg_NormalizePrefersMove(t *testing.T) {
	m := MoveMsg{Move: "a2a4", From: "b2", To: "b4"}
	if got := m.Normalize(); got != "a2a4" {
		t.Errorf("expected Move field to take precedence, got %q", got)
	}
}

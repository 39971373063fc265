// Package engine manages a pool of chess-engine subprocesses: it spawns
// them, balances load across their per-instance task queues, auto-scales
// the pool under sustained pressure or idleness, and tears them down
// cleanly on shutdown. Every engine request/response is one line of JSON
// over the subprocess's stdin/stdout.
package engine

import (
	"encoding/json"
	"fmt"
)

// Request reasons sent to an engine subprocess.
const (
	ReasonPing     = "ping"
	ReasonValidate = "validate"
	ReasonMove     = "move"
	ReasonExit     = "exit"
)

// Request is one line of JSON written to an engine subprocess's stdin.
type Request struct {
	Reason string `json:"reason"`
	FEN    string `json:"fen"`
	Moves  string `json:"moves"`
}

// Response is one line of JSON read back from an engine subprocess's
// stdout. Fields are a sum type discriminated loosely by which are
// populated; unused fields are simply absent from the wire payload and
// zero-valued here.
type Response struct {
	Message       string   `json:"message,omitempty"`
	FEN           string   `json:"fen,omitempty"`
	PossibleMoves []string `json:"possible_moves,omitempty"`
	Winner        string   `json:"winner,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Valid reports whether the engine accepted the request ("message":"valid").
func (r Response) Valid() bool {
	return r.Message == "valid"
}

func (r Request) encode() ([]byte, error) {
	line, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("engine: encoding request: %w", err)
	}
	return append(line, '\n'), nil
}

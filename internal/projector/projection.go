// Package projector derives display projections from the replicated game
// state: player list, local player, turn, outcome, playability and the
// restart pulse.
package projector

import (
	"tictac/game"
)

// ConcludedLabel replaces the turn name once a winner is set.
const ConcludedLabel = "Game over"

// Turn describes who holds the current turn.
type Turn struct {
	SessionID string
	Name      string // display name of the current-turn player, "" when unresolved
	Resolved  bool   // false while the current-turn session has no player record
	Concluded bool   // a winner (or Draw) is set
}

// Label is the turn-name projection: ConcludedLabel once the game is
// decided, the player's name otherwise, "" when unresolved.
func (t Turn) Label() string {
	if t.Concluded {
		return ConcludedLabel
	}
	return t.Name
}

// Snapshot is every projection of one state push, computed together.
type Snapshot struct {
	State        game.State
	Players      []game.Player
	Local        *game.Player
	Turn         Turn
	Outcome      string
	Banner       string
	Playable     bool
	Restart      bool
	Draws        int
	WinningCells []int
}

// Mine reports whether the local player holds the turn.
func (s Snapshot) Mine() bool {
	return s.Local != nil && s.Turn.SessionID == s.Local.SessionID
}

// Project computes the projections of s as seen by sessionID.
func Project(s game.State, sessionID string) Snapshot {
	snap := Snapshot{
		State:    s,
		Players:  s.Players.List(),
		Turn:     turnOf(s),
		Outcome:  Outcome(s),
		Playable: s.Players.Len() == 2,
		Restart:  s.Restarted,
		Draws:    s.Draws,
	}
	if sessionID != "" {
		if pl, ok := s.Players.Get(sessionID); ok {
			snap.Local = &pl
		}
	}
	snap.Banner = Banner(snap.Outcome)
	if _, line, ok := game.WinningLine(s.Board); ok && s.GameOver {
		snap.WinningCells = line[:]
	}
	return snap
}

func turnOf(s game.State) Turn {
	t := Turn{SessionID: s.CurrentTurn, Concluded: s.Winner != ""}
	if pl, ok := s.Players.Get(s.CurrentTurn); ok && s.CurrentTurn != "" {
		t.Name, t.Resolved = pl.Name, true
	}
	return t
}

// Outcome is "" while the game runs. Once the server sets gameOver it is
// the winner verbatim; if the server left the winner empty it is the marker
// of the first winning line on the board, and Draw when there is no line.
func Outcome(s game.State) string {
	if !s.GameOver {
		return ""
	}
	if s.Winner != "" {
		return s.Winner
	}
	if marker, _, ok := game.WinningLine(s.Board); ok {
		return marker
	}
	return game.Draw
}

// Banner is the end-of-game text for an outcome.
func Banner(outcome string) string {
	switch outcome {
	case "":
		return ""
	case game.Draw:
		return "It's a Draw!"
	default:
		return outcome + " won the game!"
	}
}

// TurnLabel is the status line shown above the board.
func TurnLabel(s Snapshot) string {
	switch {
	case s.Banner != "":
		return s.Banner
	case s.Turn.Concluded:
		return Banner(s.State.Winner)
	case s.Mine():
		return "Your Turn"
	case s.Turn.Resolved:
		return s.Turn.Name + "'s Turn"
	default:
		return "Waiting for opponent"
	}
}

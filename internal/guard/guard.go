// Package guard pre-checks local move and restart intents against the last
// received state before they reach the session. The checks are optimistic:
// the server stays the only judge of legality.
package guard

import (
	"errors"
	"fmt"
	"log"

	"tictac/game"
	"tictac/internal/projector"
	"tictac/internal/session"
)

// Reason says why a move was not sent.
type Reason int

const (
	ReasonOutOfRange Reason = iota + 1
	ReasonNoState
	ReasonOccupied
	ReasonGameOver
	ReasonWaitingForOpponent
	ReasonNotYourTurn
)

func (r Reason) String() string {
	switch r {
	case ReasonOutOfRange:
		return "out of range"
	case ReasonNoState:
		return "no state"
	case ReasonOccupied:
		return "cell occupied"
	case ReasonGameOver:
		return "game over"
	case ReasonWaitingForOpponent:
		return "waiting for opponent"
	case ReasonNotYourTurn:
		return "not your turn"
	default:
		return "unknown"
	}
}

// MoveRejected is returned when a move was dropped locally. Nothing was sent.
type MoveRejected struct {
	Index  int
	Reason Reason
}

func (e *MoveRejected) Error() string {
	return fmt.Sprintf("move %d rejected: %s", e.Index, e.Reason)
}

// ErrRestartUnavailable is returned by Restart while no winner is set.
var ErrRestartUnavailable = errors.New("guard: restart unavailable")

// Submitter forwards accepted intents. *session.Manager implements it.
type Submitter interface {
	SubmitMove(index int) error
	SubmitRestart() error
	SessionID() string
	Notify(session.Notice)
}

// Snapshotter gives the projections of the last received push.
type Snapshotter interface {
	Snapshot() (projector.Snapshot, bool)
}

type Guard struct {
	sub    Submitter
	proj   Snapshotter
	logger *log.Logger
}

func New(sub Submitter, proj Snapshotter, logger *log.Logger) *Guard {
	if logger == nil {
		logger = log.Default()
	}
	return &Guard{sub: sub, proj: proj, logger: logger}
}

// CanMove is true iff two players are present, the local session holds the
// turn and no winner is set.
func (g *Guard) CanMove() bool {
	snap, ok := g.proj.Snapshot()
	if !ok {
		return false
	}
	id := g.sub.SessionID()
	return snap.Playable && id != "" && snap.State.CurrentTurn == id && snap.State.Winner == ""
}

// AttemptMove sends a move for cell index unless the last state already
// rules it out. Clicks on occupied cells are dropped without a notice.
func (g *Guard) AttemptMove(index int) error {
	if index < 0 || index >= game.BoardSize {
		return &MoveRejected{Index: index, Reason: ReasonOutOfRange}
	}
	snap, ok := g.proj.Snapshot()
	if !ok {
		g.logger.Printf("guard: move %d before any state", index)
		return &MoveRejected{Index: index, Reason: ReasonNoState}
	}
	st := snap.State
	if st.Occupied(index) {
		g.logger.Printf("guard: cell %d already taken", index)
		return &MoveRejected{Index: index, Reason: ReasonOccupied}
	}

	switch {
	case st.GameOver || st.Winner != "":
		g.sub.Notify(session.Notice{Kind: session.NoticeGameOver,
			Text: "Cannot make a move. Check the network connection or if the game is over."})
		return &MoveRejected{Index: index, Reason: ReasonGameOver}
	case !snap.Playable:
		g.sub.Notify(session.Notice{Kind: session.NoticeWaitingForOpponent, Text: "Waiting for an opponent to join."})
		return &MoveRejected{Index: index, Reason: ReasonWaitingForOpponent}
	case st.CurrentTurn != g.sub.SessionID():
		g.sub.Notify(session.Notice{Kind: session.NoticeNotYourTurn, Text: "It's not your turn"})
		return &MoveRejected{Index: index, Reason: ReasonNotYourTurn}
	}
	return g.sub.SubmitMove(index)
}

// Restart asks for a new round. It is only offered once a winner is set.
func (g *Guard) Restart() error {
	snap, ok := g.proj.Snapshot()
	if !ok || snap.State.Winner == "" {
		g.sub.Notify(session.Notice{Kind: session.NoticeCannotRestart,
			Text: "Cannot restart. Either the game is still in progress or there is no room."})
		return ErrRestartUnavailable
	}
	return g.sub.SubmitRestart()
}

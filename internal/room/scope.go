// Package room ties the session, its projections and the move guard to the
// lifetime of one attached room.
package room

import (
	"context"
	"log"
	"sync"

	"tictac/internal/guard"
	"tictac/internal/projector"
	"tictac/internal/session"
)

// Scope is the "room attached" context. It is created by Attach once the
// session is live and torn down by Detach or Leave.
type Scope struct {
	RoomID    string
	Session   *session.Manager
	Projector *projector.Projector
	Guard     *guard.Guard

	once sync.Once
}

// Attach resumes (or reattaches to) roomID and builds the projector and
// guard on top of the session. An empty roomID accepts the persisted room.
func Attach(ctx context.Context, mgr *session.Manager, roomID string, logger *log.Logger) (*Scope, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := mgr.ReconnectOrJoin(ctx, roomID); err != nil {
		return nil, err
	}
	proj := projector.New(mgr, logger)
	return &Scope{
		RoomID:    mgr.Identity().RoomID,
		Session:   mgr,
		Projector: proj,
		Guard:     guard.New(mgr, proj, logger),
	}, nil
}

func (s *Scope) CanMove() bool               { return s.Guard.CanMove() }
func (s *Scope) AttemptMove(index int) error { return s.Guard.AttemptMove(index) }
func (s *Scope) Restart() error              { return s.Guard.Restart() }

// Leave ends the session for good and tears the scope down.
func (s *Scope) Leave(ctx context.Context) error {
	defer s.Detach()
	return s.Session.Leave(ctx)
}

// Detach stops the projections. The session itself stays as it is.
func (s *Scope) Detach() {
	s.once.Do(s.Projector.Close)
}

package projector

import (
	"log"
	"sync"

	"tictac/game"
	"tictac/internal/observe"
)

// Source is the raw state feed of a session.
type Source interface {
	States() *observe.Value[game.State]
	SessionID() string
}

// Projector recomputes every projection synchronously on each push. The
// combined Snapshot is stored before any individual projection is
// published, so a subscriber reading Snapshot sees the push it is called for.
type Projector struct {
	src    Source
	logger *log.Logger

	mu          sync.Mutex
	snap        Snapshot
	ok          bool
	lastRestart bool

	players  *observe.Value[[]game.Player]
	local    *observe.Value[*game.Player]
	turn     *observe.Value[Turn]
	outcome  *observe.Value[string]
	playable *observe.Value[bool]
	restart  *observe.Value[bool]
	draws    *observe.Value[int]
	restarts *observe.Feed[struct{}]

	cancel func()
}

// New subscribes to src. The current state, if any, is projected right away.
func New(src Source, logger *log.Logger) *Projector {
	if logger == nil {
		logger = log.Default()
	}
	p := &Projector{
		src:      src,
		logger:   logger,
		players:  observe.NewValue[[]game.Player](),
		local:    observe.NewValue[*game.Player](),
		turn:     observe.NewValue[Turn](),
		outcome:  observe.NewValue[string](),
		playable: observe.NewValue[bool](),
		restart:  observe.NewValue[bool](),
		draws:    observe.NewValue[int](),
		restarts: observe.NewFeed[struct{}](),
	}
	p.cancel = src.States().Subscribe(p.push)
	return p
}

// Close stops following the source.
func (p *Projector) Close() {
	p.cancel()
}

func (p *Projector) push(s game.State) {
	snap := Project(s, p.src.SessionID())

	p.mu.Lock()
	p.snap, p.ok = snap, true
	edge := snap.Restart && !p.lastRestart
	p.lastRestart = snap.Restart
	p.mu.Unlock()

	p.players.Set(snap.Players)
	p.local.Set(snap.Local)
	p.turn.Set(snap.Turn)
	p.outcome.Set(snap.Outcome)
	p.playable.Set(snap.Playable)
	p.restart.Set(snap.Restart)
	p.draws.Set(snap.Draws)
	if edge {
		p.logger.Printf("projector: restart pulse")
		p.restarts.Publish(struct{}{})
	}
}

// Snapshot returns the projections of the last push.
func (p *Projector) Snapshot() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap, p.ok
}

func (p *Projector) Players() *observe.Value[[]game.Player] { return p.players }
func (p *Projector) Local() *observe.Value[*game.Player]    { return p.local }
func (p *Projector) Turn() *observe.Value[Turn]             { return p.turn }
func (p *Projector) Outcome() *observe.Value[string]        { return p.outcome }
func (p *Projector) Playable() *observe.Value[bool]         { return p.playable }
func (p *Projector) Restart() *observe.Value[bool]          { return p.restart }
func (p *Projector) Draws() *observe.Value[int]             { return p.draws }

// OnRestart calls fn once per false to true transition of the restart
// pulse. Repeated true pushes do not call it again.
func (p *Projector) OnRestart(fn func()) (cancel func()) {
	return p.restarts.Subscribe(func(struct{}) { fn() })
}

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"tictac/game"
	"tictac/internal/transport"
)

type sentMessage struct {
	Type    string
	Payload any
}

// fakeRoom delivers everything synchronously on the calling goroutine.
type fakeRoom struct {
	id, sessionID, token string

	mu       sync.Mutex
	nextID   int
	stateFns map[int]func(game.State)
	errorFns map[int]func(json.RawMessage)
	leaveFns map[int]func(int)
	last     *game.State
	sent     []sentMessage
	left     bool
	closed   bool
	leaveErr error
}

func newFakeRoom(id, sessionID, token string) *fakeRoom {
	return &fakeRoom{
		id:        id,
		sessionID: sessionID,
		token:     token,
		stateFns:  make(map[int]func(game.State)),
		errorFns:  make(map[int]func(json.RawMessage)),
		leaveFns:  make(map[int]func(int)),
	}
}

func (r *fakeRoom) ID() string                { return r.id }
func (r *fakeRoom) SessionID() string         { return r.sessionID }
func (r *fakeRoom) ReconnectionToken() string { return r.token }

func (r *fakeRoom) OnStateChange(fn func(game.State)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.stateFns[id] = fn
	last := r.last
	r.mu.Unlock()
	if last != nil {
		fn(*last)
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.stateFns, id)
	}
}

func (r *fakeRoom) OnMessage(msgType string, fn func(json.RawMessage)) func() {
	if msgType != game.MsgError {
		return func() {}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.errorFns[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.errorFns, id)
	}
}

func (r *fakeRoom) OnLeave(fn func(int)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.leaveFns[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.leaveFns, id)
	}
}

func (r *fakeRoom) Send(msgType string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.left || r.closed {
		return transport.ErrClosed
	}
	r.sent = append(r.sent, sentMessage{Type: msgType, Payload: payload})
	return nil
}

func (r *fakeRoom) Leave(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = true
	return r.leaveErr
}

func (r *fakeRoom) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRoom) push(s game.State) {
	r.mu.Lock()
	r.last = &s
	fns := make([]func(game.State), 0, len(r.stateFns))
	for _, fn := range r.stateFns {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (r *fakeRoom) serverError(msg string) {
	raw, _ := json.Marshal(transport.ErrorPayload{Message: msg})
	r.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(r.errorFns))
	for _, fn := range r.errorFns {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

func (r *fakeRoom) drop(code int) {
	r.mu.Lock()
	fns := make([]func(int), 0, len(r.leaveFns))
	for _, fn := range r.leaveFns {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(code)
	}
}

func (r *fakeRoom) handlerCounts() (state, errs, leave int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stateFns), len(r.errorFns), len(r.leaveFns)
}

func (r *fakeRoom) sentMessages() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMessage(nil), r.sent...)
}

// fakeClient hands out rooms and counts calls.
type fakeClient struct {
	mu           sync.Mutex
	creates      int
	joins        int
	reconnects   int
	seq          int
	createErr    error
	joinErr      error
	reconnectErr error
	gate         chan struct{} // when set, Create signals entered and waits on it
	entered      chan struct{}
	lastToken    string
	rooms        []*fakeRoom
}

func (c *fakeClient) newRoom(roomID string) *fakeRoom {
	c.seq++
	r := newFakeRoom(roomID, fmt.Sprintf("sess-%d", c.seq), fmt.Sprintf("tok-%d", c.seq))
	c.rooms = append(c.rooms, r)
	return r
}

func (c *fakeClient) Create(ctx context.Context, kind string, opts transport.Options) (transport.Room, error) {
	c.mu.Lock()
	c.creates++
	gate, entered := c.gate, c.entered
	c.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return nil, c.createErr
	}
	return c.newRoom(fmt.Sprintf("ROOM%d", c.seq+1)), nil
}

func (c *fakeClient) JoinByID(ctx context.Context, roomID string, opts transport.Options) (transport.Room, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins++
	if c.joinErr != nil {
		return nil, c.joinErr
	}
	return c.newRoom(roomID), nil
}

func (c *fakeClient) Reconnect(ctx context.Context, token string) (transport.Room, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
	c.lastToken = token
	if c.reconnectErr != nil {
		return nil, c.reconnectErr
	}
	return c.newRoom("ROOM-R"), nil
}

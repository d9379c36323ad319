// Package transport connects the client to a remote authoritative room.
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"tictac/game"
)

// Leave codes. CloseConsented means either side ended the session on
// purpose; any other code is a disconnect the session may recover from.
const (
	CloseConsented = 1000
	CloseGoingAway = 1001
)

// ErrClosed is returned when sending on a room that has already left.
var ErrClosed = errors.New("transport: room closed")

// Options are sent along with create and join requests.
type Options struct {
	Name string
}

// Client opens rooms on a server.
type Client interface {
	Create(ctx context.Context, kind string, opts Options) (Room, error)
	JoinByID(ctx context.Context, roomID string, opts Options) (Room, error)
	Reconnect(ctx context.Context, token string) (Room, error)
}

// Room is a live connection to one session. Handlers run one at a time on
// the room's event loop. Registering a state handler replays the last
// received state, if any.
type Room interface {
	ID() string
	SessionID() string
	// ReconnectionToken is the token issued by the latest (re)connection.
	ReconnectionToken() string

	OnStateChange(fn func(game.State)) (remove func())
	OnMessage(msgType string, fn func(json.RawMessage)) (remove func())
	OnLeave(fn func(code int)) (remove func())

	Send(msgType string, payload any) error
	// Leave ends the session on purpose.
	Leave(ctx context.Context) error
	// Close drops the connection without leaving; the seat stays resumable.
	Close() error
}

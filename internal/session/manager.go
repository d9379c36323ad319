// Package session owns the connection to a remote room: identity,
// credential persistence and message submission.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tictac/game"
	"tictac/internal/observe"
	"tictac/internal/store"
	"tictac/internal/transport"
)

// DefaultRoomKind is the room type opened by Create.
const DefaultRoomKind = "tic_tac_toe"

const tracerName = "tictac/internal/session"

// Identity identifies the local participant in a room. SessionID and
// ReconnectToken are only meaningful together with RoomID.
type Identity struct {
	RoomID         string
	SessionID      string
	ReconnectToken string
	PlayerName     string
}

func (id Identity) credentials() store.Credentials {
	return store.Credentials{
		RoomID:         id.RoomID,
		SessionID:      id.SessionID,
		Name:           id.PlayerName,
		ReconnectToken: id.ReconnectToken,
	}
}

// Config configures a Manager.
type Config struct {
	RoomKind       string
	Logger         *log.Logger
	TracerProvider trace.TracerProvider
}

// Manager owns at most one live room. Connection attempts are not guarded
// against overlap: the host must serialize Create, JoinByID and Reconnect.
type Manager struct {
	client transport.Client
	store  store.Store
	kind   string
	logger *log.Logger
	tracer trace.Tracer

	states    *observe.Value[game.State]
	notices   *observe.Feed[Notice]
	redirects *observe.Feed[error]

	mu       sync.Mutex
	room     transport.Room
	identity Identity
	epoch    uint64 // bumped whenever credentials are cleared
	detach   func()
}

// New returns a Manager with no room attached.
func New(client transport.Client, st store.Store, cfg Config) *Manager {
	kind := cfg.RoomKind
	if kind == "" {
		kind = DefaultRoomKind
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Manager{
		client:    client,
		store:     st,
		kind:      kind,
		logger:    logger,
		tracer:    tp.Tracer(tracerName),
		states:    observe.NewValue[game.State](),
		notices:   observe.NewFeed[Notice](),
		redirects: observe.NewFeed[error](),
	}
}

// States is the raw replicated state feed of the current room.
func (m *Manager) States() *observe.Value[game.State] { return m.states }

// Notices carries user-visible messages.
func (m *Manager) Notices() *observe.Feed[Notice] { return m.notices }

// Redirects fires when the session cannot be resumed and the user has to go
// back to onboarding. Navigation itself is up to the subscriber.
func (m *Manager) Redirects() *observe.Feed[error] { return m.redirects }

// Notify publishes a notice on behalf of a collaborator.
func (m *Manager) Notify(n Notice) { m.notices.Publish(n) }

// Identity returns the current identity.
func (m *Manager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// SessionID returns the local session id, or "" when unknown.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity.SessionID
}

// Active reports whether a live room is attached.
func (m *Manager) Active() bool {
	return m.currentRoom() != nil
}

func (m *Manager) currentRoom() transport.Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

func (m *Manager) currentEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Create opens a new room and returns its id. Creation is not idempotent
// and is never retried.
func (m *Manager) Create(ctx context.Context, name string) (string, error) {
	ctx, span := m.tracer.Start(ctx, "session.create", trace.WithAttributes(
		attribute.String("room.kind", m.kind),
	))
	defer span.End()

	epoch := m.currentEpoch()
	room, err := m.client.Create(ctx, m.kind, transport.Options{Name: name})
	if err == nil {
		err = m.establish(ctx, epoch, room, name)
	}
	if err != nil {
		err = &CreateError{Err: err}
		m.fail(span, "Failed to create a room", err)
		return "", err
	}
	span.SetAttributes(roomAttributes(room)...)
	return room.ID(), nil
}

// JoinByID joins an existing room. Refusals reported by the server (room
// full, missing, already in progress) are returned verbatim inside the
// JoinError.
func (m *Manager) JoinByID(ctx context.Context, roomID, name string) (string, error) {
	ctx, span := m.tracer.Start(ctx, "session.join", trace.WithAttributes(
		attribute.String("room.id", roomID),
	))
	defer span.End()

	epoch := m.currentEpoch()
	room, err := m.client.JoinByID(ctx, roomID, transport.Options{Name: name})
	if err == nil {
		err = m.establish(ctx, epoch, room, name)
	}
	if err != nil {
		err = &JoinError{RoomID: roomID, Err: err}
		m.fail(span, "Failed to join room", err)
		return "", err
	}
	span.SetAttributes(roomAttributes(room)...)
	return room.ID(), nil
}

// ReconnectOrJoin is the resume entry point for a room route. A live room
// for the same id only gets its listeners reattached. Otherwise persisted
// credentials are exchanged through Reconnect. Without a complete credential
// set for roomID it fails with ErrInvalidSession. An empty roomID accepts
// whatever room the credentials name.
func (m *Manager) ReconnectOrJoin(ctx context.Context, roomID string) error {
	creds, err := store.Load(ctx, m.store)
	if err != nil {
		m.logger.Printf("session: load credentials: %v", err)
		creds = store.Credentials{}
	}

	m.mu.Lock()
	room := m.room
	if room == nil && creds.Complete() {
		m.identity = Identity{
			RoomID:         creds.RoomID,
			SessionID:      creds.SessionID,
			ReconnectToken: creds.ReconnectToken,
			PlayerName:     creds.Name,
		}
	}
	m.mu.Unlock()

	if room != nil && (roomID == "" || room.ID() == roomID) {
		m.attach(room)
		return nil
	}
	if !creds.Complete() || (roomID != "" && creds.RoomID != roomID) {
		if room == nil && !creds.Empty() {
			// partial or foreign credentials are as good as none
			m.forget(ctx)
		}
		m.redirects.Publish(ErrInvalidSession)
		return ErrInvalidSession
	}
	return m.Reconnect(ctx)
}

// Reconnect exchanges the persisted reconnection token for a resumed
// session. Tokens are single use: the rotated one is persisted on success.
// On failure every persisted credential is cleared.
func (m *Manager) Reconnect(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "session.reconnect")
	defer span.End()

	epoch := m.currentEpoch()
	creds, err := store.Load(ctx, m.store)
	if err == nil && creds.ReconnectToken == "" {
		err = ErrInvalidSession
	}
	var room transport.Room
	if err == nil {
		room, err = m.client.Reconnect(ctx, creds.ReconnectToken)
	}
	if err == nil {
		err = m.resume(ctx, epoch, room, creds)
	}
	if err != nil {
		m.forget(ctx)
		err = &ReconnectError{Err: err}
		m.fail(span, "Failed to reconnect", err)
		m.redirects.Publish(err)
		return err
	}
	span.SetAttributes(roomAttributes(room)...)
	return nil
}

// Leave notifies the server on a best-effort basis, then clears persisted
// credentials whatever the outcome of the notification.
func (m *Manager) Leave(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "session.leave")
	defer span.End()

	m.mu.Lock()
	room, detach, id := m.room, m.detach, m.identity
	m.room, m.detach, m.identity = nil, nil, Identity{}
	m.epoch++
	m.mu.Unlock()

	if detach != nil {
		detach()
	}
	if room != nil {
		span.SetAttributes(roomAttributes(room)...)
		if err := room.Leave(ctx); err != nil {
			span.RecordError(err)
			m.logger.Printf("session: leave room %s: %v", room.ID(), err)
		}
	}
	m.states.Reset()

	if err := store.Clear(context.WithoutCancel(ctx), m.store); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "clear credentials")
		return fmt.Errorf("clear credentials: %w", err)
	}
	m.logger.Printf("session: left room %s", id.RoomID)
	return nil
}

// Forget logs out without contacting the server: the live room, if any, is
// dropped like Close does and every persisted credential is cleared.
func (m *Manager) Forget(ctx context.Context) error {
	return m.forget(ctx)
}

func (m *Manager) forget(ctx context.Context) error {
	m.mu.Lock()
	room, detach := m.room, m.detach
	m.room, m.detach, m.identity = nil, nil, Identity{}
	m.epoch++
	m.mu.Unlock()
	if detach != nil {
		detach()
	}
	if room != nil {
		if err := room.Close(); err != nil {
			m.logger.Printf("session: close room %s: %v", room.ID(), err)
		}
		m.states.Reset()
	}
	if err := store.Clear(context.WithoutCancel(ctx), m.store); err != nil {
		m.logger.Printf("session: clear credentials: %v", err)
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// Close detaches from the current room and drops the connection without
// leaving, so the seat can be resumed later.
func (m *Manager) Close() error {
	m.mu.Lock()
	room, detach := m.room, m.detach
	m.room, m.detach = nil, nil
	m.mu.Unlock()
	if detach != nil {
		detach()
	}
	if room == nil {
		return nil
	}
	return room.Close()
}

// SubmitMove sends a move without waiting for confirmation. Success of the
// move is only ever learned from a later state push.
func (m *Manager) SubmitMove(index int) error {
	return m.submit(game.MsgMakeMove, game.MovePayload{Index: index},
		"Cannot make a move. Check the network connection or if the game is over.")
}

// SubmitRestart asks the server to start a new round.
func (m *Manager) SubmitRestart() error {
	return m.submit(game.MsgRestart, nil,
		"Cannot restart. Either the game is still in progress or there is no room.")
}

func (m *Manager) submit(msgType string, payload any, noRoom string) error {
	room := m.currentRoom()
	if room == nil {
		m.notices.Publish(Notice{Kind: NoticeNoSession, Text: noRoom})
		return ErrNoActiveSession
	}
	if err := room.Send(msgType, payload); err != nil {
		m.logger.Printf("session: send %s to room %s: %v", msgType, room.ID(), err)
		m.notices.Publish(Notice{Kind: NoticeFailure, Text: noRoom})
		return fmt.Errorf("submit %s: %w", msgType, err)
	}
	return nil
}

// establish adopts a freshly created or joined room and persists its identity.
func (m *Manager) establish(ctx context.Context, epoch uint64, room transport.Room, name string) error {
	id := Identity{
		RoomID:         room.ID(),
		SessionID:      room.SessionID(),
		ReconnectToken: room.ReconnectionToken(),
		PlayerName:     name,
	}
	if err := m.adopt(ctx, epoch, room, id); err != nil {
		return err
	}
	persistCtx := context.WithoutCancel(ctx)
	if err := store.Save(persistCtx, m.store, id.credentials()); err != nil {
		m.logger.Printf("session: persist credentials for room %s: %v", id.RoomID, err)
	}
	m.recheck(persistCtx, epoch)
	m.attach(room)
	return nil
}

// resume adopts a reconnected room. Only what the server rotated is written.
func (m *Manager) resume(ctx context.Context, epoch uint64, room transport.Room, creds store.Credentials) error {
	id := Identity{
		RoomID:         room.ID(),
		SessionID:      room.SessionID(),
		ReconnectToken: room.ReconnectionToken(),
		PlayerName:     creds.Name,
	}
	if err := m.adopt(ctx, epoch, room, id); err != nil {
		return err
	}
	persistCtx := context.WithoutCancel(ctx)
	writes := [][2]string{{store.KeyConnectionToken, id.ReconnectToken}}
	if id.SessionID != creds.SessionID {
		writes = append(writes, [2]string{store.KeySessionID, id.SessionID})
	}
	if id.RoomID != creds.RoomID {
		writes = append(writes, [2]string{store.KeyRoomID, id.RoomID})
	}
	for _, kv := range writes {
		if err := m.store.Set(persistCtx, kv[0], kv[1]); err != nil {
			m.logger.Printf("session: persist %s for room %s: %v", kv[0], id.RoomID, err)
		}
	}
	m.recheck(persistCtx, epoch)
	m.attach(room)
	return nil
}

// adopt makes room the current one unless credentials were cleared since
// the attempt started, in which case the late room is left.
func (m *Manager) adopt(ctx context.Context, epoch uint64, room transport.Room, id Identity) error {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.logger.Printf("session: discarding room %s, credentials were cleared meanwhile", room.ID())
		_ = room.Leave(context.WithoutCancel(ctx))
		return ErrSessionCleared
	}
	prev, prevDetach := m.room, m.detach
	m.room, m.detach, m.identity = room, nil, id
	m.mu.Unlock()

	if prevDetach != nil {
		prevDetach()
	}
	if prev != nil && prev != room {
		if err := prev.Leave(context.WithoutCancel(ctx)); err != nil {
			m.logger.Printf("session: leave previous room %s: %v", prev.ID(), err)
		}
	}
	m.states.Reset()
	return nil
}

// recheck undoes a credential write that raced with a clear.
func (m *Manager) recheck(ctx context.Context, epoch uint64) {
	if m.currentEpoch() == epoch {
		return
	}
	if err := store.Clear(ctx, m.store); err != nil {
		m.logger.Printf("session: clear credentials: %v", err)
	}
}

// attach (re)registers the room listeners, replacing any previous ones.
func (m *Manager) attach(room transport.Room) {
	m.mu.Lock()
	prev := m.detach
	m.detach = nil
	m.mu.Unlock()
	if prev != nil {
		prev()
	}

	removeState := room.OnStateChange(func(s game.State) { m.handleState(room, s) })
	removeError := room.OnMessage(game.MsgError, m.handleServerError)
	removeLeave := room.OnLeave(func(code int) { m.handleLeave(room, code) })
	detach := func() {
		removeState()
		removeError()
		removeLeave()
	}

	m.mu.Lock()
	if m.room != room {
		m.mu.Unlock()
		detach()
		return
	}
	m.detach = detach
	m.mu.Unlock()
}

func (m *Manager) handleState(room transport.Room, s game.State) {
	if m.currentRoom() != room {
		return
	}
	if err := s.Validate(); err != nil {
		m.logger.Printf("session: room %s pushed inconsistent state: %v", room.ID(), err)
	}
	m.states.Set(s)
}

func (m *Manager) handleServerError(raw json.RawMessage) {
	var p transport.ErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.logger.Printf("session: undecodable server error: %v", err)
		return
	}
	m.notices.Publish(Notice{Kind: NoticeServerError, Text: "Error from server: " + p.Message})
}

// handleLeave runs when the server side of the room goes away. A consented
// close ends the session; anything else keeps the credentials for Reconnect.
func (m *Manager) handleLeave(room transport.Room, code int) {
	m.mu.Lock()
	if m.room != room {
		m.mu.Unlock()
		return
	}
	m.room, m.detach = nil, nil
	consented := code == transport.CloseConsented
	if consented {
		m.identity = Identity{}
		m.epoch++
	}
	m.mu.Unlock()

	m.logger.Printf("session: left room %s (code %d)", room.ID(), code)
	if consented {
		if err := store.Clear(context.Background(), m.store); err != nil {
			m.logger.Printf("session: clear credentials: %v", err)
		}
		return
	}
	m.notices.Publish(Notice{Kind: NoticeDisconnected, Text: "Connection to the room was lost."})
}

func (m *Manager) fail(span trace.Span, msg string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	m.logger.Printf("session: %s: %v", msg, err)
	m.notices.Publish(Notice{Kind: NoticeFailure, Text: msg + ": " + reason(err)})
}

// reason extracts the text shown to the user, keeping server messages verbatim.
func reason(err error) string {
	var se *transport.ServerError
	if errors.As(err, &se) {
		return se.Message
	}
	var (
		ce *CreateError
		je *JoinError
		re *ReconnectError
	)
	switch {
	case errors.As(err, &ce):
		return ce.Err.Error()
	case errors.As(err, &je):
		return je.Err.Error()
	case errors.As(err, &re):
		return re.Err.Error()
	}
	return err.Error()
}

func roomAttributes(room transport.Room) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("room.id", room.ID()),
		attribute.String("session.id", room.SessionID()),
	}
}

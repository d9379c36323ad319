package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tictac/game"
)

const (
	writeWait  = 10 * time.Second
	closeGrace = time.Second
)

// Config tunes the websocket client.
type Config struct {
	// HandshakeTimeout bounds the websocket upgrade. Zero uses the gorilla default.
	HandshakeTimeout time.Duration
	Logger           *log.Logger
}

// WSClient opens rooms over websocket.
type WSClient struct {
	base   *url.URL
	dialer *websocket.Dialer
	logger *log.Logger
}

var _ Client = (*WSClient)(nil)

// Connect prepares a client for the server at serverURL. http(s) URLs are
// mapped to ws(s). No connection is opened until a room is requested.
func Connect(serverURL string, cfg Config) (*WSClient, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q has no host", serverURL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	dialer := *websocket.DefaultDialer
	if cfg.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = cfg.HandshakeTimeout
	}
	return &WSClient{base: u, dialer: &dialer, logger: logger}, nil
}

// Create opens a new room of the given kind.
func (c *WSClient) Create(ctx context.Context, kind string, opts Options) (Room, error) {
	return c.open(ctx, "create", url.Values{"name": {opts.Name}}, "create", kind)
}

// JoinByID joins an existing room.
func (c *WSClient) JoinByID(ctx context.Context, roomID string, opts Options) (Room, error) {
	return c.open(ctx, "join", url.Values{"name": {opts.Name}}, "join", roomID)
}

// Reconnect resumes a session with a reconnection token.
func (c *WSClient) Reconnect(ctx context.Context, token string) (Room, error) {
	return c.open(ctx, "reconnect", url.Values{"token": {token}}, "reconnect")
}

func (c *WSClient) open(ctx context.Context, op string, query url.Values, elems ...string) (Room, error) {
	u := *c.base
	u.Path = path.Join(append([]string{"/", u.Path, "matchmake"}, elems...)...)
	u.RawPath = ""
	u.RawQuery = query.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, handshakeError(resp)
		}
		return nil, fmt.Errorf("%s: dial %s: %w", op, u.Path, err)
	}

	joined, err := readJoined(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	r := newWSRoom(conn, joined, c.logger)
	go r.readLoop()
	c.logger.Printf("transport: %s ok room=%s session=%s", op, joined.RoomID, joined.SessionID)
	return r, nil
}

// readJoined waits for the first frame, which either admits us or carries
// the reason we were refused.
func readJoined(ctx context.Context, conn *websocket.Conn) (JoinedPayload, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	_, data, err := conn.ReadMessage()
	if !stop() {
		return JoinedPayload{}, ctx.Err()
	}
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Text != "" {
			return JoinedPayload{}, &ServerError{Code: ce.Code, Message: ce.Text}
		}
		return JoinedPayload{}, fmt.Errorf("read handshake: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return JoinedPayload{}, fmt.Errorf("decode handshake: %w", err)
	}
	switch env.Type {
	case TypeJoined:
		var joined JoinedPayload
		if err := json.Unmarshal(env.Payload, &joined); err != nil {
			return JoinedPayload{}, fmt.Errorf("decode joined: %w", err)
		}
		if joined.RoomID == "" || joined.SessionID == "" {
			return JoinedPayload{}, fmt.Errorf("joined frame is missing room or session id")
		}
		return joined, nil
	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return JoinedPayload{}, fmt.Errorf("decode error frame: %w", err)
		}
		return JoinedPayload{}, &ServerError{Code: p.Code, Message: p.Message}
	default:
		return JoinedPayload{}, fmt.Errorf("unexpected handshake frame %q", env.Type)
	}
}

func handshakeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	var p ErrorPayload
	if json.Unmarshal(body, &p) == nil && p.Message != "" {
		msg = p.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &ServerError{Code: resp.StatusCode, Message: msg}
}

type handler[T any] struct {
	id int
	fn func(T)
}

type wsRoom struct {
	conn      *websocket.Conn
	logger    *log.Logger
	id        string
	sessionID string

	writeMu    sync.Mutex
	dispatchMu sync.Mutex // one handler at a time

	mu       sync.Mutex
	token    string
	last     *game.State
	nextID   int
	onState  []handler[game.State]
	onMsg    map[string][]handler[json.RawMessage]
	onLeave  []handler[int]
	leaving  atomic.Bool
	closing  atomic.Bool
	inside   atomic.Bool // a handler is running on the read loop
	done     chan struct{}
	leftCode int
}

func newWSRoom(conn *websocket.Conn, joined JoinedPayload, logger *log.Logger) *wsRoom {
	return &wsRoom{
		conn:      conn,
		logger:    logger,
		id:        joined.RoomID,
		sessionID: joined.SessionID,
		token:     joined.ReconnectionToken,
		onMsg:     make(map[string][]handler[json.RawMessage]),
		done:      make(chan struct{}),
	}
}

func (r *wsRoom) ID() string        { return r.id }
func (r *wsRoom) SessionID() string { return r.sessionID }

func (r *wsRoom) ReconnectionToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

func (r *wsRoom) OnStateChange(fn func(game.State)) func() {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.onState = append(r.onState, handler[game.State]{id: id, fn: fn})
	last := r.last
	r.mu.Unlock()
	if last != nil {
		fn(*last)
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.onState = without(r.onState, id)
	}
}

func (r *wsRoom) OnMessage(msgType string, fn func(json.RawMessage)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.onMsg[msgType] = append(r.onMsg[msgType], handler[json.RawMessage]{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.onMsg[msgType] = without(r.onMsg[msgType], id)
	}
}

// OnLeave registers fn for the end of the connection. On a room that has
// already closed, fn runs immediately with the recorded code.
func (r *wsRoom) OnLeave(fn func(code int)) func() {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.onLeave = append(r.onLeave, handler[int]{id: id, fn: fn})
	code := r.leftCode
	r.mu.Unlock()
	select {
	case <-r.done:
		fn(code)
	default:
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.onLeave = without(r.onLeave, id)
	}
}

func without[T any](hs []handler[T], id int) []handler[T] {
	for i, h := range hs {
		if h.id == id {
			return append(hs[:i:i], hs[i+1:]...)
		}
	}
	return hs
}

// Send writes a message without waiting for any application-level reply.
func (r *wsRoom) Send(msgType string, payload any) error {
	if r.leaving.Load() || r.closing.Load() {
		return ErrClosed
	}
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return r.write(env)
}

func (r *wsRoom) write(env Envelope) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := r.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// Leave tells the server we are leaving and closes the connection. The
// connection is closed even when the notification fails.
func (r *wsRoom) Leave(ctx context.Context) error {
	if !r.leaving.CompareAndSwap(false, true) {
		return nil
	}
	err := r.write(Envelope{Type: TypeLeave})
	if err == nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "consented")
		r.writeMu.Lock()
		err = r.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		r.writeMu.Unlock()
	}

	// From inside a handler the read loop cannot observe the close.
	if !r.inside.Load() {
		timer := time.NewTimer(closeGrace)
		defer timer.Stop()
		select {
		case <-r.done:
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	_ = r.conn.Close()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Close drops the connection. Handlers see CloseGoingAway.
func (r *wsRoom) Close() error {
	if r.leaving.Load() || !r.closing.CompareAndSwap(false, true) {
		return nil
	}
	return r.conn.Close()
}

func (r *wsRoom) readLoop() {
	code := websocket.CloseAbnormalClosure
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce) && ce.Code != websocket.CloseNoStatusReceived:
				code = ce.Code
			case r.leaving.Load():
				code = CloseConsented
			case r.closing.Load():
				code = CloseGoingAway
			default:
				r.logger.Printf("transport: room %s read failed: %v", r.id, err)
			}
			break
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			r.logger.Printf("transport: discarding malformed frame in room %s: %v", r.id, err)
			continue
		}
		r.dispatch(env)
	}

	_ = r.conn.Close()
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	r.mu.Lock()
	r.leftCode = code
	hs := append([]handler[int](nil), r.onLeave...)
	r.mu.Unlock()
	close(r.done)
	for _, h := range hs {
		h.fn(code)
	}
}

func (r *wsRoom) dispatch(env Envelope) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	r.inside.Store(true)
	defer r.inside.Store(false)

	switch env.Type {
	case TypeState:
		var st game.State
		if err := json.Unmarshal(env.Payload, &st); err != nil {
			r.logger.Printf("transport: discarding undecodable state in room %s: %v", r.id, err)
			return
		}
		r.mu.Lock()
		r.last = &st
		hs := append([]handler[game.State](nil), r.onState...)
		r.mu.Unlock()
		for _, h := range hs {
			h.fn(st)
		}
	case TypeJoined:
		// the server may rotate the token mid-session
		var joined JoinedPayload
		if err := json.Unmarshal(env.Payload, &joined); err == nil && joined.ReconnectionToken != "" {
			r.mu.Lock()
			r.token = joined.ReconnectionToken
			r.mu.Unlock()
		}
	default:
		r.mu.Lock()
		hs := append([]handler[json.RawMessage](nil), r.onMsg[env.Type]...)
		r.mu.Unlock()
		for _, h := range hs {
			h.fn(env.Payload)
		}
	}
}

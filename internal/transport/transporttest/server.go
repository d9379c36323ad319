// Package transporttest runs an in-process tic-tac-toe room server speaking
// the transport wire protocol, for tests.
package transporttest

import (
	"encoding/json"
	"fmt"
	"log"
	mrand "math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tictac/game"
	"tictac/internal/transport"
)

// MaxPlayers is the room capacity.
const MaxPlayers = 2

// Party is one room hosted by the server.
type Party struct {
	Code    string
	Kind    string
	State   game.State
	Clients map[string]*websocket.Conn // sessionId → connexion
	Mu      sync.Mutex

	tokens   map[string]string // token → sessionId
	started  bool
	symbols  []string
	writeMus map[*websocket.Conn]*sync.Mutex
}

// Server is an httptest server hosting parties.
type Server struct {
	*httptest.Server

	upgrader  websocket.Upgrader
	parties   map[string]*Party
	partiesMu sync.Mutex
	logger    *log.Logger

	// RejectReconnect makes every reconnect attempt fail with 403.
	RejectReconnect bool
	// Codes, when set, issues room ids in place of the random generator.
	Codes func() string
}

// NewServer starts a room server.
func NewServer() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		parties:  make(map[string]*Party),
		logger:   log.New(log.Writer(), "[transporttest] ", log.LstdFlags),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /matchmake/create/{kind}", s.createPartyHandler)
	mux.HandleFunc("GET /matchmake/join/{code}", s.joinPartyHandler)
	mux.HandleFunc("GET /matchmake/reconnect", s.reconnectHandler)
	s.Server = httptest.NewServer(mux)
	return s
}

// WSURL is the base websocket URL of the server.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// generateCode issues case-sensitive room ids, like a Colyseus server does.
func generateCode() string {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 9)
	for i := range b {
		b[i] = charset[mrand.Intn(len(charset))]
	}
	return string(b)
}

// Party returns the room with the given code.
func (s *Server) Party(code string) (*Party, bool) {
	s.partiesMu.Lock()
	defer s.partiesMu.Unlock()
	p, ok := s.parties[code]
	return p, ok
}

func (s *Server) createPartyHandler(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	p := &Party{
		Kind:     r.PathValue("kind"),
		Clients:  make(map[string]*websocket.Conn),
		tokens:   make(map[string]string),
		symbols:  []string{"X", "O"},
		writeMus: make(map[*websocket.Conn]*sync.Mutex),
	}
	s.partiesMu.Lock()
	next := generateCode
	if s.Codes != nil {
		next = s.Codes
	}
	for {
		p.Code = next()
		if _, taken := s.parties[p.Code]; !taken {
			break
		}
	}
	s.parties[p.Code] = p
	s.partiesMu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade: %v", err)
		return
	}
	s.admit(p, conn, name)
}

func (s *Server) joinPartyHandler(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	p, ok := s.Party(code)
	if !ok {
		http.Error(w, fmt.Sprintf("room %q not found", code), http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade: %v", err)
		return
	}

	p.Mu.Lock()
	full := p.State.Players.Len() >= MaxPlayers || p.started
	p.Mu.Unlock()
	if full {
		refuse(conn, 4003, "room is full")
		return
	}
	s.admit(p, conn, r.URL.Query().Get("name"))
}

func (s *Server) reconnectHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if s.RejectReconnect {
		http.Error(w, `{"message":"reconnection refused"}`, http.StatusForbidden)
		return
	}
	s.partiesMu.Lock()
	var (
		party     *Party
		sessionID string
	)
	for _, p := range s.parties {
		p.Mu.Lock()
		if id, ok := p.tokens[token]; ok {
			party, sessionID = p, id
			delete(p.tokens, token)
		}
		p.Mu.Unlock()
		if party != nil {
			break
		}
	}
	s.partiesMu.Unlock()
	if party == nil {
		http.Error(w, "invalid or expired reconnection token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade: %v", err)
		return
	}
	party.Mu.Lock()
	if old, ok := party.Clients[sessionID]; ok {
		_ = old.Close()
	}
	party.Clients[sessionID] = conn
	party.writeMus[conn] = &sync.Mutex{}
	setConnected(&party.State, sessionID, true)
	next := uuid.NewString()
	party.tokens[next] = sessionID
	party.Mu.Unlock()

	s.welcome(party, conn, sessionID, next)
}

func refuse(conn *websocket.Conn, code int, message string) {
	env, _ := transport.NewEnvelope(transport.TypeError, transport.ErrorPayload{Code: code, Message: message})
	_ = conn.WriteJSON(env)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message))
	_ = conn.Close()
}

func (s *Server) admit(p *Party, conn *websocket.Conn, name string) {
	sessionID := uuid.NewString()
	token := uuid.NewString()

	p.Mu.Lock()
	symbol := p.symbols[p.State.Players.Len()%len(p.symbols)]
	list := append(p.State.Players.List(), game.Player{Name: name, Symbol: symbol, SessionID: sessionID, Connected: true})
	p.State.Players = game.NewPlayers(list...)
	if p.State.CurrentTurn == "" {
		p.State.CurrentTurn = sessionID
	}
	p.Clients[sessionID] = conn
	p.writeMus[conn] = &sync.Mutex{}
	p.tokens[token] = sessionID
	p.Mu.Unlock()

	s.logger.Printf("party %s: %s joined", p.Code, name)
	s.welcome(p, conn, sessionID, token)
}

func (s *Server) welcome(p *Party, conn *websocket.Conn, sessionID, token string) {
	env, _ := transport.NewEnvelope(transport.TypeJoined, transport.JoinedPayload{
		RoomID:            p.Code,
		SessionID:         sessionID,
		ReconnectionToken: token,
	})
	p.Mu.Lock()
	mu := p.writeMus[conn]
	p.Mu.Unlock()
	mu.Lock()
	err := conn.WriteJSON(env)
	mu.Unlock()
	if err != nil {
		_ = conn.Close()
		return
	}
	s.Broadcast(p.Code)
	go s.serve(p, conn, sessionID)
}

func (s *Server) serve(p *Party, conn *websocket.Conn, sessionID string) {
	consented := false
	defer func() {
		p.Mu.Lock()
		if p.Clients[sessionID] == conn {
			delete(p.Clients, sessionID)
			if consented {
				list := p.State.Players.List()
				kept := list[:0]
				for _, pl := range list {
					if pl.SessionID != sessionID {
						kept = append(kept, pl)
					}
				}
				p.State.Players = game.NewPlayers(kept...)
			} else {
				setConnected(&p.State, sessionID, false)
			}
		}
		delete(p.writeMus, conn)
		p.Mu.Unlock()
		_ = conn.Close()
		s.Broadcast(p.Code)
	}()

	for {
		var env transport.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case game.MsgMakeMove:
			var mv game.MovePayload
			if err := json.Unmarshal(env.Payload, &mv); err != nil {
				continue
			}
			if msg := s.handlePartyMove(p, sessionID, mv.Index); msg != "" {
				s.sendTo(p, conn, transport.TypeError, transport.ErrorPayload{Message: msg})
				continue
			}
			s.Broadcast(p.Code)
		case game.MsgRestart:
			s.handleRestart(p)
			s.Broadcast(p.Code)
		case transport.TypeLeave:
			consented = true
		}
	}
}

// handlePartyMove applies a move and returns a rejection message, if any.
func (s *Server) handlePartyMove(p *Party, sessionID string, index int) string {
	p.Mu.Lock()
	defer p.Mu.Unlock()

	st := &p.State
	switch {
	case st.GameOver:
		return "game is over"
	case st.CurrentTurn != sessionID:
		return "not your turn"
	case st.Occupied(index):
		return "cell is taken"
	}
	me, _ := st.Players.Get(sessionID)
	st.Board[index] = me.Symbol
	p.started = true

	if marker := game.Winner(st.Board); marker != "" {
		winner, _ := st.Players.BySymbol(marker)
		winner.Won++
		replacePlayer(st, winner)
		st.GameOver = true
		st.Winner = winner.Name
		return ""
	}
	if game.Full(st.Board) {
		st.GameOver = true
		st.Winner = game.Draw
		st.Draws++
		return ""
	}
	for _, pl := range st.Players.List() {
		if pl.SessionID != sessionID {
			st.CurrentTurn = pl.SessionID
		}
	}
	return ""
}

func (s *Server) handleRestart(p *Party) {
	p.Mu.Lock()
	defer p.Mu.Unlock()
	if p.State.Winner == "" {
		return
	}
	p.State.Board = [game.BoardSize]string{}
	p.State.GameOver = false
	p.State.Winner = ""
	p.State.Restarted = !p.State.Restarted
}

// Update mutates a party's state and broadcasts it.
func (s *Server) Update(code string, fn func(*game.State)) {
	p, ok := s.Party(code)
	if !ok {
		return
	}
	p.Mu.Lock()
	fn(&p.State)
	p.Mu.Unlock()
	s.Broadcast(code)
}

// Broadcast pushes the current state to every connected client.
func (s *Server) Broadcast(code string) {
	p, ok := s.Party(code)
	if !ok {
		return
	}
	p.Mu.Lock()
	st := p.State
	conns := make([]*websocket.Conn, 0, len(p.Clients))
	for _, c := range p.Clients {
		conns = append(conns, c)
	}
	p.Mu.Unlock()
	for _, c := range conns {
		s.sendTo(p, c, transport.TypeState, st)
	}
}

// Drop closes a member's connection abruptly, without a close frame.
func (s *Server) Drop(code, sessionID string) {
	p, ok := s.Party(code)
	if !ok {
		return
	}
	p.Mu.Lock()
	conn := p.Clients[sessionID]
	p.Mu.Unlock()
	if conn != nil {
		_ = conn.UnderlyingConn().Close()
	}
}

func (s *Server) sendTo(p *Party, conn *websocket.Conn, msgType string, payload any) {
	env, err := transport.NewEnvelope(msgType, payload)
	if err != nil {
		s.logger.Printf("encode %s: %v", msgType, err)
		return
	}
	p.Mu.Lock()
	mu := p.writeMus[conn]
	p.Mu.Unlock()
	if mu == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	_ = conn.WriteJSON(env)
}

func setConnected(st *game.State, sessionID string, connected bool) {
	if pl, ok := st.Players.Get(sessionID); ok {
		pl.Connected = connected
		replacePlayer(st, pl)
	}
}

func replacePlayer(st *game.State, updated game.Player) {
	list := st.Players.List()
	for i := range list {
		if list[i].SessionID == updated.SessionID {
			list[i] = updated
		}
	}
	st.Players = game.NewPlayers(list...)
}

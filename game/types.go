package game

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// BoardSize : nombre de cases du plateau (3x3).
const BoardSize = 9

// Draw est la valeur de Winner quand la partie se termine sans gagnant.
// Elle se compare par valeur, jamais par absence de gagnant.
const Draw = "Draw"

// Noms des messages échangés avec la salle.
const (
	MsgMakeMove = "make_move"
	MsgRestart  = "restart_game"
	MsgError    = "error"
)

// MovePayload accompagne un message make_move.
type MovePayload struct {
	Index int `json:"index"`
}

// Player : un participant tel que répliqué par le serveur.
type Player struct {
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
	SessionID string `json:"sessionId"`
	Connected bool   `json:"connected"` // faux pendant une déconnexion passagère
	Won       int    `json:"won"`
}

// State est l'instantané autoritaire poussé par le serveur. Le client ne le
// modifie jamais : chaque poussée remplace entièrement la précédente.
type State struct {
	Board       [BoardSize]string `json:"board"`
	CurrentTurn string            `json:"currentTurn"` // sessionId du joueur qui a la main
	Players     Players           `json:"players"`
	GameOver    bool              `json:"gameOver"`
	Winner      string            `json:"winner"` // "", nom du joueur ou Draw
	Restarted   bool              `json:"restarted"`
	Draws       int               `json:"draws"`
}

// Occupied indique si la case i porte déjà un pion. Hors plateau compte comme occupé.
func (s State) Occupied(i int) bool {
	if i < 0 || i >= BoardSize {
		return true
	}
	return s.Board[i] != ""
}

var ErrWinnerWithoutGameOver = errors.New("game: winner set while game is not over")

// Validate vérifie les invariants du snapshot.
func (s State) Validate() error {
	if s.Winner != "" && !s.GameOver {
		return fmt.Errorf("%w (winner %q)", ErrWinnerWithoutGameOver, s.Winner)
	}
	return nil
}

// Players est la collection des joueurs indexée par sessionId. L'ordre
// d'itération est celui des clés reçues sur le fil, pas l'ordre d'arrivée.
type Players struct {
	order []string
	byID  map[string]Player
}

// NewPlayers construit une collection dans l'ordre donné. Un sessionId en double remplace l'entrée précédente.
func NewPlayers(players ...Player) Players {
	var p Players
	for _, pl := range players {
		p.put(pl.SessionID, pl)
	}
	return p
}

func (p *Players) put(id string, pl Player) {
	if p.byID == nil {
		p.byID = make(map[string]Player)
	}
	if _, exists := p.byID[id]; !exists {
		p.order = append(p.order, id)
	}
	p.byID[id] = pl
}

// Len retourne le nombre de joueurs.
func (p Players) Len() int { return len(p.order) }

// Get retourne le joueur de la session id.
func (p Players) Get(id string) (Player, bool) {
	pl, ok := p.byID[id]
	return pl, ok
}

// List retourne une copie ordonnée des joueurs.
func (p Players) List() []Player {
	out := make([]Player, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.byID[id])
	}
	return out
}

// BySymbol retrouve le joueur qui porte le pion symbol.
func (p Players) BySymbol(symbol string) (Player, bool) {
	for _, id := range p.order {
		if pl := p.byID[id]; pl.Symbol == symbol {
			return pl, true
		}
	}
	return Player{}, false
}

// UnmarshalJSON lit un objet {sessionId: Player} en conservant l'ordre des clés.
func (p *Players) UnmarshalJSON(data []byte) error {
	*p = Players{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("players: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		id, ok := tok.(string)
		if !ok {
			return fmt.Errorf("players: expected key, got %v", tok)
		}
		var pl Player
		if err := dec.Decode(&pl); err != nil {
			return fmt.Errorf("players[%s]: %w", id, err)
		}
		if pl.SessionID == "" {
			pl.SessionID = id
		}
		p.put(id, pl)
	}
	_, err = dec.Token()
	return err
}

// MarshalJSON écrit la collection en objet, clés dans l'ordre d'itération.
func (p Players) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range p.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p.byID[id])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

package transport

import (
	"encoding/json"
	"fmt"
)

// Envelope is the JSON frame exchanged over the room websocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame types handled by the transport itself. Anything else is routed to
// OnMessage handlers.
const (
	TypeJoined = "joined"
	TypeState  = "state"
	TypeError  = "error"
	TypeLeave  = "leave"
)

// JoinedPayload is the first frame of every successful (re)connection.
type JoinedPayload struct {
	RoomID            string `json:"roomId"`
	SessionID         string `json:"sessionId"`
	ReconnectionToken string `json:"reconnectionToken"`
}

// ErrorPayload is sent by the server to refuse a connection or to report a
// problem during play.
type ErrorPayload struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// ServerError carries a message reported by the server. Message is kept
// verbatim.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
	}
	return "server error: " + e.Message
}

// NewEnvelope marshals payload into an envelope of the given type. A nil
// payload yields an envelope without one.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env.Payload = data
	return env, nil
}

package session

// NoticeKind classifies user-visible notices.
type NoticeKind int

const (
	NoticeServerError NoticeKind = iota + 1
	NoticeFailure
	NoticeNoSession
	NoticeNotYourTurn
	NoticeGameOver
	NoticeWaitingForOpponent
	NoticeCannotRestart
	NoticeDisconnected
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeServerError:
		return "server_error"
	case NoticeFailure:
		return "failure"
	case NoticeNoSession:
		return "no_session"
	case NoticeNotYourTurn:
		return "not_your_turn"
	case NoticeGameOver:
		return "game_over"
	case NoticeWaitingForOpponent:
		return "waiting_for_opponent"
	case NoticeCannotRestart:
		return "cannot_restart"
	case NoticeDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Notice is a message for the user. It never changes session state.
type Notice struct {
	Kind NoticeKind
	Text string
}

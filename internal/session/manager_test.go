package session

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"tictac/game"
	"tictac/internal/store"
	"tictac/internal/transport"
)

type harness struct {
	client  *fakeClient
	store   *store.Memory
	mgr     *Manager
	notices []Notice
	redirs  []error
	spans   *tracetest.SpanRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		client: &fakeClient{},
		store:  store.NewMemory(),
		spans:  tracetest.NewSpanRecorder(),
	}
	h.mgr = New(h.client, h.store, Config{
		Logger:         log.New(io.Discard, "", 0),
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans)),
	})
	h.mgr.Notices().Subscribe(func(n Notice) { h.notices = append(h.notices, n) })
	h.mgr.Redirects().Subscribe(func(err error) { h.redirs = append(h.redirs, err) })
	return h
}

func (h *harness) creds(t *testing.T) store.Credentials {
	t.Helper()
	c, err := store.Load(context.Background(), h.store)
	if err != nil {
		t.Fatalf("load credentials: %v", err)
	}
	return c
}

func (h *harness) seed(t *testing.T, c store.Credentials) {
	t.Helper()
	if err := store.Save(context.Background(), h.store, c); err != nil {
		t.Fatalf("seed credentials: %v", err)
	}
}

func TestCreatePersistsIdentity(t *testing.T) {
	h := newHarness(t)

	roomID, err := h.mgr.Create(context.Background(), "Alex")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	room := h.client.rooms[0]
	if roomID != room.ID() {
		t.Fatalf("room id = %q, want %q", roomID, room.ID())
	}
	want := store.Credentials{RoomID: room.ID(), SessionID: room.SessionID(), Name: "Alex", ReconnectToken: room.ReconnectionToken()}
	if got := h.creds(t); got != want {
		t.Fatalf("credentials = %+v, want %+v", got, want)
	}
	if h.mgr.SessionID() != room.SessionID() {
		t.Fatalf("session id = %q, want %q", h.mgr.SessionID(), room.SessionID())
	}

	room.push(game.State{CurrentTurn: room.SessionID()})
	st, ok := h.mgr.States().Get()
	if !ok || st.CurrentTurn != room.SessionID() {
		t.Fatalf("expected pushed state on the feed, got %+v (ok=%v)", st, ok)
	}
}

func TestCreateFailureIsSurfacedWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.client.createErr = errors.New("connection refused")

	_, err := h.mgr.Create(context.Background(), "Alex")
	var ce *CreateError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CreateError, got %v", err)
	}
	if h.client.creates != 1 {
		t.Fatalf("expected exactly one attempt, got %d", h.client.creates)
	}
	if h.store.Len() != 0 {
		t.Fatalf("expected nothing persisted, got %d keys", h.store.Len())
	}
	if len(h.notices) != 1 || h.notices[0].Text != "Failed to create a room: connection refused" {
		t.Fatalf("unexpected notices %+v", h.notices)
	}

	spans := h.spans.Ended()
	if len(spans) != 1 || spans[0].Name() != "session.create" || spans[0].Status().Code != codes.Error {
		t.Fatalf("expected one failed session.create span, got %d spans", len(spans))
	}
}

func TestJoinSurfacesServerMessageVerbatim(t *testing.T) {
	h := newHarness(t)
	h.client.joinErr = &transport.ServerError{Code: 4003, Message: "Room is locked (already in progress)"}

	_, err := h.mgr.JoinByID(context.Background(), "ABC123", "Sam")
	var je *JoinError
	if !errors.As(err, &je) || je.RoomID != "ABC123" {
		t.Fatalf("expected JoinError for ABC123, got %v", err)
	}
	var se *transport.ServerError
	if !errors.As(err, &se) || se.Message != "Room is locked (already in progress)" {
		t.Fatalf("expected verbatim server message, got %v", err)
	}
	if len(h.notices) != 1 || h.notices[0].Text != "Failed to join room: Room is locked (already in progress)" {
		t.Fatalf("unexpected notices %+v", h.notices)
	}
}

func TestJoinAttachesListeners(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.JoinByID(context.Background(), "ABC123", "Sam"); err != nil {
		t.Fatalf("join: %v", err)
	}
	room := h.client.rooms[0]
	if s, e, l := room.handlerCounts(); s != 1 || e != 1 || l != 1 {
		t.Fatalf("expected one handler of each kind, got state=%d error=%d leave=%d", s, e, l)
	}
	if got := h.creds(t); got.Name != "Sam" || got.RoomID != "ABC123" {
		t.Fatalf("unexpected credentials %+v", got)
	}
}

func TestReconnectOrJoinWithoutCredentials(t *testing.T) {
	h := newHarness(t)

	err := h.mgr.ReconnectOrJoin(context.Background(), "")
	if !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if !NeedsOnboarding(err) {
		t.Fatal("expected onboarding to be required")
	}
	if len(h.redirs) != 1 {
		t.Fatalf("expected one redirect signal, got %d", len(h.redirs))
	}
	if h.client.reconnects != 0 {
		t.Fatalf("expected no network call, got %d reconnects", h.client.reconnects)
	}
}

func TestReconnectOrJoinReattachesLiveRoom(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.Create(context.Background(), "Alex"); err != nil {
		t.Fatalf("create: %v", err)
	}
	room := h.client.rooms[0]

	for i := 0; i < 3; i++ {
		if err := h.mgr.ReconnectOrJoin(context.Background(), room.ID()); err != nil {
			t.Fatalf("reconnectOrJoin: %v", err)
		}
	}
	if h.client.reconnects != 0 {
		t.Fatalf("expected no network round-trip, got %d reconnects", h.client.reconnects)
	}
	if s, e, l := room.handlerCounts(); s != 1 || e != 1 || l != 1 {
		t.Fatalf("expected listeners replaced, not stacked: state=%d error=%d leave=%d", s, e, l)
	}

	pushes := 0
	h.mgr.States().Subscribe(func(game.State) { pushes++ })
	room.push(game.State{})
	if pushes != 1 {
		t.Fatalf("expected one delivery per push, got %d", pushes)
	}
}

func TestReconnectOrJoinResumesWithToken(t *testing.T) {
	h := newHarness(t)
	h.seed(t, store.Credentials{RoomID: "ROOM-R", SessionID: "sess-old", Name: "Alex", ReconnectToken: "tok-old"})

	if err := h.mgr.ReconnectOrJoin(context.Background(), "ROOM-R"); err != nil {
		t.Fatalf("reconnectOrJoin: %v", err)
	}
	if h.client.lastToken != "tok-old" {
		t.Fatalf("expected persisted token to be exchanged, got %q", h.client.lastToken)
	}
	room := h.client.rooms[0]
	got := h.creds(t)
	if got.ReconnectToken != room.ReconnectionToken() {
		t.Fatalf("expected rotated token %q to be persisted, got %q", room.ReconnectionToken(), got.ReconnectToken)
	}
	if got.Name != "Alex" || got.SessionID != room.SessionID() {
		t.Fatalf("unexpected credentials %+v", got)
	}
	if id := h.mgr.Identity(); id.PlayerName != "Alex" || id.RoomID != "ROOM-R" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestReconnectFailureClearsEverything(t *testing.T) {
	h := newHarness(t)
	h.seed(t, store.Credentials{RoomID: "R", SessionID: "S", Name: "Alex", ReconnectToken: "stale"})
	_ = h.store.Set(context.Background(), store.KeySymbol, "X")
	h.client.reconnectErr = &transport.ServerError{Code: 401, Message: "invalid or expired reconnection token"}

	err := h.mgr.Reconnect(context.Background())
	var re *ReconnectError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReconnectError, got %v", err)
	}
	if !NeedsOnboarding(err) {
		t.Fatal("expected onboarding to be required")
	}
	for _, key := range []string{store.KeyRoomID, store.KeySessionID, store.KeyName, store.KeyConnectionToken, store.KeySymbol} {
		if _, ok, _ := h.store.Get(context.Background(), key); ok {
			t.Fatalf("expected %s to be cleared", key)
		}
	}
	if h.client.reconnects != 1 {
		t.Fatalf("expected a single attempt, got %d", h.client.reconnects)
	}
	if len(h.redirs) != 1 {
		t.Fatalf("expected one redirect signal, got %d", len(h.redirs))
	}
}

func TestReconnectOrJoinTreatsPartialCredentialsAsNone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.store.Set(ctx, store.KeyRoomID, "R")
	_ = h.store.Set(ctx, store.KeyConnectionToken, "tok")

	if err := h.mgr.ReconnectOrJoin(ctx, "R"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if h.client.reconnects != 0 {
		t.Fatal("expected no reconnect attempt with partial credentials")
	}
	if h.store.Len() != 0 {
		t.Fatalf("expected partial credentials to be cleared, %d keys left", h.store.Len())
	}
}

func TestReconnectOrJoinRejectsForeignRoom(t *testing.T) {
	h := newHarness(t)
	h.seed(t, store.Credentials{RoomID: "A", SessionID: "S", Name: "Alex", ReconnectToken: "tok"})

	if err := h.mgr.ReconnectOrJoin(context.Background(), "B"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession for a token issued for another room, got %v", err)
	}
	if h.client.reconnects != 0 {
		t.Fatal("expected no reconnect attempt")
	}
}

func TestLeaveClearsEvenWhenNotificationFails(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.Create(context.Background(), "Alex"); err != nil {
		t.Fatalf("create: %v", err)
	}
	room := h.client.rooms[0]
	room.leaveErr = errors.New("network down")

	if err := h.mgr.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !room.left {
		t.Fatal("expected the server to be notified")
	}
	if h.store.Len() != 0 {
		t.Fatalf("expected credentials cleared, %d keys left", h.store.Len())
	}
	if h.mgr.Active() {
		t.Fatal("expected no active room after leave")
	}
	if _, ok := h.mgr.States().Get(); ok {
		t.Fatal("expected state feed to be reset")
	}
}

func TestLeaveFromStateSubscriber(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.Create(context.Background(), "Alex"); err != nil {
		t.Fatalf("create: %v", err)
	}
	room := h.client.rooms[0]
	var leaveErr error
	h.mgr.States().Subscribe(func(s game.State) {
		if s.GameOver {
			leaveErr = h.mgr.Leave(context.Background())
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		room.push(game.State{GameOver: true, Winner: "Alex"})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Leave called from a state subscriber never returned")
	}
	if leaveErr != nil {
		t.Fatalf("leave: %v", leaveErr)
	}
	if !room.left || h.mgr.Active() || h.store.Len() != 0 {
		t.Fatalf("expected the session to be gone: left=%v active=%v keys=%d", room.left, h.mgr.Active(), h.store.Len())
	}
	if _, ok := h.mgr.States().Get(); ok {
		t.Fatal("expected state feed to be reset")
	}
}

func TestLeaveWithCanceledContextStillClears(t *testing.T) {
	h := newHarness(t)
	h.seed(t, store.Credentials{RoomID: "R", SessionID: "S", Name: "Alex", ReconnectToken: "tok"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.mgr.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if h.store.Len() != 0 {
		t.Fatalf("expected credentials cleared, %d keys left", h.store.Len())
	}
}

func TestSubmitWithoutSessionIsRecoverable(t *testing.T) {
	h := newHarness(t)

	if err := h.mgr.SubmitMove(3); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if err := h.mgr.SubmitRestart(); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if len(h.notices) != 2 || h.notices[0].Kind != NoticeNoSession {
		t.Fatalf("expected two no-session notices, got %+v", h.notices)
	}
}

func TestSubmitSendsFireAndForget(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.Create(context.Background(), "Alex"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.mgr.SubmitMove(4); err != nil {
		t.Fatalf("submit move: %v", err)
	}
	if err := h.mgr.SubmitRestart(); err != nil {
		t.Fatalf("submit restart: %v", err)
	}
	sent := h.client.rooms[0].sentMessages()
	if len(sent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sent))
	}
	if sent[0].Type != game.MsgMakeMove || sent[0].Payload != (game.MovePayload{Index: 4}) {
		t.Fatalf("unexpected move message %+v", sent[0])
	}
	if sent[1].Type != game.MsgRestart {
		t.Fatalf("unexpected restart message %+v", sent[1])
	}
}

func TestAbandonedCreateIsDiscardedAfterLeave(t *testing.T) {
	h := newHarness(t)
	h.client.gate = make(chan struct{})
	h.client.entered = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := h.mgr.Create(context.Background(), "Alex")
		errc <- err
	}()

	<-h.client.entered
	if err := h.mgr.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	close(h.client.gate)

	err := <-errc
	if !errors.Is(err, ErrSessionCleared) {
		t.Fatalf("expected ErrSessionCleared, got %v", err)
	}
	if h.store.Len() != 0 {
		t.Fatalf("expected no credentials, %d keys found", h.store.Len())
	}
	if room := h.client.rooms[0]; !room.left {
		t.Fatal("expected the late room to be left")
	}
	if h.mgr.Active() {
		t.Fatal("expected no active room")
	}
}

func TestServerLeaveCodes(t *testing.T) {
	t.Run("consented", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.mgr.Create(context.Background(), "Alex"); err != nil {
			t.Fatalf("create: %v", err)
		}
		h.client.rooms[0].drop(transport.CloseConsented)
		if h.mgr.Active() {
			t.Fatal("expected room to be dropped")
		}
		if h.store.Len() != 0 {
			t.Fatalf("expected credentials cleared, %d keys left", h.store.Len())
		}
	})

	t.Run("abnormal", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.mgr.Create(context.Background(), "Alex"); err != nil {
			t.Fatalf("create: %v", err)
		}
		h.client.rooms[0].drop(1006)
		if h.mgr.Active() {
			t.Fatal("expected room to be dropped")
		}
		if !h.creds(t).Complete() {
			t.Fatal("expected credentials to survive an abnormal close")
		}
		if len(h.notices) != 1 || h.notices[0].Kind != NoticeDisconnected {
			t.Fatalf("expected a disconnect notice, got %+v", h.notices)
		}
		// the next resume goes over the network
		if err := h.mgr.ReconnectOrJoin(context.Background(), ""); err != nil {
			t.Fatalf("reconnectOrJoin: %v", err)
		}
		if h.client.reconnects != 1 {
			t.Fatalf("expected a reconnect, got %d", h.client.reconnects)
		}
	})
}

func TestServerErrorBecomesNotice(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.Create(context.Background(), "Alex"); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.client.rooms[0].serverError("not your turn")
	if len(h.notices) != 1 || h.notices[0].Kind != NoticeServerError {
		t.Fatalf("expected a server error notice, got %+v", h.notices)
	}
	if !strings.HasSuffix(h.notices[0].Text, "not your turn") {
		t.Fatalf("unexpected notice text %q", h.notices[0].Text)
	}
	if !h.mgr.Active() {
		t.Fatal("server errors must not end the session")
	}
}

func TestStalePushesFromReplacedRoomAreIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.mgr.Create(ctx, "Alex"); err != nil {
		t.Fatalf("create: %v", err)
	}
	first := h.client.rooms[0]
	if _, err := h.mgr.JoinByID(ctx, "OTHER", "Alex"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !first.left {
		t.Fatal("expected previous room to be left")
	}
	first.push(game.State{CurrentTurn: "ghost"})
	if st, ok := h.mgr.States().Get(); ok && st.CurrentTurn == "ghost" {
		t.Fatal("expected push from replaced room to be ignored")
	}
}

func TestForgetDropsLiveRoom(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.Create(context.Background(), "Alex"); err != nil {
		t.Fatalf("create: %v", err)
	}
	room := h.client.rooms[0]
	room.push(game.State{CurrentTurn: room.SessionID()})

	if err := h.mgr.Forget(context.Background()); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if !room.closed || room.left {
		t.Fatalf("expected the connection dropped without a leave: closed=%v left=%v", room.closed, room.left)
	}
	if h.mgr.Active() || h.mgr.SessionID() != "" || h.store.Len() != 0 {
		t.Fatalf("expected no session: active=%v id=%q keys=%d", h.mgr.Active(), h.mgr.SessionID(), h.store.Len())
	}
	if state, errs, leave := room.handlerCounts(); state+errs+leave != 0 {
		t.Fatalf("expected listeners detached, got %d/%d/%d", state, errs, leave)
	}
	if _, ok := h.mgr.States().Get(); ok {
		t.Fatal("expected state feed to be reset")
	}
	if err := h.mgr.SubmitMove(0); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession after forget, got %v", err)
	}
}

func TestFailedReconnectDropsLiveRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.mgr.Create(ctx, "Alex"); err != nil {
		t.Fatalf("create: %v", err)
	}
	live := h.client.rooms[0]
	h.seed(t, store.Credentials{RoomID: "OTHER", SessionID: "S", Name: "Alex", ReconnectToken: "stale"})
	h.client.reconnectErr = &transport.ServerError{Code: 401, Message: "invalid or expired reconnection token"}

	var re *ReconnectError
	if err := h.mgr.ReconnectOrJoin(ctx, "OTHER"); !errors.As(err, &re) {
		t.Fatalf("expected ReconnectError, got %v", err)
	}
	if !live.closed || h.mgr.Active() || h.mgr.SessionID() != "" {
		t.Fatalf("expected the previous room dropped: closed=%v active=%v", live.closed, h.mgr.Active())
	}
}

func TestCloseKeepsCredentials(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.Create(context.Background(), "Alex"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.mgr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !h.client.rooms[0].closed {
		t.Fatal("expected connection to be closed")
	}
	if !h.creds(t).Complete() {
		t.Fatal("expected credentials to be kept for a later resume")
	}
}

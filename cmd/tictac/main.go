package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.opentelemetry.io/otel/trace"

	"tictac/game"
	"tictac/internal/config"
	"tictac/internal/guard"
	"tictac/internal/projector"
	"tictac/internal/room"
	"tictac/internal/session"
	"tictac/internal/store"
	"tictac/internal/store/sqlite"
	"tictac/internal/telemetry"
	"tictac/internal/transport"
)

const usage = `commands:
  create <name>           open a new room
  join <roomId> <name>    join a room by its code
  resume [roomId]         resume the saved session
  move <0-8>              play a cell
  restart                 start a new round once the game is decided
  leave                   leave the room and forget the session
  board                   show the board again
  quit                    exit, keeping the session resumable`

// ---------------- CONSOLE ----------------

// console sérialise les écritures : la boucle de la salle écrit en parallèle
// de la lecture de stdin.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

// ---------------- HÔTE ----------------

type host struct {
	ctx    context.Context
	mgr    *session.Manager
	out    *console
	logger *log.Logger

	scope   *room.Scope
	cancels []func()
}

func newHost(ctx context.Context, mgr *session.Manager, out io.Writer, logger *log.Logger) *host {
	h := &host{ctx: ctx, mgr: mgr, out: &console{w: out}, logger: logger}
	mgr.Notices().Subscribe(func(n session.Notice) {
		h.out.printf("! %s\n", n.Text)
	})
	mgr.Redirects().Subscribe(func(error) {
		h.out.printf("No session to resume. Create or join a room.\n")
	})
	return h
}

// attach ouvre la portée de la salle et branche l'affichage.
func (h *host) attach(roomID string) error {
	h.detach()
	sc, err := room.Attach(h.ctx, h.mgr, roomID, h.logger)
	if err != nil {
		return err
	}
	h.scope = sc
	h.cancels = append(h.cancels,
		sc.Projector.Turn().Subscribe(func(projector.Turn) { h.render(sc) }),
		sc.Projector.OnRestart(func() { h.out.printf("New round!\n") }),
	)
	h.out.printf("Room %s. Share this code with your opponent.\n", sc.RoomID)
	return nil
}

func (h *host) detach() {
	for _, cancel := range h.cancels {
		cancel()
	}
	h.cancels = nil
	if h.scope != nil {
		h.scope.Detach()
		h.scope = nil
	}
}

func (h *host) render(sc *room.Scope) {
	snap, ok := sc.Projector.Snapshot()
	if !ok {
		h.out.printf("Waiting for the first state...\n")
		return
	}
	var b strings.Builder
	names := make([]string, 0, len(snap.Players))
	for _, pl := range snap.Players {
		tag := fmt.Sprintf("%s (%s, %d won)", pl.Name, pl.Symbol, pl.Won)
		if !pl.Connected {
			tag += " [away]"
		}
		names = append(names, tag)
	}
	fmt.Fprintf(&b, "\n%s | draws: %d\n", strings.Join(names, " vs "), snap.Draws)
	for r := 0; r < 3; r++ {
		cells := make([]string, 3)
		for c := range cells {
			i := r*3 + c
			cells[c] = snap.State.Board[i]
			if cells[c] == "" {
				cells[c] = strconv.Itoa(i)
			}
		}
		fmt.Fprintf(&b, " %s\n", strings.Join(cells, " | "))
		if r < 2 {
			b.WriteString("---+---+---\n")
		}
	}
	fmt.Fprintf(&b, "%s\n", projector.TurnLabel(snap))
	h.out.printf("%s", b.String())
}

// exec interprète une ligne de commande. Elle renvoie true pour quitter.
func (h *host) exec(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	args := fields[1:]
	switch strings.ToLower(fields[0]) {
	case "create":
		if len(args) == 0 {
			h.out.printf("usage: create <name>\n")
			return false
		}
		roomID, err := h.mgr.Create(h.ctx, strings.Join(args, " "))
		if err != nil {
			h.logger.Printf("❌ création refusée : %v", err)
			return false
		}
		h.resume(roomID)
	case "join":
		if len(args) < 2 {
			h.out.printf("usage: join <roomId> <name>\n")
			return false
		}
		roomID := args[0]
		if _, err := h.mgr.JoinByID(h.ctx, roomID, strings.Join(args[1:], " ")); err != nil {
			h.logger.Printf("❌ salle %s refusée : %v", roomID, err)
			return false
		}
		h.resume(roomID)
	case "resume":
		roomID := ""
		if len(args) > 0 {
			roomID = args[0]
		}
		h.resume(roomID)
	case "move":
		if len(args) != 1 {
			h.out.printf("usage: move <0-8>\n")
			return false
		}
		index, err := strconv.Atoi(args[0])
		if err != nil {
			h.out.printf("usage: move <0-8>\n")
			return false
		}
		h.move(index)
	case "restart":
		if h.scope == nil {
			_ = h.mgr.SubmitRestart()
			return false
		}
		if err := h.scope.Restart(); err != nil {
			h.logger.Printf("restart : %v", err)
		}
	case "leave":
		var err error
		if h.scope != nil {
			err = h.scope.Leave(h.ctx)
			h.detach()
		} else {
			err = h.mgr.Leave(h.ctx)
		}
		if err != nil {
			h.logger.Printf("❌ départ : %v", err)
			return false
		}
		h.out.printf("Left the room.\n")
	case "board":
		if h.scope != nil {
			h.render(h.scope)
		}
	case "help":
		h.out.printf("%s\n", usage)
	case "quit", "exit":
		return true
	default:
		h.out.printf("unknown command %q\n%s\n", fields[0], usage)
	}
	return false
}

func (h *host) resume(roomID string) {
	if err := h.attach(roomID); err != nil {
		h.logger.Printf("reprise de la salle %q : %v", roomID, err)
	}
}

func (h *host) move(index int) {
	if h.scope == nil {
		_ = h.mgr.SubmitMove(index)
		return
	}
	err := h.scope.AttemptMove(index)
	var mr *guard.MoveRejected
	switch {
	case err == nil:
	case errors.As(err, &mr) && mr.Reason == guard.ReasonOutOfRange:
		h.out.printf("cells go from 0 to %d\n", game.BoardSize-1)
	case errors.As(err, &mr):
		h.logger.Printf("coup %d ignoré : %s", index, mr.Reason)
	default:
		h.logger.Printf("coup %d : %v", index, err)
	}
}

// ---------------- BOUCLE ----------------

// run branche tout et lit les commandes jusqu'à quit ou fin d'entrée.
func run(ctx context.Context, cfg config.Config, st store.Store, tp trace.TracerProvider, in io.Reader, out io.Writer, logger *log.Logger) error {
	client, err := transport.Connect(cfg.ServerURL, transport.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	mgr := session.New(client, st, session.Config{
		RoomKind:       cfg.RoomKind,
		Logger:         logger,
		TracerProvider: tp,
	})
	h := newHost(ctx, mgr, out, logger)
	defer func() {
		h.detach()
		_ = mgr.Close()
	}()

	// Des identifiants complets au démarrage : on tente la reprise.
	if creds, err := store.Load(ctx, st); err == nil && creds.Complete() {
		h.out.printf("Resuming room %s as %s...\n", creds.RoomID, creds.Name)
		h.resume(creds.RoomID)
	} else {
		h.out.printf("%s\n", usage)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || h.exec(line) {
				return nil
			}
		}
	}
}

// ---------------- MAIN ----------------

func main() {
	logger := log.New(os.Stderr, "[tictac] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("configuration : %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.Setup(ctx, telemetry.Options{
		Endpoint: cfg.OTelEndpoint,
		Enabled:  cfg.OTelEnabled,
		RoomKind: cfg.RoomKind,
	})
	if err != nil {
		logger.Printf("⚠️ télémétrie désactivée : %v", err)
	} else if tracing.Exporting() {
		logger.Printf("📡 traces envoyées à %s", cfg.OTelEndpoint)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Printf("télémétrie : %v", err)
		}
	}()

	st, err := sqlite.Open(ctx, cfg.StorePath)
	if err != nil {
		logger.Fatalf("ouverture de %s : %v", cfg.StorePath, err)
	}
	defer st.Close()

	logger.Printf("✅ Client prêt : %s", cfg.ServerURL)
	if err := run(ctx, cfg, st, tracing.Provider, os.Stdin, os.Stdout, logger); err != nil {
		logger.Printf("❌ %v", err)
	}
}

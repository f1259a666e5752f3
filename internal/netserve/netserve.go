// Package netserve runs the TCP front end: one goroutine per connection
// reading lines, a single goroutine dispatching them against the graph so
// every mutation is still totally ordered despite Go's goroutine-per-
// connection model, and a write-ahead-log transaction bracketing every
// command that actually mutates the store.
package netserve

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tagdex/tagdexd/internal/graph"
	"github.com/tagdex/tagdexd/internal/normalize"
	"github.com/tagdex/tagdexd/internal/protocol"
	"github.com/tagdex/tagdexd/internal/walog"
)

// MaxConnections is the number of simultaneously active clients this
// server accepts; the next connection is told the server is busy and
// closed.
const MaxConnections = 100

// Config holds the tunables ListenAndServe needs beyond the graph and log
// writer it is handed directly.
type Config struct {
	Addr          string
	RatePerSecond float64 // per-connection command rate limit
	RateBurst     int
}

// Server accepts connections on a TCP address and dispatches every command
// line through a single serialising goroutine.
type Server struct {
	cfg    Config
	store  *graph.Store
	writer *walog.Writer

	active sync.WaitGroup
	connCh chan struct{} // bounded semaphore of MaxConnections slots

	requests chan dispatchRequest

	// Ready, if set, receives the actual listen address once the accept
	// loop is up — useful for tests that bind to ":0" and need the
	// kernel-assigned port before connecting.
	Ready chan string
}

type dispatchRequest struct {
	line  string
	user  **graph.User // pointer-to-pointer: the connection's current identity, updated in place by "a"
	reply chan dispatchReply
}

type dispatchReply struct {
	text  string
	fatal bool
}

// New builds a Server over store and writer. writer may be nil if the
// caller wants an in-memory-only server (e.g. tests) with no durable log.
func New(cfg Config, store *graph.Store, writer *walog.Writer) *Server {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		writer:   writer,
		connCh:   make(chan struct{}, MaxConnections),
		requests: make(chan dispatchRequest),
	}
}

// ListenAndServe runs the accept loop and the serialising dispatcher until
// ctx is cancelled, then drains in-flight connections and returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("netserve: listen %s: %w", s.cfg.Addr, err)
	}
	defer ln.Close()

	if s.Ready != nil {
		s.Ready <- ln.Addr().String()
	}

	go s.runDispatcher(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.acceptLoop(ctx, ln)
	}()

	select {
	case <-ctx.Done():
		ln.Close()
		s.active.Wait()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("netserve: accept: %w", err)
		}

		select {
		case s.connCh <- struct{}{}:
			connID := uuid.New().String()
			s.active.Add(1)
			go func() {
				defer s.active.Done()
				defer func() { <-s.connCh }()
				slog.Info("netserve: connection opened", "conn", connID, "remote", conn.RemoteAddr())
				s.handleConn(ctx, conn)
				slog.Info("netserve: connection closed", "conn", connID)
			}()
		default:
			busy := protocol.NewFatal(protocol.KindOverflow, "server busy")
			conn.Write([]byte(busy.Reply()))
			conn.Close()
		}
	}
}

// runDispatcher is the single goroutine that ever mutates the graph or
// writes to the log, guaranteeing every command across every connection is
// applied in the order it arrives here.
func (s *Server) runDispatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.requests:
			text, fatal := s.dispatchOne(req)
			req.reply <- dispatchReply{text: text, fatal: fatal}
		}
	}
}

func (s *Server) dispatchOne(req dispatchRequest) (string, bool) {
	var tx *walog.Tx
	if s.writer != nil {
		var err error
		tx, err = s.writer.Begin()
		if err != nil {
			slog.Error("netserve: begin transaction", "error", err)
			return protocol.NewError(protocol.KindOOM, "could not open transaction").Reply(), false
		}
	}

	ctx := &protocol.Context{Store: s.store, User: *req.user}
	if tx != nil {
		ctx.LogCommand = tx.Data
	}

	text, fatal := protocol.Dispatch(ctx, req.line)
	*req.user = ctx.User

	if tx != nil && tx.HasData() {
		if err := tx.Commit(time.Now().Unix()); err != nil {
			slog.Error("netserve: commit transaction", "error", err)
			return protocol.NewError(protocol.KindOOM, "could not persist command").Reply(), true
		}
	}
	return text, fatal
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	user, _ := s.store.GetUser("")
	reader := bufio.NewReaderSize(conn, protocol.MaxLineLength+1)
	writer := bufio.NewWriter(conn)
	defer writer.Flush()

	limiter := rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.RateBurst)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		raw, err := reader.ReadString('\n')
		if err != nil {
			if len(raw) > 0 {
				e := protocol.NewFatal(protocol.KindReadFailed, "connection closed mid-line")
				writer.WriteString(e.Reply())
				writer.Flush()
			}
			return
		}
		if len(raw) > protocol.MaxLineLength {
			e := protocol.NewFatal(protocol.KindLineTooLong, "line exceeds maximum length")
			writer.WriteString(e.Reply())
			writer.Flush()
			return
		}

		line := strings.TrimRight(raw, "\r\n")
		normalized, nerr := normalize.Line(line)
		if nerr != nil {
			e := protocol.NewFatal(protocol.KindUTF8Invalid, "line is not valid utf-8")
			writer.WriteString(e.Reply())
			writer.Flush()
			return
		}

		replyCh := make(chan dispatchReply, 1)
		select {
		case s.requests <- dispatchRequest{line: normalized, user: &user, reply: replyCh}:
		case <-ctx.Done():
			return
		}

		var reply dispatchReply
		select {
		case reply = <-replyCh:
		case <-ctx.Done():
			return
		}

		if _, err := writer.WriteString(reply.text); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
		if reply.fatal {
			return
		}
	}
}

package httpserver

import (
	"bufio"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"

	"personalcloud/internal/auth"
	"personalcloud/internal/config"
	"personalcloud/internal/store"
	"personalcloud/internal/upload"
	"personalcloud/internal/wire"
)

type Options struct {
	Config config.Config
	// Addr overrides Config.Addr() when set, e.g. "127.0.0.1:0" in tests.
	Addr   string
	Logger zerolog.Logger
}

type state int

const (
	stateStopped state = iota
	stateRunning
)

// Server accepts connections and serves exactly one request on each.
type Server struct {
	cfg     config.Config
	addr    string
	log     zerolog.Logger
	store   *store.Store
	uploads *upload.Manager
	auth    *auth.Basic
	routes  []route

	webFS fs.FS

	mu    sync.Mutex
	state state
	ln    net.Listener
	done  chan struct{}
	conns sync.WaitGroup
}

//go:embed web/index.html
var embeddedWeb embed.FS

func New(opts Options) (*Server, error) {
	st, err := store.New(opts.Config.Root)
	if err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	if err := st.Reserve(upload.ChunksDirName); err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	basic, err := auth.New(opts.Config)
	if err != nil {
		return nil, err
	}
	sub, err := fs.Sub(embeddedWeb, "web")
	if err != nil {
		return nil, err
	}
	addr := opts.Addr
	if addr == "" {
		addr = opts.Config.Addr()
	}
	s := &Server{
		cfg:     opts.Config,
		addr:    addr,
		log:     opts.Logger,
		store:   st,
		uploads: upload.New(st.Root()),
		auth:    basic,
		webFS:   sub,
	}
	s.routes = s.routeTable()
	return s, nil
}

// Start binds the listener and runs the accept loop in the background. It
// is a no-op while the server is already running.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateRunning {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	s.ln = ln
	s.done = make(chan struct{})
	s.state = stateRunning
	go s.acceptLoop(ln, s.done)

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("root", s.store.Root()).
		Int("max_conns", s.cfg.MaxConns).
		Msg("server started")
	s.reportPendingUploads()
	return nil
}

// Stop closes the listener. Requests already being served run to completion.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateStopped {
		return nil
	}
	s.state = stateStopped
	err := s.ln.Close()
	s.log.Info().Msg("server stopped")
	return err
}

// Shutdown stops accepting and waits for in-flight requests or ctx. Every
// connection admitted before Stop is waited for.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.Stop(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	idle := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the accept loop is active.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

// Addr returns the bound address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning {
		return nil
	}
	return s.ln.Addr()
}

// Done is closed when the current accept loop has exited.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Server) current(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning && s.ln == ln
}

func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.current(ln) || errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			s.log.Error().Err(err).Dur("retry_in", delay).Msg("accept failed")
			time.Sleep(delay)
			continue
		}
		delay = 0
		if !s.admit(ln) {
			// Stopped between Accept and here.
			_ = conn.Close()
			return
		}
		go s.serveConn(conn)
	}
}

// admit counts a new connection against Shutdown's wait. It refuses once
// Stop has run, so Add never races with a Wait that Shutdown started.
func (s *Server) admit(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning || s.ln != ln {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *Server) serveConn(c net.Conn) {
	defer s.conns.Done()
	defer c.Close()

	lg := s.log.With().Str("conn", uuid.NewString()).Str("remote", c.RemoteAddr().String()).Logger()
	defer func() {
		if r := recover(); r != nil {
			lg.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("request handler panicked")
		}
	}()

	bw := bufio.NewWriter(c)
	req, err := wire.ReadRequest(bufio.NewReader(c))
	if err != nil {
		if errors.Is(err, wire.ErrMalformedRequest) {
			lg.Warn().Err(err).Msg("bad request")
			_ = wire.WriteText(bw, 400, wire.TypeText, "Bad Request")
		}
		return
	}
	lg = lg.With().Str("method", req.Method).Str("path", req.Path).Logger()

	if !s.auth.Authenticate(req.Header) {
		lg.Info().Int("status", 401).Msg("authentication required")
		if err := s.auth.Challenge(bw); err != nil {
			lg.Debug().Err(err).Msg("write challenge")
		}
		return
	}
	s.dispatch(context.Background(), bw, req, lg)
}

func (s *Server) reportPendingUploads() {
	pending, err := s.uploads.Pending()
	if err != nil {
		s.log.Warn().Err(err).Msg("scan pending uploads")
		return
	}
	for _, p := range pending {
		s.log.Warn().
			Str("upload_id", p.ID).
			Int("chunks", p.Chunks).
			Str("size", humanize.IBytes(uint64(p.Bytes))).
			Str("last_chunk", humanize.Time(p.Modified)).
			Msg("incomplete upload session on disk; remove it by hand if abandoned")
	}
}

// Package server implements the server role: it accepts connections, runs a
// proxy node on each, and answers the requests that name things on the
// server side (Fetch, ListExports, Shutdown, Eval) from its Front.
//
// Connection lifecycle:
//
//	Accept → transport.Conn → node.New → install request handlers → node.Serve
//	  → peer Bye / disconnect / Shutdown → node closed → OnDisconnect hooks
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"proxy-rmi/attr"
	"proxy-rmi/message"
	"proxy-rmi/middleware"
	"proxy-rmi/node"
	"proxy-rmi/transport"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Options configures a Server.
type Options struct {
	Transport   transport.Options
	Attrs       *attr.Registry
	EvalEnabled bool // security sensitive; off unless explicitly set
	Evaluator   Evaluator
	Logger      *zerolog.Logger
}

// Server serves a Front to any number of connections.
type Server struct {
	front       Front
	opts        Options
	log         zerolog.Logger
	middlewares []middleware.Middleware

	mu           sync.Mutex
	listener     net.Listener
	nodes        map[*node.Node]struct{}
	onConnect    []func(*node.Node)
	onDisconnect []func(*node.Node, string)

	shutdown atomic.Bool // set before the listener is closed so Accept errors are expected
	wg       sync.WaitGroup
}

func New(front Front, opts Options) *Server {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = &logger
	}
	if opts.Attrs == nil {
		opts.Attrs = attr.New()
	}
	return &Server{
		front: front,
		opts:  opts,
		log:   logger,
		nodes: make(map[*node.Node]struct{}),
	}
}

// Use registers a middleware for inbound requests. Middlewares apply in the
// order they are added, to connections accepted afterwards.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
}

// OnConnect registers fn to run for each new connection's node, before it
// serves its first request.
func (s *Server) OnConnect(fn func(*node.Node)) {
	s.mu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.mu.Unlock()
}

// OnDisconnect registers fn to run when a connection's node has closed.
func (s *Server) OnDisconnect(fn func(n *node.Node, reason string)) {
	s.mu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.mu.Unlock()
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Nodes returns the number of open connections.
func (s *Server) Nodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// ListenAndServe listens on network ("tcp" or "unix") and serves. A stale
// Unix socket file is removed before listening and after serving.
func (s *Server) ListenAndServe(network, address string) error {
	if network == "unix" {
		removeStaleSocket(address)
		defer removeStaleSocket(address)
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func removeStaleSocket(path string) {
	if fi, err := os.Stat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		os.Remove(path)
	}
}

// Serve accepts connections on ln until Shutdown, serving each on its own
// goroutine. It returns nil after Shutdown once every connection has ended.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		if ln != nil {
			ln.Close()
		}
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("server listening")

	var g errgroup.Group
	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				// Shutdown closes the listener; the Accept error is then expected.
				if s.shutdown.Load() {
					return nil
				}
				s.stop("accept failed")
				return err
			}
			conn := transport.New(nc, transport.RoleServer, s.opts.Transport)
			g.Go(func() error {
				s.ServeConn(conn)
				return nil
			})
		}
	})
	return g.Wait()
}

// ServeConn runs a node on conn and blocks until it closes. It lets a
// server answer on streams it did not accept itself, such as a pipe pair.
func (s *Server) ServeConn(conn *transport.Conn) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	mws := append([]middleware.Middleware(nil), s.middlewares...)
	connectHooks := append(([]func(*node.Node))(nil), s.onConnect...)
	s.mu.Unlock()

	n := node.New(conn, node.Options{Attrs: s.opts.Attrs, Middleware: mws})
	s.install(n)
	if !s.track(n) {
		n.Close("server shutting down")
		return
	}
	n.OnClose(func(reason string) { s.untrack(n, reason) })
	n.Logger().Info().Msg("connection accepted")

	for _, fn := range connectHooks {
		fn(n)
	}
	if err := n.Serve(); err != nil {
		n.Logger().Warn().Err(err).Msg("connection ended with error")
	}
}

func (s *Server) track(n *node.Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.nodes[n] = struct{}{}
	return true
}

func (s *Server) untrack(n *node.Node, reason string) {
	s.mu.Lock()
	delete(s.nodes, n)
	hooks := append(([]func(*node.Node, string))(nil), s.onDisconnect...)
	s.mu.Unlock()
	n.Logger().Info().Str("reason", reason).Msg("connection closed")
	for _, fn := range hooks {
		fn(n, reason)
	}
}

// install sets up the handlers answering the server-side requests on n.
func (s *Server) install(n *node.Node) {
	n.Handle(message.TypeFetch, func(ctx context.Context, req *message.Message) *message.Message {
		v, ok := s.front.Lookup(req.Name)
		if !ok {
			return message.Error("KeyError", fmt.Sprintf("no export named %q", req.Name), nil)
		}
		return n.Export(v)
	})
	n.Handle(message.TypeListExports, func(ctx context.Context, req *message.Message) *message.Message {
		names := s.front.Names()
		list := make([]any, len(names))
		for i, name := range names {
			list[i] = name
		}
		return message.Literal(list)
	})
	n.Handle(message.TypeShutdown, func(ctx context.Context, req *message.Message) *message.Message {
		n.Logger().Warn().Msg("shutdown requested by peer")
		n.Close("shutdown requested")
		s.stop("shutdown requested")
		return nil
	})
	n.Handle(message.TypeEval, func(ctx context.Context, req *message.Message) *message.Message {
		if !s.opts.EvalEnabled || s.opts.Evaluator == nil {
			n.Logger().Warn().Msg("rejected eval request")
			return message.Error(node.TypeSecurityError, "eval disabled", nil)
		}
		v, err := s.opts.Evaluator.Eval(ctx, req.Name)
		if err != nil {
			return message.Error("EvalError", err.Error(), nil)
		}
		return n.Export(v)
	})
}

// stop closes the listener and every open node without waiting.
func (s *Server) stop(reason string) {
	s.mu.Lock()
	s.shutdown.Store(true)
	ln := s.listener
	nodes := make([]*node.Node, 0, len(s.nodes))
	for n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, n := range nodes {
		n.Close(reason)
	}
}

// Shutdown stops accepting connections, closes every open node (each peer
// receives Bye) and waits up to timeout for their serving goroutines to end.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.stop("server shutdown")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for connections to close")
	}
}

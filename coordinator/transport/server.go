package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/4ier/retire-cluster/coordinator/registry"
	"github.com/4ier/retire-cluster/coordinator/scheduler"
)

// Config carries the listener and per-connection tunables.
type Config struct {
	Addr             string
	MaxConnections   int
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	MaxMessageBytes  int
	OutboxSize       int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:             addr,
		MaxConnections:   100,
		HandshakeTimeout: 10 * time.Second,
		IdleTimeout:      10 * time.Minute,
		MaxMessageBytes:  1 << 20,
		OutboxSize:       64,
	}
}

// Server accepts worker connections and runs one handler per socket.
type Server struct {
	cfg       Config
	registry  *registry.Registry
	scheduler *scheduler.Scheduler

	mu       sync.Mutex
	listener net.Listener
	active   int
}

// NewServer wires the worker-facing TCP server.
func NewServer(cfg Config, reg *registry.Registry, sched *scheduler.Scheduler) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}
	return &Server{cfg: cfg, registry: reg, scheduler: sched}
}

// Listen binds the TCP listener. A bind failure is fatal to the
// process; the caller turns it into a nonzero exit.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	log.Printf("transport: listening for workers on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until ctx ends or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("transport: Serve before Listen")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.tryAcquireSlot() {
			log.Printf("transport: connection cap (%d) reached, rejecting %s", s.cfg.MaxConnections, conn.RemoteAddr())
			conn.Close()
			continue
		}

		h := newConnHandler(s, conn)
		go func() {
			defer s.releaseSlot()
			h.run(ctx)
		}()
	}
}

func (s *Server) tryAcquireSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.cfg.MaxConnections {
		return false
	}
	s.active++
	return true
}

func (s *Server) releaseSlot() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

// ActiveConnections reports the number of live worker sockets.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

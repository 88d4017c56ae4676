// Package control implements the loopback TCP command protocol that
// exposes the daemon's Pool, Persister, and Scheduler to local clients.
package control

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fpl9000/EGD/core"
)

// maxGetEntropyBytes is the hard cap on a single getentropy request.
const maxGetEntropyBytes = 16 * 1024 * 1024

// connRateLimit bounds how many connections per second the server as a whole
// serves (with a burst of the same size). The limiter is shared by all
// connections, not kept per connection: once it is exhausted, every new
// connection, from any client, is answered with "ERR rate limited".
const connRateLimit = 50

// Server listens on 127.0.0.1:<port>, accepts one command per connection,
// and dispatches it to Pool/Persister/Scheduler.
type Server struct {
	Pool      *core.Pool
	Persister *core.Persister
	Scheduler *core.Scheduler
	Logger    *slog.Logger
	Port      int

	// OnStop is invoked when a "stop" command is received, after the final
	// persist, so the caller can trigger the rest of the daemon's shutdown
	// sequence.
	OnStop func()

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	limiter  *rate.Limiter
	stopping bool
}

// NewServer creates a control server bound to the given port.
func NewServer(pool *core.Pool, persister *core.Persister, scheduler *core.Scheduler, logger *slog.Logger, port int) *Server {
	return &Server{
		Pool:      pool,
		Persister: persister,
		Scheduler: scheduler,
		Logger:    logger,
		Port:      port,
		limiter:   rate.NewLimiter(rate.Limit(connRateLimit), connRateLimit),
	}
}

// ListenAndServe binds the loopback listener and accepts connections until
// Stop is called. It blocks until the listener closes.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control server listen %q: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.Logger.Info(fmt.Sprintf("control server listening on %s", addr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if stopping {
				return nil
			}
			return fmt.Errorf("control server accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop stops accepting connections, waits up to gracePeriod for in-flight
// handlers to finish, and returns. It does not itself persist or quiesce
// the scheduler; callers orchestrate that ordering via shutdown hooks.
func (s *Server) Stop(gracePeriod time.Duration) {
	s.mu.Lock()
	s.stopping = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(gracePeriod):
		s.Logger.Warn("control server stop: grace period elapsed with handlers still in flight")
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if !s.limiter.Allow() {
		_, _ = conn.Write([]byte("ERR rate limited, try again\n"))
		return
	}

	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
	}
	line = strings.TrimSpace(line)

	reply := s.dispatch(conn, line)
	if reply != "" {
		_, _ = conn.Write([]byte(reply))
	}
}

// dispatch parses and executes one command, writing any byte payload
// directly to conn (for getentropy) and returning the textual reply to be
// written afterward, or "" if the reply (and any payload) were already
// written.
func (s *Server) dispatch(conn net.Conn, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command\n"
	}

	switch fields[0] {
	case "status":
		return s.cmdStatus()
	case "getentropy":
		return s.cmdGetEntropy(conn, fields)
	case "persist":
		return s.cmdPersist()
	case "stop":
		return s.cmdStop()
	default:
		return fmt.Sprintf("ERR unknown command %q\n", fields[0])
	}
}

func (s *Server) cmdStatus() string {
	totalBytes, totalBits, maxBytes, numChunks := s.Pool.Stats()
	return fmt.Sprintf("OK total_bytes=%d total_bits=%d max_bytes=%d chunks=%d\n",
		totalBytes, totalBits, maxBytes, numChunks)
}

func (s *Server) cmdGetEntropy(conn net.Conn, fields []string) string {
	if len(fields) != 2 {
		return "ERR getentropy requires exactly one argument\n"
	}

	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 1 {
		return "ERR getentropy argument must be a positive integer\n"
	}

	clamped := false
	if n > maxGetEntropyBytes {
		n = maxGetEntropyBytes
		clamped = true
	}

	data, bits := s.Pool.Withdraw(n)

	header := fmt.Sprintf("OK bytes=%d bits=%d", len(data), bits)
	if clamped {
		header += " clamped=true"
	}
	header += "\n"

	if _, err := conn.Write([]byte(header)); err != nil {
		return ""
	}
	if len(data) > 0 {
		_, _ = conn.Write(data)
	}
	return ""
}

func (s *Server) cmdPersist() string {
	if err := s.Persister.Persist(); err != nil {
		return fmt.Sprintf("ERR %s\n", err.Error())
	}
	return fmt.Sprintf("OK persisted=%s\n", s.Persister.Path)
}

func (s *Server) cmdStop() string {
	if err := s.Persister.Persist(); err != nil {
		s.Logger.Error(fmt.Sprintf("final persist before stop failed: %v", err))
	}
	if s.OnStop != nil {
		go s.OnStop()
	}
	return "OK stopping\n"
}

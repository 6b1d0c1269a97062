// Package server accepts client connections and runs one session
// dispatcher per connection, translating framed requests into store calls
// and replication fanout.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatmesh/internal/limits"
	"github.com/adred-codev/chatmesh/internal/monitoring"
	"github.com/adred-codev/chatmesh/internal/storage"
	"github.com/adred-codev/chatmesh/internal/store"
	"github.com/adred-codev/chatmesh/internal/syncer"
)

// Config holds the server's own knobs; store and peers come in as
// collaborators.
type Config struct {
	Addr             string
	MaxConnections   int
	DrainGracePeriod time.Duration
}

// Server owns the accept loop, the live session set, and the presence
// map that answers "is this user online on this node".
type Server struct {
	config   Config
	logger   zerolog.Logger
	listener net.Listener

	store    *store.Store
	accounts *storage.AccountRegistry
	sync     *syncer.Client

	rateLimiter *limits.ConnectionRateLimiter // nil when disabled
	guard       *limits.ResourceGuard         // nil when disabled

	connSem  chan struct{}
	sessions sync.Map // *session → struct{}

	// presence maps remote address → bound username ("" until LOGIN_1).
	presenceMu sync.Mutex
	presence   map[string]string

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	active       int64
	shuttingDown int32
}

// New wires a server. The rate limiter and resource guard may be nil.
func New(config Config, st *store.Store, accounts *storage.AccountRegistry, sc *syncer.Client,
	rl *limits.ConnectionRateLimiter, guard *limits.ResourceGuard, logger zerolog.Logger) *Server {

	ctx, cancel := context.WithCancel(context.Background())
	if config.DrainGracePeriod <= 0 {
		config.DrainGracePeriod = 10 * time.Second
	}
	return &Server{
		config:      config,
		logger:      logger.With().Str("component", "server").Logger(),
		store:       st,
		accounts:    accounts,
		sync:        sc,
		rateLimiter: rl,
		guard:       guard,
		connSem:     make(chan struct{}, config.MaxConnections),
		presence:    make(map[string]string),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins accepting clients.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	s.listener = listener

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Int("max_connections", s.config.MaxConnections).
		Msg("Accepting client connections")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address, useful when the config asked
// for port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "acceptLoop", nil)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shuttingDown) == 1 {
				return
			}
			s.logger.Error().Err(err).Msg("Accept failed")
			return
		}
		if !s.admit(conn) {
			conn.Close()
			continue
		}

		monitoring.IncrementConnections()
		atomic.AddInt64(&s.active, 1)

		sess := newSession(s, conn)
		s.sessions.Store(sess, struct{}{})
		s.bindPresence(sess.addr, "")

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer monitoring.RecoverPanic(s.logger, "session", map[string]any{"addr": sess.addr})
			sess.run()
			s.release(sess)
		}()
	}
}

// admit applies rate limiting, the resource guard, and the connection
// cap, in that order, before a session goroutine is spent on the conn.
func (s *Server) admit(conn net.Conn) bool {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		return false
	}

	ip := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	if s.rateLimiter != nil && !s.rateLimiter.Allow(ip) {
		return false
	}
	if s.guard != nil && !s.guard.AllowConnection() {
		return false
	}

	select {
	case s.connSem <- struct{}{}:
		return true
	default:
		s.logger.Warn().
			Str("remote", conn.RemoteAddr().String()).
			Int("max_connections", s.config.MaxConnections).
			Msg("Connection rejected: at capacity")
		monitoring.IncrementRejected("capacity")
		return false
	}
}

func (s *Server) release(sess *session) {
	s.sessions.Delete(sess)
	s.clearPresence(sess.addr)
	<-s.connSem
	atomic.AddInt64(&s.active, -1)
	monitoring.DecrementActiveConnections()
}

// bindPresence records the username currently attached to a client
// address. LOGIN_1 and PING both rebind it.
func (s *Server) bindPresence(addr, username string) {
	s.presenceMu.Lock()
	s.presence[addr] = username
	s.presenceMu.Unlock()
}

func (s *Server) clearPresence(addr string) {
	s.presenceMu.Lock()
	delete(s.presence, addr)
	s.presenceMu.Unlock()
}

// isOnline reports whether any live session is bound to username. Used to
// decide whether a freshly sent message is born read.
func (s *Server) isOnline(username string) bool {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	for _, bound := range s.presence {
		if bound == username {
			return true
		}
	}
	return false
}

// ActiveSessions returns the number of live client sessions.
func (s *Server) ActiveSessions() int64 {
	return atomic.LoadInt64(&s.active)
}

// Shutdown stops accepting, waits up to the drain grace period for
// sessions to finish on their own, then force-closes the stragglers.
func (s *Server) Shutdown() {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.listener.Close()
	}

	drainTimer := time.NewTimer(s.config.DrainGracePeriod)
	checkTicker := time.NewTicker(100 * time.Millisecond)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-drainTimer.C:
			remaining := atomic.LoadInt64(&s.active)
			if remaining > 0 {
				s.logger.Warn().
					Int64("remaining_sessions", remaining).
					Msg("Grace period expired, force closing remaining sessions")
			}
			break drain
		case <-checkTicker.C:
			if atomic.LoadInt64(&s.active) == 0 {
				break drain
			}
		}
	}

	s.sessions.Range(func(key, _ any) bool {
		key.(*session).conn.Close()
		return true
	})

	s.cancel()
	s.wg.Wait()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.logger.Info().Msg("Server shutdown complete")
}

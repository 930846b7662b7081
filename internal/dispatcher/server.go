// Package dispatcher is the game-side listener: it accepts whitelisted web
// process connections and feeds their actions into the session registry.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/config"
	"github.com/SkynetNext/motd-gateway/internal/logger"
	"github.com/SkynetNext/motd-gateway/internal/metrics"
	"github.com/SkynetNext/motd-gateway/internal/protocol"
	"github.com/SkynetNext/motd-gateway/internal/ratelimit"
	"github.com/SkynetNext/motd-gateway/internal/session"
	"go.uber.org/zap"
)

// ErrServerStopped is returned by Start after Shutdown
var ErrServerStopped = errors.New("dispatcher stopped")

// Server accepts connections from the web process
type Server struct {
	listenAddr string
	registry   *session.Registry

	// Concurrent handler cap
	limiter *ratelimit.Limiter

	// Hot-reloadable settings
	whitelist   atomic.Pointer[map[string]struct{}]
	idleTimeout atomic.Int64

	// Network
	listener net.Listener

	// Live handlers, closed on shutdown
	mu       sync.Mutex
	handlers map[*handler]struct{}

	// State
	draining atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a dispatcher serving registry
func New(cfg config.DispatcherConfig, registry *session.Registry) (*Server, error) {
	s := &Server{
		listenAddr: cfg.ListenAddr,
		registry:   registry,
		limiter:    ratelimit.NewLimiter(int64(cfg.MaxConnections)),
		handlers:   make(map[*handler]struct{}),
	}
	if err := s.UpdateWhitelist(cfg.Whitelist); err != nil {
		return nil, err
	}
	s.idleTimeout.Store(int64(cfg.IdleTimeout))
	return s, nil
}

// UpdateWhitelist replaces the set of peer IPs allowed to connect
func (s *Server) UpdateWhitelist(ips []string) error {
	allowed := make(map[string]struct{}, len(ips))
	for _, raw := range ips {
		ip := net.ParseIP(strings.TrimSpace(raw))
		if ip == nil {
			return fmt.Errorf("invalid whitelist IP %q", raw)
		}
		allowed[ip.String()] = struct{}{}
	}
	s.whitelist.Store(&allowed)
	return nil
}

// UpdateConfig applies the hot-reloadable part of a new configuration.
// The listen address only changes on restart.
func (s *Server) UpdateConfig(cfg *config.Config) error {
	if err := s.UpdateWhitelist(cfg.Dispatcher.Whitelist); err != nil {
		return err
	}
	s.limiter.SetMax(int64(cfg.Dispatcher.MaxConnections))
	s.idleTimeout.Store(int64(cfg.Dispatcher.IdleTimeout))

	if cfg.Dispatcher.ListenAddr != s.listenAddr {
		logger.L.Warn("dispatcher listen address change requires a restart",
			zap.String("current", s.listenAddr),
			zap.String("configured", cfg.Dispatcher.ListenAddr),
		)
	}
	logger.L.Info("dispatcher configuration updated",
		zap.Int("whitelist_size", len(cfg.Dispatcher.Whitelist)),
		zap.Int("max_connections", cfg.Dispatcher.MaxConnections),
		zap.Duration("idle_timeout", cfg.Dispatcher.IdleTimeout),
	)
	return nil
}

// Start binds the listener and runs the accept loop in the background
func (s *Server) Start(ctx context.Context) error {
	if s.draining.Load() {
		return ErrServerStopped
	}

	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	logger.L.Info("dispatcher listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveHandlers returns the number of live connection handlers
func (s *Server) ActiveHandlers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// Ready reports whether the dispatcher is accepting connections
func (s *Server) Ready() bool {
	return s.listener != nil && !s.draining.Load()
}

// Shutdown stops accepting, closes every live handler's socket and the
// listener, then waits for the goroutines to exit. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		// 1. Enter drain mode; no handler registers after this
		s.mu.Lock()
		s.draining.Store(true)
		live := make([]*handler, 0, len(s.handlers))
		for h := range s.handlers {
			live = append(live, h)
		}
		s.mu.Unlock()

		// 2. Stop every handler; closing the socket unblocks its read
		for _, h := range live {
			h.stop()
		}

		// 3. Close the listener, unblocking Accept
		if s.listener != nil {
			if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				logger.L.Warn("failed to close dispatcher listener", zap.Error(err))
			}
		}
	})

	// 4. Wait for the accept loop and handlers to exit
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Set accept timeout to allow context cancellation check
		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			_ = tcpListener.SetDeadline(time.Now().Add(1 * time.Second))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			// Listener closed by Shutdown
			if s.draining.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			// Timeout is expected when checking context
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			logger.L.Warn("accept connection error", zap.Error(err))
			continue
		}

		s.admit(ctx, conn)
	}
}

// admit applies the whitelist and handler cap, then starts a handler.
// Rejected peers are closed before anything is read from them.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()

	if !s.allowed(conn.RemoteAddr()) {
		metrics.IncConnectionRejected("whitelist")
		logger.L.Warn("rejected connection from non-whitelisted peer",
			zap.String("remote_addr", remoteAddr),
		)
		_ = conn.Close()
		return
	}

	if !s.limiter.Allow() {
		metrics.RateLimitRejected.Inc()
		metrics.IncConnectionRejected("limit")
		logger.L.Warn("connection limit exceeded",
			zap.String("remote_addr", remoteAddr),
			zap.Int64("max_connections", s.limiter.Max()),
			zap.Int64("current_connections", s.limiter.Current()),
		)
		_ = conn.Close()
		return
	}

	ch := protocol.NewChannel(conn)
	ch.SetIdleTimeout(time.Duration(s.idleTimeout.Load()))
	h := newHandler(s, ch)

	s.mu.Lock()
	if s.draining.Load() {
		s.mu.Unlock()
		s.limiter.Release()
		_ = ch.Close()
		return
	}
	s.handlers[h] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.limiter.Release()
		defer s.unregister(h)
		h.serve(ctx)
	}()
}

func (s *Server) unregister(h *handler) {
	s.mu.Lock()
	delete(s.handlers, h)
	s.mu.Unlock()
}

func (s *Server) allowed(addr net.Addr) bool {
	host := addr.String()
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		host = tcpAddr.IP.String()
	} else if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	_, ok := (*s.whitelist.Load())[ip.String()]
	return ok
}

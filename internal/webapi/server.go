// Package webapi is the web process's HTTP surface: the authenticated JSON
// endpoint pages post to, the retarget endpoint and the redirect page.
package webapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/config"
	"github.com/SkynetNext/motd-gateway/internal/gateway"
	"github.com/SkynetNext/motd-gateway/internal/logger"
	"github.com/SkynetNext/motd-gateway/internal/pageurl"
	"github.com/SkynetNext/motd-gateway/internal/protocol"
	"go.uber.org/zap"
)

// Exchanger forwards custom data to the page's callback in the game process.
// *gateway.Round implements it.
type Exchanger interface {
	ExchangeCustomData(ctx context.Context, data map[string]any) (map[string]any, error)
}

// CustomDataHandler turns the browser's custom data into the JSON answer.
// A nil answer without an error is reported as a game server failure.
type CustomDataHandler func(ctx context.Context, ex Exchanger, data map[string]any) (map[string]any, error)

// Forward hands data to the game process unchanged and returns its answer
func Forward(ctx context.Context, ex Exchanger, data map[string]any) (map[string]any, error) {
	return ex.ExchangeCustomData(ctx, data)
}

type pageKey struct {
	pluginID string
	pageID   string
}

// routes are the compiled templates in effect
type routes struct {
	custom       *pageurl.Template
	retarget     *pageurl.Template
	redirectFrom *pageurl.Template
	redirectTo   *pageurl.Template
}

// Server serves page requests through a gateway
type Server struct {
	gateway *gateway.Gateway
	routes  atomic.Pointer[routes]

	mu       sync.RWMutex
	handlers map[pageKey]CustomDataHandler

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

// New creates a server for cfg's routes. Pages without a registered handler use Forward.
func New(cfg config.WebConfig, gw *gateway.Gateway) (*Server, error) {
	s := &Server{
		gateway:  gw,
		handlers: make(map[pageKey]CustomDataHandler),
	}
	rt, err := compileRoutes(cfg)
	if err != nil {
		return nil, err
	}
	s.routes.Store(rt)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func compileRoutes(cfg config.WebConfig) (*routes, error) {
	rt := &routes{}
	var err error
	if rt.custom, err = pageurl.Compile(cfg.Route); err != nil {
		return nil, fmt.Errorf("web.route: %w", err)
	}
	if cfg.RetargetRoute != "" {
		if rt.retarget, err = pageurl.Compile(cfg.RetargetRoute); err != nil {
			return nil, fmt.Errorf("web.retarget_route: %w", err)
		}
	}
	if cfg.RedirectFrom != "" {
		if rt.redirectFrom, err = pageurl.Compile(cfg.RedirectFrom); err != nil {
			return nil, fmt.Errorf("web.redirect_from: %w", err)
		}
		if rt.redirectTo, err = pageurl.Compile(cfg.RedirectTo); err != nil {
			return nil, fmt.Errorf("web.redirect_to: %w", err)
		}
	}
	return rt, nil
}

// Handle registers h for one page
func (s *Server) Handle(pluginID, pageID string, h CustomDataHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[pageKey{pluginID, pageID}] = h
}

func (s *Server) handler(pluginID, pageID string) CustomDataHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.handlers[pageKey{pluginID, pageID}]; ok {
		return h
	}
	return Forward
}

// UpdateConfig recompiles the routes and reconfigures the gateway.
// The listen address only changes on restart.
func (s *Server) UpdateConfig(cfg *config.Config) error {
	rt, err := compileRoutes(cfg.Web)
	if err != nil {
		return err
	}
	if err := s.gateway.UpdateConfig(cfg); err != nil {
		return err
	}
	s.routes.Store(rt)
	return nil
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Error("web server error", zap.Error(err))
		}
	}()

	logger.L.Info("web server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting requests and waits for in-flight rounds
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to shutdown web server: %w", err)
	}
	return nil
}

// maxBodyBytes bounds request bodies; custom data must fit one frame anyway
const maxBodyBytes = protocol.MaxPayloadSize

// Package gateway is the web-side half of the bridge: it authenticates a
// page request by token and runs one round against the game dispatcher.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/auth"
	"github.com/SkynetNext/motd-gateway/internal/circuitbreaker"
	"github.com/SkynetNext/motd-gateway/internal/config"
	"github.com/SkynetNext/motd-gateway/internal/logger"
	"github.com/SkynetNext/motd-gateway/internal/metrics"
	"github.com/SkynetNext/motd-gateway/internal/pageurl"
	"github.com/SkynetNext/motd-gateway/internal/protocol"
	"github.com/SkynetNext/motd-gateway/internal/retry"
	"github.com/SkynetNext/motd-gateway/internal/router"
	"github.com/SkynetNext/motd-gateway/internal/storage"
	"github.com/SkynetNext/motd-gateway/internal/tracing"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Gateway verifies page tokens and talks to the game dispatcher.
// Every round opens its own connection; nothing is pooled.
type Gateway struct {
	engine  *auth.Engine
	store   storage.Store
	router  *router.Router
	records *recordLocks

	// Configuration hot reload
	configMu   sync.RWMutex
	config     config.WebConfig
	discovered map[string][]string

	// Per dispatcher address
	circuitBreakers map[string]*circuitbreaker.Breaker
	breakerMu       sync.RWMutex

	dialer net.Dialer
}

// New creates a gateway. store must hold the web process's records.
func New(cfg config.WebConfig, engine *auth.Engine, store storage.Store) *Gateway {
	return &Gateway{
		engine:          engine,
		store:           store,
		router:          router.NewRouter(cfg.Servers),
		records:         newRecordLocks(),
		config:          cfg,
		circuitBreakers: make(map[string]*circuitbreaker.Breaker),
	}
}

// Serve runs fn inside an authenticated round and always closes the round
func (g *Gateway) Serve(ctx context.Context, p pageurl.Params, fn func(*Round) error) error {
	r, err := g.Begin(ctx, p)
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(r)
}

// Begin authenticates p, performs the identity handshake and rotates the
// salts. The caller must Close the returned round.
func (g *Gateway) Begin(ctx context.Context, p pageurl.Params) (_ *Round, err error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "gateway.begin",
		tracing.AttrServerID.String(p.ServerID),
		tracing.AttrSteamID.String(p.SteamID.String()),
		tracing.AttrSessionID.Int(p.SessionID),
	)
	defer func() {
		code := Code(err)
		metrics.GatewayRequests.WithLabelValues(code).Inc()
		metrics.GatewayLatency.WithLabelValues("begin").Observe(time.Since(start).Seconds())
		span.SetAttributes(tracing.AttrStatus.String(code))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// 1. Load the web-side record; a new one is only saved after a successful round.
	// The record stays locked until the rotated salts are persisted.
	release, err := g.records.acquire(ctx, p.ServerID, p.SteamID)
	if err != nil {
		return nil, err
	}
	defer release()
	rec, err := g.loadRecord(ctx, p)
	if err != nil {
		return nil, err
	}

	// 2. Verify the presented token before touching the network
	if !g.verify(rec, p) {
		logger.WarnWithTrace(ctx, "rejected page request with invalid token",
			logger.Identity(uint64(p.SteamID)),
			zap.String("server_id", p.ServerID),
			zap.String("page_id", p.PageID),
			zap.Int("session_id", p.SessionID),
			zap.String("auth_method", p.Role.String()),
		)
		return nil, ErrInvalidAuth
	}

	// 3. Connect to the game dispatcher
	cfg := g.GetConfig()
	addr, err := g.router.Route(p.ServerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGameUnavailable, err)
	}
	conn, err := g.dial(ctx, cfg, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrGameUnavailable, addr, err)
	}
	if cfg.RequestTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.RequestTimeout))
	}
	ch := protocol.NewChannel(conn)

	// 4. Identity handshake; in-game tokens rotate the game salt
	var gameSalt *string
	if p.Role == auth.RoleGame {
		salt, err := auth.NewSalt()
		if err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		gameSalt = &salt
	}
	resp, err := call(ch, protocol.SetIdentityRequest{
		Action:    protocol.ActionSetIdentity,
		NewSalt:   gameSalt,
		SteamID:   p.SteamID,
		SessionID: p.SessionID,
	})
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: %w", ErrGameUnavailable, err)
	}
	if resp.Status != protocol.StatusOK {
		// The dispatcher closes the channel after any error
		_ = ch.Close()
		if p.Role == auth.RoleGame {
			metrics.SaltRotations.WithLabelValues(auth.RoleGame.String(), "rejected").Inc()
		}
		return nil, fmt.Errorf("%w: %w", ErrIdentityRejected, &StatusError{Action: protocol.ActionSetIdentity, Status: resp.Status})
	}

	// 5. Rotate and persist before any token derived from the new salts leaves this process
	webSalt, err := auth.NewSalt()
	if err != nil {
		abandon(ch)
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if gameSalt != nil {
		rec.Salt = *gameSalt
	}
	rec.WebSalt = webSalt
	if err := g.store.Save(ctx, rec); err != nil {
		abandon(ch)
		metrics.SaltRotations.WithLabelValues(auth.RoleWeb.String(), "persist_failed").Inc()
		return nil, fmt.Errorf("persist rotated salts: %w", err)
	}
	if gameSalt != nil {
		metrics.SaltRotations.WithLabelValues(auth.RoleGame.String(), "ok").Inc()
	}
	metrics.SaltRotations.WithLabelValues(auth.RoleWeb.String(), "ok").Inc()

	return &Round{
		gateway:  g,
		ch:       ch,
		params:   p,
		backend:  addr,
		webSalt:  rec.WebSalt,
		webToken: g.engine.ComputeToken(rec.WebSalt, p.SteamID, p.Scope(), p.SessionID),
	}, nil
}

// AuthenticateOffline verifies a web-issued token without contacting the
// game process, rotates the web salt and returns the next web token.
func (g *Gateway) AuthenticateOffline(ctx context.Context, p pageurl.Params) (string, error) {
	start := time.Now()
	token, err := g.authenticateOffline(ctx, p)
	metrics.GatewayRequests.WithLabelValues(Code(err)).Inc()
	metrics.GatewayLatency.WithLabelValues("offline").Observe(time.Since(start).Seconds())
	return token, err
}

func (g *Gateway) authenticateOffline(ctx context.Context, p pageurl.Params) (string, error) {
	release, err := g.records.acquire(ctx, p.ServerID, p.SteamID)
	if err != nil {
		return "", err
	}
	defer release()

	rec, err := g.store.Load(ctx, p.ServerID, p.SteamID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrUserDoesNotExist
	}
	if err != nil {
		return "", fmt.Errorf("load web record: %w", err)
	}

	p.Role = auth.RoleWeb
	if !g.verify(rec, p) {
		return "", ErrInvalidAuth
	}

	webSalt, err := auth.NewSalt()
	if err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	rec.WebSalt = webSalt
	if err := g.store.Save(ctx, rec); err != nil {
		metrics.SaltRotations.WithLabelValues(auth.RoleWeb.String(), "persist_failed").Inc()
		return "", fmt.Errorf("persist rotated salt: %w", err)
	}
	metrics.SaltRotations.WithLabelValues(auth.RoleWeb.String(), "ok").Inc()
	return g.engine.ComputeToken(webSalt, p.SteamID, p.Scope(), p.SessionID), nil
}

func (g *Gateway) loadRecord(ctx context.Context, p pageurl.Params) (*storage.Record, error) {
	rec, err := g.store.Load(ctx, p.ServerID, p.SteamID)
	if errors.Is(err, storage.ErrNotFound) {
		return &storage.Record{ServerID: p.ServerID, Identity: p.SteamID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load web record: %w", err)
	}
	return rec, nil
}

// verify checks the token against the salt of the role it claims.
// No web token exists before the first completed round.
func (g *Gateway) verify(rec *storage.Record, p pageurl.Params) bool {
	var salt string
	switch p.Role {
	case auth.RoleGame:
		salt = rec.Salt
	case auth.RoleWeb:
		if rec.WebSalt == "" {
			return false
		}
		salt = rec.WebSalt
	default:
		return false
	}
	return g.engine.Verify(p.AuthToken, salt, p.SteamID, p.Scope(), p.SessionID)
}

// dial connects to addr through its circuit breaker, retrying refused dials
func (g *Gateway) dial(ctx context.Context, cfg config.WebConfig, addr string) (net.Conn, error) {
	breaker := g.getOrCreateBreaker(addr)
	var conn net.Conn
	err := retry.Do(ctx, retry.RetryConfig{
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Retryable: func(err error) bool {
			return !errors.Is(err, circuitbreaker.ErrOpen)
		},
	}, func(ctx context.Context) error {
		return breaker.Execute(func() error {
			dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
			defer cancel()
			c, err := g.dialer.DialContext(dialCtx, "tcp", addr)
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// call sends one request frame and reads one response frame
func call(ch *protocol.Channel, req any) (*protocol.Response, error) {
	if err := ch.SendJSON(req); err != nil {
		return nil, err
	}
	payload, err := ch.Receive()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeResponse(payload)
}

// abandon ends a handshaked channel without performing an action
func abandon(ch *protocol.Channel) {
	_ = ch.SendJSON(protocol.EndCommunicationRequest{Action: protocol.ActionEndCommunication})
	_ = ch.Close()
}

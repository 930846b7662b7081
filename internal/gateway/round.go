package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/identity"
	"github.com/SkynetNext/motd-gateway/internal/metrics"
	"github.com/SkynetNext/motd-gateway/internal/middleware"
	"github.com/SkynetNext/motd-gateway/internal/pageurl"
	"github.com/SkynetNext/motd-gateway/internal/protocol"
	"github.com/SkynetNext/motd-gateway/internal/tracing"
)

// Round is one authenticated exchange with the game dispatcher. It allows
// exactly one action; Close always sends end_communication.
type Round struct {
	gateway *Gateway
	ch      *protocol.Channel
	params  pageurl.Params
	backend string
	webSalt string

	mu       sync.Mutex
	webToken string
	used     bool
	closed   bool
}

// WebAuthToken returns the token for the page's next request. After a
// successful Retarget it is scoped to the new page.
func (r *Round) WebAuthToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.webToken
}

// SteamID returns the authenticated identity
func (r *Round) SteamID() identity.ID {
	return r.params.SteamID
}

// SessionID returns the session the round is bound to
func (r *Round) SessionID() int {
	return r.params.SessionID
}

// ExchangeCustomData sends data to the page's callback in the game process
// and returns its answer
func (r *Round) ExchangeCustomData(ctx context.Context, data map[string]any) (map[string]any, error) {
	if data == nil {
		data = map[string]any{}
	}
	resp, err := r.perform(ctx, protocol.CustomDataRequest{
		Action:     protocol.ActionReceiveCustomData,
		CustomData: data,
	})
	if err != nil {
		return nil, err
	}

	answer := map[string]any{}
	if len(resp.CustomData) > 0 {
		if err := json.Unmarshal(resp.CustomData, &answer); err != nil {
			return nil, fmt.Errorf("%w: decode custom_data: %w", ErrGameUnavailable, err)
		}
	}
	return answer, nil
}

// Retarget asks the game process to switch the session to newPageID
func (r *Round) Retarget(ctx context.Context, newPageID string) error {
	_, err := r.perform(ctx, protocol.RetargetRequest{
		Action:    protocol.ActionRetarget,
		NewPageID: newPageID,
	})
	if err != nil {
		return err
	}

	scope := r.params.Scope()
	scope.PageID = newPageID
	token := r.gateway.engine.ComputeToken(r.webSalt, r.params.SteamID, scope, r.params.SessionID)
	r.mu.Lock()
	r.webToken = token
	r.mu.Unlock()
	return nil
}

func (r *Round) perform(ctx context.Context, req any) (resp *protocol.Response, err error) {
	action := actionOf(req)

	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return nil, ErrRoundClosed
	case r.used:
		r.mu.Unlock()
		return nil, ErrActionPerformed
	}
	r.used = true
	r.mu.Unlock()

	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "gateway.action",
		tracing.AttrAction.String(action),
		tracing.AttrSteamID.String(r.params.SteamID.String()),
		tracing.AttrSessionID.Int(r.params.SessionID),
	)
	defer func() {
		status := "transport_error"
		if resp != nil {
			status = string(resp.Status)
		}
		span.SetAttributes(tracing.AttrStatus.String(status))
		span.End()

		metrics.GatewayLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
		entry := &middleware.AccessLogEntry{
			RemoteAddr: r.backend,
			Backend:    r.backend,
			Identity:   uint64(r.params.SteamID),
			SessionID:  r.params.SessionID,
			Action:     action,
			DurationMs: time.Since(start).Milliseconds(),
			Status:     status,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		middleware.LogAccess(ctx, entry)
	}()

	resp, err = call(r.ch, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGameUnavailable, err)
	}
	if resp.Status != protocol.StatusOK {
		return resp, &StatusError{Action: action, Status: resp.Status}
	}
	return resp, nil
}

// Close sends end_communication and closes the connection. Safe to call more than once.
func (r *Round) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	abandon(r.ch)
	return nil
}

func actionOf(req any) string {
	switch req.(type) {
	case protocol.CustomDataRequest:
		return protocol.ActionReceiveCustomData
	case protocol.RetargetRequest:
		return protocol.ActionRetarget
	default:
		return "unknown"
	}
}

package webapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/gateway"
	"github.com/SkynetNext/motd-gateway/internal/logger"
	"github.com/SkynetNext/motd-gateway/internal/middleware"
	"github.com/SkynetNext/motd-gateway/internal/pageurl"
	"github.com/SkynetNext/motd-gateway/internal/tracing"
	"go.uber.org/zap"
)

// ServeHTTP routes by matching the path against the configured templates
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt := s.routes.Load()

	if rt.retarget != nil {
		if p, err := rt.retarget.Parse(r.URL.Path); err == nil {
			s.handleJSON(w, r, p, ActionRetarget)
			return
		}
	}
	if p, err := rt.custom.Parse(r.URL.Path); err == nil {
		s.handleJSON(w, r, p, ActionReceiveCustomData)
		return
	}
	if rt.redirectFrom != nil {
		if p, err := rt.redirectFrom.Parse(r.URL.Path); err == nil {
			s.handleRedirect(w, r, rt.redirectTo, p)
			return
		}
	}
	http.NotFound(w, r)
}

// handleJSON runs one authenticated round for a page's POST
func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request, p pageurl.Params, route string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	ctx, span := tracing.StartSpan(r.Context(), "webapi.request",
		tracing.AttrAction.String(route),
		tracing.AttrServerID.String(p.ServerID),
		tracing.AttrSteamID.String(p.SteamID.String()),
		tracing.AttrSessionID.Int(p.SessionID),
	)
	defer span.End()

	status, err := s.serveJSON(ctx, w, r, p, route)

	span.SetAttributes(tracing.AttrStatus.String(status))
	entry := &middleware.AccessLogEntry{
		RemoteAddr: r.RemoteAddr,
		Identity:   uint64(p.SteamID),
		SessionID:  p.SessionID,
		Action:     "http:" + route,
		DurationMs: time.Since(start).Milliseconds(),
		Status:     status,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	middleware.LogAccess(ctx, entry)
}

// serveJSON writes the response and returns its status for the access log
func (s *Server) serveJSON(ctx context.Context, w http.ResponseWriter, r *http.Request, p pageurl.Params, route string) (string, error) {
	var req request
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, StatusBadRequest, nil)
		return StatusBadRequest, err
	}

	var resp response
	err := s.gateway.Serve(ctx, p, func(round *gateway.Round) error {
		// Authentication has completed; every answer from here carries the next token
		defer func() {
			token := round.WebAuthToken()
			resp.WebAuthToken = &token
		}()

		if req.Action != route {
			resp.Status = StatusBadRequest
			return nil
		}
		switch route {
		case ActionRetarget:
			return s.retarget(ctx, round, req, &resp)
		default:
			return s.exchange(ctx, round, p, req, &resp)
		}
	})

	var statusErr *gateway.StatusError
	switch {
	case resp.WebAuthToken == nil:
		// Begin failed before the round existed
		resp.Status = gateway.Code(err)
	case resp.Status == "" && errors.As(err, &statusErr) && route == ActionRetarget:
		resp.Status = string(statusErr.Status)
	case resp.Status == "" && err != nil:
		resp.Status = gateway.CodeGameServerFailure
	case resp.Status == "":
		resp.Status = StatusOK
	}

	if err != nil && resp.Status == gateway.CodeGameServerFailure {
		logger.WarnWithTrace(ctx, "page request failed",
			logger.Identity(uint64(p.SteamID)),
			zap.String("server_id", p.ServerID),
			zap.String("plugin_id", p.PluginID),
			zap.String("page_id", p.PageID),
			zap.Error(err),
		)
	}
	writeJSON(w, http.StatusOK, resp)
	return resp.Status, err
}

func (s *Server) exchange(ctx context.Context, round *gateway.Round, p pageurl.Params, req request, resp *response) error {
	data := req.CustomData
	if data == nil {
		data = map[string]any{}
	}
	answer, err := s.handler(p.PluginID, p.PageID)(ctx, round, data)
	if err != nil {
		return err
	}
	if answer == nil {
		return errNoAnswer
	}
	resp.CustomData = answer
	return nil
}

func (s *Server) retarget(ctx context.Context, round *gateway.Round, req request, resp *response) error {
	if req.NewPageID == "" {
		resp.Status = StatusBadRequest
		return nil
	}
	return round.Retarget(ctx, req.NewPageID)
}

var errNoAnswer = errors.New("page handler produced no answer")

// handleRedirect sends the browser to the redirect target with the same fields
func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request, to *pageurl.Template, p pageurl.Params) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	target := to.Format(p)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusFound)
}

package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/logger"
	"github.com/SkynetNext/motd-gateway/internal/metrics"
	"github.com/SkynetNext/motd-gateway/internal/middleware"
	"github.com/SkynetNext/motd-gateway/internal/protocol"
	"github.com/SkynetNext/motd-gateway/internal/session"
	"github.com/SkynetNext/motd-gateway/internal/tracing"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	errNotMapping    = errors.New("answer is not a string-keyed mapping")
	errNoIdentity    = errors.New("action requires set_identity first")
	errUnknownAction = errors.New("unknown action")
)

// handler serves one web-process connection. It is owned by a single goroutine.
type handler struct {
	server *Server
	connID string
	ch     *protocol.Channel
	remote string

	// Bound by set_identity
	player  *session.Player
	session *session.Session
}

// outcome describes how one action ended
type outcome struct {
	// Response to send; nil sends nothing
	resp *protocol.Response

	// Keep reading after this action
	keepOpen bool

	// Cause recorded in the access log
	err error

	// Runs after the response has been sent
	after func()
}

func newHandler(s *Server, ch *protocol.Channel) *handler {
	return &handler{
		server: s,
		connID: ulid.Make().String(),
		ch:     ch,
		remote: ch.RemoteAddr().String(),
	}
}

func (h *handler) stop() {
	_ = h.ch.Close()
}

// serve runs the receive/dispatch loop until the channel closes
func (h *handler) serve(ctx context.Context) {
	defer h.ch.Close()

	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	logger.L.Debug("dispatcher connection accepted",
		zap.String("conn_id", h.connID),
		zap.String("remote_addr", h.remote),
	)

	for {
		payload, err := h.ch.Receive()
		if err != nil {
			// Closure is the only way a receive fails
			break
		}
		if !h.handleFrame(ctx, payload) {
			break
		}
	}

	logger.L.Debug("dispatcher connection closed",
		zap.String("conn_id", h.connID),
		zap.String("remote_addr", h.remote),
	)
}

// handleFrame decodes and dispatches one frame and reports whether to keep going
func (h *handler) handleFrame(ctx context.Context, payload []byte) bool {
	start := time.Now()

	req, decodeErr := protocol.DecodeRequest(payload)
	action := "invalid"
	if decodeErr == nil {
		action = actionLabel(req.Action)
	}

	ctx, span := tracing.StartSpan(ctx, "dispatcher.action",
		tracing.AttrAction.String(action),
		attribute.String("conn_id", h.connID),
	)
	defer span.End()

	var out outcome
	if decodeErr != nil {
		out = badRequest(decodeErr)
	} else {
		out = h.dispatch(ctx, req)
	}

	status := "none"
	if out.resp != nil {
		status = string(out.resp.Status)
		if err := h.ch.SendJSON(out.resp); err != nil {
			out.keepOpen = false
			if out.err == nil {
				out.err = err
			}
		}
	}
	if out.after != nil {
		out.after()
	}

	span.SetAttributes(tracing.AttrStatus.String(status))
	metrics.ActionsProcessed.WithLabelValues(action, status).Inc()
	metrics.ActionLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())

	entry := &middleware.AccessLogEntry{
		ConnID:     h.connID,
		RemoteAddr: h.remote,
		Action:     action,
		DurationMs: time.Since(start).Milliseconds(),
		Status:     status,
	}
	if h.player != nil {
		entry.Identity = uint64(h.player.ID())
	}
	if h.session != nil {
		entry.SessionID = h.session.ID()
	}
	if out.err != nil {
		entry.Error = out.err.Error()
	}
	middleware.LogAccess(ctx, entry)

	return out.keepOpen
}

func (h *handler) dispatch(ctx context.Context, req *protocol.Request) outcome {
	switch req.Action {
	case protocol.ActionSetIdentity:
		return h.setIdentity(ctx, req)
	case protocol.ActionRetarget:
		return h.retarget(req)
	case protocol.ActionReceiveCustomData:
		return h.receiveCustomData(req)
	case protocol.ActionEndCommunication:
		return outcome{}
	default:
		return badRequest(fmt.Errorf("%w: %q", errUnknownAction, req.Action))
	}
}

func (h *handler) setIdentity(ctx context.Context, req *protocol.Request) outcome {
	if h.player != nil {
		return fail(protocol.StatusAlreadySet, errors.New("identity already set on this connection"))
	}

	player := h.server.registry.Get(req.SteamID)
	if player == nil {
		return fail(protocol.StatusUnknownSteamID, nil)
	}
	h.player = player

	s := player.BindForTransmission(req.SessionID)
	if s == nil {
		return fail(protocol.StatusSessionClosed, nil)
	}
	h.session = s

	if req.NewSalt != nil {
		if err := player.ConfirmNewSalt(ctx, *req.NewSalt); err != nil {
			out := fail(protocol.StatusSaltRefused, err)
			out.after = func() {
				if err := s.Close(session.CodeSaltRefused); err != nil {
					h.server.registry.Fault("callback", err)
				}
			}
			return out
		}
	}

	return outcome{resp: &protocol.Response{Status: protocol.StatusOK}, keepOpen: true}
}

func (h *handler) retarget(req *protocol.Request) outcome {
	if h.session == nil {
		return badRequest(errNoIdentity)
	}
	if req.NewPageID == "" {
		return badRequest(errors.New("retarget without new_page_id"))
	}

	o, err := h.session.RequestRetargeting(req.NewPageID)
	var cbErr *session.CallbackError
	switch {
	case errors.As(err, &cbErr):
		out := fail(protocol.StatusRetargetingCallbackException, err)
		out.after = func() { h.server.registry.Fault("retarget", err) }
		return out
	case errors.Is(err, session.ErrSessionClosed):
		return fail(protocol.StatusSessionClosed2, err)
	case err != nil:
		return fail(protocol.StatusRetargetingCallbackException, err)
	case !o.Accepted():
		return fail(protocol.StatusRetargetingRefused, nil)
	case !o.Valid():
		return fail(protocol.StatusRetargetingCallbackInvalidAnswer, session.ErrInvalidOutcome)
	}

	if err := h.session.ApplyRetarget(o); err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			return fail(protocol.StatusSessionClosed2, err)
		}
		return fail(protocol.StatusRetargetingCallbackInvalidAnswer, err)
	}

	// A successful retarget ends the round
	return outcome{resp: &protocol.Response{Status: protocol.StatusOK}}
}

func (h *handler) receiveCustomData(req *protocol.Request) outcome {
	if h.session == nil {
		return badRequest(errNoIdentity)
	}

	data, err := decodeCustomData(req.CustomData)
	if err != nil {
		return badRequest(err)
	}

	answer, err := h.session.Receive(data)
	var cbErr *session.CallbackError
	switch {
	case errors.As(err, &cbErr):
		out := fail(protocol.StatusCallbackException, err)
		out.after = func() { h.server.registry.Fault("callback", err) }
		return out
	case errors.Is(err, session.ErrSessionClosed):
		return fail(protocol.StatusSessionClosed2, err)
	case err != nil:
		return fail(protocol.StatusCallbackException, err)
	}

	encoded, err := encodeAnswer(answer)
	if err != nil {
		status := protocol.StatusCallbackInvalidAnswer2
		if errors.Is(err, errNotMapping) {
			status = protocol.StatusCallbackInvalidAnswer
		}
		out := fail(status, err)
		out.after = func() { h.server.registry.Fault("callback", err) }
		return out
	}

	return outcome{
		resp:     &protocol.Response{Status: protocol.StatusOK, CustomData: encoded},
		keepOpen: true,
	}
}

// decodeCustomData accepts a JSON object; null or a missing field is an empty object
func decodeCustomData(raw json.RawMessage) (map[string]any, error) {
	data := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("custom_data must be an object: %w", err)
	}
	return data, nil
}

// responseOverhead is the size of {"status":"OK","custom_data":} around the answer
var responseOverhead = len(`{"status":"OK","custom_data":}`)

// encodeAnswer checks that answer is a string-keyed mapping and encodes it.
// A nil answer becomes an empty object.
func encodeAnswer(answer any) (json.RawMessage, error) {
	if answer == nil {
		return json.RawMessage(`{}`), nil
	}
	v := reflect.ValueOf(answer)
	if v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String {
		return nil, fmt.Errorf("%w: got %T", errNotMapping, answer)
	}
	if v.IsNil() {
		return json.RawMessage(`{}`), nil
	}
	encoded, err := json.Marshal(answer)
	if err != nil {
		return nil, fmt.Errorf("answer is not JSON encodable: %w", err)
	}
	if len(encoded)+responseOverhead > protocol.MaxPayloadSize {
		return nil, fmt.Errorf("answer is not JSON encodable: %w", protocol.ErrFrameTooLarge)
	}
	return encoded, nil
}

// fail answers with status and ends the channel
func fail(status protocol.Status, err error) outcome {
	return outcome{resp: &protocol.Response{Status: status}, err: err}
}

func badRequest(err error) outcome {
	return fail(protocol.StatusBadRequest, err)
}

// actionLabel bounds the metric label set to the known actions
func actionLabel(action string) string {
	switch action {
	case protocol.ActionSetIdentity, protocol.ActionRetarget,
		protocol.ActionReceiveCustomData, protocol.ActionEndCommunication:
		return action
	default:
		return "unknown"
	}
}

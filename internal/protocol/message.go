package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/SkynetNext/motd-gateway/internal/identity"
)

// Actions sent by the web process to the game process
const (
	ActionSetIdentity       = "set_identity"
	ActionRetarget          = "retarget"
	ActionReceiveCustomData = "receive_custom_data"
	ActionEndCommunication  = "end_communication"
)

// Status is the literal status string carried in every response
type Status string

const (
	StatusOK                               Status = "OK"
	StatusUnknownSteamID                   Status = "ERROR_UNKNOWN_STEAMID"
	StatusAlreadySet                       Status = "ERROR_ALREADY_SET"
	StatusSessionClosed                    Status = "ERROR_SESSION_CLOSED"
	StatusSessionClosed2                   Status = "ERROR_SESSION_CLOSED2"
	StatusSaltRefused                      Status = "ERROR_SALT_REFUSED"
	StatusRetargetingRefused               Status = "ERROR_RETARGETING_REFUSED"
	StatusRetargetingCallbackException     Status = "ERROR_RETARGETING_CALLBACK_EXCEPTION"
	StatusRetargetingCallbackInvalidAnswer Status = "ERROR_RETARGETING_CALLBACK_INVALID_ANSWER"
	StatusCallbackException                Status = "ERROR_CALLBACK_EXCEPTION"
	StatusCallbackInvalidAnswer            Status = "ERROR_CALLBACK_INVALID_ANSWER"
	StatusCallbackInvalidAnswer2           Status = "ERROR_CALLBACK_INVALID_ANSWER2"
	StatusBadRequest                       Status = "ERROR_BAD_REQUEST"
)

// Request is the decoded form of any inbound action. Fields that do not
// belong to the action are ignored.
type Request struct {
	Action     string          `json:"action"`
	SteamID    identity.ID     `json:"steamid"`
	NewSalt    *string         `json:"new_salt"`
	SessionID  int             `json:"session_id"`
	NewPageID  string          `json:"new_page_id"`
	CustomData json.RawMessage `json:"custom_data"`
}

// SetIdentityRequest binds a channel to an identity and session.
// NewSalt is always emitted, as null when no rotation is requested.
type SetIdentityRequest struct {
	Action    string      `json:"action"`
	NewSalt   *string     `json:"new_salt"`
	SteamID   identity.ID `json:"steamid"`
	SessionID int         `json:"session_id"`
}

// RetargetRequest asks the bound session to switch to another page
type RetargetRequest struct {
	Action    string `json:"action"`
	NewPageID string `json:"new_page_id"`
}

// CustomDataRequest hands custom data to the bound session's callback
type CustomDataRequest struct {
	Action     string         `json:"action"`
	CustomData map[string]any `json:"custom_data"`
}

// EndCommunicationRequest asks the peer to tear the channel down
type EndCommunicationRequest struct {
	Action string `json:"action"`
}

// Response is sent for every action except end_communication
type Response struct {
	Status     Status          `json:"status"`
	CustomData json.RawMessage `json:"custom_data,omitempty"`
}

// DecodeRequest parses a frame payload. The action is required.
func DecodeRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Action == "" {
		return nil, fmt.Errorf("request has no action")
	}
	return &req, nil
}

// DecodeResponse parses a frame payload received by the web process
func DecodeResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Status == "" {
		return nil, fmt.Errorf("response has no status")
	}
	return &resp, nil
}

// SendJSON encodes v and sends it as one frame
func (c *Channel) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return c.Send(payload)
}

// SendStatus sends a response that carries only a status
func (c *Channel) SendStatus(status Status) error {
	return c.SendJSON(Response{Status: status})
}

package webapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Response statuses produced by this package on top of the gateway codes
const (
	StatusOK         = "OK"
	StatusBadRequest = "ERROR_BAD_REQUEST"
)

// Request actions
const (
	ActionReceiveCustomData = "receive-custom-data"
	ActionRetarget          = "retarget"
)

type request struct {
	Action     string         `json:"action"`
	CustomData map[string]any `json:"custom_data"`
	NewPageID  string         `json:"new_page_id,omitempty"`
}

// response is the body of every JSON answer. web_auth_token is null when
// authentication did not complete.
type response struct {
	Status       string  `json:"status"`
	WebAuthToken *string `json:"web_auth_token"`
	CustomData   any     `json:"custom_data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, httpStatus int, status string, token *string) {
	writeJSON(w, httpStatus, response{Status: status, WebAuthToken: token})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

// Package identity defines the normalized player handle shared by the game
// and web processes.
package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ID is a 64-bit SteamID. Other SteamID text formats are converted by the
// host before they reach this package.
type ID uint64

// ErrInvalid is returned when a value cannot be read as a 64-bit identity.
var ErrInvalid = errors.New("invalid steamid64")

// Parse reads a decimal SteamID64.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalid
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return ID(v), nil
}

// String returns the decimal form used in URLs, tokens and storage keys.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// MarshalJSON always emits a string; JSON numbers lose precision above 2^53.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON accepts both "7656..." and 7656...
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := Parse(s)
		if err != nil {
			return err
		}
		*id = v
		return nil
	}
	v, err := Parse(string(data))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

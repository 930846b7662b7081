// Package pageurl formats the URL pushed to a player and parses the fields
// back out of the request the player's browser makes.
package pageurl

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/SkynetNext/motd-gateway/internal/auth"
	"github.com/SkynetNext/motd-gateway/internal/identity"
)

// Placeholder names understood by templates
const (
	FieldServerAddr = "server_addr"
	FieldServerID   = "server_id"
	FieldPluginID   = "plugin_id"
	FieldPageID     = "page_id"
	FieldSteamID    = "steamid"
	FieldAuthMethod = "auth_method"
	FieldAuthToken  = "auth_token"
	FieldSessionID  = "session_id"
)

var knownFields = map[string]bool{
	FieldServerAddr: true,
	FieldServerID:   true,
	FieldPluginID:   true,
	FieldPageID:     true,
	FieldSteamID:    true,
	FieldAuthMethod: true,
	FieldAuthToken:  true,
	FieldSessionID:  true,
}

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

var (
	// ErrNoMatch is returned when a path does not fit the template
	ErrNoMatch = errors.New("path does not match template")
	// ErrUnknownPlaceholder is returned for a template naming an unsupported field
	ErrUnknownPlaceholder = errors.New("unknown placeholder")
)

// Params are the values carried by a page URL
type Params struct {
	ServerAddr string
	ServerID   string
	PluginID   string
	PageID     string
	SteamID    identity.ID
	Role       auth.Role
	AuthToken  string
	SessionID  int
}

// Scope returns the token scope named by p
func (p Params) Scope() auth.Scope {
	return auth.Scope{ServerID: p.ServerID, PluginID: p.PluginID, PageID: p.PageID}
}

// Template is a compiled URL template such as
// "http://{server_addr}/motd/{server_id}/{plugin_id}/{page_id}/{steamid}/{auth_method}/{auth_token}/{session_id}/"
type Template struct {
	raw    string
	re     *regexp.Regexp
	fields []string
}

// Compile validates tmpl and prepares it for parsing
func Compile(tmpl string) (*Template, error) {
	var (
		pattern strings.Builder
		fields  []string
		last    int
	)
	pattern.WriteString("^")
	seen := make(map[string]bool)
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(tmpl, -1) {
		name := tmpl[loc[2]:loc[3]]
		if !knownFields[name] {
			return nil, fmt.Errorf("%w: {%s}", ErrUnknownPlaceholder, name)
		}
		pattern.WriteString(regexp.QuoteMeta(tmpl[last:loc[0]]))
		if seen[name] {
			// Go regexp has no backreferences; repeats are checked after matching.
			pattern.WriteString(`([^/?#]+)`)
		} else {
			pattern.WriteString(`(?P<` + name + `>[^/?#]+)`)
		}
		fields = append(fields, name)
		seen[name] = true
		last = loc[1]
	}
	pattern.WriteString(regexp.QuoteMeta(tmpl[last:]))
	pattern.WriteString("$")

	re, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, fmt.Errorf("failed to compile template %q: %w", tmpl, err)
	}
	return &Template{raw: tmpl, re: re, fields: fields}, nil
}

// MustCompile is like Compile but panics on error
func MustCompile(tmpl string) *Template {
	t, err := Compile(tmpl)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the template source
func (t *Template) String() string {
	return t.raw
}

// Format substitutes p into the template
func (t *Template) Format(p Params) string {
	values := map[string]string{
		FieldServerAddr: p.ServerAddr,
		FieldServerID:   p.ServerID,
		FieldPluginID:   p.PluginID,
		FieldPageID:     p.PageID,
		FieldSteamID:    p.SteamID.String(),
		FieldAuthMethod: strconv.Itoa(p.Role.AuthMethod()),
		FieldAuthToken:  p.AuthToken,
		FieldSessionID:  strconv.Itoa(p.SessionID),
	}
	return placeholderRe.ReplaceAllStringFunc(t.raw, func(m string) string {
		return values[m[1:len(m)-1]]
	})
}

// Parse extracts the fields from s. Fields the template does not carry are
// left zero, so callers that route per page fill scope from their own config.
func (t *Template) Parse(s string) (Params, error) {
	var p Params
	m := t.re.FindStringSubmatch(s)
	if m == nil {
		return p, ErrNoMatch
	}

	values := make(map[string]string, len(t.fields))
	for i, name := range t.fields {
		v := m[i+1]
		if prev, ok := values[name]; ok && prev != v {
			return p, fmt.Errorf("%w: conflicting values for {%s}", ErrNoMatch, name)
		}
		values[name] = v
	}

	p.ServerAddr = values[FieldServerAddr]
	p.ServerID = values[FieldServerID]
	p.PluginID = values[FieldPluginID]
	p.PageID = values[FieldPageID]
	p.AuthToken = values[FieldAuthToken]

	if v, ok := values[FieldSteamID]; ok {
		id, err := identity.Parse(v)
		if err != nil {
			return p, err
		}
		p.SteamID = id
	}
	if v, ok := values[FieldAuthMethod]; ok {
		method, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("invalid auth method %q: %w", v, err)
		}
		role, err := auth.ParseRole(method)
		if err != nil {
			return p, err
		}
		p.Role = role
	}
	if v, ok := values[FieldSessionID]; ok {
		sid, err := strconv.Atoi(v)
		if err != nil || sid < 1 {
			return p, fmt.Errorf("invalid session id %q", v)
		}
		p.SessionID = sid
	}
	return p, nil
}

package bridge

import (
	"context"
	"errors"

	"github.com/SkynetNext/motd-gateway/internal/auth"
	"github.com/SkynetNext/motd-gateway/internal/identity"
	"github.com/SkynetNext/motd-gateway/internal/logger"
	"github.com/SkynetNext/motd-gateway/internal/pageurl"
	"github.com/SkynetNext/motd-gateway/internal/session"
	"go.uber.org/zap"
)

// PlayerActive starts tracking id and loads its persisted salt in the background
func (b *Bridge) PlayerActive(id identity.ID) error {
	if id == 0 {
		return ErrInvalidIdentity
	}
	b.registry.Track(id)
	return nil
}

// PlayerDisconnected forgets id, closing its sessions with PLAYER_DISCONNECTED.
// The returned error joins the failures of the notified callbacks.
func (b *Bridge) PlayerDisconnected(id identity.ID) error {
	return b.registry.Forget(id)
}

// LevelInit forgets every player, closing their sessions with LEVEL_INIT
func (b *Bridge) LevelInit() error {
	return b.registry.Reset(session.CodeLevelInit)
}

// Page describes a page to push to a player
type Page struct {
	PluginID string
	PageID   string

	// Data is required; Retarget may be nil to refuse every retarget
	Data     session.DataCallback
	Retarget session.RetargetCallback

	// Show the URL instead of rendering it
	Debug bool
}

// SendPage opens a session for page and pushes its URL to the player.
//
// The session is returned at once. If the player's persisted salt has not
// finished loading, the push waits for it; should the load fail the session
// is closed with STATE_LOAD_FAILED instead of pushing a URL no token could
// ever match.
func (b *Bridge) SendPage(ctx context.Context, id identity.ID, page Page) (*session.Session, error) {
	p := b.registry.Get(id)
	if p == nil {
		return nil, session.ErrUnknownPlayer
	}
	s, err := p.OpenSession(page.Data, page.Retarget)
	if err != nil {
		return nil, err
	}

	// The push may outlive ctx's caller. It gets its own goroutine because a
	// deferred WhenLoaded callback runs on the persistence worker.
	ctx = context.WithoutCancel(ctx)
	p.WhenLoaded(func(salt string, err error) {
		if err != nil {
			b.abortPage(s, err)
			return
		}
		b.pushes.Add(1)
		go func() {
			defer b.pushes.Done()
			b.push(ctx, s, page, salt)
		}()
	})
	return s, nil
}

func (b *Bridge) push(ctx context.Context, s *session.Session, page Page, salt string) {
	id := s.Player().ID()
	cfg := b.Config()
	params := pageurl.Params{
		ServerAddr: cfg.MOTD.ServerAddr,
		ServerID:   cfg.Server.ID,
		PluginID:   page.PluginID,
		PageID:     page.PageID,
		SteamID:    id,
		Role:       auth.RoleGame,
		SessionID:  s.ID(),
	}
	params.AuthToken = b.engine.ComputeToken(salt, id, params.Scope(), s.ID())
	url := b.template.Load().Format(params)

	if err := b.pusher.Push(ctx, id, url, page.Debug); err != nil {
		logger.L.Warn("Failed to push page",
			logger.Identity(uint64(id)),
			zap.String("plugin_id", page.PluginID),
			zap.String("page_id", page.PageID),
			zap.Int("session_id", s.ID()),
			zap.Error(err),
		)
		// Nobody can reach the session without its URL
		_ = s.Close("")
		return
	}
	logger.L.Debug("Page pushed",
		logger.Identity(uint64(id)),
		zap.String("plugin_id", page.PluginID),
		zap.String("page_id", page.PageID),
		zap.Int("session_id", s.ID()),
	)
}

func (b *Bridge) abortPage(s *session.Session, cause error) {
	// A forgotten player's sessions are already closed
	if errors.Is(cause, session.ErrUnknownPlayer) {
		return
	}
	logger.L.Error("Player state failed to load, dropping page",
		logger.Identity(uint64(s.Player().ID())),
		zap.Int("session_id", s.ID()),
		zap.Error(cause),
	)
	if err := s.Close(session.CodeStateLoadFailed); err != nil {
		b.registry.Fault("callback", err)
	}
}

// PluginInstance sends pages on behalf of one plugin
type PluginInstance struct {
	bridge   *Bridge
	pluginID string
}

// Plugin returns a sender bound to pluginID
func (b *Bridge) Plugin(pluginID string) *PluginInstance {
	return &PluginInstance{bridge: b, pluginID: pluginID}
}

// ID returns the plugin id
func (pi *PluginInstance) ID() string {
	return pi.pluginID
}

// SendPage pushes pageID to the player
func (pi *PluginInstance) SendPage(ctx context.Context, id identity.ID, pageID string, data session.DataCallback, retarget session.RetargetCallback, debug bool) (*session.Session, error) {
	return pi.bridge.SendPage(ctx, id, Page{
		PluginID: pi.pluginID,
		PageID:   pageID,
		Data:     data,
		Retarget: retarget,
		Debug:    debug,
	})
}

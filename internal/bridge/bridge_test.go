package bridge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/auth"
	"github.com/SkynetNext/motd-gateway/internal/config"
	"github.com/SkynetNext/motd-gateway/internal/gateway"
	"github.com/SkynetNext/motd-gateway/internal/identity"
	"github.com/SkynetNext/motd-gateway/internal/pageurl"
	"github.com/SkynetNext/motd-gateway/internal/session"
	"github.com/SkynetNext/motd-gateway/internal/storage"
)

const (
	testID     identity.ID = 76561198000000042
	testServer             = "srv-1"
	testTmpl               = "http://{server_addr}/motd/{server_id}/{plugin_id}/{page_id}/{steamid}/{auth_method}/{auth_token}/{session_id}/"
)

type pushed struct {
	id    identity.ID
	url   string
	debug bool
}

// recorder is a Pusher that hands every URL to the test
type recorder chan pushed

func (r recorder) Push(_ context.Context, id identity.ID, url string, debug bool) error {
	r <- pushed{id: id, url: url, debug: debug}
	return nil
}

func (r recorder) next(t *testing.T) pushed {
	t.Helper()
	select {
	case p := <-r:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no page was pushed")
		return pushed{}
	}
}

// failingStore refuses every load
type failingStore struct{}

func (failingStore) Load(context.Context, string, identity.ID) (*storage.Record, error) {
	return nil, errors.New("backend unavailable")
}

func (failingStore) Save(context.Context, *storage.Record) error {
	return errors.New("backend unavailable")
}

func (failingStore) Close() error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{ID: testServer, MetricsPort: 9091, LogLevel: "info"},
		Dispatcher: config.DispatcherConfig{
			ListenAddr:     "127.0.0.1:0",
			Whitelist:      []string{"127.0.0.1"},
			MaxConnections: 16,
		},
		Storage: config.StorageConfig{
			DSN:       "memory://",
			QueueSize: 64,
			OpTimeout: time.Second,
		},
		Secret: config.SecretConfig{Path: filepath.Join(t.TempDir(), "secret_salt.dat")},
		MOTD:   config.MOTDConfig{ServerAddr: "game.example:27015", URL: testTmpl},
		Web: config.WebConfig{
			Route:       "/motd/{server_id}/{plugin_id}/{page_id}/{steamid}/{auth_method}/{auth_token}/{session_id}/",
			DialTimeout: time.Second,
		},
		GracefulShutdownTimeout: 5 * time.Second,
	}
}

func startBridge(t *testing.T, cfg *config.Config, opts ...Option) (*Bridge, recorder) {
	t.Helper()
	rec := make(recorder, 8)
	opts = append(opts, WithoutMetricsServer())
	b, err := New(context.Background(), cfg, rec, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b, rec
}

func echo(data map[string]any, err error) (any, error) {
	if err != nil {
		return nil, nil
	}
	return data, nil
}

func TestBridge_SendPagePushesVerifiableURL(t *testing.T) {
	b, rec := startBridge(t, testConfig(t))
	if err := b.PlayerActive(testID); err != nil {
		t.Fatalf("PlayerActive: %v", err)
	}

	s, err := b.Plugin("shop").SendPage(context.Background(), testID, "welcome", echo, nil, true)
	if err != nil {
		t.Fatalf("SendPage: %v", err)
	}
	got := rec.next(t)
	if got.id != testID || !got.debug {
		t.Errorf("Expected debug push to %d, got %+v", testID, got)
	}

	p, err := pageurl.MustCompile(testTmpl).Parse(got.url)
	if err != nil {
		t.Fatalf("Parse(%q): %v", got.url, err)
	}
	if p.ServerAddr != "game.example:27015" || p.ServerID != testServer || p.PluginID != "shop" || p.PageID != "welcome" {
		t.Errorf("Unexpected URL fields: %+v", p)
	}
	if p.Role != auth.RoleGame || p.SessionID != s.ID() || p.SteamID != testID {
		t.Errorf("Unexpected URL auth fields: %+v", p)
	}

	salt, loaded := b.Registry().Get(testID).Salt()
	if !loaded {
		t.Fatal("Expected state to be loaded once the page was pushed")
	}
	if !b.Engine().Verify(p.AuthToken, salt, testID, p.Scope(), p.SessionID) {
		t.Error("pushed token does not verify against the player's salt")
	}
}

func TestBridge_RoundTripThroughGateway(t *testing.T) {
	cfg := testConfig(t)
	b, rec := startBridge(t, cfg)
	if err := b.PlayerActive(testID); err != nil {
		t.Fatalf("PlayerActive: %v", err)
	}
	if _, err := b.Plugin("shop").SendPage(context.Background(), testID, "welcome", echo, nil, false); err != nil {
		t.Fatalf("SendPage: %v", err)
	}
	p, err := pageurl.MustCompile(testTmpl).Parse(rec.next(t).url)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	webCfg := cfg.Web
	webCfg.Servers = map[string][]string{testServer: {b.DispatcherAddr()}}
	webCfg.RequestTimeout = 5 * time.Second
	gw := gateway.New(webCfg, b.Engine(), storage.NewMemoryStore())

	ctx := context.Background()
	err = gw.Serve(ctx, p, func(r *gateway.Round) error {
		answer, err := r.ExchangeCustomData(ctx, map[string]any{"item": "sword"})
		if err == nil && answer["item"] != "sword" {
			t.Errorf("Expected echoed custom data, got %v", answer)
		}
		return err
	})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestBridge_HookErrors(t *testing.T) {
	b, _ := startBridge(t, testConfig(t))

	if err := b.PlayerActive(0); !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("Expected ErrInvalidIdentity, got %v", err)
	}
	if _, err := b.SendPage(context.Background(), testID, Page{PluginID: "p", PageID: "x", Data: echo}); !errors.Is(err, session.ErrUnknownPlayer) {
		t.Errorf("Expected ErrUnknownPlayer, got %v", err)
	}

	_ = b.PlayerActive(testID)
	if _, err := b.SendPage(context.Background(), testID, Page{PluginID: "p", PageID: "x"}); !errors.Is(err, session.ErrNoDataCallback) {
		t.Errorf("Expected ErrNoDataCallback, got %v", err)
	}
}

func TestBridge_StateLoadFailedClosesPage(t *testing.T) {
	b, rec := startBridge(t, testConfig(t), WithStore(failingStore{}))
	_ = b.PlayerActive(testID)

	codes := make(chan string, 1)
	_, err := b.SendPage(context.Background(), testID, Page{
		PluginID: "p",
		PageID:   "x",
		Data: func(_ map[string]any, err error) (any, error) {
			var se *session.Error
			if errors.As(err, &se) {
				codes <- se.Code
			}
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("SendPage: %v", err)
	}

	select {
	case code := <-codes:
		if code != session.CodeStateLoadFailed {
			t.Errorf("Expected %s, got %s", session.CodeStateLoadFailed, code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed after the failed load")
	}
	select {
	case p := <-rec:
		t.Errorf("Expected no push after a failed load, got %q", p.url)
	default:
	}
}

func TestBridge_BlockedPusherDoesNotStallLoads(t *testing.T) {
	entered := make(chan identity.ID, 4)
	gate := make(chan struct{})
	pusher := PusherFunc(func(_ context.Context, id identity.ID, _ string, _ bool) error {
		entered <- id
		<-gate
		return nil
	})

	b, err := New(context.Background(), testConfig(t), pusher, WithoutMetricsServer())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	// Runs before Shutdown so pending pushes can return
	t.Cleanup(func() { close(gate) })

	// Sent straight after PlayerActive, the push usually waits for the load
	_ = b.PlayerActive(testID)
	if _, err := b.SendPage(context.Background(), testID, Page{PluginID: "p", PageID: "x", Data: echo}); err != nil {
		t.Fatalf("SendPage: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("page was not pushed")
	}

	// The push is still blocked; another player's load must complete anyway
	other := testID + 1
	loaded := make(chan error, 1)
	_ = b.PlayerActive(other)
	b.Registry().Get(other).WhenLoaded(func(_ string, err error) { loaded <- err })
	select {
	case err := <-loaded:
		if err != nil {
			t.Errorf("load: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("persistence worker stalled behind a blocked push")
	}

	// SendPage for a loaded player returns while its push blocks too
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.SendPage(context.Background(), other, Page{PluginID: "p", PageID: "y", Data: echo})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendPage blocked on the pusher")
	}
}

func TestBridge_LifecycleCloseCodes(t *testing.T) {
	b, rec := startBridge(t, testConfig(t))

	open := func(id identity.ID) chan string {
		codes := make(chan string, 1)
		_ = b.PlayerActive(id)
		_, err := b.SendPage(context.Background(), id, Page{
			PluginID: "p",
			PageID:   "x",
			Data: func(_ map[string]any, err error) (any, error) {
				var se *session.Error
				if errors.As(err, &se) {
					codes <- se.Code
				}
				return nil, nil
			},
		})
		if err != nil {
			t.Fatalf("SendPage: %v", err)
		}
		rec.next(t)
		return codes
	}

	expect := func(codes chan string, want string) {
		t.Helper()
		select {
		case got := <-codes:
			if got != want {
				t.Errorf("Expected close code %s, got %s", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("Expected close code %s, got none", want)
		}
	}

	codes := open(testID)
	if err := b.PlayerDisconnected(testID); err != nil {
		t.Fatalf("PlayerDisconnected: %v", err)
	}
	expect(codes, session.CodePlayerDisconnected)
	if b.Registry().Get(testID) != nil {
		t.Error("Expected player to be forgotten")
	}

	codes = open(testID)
	if err := b.LevelInit(); err != nil {
		t.Fatalf("LevelInit: %v", err)
	}
	expect(codes, session.CodeLevelInit)
	if b.Registry().Count() != 0 {
		t.Error("Expected no tracked players after level init")
	}

	codes = open(testID + 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	expect(codes, session.CodeShutdown)
	if err := b.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestBridge_UpdateConfig(t *testing.T) {
	cfg := testConfig(t)
	b, rec := startBridge(t, cfg)

	next := *cfg
	next.MOTD.URL = "https://{server_addr}/v2/{server_id}/{plugin_id}/{page_id}/{steamid}/{auth_method}/{auth_token}/{session_id}"
	if err := b.UpdateConfig(&next); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	_ = b.PlayerActive(testID)
	if _, err := b.Plugin("p").SendPage(context.Background(), testID, "x", echo, nil, false); err != nil {
		t.Fatalf("SendPage: %v", err)
	}
	if _, err := pageurl.MustCompile(next.MOTD.URL).Parse(rec.next(t).url); err != nil {
		t.Errorf("Expected page URL from the reloaded template: %v", err)
	}

	moved := next
	moved.Server.ID = "srv-2"
	if err := b.UpdateConfig(&moved); err == nil {
		t.Error("Expected a server id change to be rejected")
	}
	bad := next
	bad.MOTD.URL = "http://{nope}/"
	if err := b.UpdateConfig(&bad); err == nil {
		t.Error("Expected an unknown placeholder to be rejected")
	}
	if b.Config().MOTD.URL != next.MOTD.URL {
		t.Error("Expected the last valid configuration to stay in effect")
	}
}

func TestBridge_SecretSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	first, _ := startBridge(t, cfg)
	second, err := New(context.Background(), cfg, make(recorder, 1), WithoutMetricsServer())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	scope := auth.Scope{ServerID: testServer, PluginID: "p", PageID: "x"}
	if first.Engine().ComputeToken("s", testID, scope, 1) != second.Engine().ComputeToken("s", testID, scope, 1) {
		t.Error("Expected both bridges to share the stored secret")
	}
}

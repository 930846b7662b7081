package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "server:\n  id: srv1\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ID != "srv1" {
		t.Errorf("expected server id srv1, got %q", cfg.Server.ID)
	}
	if cfg.Dispatcher.ListenAddr != "127.0.0.1:27099" {
		t.Errorf("unexpected listen addr %q", cfg.Dispatcher.ListenAddr)
	}
	if len(cfg.Dispatcher.Whitelist) != 1 || cfg.Dispatcher.Whitelist[0] != "127.0.0.1" {
		t.Errorf("unexpected whitelist %v", cfg.Dispatcher.Whitelist)
	}
	if cfg.Dispatcher.IdleTimeout != 0 {
		t.Errorf("idle timeout should default to none, got %v", cfg.Dispatcher.IdleTimeout)
	}
	if cfg.Storage.DSN != "sqlite://data/motdplayer.db" {
		t.Errorf("unexpected dsn %q", cfg.Storage.DSN)
	}
	if cfg.Web.RetargetRoute == "" || cfg.Web.RetargetRoute == cfg.Web.Route {
		t.Errorf("unexpected retarget route %q", cfg.Web.RetargetRoute)
	}
	if cfg.Web.Discovery.ConsulAddress != "" || cfg.Web.Discovery.Service != "motd-dispatcher" {
		t.Errorf("unexpected discovery defaults %+v", cfg.Web.Discovery)
	}
	if cfg.GracefulShutdownTimeout != 30*time.Second {
		t.Errorf("unexpected shutdown timeout %v", cfg.GracefulShutdownTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "server:\n  id: srv1\ndispatcher:\n  listen_addr: \":1000\"\n")
	t.Setenv("MOTD_SERVER_ID", "srv2")
	t.Setenv("MOTD_DISPATCHER_LISTEN_ADDR", ":2000")
	t.Setenv("MOTD_DISPATCHER_WHITELIST", "10.0.0.1,10.0.0.2")
	t.Setenv("MOTD_STORAGE_DSN", "memory://")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ID != "srv2" {
		t.Errorf("env should override server id, got %q", cfg.Server.ID)
	}
	if cfg.Dispatcher.ListenAddr != ":2000" {
		t.Errorf("env should override listen addr, got %q", cfg.Dispatcher.ListenAddr)
	}
	if len(cfg.Dispatcher.Whitelist) != 2 {
		t.Errorf("expected 2 whitelist entries, got %v", cfg.Dispatcher.Whitelist)
	}
	if cfg.Storage.DSN != "memory://" {
		t.Errorf("unexpected dsn %q", cfg.Storage.DSN)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing server id", "dispatcher:\n  listen_addr: \":1\"\n"},
		{"bad whitelist", "server:\n  id: s\ndispatcher:\n  whitelist: [\"not-an-ip\"]\n"},
		{"negative idle timeout", "server:\n  id: s\ndispatcher:\n  idle_timeout: -1s\n"},
		{"bad sample ratio", "server:\n  id: s\ntracing:\n  sample_ratio: 2\n"},
		{"empty server endpoints", "server:\n  id: s\nweb:\n  servers:\n    s: []\n"},
		{"retarget route shadows route", "server:\n  id: s\nweb:\n  route: /a/{steamid}/\n  retarget_route: /a/{steamid}/\n"},
		{"redirect without target", "server:\n  id: s\nweb:\n  redirect_from: /r/{steamid}/\n"},
		{"negative discovery interval", "server:\n  id: s\nweb:\n  discovery:\n    consul_address: http://c:8500\n    refresh_interval: -1s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfig_MOTDTemplate(t *testing.T) {
	cfg := &Config{MOTD: MOTDConfig{URL: "a", URLCSGO: "b"}}
	if cfg.MOTDTemplate() != "a" {
		t.Errorf("expected regular template")
	}
	cfg.MOTD.UseCSGO = true
	if cfg.MOTDTemplate() != "b" {
		t.Errorf("expected redirect template")
	}
}

func TestHotReloadManager_WatchConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "server:\n  id: srv1\n")
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var reloads atomic.Int32
	h := NewHotReloadManager(initial, func(c *Config) error {
		reloads.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.WatchConfigFile(ctx, path, 10*time.Millisecond)

	writeConfig(t, dir, "server:\n  id: srv1\ndispatcher:\n  whitelist: [\"10.1.1.1\"]\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if wl := h.GetConfig().Dispatcher.Whitelist; len(wl) == 1 && wl[0] == "10.1.1.1" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if wl := h.GetConfig().Dispatcher.Whitelist; len(wl) != 1 || wl[0] != "10.1.1.1" {
		t.Fatalf("whitelist not reloaded: %v", wl)
	}
	if reloads.Load() == 0 {
		t.Error("reload function was not called")
	}
}

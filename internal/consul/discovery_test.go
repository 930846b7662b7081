package consul

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const healthBody = `[
	{"Node": {"Address": "10.0.0.9"}, "Service": {"Address": "10.0.0.2", "Port": 27099, "Meta": {"server_id": "srv-1"}}},
	{"Node": {"Address": "10.0.0.9"}, "Service": {"Address": "10.0.0.1", "Port": 27099, "Meta": {"server_id": "srv-1"}}},
	{"Node": {"Address": "10.0.0.3"}, "Service": {"Address": "", "Port": 27100, "Meta": {"server_id": "srv-2"}}},
	{"Node": {"Address": "10.0.0.4"}, "Service": {"Address": "10.0.0.4", "Port": 27099, "Meta": {}}}
]`

func consulStub(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health/service/motd-dispatcher" || r.URL.Query().Get("passing") != "true" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscovery_DiscoverServices(t *testing.T) {
	srv := consulStub(t, http.StatusOK, healthBody)
	d := NewDiscovery(srv.URL, time.Minute)

	got, err := d.DiscoverServices(context.Background(), "motd-dispatcher")
	if err != nil {
		t.Fatalf("DiscoverServices: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 servers, got %v", got)
	}
	srv1 := got["srv-1"]
	if len(srv1) != 2 || srv1[0] != "10.0.0.1:27099" || srv1[1] != "10.0.0.2:27099" {
		t.Errorf("Unexpected srv-1 endpoints: %v", srv1)
	}
	// Empty service address falls back to the node address
	if srv2 := got["srv-2"]; len(srv2) != 1 || srv2[0] != "10.0.0.3:27100" {
		t.Errorf("Unexpected srv-2 endpoints: %v", srv2)
	}
}

func TestDiscovery_ErrorStatus(t *testing.T) {
	srv := consulStub(t, http.StatusInternalServerError, "boom")
	d := NewDiscovery(srv.URL, time.Minute)

	if _, err := d.DiscoverServices(context.Background(), "motd-dispatcher"); err == nil {
		t.Error("Expected error for non-200 response")
	}
}

func TestDiscovery_StartRefreshLoop(t *testing.T) {
	srv := consulStub(t, http.StatusOK, healthBody)
	d := NewDiscovery(srv.URL, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan map[string][]string, 8)
	d.StartRefreshLoop(ctx, "motd-dispatcher", func(m map[string][]string) {
		select {
		case updates <- m:
		default:
		}
	})

	for i := 0; i < 2; i++ {
		select {
		case m := <-updates:
			if len(m["srv-1"]) != 2 {
				t.Errorf("update %d: unexpected endpoints %v", i, m)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for update %d", i)
		}
	}
}

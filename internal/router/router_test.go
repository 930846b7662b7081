package router

import (
	"errors"
	"testing"
)

func TestRouter_RoundRobin(t *testing.T) {
	r := NewRouter(map[string][]string{
		"srv-1": {"10.0.0.1:27099", "10.0.0.2:27099"},
		"srv-2": {"10.0.0.3:27099"},
	})

	want := []string{"10.0.0.1:27099", "10.0.0.2:27099", "10.0.0.1:27099"}
	for i, w := range want {
		got, err := r.Route("srv-1")
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		if got != w {
			t.Errorf("pick %d: expected %s, got %s", i, w, got)
		}
	}

	got, err := r.Route("srv-2")
	if err != nil || got != "10.0.0.3:27099" {
		t.Errorf("Expected single endpoint, got %q, %v", got, err)
	}
}

func TestRouter_UnknownServer(t *testing.T) {
	r := NewRouter(map[string][]string{"srv-1": {"a:1"}, "empty": {}})
	if _, err := r.Route("srv-9"); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("Expected ErrUnknownServer, got %v", err)
	}
	if _, err := r.Route("empty"); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("Expected server without endpoints to be unknown, got %v", err)
	}
}

func TestRouter_Update(t *testing.T) {
	r := NewRouter(map[string][]string{"srv-1": {"a:1"}})
	r.Update(map[string][]string{"srv-2": {"b:1"}})

	if _, err := r.Route("srv-1"); err == nil {
		t.Error("Expected srv-1 to be gone after update")
	}
	if ids := r.Servers(); len(ids) != 1 || ids[0] != "srv-2" {
		t.Errorf("Unexpected servers: %v", ids)
	}
}
